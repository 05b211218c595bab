package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

const (
	Byte     int64 = 1
	KiloByte int64 = 1024
	MegaByte int64 = 1024 * KiloByte
	GigaByte int64 = 1024 * MegaByte
)

// sizeUnits maps upper-cased unit suffixes to byte multipliers. KB/MB/GB
// are decimal; K/M/G and the IEC forms are binary.
var sizeUnits = map[string]int64{
	"":    Byte,
	"B":   Byte,
	"KB":  1000,
	"MB":  1000 * 1000,
	"GB":  1000 * 1000 * 1000,
	"K":   KiloByte,
	"KIB": KiloByte,
	"M":   MegaByte,
	"MIB": MegaByte,
	"G":   GigaByte,
	"GIB": GigaByte,
}

// ParseDataSize parses sizes such as "512KiB", "1.5MB" or "4096" into a
// byte count.
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	split := strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.'
	})
	number, unit := s, ""
	if split >= 0 {
		number, unit = s[:split], strings.TrimSpace(s[split:])
	}

	mult, ok := sizeUnits[strings.ToUpper(unit)]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q in %q", unit, s)
	}

	if n, err := strconv.ParseInt(number, 10, 64); err == nil {
		if n > math.MaxInt64/mult {
			return 0, fmt.Errorf("size %q overflows", s)
		}
		return n * mult, nil
	}

	f, err := strconv.ParseFloat(number, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	v := f * float64(mult)
	if v >= math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(v), nil
}

// FormatDataSize renders a byte count with binary units, e.g. "1.5 MiB".
func FormatDataSize(n int64) string {
	if n < 0 {
		return "invalid"
	}
	if n < KiloByte {
		return fmt.Sprintf("%d B", n)
	}

	units := []string{"KiB", "MiB", "GiB", "TiB"}
	v := float64(n) / float64(KiloByte)
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return strings.TrimSuffix(strings.TrimSuffix(fmt.Sprintf("%.2f", v), "0"), ".0") + " " + units[i]
}
