package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataSize(t *testing.T) {
	valid := map[string]int64{
		"0":       0,
		"4096":    4096,
		"100B":    100,
		"1KB":     1000,
		"1.5KB":   1500,
		"1K":      1024,
		"1KiB":    1024,
		"512 KiB": 512 * 1024,
		"1.5MiB":  1572864,
		"1MiB":    MegaByte,
		"10mb":    10000000,
		"1G":      GigaByte,
		" 2MB ":   2000000,
	}
	for in, want := range valid {
		t.Run(in, func(t *testing.T) {
			got, err := ParseDataSize(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	for _, in := range []string{"", "MB", "1.2.3MB", "10XB", "-5MB", "99999999999999999GB"} {
		t.Run("invalid "+in, func(t *testing.T) {
			_, err := ParseDataSize(in)
			assert.Error(t, err)
		})
	}
}

func TestFormatDataSize(t *testing.T) {
	assert.Equal(t, "invalid", FormatDataSize(-1))
	assert.Equal(t, "0 B", FormatDataSize(0))
	assert.Equal(t, "1023 B", FormatDataSize(1023))
	assert.Equal(t, "1 KiB", FormatDataSize(KiloByte))
	assert.Equal(t, "1.5 KiB", FormatDataSize(1536))
	assert.Equal(t, "1 MiB", FormatDataSize(MegaByte))
	assert.Equal(t, "1.25 GiB", FormatDataSize(GigaByte+GigaByte/4))
}
