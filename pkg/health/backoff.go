package health

import (
	"fmt"
	"time"
)

const (
	DefaultBaseInterval     = time.Minute
	DefaultMaxInterval      = 24 * time.Hour
	DefaultFailureThreshold = 3
)

// BackoffPolicy computes retry delays. The delay for exponent n is
// BaseInterval·2^(n-1), capped at MaxInterval.
type BackoffPolicy struct {
	BaseInterval time.Duration
	MaxInterval  time.Duration
	// FailureThreshold is the number of consecutive failures after which a
	// server is marked failed.
	FailureThreshold int
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		BaseInterval:     DefaultBaseInterval,
		MaxInterval:      DefaultMaxInterval,
		FailureThreshold: DefaultFailureThreshold,
	}
}

func (p BackoffPolicy) Validate() error {
	if p.BaseInterval <= 0 {
		return fmt.Errorf("base interval must be positive, got %s", p.BaseInterval)
	}
	if p.MaxInterval < p.BaseInterval {
		return fmt.Errorf("max interval %s is below base interval %s", p.MaxInterval, p.BaseInterval)
	}
	if p.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", p.FailureThreshold)
	}
	return nil
}

// Interval returns the delay for exponent. Exponents below 1 are treated as 1.
func (p BackoffPolicy) Interval(exponent int) time.Duration {
	if exponent < 1 {
		exponent = 1
	}
	d := p.BaseInterval
	for i := 1; i < exponent; i++ {
		if d >= p.MaxInterval/2 {
			return p.MaxInterval
		}
		d *= 2
	}
	if d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

// NextExponent increments exponent unless the delay has already reached the
// ceiling, so the stored exponent stays bounded.
func (p BackoffPolicy) NextExponent(exponent int) int {
	if exponent < 1 {
		return 1
	}
	if p.Interval(exponent) >= p.MaxInterval {
		return exponent
	}
	return exponent + 1
}
