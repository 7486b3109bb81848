package engine

import "time"

const (
	DefaultRetryBaseDelay = 30 * time.Second
	DefaultRetryMaxDelay  = time.Hour
)

// RetryPolicy computes exponential backoff: Base * 2^(attempt-1), capped at Max.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultRetryPolicy starts at 30s and caps at one hour.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: DefaultRetryBaseDelay, Max: DefaultRetryMaxDelay}
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base, ceiling := p.Base, p.Max
	if base <= 0 {
		base = DefaultRetryBaseDelay
	}
	if ceiling < base {
		ceiling = base
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	return min(delay, ceiling)
}
