package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds redelivery. MaxAttempts counts every delivery attempt,
// the first one included.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the fraction (0.0-1.0) of the delay added or removed at random.
	Jitter float64
}

// DefaultRetryPolicy is used for zero-valued fields.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   time.Second,
	MaxDelay:    5 * time.Minute,
	Multiplier:  2,
	Jitter:      0.1,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultRetryPolicy.Multiplier
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = DefaultRetryPolicy.Jitter
	}
	return p
}

// Delay returns the wait before the retry that follows failed attempt number
// attempt (1-based): min(MaxDelay, BaseDelay * Multiplier^(attempt-1)) with
// +/- Jitter applied. random must return values in [0, 1).
func (p RetryPolicy) Delay(attempt int, random func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if random == nil {
		random = rand.Float64
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*random() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Exhausted reports whether no attempt remains after attempt failed.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
