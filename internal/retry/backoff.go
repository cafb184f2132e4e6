// Package retry computes exponential backoff delays with jitter.
package retry

import (
	"math/rand/v2"
	"time"
)

// Policy describes how long to wait before attempt n.
//
// The delay is min(Max, Base*2^attempt), then spread by ±Jitter (a fraction
// in [0,1]) and clamped to [0, Max].
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand returns a float in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultPolicy is used by the sync queue unless configured otherwise.
func DefaultPolicy() Policy {
	return Policy{Base: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2}
}

// Delay returns the wait before retrying after the given attempt count.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Max
	if p.Base > 0 && attempt < 62 {
		exp := p.Base << uint(attempt)
		if exp > 0 && exp>>uint(attempt) == p.Base && (p.Max <= 0 || exp < p.Max) {
			d = exp
		}
	}
	if p.Max <= 0 && d <= 0 {
		d = p.Base
	}

	if p.Jitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		spread := float64(d) * p.Jitter
		d += time.Duration((r()*2 - 1) * spread)
	}
	if d < 0 {
		d = 0
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Next returns the instant at which the given attempt may be retried.
func (p Policy) Next(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
