package notifications

import (
	"math"
	"time"
)

// Backoff computes retry delays: Base * 2^attempts, capped at Cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff starts at five minutes and never waits more than an hour.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap}
}

// Delay returns the wait before the next attempt given how many attempts
// preceded the one that just failed.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for range attempts {
		if (b.Cap > 0 && d >= b.Cap) || d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

// Next returns the next attempt time after a failure at now.
func (b Backoff) Next(now time.Time, attempts int) time.Time {
	return now.Add(b.Delay(attempts))
}
