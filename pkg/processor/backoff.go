package processor

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	backoffMultiplier   = 2.0
	backoffRandomFactor = 0.2
	maxBackoffSteps     = 64
)

// BackoffFunc returns the delay before the next attempt of a job that has
// failed attempt times.
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff doubles the delay per failed attempt starting at base,
// with ±20% jitter, and never exceeds cap.
func ExponentialBackoff(base, cap time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		b := &backoff.ExponentialBackOff{
			InitialInterval:     base,
			RandomizationFactor: backoffRandomFactor,
			Multiplier:          backoffMultiplier,
			MaxInterval:         cap,
		}
		b.Reset()

		steps := min(max(attempt, 1), maxBackoffSteps)
		var delay time.Duration
		for i := 0; i < steps; i++ {
			delay = b.NextBackOff()
		}
		if delay == backoff.Stop || delay > cap {
			delay = cap
		}
		return delay
	}
}
