package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	base, cap := 30*time.Second, time.Hour
	next := ExponentialBackoff(base, cap)

	for attempt := 1; attempt <= 10; attempt++ {
		nominal := base << (attempt - 1)
		if nominal > cap {
			nominal = cap
		}
		for i := 0; i < 20; i++ {
			d := next(attempt)
			assert.LessOrEqual(t, d, cap)
			assert.GreaterOrEqual(t, d, time.Duration(float64(nominal)*(1-backoffRandomFactor))-time.Millisecond, "attempt %d", attempt)
		}
	}
}

func TestExponentialBackoff_LargeAttemptStaysCapped(t *testing.T) {
	next := ExponentialBackoff(time.Second, time.Minute)
	assert.LessOrEqual(t, next(1000), time.Minute)
	assert.Greater(t, next(1000), time.Duration(0))
}
