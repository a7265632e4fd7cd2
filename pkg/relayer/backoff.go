package relayer

import (
	"math"
	"time"
)

// Backoff returns 2^attempt * base, capped at max when max is positive.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
