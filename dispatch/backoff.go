package dispatch

import (
	"math"
	"time"
)

// backoff returns base * 2^attempt, clamped to the largest Duration.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt >= 62 || base > time.Duration(math.MaxInt64)>>attempt {
		return time.Duration(math.MaxInt64)
	}
	return base << attempt
}
