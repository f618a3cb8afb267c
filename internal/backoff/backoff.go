// Package backoff provides the exponential delay schedule shared by
// the publisher relay and the webhook dispatch engine.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt capped at max. Attempt counts
// completed attempts, so the first retry (attempt 1) waits 2*base.
// Negative attempts are treated as zero.
func Exponential(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return max
	}

	d := time.Duration(int64(base) * multiplier)
	if max > 0 && d > max {
		return max
	}
	return d
}

// Jitter returns a random duration in [d/2, d). Keeping half the delay
// deterministic preserves the exponential shape while spreading retries
// from deliveries that failed at the same instant.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + rand.N(d-half)
}

// Delay combines Exponential and Jitter.
func Delay(base, max time.Duration, attempt int) time.Duration {
	return Jitter(Exponential(base, max, attempt))
}
