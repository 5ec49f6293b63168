package poller

import "time"

// Backoff returns the delay after the given number of consecutive failures:
// base doubled per failure, capped at max. It is non-decreasing in failures.
func Backoff(failures int, base, max time.Duration) time.Duration {
	if failures <= 0 || base <= 0 {
		return 0
	}
	if max > 0 && base >= max {
		return max
	}
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
		if delay <= 0 {
			// overflow without a cap
			return time.Duration(1<<63 - 1)
		}
	}
	return delay
}

// DegradedInterval is the polling interval of an account that keeps failing
func DegradedInterval(interval time.Duration, multiplier int, ceiling time.Duration) time.Duration {
	if multiplier < 1 {
		multiplier = 1
	}
	d := interval * time.Duration(multiplier)
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}
