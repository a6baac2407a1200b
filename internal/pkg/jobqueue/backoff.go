package jobqueue

import "time"

const (
	// BaseBackoff is the delay before the first retry
	BaseBackoff = 2 * time.Second
	// MaxBackoff caps the exponential growth
	MaxBackoff = 10 * time.Minute
)

// Backoff returns the delay before retry n (1-based): BaseBackoff * 2^(n-1).
func Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	return d
}
