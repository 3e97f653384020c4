package jobengine

import (
	"math"
	"time"
)

// Backoff computes retry delays. The delay before the retry that follows a
// failure with n retries already consumed is Base * 2^n, capped at Max when
// Max is positive.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// NewBackoff creates an exponential backoff strategy.
func NewBackoff(base, maxDelay time.Duration) Backoff {
	return Backoff{Base: base, Max: maxDelay}
}

// Delay returns Base * 2^retryCount, capped at Max.
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if b.Base <= 0 {
		return 0
	}

	d := float64(b.Base) * math.Pow(2, float64(retryCount))
	if d >= float64(math.MaxInt64) {
		if b.Max > 0 {
			return b.Max
		}
		return time.Duration(math.MaxInt64)
	}
	delay := time.Duration(d)
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}
