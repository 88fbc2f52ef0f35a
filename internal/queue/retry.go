package queue

import (
	"math"
	"time"
)

// RetryPolicy decides whether a failed attempt is retried and how long the
// job waits before it becomes eligible again. It is stateless and safe for
// concurrent use.
type RetryPolicy struct {
	// Base is the delay after the first failed attempt.
	Base time.Duration
	// Max caps the delay. Zero means uncapped.
	Max time.Duration
}

// DefaultRetryPolicy returns a policy with a 1s base and a 5 minute cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base: time.Second,
		Max:  5 * time.Minute,
	}
}

// Backoff returns Base * 2^(attempt-1), capped at Max.
// Attempt is 1-indexed: attempt 1 is the first failure.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ShouldRetry reports whether a job that has now failed attempt times may
// run again.
func (p RetryPolicy) ShouldRetry(attempt, maxRetries int) bool {
	return attempt <= maxRetries
}
