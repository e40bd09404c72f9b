package worker

import (
	"time"

	"github.com/tendant/simple-docworker/internal/failure"
)

// RetryPolicy decides how long a failed job waits before its next attempt.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	RateLimitDelay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      60 * time.Second,
		RateLimitDelay: 120 * time.Second,
	}
}

// ShouldRetry reports whether attempt (1-based, the one that just failed)
// leaves budget for another try.
func (p RetryPolicy) ShouldRetry(kind failure.Kind, attempt int) bool {
	return kind.Retryable() && attempt < p.MaxAttempts
}

// Delay is fixed for rate limits and doubles per attempt otherwise:
// BaseDelay, 2*BaseDelay, 4*BaseDelay...
func (p RetryPolicy) Delay(kind failure.Kind, attempt int) time.Duration {
	if kind == failure.KindRateLimited {
		return p.RateLimitDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << (attempt - 1)
}
