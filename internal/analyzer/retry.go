package analyzer

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RetryConfig bounds the in-call retry on provider rate limits. It is
// separate from the worker's job-level retry budget.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Second,
		MaxBackoff:     60 * time.Second,
	}
}

// Backoff returns the wait after the given zero-based attempt. A delay
// suggested by the provider wins when it is longer.
func (c RetryConfig) Backoff(attempt int, apiDelay time.Duration) time.Duration {
	d := c.InitialBackoff
	for i := 0; i < attempt && d < c.MaxBackoff; i++ {
		d *= 2
	}
	if apiDelay > d {
		d = apiDelay
	}
	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

// IsRateLimit reports whether a provider error signals throttling.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	lower := strings.ToLower(s)
	return strings.Contains(s, "429") ||
		strings.Contains(s, "RESOURCE_EXHAUSTED") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "quota")
}

var retryDelayRe = regexp.MustCompile(`(?i)(?:Please retry in |retryDelay[:\s"]+)(\d+(?:\.\d+)?)\s*s`)

// ExtractRetryDelay reads a "Please retry in 12.5s" hint out of an error.
func ExtractRetryDelay(err error) time.Duration {
	if err == nil {
		return 0
	}
	m := retryDelayRe.FindStringSubmatch(err.Error())
	if len(m) < 2 {
		return 0
	}
	secs, perr := strconv.ParseFloat(m[1], 64)
	if perr != nil {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
