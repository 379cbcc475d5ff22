// Package resilience is the shared network-resilience layer: it classifies
// errors, retries transient failures with bounded exponential backoff, and
// persists operations that still cannot complete to a durable queue drained
// in the background. Every network-facing step in the lock coordinator and
// the commit orchestrator goes through this one policy.
package resilience

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass partitions operation failures for retry decisions.
type ErrorClass int

const (
	// ClassTransient errors (timeouts, refused connections, 5xx) are
	// retried with backoff and queued on exhaustion.
	ClassTransient ErrorClass = iota

	// ClassRateLimited errors are retried like transient ones; they get
	// their own class so callers can log them distinctly.
	ClassRateLimited

	// ClassPermanent errors (authentication, not-found, validation) fail
	// immediately with no retry.
	ClassPermanent
)

// String returns a human-readable representation of the class.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

var transientPatterns = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"network unreachable",
	"no route to host",
	"temporary failure",
	"service unavailable",
	"gateway timeout",
	"broken pipe",
	"internal server error",
	"bad gateway",
}

var rateLimitPatterns = []string{
	"too many requests",
	"rate limit",
	"rate limited",
}

// Classify categorizes an error for retry purposes. Context cancellation
// and unknown errors default to permanent so a bad classification can
// never cause unbounded retries.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassPermanent
	}
	var exhausted *RetriesExhaustedError
	if errors.As(err, &exhausted) {
		return ClassTransient
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	for _, p := range rateLimitPatterns {
		if strings.Contains(msg, p) {
			return ClassRateLimited
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ClassTransient
		}
	}
	return ClassPermanent
}

// Retryable reports whether the error class permits another attempt.
func Retryable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassRateLimited:
		return true
	default:
		return false
	}
}
