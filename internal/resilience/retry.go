package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/studiolock/studiolock/internal/clock"
	"github.com/studiolock/studiolock/internal/ports"
)

// Default retry configuration values.
const (
	DefaultMaxRetries = 4
	DefaultBaseDelay  = 2 * time.Second
	DefaultMaxDelay   = 16 * time.Second
)

// RetryPolicy bounds the inline retry behavior for transient failures:
// exponential backoff from BaseDelay, doubling per attempt, capped at
// MaxDelay, for at most MaxRetries retries after the initial attempt.
// The defaults yield delays of exactly 2s, 4s, 8s, 16s.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the shared policy used by all network-facing
// operations.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Delay returns the backoff before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// RetriesExhaustedError wraps a transient failure that survived every
// inline retry. Callers queue the operation instead of retrying a fifth
// time.
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// Executor runs operations under the shared retry policy, optionally
// behind a circuit breaker. An open breaker short-circuits straight to a
// RetriesExhaustedError so the caller queues without burning attempts
// against a remote that is known to be down.
type Executor struct {
	policy  RetryPolicy
	clock   clock.Clock
	breaker *CircuitBreaker
	logger  ports.Logger
}

// NewExecutor creates an executor. breaker may be nil.
func NewExecutor(policy RetryPolicy, clk clock.Clock, breaker *CircuitBreaker, logger ports.Logger) *Executor {
	return &Executor{policy: policy, clock: clk, breaker: breaker, logger: logger}
}

// Do runs fn, retrying transient failures per the policy. Permanent
// failures return immediately. Exhausted transient failures return a
// RetriesExhaustedError.
func (e *Executor) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if e.breaker != nil && !e.breaker.Allow() {
		err := fmt.Errorf("circuit open for %s", op)
		return &RetriesExhaustedError{Attempts: 0, Err: err}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if e.breaker != nil {
				e.breaker.RecordSuccess()
			}
			if attempt > 0 {
				e.logger.Info("operation succeeded after retry",
					ports.String("op", op),
					ports.Int("attempts", attempt+1),
				)
			}
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			return err
		}
		if e.breaker != nil {
			e.breaker.RecordFailure()
		}
		if attempt >= e.policy.MaxRetries {
			return &RetriesExhaustedError{Attempts: attempt + 1, Err: lastErr}
		}

		delay := e.policy.Delay(attempt)
		e.logger.Warn("transient failure, retrying",
			ports.String("op", op),
			ports.Int("attempt", attempt+1),
			ports.Duration("backoff", delay),
			ports.Err(err),
		)
		select {
		case <-e.clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
