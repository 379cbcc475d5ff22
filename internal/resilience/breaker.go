package resilience

import (
	"sync"
	"time"

	"github.com/studiolock/studiolock/internal/clock"
)

// BreakerState is the circuit breaker's position.
type BreakerState int

const (
	// BreakerClosed: requests flow normally.
	BreakerClosed BreakerState = iota

	// BreakerOpen: requests are rejected until the cooldown passes.
	BreakerOpen

	// BreakerHalfOpen: a limited number of trial requests probe whether
	// the remote has recovered.
	BreakerHalfOpen
)

// String returns a human-readable representation of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Default breaker thresholds.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultOpenTimeout      = time.Minute
)

// CircuitBreaker trips after consecutive transient failures so that a
// down remote is not hammered by every caller at once. After the open
// timeout one trial request is let through; enough trial successes close
// the circuit again.
type CircuitBreaker struct {
	mu sync.Mutex

	clock            clock.Clock
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration

	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a breaker with default thresholds.
func NewCircuitBreaker(clk clock.Clock) *CircuitBreaker {
	return &CircuitBreaker{
		clock:            clk,
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
		openTimeout:      DefaultOpenTimeout,
		state:            BreakerClosed,
	}
}

// NewCircuitBreakerWithThresholds creates a breaker with custom tuning.
func NewCircuitBreakerWithThresholds(clk clock.Clock, failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	b := NewCircuitBreaker(clk)
	b.failureThreshold = failureThreshold
	b.successThreshold = successThreshold
	b.openTimeout = openTimeout
	return b
}

// State returns the current breaker state, transitioning open to
// half-open when the cooldown has passed.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Allow reports whether a request may proceed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state != BreakerOpen
}

// RecordSuccess feeds a successful request back into the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// RecordFailure feeds a failed request back into the breaker.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.trip()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	}
}

// Reset forces the breaker closed, clearing all counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
}

func (b *CircuitBreaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.clock.Now()
	b.successes = 0
}

// maybeHalfOpen transitions open to half-open after the cooldown.
// Callers hold b.mu.
func (b *CircuitBreaker) maybeHalfOpen() {
	if b.state == BreakerOpen && !b.clock.Now().Before(b.openedAt.Add(b.openTimeout)) {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}
