package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/studiolock/studiolock/internal/clock"
	"github.com/studiolock/studiolock/internal/domain"
	"github.com/studiolock/studiolock/internal/ports"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...ports.Field) {}
func (nopLogger) Info(string, ...ports.Field)  {}
func (nopLogger) Warn(string, ...ports.Field)  {}
func (nopLogger) Error(string, ...ports.Field) {}

func newLifecycle() (*Lifecycle, *clock.Manual) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	return NewLifecycle(clk, nopLogger{}), clk
}

func TestLifecycleHappyPath(t *testing.T) {
	l, _ := newLifecycle()
	if l.State() != StateStopped {
		t.Fatalf("initial state = %v, want Stopped", l.State())
	}

	steps := []State{StateStarting, StateRunning, StateStopping, StateStopped}
	for _, s := range steps {
		if err := l.TransitionTo(s, "test"); err != nil {
			t.Fatalf("transition to %v: %v", s, err)
		}
		if l.State() != s {
			t.Fatalf("state = %v, want %v", l.State(), s)
		}
	}
}

func TestLifecycleRejectsInvalidTransitions(t *testing.T) {
	l, _ := newLifecycle()

	if err := l.TransitionTo(StateRunning, "skip starting"); !errors.Is(err, domain.ErrNotRunning) {
		t.Fatalf("Stopped->Running: got %v, want ErrNotRunning", err)
	}

	mustTransition(t, l, StateStarting)
	mustTransition(t, l, StateRunning)
	if err := l.TransitionTo(StateStarting, "restart while running"); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Fatalf("Running->Starting: got %v, want ErrAlreadyRunning", err)
	}
}

func TestLifecycleCrashRecovery(t *testing.T) {
	l, _ := newLifecycle()
	mustTransition(t, l, StateStarting)
	mustTransition(t, l, StateRunning)
	mustTransition(t, l, StateCrashed)

	if !l.CanStart() {
		t.Fatal("expected CanStart after crash")
	}
	mustTransition(t, l, StateStarting)
	if l.State() != StateStarting {
		t.Fatalf("state = %v, want Starting", l.State())
	}
}

func TestLifecycleCancelStopsWorkers(t *testing.T) {
	l, _ := newLifecycle()
	ctx, cancel := context.WithCancel(context.Background())
	l.SetCancel(cancel)

	l.AddWorker()
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		l.WorkerDone()
		close(done)
	}()

	l.Cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not observe cancellation")
	}
	if err := l.WaitWithTimeout(time.Second); err != nil {
		t.Fatalf("WaitWithTimeout: %v", err)
	}
}

func TestWaitWithTimeoutExpires(t *testing.T) {
	l, clk := newLifecycle()
	l.AddWorker() // never finishes

	result := make(chan error, 1)
	go func() { result <- l.WaitWithTimeout(10 * time.Second) }()

	waitForTimers(t, clk, 1)
	clk.Advance(10 * time.Second)

	select {
	case err := <-result:
		if !errors.Is(err, domain.ErrShutdownTimeout) {
			t.Fatalf("got %v, want ErrShutdownTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitWithTimeout did not return")
	}
	l.WorkerDone()
}

func mustTransition(t *testing.T, l *Lifecycle, s State) {
	t.Helper()
	if err := l.TransitionTo(s, "test"); err != nil {
		t.Fatalf("transition to %v: %v", s, err)
	}
}

func waitForTimers(t *testing.T, clk *clock.Manual, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for clk.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d pending timers, have %d", n, clk.Pending())
		}
		time.Sleep(time.Millisecond)
	}
}
