package ports

import (
	"context"

	"github.com/studiolock/studiolock/internal/domain"
)

// ChangeWatcher emits filesystem change events for monitored projects.
// The stream is finite while the daemon runs and restartable after errors.
type ChangeWatcher interface {
	// Watch begins monitoring the project's directory. Safe to call for
	// multiple projects.
	Watch(projectID, dir string) error

	// Unwatch stops monitoring the project.
	Unwatch(projectID string) error

	// Events returns the change event stream. The channel is closed when
	// the watcher shuts down.
	Events() <-chan domain.ChangeEvent

	// Run pumps events until the context is cancelled.
	Run(ctx context.Context) error
}

// SuspendSignal emits OS power transition events (willSuspend/didResume).
type SuspendSignal interface {
	// Events returns the power event stream. The channel is closed when
	// the signal source shuts down.
	Events() <-chan domain.SuspendEvent

	// Run pumps events until the context is cancelled.
	Run(ctx context.Context) error
}

// ConnectivityProber checks whether the remote ledger endpoint is
// reachable. Probe returns nil when the network looks usable and an error
// describing the failure otherwise.
type ConnectivityProber interface {
	Probe(ctx context.Context) error
}
