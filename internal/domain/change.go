package domain

import "time"

// ChangeEvent is one filesystem change notification for a monitored
// project. Events drive the commit orchestrator's debounce cycle.
type ChangeEvent struct {
	ProjectID string
	Path      string
	At        time.Time
}

// SuspendEvent signals an OS power transition. WillSuspend preempts any
// pending debounce and forces an immediate bounded-deadline local commit.
type SuspendEvent struct {
	// Resuming is false for willSuspend, true for didResume.
	Resuming bool
	At       time.Time
}
