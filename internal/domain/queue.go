package domain

import "time"

// OperationKind identifies the type of a queued network operation.
type OperationKind string

const (
	OpCommit      OperationKind = "commit"
	OpPush        OperationKind = "push"
	OpPull        OperationKind = "pull"
	OpLockAcquire OperationKind = "lock_acquire"
	OpLockRenew   OperationKind = "lock_renew"
	OpLockRelease OperationKind = "lock_release"
)

// QueueEntry is one unfinished network-facing operation, persisted so it
// survives process restart. Entries for the same project are drained
// strictly in creation order; an entry is removed only on success or an
// explicit caller cancel.
type QueueEntry struct {
	// OpID uniquely identifies the entry.
	OpID string

	// ProjectID scopes FIFO ordering; entries for different projects are
	// independent.
	ProjectID string

	// Kind selects the replay handler when the entry is drained.
	Kind OperationKind

	// Payload carries operation-specific data (commit message, lock id)
	// as opaque JSON.
	Payload []byte

	// AttemptCount is the number of drain attempts so far, not counting
	// the inline retries that preceded queueing.
	AttemptCount int

	// LastError records the most recent failure, for inspection.
	LastError string

	// NextRetryAt is the earliest time the drain loop may retry this
	// entry.
	NextRetryAt time.Time

	// CreatedAt orders entries within a project.
	CreatedAt time.Time
}

// Due reports whether the entry's own backoff schedule permits a retry at
// the given time.
func (e QueueEntry) Due(now time.Time) bool {
	return !now.Before(e.NextRetryAt)
}

// QueueStats summarizes the durable queue for inspection, so a user can
// confirm nothing was lost during an outage.
type QueueStats struct {
	Pending    int
	ByProject  map[string]int
	OldestWait time.Duration
}
