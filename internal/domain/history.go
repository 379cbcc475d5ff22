package domain

import "time"

// OperationType classifies audit entries.
type OperationType string

const (
	OpTypeLockAcquire   OperationType = "lock_acquire"
	OpTypeLockRenew     OperationType = "lock_renew"
	OpTypeLockRelease   OperationType = "lock_release"
	OpTypeLockBreak     OperationType = "lock_break"
	OpTypeCommit        OperationType = "commit"
	OpTypePublish       OperationType = "publish"
	OpTypePush          OperationType = "push"
	OpTypePull          OperationType = "pull"
	OpTypeConflictCheck OperationType = "conflict_check"
	OpTypeQueueDrain    OperationType = "queue_drain"
)

// OperationResult is the outcome recorded with an audit entry.
type OperationResult string

const (
	ResultSuccess OperationResult = "success"
	ResultFailure OperationResult = "failure"
	ResultRetried OperationResult = "retried"
)

// AuditEntry is one append-only record in the operation history. Entries
// are immutable once written; the log as a whole is capped, with the oldest
// entries trimmed past the configured maximum.
type AuditEntry struct {
	// ID uniquely identifies the entry.
	ID string

	// Timestamp is when the operation completed.
	Timestamp time.Time

	// ProjectID is the project the operation applied to, empty for
	// operations without project scope.
	ProjectID string

	// Operation classifies what was attempted.
	Operation OperationType

	// Result is the outcome.
	Result OperationResult

	// Actor is the identity that performed the operation ("user@host").
	Actor string

	// Detail carries free-form context: the superseded holder on a force
	// break, the error text on a failure, the commit id on success.
	Detail string
}

// HistoryFilter selects audit entries for queries and exports. Zero-valued
// fields match everything.
type HistoryFilter struct {
	ProjectID string
	Operation OperationType
	Result    OperationResult
	Since     time.Time
	Until     time.Time
	Limit     int
}

// HistoryStats aggregates the audit log for reporting.
type HistoryStats struct {
	Total      int
	Successful int
	Failed     int
	LockOps    int
	NetworkOps int
}
