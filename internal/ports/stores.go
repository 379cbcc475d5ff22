package ports

import (
	"context"
	"time"

	"github.com/studiolock/studiolock/internal/domain"
)

// QueueStore persists unfinished network operations so they survive
// process restart. Implementations must preserve per-project creation
// order and use atomic writes.
type QueueStore interface {
	// Enqueue appends a new entry.
	Enqueue(ctx context.Context, entry domain.QueueEntry) error

	// Pending returns all entries ordered by project, then creation
	// time, then id.
	Pending(ctx context.Context) ([]domain.QueueEntry, error)

	// Update rewrites an entry's retry bookkeeping (attempt count, last
	// error, next retry time) in place.
	Update(ctx context.Context, entry domain.QueueEntry) error

	// Remove deletes an entry after success or caller cancel.
	Remove(ctx context.Context, opID string) error

	// Stats summarizes the queue at the given time.
	Stats(ctx context.Context, now time.Time) (domain.QueueStats, error)
}

// HistoryStore persists the append-only audit log. Entries are immutable
// once written; Trim removes the oldest entries past the cap.
type HistoryStore interface {
	// Append writes one entry.
	Append(ctx context.Context, entry domain.AuditEntry) error

	// Query returns entries matching the filter, newest first.
	Query(ctx context.Context, filter domain.HistoryFilter) ([]domain.AuditEntry, error)

	// Count returns the current number of entries.
	Count(ctx context.Context) (int, error)

	// Trim deletes the oldest entries until at most max remain.
	Trim(ctx context.Context, max int) error

	// Stats aggregates the log.
	Stats(ctx context.Context) (domain.HistoryStats, error)
}

// AuditSink is the write-side view of the operation history that every
// component records state transitions through.
type AuditSink interface {
	Record(ctx context.Context, entry domain.AuditEntry)
}
