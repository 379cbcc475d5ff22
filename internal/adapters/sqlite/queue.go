package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/studiolock/studiolock/internal/domain"
)

// Queue implements ports.QueueStore. Timestamps are stored as unix
// nanoseconds so retry schedules round-trip exactly.
type Queue struct {
	db *sql.DB
}

// Enqueue appends a new entry.
func (q *Queue) Enqueue(ctx context.Context, entry domain.QueueEntry) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue (op_id, project_id, kind, payload, attempt_count, last_error, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.OpID, entry.ProjectID, string(entry.Kind), entry.Payload,
		entry.AttemptCount, entry.LastError,
		entry.NextRetryAt.UnixNano(), entry.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", entry.OpID, err)
	}
	return nil
}

// Pending returns all entries in drain order.
func (q *Queue) Pending(ctx context.Context) ([]domain.QueueEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT op_id, project_id, kind, payload, attempt_count, last_error, next_retry_at, created_at
		FROM queue
		ORDER BY project_id, created_at, op_id`)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var entries []domain.QueueEntry
	for rows.Next() {
		var e domain.QueueEntry
		var kind string
		var nextRetry, created int64
		if err := rows.Scan(&e.OpID, &e.ProjectID, &kind, &e.Payload,
			&e.AttemptCount, &e.LastError, &nextRetry, &created); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		e.Kind = domain.OperationKind(kind)
		e.NextRetryAt = time.Unix(0, nextRetry).UTC()
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Update rewrites an entry's retry bookkeeping.
func (q *Queue) Update(ctx context.Context, entry domain.QueueEntry) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue
		SET attempt_count = ?, last_error = ?, next_retry_at = ?
		WHERE op_id = ?`,
		entry.AttemptCount, entry.LastError, entry.NextRetryAt.UnixNano(), entry.OpID,
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", entry.OpID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", entry.OpID, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s: no such entry", entry.OpID)
	}
	return nil
}

// Remove deletes an entry. Removing an absent entry is a no-op.
func (q *Queue) Remove(ctx context.Context, opID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM queue WHERE op_id = ?`, opID); err != nil {
		return fmt.Errorf("remove %s: %w", opID, err)
	}
	return nil
}

// Stats summarizes the queue at the given time.
func (q *Queue) Stats(ctx context.Context, now time.Time) (domain.QueueStats, error) {
	stats := domain.QueueStats{ByProject: make(map[string]int)}

	rows, err := q.db.QueryContext(ctx, `
		SELECT project_id, COUNT(*), MIN(created_at)
		FROM queue
		GROUP BY project_id`)
	if err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var project string
		var count int
		var oldest int64
		if err := rows.Scan(&project, &count, &oldest); err != nil {
			return stats, fmt.Errorf("scan queue stats: %w", err)
		}
		stats.Pending += count
		stats.ByProject[project] = count
		if wait := now.Sub(time.Unix(0, oldest)); wait > stats.OldestWait {
			stats.OldestWait = wait
		}
	}
	return stats, rows.Err()
}
