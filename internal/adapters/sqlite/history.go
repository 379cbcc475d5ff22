package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/studiolock/studiolock/internal/domain"
)

// History implements ports.HistoryStore.
type History struct {
	db *sql.DB
}

// Append writes one entry.
func (h *History) Append(ctx context.Context, entry domain.AuditEntry) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO history (id, ts, project_id, operation, result, actor, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.UnixNano(), entry.ProjectID,
		string(entry.Operation), string(entry.Result), entry.Actor, entry.Detail,
	)
	if err != nil {
		return fmt.Errorf("append history %s: %w", entry.ID, err)
	}
	return nil
}

// Query returns entries matching the filter, newest first.
func (h *History) Query(ctx context.Context, filter domain.HistoryFilter) ([]domain.AuditEntry, error) {
	var conds []string
	var args []any
	if filter.ProjectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Operation != "" {
		conds = append(conds, "operation = ?")
		args = append(args, string(filter.Operation))
	}
	if filter.Result != "" {
		conds = append(conds, "result = ?")
		args = append(args, string(filter.Result))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, filter.Until.UnixNano())
	}

	query := "SELECT id, ts, project_id, operation, result, actor, detail FROM history"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var ts int64
		var op, result string
		if err := rows.Scan(&e.ID, &ts, &e.ProjectID, &op, &result, &e.Actor, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Operation = domain.OperationType(op)
		e.Result = domain.OperationResult(result)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of retained entries.
func (h *History) Count(ctx context.Context) (int, error) {
	var n int
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

// Trim deletes the oldest entries until at most max remain.
func (h *History) Trim(ctx context.Context, max int) error {
	_, err := h.db.ExecContext(ctx, `
		DELETE FROM history WHERE id NOT IN (
			SELECT id FROM history ORDER BY ts DESC, id DESC LIMIT ?
		)`, max)
	if err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}

// Stats aggregates the retained log.
func (h *History) Stats(ctx context.Context) (domain.HistoryStats, error) {
	var stats domain.HistoryStats
	err := h.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN result = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN result = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN operation IN (?, ?, ?, ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN operation IN (?, ?, ?, ?) THEN 1 ELSE 0 END), 0)
		FROM history`,
		string(domain.ResultSuccess), string(domain.ResultFailure),
		string(domain.OpTypeLockAcquire), string(domain.OpTypeLockRenew),
		string(domain.OpTypeLockRelease), string(domain.OpTypeLockBreak),
		string(domain.OpTypePush), string(domain.OpTypePull),
		string(domain.OpTypePublish), string(domain.OpTypeQueueDrain),
	).Scan(&stats.Total, &stats.Successful, &stats.Failed, &stats.LockOps, &stats.NetworkOps)
	if err != nil {
		return stats, fmt.Errorf("history stats: %w", err)
	}
	return stats, nil
}
