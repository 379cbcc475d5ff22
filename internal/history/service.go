// Package history is the capped, append-only audit log of coordination
// activity. Every lock transition, commit, sync, and queue drain is
// recorded through it; force breaks in particular are never silent.
package history

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/studiolock/studiolock/internal/clock"
	"github.com/studiolock/studiolock/internal/domain"
	"github.com/studiolock/studiolock/internal/ports"
)

// DefaultLimit caps the number of retained entries.
const DefaultLimit = 10000

// Service implements ports.AuditSink over a HistoryStore, trimming the
// oldest entries past the cap. Recording never fails the operation being
// recorded; a storage error is logged and dropped.
type Service struct {
	store  ports.HistoryStore
	clock  clock.Clock
	logger ports.Logger
	limit  int

	// trimMu serializes the append-then-trim pair so concurrent writers
	// cannot race the cap.
	trimMu sync.Mutex
}

// NewService creates the audit service. limit <= 0 selects DefaultLimit.
func NewService(store ports.HistoryStore, clk clock.Clock, logger ports.Logger, limit int) *Service {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Service{store: store, clock: clk, logger: logger, limit: limit}
}

// Record appends one entry, stamping id and timestamp when absent.
func (s *Service) Record(ctx context.Context, entry domain.AuditEntry) {
	if entry.ID == "" {
		entry.ID = xid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now()
	}

	s.trimMu.Lock()
	defer s.trimMu.Unlock()
	if err := s.store.Append(ctx, entry); err != nil {
		s.logger.Error("audit append failed",
			ports.String("operation", string(entry.Operation)),
			ports.String("project", entry.ProjectID),
			ports.Err(err),
		)
		return
	}
	count, err := s.store.Count(ctx)
	if err != nil {
		s.logger.Error("audit count failed", ports.Err(err))
		return
	}
	if count > s.limit {
		if err := s.store.Trim(ctx, s.limit); err != nil {
			s.logger.Error("audit trim failed", ports.Err(err))
		}
	}
}

// Query returns entries matching the filter, newest first.
func (s *Service) Query(ctx context.Context, filter domain.HistoryFilter) ([]domain.AuditEntry, error) {
	return s.store.Query(ctx, filter)
}

// Stats aggregates the retained log.
func (s *Service) Stats(ctx context.Context) (domain.HistoryStats, error) {
	return s.store.Stats(ctx)
}

var csvHeader = []string{"timestamp", "project", "operation", "result", "actor", "detail"}

// ExportCSV writes matching entries to w in CSV form, newest first, with
// a header row. Timestamps are RFC 3339 in UTC.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, filter domain.HistoryFilter) error {
	entries, err := s.store.Query(ctx, filter)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, e := range entries {
		row := []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			e.ProjectID,
			string(e.Operation),
			string(e.Result),
			e.Actor,
			e.Detail,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
