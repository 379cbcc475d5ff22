package resilience

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/xid"

	"github.com/studiolock/studiolock/internal/clock"
	"github.com/studiolock/studiolock/internal/domain"
	"github.com/studiolock/studiolock/internal/ports"
)

// Queue fronts the durable operation queue: it records operations whose
// inline retries were exhausted (or that were attempted while offline) so
// they are never silently dropped.
type Queue struct {
	store  ports.QueueStore
	clock  clock.Clock
	policy RetryPolicy
	logger ports.Logger
}

// NewQueue creates the queue manager.
func NewQueue(store ports.QueueStore, clk clock.Clock, policy RetryPolicy, logger ports.Logger) *Queue {
	return &Queue{store: store, clock: clk, policy: policy, logger: logger}
}

// Defer persists an operation for background retry and returns the
// caller-visible accepted-for-retry error wrapping the original cause.
func (q *Queue) Defer(ctx context.Context, projectID string, kind domain.OperationKind, payload any, cause error) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	now := q.clock.Now()
	entry := domain.QueueEntry{
		OpID:        xid.New().String(),
		ProjectID:   projectID,
		Kind:        kind,
		Payload:     data,
		LastError:   cause.Error(),
		NextRetryAt: now.Add(q.policy.BaseDelay),
		CreatedAt:   now,
	}
	if err := q.store.Enqueue(ctx, entry); err != nil {
		return fmt.Errorf("%w: %v (while deferring %s)", domain.ErrQueuePersistence, err, kind)
	}
	q.logger.Info("operation queued for retry",
		ports.String("op_id", entry.OpID),
		ports.String("project", projectID),
		ports.String("kind", string(kind)),
		ports.Err(cause),
	)
	return &domain.QueuedError{OpID: entry.OpID, Kind: kind, Err: cause}
}

// Cancel removes a queued entry at the caller's explicit request.
func (q *Queue) Cancel(ctx context.Context, opID string) error {
	return q.store.Remove(ctx, opID)
}

// Stats reports the queue state for inspection.
func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	return q.store.Stats(ctx, q.clock.Now())
}

// Pending lists all queued entries in drain order.
func (q *Queue) Pending(ctx context.Context) ([]domain.QueueEntry, error) {
	return q.store.Pending(ctx)
}
