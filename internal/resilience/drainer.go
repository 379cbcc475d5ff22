package resilience

import (
	"context"
	"time"

	"github.com/studiolock/studiolock/internal/clock"
	"github.com/studiolock/studiolock/internal/domain"
	"github.com/studiolock/studiolock/internal/ports"
)

// DefaultDrainInterval is how often the background drain loop wakes up.
const DefaultDrainInterval = time.Minute

// Handler replays one queued operation. Handlers must be idempotent:
// replaying a commit or push whose content is already at the remote is a
// recognized no-op, not an error.
type Handler func(ctx context.Context, entry domain.QueueEntry) error

// Drainer replays queued operations per project, strictly in creation
// order, respecting each entry's own backoff schedule. It runs on a fixed
// interval and immediately on a network-restored signal.
type Drainer struct {
	store    ports.QueueStore
	clock    clock.Clock
	policy   RetryPolicy
	logger   ports.Logger
	audit    ports.AuditSink
	handlers map[domain.OperationKind]Handler
	interval time.Duration
	restored <-chan struct{}
}

// NewDrainer creates a drain loop. restored may be nil.
func NewDrainer(store ports.QueueStore, clk clock.Clock, policy RetryPolicy, logger ports.Logger, audit ports.AuditSink, interval time.Duration, restored <-chan struct{}) *Drainer {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	return &Drainer{
		store:    store,
		clock:    clk,
		policy:   policy,
		logger:   logger,
		audit:    audit,
		handlers: make(map[domain.OperationKind]Handler),
		interval: interval,
		restored: restored,
	}
}

// Register installs the replay handler for an operation kind.
func (d *Drainer) Register(kind domain.OperationKind, h Handler) {
	d.handlers[kind] = h
}

// Run drains on the interval and on network-restored signals until the
// context is cancelled.
func (d *Drainer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clock.After(d.interval):
			d.DrainOnce(ctx)
		case _, ok := <-d.restored:
			if !ok {
				// Keep draining on the interval alone.
				d.restored = nil
				continue
			}
			d.logger.Info("network restored, draining queue")
			d.DrainOnce(ctx)
		}
	}
}

// DrainOnce attempts every due entry once. Within a project, the first
// entry that fails (or is not yet due) blocks the rest of that project's
// entries, preserving FIFO order. Projects are independent.
func (d *Drainer) DrainOnce(ctx context.Context) {
	entries, err := d.store.Pending(ctx)
	if err != nil {
		d.logger.Error("queue read failed", ports.Err(err))
		return
	}
	if len(entries) == 0 {
		return
	}

	blocked := make(map[string]bool)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if blocked[entry.ProjectID] {
			continue
		}
		if !entry.Due(d.clock.Now()) {
			blocked[entry.ProjectID] = true
			continue
		}
		if !d.drainEntry(ctx, entry) {
			blocked[entry.ProjectID] = true
		}
	}
}

func (d *Drainer) drainEntry(ctx context.Context, entry domain.QueueEntry) bool {
	handler, ok := d.handlers[entry.Kind]
	if !ok {
		d.logger.Error("no handler for queued operation",
			ports.String("op_id", entry.OpID),
			ports.String("kind", string(entry.Kind)),
		)
		return false
	}

	err := handler(ctx, entry)
	now := d.clock.Now()
	if err == nil {
		if rmErr := d.store.Remove(ctx, entry.OpID); rmErr != nil {
			d.logger.Error("failed to remove drained entry", ports.Err(rmErr))
		}
		d.record(ctx, entry, domain.ResultSuccess, "")
		d.logger.Info("queued operation drained",
			ports.String("op_id", entry.OpID),
			ports.String("project", entry.ProjectID),
			ports.String("kind", string(entry.Kind)),
		)
		return true
	}

	entry.AttemptCount++
	entry.LastError = err.Error()
	entry.NextRetryAt = now.Add(d.entryBackoff(entry.AttemptCount))
	if upErr := d.store.Update(ctx, entry); upErr != nil {
		d.logger.Error("failed to update queued entry", ports.Err(upErr))
	}
	d.record(ctx, entry, domain.ResultRetried, err.Error())
	d.logger.Warn("queued operation still failing",
		ports.String("op_id", entry.OpID),
		ports.String("project", entry.ProjectID),
		ports.String("kind", string(entry.Kind)),
		ports.Int("attempts", entry.AttemptCount),
		ports.Err(err),
	)
	return false
}

// entryBackoff grows per drain attempt, capped at the policy maximum so a
// long outage does not push retries arbitrarily far out.
func (d *Drainer) entryBackoff(attempts int) time.Duration {
	if attempts > 8 {
		attempts = 8
	}
	delay := d.policy.BaseDelay << (attempts - 1)
	if delay > d.policy.MaxDelay || delay <= 0 {
		return d.policy.MaxDelay
	}
	return delay
}

func (d *Drainer) record(ctx context.Context, entry domain.QueueEntry, result domain.OperationResult, detail string) {
	if d.audit == nil {
		return
	}
	msg := string(entry.Kind) + " " + entry.OpID
	if detail != "" {
		msg += ": " + detail
	}
	d.audit.Record(ctx, domain.AuditEntry{
		Timestamp: d.clock.Now(),
		ProjectID: entry.ProjectID,
		Operation: domain.OpTypeQueueDrain,
		Result:    result,
		Detail:    msg,
	})
}
