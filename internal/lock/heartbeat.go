package lock

import (
	"context"
	"errors"
	"sync"

	"github.com/studiolock/studiolock/internal/clock"
	"github.com/studiolock/studiolock/internal/domain"
	"github.com/studiolock/studiolock/internal/ports"
)

// Heartbeat periodically renews a held lock. One runner per held lock;
// renewals within a runner are strictly sequential, so a slow renewal
// delays the next tick instead of overlapping it.
type Heartbeat struct {
	coord  *Coordinator
	clock  clock.Clock
	logger ports.Logger

	mu     sync.Mutex
	handle *Handle
}

// NewHeartbeat creates a runner for an already-acquired handle.
func NewHeartbeat(coord *Coordinator, clk clock.Clock, logger ports.Logger, handle *Handle) *Heartbeat {
	return &Heartbeat{
		coord:  coord,
		clock:  clk,
		logger: logger,
		handle: handle,
	}
}

// Handle returns the most recently renewed handle.
func (h *Heartbeat) Handle() *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handle
}

// Run renews on every heartbeat interval until the context is cancelled
// or the lock is definitively lost. Losing the lock (ErrNotHeld or
// ErrExpired) ends the run with that error; transient failures are
// absorbed by the coordinator's retry and queue machinery, and the next
// tick tries again.
func (h *Heartbeat) Run(ctx context.Context) error {
	cfg := h.coord.Config()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.clock.After(cfg.HeartbeatInterval):
		}

		cur := h.Handle()
		renewed, err := h.coord.Renew(ctx, cur)
		switch {
		case err == nil:
			h.mu.Lock()
			h.handle = renewed
			h.mu.Unlock()
		case errors.Is(err, domain.ErrNotHeld), errors.Is(err, domain.ErrExpired):
			h.logger.Warn("lock lost, stopping heartbeat",
				ports.String("project", cur.ProjectID),
				ports.String("lock_id", cur.LockID),
				ports.Err(err),
			)
			return err
		case domain.IsQueued(err):
			h.logger.Warn("lock renewal deferred to queue",
				ports.String("project", cur.ProjectID),
				ports.String("lock_id", cur.LockID),
			)
		default:
			h.logger.Error("lock renewal failed",
				ports.String("project", cur.ProjectID),
				ports.String("lock_id", cur.LockID),
				ports.Err(err),
			)
		}

		// Warn while a renewal dry spell eats into the TTL.
		cur = h.Handle()
		if cur.ExpiresAt.Sub(h.clock.Now()) < cfg.ExpiryWarnThreshold {
			h.logger.Warn("lock nearing expiry",
				ports.String("project", cur.ProjectID),
				ports.String("lock_id", cur.LockID),
				ports.Time("expires_at", cur.ExpiresAt),
			)
		}
	}
}
