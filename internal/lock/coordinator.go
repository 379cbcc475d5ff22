// Package lock implements distributed editing locks over the replicated
// ledger. Exclusivity is optimistic: every mutation runs the
// fetch→check→commit→push→verify sequence, and the ledger's
// fast-forward-only push semantics arbitrate concurrent writers. Two
// concurrent acquires can both believe they are about to win until the
// verify step resolves the race; the protocol gives eventual, verifiable
// exclusivity bounded by network round-trip time, not hardware-level
// atomicity.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/google/uuid"

	"github.com/studiolock/studiolock/internal/clock"
	"github.com/studiolock/studiolock/internal/domain"
	"github.com/studiolock/studiolock/internal/ports"
	"github.com/studiolock/studiolock/internal/resilience"
)

// Default coordination parameters. All of these are configuration, never
// hardcoded at use sites.
const (
	DefaultTTL                 = 8 * time.Hour
	DefaultHeartbeatInterval   = 15 * time.Minute
	DefaultStaleThreshold      = time.Hour
	DefaultExpiryWarnThreshold = 30 * time.Minute
	DefaultCASRetries          = 3
)

// Config tunes the coordinator.
type Config struct {
	// TTL is the default lock lifetime for acquires that do not specify
	// one.
	TTL time.Duration

	// HeartbeatInterval is how often a held lock is renewed, well inside
	// the TTL.
	HeartbeatInterval time.Duration

	// StaleThreshold marks a lock stale once its heartbeat is older than
	// this. Staleness is advisory: a stale lock is never auto-broken.
	StaleThreshold time.Duration

	// ExpiryWarnThreshold triggers a warning log when a held lock's
	// remaining TTL drops below it.
	ExpiryWarnThreshold time.Duration

	// CASRetries bounds how many times a lost compare-and-swap race is
	// replayed before giving up with ErrContention.
	CASRetries int
}

// SetDefaults fills zero fields with default values.
func (c *Config) SetDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	if c.ExpiryWarnThreshold <= 0 {
		c.ExpiryWarnThreshold = DefaultExpiryWarnThreshold
	}
	if c.CASRetries <= 0 {
		c.CASRetries = DefaultCASRetries
	}
}

// Identity names the acquiring session: "user@host" plus a machine id so
// the same user on two machines is two distinct sessions.
type Identity struct {
	Holder    string
	MachineID string
}

// LocalIdentity derives the identity from the current user and hostname.
func LocalIdentity() Identity {
	username := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	} else if v := os.Getenv("USER"); v != "" {
		username = v
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return Identity{
		Holder:    username + "@" + host,
		MachineID: host,
	}
}

// Handle proves lock ownership to renew and release. The LockID is the
// CAS token: a handle whose LockID no longer matches the stored record has
// been superseded.
type Handle struct {
	ProjectID string
	LockID    string
	Holder    string
	TTL       time.Duration
	ExpiresAt time.Time
}

// AcquirePayload is the queued form of a deferred acquire.
type AcquirePayload struct {
	ProjectID  string `json:"project_id"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// RenewPayload is the queued form of a deferred renewal.
type RenewPayload struct {
	ProjectID  string `json:"project_id"`
	LockID     string `json:"lock_id"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// ReleasePayload is the queued form of a deferred release.
type ReleasePayload struct {
	ProjectID string `json:"project_id"`
	LockID    string `json:"lock_id"`
}

// Coordinator implements acquire/renew/release/force-break/status over
// the ledger. All cross-machine coordination goes through the CAS
// protocol; in-process mutexes protect only local state.
type Coordinator struct {
	ledger   ports.ReplicatedLog
	exec     *resilience.Executor
	queue    *resilience.Queue
	clock    clock.Clock
	logger   ports.Logger
	audit    ports.AuditSink
	identity Identity
	cfg      Config
}

// NewCoordinator creates a coordinator. queue and audit may be nil.
func NewCoordinator(ledger ports.ReplicatedLog, exec *resilience.Executor, queue *resilience.Queue, clk clock.Clock, logger ports.Logger, audit ports.AuditSink, identity Identity, cfg Config) *Coordinator {
	cfg.SetDefaults()
	return &Coordinator{
		ledger:   ledger,
		exec:     exec,
		queue:    queue,
		clock:    clk,
		logger:   logger,
		audit:    audit,
		identity: identity,
		cfg:      cfg,
	}
}

// Identity returns the coordinator's session identity.
func (c *Coordinator) Identity() Identity {
	return c.identity
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Acquire takes the lock for a project. The existing record must be
// absent, expired, or already held by this session; otherwise the call
// fails with an AlreadyLockedError carrying the holder and expiry.
// Transient network failures that outlast the retry budget defer the
// acquire to the durable queue.
func (c *Coordinator) Acquire(ctx context.Context, projectID string, ttl time.Duration) (*Handle, error) {
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}

	handle, err := c.acquireCAS(ctx, projectID, ttl)
	switch {
	case err == nil:
		c.record(ctx, projectID, domain.OpTypeLockAcquire, domain.ResultSuccess, "lock "+handle.LockID)
		c.logger.Info("lock acquired",
			ports.String("project", projectID),
			ports.String("lock_id", handle.LockID),
			ports.Time("expires_at", handle.ExpiresAt),
		)
		return handle, nil
	case c.deferrable(err):
		qerr := c.queue.Defer(ctx, projectID, domain.OpLockAcquire, AcquirePayload{
			ProjectID:  projectID,
			TTLSeconds: int64(ttl / time.Second),
		}, err)
		c.record(ctx, projectID, domain.OpTypeLockAcquire, domain.ResultRetried, err.Error())
		return nil, qerr
	default:
		c.record(ctx, projectID, domain.OpTypeLockAcquire, domain.ResultFailure, err.Error())
		return nil, err
	}
}

// Renew extends the handle's lock, keeping the same lock id. A superseded
// lock id fails with ErrNotHeld, never silently succeeds; a lapsed lock
// fails with ErrExpired.
func (c *Coordinator) Renew(ctx context.Context, handle *Handle) (*Handle, error) {
	renewed, err := c.renewCAS(ctx, handle)
	switch {
	case err == nil:
		c.record(ctx, handle.ProjectID, domain.OpTypeLockRenew, domain.ResultSuccess, "lock "+handle.LockID)
		return renewed, nil
	case c.deferrable(err):
		qerr := c.queue.Defer(ctx, handle.ProjectID, domain.OpLockRenew, RenewPayload{
			ProjectID:  handle.ProjectID,
			LockID:     handle.LockID,
			TTLSeconds: int64(handle.TTL / time.Second),
		}, err)
		c.record(ctx, handle.ProjectID, domain.OpTypeLockRenew, domain.ResultRetried, err.Error())
		return nil, qerr
	default:
		c.record(ctx, handle.ProjectID, domain.OpTypeLockRenew, domain.ResultFailure, err.Error())
		return nil, err
	}
}

// Release removes the handle's lock. Releasing a lock this session no
// longer holds returns ErrNotHeld; it is not a fault.
func (c *Coordinator) Release(ctx context.Context, handle *Handle) error {
	err := c.releaseCAS(ctx, handle)
	switch {
	case err == nil:
		c.record(ctx, handle.ProjectID, domain.OpTypeLockRelease, domain.ResultSuccess, "lock "+handle.LockID)
		c.logger.Info("lock released",
			ports.String("project", handle.ProjectID),
			ports.String("lock_id", handle.LockID),
		)
		return nil
	case c.deferrable(err):
		qerr := c.queue.Defer(ctx, handle.ProjectID, domain.OpLockRelease, ReleasePayload{
			ProjectID: handle.ProjectID,
			LockID:    handle.LockID,
		}, err)
		c.record(ctx, handle.ProjectID, domain.OpTypeLockRelease, domain.ResultRetried, err.Error())
		return qerr
	default:
		c.record(ctx, handle.ProjectID, domain.OpTypeLockRelease, domain.ResultFailure, err.Error())
		return err
	}
}

// ForceBreak unconditionally removes a project's lock, bypassing
// ownership checks. The superseded holder is always logged and audited.
// It is the only user-facing way to reclaim a non-expired lock from
// another session, and the only unsafe-by-design operation; callers must
// confirm the destructive intent before calling. It still requires a
// successful ledger write, so it fails on an unreachable network rather
// than queueing.
func (c *Coordinator) ForceBreak(ctx context.Context, projectID, requester string) error {
	ns := ports.LockNamespace(projectID)

	for attempt := 0; attempt < c.cfg.CASRetries; attempt++ {
		if err := c.pull(ctx, ns); err != nil {
			c.record(ctx, projectID, domain.OpTypeLockBreak, domain.ResultFailure, err.Error())
			return err
		}
		prev, version, err := c.read(ctx, ns)
		if err != nil {
			return err
		}

		superseded := "none"
		if prev != nil {
			superseded = prev.Holder + " (lock " + prev.LockID + ")"
		}

		if _, err := c.ledger.ProposeWrite(ctx, ns, version, nil); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			return fmt.Errorf("stage lock removal: %w", err)
		}
		if err := c.push(ctx, ns); err != nil {
			if errors.Is(err, domain.ErrNonFastForward) {
				continue
			}
			c.record(ctx, projectID, domain.OpTypeLockBreak, domain.ResultFailure, err.Error())
			return err
		}

		c.logger.Warn("lock force-broken",
			ports.String("project", projectID),
			ports.String("requester", requester),
			ports.String("superseded", superseded),
		)
		c.record(ctx, projectID, domain.OpTypeLockBreak, domain.ResultSuccess,
			"by "+requester+", superseded "+superseded)
		return nil
	}
	c.record(ctx, projectID, domain.OpTypeLockBreak, domain.ResultFailure, domain.ErrContention.Error())
	return domain.ErrContention
}

// Status returns the project's current lock state, or nil when no lock
// exists. The pull is best-effort: when the remote is unreachable the
// local replica answers, so status still works offline.
func (c *Coordinator) Status(ctx context.Context, projectID string) (*domain.LockStatus, error) {
	ns := ports.LockNamespace(projectID)
	if err := c.pull(ctx, ns); err != nil {
		c.logger.Warn("lock status using local replica",
			ports.String("project", projectID),
			ports.Err(err),
		)
	}
	rec, _, err := c.read(ctx, ns)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	now := c.clock.Now()
	return &domain.LockStatus{
		Record:    *rec,
		Expired:   rec.Expired(now),
		Stale:     rec.Stale(now, c.cfg.StaleThreshold),
		Remaining: rec.Remaining(now),
	}, nil
}

// ---- CAS sequences ----

func (c *Coordinator) acquireCAS(ctx context.Context, projectID string, ttl time.Duration) (*Handle, error) {
	ns := ports.LockNamespace(projectID)

	for attempt := 0; attempt < c.cfg.CASRetries; attempt++ {
		// 1. Fetch the latest lock-namespace state.
		if err := c.pull(ctx, ns); err != nil {
			return nil, err
		}
		cur, version, err := c.read(ctx, ns)
		if err != nil {
			return nil, err
		}

		// 2. Check: absent, expired, or our own session.
		now := c.clock.Now()
		if cur != nil && !cur.Expired(now) && !cur.HeldBy(c.identity.Holder, c.identity.MachineID) {
			return nil, &domain.AlreadyLockedError{Holder: cur.Holder, ExpiresAt: cur.ExpiresAt}
		}

		// 3. Commit the new record locally.
		rec := domain.LockRecord{
			ProjectID:   projectID,
			LockID:      uuid.NewString(),
			Holder:      c.identity.Holder,
			MachineID:   c.identity.MachineID,
			AcquiredAt:  now,
			HeartbeatAt: now,
			ExpiresAt:   now.Add(ttl),
		}
		if err := c.propose(ctx, ns, version, rec); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			return nil, err
		}

		// 4. Push; a non-fast-forward rejection means a concurrent
		// writer won this round.
		if err := c.push(ctx, ns); err != nil {
			if errors.Is(err, domain.ErrNonFastForward) {
				continue
			}
			return nil, err
		}

		// 5. Verify the visible record is ours.
		ok, err := c.verify(ctx, ns, rec.LockID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		return &Handle{
			ProjectID: projectID,
			LockID:    rec.LockID,
			Holder:    rec.Holder,
			TTL:       ttl,
			ExpiresAt: rec.ExpiresAt,
		}, nil
	}
	return nil, domain.ErrContention
}

func (c *Coordinator) renewCAS(ctx context.Context, handle *Handle) (*Handle, error) {
	ns := ports.LockNamespace(handle.ProjectID)

	for attempt := 0; attempt < c.cfg.CASRetries; attempt++ {
		if err := c.pull(ctx, ns); err != nil {
			return nil, err
		}
		cur, version, err := c.read(ctx, ns)
		if err != nil {
			return nil, err
		}
		if cur == nil || cur.LockID != handle.LockID {
			return nil, domain.ErrNotHeld
		}
		now := c.clock.Now()
		if cur.Expired(now) {
			return nil, domain.ErrExpired
		}

		rec := *cur
		rec.HeartbeatAt = now
		rec.ExpiresAt = now.Add(handle.TTL)
		if err := c.propose(ctx, ns, version, rec); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		if err := c.push(ctx, ns); err != nil {
			if errors.Is(err, domain.ErrNonFastForward) {
				continue
			}
			return nil, err
		}
		ok, err := c.verify(ctx, ns, rec.LockID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		renewed := *handle
		renewed.ExpiresAt = rec.ExpiresAt
		return &renewed, nil
	}
	return nil, domain.ErrContention
}

func (c *Coordinator) releaseCAS(ctx context.Context, handle *Handle) error {
	ns := ports.LockNamespace(handle.ProjectID)

	for attempt := 0; attempt < c.cfg.CASRetries; attempt++ {
		if err := c.pull(ctx, ns); err != nil {
			return err
		}
		cur, version, err := c.read(ctx, ns)
		if err != nil {
			return err
		}
		if cur == nil || cur.LockID != handle.LockID {
			return domain.ErrNotHeld
		}

		if _, err := c.ledger.ProposeWrite(ctx, ns, version, nil); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			return fmt.Errorf("stage lock removal: %w", err)
		}
		if err := c.push(ctx, ns); err != nil {
			if errors.Is(err, domain.ErrNonFastForward) {
				continue
			}
			return err
		}
		return nil
	}
	return domain.ErrContention
}

// ---- ledger helpers ----

func (c *Coordinator) pull(ctx context.Context, ns string) error {
	return c.exec.Do(ctx, "lock.pull", func(ctx context.Context) error {
		return c.ledger.Pull(ctx, ns)
	})
}

func (c *Coordinator) push(ctx context.Context, ns string) error {
	return c.exec.Do(ctx, "lock.push", func(ctx context.Context) error {
		return c.ledger.Push(ctx, ns)
	})
}

func (c *Coordinator) read(ctx context.Context, ns string) (*domain.LockRecord, string, error) {
	data, version, err := c.ledger.ReadLatest(ctx, ns)
	if err != nil {
		return nil, "", fmt.Errorf("read lock record: %w", err)
	}
	if data == nil {
		return nil, version, nil
	}
	var rec domain.LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, "", fmt.Errorf("parse lock record: %w", err)
	}
	return &rec, version, nil
}

func (c *Coordinator) propose(ctx context.Context, ns, version string, rec domain.LockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode lock record: %w", err)
	}
	if _, err := c.ledger.ProposeWrite(ctx, ns, version, data); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("stage lock record: %w", err)
	}
	return nil
}

func (c *Coordinator) verify(ctx context.Context, ns, lockID string) (bool, error) {
	if err := c.pull(ctx, ns); err != nil {
		return false, err
	}
	cur, _, err := c.read(ctx, ns)
	if err != nil {
		return false, err
	}
	return cur != nil && cur.LockID == lockID, nil
}

// deferrable reports whether the failure should go to the durable queue:
// inline retries exhausted and a queue is wired.
func (c *Coordinator) deferrable(err error) bool {
	if c.queue == nil {
		return false
	}
	var exhausted *resilience.RetriesExhaustedError
	return errors.As(err, &exhausted)
}

func (c *Coordinator) record(ctx context.Context, projectID string, op domain.OperationType, result domain.OperationResult, detail string) {
	if c.audit == nil {
		return
	}
	c.audit.Record(ctx, domain.AuditEntry{
		Timestamp: c.clock.Now(),
		ProjectID: projectID,
		Operation: op,
		Result:    result,
		Actor:     c.identity.Holder,
		Detail:    detail,
	})
}
