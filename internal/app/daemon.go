package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/studiolock/studiolock/internal/adapters/fs"
	"github.com/studiolock/studiolock/internal/adapters/netprobe"
	"github.com/studiolock/studiolock/internal/adapters/sqlite"
	"github.com/studiolock/studiolock/internal/cliconfig"
	"github.com/studiolock/studiolock/internal/clock"
	"github.com/studiolock/studiolock/internal/conflict"
	"github.com/studiolock/studiolock/internal/domain"
	"github.com/studiolock/studiolock/internal/history"
	"github.com/studiolock/studiolock/internal/lock"
	"github.com/studiolock/studiolock/internal/orchestrator"
	"github.com/studiolock/studiolock/internal/ports"
	"github.com/studiolock/studiolock/internal/resilience"
)

// probeInterval is how often the connectivity monitor checks the remote
// while entries are queued.
const probeInterval = 30 * time.Second

// session is one held lock with its background renewal loop.
type session struct {
	hb     *lock.Heartbeat
	cancel context.CancelFunc
}

// Daemon owns every coordination service for the configured projects:
// the lock coordinator with heartbeat sessions, the commit orchestrator,
// the conflict detector, the durable queue with its drain loop, and the
// audit history.
type Daemon struct {
	cfg    cliconfig.Config
	clock  clock.Clock
	logger ports.Logger

	store    *sqlite.Store
	ledger   ports.ReplicatedLog
	audit    *history.Service
	queue    *resilience.Queue
	drainer  *resilience.Drainer
	breaker  *resilience.CircuitBreaker
	locks    *lock.Coordinator
	replay   *lock.Coordinator
	orch     *orchestrator.Orchestrator
	replayer *orchestrator.Orchestrator
	detector *conflict.Detector
	watcher  *fs.Watcher
	suspend  *fs.SuspendSignal
	prober   ports.ConnectivityProber

	lifecycle *Lifecycle
	restored  chan struct{}

	mu       sync.Mutex
	sessions map[string]*session
}

// NewDaemon opens the state database and assembles the services. The
// ledger is injected so tests and alternative substrates can swap it.
func NewDaemon(cfg cliconfig.Config, ledger ports.ReplicatedLog, clk clock.Clock, logger ports.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	store, err := sqlite.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	audit := history.NewService(store.History(), clk, logger, cfg.HistoryLimit)
	policy := cfg.RetryPolicy()
	breaker := resilience.NewCircuitBreaker(clk)
	exec := resilience.NewExecutor(policy, clk, breaker, logger)
	queue := resilience.NewQueue(store.Queue(), clk, policy, logger)
	restored := make(chan struct{}, 1)
	drainer := resilience.NewDrainer(store.Queue(), clk, policy, logger, audit, cfg.DrainInterval, restored)

	identity := lock.LocalIdentity()
	locks := lock.NewCoordinator(ledger, exec, queue, clk, logger, audit, identity, cfg.LockConfig())
	orch := orchestrator.New(ledger, locks, exec, queue, clk, logger, audit, cfg.OrchestratorConfig())
	prober := netprobe.New(cfg.RemoteAddr, cfg.ProbeTimeout, logger)
	detector := conflict.NewDetector(ledger, locks, prober, clk, logger, audit)

	watcher, err := fs.NewWatcher(clk, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("start change watcher: %w", err)
	}

	d := &Daemon{
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		store:     store,
		ledger:    ledger,
		audit:     audit,
		queue:     queue,
		drainer:   drainer,
		breaker:   breaker,
		locks:     locks,
		orch:      orch,
		detector:  detector,
		watcher:   watcher,
		suspend:   fs.NewSuspendSignal(clk, logger),
		prober:    prober,
		lifecycle: NewLifecycle(clk, logger),
		restored:  restored,
		sessions:  make(map[string]*session),
	}

	// Replay paths run without the queue so a failed drain attempt stays
	// on its existing entry instead of enqueueing a duplicate.
	d.replay = lock.NewCoordinator(ledger, exec, nil, clk, logger, audit, identity, cfg.LockConfig())
	d.replayer = orchestrator.New(ledger, locks, exec, nil, clk, logger, audit, cfg.OrchestratorConfig())

	drainer.Register(domain.OpLockAcquire, d.drainAcquire)
	drainer.Register(domain.OpLockRenew, d.drainRenew)
	drainer.Register(domain.OpLockRelease, d.drainRelease)
	drainer.Register(domain.OpPush, d.drainPush)
	drainer.Register(domain.OpPull, d.drainPull)

	return d, nil
}

// Start transitions to Running and launches the worker loops. It returns
// once the daemon is running; Stop shuts it down.
func (d *Daemon) Start(ctx context.Context) error {
	if !d.lifecycle.CanStart() {
		return domain.ErrAlreadyRunning
	}
	if err := d.lifecycle.TransitionTo(StateStarting, "start requested"); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.lifecycle.SetCancel(cancel)

	for _, p := range d.cfg.Projects {
		if err := d.watcher.Watch(p.ID, p.Dir); err != nil {
			d.lifecycle.TransitionTo(StateCrashed, "watch failed: "+err.Error())
			cancel()
			return fmt.Errorf("watch project %s: %w", p.ID, err)
		}
	}

	d.worker(runCtx, "watcher", d.watcher.Run)
	d.worker(runCtx, "suspend", d.suspend.Run)
	d.worker(runCtx, "orchestrator", func(ctx context.Context) error {
		return d.orch.Run(ctx, d.watcher.Events(), d.suspend.Events())
	})
	d.worker(runCtx, "drainer", d.drainer.Run)
	d.worker(runCtx, "connectivity", d.monitorConnectivity)

	if err := d.lifecycle.TransitionTo(StateRunning, "workers started"); err != nil {
		cancel()
		return err
	}
	d.logger.Info("daemon running",
		ports.Int("projects", len(d.cfg.Projects)),
		ports.String("state_dir", d.cfg.StateDir),
	)
	return nil
}

// Stop performs the emergency commit sweep, cancels workers, and closes
// the state store.
func (d *Daemon) Stop(ctx context.Context) error {
	if !d.lifecycle.CanStop() {
		return domain.ErrNotRunning
	}
	if err := d.lifecycle.TransitionTo(StateStopping, "stop requested"); err != nil {
		return err
	}

	// Shutdown gets the same safety sweep as suspend: dirty projects are
	// committed before workers go away.
	d.orch.EmergencyCommit(ctx)

	d.mu.Lock()
	for _, s := range d.sessions {
		s.cancel()
	}
	d.mu.Unlock()

	d.lifecycle.Cancel()
	waitErr := d.lifecycle.WaitWithTimeout(ShutdownTimeout)

	d.orch.Close()
	if err := d.store.Close(); err != nil {
		d.logger.Error("state store close failed", ports.Err(err))
	}

	reason := "workers drained"
	if waitErr != nil {
		reason = "shutdown timed out"
	}
	if err := d.lifecycle.TransitionTo(StateStopped, reason); err != nil {
		return err
	}
	return waitErr
}

// Close releases resources without the Running/Stopping dance. One-shot
// commands use the daemon's wiring without ever calling Start.
func (d *Daemon) Close() error {
	d.orch.Close()
	return d.store.Close()
}

// State returns the lifecycle state.
func (d *Daemon) State() State {
	return d.lifecycle.State()
}

// Locks exposes the lock coordinator for status queries.
func (d *Daemon) Locks() *lock.Coordinator { return d.locks }

// Orchestrator exposes commit and publish operations.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orch }

// Detector exposes pre-sync conflict evaluation.
func (d *Daemon) Detector() *conflict.Detector { return d.detector }

// Queue exposes the deferred-operation queue.
func (d *Daemon) Queue() *resilience.Queue { return d.queue }

// History exposes the audit log.
func (d *Daemon) History() *history.Service { return d.audit }

// AcquireLock acquires the project lock and starts a background renewal
// session for it. A deferred acquire returns the QueuedError unchanged;
// the session starts when the drain succeeds.
func (d *Daemon) AcquireLock(ctx context.Context, projectID string, ttl time.Duration) (*lock.Handle, error) {
	handle, err := d.locks.Acquire(ctx, projectID, ttl)
	if err != nil {
		return nil, err
	}
	d.startSession(handle)
	return handle, nil
}

// ReleaseLock releases the project lock and stops its renewal session.
// Without a live session the current ledger record is used, so a lock
// acquired by an earlier process of the same identity still releases.
func (d *Daemon) ReleaseLock(ctx context.Context, projectID string) error {
	handle := d.endSession(projectID)
	if handle == nil {
		var err error
		handle, err = d.ownHandle(ctx, projectID)
		if err != nil {
			return err
		}
	}
	return d.locks.Release(ctx, handle)
}

// BreakLock force-breaks the project lock regardless of holder.
func (d *Daemon) BreakLock(ctx context.Context, projectID string) error {
	d.endSession(projectID)
	return d.locks.ForceBreak(ctx, projectID, d.locks.Identity().Holder)
}

// Publish pushes the project's draft commits to the shared branch using
// the session lock, or the ledger's record of a lock this identity holds.
func (d *Daemon) Publish(ctx context.Context, projectID string) error {
	handle := d.sessionHandle(projectID)
	if handle == nil {
		var err error
		handle, err = d.ownHandle(ctx, projectID)
		if err != nil {
			return err
		}
	}
	return d.orch.Publish(ctx, projectID, handle)
}

// ownHandle reconstructs a Handle from the ledger when this identity is
// the recorded holder.
func (d *Daemon) ownHandle(ctx context.Context, projectID string) (*lock.Handle, error) {
	status, err := d.locks.Status(ctx, projectID)
	if err != nil {
		return nil, err
	}
	id := d.locks.Identity()
	if status == nil || status.Expired || !status.Record.HeldBy(id.Holder, id.MachineID) {
		return nil, domain.ErrNotHeld
	}
	return &lock.Handle{
		ProjectID: projectID,
		LockID:    status.Record.LockID,
		Holder:    status.Record.Holder,
		TTL:       time.Until(status.Record.ExpiresAt),
		ExpiresAt: status.Record.ExpiresAt,
	}, nil
}

func (d *Daemon) startSession(handle *lock.Handle) {
	sctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		hb:     lock.NewHeartbeat(d.locks, d.clock, d.logger, handle),
		cancel: cancel,
	}

	d.mu.Lock()
	if old, ok := d.sessions[handle.ProjectID]; ok {
		old.cancel()
	}
	d.sessions[handle.ProjectID] = sess
	d.mu.Unlock()

	d.lifecycle.AddWorker()
	go func() {
		defer d.lifecycle.WorkerDone()
		err := sess.hb.Run(sctx)
		d.mu.Lock()
		if d.sessions[handle.ProjectID] == sess {
			delete(d.sessions, handle.ProjectID)
		}
		d.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("lock session ended",
				ports.String("project", handle.ProjectID),
				ports.Err(err),
			)
		}
	}()
}

func (d *Daemon) endSession(projectID string) *lock.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[projectID]
	if !ok {
		return nil
	}
	delete(d.sessions, projectID)
	s.cancel()
	return s.hb.Handle()
}

func (d *Daemon) sessionHandle(projectID string) *lock.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[projectID]; ok {
		return s.hb.Handle()
	}
	return nil
}

func (d *Daemon) worker(ctx context.Context, name string, run func(context.Context) error) {
	d.lifecycle.AddWorker()
	go func() {
		defer d.lifecycle.WorkerDone()
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("worker stopped", ports.String("worker", name), ports.Err(err))
		}
	}()
}

// monitorConnectivity probes the remote while the queue is non-empty and
// signals the drainer when connectivity comes back.
func (d *Daemon) monitorConnectivity(ctx context.Context) error {
	down := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clock.After(probeInterval):
		}

		stats, err := d.queue.Stats(ctx)
		if err != nil || stats.Pending == 0 {
			continue
		}
		if d.prober.Probe(ctx) != nil {
			down = true
			continue
		}
		if down {
			down = false
			select {
			case d.restored <- struct{}{}:
			default:
			}
		}
	}
}

// drainAcquire replays a deferred acquire and starts the renewal session
// on success.
func (d *Daemon) drainAcquire(ctx context.Context, entry domain.QueueEntry) error {
	var p lock.AcquirePayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return fmt.Errorf("decode acquire payload: %w", err)
	}
	handle, err := d.replay.Acquire(ctx, p.ProjectID, time.Duration(p.TTLSeconds)*time.Second)
	if err != nil {
		return err
	}
	d.startSession(handle)
	return nil
}

func (d *Daemon) drainRenew(ctx context.Context, entry domain.QueueEntry) error {
	var p lock.RenewPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return fmt.Errorf("decode renew payload: %w", err)
	}
	handle := &lock.Handle{
		ProjectID: p.ProjectID,
		LockID:    p.LockID,
		TTL:       time.Duration(p.TTLSeconds) * time.Second,
	}
	// The live session's handle is left alone; its own heartbeat refreshes
	// the expiry on the next interval.
	if _, err := d.replay.Renew(ctx, handle); err != nil {
		// The lock moved on while the renewal was queued; the session is
		// over and retrying cannot bring it back.
		if errors.Is(err, domain.ErrNotHeld) || errors.Is(err, domain.ErrExpired) {
			d.endSession(p.ProjectID)
			return nil
		}
		return err
	}
	return nil
}

func (d *Daemon) drainRelease(ctx context.Context, entry domain.QueueEntry) error {
	var p lock.ReleasePayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return fmt.Errorf("decode release payload: %w", err)
	}
	err := d.replay.Release(ctx, &lock.Handle{ProjectID: p.ProjectID, LockID: p.LockID})
	// Someone else already took or broke the lock; the release's goal is
	// met either way.
	if errors.Is(err, domain.ErrNotHeld) {
		return nil
	}
	return err
}

// drainPush replays a deferred publish. Without a currently valid lock
// the entry keeps failing and blocks the project's queue until the user
// reacquires the lock or cancels the entry.
func (d *Daemon) drainPush(ctx context.Context, entry domain.QueueEntry) error {
	var p orchestrator.PushPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return fmt.Errorf("decode push payload: %w", err)
	}
	handle := d.sessionHandle(p.ProjectID)
	if handle == nil {
		var err error
		handle, err = d.ownHandle(ctx, p.ProjectID)
		if err != nil {
			return fmt.Errorf("publish needs the project lock: %w", err)
		}
	}
	return d.replayer.Publish(ctx, p.ProjectID, handle)
}

func (d *Daemon) drainPull(ctx context.Context, entry domain.QueueEntry) error {
	var p orchestrator.PullPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return fmt.Errorf("decode pull payload: %w", err)
	}
	return d.replayer.Pull(ctx, p.ProjectID)
}
