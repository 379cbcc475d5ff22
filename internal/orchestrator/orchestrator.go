// Package orchestrator owns the commit lifecycle for watched projects.
// Local draft commits are automatic and lock-free: change events are
// debounced per project and folded into checkpoint commits. Publishing to
// the shared branch is the only operation gated by the editing lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/studiolock/studiolock/internal/clock"
	"github.com/studiolock/studiolock/internal/domain"
	"github.com/studiolock/studiolock/internal/lock"
	"github.com/studiolock/studiolock/internal/ports"
	"github.com/studiolock/studiolock/internal/resilience"
)

// Default commit timing parameters.
const (
	DefaultDebounceWindow    = 45 * time.Second
	DefaultEmergencyDeadline = 5 * time.Second
)

// Config tunes the orchestrator.
type Config struct {
	// DebounceWindow is how long a project must stay quiet after a change
	// before an automatic checkpoint commit fires. Creative applications
	// save in bursts; the window folds a burst into one commit.
	DebounceWindow time.Duration

	// EmergencyDeadline caps the suspend-triggered commit sweep. A commit
	// still in flight when it lapses is abandoned to its queued retry
	// rather than blocking system sleep.
	EmergencyDeadline time.Duration
}

// SetDefaults fills zero fields with default values.
func (c *Config) SetDefaults() {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = DefaultDebounceWindow
	}
	if c.EmergencyDeadline <= 0 {
		c.EmergencyDeadline = DefaultEmergencyDeadline
	}
}

// State is the observable phase of a project's commit actor.
type State string

const (
	StateIdle          State = "idle"
	StatePendingChange State = "pending_change"
	StateDebouncing    State = "debouncing"
	StateCommitting    State = "committing"
	StateEmergency     State = "emergency_committing"
)

// PushPayload is the queued form of a deferred publish.
type PushPayload struct {
	ProjectID string `json:"project_id"`
}

// PullPayload is the queued form of a deferred pull.
type PullPayload struct {
	ProjectID string `json:"project_id"`
}

// Orchestrator routes change events to per-project actors and performs
// publish and pull synchronization against the shared branch.
type Orchestrator struct {
	ledger ports.ReplicatedLog
	locks  *lock.Coordinator
	exec   *resilience.Executor
	queue  *resilience.Queue
	clock  clock.Clock
	logger ports.Logger
	audit  ports.AuditSink
	cfg    Config

	mu     sync.Mutex
	actors map[string]*actor
	done   chan struct{}
	closed bool
}

// New creates an orchestrator. queue and audit may be nil.
func New(ledger ports.ReplicatedLog, locks *lock.Coordinator, exec *resilience.Executor, queue *resilience.Queue, clk clock.Clock, logger ports.Logger, audit ports.AuditSink, cfg Config) *Orchestrator {
	cfg.SetDefaults()
	return &Orchestrator{
		ledger: ledger,
		locks:  locks,
		exec:   exec,
		queue:  queue,
		clock:  clk,
		logger: logger,
		audit:  audit,
		cfg:    cfg,
		actors: make(map[string]*actor),
		done:   make(chan struct{}),
	}
}

// Run consumes change and suspend events until the context is cancelled.
// A suspend notice triggers the emergency commit sweep; the matching
// resume notice needs no action because actors pick up where they left
// off.
func (o *Orchestrator) Run(ctx context.Context, changes <-chan domain.ChangeEvent, suspends <-chan domain.SuspendEvent) error {
	defer o.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			o.NoteChange(ev)
		case ev, ok := <-suspends:
			if !ok {
				suspends = nil
				continue
			}
			if !ev.Resuming {
				o.EmergencyCommit(ctx)
			}
		}
	}
}

// Close stops all project actors. Safe to call more than once.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.done)
	}
}

// NoteChange records a filesystem change for the project, starting or
// extending its debounce window.
func (o *Orchestrator) NoteChange(ev domain.ChangeEvent) {
	o.actorFor(ev.ProjectID).notify(ev)
}

// ProjectState reports the actor phase for a project. Projects with no
// recorded changes yet are idle.
func (o *Orchestrator) ProjectState(projectID string) State {
	o.mu.Lock()
	a, ok := o.actors[projectID]
	o.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return a.currentState()
}

// CommitNow performs an immediate draft commit, bypassing any pending
// debounce window. Committing with no local changes returns
// ErrNothingToCommit.
func (o *Orchestrator) CommitNow(ctx context.Context, projectID, message string) (string, error) {
	if message == "" {
		message = "manual checkpoint"
	}
	return o.actorFor(projectID).requestCommit(ctx, message, false)
}

// EmergencyCommit sweeps every known project with an immediate commit,
// bounded by the configured deadline. Commits that cannot finish in time
// are abandoned; the changes stay on disk and the next debounce window
// picks them up after resume.
func (o *Orchestrator) EmergencyCommit(ctx context.Context) {
	o.mu.Lock()
	targets := make([]*actor, 0, len(o.actors))
	for _, a := range o.actors {
		targets = append(targets, a)
	}
	o.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	ectx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.clock.After(o.cfg.EmergencyDeadline):
			cancel()
		case <-ectx.Done():
		}
	}()

	o.logger.Warn("suspend notice, committing all projects",
		ports.Int("projects", len(targets)),
		ports.Duration("deadline", o.cfg.EmergencyDeadline),
	)

	var wg sync.WaitGroup
	for _, a := range targets {
		wg.Add(1)
		go func(a *actor) {
			defer wg.Done()
			_, err := a.requestCommit(ectx, "emergency checkpoint before suspend", true)
			if err != nil && !errors.Is(err, domain.ErrNothingToCommit) {
				o.logger.Error("emergency commit failed",
					ports.String("project", a.projectID),
					ports.Err(err),
				)
			}
		}(a)
	}
	wg.Wait()
}

// Publish pushes the project's draft commits to the shared branch. It is
// the one lock-gated operation: the caller must present a handle for a
// lock that is still valid on the ledger, otherwise ErrLockRequired.
// Transient push failures that outlast the retry budget are queued.
func (o *Orchestrator) Publish(ctx context.Context, projectID string, handle *lock.Handle) error {
	if err := o.requireLock(ctx, projectID, handle); err != nil {
		o.record(ctx, projectID, domain.OpTypePublish, domain.ResultFailure, err.Error())
		return err
	}

	err := o.exec.Do(ctx, "publish.push", func(ctx context.Context) error {
		return o.ledger.Push(ctx, projectID)
	})
	switch {
	case err == nil:
		o.record(ctx, projectID, domain.OpTypePublish, domain.ResultSuccess, "lock "+handle.LockID)
		o.logger.Info("published to shared branch", ports.String("project", projectID))
		return nil
	case o.deferrable(err):
		qerr := o.queue.Defer(ctx, projectID, domain.OpPush, PushPayload{ProjectID: projectID}, err)
		o.record(ctx, projectID, domain.OpTypePublish, domain.ResultRetried, err.Error())
		return qerr
	default:
		o.record(ctx, projectID, domain.OpTypePublish, domain.ResultFailure, err.Error())
		return err
	}
}

// Pull synchronizes the local replica from the shared branch. No lock is
// required to read. Transient failures that outlast the retry budget are
// queued.
func (o *Orchestrator) Pull(ctx context.Context, projectID string) error {
	err := o.exec.Do(ctx, "sync.pull", func(ctx context.Context) error {
		return o.ledger.Pull(ctx, projectID)
	})
	switch {
	case err == nil:
		o.record(ctx, projectID, domain.OpTypePull, domain.ResultSuccess, "")
		return nil
	case o.deferrable(err):
		qerr := o.queue.Defer(ctx, projectID, domain.OpPull, PullPayload{ProjectID: projectID}, err)
		o.record(ctx, projectID, domain.OpTypePull, domain.ResultRetried, err.Error())
		return qerr
	default:
		o.record(ctx, projectID, domain.OpTypePull, domain.ResultFailure, err.Error())
		return err
	}
}

func (o *Orchestrator) requireLock(ctx context.Context, projectID string, handle *lock.Handle) error {
	if handle == nil || handle.ProjectID != projectID {
		return domain.ErrLockRequired
	}
	status, err := o.locks.Status(ctx, projectID)
	if err != nil {
		return fmt.Errorf("verify lock before publish: %w", err)
	}
	if status == nil || status.Expired || status.Record.LockID != handle.LockID {
		return domain.ErrLockRequired
	}
	return nil
}

func (o *Orchestrator) actorFor(projectID string) *actor {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a, ok := o.actors[projectID]; ok {
		return a
	}
	a := newActor(o, projectID)
	o.actors[projectID] = a
	go a.run()
	return a
}

func (o *Orchestrator) deferrable(err error) bool {
	if o.queue == nil {
		return false
	}
	var exhausted *resilience.RetriesExhaustedError
	return errors.As(err, &exhausted)
}

func (o *Orchestrator) record(ctx context.Context, projectID string, op domain.OperationType, result domain.OperationResult, detail string) {
	if o.audit == nil {
		return
	}
	actor := ""
	if o.locks != nil {
		actor = o.locks.Identity().Holder
	}
	o.audit.Record(ctx, domain.AuditEntry{
		Timestamp: o.clock.Now(),
		ProjectID: projectID,
		Operation: op,
		Result:    result,
		Actor:     actor,
		Detail:    detail,
	})
}
