package domain

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors represent error conditions in the studiolock domain.
// These errors are returned by the public API and can be checked with
// errors.Is. Semantic errors are never retried automatically; they surface
// immediately with enough context for the caller to act.
var (
	// ErrAlreadyLocked is returned when acquire finds a valid lock held
	// by another session. Use AsAlreadyLocked for holder and expiry.
	ErrAlreadyLocked = errors.New("studiolock: project already locked")

	// ErrNotHeld is returned when renew or release presents a lock id
	// that does not match the stored record. Release is idempotent:
	// releasing a lock you do not hold returns ErrNotHeld, never panics.
	ErrNotHeld = errors.New("studiolock: lock not held")

	// ErrExpired is returned when renew finds the handle's lock past its
	// expiry.
	ErrExpired = errors.New("studiolock: lock expired")

	// ErrContention is returned when the CAS sequence loses the race
	// more times than the bounded retry count allows.
	ErrContention = errors.New("studiolock: lock contention")

	// ErrLockRequired is returned when a publish to the shared branch is
	// attempted without a currently valid lock held by the caller.
	ErrLockRequired = errors.New("studiolock: valid lock required to publish")

	// ErrNothingToCommit is returned when a commit finds no staged
	// changes.
	ErrNothingToCommit = errors.New("studiolock: nothing to commit")

	// ErrDiverged is returned when local and remote histories have
	// diverged and manual reconciliation is required.
	ErrDiverged = errors.New("studiolock: histories diverged")

	// ErrNonFastForward is returned by the ledger when a push would not
	// extend the remote history. It signals a lost CAS race, not a
	// network fault.
	ErrNonFastForward = errors.New("studiolock: push rejected (non-fast-forward)")

	// ErrVersionConflict is returned by the ledger when a proposed write
	// presents a stale expected version.
	ErrVersionConflict = errors.New("studiolock: version conflict")

	// ErrQueuePersistence is returned when the durable queue store fails
	// to record an operation.
	ErrQueuePersistence = errors.New("studiolock: queue persistence failure")

	// ErrAlreadyRunning is returned when Start is called on a running
	// daemon.
	ErrAlreadyRunning = errors.New("studiolock: already running")

	// ErrNotRunning is returned when Stop is called on a stopped daemon.
	ErrNotRunning = errors.New("studiolock: not running")

	// ErrShutdownTimeout is returned when graceful shutdown times out.
	ErrShutdownTimeout = errors.New("studiolock: shutdown timeout")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("studiolock: invalid configuration")
)

// AlreadyLockedError carries the competing holder and expiry so lock
// conflicts can report who holds the lock and for how long.
type AlreadyLockedError struct {
	Holder    string
	ExpiresAt time.Time
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("studiolock: project locked by %s until %s", e.Holder, e.ExpiresAt.UTC().Format(time.RFC3339))
}

// Is makes the error match ErrAlreadyLocked under errors.Is.
func (e *AlreadyLockedError) Is(target error) bool {
	return target == ErrAlreadyLocked
}

// AsAlreadyLocked extracts the holder detail from an acquire failure,
// if present.
func AsAlreadyLocked(err error) (*AlreadyLockedError, bool) {
	var e *AlreadyLockedError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// QueuedError reports that an operation could not complete now and was
// accepted for retry through the durable queue. It is the caller-visible
// form of absorbed transient failures: not a hard failure.
type QueuedError struct {
	OpID string
	Kind OperationKind
	Err  error
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("studiolock: %s queued for retry (op %s): %v", e.Kind, e.OpID, e.Err)
}

func (e *QueuedError) Unwrap() error { return e.Err }

// IsQueued reports whether err indicates an operation accepted for retry.
func IsQueued(err error) bool {
	var e *QueuedError
	return errors.As(err, &e)
}
