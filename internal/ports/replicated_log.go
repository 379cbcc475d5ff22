package ports

import (
	"context"

	"github.com/studiolock/studiolock/internal/domain"
)

// ReplicatedLog abstracts the shared, append-only, push/pull-synchronized
// ledger used as the coordination substrate. Concrete adapters (a
// version-control subprocess, an object store with conditional writes, a
// versioned key-value store) are out of scope for the core; the lock
// protocol works unchanged against any substrate with these semantics.
//
// Push must be fast-forward-only: a push that would not extend the remote
// history fails with domain.ErrNonFastForward. That property is the
// foundation of the compare-and-swap lock protocol. A push of content
// already present at the remote is a recognized no-op, not an error, so
// queued replays stay idempotent.
type ReplicatedLog interface {
	// ReadLatest returns the current object bytes and version in the
	// given namespace. A missing object returns nil bytes and an empty
	// version with no error.
	ReadLatest(ctx context.Context, namespace string) (data []byte, version string, err error)

	// ProposeWrite stages new object bytes as a local commit against the
	// expected version. A stale expected version fails with
	// domain.ErrVersionConflict. Writing nil data removes the object.
	ProposeWrite(ctx context.Context, namespace, expectedVersion string, data []byte) (newVersion string, err error)

	// Commit stages all local changes for the project and records a
	// local draft commit. Draft commits are private safety snapshots and
	// require no lock. Returns domain.ErrNothingToCommit when nothing is
	// staged.
	Commit(ctx context.Context, projectID, message string) (commitID string, err error)

	// Push publishes local commits for the ref (a project branch or the
	// lock namespace). Fails with domain.ErrNonFastForward when the
	// remote has moved.
	Push(ctx context.Context, ref string) error

	// Pull synchronizes the local replica of the ref with the remote.
	Pull(ctx context.Context, ref string) error

	// LocalHead and RemoteHead return opaque commit refs for ancestry
	// comparison.
	LocalHead(ctx context.Context, projectID string) (string, error)
	RemoteHead(ctx context.Context, projectID string) (string, error)

	// Ancestry reports the relation of refA to refB.
	Ancestry(ctx context.Context, refA, refB string) (domain.Ancestry, error)
}

// LockNamespace returns the ledger namespace addressing the lock record
// for a project.
func LockNamespace(projectID string) string {
	return "locks/" + projectID
}
