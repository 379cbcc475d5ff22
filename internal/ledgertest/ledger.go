// Package ledgertest provides an in-memory ReplicatedLog implementation
// with fast-forward push semantics and fault injection, for exercising the
// coordination core without a real ledger substrate.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/studiolock/studiolock/internal/domain"
)

type object struct {
	data    []byte
	version string
}

// Hub is the shared remote side of the fake ledger. Multiple clients
// attached to one hub race against each other exactly like separate
// machines pushing to one remote.
type Hub struct {
	mu      sync.Mutex
	objects map[string]object // namespace -> current remote object
	heads   map[string]string // projectID -> remote head commit
	parents map[string]string // commit -> parent commit
	seq     int
}

// NewHub creates an empty remote.
func NewHub() *Hub {
	return &Hub{
		objects: make(map[string]object),
		heads:   make(map[string]string),
		parents: make(map[string]string),
	}
}

func (h *Hub) nextID(prefix string) string {
	h.seq++
	return fmt.Sprintf("%s-%d", prefix, h.seq)
}

// Client returns a new replica attached to the hub, with its own local
// view and staged writes.
func (h *Hub) Client() *Client {
	return &Client{
		hub:    h,
		local:  make(map[string]object),
		staged: make(map[string]stagedWrite),
		heads:  make(map[string]string),
		dirty:  make(map[string]bool),
	}
}

type stagedWrite struct {
	data   []byte
	base   string // local version the write was proposed against
	newVer string
}

// Client implements ports.ReplicatedLog over a Hub.
type Client struct {
	hub *Hub

	mu     sync.Mutex
	local  map[string]object
	staged map[string]stagedWrite
	heads  map[string]string // projectID -> local head
	dirty  map[string]bool   // projectID -> has uncommitted changes

	// Fault injection: each call pops one error from the matching queue
	// before doing any work. A nil pop means the call proceeds.
	pushErrs   []error
	pullErrs   []error
	commitErrs []error

	// CommitBarrier, when non-nil, blocks Commit until the channel is
	// closed or the context expires. Used to simulate a stalled write.
	CommitBarrier chan struct{}
}

// FailPush queues errors returned by subsequent Push calls, in order.
func (c *Client) FailPush(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushErrs = append(c.pushErrs, errs...)
}

// FailPull queues errors returned by subsequent Pull calls, in order.
func (c *Client) FailPull(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pullErrs = append(c.pullErrs, errs...)
}

// FailCommit queues errors returned by subsequent Commit calls, in order.
func (c *Client) FailCommit(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitErrs = append(c.commitErrs, errs...)
}

func pop(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

// MarkDirty flags the project as having uncommitted local changes.
func (c *Client) MarkDirty(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty[projectID] = true
}

// ReadLatest returns the locally replicated object for the namespace.
func (c *Client) ReadLatest(_ context.Context, namespace string) ([]byte, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.local[namespace]
	if !ok || obj.data == nil {
		return nil, obj.version, nil
	}
	return append([]byte(nil), obj.data...), obj.version, nil
}

// ProposeWrite stages data against the expected local version.
func (c *Client) ProposeWrite(_ context.Context, namespace, expectedVersion string, data []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.local[namespace]
	if cur.version != expectedVersion {
		return "", domain.ErrVersionConflict
	}
	c.hub.mu.Lock()
	newVer := c.hub.nextID("v")
	c.hub.mu.Unlock()
	c.staged[namespace] = stagedWrite{data: data, base: expectedVersion, newVer: newVer}
	return newVer, nil
}

// Commit records a local draft commit for the project.
func (c *Client) Commit(ctx context.Context, projectID, _ string) (string, error) {
	c.mu.Lock()
	if err := pop(&c.commitErrs); err != nil {
		c.mu.Unlock()
		return "", err
	}
	barrier := c.CommitBarrier
	c.mu.Unlock()

	if barrier != nil {
		select {
		case <-barrier:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty[projectID] {
		return "", domain.ErrNothingToCommit
	}
	c.hub.mu.Lock()
	id := c.hub.nextID("c")
	c.hub.parents[id] = c.heads[projectID]
	c.hub.mu.Unlock()
	c.heads[projectID] = id
	c.dirty[projectID] = false
	return id, nil
}

// Push publishes the ref. For a lock namespace the staged write is applied
// to the hub iff the remote version still matches the staged base; for a
// project branch the local head must descend from the remote head.
func (c *Client) Push(_ context.Context, ref string) error {
	c.mu.Lock()
	if err := pop(&c.pushErrs); err != nil {
		c.mu.Unlock()
		return err
	}
	staged, hasStaged := c.staged[ref]
	localHead := c.heads[ref]
	c.mu.Unlock()

	if hasStaged {
		c.hub.mu.Lock()
		remote := c.hub.objects[ref]
		if remote.version != staged.base {
			c.hub.mu.Unlock()
			return domain.ErrNonFastForward
		}
		obj := object{data: staged.data, version: staged.newVer}
		c.hub.objects[ref] = obj
		c.hub.mu.Unlock()

		c.mu.Lock()
		c.local[ref] = obj
		delete(c.staged, ref)
		c.mu.Unlock()
		return nil
	}

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	remoteHead := c.hub.heads[ref]
	if localHead == remoteHead {
		return nil // already present: idempotent no-op
	}
	if remoteHead != "" && !c.hub.isAncestor(remoteHead, localHead) {
		return domain.ErrNonFastForward
	}
	c.hub.heads[ref] = localHead
	return nil
}

// Pull synchronizes the local replica of the ref with the hub.
func (c *Client) Pull(_ context.Context, ref string) error {
	c.mu.Lock()
	if err := pop(&c.pullErrs); err != nil {
		c.mu.Unlock()
		return err
	}
	localHead := c.heads[ref]
	c.mu.Unlock()

	c.hub.mu.Lock()
	obj, hasObj := c.hub.objects[ref]
	remoteHead, hasHead := c.hub.heads[ref]
	ff := localHead == "" || c.hub.isAncestor(localHead, remoteHead)
	c.hub.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if hasObj {
		c.local[ref] = obj
	}
	// A diverged pull leaves the local head alone; the conflict detector
	// reports the divergence.
	if hasHead && ff {
		c.heads[ref] = remoteHead
	}
	return nil
}

// LocalHead returns the client's head commit for the project.
func (c *Client) LocalHead(_ context.Context, projectID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heads[projectID], nil
}

// RemoteHead returns the hub's head commit for the project.
func (c *Client) RemoteHead(_ context.Context, projectID string) (string, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.hub.heads[projectID], nil
}

// Ancestry reports the relation of refA to refB by walking parents.
func (c *Client) Ancestry(_ context.Context, refA, refB string) (domain.Ancestry, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	switch {
	case refA == refB:
		return domain.AncestryEqual, nil
	case c.hub.isAncestor(refA, refB):
		return domain.AncestryAncestor, nil
	case c.hub.isAncestor(refB, refA):
		return domain.AncestryDescendant, nil
	default:
		return domain.AncestryDiverged, nil
	}
}

// isAncestor reports whether a is reachable from b by parent links.
// The empty ref is an ancestor of everything. Callers hold hub.mu.
func (h *Hub) isAncestor(a, b string) bool {
	if a == "" {
		return true
	}
	for cur := b; cur != ""; cur = h.parents[cur] {
		if cur == a {
			return true
		}
	}
	return false
}

// SeedRemoteCommit appends a commit to the hub's head for a project, as if
// another client had pushed. Returns the new head.
func (h *Hub) SeedRemoteCommit(projectID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID("c")
	h.parents[id] = h.heads[projectID]
	h.heads[projectID] = id
	return id
}
