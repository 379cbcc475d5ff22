package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/studiolock/studiolock/internal/domain"
	"github.com/studiolock/studiolock/internal/ports"
)

type commitRequest struct {
	ctx       context.Context
	message   string
	emergency bool
	resp      chan commitResponse
}

type commitResponse struct {
	commitID string
	err      error
}

// actor serializes all commit activity for one project. Change events,
// debounce expiry, and explicit commit requests all land in one goroutine,
// so a project never has two commits in flight.
type actor struct {
	orch      *Orchestrator
	projectID string
	events    chan domain.ChangeEvent
	commits   chan commitRequest
	state     atomic.Value
}

func newActor(o *Orchestrator, projectID string) *actor {
	a := &actor{
		orch:      o,
		projectID: projectID,
		events:    make(chan domain.ChangeEvent, 64),
		commits:   make(chan commitRequest),
	}
	a.state.Store(StateIdle)
	return a
}

func (a *actor) currentState() State {
	return a.state.Load().(State)
}

func (a *actor) setState(s State) {
	a.state.Store(s)
}

// notify is non-blocking: if the event buffer is full the change is
// dropped, which is harmless because any later event (or the debounce
// already in flight) commits the same on-disk state.
func (a *actor) notify(ev domain.ChangeEvent) {
	select {
	case a.events <- ev:
	case <-a.orch.done:
	default:
	}
}

// requestCommit hands a commit to the actor goroutine and waits for the
// outcome or context expiry.
func (a *actor) requestCommit(ctx context.Context, message string, emergency bool) (string, error) {
	req := commitRequest{
		ctx:       ctx,
		message:   message,
		emergency: emergency,
		resp:      make(chan commitResponse, 1),
	}
	select {
	case a.commits <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-a.orch.done:
		return "", domain.ErrNotRunning
	}
	select {
	case resp := <-req.resp:
		return resp.commitID, resp.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *actor) run() {
	var debounce <-chan time.Time
	pending := 0

	for {
		select {
		case <-a.orch.done:
			return

		case ev := <-a.events:
			pending++
			a.setState(StatePendingChange)
			// A new change always restarts the window; the old timer is
			// simply abandoned.
			debounce = a.orch.clock.After(a.orch.cfg.DebounceWindow)
			a.setState(StateDebouncing)
			a.orch.logger.Debug("change noted",
				ports.String("project", a.projectID),
				ports.String("path", ev.Path),
				ports.Int("pending", pending),
			)

		case <-debounce:
			debounce = nil
			a.setState(StateCommitting)
			a.commit(context.Background(), checkpointMessage(pending), false)
			pending = 0
			a.setState(StateIdle)

		case req := <-a.commits:
			debounce = nil
			if req.emergency {
				a.setState(StateEmergency)
			} else {
				a.setState(StateCommitting)
			}
			id, err := a.commit(req.ctx, req.message, req.emergency)
			pending = 0
			a.setState(StateIdle)
			req.resp <- commitResponse{commitID: id, err: err}
		}
	}
}

func (a *actor) commit(ctx context.Context, message string, emergency bool) (string, error) {
	id, err := a.orch.ledger.Commit(ctx, a.projectID, message)
	switch {
	case err == nil:
		a.orch.record(ctx, a.projectID, domain.OpTypeCommit, domain.ResultSuccess, message)
		a.orch.logger.Info("draft commit",
			ports.String("project", a.projectID),
			ports.String("commit", id),
			ports.Bool("emergency", emergency),
		)
		return id, nil
	case errors.Is(err, domain.ErrNothingToCommit):
		return "", err
	default:
		a.orch.record(ctx, a.projectID, domain.OpTypeCommit, domain.ResultFailure, err.Error())
		a.orch.logger.Error("draft commit failed",
			ports.String("project", a.projectID),
			ports.Err(err),
		)
		return "", err
	}
}

func checkpointMessage(changes int) string {
	if changes == 1 {
		return "checkpoint: 1 change"
	}
	return fmt.Sprintf("checkpoint: %d changes", changes)
}
