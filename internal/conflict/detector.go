// Package conflict implements pre-flight safety checks for sync
// operations. The detector never merges anything; binary project files
// cannot be merged, so its job is to say whether a push or pull is safe
// and, when it is not, which single remediation applies.
package conflict

import (
	"context"
	"fmt"

	"github.com/studiolock/studiolock/internal/clock"
	"github.com/studiolock/studiolock/internal/domain"
	"github.com/studiolock/studiolock/internal/lock"
	"github.com/studiolock/studiolock/internal/ports"
)

// Detector evaluates whether a sync intent can proceed safely.
type Detector struct {
	ledger ports.ReplicatedLog
	locks  *lock.Coordinator
	prober ports.ConnectivityProber
	clock  clock.Clock
	logger ports.Logger
	audit  ports.AuditSink
}

// NewDetector creates a detector. prober and audit may be nil; without a
// prober the connectivity check is skipped.
func NewDetector(ledger ports.ReplicatedLog, locks *lock.Coordinator, prober ports.ConnectivityProber, clk clock.Clock, logger ports.Logger, audit ports.AuditSink) *Detector {
	return &Detector{
		ledger: ledger,
		locks:  locks,
		prober: prober,
		clock:  clk,
		logger: logger,
		audit:  audit,
	}
}

// Evaluate runs the safety checks for the intent, cheapest first:
// connectivity, then lock ownership for pushes, then ancestry between the
// local and remote heads. The first failing check decides the
// recommendation; an unreachable remote short-circuits everything because
// no other answer can be trusted without it.
func (d *Detector) Evaluate(ctx context.Context, projectID string, intent domain.SyncIntent) (*domain.ConflictCheck, error) {
	check := &domain.ConflictCheck{
		ProjectID: projectID,
		Intent:    intent,
	}

	if d.prober != nil {
		if err := d.prober.Probe(ctx); err != nil {
			check.Recommendation = domain.RecommendCheckNetwork
			check.ProbeError = err.Error()
			d.finish(ctx, check)
			return check, nil
		}
	}

	if intent == domain.IntentPush {
		status, err := d.locks.Status(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("lock status for %s: %w", projectID, err)
		}
		held := status != nil && !status.Expired &&
			status.Record.HeldBy(d.locks.Identity().Holder, d.locks.Identity().MachineID)
		if !held {
			check.Recommendation = domain.RecommendAcquireLock
			if status != nil && !status.Expired {
				check.LockHolder = status.Record.Holder
			}
			d.finish(ctx, check)
			return check, nil
		}
	}

	localHead, err := d.ledger.LocalHead(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("local head for %s: %w", projectID, err)
	}
	// The remote head is read directly rather than pulled: evaluation must
	// never move the local working copy of a binary project file.
	remoteHead, err := d.ledger.RemoteHead(ctx, projectID)
	if err != nil {
		check.Recommendation = domain.RecommendCheckNetwork
		check.ProbeError = err.Error()
		d.finish(ctx, check)
		return check, nil
	}
	relation, err := d.ledger.Ancestry(ctx, localHead, remoteHead)
	if err != nil {
		return nil, fmt.Errorf("ancestry of %s: %w", projectID, err)
	}
	check.Relation = relation

	// Equal and linear histories are always safe in both directions: a
	// push from a descendant fast-forwards, a pull onto an ancestor
	// fast-forwards, and the redundant direction is an idempotent no-op.
	// Only divergence needs a human.
	if relation == domain.AncestryDiverged {
		check.Recommendation = domain.RecommendManualMerge
	} else {
		check.Recommendation = domain.RecommendSafe
	}
	d.finish(ctx, check)
	return check, nil
}

func (d *Detector) finish(ctx context.Context, check *domain.ConflictCheck) {
	d.logger.Debug("conflict check",
		ports.String("project", check.ProjectID),
		ports.String("intent", string(check.Intent)),
		ports.String("recommendation", string(check.Recommendation)),
	)
	if d.audit == nil {
		return
	}
	detail := string(check.Intent) + " -> " + string(check.Recommendation)
	if check.LockHolder != "" {
		detail += " (held by " + check.LockHolder + ")"
	}
	if check.ProbeError != "" {
		detail += " (" + check.ProbeError + ")"
	}
	result := domain.ResultSuccess
	if check.Recommendation != domain.RecommendSafe {
		result = domain.ResultFailure
	}
	d.audit.Record(ctx, domain.AuditEntry{
		Timestamp: d.clock.Now(),
		ProjectID: check.ProjectID,
		Operation: domain.OpTypeConflictCheck,
		Result:    result,
		Actor:     d.locks.Identity().Holder,
		Detail:    detail,
	})
}
