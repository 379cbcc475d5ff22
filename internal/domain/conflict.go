package domain

// SyncIntent is the direction of an intended synchronization.
type SyncIntent string

const (
	IntentPush SyncIntent = "push"
	IntentPull SyncIntent = "pull"
)

// Recommendation is the safety verdict for an intended push or pull.
type Recommendation string

const (
	// RecommendSafe means fast-forward synchronization is possible.
	RecommendSafe Recommendation = "safe"

	// RecommendAcquireLock means the caller has changes destined for the
	// shared branch but holds no currently valid lock.
	RecommendAcquireLock Recommendation = "acquire_lock"

	// RecommendCheckNetwork means the remote could not be reached.
	RecommendCheckNetwork Recommendation = "check_network"

	// RecommendManualMerge means local and remote histories have
	// diverged. Project content is binary, so no automatic merge is ever
	// attempted.
	RecommendManualMerge Recommendation = "manual_merge_required"
)

// Ancestry describes the relation between two ledger refs.
type Ancestry string

const (
	// AncestryEqual means both refs point at the same commit.
	AncestryEqual Ancestry = "equal"

	// AncestryAncestor means the first ref is an ancestor of the second.
	AncestryAncestor Ancestry = "ancestor"

	// AncestryDescendant means the first ref is a descendant of the second.
	AncestryDescendant Ancestry = "descendant"

	// AncestryDiverged means neither ref is an ancestor of the other.
	AncestryDiverged Ancestry = "diverged"
)

// ConflictCheck is the full evaluation result for a sync intent, carrying
// enough context for the caller to act on the recommendation.
type ConflictCheck struct {
	ProjectID      string
	Intent         SyncIntent
	Recommendation Recommendation

	// LockHolder is the current lock holder when the recommendation is
	// RecommendAcquireLock and another session holds the lock.
	LockHolder string

	// Relation is the observed ancestry between local and remote heads,
	// empty when the probe or lock check short-circuited.
	Relation Ancestry

	// ProbeError is the connectivity failure behind RecommendCheckNetwork.
	ProbeError string
}
