package domain

import (
	"time"
)

// LockRecord is the single addressable lock object for one project in the
// ledger's lock namespace. At most one currently valid record exists per
// project at any ledger version; that invariant is enforced by the
// compare-and-swap protocol, not by local locking.
type LockRecord struct {
	// ProjectID identifies the locked project within the ledger.
	ProjectID string `json:"project_id"`

	// LockID is an opaque token regenerated on every successful acquire.
	// Renewals keep the same LockID; a different LockID means a different
	// editing session won the lock.
	LockID string `json:"lock_id"`

	// Holder is the acquiring identity, formatted "user@host".
	Holder string `json:"holder"`

	// MachineID distinguishes the same user on different machines.
	MachineID string `json:"machine_id"`

	// AcquiredAt is when the lock was first taken.
	AcquiredAt time.Time `json:"acquired_at"`

	// HeartbeatAt is the last successful renewal time.
	HeartbeatAt time.Time `json:"heartbeat_at"`

	// ExpiresAt is when the lock becomes reclaimable by any acquirer,
	// with no explicit release required.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lock's TTL has passed at the given time.
// Expiry is the sole automatic reclaim trigger.
func (r LockRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Stale reports whether the holder has missed heartbeats beyond the
// staleness threshold. A stale lock is still valid; staleness is advisory
// information surfaced to other users, never a mutation trigger.
func (r LockRecord) Stale(now time.Time, threshold time.Duration) bool {
	return r.HeartbeatAt.Before(now.Add(-threshold))
}

// Remaining returns the time until expiry, or zero if already expired.
func (r LockRecord) Remaining(now time.Time) time.Duration {
	d := r.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ExpiringSoon reports whether the lock expires within the threshold.
func (r LockRecord) ExpiringSoon(now time.Time, threshold time.Duration) bool {
	return r.Remaining(now) < threshold
}

// HeldBy reports whether the record belongs to the given holder and machine.
func (r LockRecord) HeldBy(holder, machineID string) bool {
	return r.Holder == holder && r.MachineID == machineID
}

// LockStatus is the caller-facing view of a project's lock state, as
// returned by the coordinator's Status operation.
type LockStatus struct {
	Record LockRecord

	// Expired and Stale are evaluated against the coordinator's clock at
	// status time.
	Expired bool
	Stale   bool

	// Remaining is the time left until ExpiresAt, zero if expired.
	Remaining time.Duration
}
