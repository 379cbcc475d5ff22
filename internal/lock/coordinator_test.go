package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/studiolock/studiolock/internal/clock"
	"github.com/studiolock/studiolock/internal/domain"
	"github.com/studiolock/studiolock/internal/ledgertest"
	"github.com/studiolock/studiolock/internal/ports"
	"github.com/studiolock/studiolock/internal/resilience"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...ports.Field) {}
func (nopLogger) Info(string, ...ports.Field)  {}
func (nopLogger) Warn(string, ...ports.Field)  {}
func (nopLogger) Error(string, ...ports.Field) {}

type captureSink struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (s *captureSink) Record(_ context.Context, entry domain.AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *captureSink) all() []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEntry(nil), s.entries...)
}

// memQueue is a minimal in-memory QueueStore for coordinator tests.
type memQueue struct {
	mu      sync.Mutex
	entries []domain.QueueEntry
}

func (m *memQueue) Enqueue(_ context.Context, entry domain.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memQueue) Pending(_ context.Context) ([]domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.QueueEntry(nil), m.entries...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].OpID < out[j].OpID
	})
	return out, nil
}

func (m *memQueue) Update(_ context.Context, entry domain.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].OpID == entry.OpID {
			m.entries[i] = entry
			return nil
		}
	}
	return errors.New("no such entry")
}

func (m *memQueue) Remove(_ context.Context, opID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].OpID == opID {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memQueue) Stats(_ context.Context, now time.Time) (domain.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := domain.QueueStats{ByProject: make(map[string]int)}
	for _, e := range m.entries {
		stats.Pending++
		stats.ByProject[e.ProjectID]++
		if wait := now.Sub(e.CreatedAt); wait > stats.OldestWait {
			stats.OldestWait = wait
		}
	}
	return stats, nil
}

// fastPolicy exhausts on the first transient failure so tests never wait
// on backoff timers.
func fastPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

type fixture struct {
	clk   *clock.Manual
	coord *Coordinator
	store *memQueue
	audit *captureSink
}

func newFixture(client *ledgertest.Client, clk *clock.Manual, holder, machine string) *fixture {
	store := &memQueue{}
	audit := &captureSink{}
	queue := resilience.NewQueue(store, clk, fastPolicy(), nopLogger{})
	exec := resilience.NewExecutor(fastPolicy(), clk, nil, nopLogger{})
	coord := NewCoordinator(client, exec, queue, clk, nopLogger{}, audit,
		Identity{Holder: holder, MachineID: machine}, Config{})
	return &fixture{clk: clk, coord: coord, store: store, audit: audit}
}

func TestAcquireAbsentLock(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	f := newFixture(hub.Client(), clk, "alice@studio-a", "studio-a")
	ctx := context.Background()

	handle, err := f.coord.Acquire(ctx, "proj-1", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if handle.LockID == "" {
		t.Fatal("expected non-empty lock id")
	}
	if want := clk.Now().Add(DefaultTTL); !handle.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", handle.ExpiresAt, want)
	}

	status, err := f.coord.Status(ctx, "proj-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status == nil || status.Record.Holder != "alice@studio-a" {
		t.Fatalf("status = %+v, want held by alice@studio-a", status)
	}
	if status.Expired || status.Stale {
		t.Fatalf("fresh lock reported expired=%v stale=%v", status.Expired, status.Stale)
	}
}

func TestAcquireHeldByOtherFails(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	alice := newFixture(hub.Client(), clk, "alice@studio-a", "studio-a")
	bob := newFixture(hub.Client(), clk, "bob@studio-b", "studio-b")
	ctx := context.Background()

	if _, err := alice.coord.Acquire(ctx, "proj-1", 0); err != nil {
		t.Fatalf("alice acquire: %v", err)
	}

	_, err := bob.coord.Acquire(ctx, "proj-1", 0)
	locked, ok := domain.AsAlreadyLocked(err)
	if !ok {
		t.Fatalf("bob acquire error = %v, want AlreadyLockedError", err)
	}
	if locked.Holder != "alice@studio-a" {
		t.Fatalf("competing holder = %q, want alice@studio-a", locked.Holder)
	}
}

func TestAcquireReentrantSameSession(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	f := newFixture(hub.Client(), clk, "alice@studio-a", "studio-a")
	ctx := context.Background()

	first, err := f.coord.Acquire(ctx, "proj-1", 0)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	second, err := f.coord.Acquire(ctx, "proj-1", 0)
	if err != nil {
		t.Fatalf("reacquire by same session: %v", err)
	}
	if second.LockID == first.LockID {
		t.Fatal("reacquire should mint a fresh lock id")
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	const contenders = 8
	var wg sync.WaitGroup
	handles := make([]*Handle, contenders)
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		f := newFixture(hub.Client(), clk, "user@machine-"+string(rune('a'+i)), "machine-"+string(rune('a'+i)))
		wg.Add(1)
		go func(i int, f *fixture) {
			defer wg.Done()
			handles[i], errs[i] = f.coord.Acquire(ctx, "proj-1", 0)
		}(i, f)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < contenders; i++ {
		if handles[i] != nil {
			winners++
			continue
		}
		if _, ok := domain.AsAlreadyLocked(errs[i]); !ok && !errors.Is(errs[i], domain.ErrContention) {
			t.Fatalf("loser %d got unexpected error: %v", i, errs[i])
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func TestAcquireReclaimsExpiredLock(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	alice := newFixture(hub.Client(), clk, "alice@studio-a", "studio-a")
	bob := newFixture(hub.Client(), clk, "bob@studio-b", "studio-b")
	ctx := context.Background()

	if _, err := alice.coord.Acquire(ctx, "proj-1", time.Hour); err != nil {
		t.Fatalf("alice acquire: %v", err)
	}
	clk.Advance(2 * time.Hour)

	handle, err := bob.coord.Acquire(ctx, "proj-1", 0)
	if err != nil {
		t.Fatalf("bob acquire over expired lock: %v", err)
	}
	if handle.Holder != "bob@studio-b" {
		t.Fatalf("holder = %q, want bob@studio-b", handle.Holder)
	}
}

func TestStaleLockIsAdvisoryOnly(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	alice := newFixture(hub.Client(), clk, "alice@studio-a", "studio-a")
	bob := newFixture(hub.Client(), clk, "bob@studio-b", "studio-b")
	ctx := context.Background()

	if _, err := alice.coord.Acquire(ctx, "proj-1", 0); err != nil {
		t.Fatalf("alice acquire: %v", err)
	}

	// Two hours with no heartbeat: stale, but the 8h TTL has not lapsed.
	clk.Advance(2 * time.Hour)

	status, err := bob.coord.Status(ctx, "proj-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Stale || status.Expired {
		t.Fatalf("status stale=%v expired=%v, want stale only", status.Stale, status.Expired)
	}

	if _, err := bob.coord.Acquire(ctx, "proj-1", 0); err == nil {
		t.Fatal("stale but unexpired lock must not be reclaimable")
	}
}

func TestRenewExtendsExpiry(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	f := newFixture(hub.Client(), clk, "alice@studio-a", "studio-a")
	ctx := context.Background()

	handle, err := f.coord.Acquire(ctx, "proj-1", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Advance(15 * time.Minute)

	renewed, err := f.coord.Renew(ctx, handle)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if want := clk.Now().Add(DefaultTTL); !renewed.ExpiresAt.Equal(want) {
		t.Fatalf("renewed expires_at = %v, want %v", renewed.ExpiresAt, want)
	}
	if renewed.LockID != handle.LockID {
		t.Fatal("renew must keep the lock id")
	}
}

func TestRenewSupersededLockID(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	alice := newFixture(hub.Client(), clk, "alice@studio-a", "studio-a")
	bob := newFixture(hub.Client(), clk, "bob@studio-b", "studio-b")
	ctx := context.Background()

	handle, err := alice.coord.Acquire(ctx, "proj-1", 0)
	if err != nil {
		t.Fatalf("alice acquire: %v", err)
	}
	if err := bob.coord.ForceBreak(ctx, "proj-1", "bob@studio-b"); err != nil {
		t.Fatalf("force break: %v", err)
	}
	if _, err := bob.coord.Acquire(ctx, "proj-1", 0); err != nil {
		t.Fatalf("bob acquire after break: %v", err)
	}

	if _, err := alice.coord.Renew(ctx, handle); !errors.Is(err, domain.ErrNotHeld) {
		t.Fatalf("renew with superseded lock id = %v, want ErrNotHeld", err)
	}
}

func TestRenewExpiredLock(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	f := newFixture(hub.Client(), clk, "alice@studio-a", "studio-a")
	ctx := context.Background()

	handle, err := f.coord.Acquire(ctx, "proj-1", time.Hour)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Advance(90 * time.Minute)

	if _, err := f.coord.Renew(ctx, handle); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("renew after expiry = %v, want ErrExpired", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	f := newFixture(hub.Client(), clk, "alice@studio-a", "studio-a")
	ctx := context.Background()

	handle, err := f.coord.Acquire(ctx, "proj-1", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := f.coord.Release(ctx, handle); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := f.coord.Release(ctx, handle); !errors.Is(err, domain.ErrNotHeld) {
		t.Fatalf("second release = %v, want ErrNotHeld", err)
	}

	status, err := f.coord.Status(ctx, "proj-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != nil {
		t.Fatalf("status after release = %+v, want nil", status)
	}
}

func TestReleaseFreesLockForNextHolder(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	alice := newFixture(hub.Client(), clk, "alice@studio-a", "studio-a")
	bob := newFixture(hub.Client(), clk, "bob@studio-b", "studio-b")
	ctx := context.Background()

	handle, err := alice.coord.Acquire(ctx, "proj-1", 0)
	if err != nil {
		t.Fatalf("alice acquire: %v", err)
	}
	if _, err := bob.coord.Acquire(ctx, "proj-1", 0); !errors.Is(err, domain.ErrAlreadyLocked) {
		t.Fatalf("bob acquire while held = %v, want ErrAlreadyLocked", err)
	}

	if err := alice.coord.Release(ctx, handle); err != nil {
		t.Fatalf("alice release: %v", err)
	}

	bobHandle, err := bob.coord.Acquire(ctx, "proj-1", 0)
	if err != nil {
		t.Fatalf("bob acquire after release: %v", err)
	}
	if bobHandle.Holder != "bob@studio-b" {
		t.Fatalf("new holder = %q, want bob@studio-b", bobHandle.Holder)
	}
	if bobHandle.LockID == handle.LockID {
		t.Fatal("new session reused the released lock id")
	}

	status, err := alice.coord.Status(ctx, "proj-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status == nil || status.Record.Holder != "bob@studio-b" {
		t.Fatalf("status after handoff = %+v, want bob's lock", status)
	}
}

func TestForceBreakAuditsSupersededHolder(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	alice := newFixture(hub.Client(), clk, "alice@studio-a", "studio-a")
	bob := newFixture(hub.Client(), clk, "bob@studio-b", "studio-b")
	ctx := context.Background()

	if _, err := alice.coord.Acquire(ctx, "proj-1", 0); err != nil {
		t.Fatalf("alice acquire: %v", err)
	}
	if err := bob.coord.ForceBreak(ctx, "proj-1", "bob@studio-b"); err != nil {
		t.Fatalf("force break: %v", err)
	}

	var found bool
	for _, e := range bob.audit.all() {
		if e.Operation == domain.OpTypeLockBreak && e.Result == domain.ResultSuccess {
			found = true
			if e.Detail == "" || e.Detail == "by bob@studio-b, superseded none" {
				t.Fatalf("break audit detail %q does not name the superseded holder", e.Detail)
			}
		}
	}
	if !found {
		t.Fatal("force break left no audit entry")
	}
}

func TestAcquireOfflineDefersToQueue(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	client := hub.Client()
	f := newFixture(client, clk, "alice@studio-a", "studio-a")
	ctx := context.Background()

	client.FailPull(errors.New("dial tcp: connection refused"))

	_, err := f.coord.Acquire(ctx, "proj-1", 0)
	if !domain.IsQueued(err) {
		t.Fatalf("offline acquire = %v, want queued error", err)
	}

	pending, err := f.store.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Kind != domain.OpLockAcquire {
		t.Fatalf("queue = %+v, want one lock_acquire entry", pending)
	}
}

func TestForceBreakFailsOffline(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	client := hub.Client()
	f := newFixture(client, clk, "alice@studio-a", "studio-a")
	ctx := context.Background()

	client.FailPull(errors.New("dial tcp: connection refused"))

	err := f.coord.ForceBreak(ctx, "proj-1", "alice@studio-a")
	if err == nil {
		t.Fatal("force break must fail when the ledger is unreachable")
	}
	if domain.IsQueued(err) {
		t.Fatal("force break must never be queued")
	}
	pending, _ := f.store.Pending(ctx)
	if len(pending) != 0 {
		t.Fatalf("queue = %+v, want empty", pending)
	}
}

func TestAcquireContentionAfterRepeatedRaces(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	client := hub.Client()
	f := newFixture(client, clk, "alice@studio-a", "studio-a")
	ctx := context.Background()

	// Every push loses the race.
	client.FailPush(domain.ErrNonFastForward, domain.ErrNonFastForward, domain.ErrNonFastForward)

	_, err := f.coord.Acquire(ctx, "proj-1", 0)
	if !errors.Is(err, domain.ErrContention) {
		t.Fatalf("acquire after repeated lost races = %v, want ErrContention", err)
	}
}
