package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/studiolock/studiolock/internal/clock"
	"github.com/studiolock/studiolock/internal/domain"
)

// memStore is an in-memory QueueStore for drainer tests.
type memStore struct {
	mu      sync.Mutex
	entries map[string]domain.QueueEntry
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]domain.QueueEntry)}
}

func (s *memStore) Enqueue(_ context.Context, e domain.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.OpID] = e
	return nil
}

func (s *memStore) Pending(context.Context) ([]domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.QueueEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
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

func (s *memStore) Update(_ context.Context, e domain.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.OpID]; !ok {
		return errors.New("no such entry")
	}
	s.entries[e.OpID] = e
	return nil
}

func (s *memStore) Remove(_ context.Context, opID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, opID)
	return nil
}

func (s *memStore) Stats(_ context.Context, now time.Time) (domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := domain.QueueStats{ByProject: make(map[string]int)}
	for _, e := range s.entries {
		stats.Pending++
		stats.ByProject[e.ProjectID]++
		if wait := now.Sub(e.CreatedAt); wait > stats.OldestWait {
			stats.OldestWait = wait
		}
	}
	return stats, nil
}

func entry(op, project string, created time.Time) domain.QueueEntry {
	return domain.QueueEntry{
		OpID:      op,
		ProjectID: project,
		Kind:      domain.OpPush,
		CreatedAt: created,
	}
}

func TestDrainFIFOPerProject(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newMemStore()
	d := NewDrainer(store, clk, DefaultRetryPolicy(), noopLogger{}, nil, time.Minute, nil)

	t0 := clk.Now()
	ctx := context.Background()
	_ = store.Enqueue(ctx, entry("op1", "alpha", t0))
	_ = store.Enqueue(ctx, entry("op2", "alpha", t0.Add(time.Second)))
	_ = store.Enqueue(ctx, entry("op3", "beta", t0.Add(2*time.Second)))

	var mu sync.Mutex
	var order []string
	d.Register(domain.OpPush, func(_ context.Context, e domain.QueueEntry) error {
		mu.Lock()
		order = append(order, e.OpID)
		mu.Unlock()
		return nil
	})

	d.DrainOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("drained %d entries, want 3: %v", len(order), order)
	}
	if order[0] != "op1" || order[1] != "op2" {
		t.Errorf("alpha order = %v, want op1 before op2", order)
	}
	if left, _ := store.Pending(ctx); len(left) != 0 {
		t.Errorf("pending after drain = %d, want 0", len(left))
	}
}

func TestDrainFailureBlocksProjectNotOthers(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newMemStore()
	d := NewDrainer(store, clk, DefaultRetryPolicy(), noopLogger{}, nil, time.Minute, nil)

	t0 := clk.Now()
	ctx := context.Background()
	_ = store.Enqueue(ctx, entry("op1", "alpha", t0))
	_ = store.Enqueue(ctx, entry("op2", "alpha", t0.Add(time.Second)))
	_ = store.Enqueue(ctx, entry("op3", "beta", t0.Add(2*time.Second)))

	var mu sync.Mutex
	var seen []string
	d.Register(domain.OpPush, func(_ context.Context, e domain.QueueEntry) error {
		mu.Lock()
		seen = append(seen, e.OpID)
		mu.Unlock()
		if e.OpID == "op1" {
			return errors.New("connection refused")
		}
		return nil
	})

	d.DrainOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	// op2 must not run while op1 is still queued; op3 (other project)
	// drains independently.
	if len(seen) != 2 || seen[0] != "op1" || seen[1] != "op3" {
		t.Fatalf("seen = %v, want [op1 op3]", seen)
	}

	left, _ := store.Pending(ctx)
	if len(left) != 2 {
		t.Fatalf("pending = %d, want op1 and op2 retained", len(left))
	}
	if left[0].OpID != "op1" || left[0].AttemptCount != 1 || left[0].LastError == "" {
		t.Errorf("op1 bookkeeping not updated: %+v", left[0])
	}
}

func TestDrainRespectsEntryBackoff(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newMemStore()
	d := NewDrainer(store, clk, DefaultRetryPolicy(), noopLogger{}, nil, time.Minute, nil)

	ctx := context.Background()
	e := entry("op1", "alpha", clk.Now())
	e.NextRetryAt = clk.Now().Add(10 * time.Second)
	_ = store.Enqueue(ctx, e)

	calls := 0
	d.Register(domain.OpPush, func(context.Context, domain.QueueEntry) error {
		calls++
		return nil
	})

	d.DrainOnce(ctx)
	if calls != 0 {
		t.Fatal("entry drained before its backoff elapsed")
	}

	clk.Advance(10 * time.Second)
	d.DrainOnce(ctx)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 after backoff", calls)
	}
}
