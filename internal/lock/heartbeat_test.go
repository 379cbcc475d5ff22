package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/studiolock/studiolock/internal/clock"
	"github.com/studiolock/studiolock/internal/domain"
	"github.com/studiolock/studiolock/internal/ledgertest"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitForTimers(t *testing.T, clk *clock.Manual, n int) {
	t.Helper()
	waitUntil(t, func() bool { return clk.Pending() >= n })
}

func TestHeartbeatRenewsEachInterval(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	f := newFixture(hub.Client(), clk, "alice@studio-a", "studio-a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := f.coord.Acquire(ctx, "proj-1", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	hb := NewHeartbeat(f.coord, clk, nopLogger{}, handle)
	done := make(chan error, 1)
	go func() { done <- hb.Run(ctx) }()

	waitForTimers(t, clk, 1)
	clk.Advance(DefaultHeartbeatInterval)

	waitUntil(t, func() bool {
		return hb.Handle().ExpiresAt.After(handle.ExpiresAt)
	})
	if want := clk.Now().Add(DefaultTTL); !hb.Handle().ExpiresAt.Equal(want) {
		t.Fatalf("renewed expires_at = %v, want %v", hb.Handle().ExpiresAt, want)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v, want context.Canceled", err)
	}
}

func TestHeartbeatStopsWhenLockLost(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	alice := newFixture(hub.Client(), clk, "alice@studio-a", "studio-a")
	bob := newFixture(hub.Client(), clk, "bob@studio-b", "studio-b")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := alice.coord.Acquire(ctx, "proj-1", 0)
	if err != nil {
		t.Fatalf("alice acquire: %v", err)
	}
	if err := bob.coord.ForceBreak(ctx, "proj-1", "bob@studio-b"); err != nil {
		t.Fatalf("force break: %v", err)
	}
	if _, err := bob.coord.Acquire(ctx, "proj-1", 0); err != nil {
		t.Fatalf("bob acquire: %v", err)
	}

	hb := NewHeartbeat(alice.coord, clk, nopLogger{}, handle)
	done := make(chan error, 1)
	go func() { done <- hb.Run(ctx) }()

	waitForTimers(t, clk, 1)
	clk.Advance(DefaultHeartbeatInterval)

	if err := <-done; !errors.Is(err, domain.ErrNotHeld) {
		t.Fatalf("run returned %v, want ErrNotHeld", err)
	}
}

func TestHeartbeatRecoversAfterOutage(t *testing.T) {
	hub := ledgertest.NewHub()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	client := hub.Client()
	f := newFixture(client, clk, "alice@studio-a", "studio-a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := f.coord.Acquire(ctx, "proj-1", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// The next renewal hits an outage; the one after succeeds.
	client.FailPull(errors.New("dial tcp: connection refused"))

	hb := NewHeartbeat(f.coord, clk, nopLogger{}, handle)
	done := make(chan error, 1)
	go func() { done <- hb.Run(ctx) }()

	waitForTimers(t, clk, 1)
	clk.Advance(DefaultHeartbeatInterval)

	// Failed renewal goes to the durable queue; the runner keeps going.
	waitUntil(t, func() bool {
		pending, perr := f.store.Pending(ctx)
		return perr == nil && len(pending) == 1
	})
	if hb.Handle().ExpiresAt.After(handle.ExpiresAt) {
		t.Fatal("expiry must not move during the outage")
	}

	waitForTimers(t, clk, 1)
	clk.Advance(DefaultHeartbeatInterval)

	waitUntil(t, func() bool {
		return hb.Handle().ExpiresAt.After(handle.ExpiresAt)
	})
	if want := clk.Now().Add(DefaultTTL); !hb.Handle().ExpiresAt.Equal(want) {
		t.Fatalf("recovered expires_at = %v, want %v", hb.Handle().ExpiresAt, want)
	}

	cancel()
	<-done
}
