package app

import (
	"context"
	"testing"
	"time"

	"github.com/nathantilsley/preview-dispatch/internal/preview/claimstore"
	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
	"github.com/nathantilsley/preview-dispatch/internal/preview/ports"
)

func TestJanitorSweep(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store := claimstore.New(claimstore.NewMemoryBackend(), "test", claimstore.WithClock(func() time.Time { return clock }))

	for _, k := range []string{"a", "b"} {
		if _, err := store.Claim(ctx, k, ports.ClaimAttrs{}); err != nil {
			t.Fatalf("Claim: %v", err)
		}
	}
	if err := store.Update(ctx, "a", domain.StatusDeployed, ports.UpdateOptions{}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	j := NewJanitor(store, 24*time.Hour, time.Hour, quietLogger())
	j.now = func() time.Time { return clock.Add(48 * time.Hour) }

	n, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, found, _ := store.Get(ctx, "b"); !found {
		t.Error("claimed record should survive the sweep")
	}
}

func TestJanitorDisabled(t *testing.T) {
	j := NewJanitor(brokenStore{}, 0, time.Hour, quietLogger())
	done := make(chan error, 1)
	go func() { done <- j.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("disabled janitor should return immediately")
	}
}

func TestJanitorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	j := NewJanitor(brokenStore{}, time.Hour, 5*time.Millisecond, quietLogger())

	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
