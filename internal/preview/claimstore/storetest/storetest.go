// Package storetest holds a conformance suite shared by claimstore backends.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nathantilsley/preview-dispatch/internal/preview/claimstore"
	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
	"github.com/nathantilsley/preview-dispatch/internal/preview/ports"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) claimstore.Backend

var attrs = ports.ClaimAttrs{
	Repo:           "octo-org/web",
	PRNumber:       42,
	CommitSHA:      "abc123",
	InstallationID: 77,
	CommentID:      1001,
}

const key = "octo-org/web#42:abc123"

// Options adjusts the suite for backend-specific behaviour.
type Options struct {
	// PurgeByTTL marks backends that expire terminal records themselves and
	// treat Purge as a no-op.
	PurgeByTTL bool
}

// Run exercises the claim state machine against backends built by factory.
func Run(t *testing.T, factory Factory, opts Options) {
	t.Helper()

	newStore := func(t *testing.T, now func() time.Time) *claimstore.Store {
		b := factory(t)
		t.Cleanup(func() { _ = b.Close() })
		storeOpts := []claimstore.Option{claimstore.WithMaxAttempts(10)}
		if now != nil {
			storeOpts = append(storeOpts, claimstore.WithClock(now))
		}
		return claimstore.New(b, "worker-1", storeOpts...)
	}

	t.Run("first claim wins and records attributes", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, nil)

		ok, err := s.Claim(ctx, key, attrs)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if !ok {
			t.Fatal("expected first claim to succeed")
		}

		rec, found, err := s.Get(ctx, key)
		if err != nil || !found {
			t.Fatalf("Get: found=%v err=%v", found, err)
		}
		if rec.Status != domain.StatusClaimed {
			t.Errorf("status = %q, want claimed", rec.Status)
		}
		if rec.Repo != attrs.Repo || rec.PRNumber != attrs.PRNumber || rec.CommitSHA != attrs.CommitSHA {
			t.Errorf("record = %+v", rec)
		}
		if rec.InstallationID != attrs.InstallationID || rec.CommentID != attrs.CommentID {
			t.Errorf("ids = %d/%d", rec.InstallationID, rec.CommentID)
		}
		if rec.ClaimedBy != "worker-1" {
			t.Errorf("claimed_by = %q", rec.ClaimedBy)
		}
		if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
			t.Error("timestamps not set")
		}
	})

	t.Run("second claim is rejected", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, nil)

		if ok, err := s.Claim(ctx, key, attrs); err != nil || !ok {
			t.Fatalf("first claim: ok=%v err=%v", ok, err)
		}
		ok, err := s.Claim(ctx, key, attrs)
		if err != nil {
			t.Fatalf("second claim: %v", err)
		}
		if ok {
			t.Fatal("second claim should return false")
		}
	})

	t.Run("release then claim", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, nil)

		if _, err := s.Claim(ctx, key, attrs); err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if err := s.Release(ctx, key); err != nil {
			t.Fatalf("Release: %v", err)
		}
		rec, _, err := s.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec.Status != domain.StatusPending || rec.ClaimedBy != "" {
			t.Errorf("after release = %q claimed_by=%q", rec.Status, rec.ClaimedBy)
		}
		if err := s.Release(ctx, key); err != nil {
			t.Fatalf("releasing pending record should be a no-op: %v", err)
		}

		ok, err := s.Claim(ctx, key, attrs)
		if err != nil || !ok {
			t.Fatalf("reclaim: ok=%v err=%v", ok, err)
		}
	})

	t.Run("terminal states are not reclaimable", func(t *testing.T) {
		for _, status := range []domain.Status{domain.StatusDeployed, domain.StatusFailed} {
			t.Run(string(status), func(t *testing.T) {
				ctx := context.Background()
				s := newStore(t, nil)

				if _, err := s.Claim(ctx, key, attrs); err != nil {
					t.Fatalf("Claim: %v", err)
				}
				if err := s.Update(ctx, key, status, ports.UpdateOptions{}); err != nil {
					t.Fatalf("Update: %v", err)
				}
				ok, err := s.Claim(ctx, key, attrs)
				if err != nil {
					t.Fatalf("Claim: %v", err)
				}
				if ok {
					t.Fatalf("claim on %s record should return false", status)
				}
				if err := s.Release(ctx, key); !errors.Is(err, claimstore.ErrInvalidTransition) {
					t.Errorf("Release on %s = %v, want ErrInvalidTransition", status, err)
				}
			})
		}
	})

	t.Run("update rejects transitions out of order", func(t *testing.T) {
		tests := []struct {
			name string
			from domain.Status
			to   domain.Status
		}{
			{name: "deployed to pending", from: domain.StatusDeployed, to: domain.StatusPending},
			{name: "deployed to claimed", from: domain.StatusDeployed, to: domain.StatusClaimed},
			{name: "deployed to failed", from: domain.StatusDeployed, to: domain.StatusFailed},
			{name: "failed to deployed", from: domain.StatusFailed, to: domain.StatusDeployed},
			{name: "failed to pending", from: domain.StatusFailed, to: domain.StatusPending},
			{name: "claimed to pending", from: domain.StatusClaimed, to: domain.StatusPending},
			{name: "pending to claimed", from: domain.StatusPending, to: domain.StatusClaimed},
			{name: "pending to deployed", from: domain.StatusPending, to: domain.StatusDeployed},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				ctx := context.Background()
				s := newStore(t, nil)

				if _, err := s.Claim(ctx, key, attrs); err != nil {
					t.Fatalf("Claim: %v", err)
				}
				switch tt.from {
				case domain.StatusPending:
					if err := s.Release(ctx, key); err != nil {
						t.Fatalf("Release: %v", err)
					}
				case domain.StatusDeployed, domain.StatusFailed:
					if err := s.Update(ctx, key, tt.from, ports.UpdateOptions{}); err != nil {
						t.Fatalf("Update: %v", err)
					}
				}

				err := s.Update(ctx, key, tt.to, ports.UpdateOptions{PreviewURL: "https://stale.example.com"})
				if !errors.Is(err, claimstore.ErrInvalidTransition) {
					t.Fatalf("Update %s -> %s = %v, want ErrInvalidTransition", tt.from, tt.to, err)
				}

				rec, _, err := s.Get(ctx, key)
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				if rec.Status != tt.from || rec.PreviewURL != "" {
					t.Errorf("record changed to %q url=%q", rec.Status, rec.PreviewURL)
				}
				if tt.from.Terminal() {
					if ok, err := s.Claim(ctx, key, attrs); err != nil || ok {
						t.Errorf("Claim after rejected update = %v, %v; want false", ok, err)
					}
				}
			})
		}
	})

	t.Run("update preserves other fields", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, nil)

		if _, err := s.Claim(ctx, key, attrs); err != nil {
			t.Fatalf("Claim: %v", err)
		}
		err := s.Update(ctx, key, domain.StatusDeployed, ports.UpdateOptions{
			PreviewURL:  "https://pr-42.preview.example.com",
			ReleaseName: "web-pr-42",
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if err := s.Update(ctx, key, domain.StatusDeployed, ports.UpdateOptions{Namespace: "preview-42"}); err != nil {
			t.Fatalf("Update: %v", err)
		}

		rec, _, err := s.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec.Status != domain.StatusDeployed {
			t.Errorf("status = %q", rec.Status)
		}
		if rec.PreviewURL != "https://pr-42.preview.example.com" || rec.ReleaseName != "web-pr-42" || rec.Namespace != "preview-42" {
			t.Errorf("optional fields = %+v", rec)
		}
		if rec.CommitSHA != attrs.CommitSHA || rec.ClaimedBy != "worker-1" || rec.InstallationID != attrs.InstallationID {
			t.Errorf("unrelated fields changed: %+v", rec)
		}
	})

	t.Run("update and release missing key", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, nil)

		if err := s.Update(ctx, "missing", domain.StatusDeployed, ports.UpdateOptions{}); !errors.Is(err, claimstore.ErrNotFound) {
			t.Errorf("Update = %v, want ErrNotFound", err)
		}
		if err := s.Release(ctx, "missing"); !errors.Is(err, claimstore.ErrNotFound) {
			t.Errorf("Release = %v, want ErrNotFound", err)
		}
		if _, found, err := s.Get(ctx, "missing"); err != nil || found {
			t.Errorf("Get = found=%v err=%v", found, err)
		}
	})

	t.Run("concurrent claims yield one winner", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, nil)

		const workers = 20
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
			start   = make(chan struct{})
			errs    = make(chan error, workers)
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				ok, err := s.Claim(ctx, key, attrs)
				if err != nil {
					errs <- err
					return
				}
				if ok {
					winners.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Errorf("Claim: %v", err)
		}
		if got := winners.Load(); got != 1 {
			t.Fatalf("winners = %d, want 1", got)
		}
	})

	t.Run("purge removes old terminal records", func(t *testing.T) {
		if opts.PurgeByTTL {
			t.Skip("backend expires terminal records by TTL")
		}
		ctx := context.Background()
		clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		s := newStore(t, func() time.Time { return clock })

		for _, k := range []string{"old-deployed", "old-claimed"} {
			if _, err := s.Claim(ctx, k, attrs); err != nil {
				t.Fatalf("Claim %s: %v", k, err)
			}
		}
		if err := s.Update(ctx, "old-deployed", domain.StatusDeployed, ports.UpdateOptions{}); err != nil {
			t.Fatalf("Update: %v", err)
		}

		clock = clock.Add(48 * time.Hour)
		if _, err := s.Claim(ctx, "new-failed", attrs); err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if err := s.Update(ctx, "new-failed", domain.StatusFailed, ports.UpdateOptions{}); err != nil {
			t.Fatalf("Update: %v", err)
		}

		if _, err := s.Purge(ctx, clock.Add(-24*time.Hour)); err != nil {
			t.Fatalf("Purge: %v", err)
		}

		want := map[string]bool{"old-deployed": false, "old-claimed": true, "new-failed": true}
		for k, exists := range want {
			_, found, err := s.Get(ctx, k)
			if err != nil {
				t.Fatalf("Get %s: %v", k, err)
			}
			if found != exists {
				t.Errorf("%s found=%v, want %v", k, found, exists)
			}
		}
	})
}
