package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/nathantilsley/preview-dispatch/internal/preview/claimstore"
	"github.com/nathantilsley/preview-dispatch/internal/preview/claimstore/storetest"
	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
	"github.com/nathantilsley/preview-dispatch/internal/preview/ports"
)

func newBackend(t *testing.T, retention time.Duration) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := Dial(context.Background(), mr.Addr(), "", 0, retention)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return b, mr
}

func TestBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) claimstore.Backend {
		b, _ := newBackend(t, time.Hour)
		return b
	}, storetest.Options{PurgeByTTL: true})
}

func TestTerminalRecordsExpire(t *testing.T) {
	ctx := context.Background()
	b, mr := newBackend(t, time.Hour)
	s := claimstore.New(b, "worker-1")

	if _, err := s.Claim(ctx, "live", ports.ClaimAttrs{}); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := s.Claim(ctx, "done", ports.ClaimAttrs{}); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.Update(ctx, "done", domain.StatusDeployed, ports.UpdateOptions{}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if ttl := mr.TTL(defaultPrefix + "live"); ttl != 0 {
		t.Errorf("claimed record TTL = %v, want none", ttl)
	}
	if ttl := mr.TTL(defaultPrefix + "done"); ttl != time.Hour {
		t.Errorf("deployed record TTL = %v, want 1h", ttl)
	}

	mr.FastForward(2 * time.Hour)

	if _, found, _ := s.Get(ctx, "done"); found {
		t.Error("deployed record should have expired")
	}
	if _, found, _ := s.Get(ctx, "live"); !found {
		t.Error("claimed record should not expire")
	}
}

func TestConcurrentModificationIsConflict(t *testing.T) {
	ctx := context.Background()
	b, _ := newBackend(t, 0)

	rec := domain.DeploymentRecord{Key: "k", Status: domain.StatusClaimed}
	if err := b.CompareAndSwap(ctx, 0, rec); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := b.CompareAndSwap(ctx, 0, rec); err != claimstore.ErrConflict {
		t.Fatalf("stale write = %v, want ErrConflict", err)
	}

	client := redis.NewClient(&redis.Options{Addr: b.client.Options().Addr})
	defer client.Close()
	if err := client.Del(ctx, defaultPrefix+"k").Err(); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := b.CompareAndSwap(ctx, 1, rec); err != claimstore.ErrConflict {
		t.Fatalf("write against deleted key = %v, want ErrConflict", err)
	}
}
