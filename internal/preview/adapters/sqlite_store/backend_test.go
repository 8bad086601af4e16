package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nathantilsley/preview-dispatch/internal/preview/claimstore"
	"github.com/nathantilsley/preview-dispatch/internal/preview/claimstore/storetest"
)

func TestBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) claimstore.Backend {
		b, err := Open(context.Background(), filepath.Join(t.TempDir(), "deployments.db"))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return b
	}, storetest.Options{})
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployments.db")
	for i := 0; i < 2; i++ {
		b, err := Open(context.Background(), path)
		if err != nil {
			t.Fatalf("Open #%d: %v", i+1, err)
		}
		if err := b.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}
