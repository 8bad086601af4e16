package claimstore

import (
	"context"
	"sync"
	"time"

	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
)

// MemoryBackend keeps records in process memory. Suitable for a single
// replica and for tests.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]Versioned
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]Versioned)}
}

// Load implements Backend.
func (m *MemoryBackend) Load(_ context.Context, key string) (Versioned, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.records[key]
	return v, ok, nil
}

// CompareAndSwap implements Backend.
func (m *MemoryBackend) CompareAndSwap(_ context.Context, expected int64, rec domain.DeploymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[rec.Key].Version != expected {
		return ErrConflict
	}
	m.records[rec.Key] = Versioned{Record: rec, Version: expected + 1}
	return nil
}

// Purge implements Backend.
func (m *MemoryBackend) Purge(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, v := range m.records {
		if v.Record.Status.Terminal() && v.Record.UpdatedAt.Before(before) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

// Ping implements Backend.
func (m *MemoryBackend) Ping(context.Context) error { return nil }

// Close implements Backend.
func (m *MemoryBackend) Close() error { return nil }
