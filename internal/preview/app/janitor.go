package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/nathantilsley/preview-dispatch/internal/preview/ports"
)

// Janitor periodically purges deployed and failed records older than the
// retention period.
type Janitor struct {
	store     ports.ClaimStore
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// NewJanitor creates a Janitor. A zero retention or interval disables it.
func NewJanitor(store ports.ClaimStore, retention, interval time.Duration, log *slog.Logger) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{store: store, retention: retention, interval: interval, now: time.Now, log: log}
}

// Run sweeps on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	if j.retention <= 0 || j.interval <= 0 {
		j.log.Info("retention sweeper disabled")
		return nil
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.log.Warn("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one purge pass.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retention)
	n, err := j.store.Purge(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.log.Info("purged expired deployment records", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
