// Package redisstore is a claimstore.Backend on Redis using WATCH/MULTI for
// the conditional write.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/nathantilsley/preview-dispatch/internal/preview/claimstore"
	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
)

const defaultPrefix = "preview:deployments:"

// Backend implements claimstore.Backend. Terminal records are written with
// a TTL equal to the retention period, so Purge has nothing to do.
type Backend struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

var _ claimstore.Backend = (*Backend)(nil)

type envelope struct {
	Record  domain.DeploymentRecord `json:"record"`
	Version int64                   `json:"version"`
}

// New wraps an existing client. A zero retention keeps terminal records
// forever.
func New(client *redis.Client, retention time.Duration) *Backend {
	return &Backend{client: client, prefix: defaultPrefix, retention: retention}
}

// Dial connects to addr and pings it before returning.
func Dial(ctx context.Context, addr, password string, db int, retention time.Duration) (*Backend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, retention), nil
}

func (b *Backend) key(k string) string { return b.prefix + k }

func decode(raw []byte) (claimstore.Versioned, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return claimstore.Versioned{}, fmt.Errorf("decode deployment: %w", err)
	}
	return claimstore.Versioned{Record: env.Record, Version: env.Version}, nil
}

// Load implements claimstore.Backend.
func (b *Backend) Load(ctx context.Context, key string) (claimstore.Versioned, bool, error) {
	raw, err := b.client.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return claimstore.Versioned{}, false, nil
	}
	if err != nil {
		return claimstore.Versioned{}, false, fmt.Errorf("get deployment: %w", err)
	}
	v, err := decode(raw)
	if err != nil {
		return claimstore.Versioned{}, false, err
	}
	return v, true, nil
}

// CompareAndSwap implements claimstore.Backend.
func (b *Backend) CompareAndSwap(ctx context.Context, expected int64, rec domain.DeploymentRecord) error {
	k := b.key(rec.Key)
	data, err := json.Marshal(envelope{Record: rec, Version: expected + 1})
	if err != nil {
		return fmt.Errorf("encode deployment: %w", err)
	}

	var ttl time.Duration
	if rec.Status.Terminal() {
		ttl = b.retention
	}

	err = b.client.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		raw, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			v, err := decode(raw)
			if err != nil {
				return err
			}
			current = v.Version
		}
		if current != expected {
			return claimstore.ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, ttl)
			return nil
		})
		return err
	}, k)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, claimstore.ErrConflict), errors.Is(err, redis.TxFailedErr):
		return claimstore.ErrConflict
	default:
		return fmt.Errorf("write deployment: %w", err)
	}
}

// Purge implements claimstore.Backend. Expiry is handled by key TTLs.
func (b *Backend) Purge(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// Ping implements claimstore.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close implements claimstore.Backend.
func (b *Backend) Close() error {
	return b.client.Close()
}
