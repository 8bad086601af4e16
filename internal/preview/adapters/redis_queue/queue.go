// Package redisqueue pushes deployment tasks onto a Redis list consumed by
// the deployer.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/nathantilsley/preview-dispatch/internal/platform/retry"
	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
	"github.com/nathantilsley/preview-dispatch/internal/preview/ports"
)

// DefaultKey is the list the deployer pops from.
const DefaultKey = "preview:deploy:tasks"

// Envelope wraps a task on the list.
type Envelope struct {
	ID         string                `json:"id"`
	EnqueuedAt time.Time             `json:"enqueued_at"`
	Task       domain.DeploymentTask `json:"task"`
}

// Queue implements ports.TaskQueue with LPUSH.
type Queue struct {
	client *redis.Client
	key    string
	policy retry.Policy
	log    *slog.Logger
}

var _ ports.TaskQueue = (*Queue)(nil)

// New creates a Queue pushing onto key (DefaultKey when empty).
func New(client *redis.Client, key string, policy retry.Policy, log *slog.Logger) *Queue {
	if key == "" {
		key = DefaultKey
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{client: client, key: key, policy: policy, log: log}
}

// Enqueue implements ports.TaskQueue.
func (q *Queue) Enqueue(ctx context.Context, task domain.DeploymentTask) error {
	env := Envelope{ID: uuid.NewString(), EnqueuedAt: time.Now().UTC(), Task: task}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}

	err = retry.Do(ctx, q.policy, func(ctx context.Context) error {
		return q.client.LPush(ctx, q.key, payload).Err()
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.IdempotencyKey, err)
	}

	q.log.Info("deployment task queued", "task_id", env.ID, "idempotency_key", task.IdempotencyKey, "queue", q.key)
	return nil
}
