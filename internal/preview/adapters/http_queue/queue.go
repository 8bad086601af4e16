// Package httpqueue delivers deployment tasks to the deployer over HTTP.
package httpqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nathantilsley/preview-dispatch/internal/platform/retry"
	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
	"github.com/nathantilsley/preview-dispatch/internal/preview/ports"
)

// DeployPath is appended to the deployer base URL.
const DeployPath = "/tasks/deploy"

// Queue POSTs each task to the deployer. Every attempt carries the same
// X-Task-ID so the deployer can drop redeliveries.
type Queue struct {
	endpoint string
	token    string
	client   *http.Client
	policy   retry.Policy
	log      *slog.Logger
}

var _ ports.TaskQueue = (*Queue)(nil)

// New creates a Queue for the deployer at baseURL.
func New(baseURL, token string, policy retry.Policy, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		endpoint: strings.TrimRight(baseURL, "/") + DeployPath,
		token:    token,
		client:   &http.Client{},
		policy:   policy,
		log:      log,
	}
}

// Enqueue implements ports.TaskQueue.
func (q *Queue) Enqueue(ctx context.Context, task domain.DeploymentTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	taskID := uuid.NewString()

	err = retry.Do(ctx, q.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.endpoint, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Task-ID", taskID)
		req.Header.Set("X-Idempotency-Key", task.IdempotencyKey)
		if q.token != "" {
			req.Header.Set("Authorization", "Bearer "+q.token)
		}

		resp, err := q.client.Do(req)
		if err != nil {
			q.log.Warn("deployer request failed", "task_id", taskID, "idempotency_key", task.IdempotencyKey, "error", err)
			return err
		}
		defer resp.Body.Close()
		//nolint:errcheck // Drain for connection reuse
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("deployer returned %s", resp.Status)
		default:
			return retry.Permanent(fmt.Errorf("deployer rejected task: %s", resp.Status))
		}
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.IdempotencyKey, err)
	}

	q.log.Info("deployment task queued", "task_id", taskID, "idempotency_key", task.IdempotencyKey)
	return nil
}
