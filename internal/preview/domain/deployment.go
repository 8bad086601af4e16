package domain

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a deployment record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusClaimed  Status = "claimed"
	StatusDeployed Status = "deployed"
	StatusFailed   Status = "failed"
)

// Terminal reports whether s is a final outcome reported by the deployer.
func (s Status) Terminal() bool {
	return s == StatusDeployed || s == StatusFailed
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusClaimed, StatusDeployed, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown deployment status %q", s)
}

// DeploymentRecord is the persisted state for one idempotency key.
type DeploymentRecord struct {
	Key            string    `json:"idempotency_key"`
	Status         Status    `json:"status"`
	Repo           string    `json:"repo"`
	PRNumber       int       `json:"pr_number"`
	CommitSHA      string    `json:"commit_sha"`
	InstallationID int64     `json:"installation_id"`
	CommentID      int64     `json:"comment_id"`
	PreviewURL     string    `json:"preview_url,omitempty"`
	ReleaseName    string    `json:"release_name,omitempty"`
	Namespace      string    `json:"namespace,omitempty"`
	ClaimedBy      string    `json:"claimed_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DeploymentTask is the message handed to the deployer.
type DeploymentTask struct {
	IdempotencyKey string `json:"idempotency_key"`
	Repo           string `json:"repo"`
	PRNumber       int    `json:"pr_number"`
	CommitSHA      string `json:"commit_sha"`
	InstallationID int64  `json:"installation_id"`
	CommentID      int64  `json:"comment_id"`
}
