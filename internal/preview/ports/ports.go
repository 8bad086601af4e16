// Package ports declares the collaborators the dispatcher depends on.
package ports

import (
	"context"
	"time"

	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
)

// InstallationLookup queries the GitHub Apps API with App credentials.
// Implementations return a domain.NotFoundError when the account has no
// installation.
type InstallationLookup interface {
	UserInstallation(ctx context.Context, login string) (int64, error)
	OrgInstallation(ctx context.Context, org string) (int64, error)
	ListInstallations(ctx context.Context) ([]domain.Installation, error)
}

// TokenExchanger trades App credentials for an installation access token.
type TokenExchanger interface {
	InstallationToken(ctx context.Context, installationID int64) (domain.InstallationToken, error)
}

// PullRequestPort reads pull request metadata.
type PullRequestPort interface {
	PullRequest(ctx context.Context, token, owner, repo string, number int) (domain.PRContext, error)
}

// CommentPort posts comments on a pull request conversation.
type CommentPort interface {
	PostComment(ctx context.Context, token, owner, repo string, number int, body string) error
}

// TaskQueue hands a deployment task to the deployer, at least once.
type TaskQueue interface {
	Enqueue(ctx context.Context, task domain.DeploymentTask) error
}

// ClaimAttrs are the fields recorded when a key is first claimed.
type ClaimAttrs struct {
	Repo           string
	PRNumber       int
	CommitSHA      string
	InstallationID int64
	CommentID      int64
}

// UpdateOptions are optional fields set alongside a status change.
type UpdateOptions struct {
	PreviewURL  string
	ReleaseName string
	Namespace   string
}

// ClaimStore is the deployment state machine keyed by idempotency key.
type ClaimStore interface {
	Claim(ctx context.Context, key string, attrs ClaimAttrs) (bool, error)
	Update(ctx context.Context, key string, status domain.Status, opts UpdateOptions) error
	Release(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (domain.DeploymentRecord, bool, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}
