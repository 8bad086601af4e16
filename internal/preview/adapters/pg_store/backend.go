// Package pgstore is a claimstore.Backend on PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nathantilsley/preview-dispatch/internal/preview/claimstore"
	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
)

// Backend implements claimstore.Backend.
type Backend struct {
	pool *pgxpool.Pool
}

var _ claimstore.Backend = (*Backend)(nil)

// New constructs a Backend on an existing pool.
func New(pool *pgxpool.Pool) *Backend {
	return &Backend{pool: pool}
}

// Load implements claimstore.Backend.
func (b *Backend) Load(ctx context.Context, key string) (claimstore.Versioned, bool, error) {
	const query = `SELECT idempotency_key, status, repo, pr_number, commit_sha, installation_id, comment_id,
		preview_url, release_name, namespace, claimed_by, created_at, updated_at, version
		FROM deployments WHERE idempotency_key = $1`

	var (
		v      claimstore.Versioned
		status string
	)
	err := b.pool.QueryRow(ctx, query, key).Scan(
		&v.Record.Key, &status, &v.Record.Repo, &v.Record.PRNumber, &v.Record.CommitSHA,
		&v.Record.InstallationID, &v.Record.CommentID, &v.Record.PreviewURL, &v.Record.ReleaseName,
		&v.Record.Namespace, &v.Record.ClaimedBy, &v.Record.CreatedAt, &v.Record.UpdatedAt, &v.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return claimstore.Versioned{}, false, nil
		}
		return claimstore.Versioned{}, false, err
	}
	v.Record.Status = domain.Status(status)
	v.Record.CreatedAt = v.Record.CreatedAt.UTC()
	v.Record.UpdatedAt = v.Record.UpdatedAt.UTC()
	return v, true, nil
}

// CompareAndSwap implements claimstore.Backend.
func (b *Backend) CompareAndSwap(ctx context.Context, expected int64, rec domain.DeploymentRecord) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if expected == 0 {
		const query = `INSERT INTO deployments (idempotency_key, status, repo, pr_number, commit_sha,
			installation_id, comment_id, preview_url, release_name, namespace, claimed_by,
			created_at, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)
			ON CONFLICT (idempotency_key) DO NOTHING`
		tag, err = b.pool.Exec(ctx, query,
			rec.Key, string(rec.Status), rec.Repo, rec.PRNumber, rec.CommitSHA, rec.InstallationID,
			rec.CommentID, rec.PreviewURL, rec.ReleaseName, rec.Namespace, rec.ClaimedBy,
			rec.CreatedAt, rec.UpdatedAt,
		)
	} else {
		const query = `UPDATE deployments SET status = $2, repo = $3, pr_number = $4, commit_sha = $5,
			installation_id = $6, comment_id = $7, preview_url = $8, release_name = $9, namespace = $10,
			claimed_by = $11, updated_at = $12, version = version + 1
			WHERE idempotency_key = $1 AND version = $13`
		tag, err = b.pool.Exec(ctx, query,
			rec.Key, string(rec.Status), rec.Repo, rec.PRNumber, rec.CommitSHA, rec.InstallationID,
			rec.CommentID, rec.PreviewURL, rec.ReleaseName, rec.Namespace, rec.ClaimedBy,
			rec.UpdatedAt, expected,
		)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "40001" {
			return claimstore.ErrConflict
		}
		return fmt.Errorf("write deployment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return claimstore.ErrConflict
	}
	return nil
}

// Purge implements claimstore.Backend.
func (b *Backend) Purge(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM deployments WHERE status IN ('deployed', 'failed') AND updated_at < $1`
	tag, err := b.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("purge deployments: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping implements claimstore.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close implements claimstore.Backend.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}
