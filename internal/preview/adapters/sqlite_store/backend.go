// Package sqlitestore is a claimstore.Backend on an embedded SQLite file.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/nathantilsley/preview-dispatch/internal/preview/claimstore"
	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Backend implements claimstore.Backend.
type Backend struct {
	db *sql.DB
}

var _ claimstore.Backend = (*Backend)(nil)

// Open opens (creating if needed) the database at path and applies
// migrations.
func Open(ctx context.Context, path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	// SQLite allows a single writer; queue in database/sql instead of on SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &Backend{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

const selectColumns = `idempotency_key, status, repo, pr_number, commit_sha, installation_id, comment_id,
	preview_url, release_name, namespace, claimed_by, created_at, updated_at, version`

// Load implements claimstore.Backend.
func (b *Backend) Load(ctx context.Context, key string) (claimstore.Versioned, bool, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM deployments WHERE idempotency_key = ?`, key)

	var (
		v                    claimstore.Versioned
		status               string
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&v.Record.Key, &status, &v.Record.Repo, &v.Record.PRNumber, &v.Record.CommitSHA,
		&v.Record.InstallationID, &v.Record.CommentID, &v.Record.PreviewURL, &v.Record.ReleaseName,
		&v.Record.Namespace, &v.Record.ClaimedBy, &createdAt, &updatedAt, &v.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return claimstore.Versioned{}, false, nil
	}
	if err != nil {
		return claimstore.Versioned{}, false, fmt.Errorf("loading deployment: %w", err)
	}
	v.Record.Status = domain.Status(status)
	v.Record.CreatedAt = time.UnixMilli(createdAt).UTC()
	v.Record.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return v, true, nil
}

// CompareAndSwap implements claimstore.Backend.
func (b *Backend) CompareAndSwap(ctx context.Context, expected int64, rec domain.DeploymentRecord) error {
	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = b.db.ExecContext(ctx,
			`INSERT INTO deployments (`+selectColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			 ON CONFLICT(idempotency_key) DO NOTHING`,
			rec.Key, string(rec.Status), rec.Repo, rec.PRNumber, rec.CommitSHA, rec.InstallationID,
			rec.CommentID, rec.PreviewURL, rec.ReleaseName, rec.Namespace, rec.ClaimedBy,
			rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
		)
	} else {
		res, err = b.db.ExecContext(ctx,
			`UPDATE deployments SET status = ?, repo = ?, pr_number = ?, commit_sha = ?, installation_id = ?,
			 comment_id = ?, preview_url = ?, release_name = ?, namespace = ?, claimed_by = ?,
			 updated_at = ?, version = version + 1
			 WHERE idempotency_key = ? AND version = ?`,
			string(rec.Status), rec.Repo, rec.PRNumber, rec.CommitSHA, rec.InstallationID,
			rec.CommentID, rec.PreviewURL, rec.ReleaseName, rec.Namespace, rec.ClaimedBy,
			rec.UpdatedAt.UnixMilli(), rec.Key, expected,
		)
	}
	if err != nil {
		return fmt.Errorf("writing deployment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("writing deployment: %w", err)
	}
	if n == 0 {
		return claimstore.ErrConflict
	}
	return nil
}

// Purge implements claimstore.Backend.
func (b *Backend) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM deployments WHERE status IN ('deployed', 'failed') AND updated_at < ?`,
		before.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("purging deployments: %w", err)
	}
	return res.RowsAffected()
}

// Ping implements claimstore.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close implements claimstore.Backend.
func (b *Backend) Close() error {
	return b.db.Close()
}
