package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nathantilsley/preview-dispatch/internal/config"
	"github.com/nathantilsley/preview-dispatch/internal/platform/retry"
	ghapp "github.com/nathantilsley/preview-dispatch/internal/preview/adapters/gh_app"
	httpqueue "github.com/nathantilsley/preview-dispatch/internal/preview/adapters/http_queue"
	pgstore "github.com/nathantilsley/preview-dispatch/internal/preview/adapters/pg_store"
	redisqueue "github.com/nathantilsley/preview-dispatch/internal/preview/adapters/redis_queue"
	redisstore "github.com/nathantilsley/preview-dispatch/internal/preview/adapters/redis_store"
	sqlitestore "github.com/nathantilsley/preview-dispatch/internal/preview/adapters/sqlite_store"
	"github.com/nathantilsley/preview-dispatch/internal/preview/claimstore"
	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
	"github.com/nathantilsley/preview-dispatch/internal/preview/ports"
)

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (*claimstore.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()

	var (
		backend claimstore.Backend
		err     error
	)
	switch cfg.StoreBackend {
	case config.StoreMemory:
		log.Warn("using in-memory claim store; claims are lost on restart and not shared between replicas")
		backend = claimstore.NewMemoryBackend()
	case config.StoreSQLite:
		backend, err = sqlitestore.Open(ctx, cfg.SQLitePath)
	case config.StorePostgres:
		backend, err = openPostgres(ctx, cfg.DatabaseURL, log)
	case config.StoreRedis:
		backend, err = redisstore.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RetentionPeriod)
	default:
		err = fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s claim store: %w", cfg.StoreBackend, err)
	}

	storePolicy := policy(cfg, cfg.StoreTimeout)
	storePolicy.InitialInterval = claimstore.DefaultPolicy.InitialInterval
	return claimstore.New(backend, cfg.InstanceID,
		claimstore.WithLogger(log),
		claimstore.WithPolicy(storePolicy),
	), nil
}

func openPostgres(ctx context.Context, dsn string, log *slog.Logger) (*pgstore.Backend, error) {
	if err := pgstore.Migrate(ctx, dsn, log); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pgstore.New(pool), nil
}

// gitHub is the set of GitHub-facing ports the dispatcher needs.
type gitHub interface {
	ports.InstallationLookup
	ports.TokenExchanger
	ports.PullRequestPort
	ports.CommentPort
}

func newGitHub(cfg config.Config, log *slog.Logger) (gitHub, error) {
	if cfg.GitHubAppID == 0 || cfg.GitHubPrivateKey == "" {
		return unconfiguredGitHub{}, nil
	}
	client, err := ghapp.New(ghapp.Config{
		AppID:      cfg.GitHubAppID,
		PrivateKey: cfg.GitHubPrivateKey,
		BaseURL:    cfg.GitHubAPIURL,
		Policy:     policy(cfg, cfg.GitHubTimeout),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("creating GitHub App client: %w", err)
	}
	return client, nil
}

func newQueue(ctx context.Context, cfg config.Config, log *slog.Logger) (ports.TaskQueue, error) {
	p := policy(cfg, cfg.QueueTimeout)
	switch cfg.QueueBackend {
	case config.QueueRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn("redis task queue unreachable at startup", "addr", cfg.RedisAddr, "error", err)
		}
		return redisqueue.New(client, cfg.RedisQueueKey, p, log), nil
	case config.QueueHTTP:
		return httpqueue.New(cfg.DeployerURL, cfg.DeployerToken, p, log), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

func policy(cfg config.Config, timeout time.Duration) retry.Policy {
	return retry.Policy{
		Retries:         cfg.RetryAttempts,
		Timeout:         timeout,
		InitialInterval: retry.DefaultPolicy.InitialInterval,
	}
}

var errGitHubUnconfigured = errors.New("GitHub App credentials are not configured")

// unconfiguredGitHub lets the server start without App credentials so health
// checks still answer. Every /preview command fails until they are set.
type unconfiguredGitHub struct{}

func (unconfiguredGitHub) UserInstallation(context.Context, string) (int64, error) {
	return 0, errGitHubUnconfigured
}

func (unconfiguredGitHub) OrgInstallation(context.Context, string) (int64, error) {
	return 0, errGitHubUnconfigured
}

func (unconfiguredGitHub) ListInstallations(context.Context) ([]domain.Installation, error) {
	return nil, errGitHubUnconfigured
}

func (unconfiguredGitHub) InstallationToken(context.Context, int64) (domain.InstallationToken, error) {
	return domain.InstallationToken{}, errGitHubUnconfigured
}

func (unconfiguredGitHub) PullRequest(context.Context, string, string, string, int) (domain.PRContext, error) {
	return domain.PRContext{}, errGitHubUnconfigured
}

func (unconfiguredGitHub) PostComment(context.Context, string, string, string, int, string) error {
	return errGitHubUnconfigured
}
