// Package main runs the /preview webhook dispatcher.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nathantilsley/preview-dispatch/internal/config"
	"github.com/nathantilsley/preview-dispatch/internal/httpapi"
	"github.com/nathantilsley/preview-dispatch/internal/logger"
	"github.com/nathantilsley/preview-dispatch/internal/preview/app"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New("preview-dispatch", logger.ParseLevel(cfg.LogLevel))
	gin.SetMode(cfg.GinMode)

	if missing := cfg.Missing(); len(missing) > 0 {
		log.Warn("missing required configuration", "settings", missing)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close claim store", "error", err)
		}
	}()

	gh, err := newGitHub(cfg, log)
	if err != nil {
		return err
	}

	queue, err := newQueue(ctx, cfg, log)
	if err != nil {
		return err
	}

	dispatcher := app.NewDispatcher(app.Deps{
		Installations: gh,
		Tokens:        gh,
		PullRequests:  gh,
		Comments:      gh,
		Store:         store,
		Queue:         queue,
		QueueSettings: cfg.QueueSettings(),
	}, log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	router := httpapi.NewRouter(httpapi.Options{
		Log:        log,
		Dispatcher: dispatcher,
		Store:      store,
		Credentials: httpapi.Credentials{
			AppID:         cfg.GitHubAppID != 0,
			PrivateKey:    cfg.GitHubPrivateKey != "",
			WebhookSecret: cfg.GitHubWebhookSecret != "",
		},
		WebhookSecret:  cfg.GitHubWebhookSecret,
		DeployerToken:  cfg.DeployerToken,
		HandlerTimeout: cfg.HandlerTimeout,
		MaxBodyBytes:   cfg.MaxWebhookBodyBytes,
		Registry:       registry,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	janitor := app.NewJanitor(store, cfg.RetentionPeriod, cfg.RetentionSweepInterval, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("preview dispatcher starting",
			"addr", srv.Addr,
			"store", cfg.StoreBackend,
			"queue", cfg.QueueBackend,
			"instance_id", cfg.InstanceID,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return janitor.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("preview dispatcher stopped")
		return nil
	})

	return g.Wait()
}
