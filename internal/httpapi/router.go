// Package httpapi exposes the webhook receiver, health checks, metrics and
// the deployer callback endpoints over gin.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nathantilsley/preview-dispatch/internal/preview/app"
	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
	"github.com/nathantilsley/preview-dispatch/internal/preview/ports"
)

const healthCheckTimeout = 2 * time.Second

// Dispatcher handles decoded issue_comment deliveries.
type Dispatcher interface {
	HandleIssueComment(ctx context.Context, ev domain.WebhookEvent, headerTargetID string) app.Outcome
}

// Store is the claim store as seen by the callback and health endpoints.
type Store interface {
	ports.ClaimStore
	Ping(ctx context.Context) error
}

// Credentials reports which GitHub settings are present, for /health.
type Credentials struct {
	AppID         bool
	PrivateKey    bool
	WebhookSecret bool
}

// Options configures the router.
type Options struct {
	Log            *slog.Logger
	Dispatcher     Dispatcher
	Store          Store
	Credentials    Credentials
	WebhookSecret  string
	DeployerToken  string
	HandlerTimeout time.Duration
	MaxBodyBytes   int64
	// Registry receives the HTTP metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry
}

type server struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts Options) *gin.Engine {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 25 << 20
	}

	s := &server{
		opts:    opts,
		log:     opts.Log,
		metrics: newMetrics(opts.Registry),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log), s.metrics.instrument())

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	r.POST("/webhook", s.handleWebhook)

	deployer := r.Group("/", deployerAuth(opts.DeployerToken))
	deployer.POST("/tasks/status", s.handleTaskStatus)
	deployer.POST("/tasks/release", s.handleTaskRelease)
	deployer.GET("/deployments", s.handleGetDeployment)

	return r
}

func (s *server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	store := "up"
	if err := s.opts.Store.Ping(ctx); err != nil {
		s.log.Warn("claim store health check failed", "error", err)
		store = "down"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":                    "healthy",
		"github_app_id":             s.opts.Credentials.AppID,
		"webhook_secret_configured": s.opts.Credentials.WebhookSecret,
		"private_key_configured":    s.opts.Credentials.PrivateKey,
		"store":                     store,
	})
}
