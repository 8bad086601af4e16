package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	ghevent "github.com/nathantilsley/preview-dispatch/internal/preview/adapters/gh_event"
	"github.com/nathantilsley/preview-dispatch/internal/preview/app"
	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
)

// GitHub delivery headers.
const (
	headerEvent          = "X-GitHub-Event"
	headerSignature      = "X-Hub-Signature-256"
	headerDelivery       = "X-GitHub-Delivery"
	headerInstallationID = "X-GitHub-Hook-Installation-Target-ID"
)

type webhookResponse struct {
	Message        string `json:"message"`
	Detail         string `json:"detail,omitempty"`
	Help           string `json:"help,omitempty"`
	Repo           string `json:"repo,omitempty"`
	PRNumber       int    `json:"pr_number,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (s *server) handleWebhook(c *gin.Context) {
	log := s.log.With("delivery_id", c.GetHeader(headerDelivery))

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn("webhook body too large", "limit", tooLarge.Limit)
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": "Payload too large"})
			return
		}
		log.Warn("failed to read webhook body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Could not read body"})
		return
	}

	if s.opts.WebhookSecret == "" || !domain.VerifySignature(body, s.opts.WebhookSecret, c.GetHeader(headerSignature)) {
		log.Warn("webhook signature verification failed")
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid signature"})
		return
	}

	if !json.Valid(body) {
		log.Warn("webhook payload is not valid JSON")
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid JSON payload"})
		return
	}

	event := c.GetHeader(headerEvent)
	log.Info("received GitHub event", "event", event)

	if event != ghevent.IssueCommentEvent {
		log.Debug("ignoring event type", "event", event)
		s.respond(c, app.Outcome{Kind: app.OutcomeIgnoredEvent, Detail: "event type " + event + " ignored"})
		return
	}

	ev, err := ghevent.DecodeIssueComment(body)
	if err != nil {
		log.Warn("issue_comment payload has unexpected shape", "error", err)
		s.respond(c, app.Outcome{Kind: app.OutcomeMissingInfo, Detail: "payload does not match issue_comment schema"})
		return
	}

	// GitHub stops waiting after ten seconds; work already started should
	// finish even if the delivery connection drops.
	ctx := context.WithoutCancel(c.Request.Context())
	if s.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.HandlerTimeout)
		defer cancel()
	}

	out := s.opts.Dispatcher.HandleIssueComment(ctx, ev, c.GetHeader(headerInstallationID))
	s.respond(c, out)
}

func (s *server) respond(c *gin.Context, out app.Outcome) {
	s.metrics.recordOutcome(out.Kind)
	c.JSON(http.StatusOK, webhookResponse{
		Message:        string(out.Kind),
		Detail:         out.Detail,
		Help:           out.Help,
		Repo:           out.Repo,
		PRNumber:       out.PRNumber,
		IdempotencyKey: out.IdempotencyKey,
	})
}
