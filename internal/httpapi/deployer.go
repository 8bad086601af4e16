package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nathantilsley/preview-dispatch/internal/preview/claimstore"
	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
	"github.com/nathantilsley/preview-dispatch/internal/preview/ports"
)

const headerDeployerToken = "X-Deployer-Token"

type statusRequest struct {
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
	Status         string `json:"status" binding:"required"`
	PreviewURL     string `json:"preview_url"`
	ReleaseName    string `json:"release_name"`
	Namespace      string `json:"namespace"`
}

type releaseRequest struct {
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
}

// deployerAuth guards the callback routes with a shared token. The routes are
// unavailable until a token is configured.
func deployerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "deployer callbacks are not configured"})
			return
		}
		got := c.GetHeader(headerDeployerToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid deployer token"})
			return
		}
		c.Next()
	}
}

func (s *server) handleTaskStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := domain.ParseStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = s.opts.Store.Update(c.Request.Context(), req.IdempotencyKey, status, ports.UpdateOptions{
		PreviewURL:  req.PreviewURL,
		ReleaseName: req.ReleaseName,
		Namespace:   req.Namespace,
	})
	if err != nil {
		s.storeError(c, req.IdempotencyKey, err)
		return
	}

	s.log.Info("deployment status updated", "idempotency_key", req.IdempotencyKey, "status", status)
	c.JSON(http.StatusOK, gin.H{"idempotency_key": req.IdempotencyKey, "status": status})
}

func (s *server) handleTaskRelease(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.opts.Store.Release(c.Request.Context(), req.IdempotencyKey); err != nil {
		s.storeError(c, req.IdempotencyKey, err)
		return
	}

	s.log.Info("deployment claim released", "idempotency_key", req.IdempotencyKey)
	c.JSON(http.StatusOK, gin.H{"idempotency_key": req.IdempotencyKey, "status": domain.StatusPending})
}

func (s *server) handleGetDeployment(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key query parameter is required"})
		return
	}
	rec, ok, err := s.opts.Store.Get(c.Request.Context(), key)
	if err != nil {
		s.storeError(c, key, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "deployment not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *server) storeError(c *gin.Context, key string, err error) {
	switch {
	case errors.Is(err, claimstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "deployment not found"})
	case errors.Is(err, claimstore.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.log.Error("claim store operation failed", "idempotency_key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "claim store unavailable"})
	}
}
