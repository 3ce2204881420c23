package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger is a dependency whose reachability is reported by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	checks  map[string]Pinger
	timeout time.Duration
}

// NewHealthHandler creates a new health handler. Nil checks are skipped.
func NewHealthHandler(checks map[string]Pinger, timeout time.Duration) *HealthHandler {
	active := make(map[string]Pinger, len(checks))
	for name, p := range checks {
		if p != nil {
			active[name] = p
		}
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthHandler{checks: active, timeout: timeout}
}

// Health returns the health status of the service and its dependencies.
// A failing dependency degrades the status but still answers 200.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	status := "ok"
	deps := make(gin.H, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			status = "degraded"
			deps[name] = err.Error()
			continue
		}
		deps[name] = "ok"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       status,
		"dependencies": deps,
	})
}
