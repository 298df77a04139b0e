package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

// HealthCheck probes one dependency. Nil error means reachable.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	log    *logger.Logger
	checks map[string]HealthCheck
}

func NewHealthHandler(log *logger.Logger, checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{
		log:    log.With("handler", "HealthHandler"),
		checks: checks,
	}
}

// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	results := gin.H{}
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.log.Warn("health check failed", "check", name, "error", err)
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "checks": results})
}
