// handlers_health.go - Health check handlers
package api

import (
	"net/http"
	"time"

	"github.com/fracture-scan/backend/internal/logger"
	"github.com/fracture-scan/backend/internal/models"
	"github.com/labstack/echo/v4"
)

// StagingLister lists the payloads held in the staging store
type StagingLister interface {
	List(limit int) ([]*models.FileInfo, error)
}

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version  string
	sessions SessionManager
	staging  StagingLister
}

// NewHealthHandler creates a new health handler. staging may be nil.
func NewHealthHandler(version string, sessions SessionManager, staging StagingLister) HealthHandler {
	return &HealthHandlerImpl{
		version:  version,
		sessions: sessions,
		staging:  staging,
	}
}

// HandleHealth returns server health status. A staging store that cannot
// be listed reports "degraded".
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	resp := map[string]interface{}{
		"status":   "ok",
		"version":  h.version,
		"sessions": h.sessions.Count(),
	}

	if h.staging != nil {
		payloads, err := h.staging.List(0)
		if err != nil {
			logger.Log.WithError(err).Warn("Health check could not list staging store")
			resp["status"] = "degraded"
		} else {
			resp["staging"] = stagingSummary(payloads)
		}
	}

	return c.JSON(http.StatusOK, resp)
}

func stagingSummary(payloads []*models.FileInfo) map[string]interface{} {
	var total int64
	for _, p := range payloads {
		total += p.Size
	}
	summary := map[string]interface{}{
		"payloads": len(payloads),
		"bytes":    total,
	}
	// List returns newest first
	if len(payloads) > 0 {
		summary["lastStoredAt"] = payloads[0].StoredAt.UTC().Format(time.RFC3339)
	}
	return summary
}
