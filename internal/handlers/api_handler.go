// -----------------------------------------------------------------------
// API handler - health aggregation and version info
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
)

// APIHandler serves the system endpoints: /api/health and /api/version.
type APIHandler struct {
	queue      interfaces.QueueManager
	cache      interfaces.CacheService
	llm        interfaces.LLMDispatcher
	ocr        interfaces.OCRClient
	pii        interfaces.PIIClient
	guidelines interfaces.GuidelineClient
	logger     arbor.ILogger
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(queue interfaces.QueueManager, cache interfaces.CacheService, llm interfaces.LLMDispatcher, ocr interfaces.OCRClient, pii interfaces.PIIClient, guidelines interfaces.GuidelineClient, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		queue:      queue,
		cache:      cache,
		llm:        llm,
		ocr:        ocr,
		pii:        pii,
		guidelines: guidelines,
		logger:     logger,
	}
}

// HealthHandler handles GET /api/health. Aggregates the broker, cache and
// external collaborators. The broker is the only hard dependency: without it
// uploads are refused, so its failure degrades the overall status.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := make(map[string]string)
	overall := "healthy"

	if err := h.queue.Healthy(ctx); err != nil {
		components["queue"] = "unhealthy: " + err.Error()
		overall = "unhealthy"
	} else {
		components["queue"] = "healthy"
	}

	if h.cache.Healthy() {
		components["cache"] = "healthy"
	} else {
		components["cache"] = "degraded"
	}

	probe := func(name string, check func(context.Context) error) {
		if err := check(ctx); err != nil {
			components[name] = "unhealthy: " + err.Error()
			if overall == "healthy" {
				overall = "degraded"
			}
			return
		}
		components[name] = "healthy"
	}
	probe("llm", h.llm.HealthCheck)
	probe("ocr_service", h.ocr.HealthCheck)
	probe("pii_service", h.pii.HealthCheck)
	probe("guideline_rag", h.guidelines.HealthCheck)

	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}

	WriteJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}

// VersionHandler handles GET /api/version.
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.Build,
		"commit":  common.GitCommit,
	})
}
