package handler

import (
	"net/http"

	natsclient "github.com/capitalize-ai/messenger-relay/internal/nats"
	"github.com/capitalize-ai/messenger-relay/internal/tenant"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	registry   *tenant.Registry
	natsClient *natsclient.Client
}

// NewHealthHandler creates a new health handler. natsClient may be nil when
// the audit stream is disabled.
func NewHealthHandler(registry *tenant.Registry, natsClient *natsclient.Client) *HealthHandler {
	return &HealthHandler{
		registry:   registry,
		natsClient: natsClient,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "tenant registry unavailable",
		})
		return
	}

	if h.natsClient != nil && !h.natsClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
