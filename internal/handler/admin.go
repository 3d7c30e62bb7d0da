package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messenger-relay/internal/middleware"
	"github.com/capitalize-ai/messenger-relay/internal/model"
	"github.com/capitalize-ai/messenger-relay/internal/relay"
	"github.com/capitalize-ai/messenger-relay/internal/store"
	"github.com/capitalize-ai/messenger-relay/internal/tenant"
	"github.com/capitalize-ai/messenger-relay/pkg/logger"
)

// TenantHandler handles tenant administration endpoints.
type TenantHandler struct {
	registry *tenant.Registry
	logger   *logger.Logger
}

// NewTenantHandler creates a new tenant handler.
func NewTenantHandler(registry *tenant.Registry, log *logger.Logger) *TenantHandler {
	return &TenantHandler{
		registry: registry,
		logger:   log,
	}
}

// Upsert handles PUT /api/v1/tenants/:id
func (h *TenantHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "id")

	if err := middleware.ValidateTenantID(tenantID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var cfg model.TenantConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg.ID = tenantID

	if cfg.PageID == "" {
		writeError(w, http.StatusBadRequest, "page_id is required")
		return
	}
	if err := middleware.ValidateSystemPrompt(cfg.SystemPrompt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.registry.Upsert(ctx, &cfg); err != nil {
		h.logger.Error("failed to upsert tenant", zap.Error(err), zap.String("tenant_id", tenantID))
		writeError(w, http.StatusInternalServerError, "failed to save tenant")
		return
	}

	// Credentials never round-trip through the API.
	cfg.PageToken = ""
	writeJSON(w, http.StatusOK, &cfg)
}

// List handles GET /api/v1/tenants
func (h *TenantHandler) List(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.registry.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list tenants", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tenants")
		return
	}

	for i := range tenants {
		tenants[i].PageToken = ""
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenants": tenants,
		"total":   len(tenants),
	})
}

// Get handles GET /api/v1/tenants/:id
func (h *TenantHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")

	if err := middleware.ValidateTenantID(tenantID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg, err := h.registry.Get(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}

	cfg.PageToken = ""
	writeJSON(w, http.StatusOK, cfg)
}

// SessionHandler handles operator control over individual sessions.
type SessionHandler struct {
	relay    *relay.Service
	registry *tenant.Registry
	sessions store.SessionStore
	logger   *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(svc *relay.Service, registry *tenant.Registry, sessions store.SessionStore, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		relay:    svc,
		registry: registry,
		sessions: sessions,
		logger:   log,
	}
}

// Get handles GET /api/v1/tenants/:id/sessions/:userID
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "userID")

	if err := middleware.ValidateTenantID(tenantID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidatePlatformUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := h.sessions.Get(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("failed to load session", zap.Error(err), zap.String("tenant_id", tenantID))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// SetMode handles PUT /api/v1/tenants/:id/sessions/:userID/mode
func (h *SessionHandler) SetMode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "userID")

	if err := middleware.ValidateTenantID(tenantID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidatePlatformUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMode(req.Mode); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg, err := h.registry.Get(ctx, tenantID)
	if err != nil {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}

	if err := h.relay.SetMode(ctx, cfg, userID, model.Mode(req.Mode)); err != nil {
		h.logger.Error("failed to set session mode",
			zap.Error(err), zap.String("tenant_id", tenantID), zap.String("user_id", userID))
		writeError(w, http.StatusInternalServerError, "failed to set session mode")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"tenant_id": tenantID,
		"user_id":   userID,
		"mode":      req.Mode,
	})
}

// Reset handles POST /api/v1/tenants/:id/sessions/:userID/reset
func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "userID")

	if err := middleware.ValidateTenantID(tenantID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidatePlatformUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg, err := h.registry.Get(ctx, tenantID)
	if err != nil {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}

	if err := h.relay.ResetSession(ctx, cfg, userID); err != nil {
		h.logger.Error("failed to reset session",
			zap.Error(err), zap.String("tenant_id", tenantID), zap.String("user_id", userID))
		writeError(w, http.StatusInternalServerError, "failed to reset session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
