// Package handler provides HTTP handlers for the webhook and admin API.
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messenger-relay/internal/model"
	"github.com/capitalize-ai/messenger-relay/internal/relay"
	"github.com/capitalize-ai/messenger-relay/pkg/logger"
)

// WebhookHandler handles the platform webhook endpoints.
type WebhookHandler struct {
	relay       *relay.Service
	verifyToken string
	logger      *logger.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(svc *relay.Service, verifyToken string, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		relay:       svc,
		verifyToken: verifyToken,
		logger:      log,
	}
}

// Verify handles GET /webhook, the platform's subscription handshake. The
// challenge must be echoed back verbatim as plain text.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode != "subscribe" || subtle.ConstantTimeCompare([]byte(token), []byte(h.verifyToken)) != 1 {
		h.logger.Warn("webhook verification rejected", zap.String("mode", mode))
		writeError(w, http.StatusForbidden, "verification failed")
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// Receive handles POST /webhook. The platform expects a fast 200 with body
// EVENT_RECEIVED regardless of per-event outcomes, so processing is handed
// off to a goroutine and failures surface only in logs and metrics.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var payload model.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if payload.Object != "page" {
		writeError(w, http.StatusNotFound, "unsupported object type")
		return
	}

	// Detached from the request context: the response returns immediately
	// while the batch is still being processed.
	go h.relay.HandleBatch(context.Background(), &payload)

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("EVENT_RECEIVED"))
}
