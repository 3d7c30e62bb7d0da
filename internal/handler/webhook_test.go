package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/capitalize-ai/messenger-relay/internal/llm"
	"github.com/capitalize-ai/messenger-relay/internal/model"
	"github.com/capitalize-ai/messenger-relay/internal/relay"
	"github.com/capitalize-ai/messenger-relay/internal/store"
	"github.com/capitalize-ai/messenger-relay/pkg/logger"
)

// Mock implementations

type stubResolver struct {
	tenants map[string]*model.TenantConfig
}

func (s *stubResolver) Resolve(ctx context.Context, pageID string) (*model.TenantConfig, error) {
	if t, ok := s.tenants[pageID]; ok {
		return t, nil
	}
	return nil, errors.New("not found")
}

type stubResponder struct{}

func (stubResponder) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: "ok"}, nil
}
func (stubResponder) Name() string     { return "stub" }
func (stubResponder) Models() []string { return nil }

type stubGateway struct{}

func (stubGateway) SendText(ctx context.Context, tenant *model.TenantConfig, userID, text string) error {
	return nil
}
func (stubGateway) SendTypingIndicator(ctx context.Context, tenant *model.TenantConfig, userID string, on bool) error {
	return nil
}

func newTestHandler(t *testing.T) (*WebhookHandler, *store.MemoryStore) {
	t.Helper()

	sessions := store.NewMemoryStore()
	resolver := &stubResolver{tenants: map[string]*model.TenantConfig{
		"page-1": {ID: "acme", PageID: "page-1", Active: true},
	}}
	svc := relay.NewService(relay.Config{DebounceWindow: 10 * time.Millisecond},
		resolver, sessions, stubResponder{}, stubGateway{}, nil, nil, logger.NewNop())
	t.Cleanup(svc.Close)

	return NewWebhookHandler(svc, "verify-me", logger.NewNop()), sessions
}

// Tests

func TestVerifyEchoesChallenge(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()

	h.Verify(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "12345" {
		t.Errorf("challenge not echoed verbatim: %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected plain text, got %s", ct)
	}
}

func TestVerifyRejectsBadToken(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()

	h.Verify(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "12345") {
		t.Error("challenge leaked on rejection")
	}
}

func TestVerifyRejectsBadMode(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=1", nil)
	rec := httptest.NewRecorder()

	h.Verify(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestReceiveAcknowledgesImmediately(t *testing.T) {
	h, sessions := newTestHandler(t)

	body := `{
		"object": "page",
		"entry": [{"id": "page-1", "messaging": [{
			"sender": {"id": "u1"},
			"recipient": {"id": "page-1"},
			"postback": {"payload": "ADMIN_FORCE_HUMAN"}
		}]}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Receive(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "EVENT_RECEIVED" {
		t.Errorf("expected EVENT_RECEIVED, got %q", rec.Body.String())
	}

	// Processing is asynchronous; the mode switch lands shortly after.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess, err := sessions.Get(context.Background(), "acme", "u1"); err == nil && sess.Mode == model.ModeHuman {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("async event never processed")
}

func TestReceiveRejectsMalformedBody(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()

	h.Receive(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestReceiveRejectsUnknownObject(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook",
		strings.NewReader(`{"object": "instagram", "entry": []}`))
	rec := httptest.NewRecorder()

	h.Receive(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
