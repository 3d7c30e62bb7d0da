package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/capitalize-ai/messenger-relay/internal/llm"
	"github.com/capitalize-ai/messenger-relay/internal/model"
	"github.com/capitalize-ai/messenger-relay/internal/notify"
	"github.com/capitalize-ai/messenger-relay/internal/store"
	"github.com/capitalize-ai/messenger-relay/pkg/logger"
)

// Mock implementations

type mockResolver struct {
	tenants map[string]*model.TenantConfig
}

func (m *mockResolver) Resolve(ctx context.Context, pageID string) (*model.TenantConfig, error) {
	if t, ok := m.tenants[pageID]; ok {
		return t, nil
	}
	return nil, errors.New("tenant not found")
}

type mockResponder struct {
	mu       sync.Mutex
	requests []*llm.CompletionRequest
	reply    string
	err      error
}

func (m *mockResponder) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &llm.CompletionResponse{Content: m.reply, Model: req.Model}, nil
}

func (m *mockResponder) Name() string     { return "mock" }
func (m *mockResponder) Models() []string { return nil }

func (m *mockResponder) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockResponder) lastRequest() *llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

type sentMessage struct {
	userID string
	text   string
}

type mockGateway struct {
	mu        sync.Mutex
	sent      []sentMessage
	typingOn  int
	typingOff int
	sendErr   error
}

func (m *mockGateway) SendText(ctx context.Context, tenant *model.TenantConfig, userID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentMessage{userID: userID, text: text})
	return nil
}

func (m *mockGateway) SendTypingIndicator(ctx context.Context, tenant *model.TenantConfig, userID string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.typingOn++
	} else {
		m.typingOff++
	}
	return nil
}

func (m *mockGateway) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

func (m *mockGateway) typing() (on, off int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typingOn, m.typingOff
}

type mockNotifier struct {
	mu       sync.Mutex
	handoffs []notify.Handoff
}

func (m *mockNotifier) NotifyHandoff(ctx context.Context, h notify.Handoff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handoffs = append(m.handoffs, h)
	return nil
}

func (m *mockNotifier) all() []notify.Handoff {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Handoff(nil), m.handoffs...)
}

// Test fixture

type fixture struct {
	svc       *Service
	sessions  *store.MemoryStore
	responder *mockResponder
	gateway   *mockGateway
	notifier  *mockNotifier
	tenant    *model.TenantConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tenant := &model.TenantConfig{
		ID:             "acme",
		PageID:         "page-1",
		SystemPrompt:   "You are a helpful shop assistant.",
		Model:          "test-model",
		HandoffMessage: "An operator will be with you shortly.",
		Active:         true,
	}

	f := &fixture{
		sessions:  store.NewMemoryStore(),
		responder: &mockResponder{reply: "Happy to help!"},
		gateway:   &mockGateway{},
		notifier:  &mockNotifier{},
		tenant:    tenant,
	}
	f.svc = NewService(Config{
		DebounceWindow: 20 * time.Millisecond,
	}, &mockResolver{tenants: map[string]*model.TenantConfig{"page-1": tenant}},
		f.sessions, f.responder, f.gateway, f.notifier, nil, logger.NewNop())
	t.Cleanup(f.svc.Close)
	return f
}

func textEvent(userID, mid, text string) *model.MessagingEvent {
	return &model.MessagingEvent{
		Sender:    model.Principal{ID: userID},
		Recipient: model.Principal{ID: "page-1"},
		Message:   &model.MessageContent{MID: mid, Text: text},
	}
}

func payloadEvent(userID, mid, payload string) *model.MessagingEvent {
	return &model.MessagingEvent{
		Sender:    model.Principal{ID: userID},
		Recipient: model.Principal{ID: "page-1"},
		Postback:  &model.Postback{Payload: payload},
		Message:   &model.MessageContent{MID: mid},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

// Tests

func TestAutomatedReplyFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.HandleEvent(ctx, textEvent("u1", "m1", "hi there")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, func() bool { return len(f.gateway.messages()) == 1 })

	msgs := f.gateway.messages()
	if msgs[0].text != "Happy to help!" {
		t.Errorf("unexpected reply %q", msgs[0].text)
	}
	if f.responder.calls() != 1 {
		t.Errorf("expected 1 responder call, got %d", f.responder.calls())
	}

	sess, err := f.sessions.Get(ctx, "acme", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sess.RecentTurns) != 2 {
		t.Fatalf("expected user+assistant turns, got %d", len(sess.RecentTurns))
	}
	if sess.RecentTurns[0].Role != model.RoleUser || sess.RecentTurns[1].Role != model.RoleAssistant {
		t.Error("turns recorded in wrong order")
	}

	on, off := f.gateway.typing()
	if on != 1 || off != 1 {
		t.Errorf("typing indicators unbalanced: on=%d off=%d", on, off)
	}
}

func TestBurstMergedIntoOneResponderCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.HandleEvent(ctx, textEvent("u1", "m1", "first"))
	f.svc.HandleEvent(ctx, textEvent("u1", "m2", "second"))
	f.svc.HandleEvent(ctx, textEvent("u1", "m3", "third"))

	waitFor(t, func() bool { return f.responder.calls() == 1 })

	req := f.responder.lastRequest()
	last := req.Messages[len(req.Messages)-1]
	if last.Content != "first\nsecond\nthird" {
		t.Errorf("burst not merged: %q", last.Content)
	}

	// One typing-on for the whole burst.
	on, _ := f.gateway.typing()
	if on != 1 {
		t.Errorf("expected 1 typing-on, got %d", on)
	}
}

func TestDuplicateMessageIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.HandleEvent(ctx, textEvent("u1", "m1", "hello"))
	waitFor(t, func() bool { return f.responder.calls() == 1 })

	// Same mid redelivered: no second responder call, no new turns.
	if err := f.svc.HandleEvent(ctx, textEvent("u1", "m1", "hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	if f.responder.calls() != 1 {
		t.Errorf("duplicate triggered responder: %d calls", f.responder.calls())
	}
	sess, _ := f.sessions.Get(ctx, "acme", "u1")
	if len(sess.RecentTurns) != 2 {
		t.Errorf("duplicate appended turns: %d", len(sess.RecentTurns))
	}
}

func TestEchoSkipped(t *testing.T) {
	f := newFixture(t)

	ev := textEvent("u1", "m1", "echoed text")
	ev.Message.IsEcho = true
	if err := f.svc.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if f.responder.calls() != 0 || len(f.gateway.messages()) != 0 {
		t.Error("echo event reached the pipeline")
	}
}

func TestUnresolvedTenantDroppedSilently(t *testing.T) {
	f := newFixture(t)

	ev := textEvent("u1", "m1", "hello")
	ev.Recipient.ID = "unknown-page"
	if err := f.svc.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("unresolved tenant must not error: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if f.responder.calls() != 0 {
		t.Error("event for unresolved tenant was processed")
	}
}

func TestKeywordHandoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.HandleEvent(ctx, textEvent("u1", "m1", "I need an operator")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess, _ := f.sessions.Get(ctx, "acme", "u1")
	if sess.Mode != model.ModeHuman {
		t.Fatalf("expected human mode, got %s", sess.Mode)
	}

	msgs := f.gateway.messages()
	if len(msgs) != 1 || msgs[0].text != f.tenant.HandoffMessage {
		t.Errorf("expected handoff acknowledgement, got %v", msgs)
	}

	handoffs := f.notifier.all()
	if len(handoffs) != 1 || handoffs[0].Reason != notify.ReasonKeyword {
		t.Fatalf("expected keyword handoff notification, got %v", handoffs)
	}

	// The responder is never consulted for a keyword message.
	time.Sleep(60 * time.Millisecond)
	if f.responder.calls() != 0 {
		t.Error("keyword message reached the responder")
	}
}

func TestKeywordCancelsPendingBurst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.HandleEvent(ctx, textEvent("u1", "m1", "I ordered shoes"))
	f.svc.HandleEvent(ctx, textEvent("u1", "m2", "give me an operator"))

	time.Sleep(80 * time.Millisecond)
	if f.responder.calls() != 0 {
		t.Error("cancelled burst still reached the responder")
	}

	// Buffered fragments are preserved with the triggering text.
	handoffs := f.notifier.all()
	if len(handoffs) != 1 {
		t.Fatalf("expected 1 handoff, got %d", len(handoffs))
	}
	if !strings.Contains(handoffs[0].LastText, "I ordered shoes") {
		t.Errorf("buffered fragment lost: %q", handoffs[0].LastText)
	}

	sess, _ := f.sessions.Get(ctx, "acme", "u1")
	if len(sess.RecentTurns) != 1 || sess.RecentTurns[0].Role != model.RoleUser {
		t.Errorf("discarded burst not persisted as a user turn: %+v", sess.RecentTurns)
	}

	on, off := f.gateway.typing()
	if on != 1 || off != 1 {
		t.Errorf("typing indicators unbalanced: on=%d off=%d", on, off)
	}
}

func TestHumanModeBypassesResponder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sessions.SwitchToHuman(ctx, "acme", "u1")

	if err := f.svc.HandleEvent(ctx, textEvent("u1", "m1", "anything new?")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	if f.responder.calls() != 0 {
		t.Error("responder invoked for human-owned session")
	}
	sess, _ := f.sessions.Get(ctx, "acme", "u1")
	if len(sess.RecentTurns) != 1 {
		t.Errorf("user turn not recorded for operator: %d", len(sess.RecentTurns))
	}
}

func TestKeywordInHumanModeSelfTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sessions.SwitchToHuman(ctx, "acme", "u1")

	if err := f.svc.HandleEvent(ctx, textEvent("u1", "m1", "operator please")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// No second acknowledgement, no second notification.
	if len(f.gateway.messages()) != 0 {
		t.Error("self-transition sent an acknowledgement")
	}
	if len(f.notifier.all()) != 0 {
		t.Error("self-transition raised a notification")
	}
}

func TestSentinelReplyEscalates(t *testing.T) {
	f := newFixture(t)
	f.responder.reply = "  __handoff_to_human__ "
	ctx := context.Background()

	f.svc.HandleEvent(ctx, textEvent("u1", "m1", "something complicated"))

	waitFor(t, func() bool { return len(f.notifier.all()) == 1 })

	if f.notifier.all()[0].Reason != notify.ReasonSentinel {
		t.Errorf("expected sentinel reason, got %s", f.notifier.all()[0].Reason)
	}

	sess, _ := f.sessions.Get(ctx, "acme", "u1")
	if sess.Mode != model.ModeHuman {
		t.Error("sentinel did not switch mode")
	}

	// The sentinel itself must never reach the user; only the handoff
	// message goes out.
	for _, m := range f.gateway.messages() {
		if strings.Contains(strings.ToLower(m.text), "handoff_to_human") {
			t.Errorf("sentinel leaked to user: %q", m.text)
		}
	}
}

func TestResponderErrorEscalates(t *testing.T) {
	f := newFixture(t)
	f.responder.err = errors.New("upstream 500")
	ctx := context.Background()

	f.svc.HandleEvent(ctx, textEvent("u1", "m1", "hello"))

	waitFor(t, func() bool { return len(f.notifier.all()) == 1 })

	if f.notifier.all()[0].Reason != notify.ReasonResponderError {
		t.Errorf("expected responder_error reason, got %s", f.notifier.all()[0].Reason)
	}
	sess, _ := f.sessions.Get(ctx, "acme", "u1")
	if sess.Mode != model.ModeHuman {
		t.Error("responder failure did not escalate to human")
	}
}

func TestForbiddenWordsScrubbed(t *testing.T) {
	f := newFixture(t)
	f.tenant.ForbiddenWords = []string{"discount"}
	f.responder.reply = "We have a big DISCOUNT today"
	ctx := context.Background()

	f.svc.HandleEvent(ctx, textEvent("u1", "m1", "any deals?"))

	waitFor(t, func() bool { return len(f.gateway.messages()) == 1 })

	if got := f.gateway.messages()[0].text; got != "We have a big ******** today" {
		t.Errorf("forbidden word not scrubbed: %q", got)
	}
}

func TestResumeAutomatedPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sessions.SwitchToHuman(ctx, "acme", "u1")
	f.sessions.AppendTurn(ctx, "acme", "u1", model.RoleUser, "old history")

	if err := f.svc.HandleEvent(ctx, payloadEvent("u1", "m1", model.PayloadResumeAutomated)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess, _ := f.sessions.Get(ctx, "acme", "u1")
	if sess.Mode != model.ModeAutomated {
		t.Errorf("expected automated mode, got %s", sess.Mode)
	}
	if len(sess.RecentTurns) != 0 {
		t.Error("resume did not clear history")
	}
}

func TestForceHumanPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.HandleEvent(ctx, payloadEvent("u1", "m1", model.PayloadForceHuman)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess, _ := f.sessions.Get(ctx, "acme", "u1")
	if sess.Mode != model.ModeHuman {
		t.Errorf("expected human mode, got %s", sess.Mode)
	}
	handoffs := f.notifier.all()
	if len(handoffs) != 1 || handoffs[0].Reason != notify.ReasonAdmin {
		t.Fatalf("expected admin handoff, got %v", handoffs)
	}
}

func TestUnknownPayloadIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.HandleEvent(ctx, payloadEvent("u1", "m1", "SOMETHING_ELSE")); err != nil {
		t.Fatalf("unknown payload must not error: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if f.responder.calls() != 0 || len(f.notifier.all()) != 0 {
		t.Error("unknown payload had side effects")
	}
}

func TestReferralRecordedAndFramed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := textEvent("u1", "m1", "saw your ad")
	ev.Referral = &model.ReferralContent{AdID: "ad-7", AdTitle: "Winter Boots", AdProduct: "sku-3"}
	if err := f.svc.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, func() bool { return f.responder.calls() == 1 })

	sess, _ := f.sessions.Get(ctx, "acme", "u1")
	if sess.AdContext == nil || sess.AdContext.CampaignID != "ad-7" {
		t.Fatalf("referral not recorded: %+v", sess.AdContext)
	}
	if !strings.Contains(f.responder.lastRequest().System, "Winter Boots") {
		t.Error("ad context missing from system prompt")
	}
}

func TestBatchIsolatesFailures(t *testing.T) {
	f := newFixture(t)

	payload := &model.WebhookPayload{
		Object: "page",
		Entry: []model.Entry{{
			Messaging: []model.MessagingEvent{
				// Unknown tenant: dropped.
				{Sender: model.Principal{ID: "u1"}, Recipient: model.Principal{ID: "nope"},
					Message: &model.MessageContent{MID: "m1", Text: "lost"}},
				// Valid event must still be processed.
				*textEvent("u2", "m2", "hello"),
			},
		}},
	}

	f.svc.HandleBatch(context.Background(), payload)

	waitFor(t, func() bool { return f.responder.calls() == 1 })
	if _, err := f.sessions.Get(context.Background(), "acme", "u2"); err != nil {
		t.Errorf("sibling event not processed: %v", err)
	}
}
