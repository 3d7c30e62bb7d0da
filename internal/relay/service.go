// Package relay implements the core session/handoff pipeline: tenant
// resolution, dedupe, the automated/human mode state machine, and debounced
// message aggregation.
package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messenger-relay/internal/llm"
	"github.com/capitalize-ai/messenger-relay/internal/messenger"
	"github.com/capitalize-ai/messenger-relay/internal/model"
	natsclient "github.com/capitalize-ai/messenger-relay/internal/nats"
	"github.com/capitalize-ai/messenger-relay/internal/notify"
	"github.com/capitalize-ai/messenger-relay/internal/store"
	"github.com/capitalize-ai/messenger-relay/pkg/logger"
	"github.com/capitalize-ai/messenger-relay/pkg/metrics"
)

// flushTimeout bounds one flush's store, responder, and delivery calls.
const flushTimeout = 60 * time.Second

// TenantResolver maps a platform routing key to a tenant configuration.
type TenantResolver interface {
	Resolve(ctx context.Context, pageID string) (*model.TenantConfig, error)
}

// TurnPublisher records conversation turns on the audit stream.
type TurnPublisher interface {
	PublishTurn(ctx context.Context, rec *natsclient.TurnRecord) (uint64, error)
}

// Config tunes the relay service.
type Config struct {
	// DebounceWindow is the burst quiescence window. Zero selects
	// DefaultDebounceWindow.
	DebounceWindow time.Duration
	// HumanKeywords is the human-request keyword list. Nil selects
	// DefaultHumanKeywords.
	HumanKeywords []string
	// MaxTokens caps responder output. Zero selects the provider default.
	MaxTokens int
}

// Service is the relay core. One instance owns the debounce table; state
// mutation is serialized per (tenant,user) key by the session store's atomic
// update operations, so no lock is held across responder or delivery I/O.
type Service struct {
	tenants   TenantResolver
	sessions  store.SessionStore
	responder llm.Client
	delivery  messenger.Gateway
	notifier  notify.Notifier
	audit     TurnPublisher
	keywords  []string
	maxTokens int
	logger    *logger.Logger

	debounce *Aggregator
}

// NewService creates a relay service. notifier and audit may be nil.
func NewService(
	cfg Config,
	tenants TenantResolver,
	sessions store.SessionStore,
	responder llm.Client,
	delivery messenger.Gateway,
	notifier notify.Notifier,
	audit TurnPublisher,
	log *logger.Logger,
) *Service {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	keywords := cfg.HumanKeywords
	if keywords == nil {
		keywords = DefaultHumanKeywords
	}

	s := &Service{
		tenants:   tenants,
		sessions:  sessions,
		responder: responder,
		delivery:  delivery,
		notifier:  notifier,
		audit:     audit,
		keywords:  keywords,
		maxTokens: cfg.MaxTokens,
		logger:    log,
	}
	s.debounce = NewAggregator(cfg.DebounceWindow, s.flushBurst)
	return s
}

// Close stops the debounce aggregator, dropping in-flight bursts.
func (s *Service) Close() {
	s.debounce.Close()
}

// HandleBatch processes a webhook batch. Each event is isolated: a failure
// or panic in one never aborts its siblings.
func (s *Service) HandleBatch(ctx context.Context, payload *model.WebhookPayload) {
	for _, entry := range payload.Entry {
		for i := range entry.Messaging {
			ev := &entry.Messaging[i]
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("panic handling event",
							zap.Any("panic", r),
							zap.String("sender", ev.Sender.ID))
					}
				}()
				if err := s.HandleEvent(ctx, ev); err != nil {
					s.logger.Error("event handling failed",
						zap.Error(err),
						zap.String("sender", ev.Sender.ID),
						zap.String("routing_key", ev.RoutingKey()))
				}
			}()
		}
	}
}

// HandleEvent processes one inbound messaging event through the pipeline:
// tenant resolution, dedupe, lazy mode expiry, admin signals, keyword
// handoff, then debounced aggregation toward the responder.
func (s *Service) HandleEvent(ctx context.Context, ev *model.MessagingEvent) error {
	// Echoes are the page's own outbound messages reflected back.
	if ev.Message != nil && ev.Message.IsEcho {
		return nil
	}

	text := ""
	mid := ""
	if ev.Message != nil {
		text = ev.Message.Text
		mid = ev.Message.MID
	}
	payload := ev.ControlPayload()

	// Nothing to act on: no text, no control payload, no referral.
	if text == "" && payload == "" && ev.Referral == nil {
		return nil
	}

	tenant, err := s.tenants.Resolve(ctx, ev.RoutingKey())
	if err != nil {
		// Unconfigured or deactivated tenant: drop silently, log for
		// operators only.
		s.logger.Warn("dropping event for unresolved tenant",
			zap.String("routing_key", ev.RoutingKey()))
		metrics.EventsDropped.WithLabelValues("unresolved_tenant").Inc()
		return nil
	}

	userID := ev.Sender.ID
	if userID == "" {
		return nil
	}

	log := s.logger.WithContext("", tenant.ID, userID)
	metrics.EventsTotal.WithLabelValues(tenant.ID).Inc()

	// Dedupe happens before any side-effecting work for this message id.
	if mid != "" {
		seen, err := s.sessions.HasProcessedMessage(ctx, tenant.ID, userID, mid)
		if err != nil {
			return fmt.Errorf("dedupe check: %w", err)
		}
		if seen {
			metrics.DedupeHits.WithLabelValues(tenant.ID).Inc()
			log.Debug("duplicate message dropped", zap.String("mid", mid))
			return nil
		}
	}

	if _, err := s.sessions.GetOrCreate(ctx, tenant.ID, userID); err != nil {
		return fmt.Errorf("get or create session: %w", err)
	}

	if ev.Referral != nil && ev.Referral.AdID != "" {
		err := s.sessions.RecordReferral(ctx, tenant.ID, userID, model.AdContext{
			CampaignID: ev.Referral.AdID,
			Title:      ev.Referral.AdTitle,
			ProductRef: ev.Referral.AdProduct,
		})
		if err != nil {
			return fmt.Errorf("record referral: %w", err)
		}
	}

	if payload != "" {
		if err := s.handleControlPayload(ctx, tenant, userID, payload); err != nil {
			return err
		}
		return s.markProcessed(ctx, tenant.ID, userID, mid)
	}

	if text == "" {
		return s.markProcessed(ctx, tenant.ID, userID, mid)
	}

	// The only observation point for the 24h reversion is message arrival.
	mode, err := s.sessions.EnsureAutomatedIfExpired(ctx, tenant.ID, userID)
	if err != nil {
		return fmt.Errorf("check mode expiry: %w", err)
	}

	if matchesKeyword(text, s.keywords) {
		if err := s.markProcessed(ctx, tenant.ID, userID, mid); err != nil {
			return err
		}
		return s.keywordHandoff(ctx, tenant, userID, mode, text)
	}

	if mode == model.ModeHuman {
		// Human-owned: record the turn for the operator, never invoke
		// the responder.
		if err := s.sessions.AppendTurn(ctx, tenant.ID, userID, model.RoleUser, text); err != nil {
			return fmt.Errorf("append turn: %w", err)
		}
		s.publishTurn(ctx, tenant.ID, userID, model.RoleUser, text, mid)
		return s.markProcessed(ctx, tenant.ID, userID, mid)
	}

	if err := s.markProcessed(ctx, tenant.ID, userID, mid); err != nil {
		return err
	}

	if newBurst := s.debounce.Add(tenant, userID, text); newBurst {
		// Typing indicator at most once per burst; the matching off is
		// guaranteed by the flush and cancel paths.
		if err := s.delivery.SendTypingIndicator(ctx, tenant, userID, true); err != nil {
			log.Warn("typing indicator failed", zap.Error(err))
		}
	}
	return nil
}

// SetMode applies an operator-initiated mode change from the admin API. It
// follows the same paths as the in-band control payloads, so a switch to
// automated clears the rolling history and a switch to human sends the
// tenant's handoff acknowledgement and notification.
func (s *Service) SetMode(ctx context.Context, tenant *model.TenantConfig, userID string, mode model.Mode) error {
	switch mode {
	case model.ModeAutomated:
		return s.handleControlPayload(ctx, tenant, userID, model.PayloadResumeAutomated)
	case model.ModeHuman:
		return s.handleControlPayload(ctx, tenant, userID, model.PayloadForceHuman)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

// ResetSession drops any pending burst, clears the rolling history, and
// returns the session to automated mode.
func (s *Service) ResetSession(ctx context.Context, tenant *model.TenantConfig, userID string) error {
	return s.handleControlPayload(ctx, tenant, userID, model.PayloadResumeAutomated)
}

// handleControlPayload applies the administrative signals. Unrecognized
// payloads are no-ops that still short-circuit text handling.
func (s *Service) handleControlPayload(ctx context.Context, tenant *model.TenantConfig, userID, payload string) error {
	switch payload {
	case model.PayloadResumeAutomated:
		// Buffered fragments are dropped: the reset clears history anyway.
		if _, ok := s.debounce.Cancel(tenant.ID, userID); ok {
			s.typingOff(ctx, tenant, userID)
		}
		if err := s.sessions.SetMode(ctx, tenant.ID, userID, model.ModeAutomated); err != nil {
			return fmt.Errorf("resume automated: %w", err)
		}
		if err := s.sessions.ClearTurns(ctx, tenant.ID, userID); err != nil {
			return fmt.Errorf("clear turns: %w", err)
		}
		s.logger.Info("session resumed to automated",
			zap.String("tenant_id", tenant.ID), zap.String("user_id", userID))
		return nil

	case model.PayloadForceHuman:
		lastText := ""
		if discarded, ok := s.debounce.Cancel(tenant.ID, userID); ok {
			s.typingOff(ctx, tenant, userID)
			if discarded != "" {
				lastText = discarded
				if err := s.sessions.AppendTurn(ctx, tenant.ID, userID, model.RoleUser, discarded); err != nil {
					return fmt.Errorf("append turn: %w", err)
				}
			}
		}
		return s.handoff(ctx, tenant, userID, notify.ReasonAdmin, lastText)

	default:
		s.logger.Debug("ignoring unrecognized control payload",
			zap.String("tenant_id", tenant.ID), zap.String("payload", payload))
		return nil
	}
}

// keywordHandoff handles a human-request keyword: the pending burst is
// cancelled so buffered fragments never reach the responder; they are
// preserved as a user turn together with the triggering text.
func (s *Service) keywordHandoff(ctx context.Context, tenant *model.TenantConfig, userID string, mode model.Mode, text string) error {
	lastText := text
	if discarded, ok := s.debounce.Cancel(tenant.ID, userID); ok {
		s.typingOff(ctx, tenant, userID)
		if discarded != "" {
			lastText = discarded + "\n" + text
		}
	}

	if err := s.sessions.AppendTurn(ctx, tenant.ID, userID, model.RoleUser, lastText); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	s.publishTurn(ctx, tenant.ID, userID, model.RoleUser, lastText, "")

	if mode == model.ModeHuman {
		// Already human-owned: self-transition, no second acknowledgement.
		return nil
	}
	return s.handoff(ctx, tenant, userID, notify.ReasonKeyword, lastText)
}

// handoff performs the automated→human transition: mode switch, one
// acknowledgement to the end user, and operator notification.
func (s *Service) handoff(ctx context.Context, tenant *model.TenantConfig, userID string, reason notify.Reason, lastText string) error {
	if err := s.sessions.SwitchToHuman(ctx, tenant.ID, userID); err != nil {
		return fmt.Errorf("switch to human: %w", err)
	}
	metrics.HandoffsTotal.WithLabelValues(tenant.ID, string(reason)).Inc()

	if tenant.HandoffMessage != "" {
		if err := s.delivery.SendText(ctx, tenant, userID, tenant.HandoffMessage); err != nil {
			s.logger.Warn("handoff acknowledgement failed",
				zap.Error(err), zap.String("tenant_id", tenant.ID), zap.String("user_id", userID))
		}
	}

	sess, err := s.sessions.Get(ctx, tenant.ID, userID)
	if err != nil {
		sess = nil
	}
	if err := s.notifier.NotifyHandoff(ctx, notify.Handoff{
		Tenant:   tenant,
		UserID:   userID,
		Reason:   reason,
		LastText: lastText,
		Session:  sess,
	}); err != nil {
		s.logger.Warn("handoff notification failed",
			zap.Error(err), zap.String("tenant_id", tenant.ID), zap.String("user_id", userID))
	}

	s.logger.Info("conversation handed off",
		zap.String("tenant_id", tenant.ID),
		zap.String("user_id", userID),
		zap.String("reason", string(reason)))
	return nil
}

// flushBurst is the aggregator's flush callback: one responder invocation
// per quiesced burst. It runs on a timer goroutine with its own deadline.
func (s *Service) flushBurst(tenant *model.TenantConfig, userID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	// Typing on was emitted when the burst opened; pair it on every exit.
	defer s.typingOff(ctx, tenant, userID)

	metrics.DebounceFlushes.WithLabelValues(tenant.ID).Inc()
	metrics.DebounceBatchSize.Observe(float64(strings.Count(text, "\n") + 1))

	// The burst may have been overtaken by a handoff while buffered.
	mode, err := s.sessions.EnsureAutomatedIfExpired(ctx, tenant.ID, userID)
	if err != nil {
		s.logger.Error("flush mode check failed", zap.Error(err), zap.String("tenant_id", tenant.ID))
		return
	}
	if mode == model.ModeHuman {
		if err := s.sessions.AppendTurn(ctx, tenant.ID, userID, model.RoleUser, text); err != nil {
			s.logger.Error("append turn failed", zap.Error(err), zap.String("tenant_id", tenant.ID))
		}
		return
	}

	if err := s.sessions.AppendTurn(ctx, tenant.ID, userID, model.RoleUser, text); err != nil {
		s.logger.Error("append turn failed", zap.Error(err), zap.String("tenant_id", tenant.ID))
		return
	}
	s.publishTurn(ctx, tenant.ID, userID, model.RoleUser, text, "")

	sess, err := s.sessions.Get(ctx, tenant.ID, userID)
	if err != nil {
		s.logger.Error("load session failed", zap.Error(err), zap.String("tenant_id", tenant.ID))
		return
	}

	start := time.Now()
	resp, err := s.responder.Complete(ctx, s.buildRequest(tenant, sess))
	metrics.ResponderDuration.WithLabelValues(tenant.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		// Safety fallback: escalate so the user is not left in silence.
		s.logger.Error("responder failed, escalating to human",
			zap.Error(err), zap.String("tenant_id", tenant.ID), zap.String("user_id", userID))
		metrics.ResponderErrors.WithLabelValues(tenant.ID).Inc()
		if err := s.handoff(ctx, tenant, userID, notify.ReasonResponderError, text); err != nil {
			s.logger.Error("error escalation failed", zap.Error(err), zap.String("tenant_id", tenant.ID))
		}
		return
	}
	metrics.ResponderTokens.WithLabelValues(tenant.Model, "in").Add(float64(resp.TokensIn))
	metrics.ResponderTokens.WithLabelValues(tenant.Model, "out").Add(float64(resp.TokensOut))

	// The sentinel is inspected before any post-processing and never
	// delivered to the end user.
	if isHandoffSentinel(resp.Content, tenant.Sentinel()) {
		if err := s.handoff(ctx, tenant, userID, notify.ReasonSentinel, text); err != nil {
			s.logger.Error("sentinel handoff failed", zap.Error(err), zap.String("tenant_id", tenant.ID))
		}
		return
	}

	reply := scrubForbiddenWords(resp.Content, tenant.ForbiddenWords)

	if err := s.sessions.AppendTurn(ctx, tenant.ID, userID, model.RoleAssistant, reply); err != nil {
		s.logger.Error("append turn failed", zap.Error(err), zap.String("tenant_id", tenant.ID))
		return
	}
	s.publishTurn(ctx, tenant.ID, userID, model.RoleAssistant, reply, "")

	if err := s.delivery.SendText(ctx, tenant, userID, reply); err != nil {
		// Logged, not retried inline: the next inbound event re-establishes
		// context.
		s.logger.Error("reply delivery failed",
			zap.Error(err), zap.String("tenant_id", tenant.ID), zap.String("user_id", userID))
		metrics.DeliveryErrors.WithLabelValues(tenant.ID).Inc()
	}
}

// buildRequest frames the responder prompt: system prompt plus optional
// summary and ad context, then the rolling turn window in order.
func (s *Service) buildRequest(tenant *model.TenantConfig, sess *model.Session) *llm.CompletionRequest {
	system := tenant.SystemPrompt
	if sess.Summary != "" {
		system += "\n\nConversation summary so far:\n" + sess.Summary
	}
	if sess.AdContext != nil {
		system += fmt.Sprintf("\n\nThe user arrived through ad %q", sess.AdContext.Title)
		if sess.AdContext.ProductRef != "" {
			system += fmt.Sprintf(" (product: %s)", sess.AdContext.ProductRef)
		}
		system += "."
	}

	messages := make([]llm.ChatMessage, len(sess.RecentTurns))
	for i, turn := range sess.RecentTurns {
		messages[i] = llm.ChatMessage{Role: string(turn.Role), Content: turn.Text}
	}

	return &llm.CompletionRequest{
		Model:       tenant.Model,
		System:      system,
		Messages:    messages,
		MaxTokens:   s.maxTokens,
		Temperature: tenant.Temperature,
	}
}

func (s *Service) markProcessed(ctx context.Context, tenantID, userID, mid string) error {
	if mid == "" {
		return nil
	}
	if err := s.sessions.MarkProcessed(ctx, tenantID, userID, mid); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (s *Service) publishTurn(ctx context.Context, tenantID, userID string, role model.Role, text, mid string) {
	if s.audit == nil {
		return
	}
	_, err := s.audit.PublishTurn(ctx, &natsclient.TurnRecord{
		TenantID:  tenantID,
		UserID:    userID,
		Role:      role,
		Text:      text,
		MessageID: mid,
	})
	if err != nil {
		s.logger.Warn("audit publish failed", zap.Error(err), zap.String("tenant_id", tenantID))
	}
}

func (s *Service) typingOff(ctx context.Context, tenant *model.TenantConfig, userID string) {
	if err := s.delivery.SendTypingIndicator(ctx, tenant, userID, false); err != nil {
		s.logger.Debug("typing off failed",
			zap.Error(err), zap.String("tenant_id", tenant.ID), zap.String("user_id", userID))
	}
}
