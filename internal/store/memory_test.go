package store

import (
	"context"
	"testing"
	"time"

	"github.com/capitalize-ai/messenger-relay/internal/model"
)

func TestGetOrCreate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sess, err := s.GetOrCreate(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Mode != model.ModeAutomated {
		t.Errorf("new session should be automated, got %s", sess.Mode)
	}

	// Second call returns the same session, not a fresh one.
	if err := s.AppendTurn(ctx, "t1", "u1", model.RoleUser, "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sess, err = s.GetOrCreate(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sess.RecentTurns) != 1 {
		t.Errorf("expected existing session with 1 turn, got %d", len(sess.RecentTurns))
	}
}

func TestGetNotFound(t *testing.T) {
	s := NewMemoryStore()

	if _, err := s.Get(context.Background(), "t1", "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Same platform user under two tenants must be two sessions.
	if err := s.AppendTurn(ctx, "t1", "u1", model.RoleUser, "for t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SwitchToHuman(ctx, "t2", "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	one, err := s.Get(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if one.Mode != model.ModeAutomated || len(one.RecentTurns) != 1 {
		t.Errorf("t1 session affected by t2 write: mode=%s turns=%d", one.Mode, len(one.RecentTurns))
	}

	two, err := s.Get(ctx, "t2", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if two.Mode != model.ModeHuman || len(two.RecentTurns) != 0 {
		t.Errorf("t2 session affected by t1 write: mode=%s turns=%d", two.Mode, len(two.RecentTurns))
	}
}

func TestSwitchToHumanPreservesTimestamp(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SwitchToHuman(ctx, "t1", "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, _ := s.Get(ctx, "t1", "u1")
	if first.ModeChangedAt == nil {
		t.Fatal("ModeChangedAt should be set")
	}

	// A redundant switch must not move the expiry clock.
	time.Sleep(5 * time.Millisecond)
	if err := s.SwitchToHuman(ctx, "t1", "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := s.Get(ctx, "t1", "u1")
	if !second.ModeChangedAt.Equal(*first.ModeChangedAt) {
		t.Error("self-transition moved ModeChangedAt")
	}
}

func TestEnsureAutomatedIfExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Absent session reports automated without creating one.
	mode, err := s.EnsureAutomatedIfExpired(ctx, "t1", "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != model.ModeAutomated {
		t.Errorf("expected automated for absent session, got %s", mode)
	}
	if _, err := s.Get(ctx, "t1", "ghost"); err != ErrNotFound {
		t.Error("expiry check must not create sessions")
	}

	// Fresh human mode stays human.
	if err := s.SwitchToHuman(ctx, "t1", "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mode, err = s.EnsureAutomatedIfExpired(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != model.ModeHuman {
		t.Errorf("expected human within TTL, got %s", mode)
	}

	// Backdate past the TTL and observe the lazy reversion.
	stale := time.Now().UTC().Add(-model.HumanModeTTL - time.Hour)
	s.mu.Lock()
	s.sessions[model.SessionKey("t1", "u1")].ModeChangedAt = &stale
	s.mu.Unlock()

	mode, err = s.EnsureAutomatedIfExpired(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != model.ModeAutomated {
		t.Errorf("expected reversion to automated, got %s", mode)
	}
	sess, _ := s.Get(ctx, "t1", "u1")
	if sess.ModeChangedAt != nil {
		t.Error("reversion should clear ModeChangedAt")
	}
}

func TestDedupe(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	seen, err := s.HasProcessedMessage(ctx, "t1", "u1", "mid-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen {
		t.Error("unseen id reported as processed")
	}

	if err := s.MarkProcessed(ctx, "t1", "u1", "mid-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seen, err = s.HasProcessedMessage(ctx, "t1", "u1", "mid-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !seen {
		t.Error("marked id not reported as processed")
	}

	// Other users never share a ledger.
	seen, _ = s.HasProcessedMessage(ctx, "t1", "u2", "mid-1")
	if seen {
		t.Error("ledger leaked across users")
	}
}

func TestClearTurns(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.AppendTurn(ctx, "t1", "u1", model.RoleUser, "one")
	s.AppendTurn(ctx, "t1", "u1", model.RoleAssistant, "two")
	s.MarkProcessed(ctx, "t1", "u1", "mid-1")

	if err := s.ClearTurns(ctx, "t1", "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess, _ := s.Get(ctx, "t1", "u1")
	if len(sess.RecentTurns) != 0 {
		t.Errorf("expected empty history, got %d turns", len(sess.RecentTurns))
	}
	// The dedupe ledger survives a history reset.
	if !sess.HasProcessed("mid-1") {
		t.Error("reset must not clear the dedupe ledger")
	}
}

func TestRecordReferral(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ad := model.AdContext{CampaignID: "ad-1", Title: "Summer Sale", ProductRef: "sku-9"}
	if err := s.RecordReferral(ctx, "t1", "u1", ad); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess, _ := s.Get(ctx, "t1", "u1")
	if sess.AdContext == nil || sess.AdContext.CampaignID != "ad-1" {
		t.Fatalf("referral not recorded: %+v", sess.AdContext)
	}
}

func TestCloneIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.AppendTurn(ctx, "t1", "u1", model.RoleUser, "original")

	sess, _ := s.Get(ctx, "t1", "u1")
	sess.RecentTurns[0].Text = "mutated"
	sess.Mode = model.ModeHuman

	again, _ := s.Get(ctx, "t1", "u1")
	if again.RecentTurns[0].Text != "original" || again.Mode != model.ModeAutomated {
		t.Error("returned session shares state with the store")
	}
}
