package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WebhookNotifier posts handoff alerts to a tenant's chat-ops webhook
// (Slack-compatible: a JSON body with a single "text" field). Tenants with
// notifications disabled or no webhook URL are skipped.
type WebhookNotifier struct {
	httpClient *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier() *WebhookNotifier {
	return &WebhookNotifier{
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NotifyHandoff implements Notifier.
func (n *WebhookNotifier) NotifyHandoff(ctx context.Context, h Handoff) error {
	if h.Tenant == nil || !h.Tenant.NotifyEnabled || h.Tenant.NotifyWebhookURL == "" {
		return nil
	}

	lines := []string{
		"*HUMAN HANDOFF REQUESTED*",
		fmt.Sprintf("• Tenant: *%s*", h.Tenant.ID),
		fmt.Sprintf("• Page: `%s`", h.Tenant.PageID),
		fmt.Sprintf("• User: `%s`", h.UserID),
		fmt.Sprintf("• Reason: *%s*", h.Reason),
	}
	if h.Session != nil && h.Session.AdContext != nil {
		if h.Session.AdContext.Title != "" {
			lines = append(lines, "• Ad title: "+h.Session.AdContext.Title)
		}
		if h.Session.AdContext.ProductRef != "" {
			lines = append(lines, "• Ad product: "+h.Session.AdContext.ProductRef)
		}
	}
	if h.LastText != "" {
		lines = append(lines, "", "*Last message(s):*", "```", h.LastText, "```")
	}

	payload, err := json.Marshal(map[string]string{"text": strings.Join(lines, "\n")})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Tenant.NotifyWebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}
