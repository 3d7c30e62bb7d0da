package model

// DefaultHandoffSentinel is the marker a responder returns to request
// escalation to a human operator. Tenants may override it.
const DefaultHandoffSentinel = "__HANDOFF_TO_HUMAN__"

// TenantConfig is the per-tenant configuration owned by the tenant registry.
type TenantConfig struct {
	// ID is the internal tenant slug.
	ID   string `json:"id"`
	Name string `json:"name"`

	// PageID is the platform routing key. Globally unique; every inbound
	// event resolves to exactly one active tenant through it.
	PageID string `json:"page_id"`
	// PageToken is the credential used by the delivery gateway.
	PageToken string `json:"page_token,omitempty"`

	// Responder settings.
	SystemPrompt string  `json:"system_prompt"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`

	// ForbiddenWords are scrubbed from responder output before delivery.
	ForbiddenWords []string `json:"forbidden_words,omitempty"`

	// HandoffSentinel is the exact marker the responder returns to escalate.
	// Never shown to the end user.
	HandoffSentinel string `json:"handoff_sentinel"`
	// HandoffMessage is what the end user sees when a handoff happens.
	HandoffMessage string `json:"handoff_message"`

	Active bool `json:"active"`

	// Chat-ops notification settings.
	NotifyEnabled    bool   `json:"notify_enabled"`
	NotifyWebhookURL string `json:"notify_webhook_url,omitempty"`
}

// Sentinel returns the tenant's handoff sentinel, falling back to the
// system default when unset.
func (t *TenantConfig) Sentinel() string {
	if t.HandoffSentinel == "" {
		return DefaultHandoffSentinel
	}
	return t.HandoffSentinel
}
