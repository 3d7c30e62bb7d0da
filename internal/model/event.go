package model

// Administrative control payloads carried in postbacks or quick replies.
// Unrecognized payloads are no-ops that still short-circuit text handling.
const (
	// PayloadResumeAutomated reverts the session to automated mode and
	// clears conversation history.
	PayloadResumeAutomated = "ADMIN_RESUME_AI"
	// PayloadForceHuman switches the session to human mode without
	// invoking the responder.
	PayloadForceHuman = "ADMIN_FORCE_HUMAN"
)

// WebhookPayload is the inbound batch delivered by the messaging platform.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry is one page-level entry in a webhook batch.
type Entry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []MessagingEvent `json:"messaging"`
}

// MessagingEvent is a single messaging event inside an entry.
type MessagingEvent struct {
	Sender    Principal        `json:"sender"`
	Recipient Principal        `json:"recipient"`
	Timestamp int64            `json:"timestamp"`
	Message   *MessageContent  `json:"message,omitempty"`
	Postback  *Postback        `json:"postback,omitempty"`
	Reaction  *Reaction        `json:"reaction,omitempty"`
	Referral  *ReferralContent `json:"referral,omitempty"`
}

// Principal identifies a sender or recipient.
type Principal struct {
	ID string `json:"id"`
}

// MessageContent is the message block of an event.
type MessageContent struct {
	MID        string      `json:"mid,omitempty"`
	Text       string      `json:"text,omitempty"`
	IsEcho     bool        `json:"is_echo,omitempty"`
	QuickReply *QuickReply `json:"quick_reply,omitempty"`
}

// QuickReply carries a control payload attached to a message.
type QuickReply struct {
	Payload string `json:"payload"`
}

// Postback carries a control payload from a button press.
type Postback struct {
	Title   string `json:"title,omitempty"`
	Payload string `json:"payload"`
}

// Reaction is an emoji reaction event. The relay ignores these.
type Reaction struct {
	Action string `json:"action"`
	Emoji  string `json:"emoji,omitempty"`
}

// ReferralContent is the ad-referral block of an event.
type ReferralContent struct {
	Ref       string `json:"ref,omitempty"`
	Source    string `json:"source,omitempty"`
	AdID      string `json:"ad_id,omitempty"`
	AdTitle   string `json:"ad_title,omitempty"`
	AdProduct string `json:"ad_product,omitempty"`
}

// RoutingKey returns the transport identifier used to resolve the tenant.
func (e *MessagingEvent) RoutingKey() string {
	return e.Recipient.ID
}

// ControlPayload extracts the control payload from a postback or quick
// reply, or "" when the event carries none.
func (e *MessagingEvent) ControlPayload() string {
	if e.Postback != nil && e.Postback.Payload != "" {
		return e.Postback.Payload
	}
	if e.Message != nil && e.Message.QuickReply != nil {
		return e.Message.QuickReply.Payload
	}
	return ""
}
