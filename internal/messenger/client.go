// Package messenger provides the outbound delivery gateway for the
// messaging platform's send API.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/capitalize-ai/messenger-relay/internal/model"
)

const defaultAPIBase = "https://graph.facebook.com/v24.0"

// Gateway sends outbound messages and sender actions for a tenant.
type Gateway interface {
	// SendText delivers a text message to a user.
	SendText(ctx context.Context, tenant *model.TenantConfig, userID, text string) error

	// SendTypingIndicator toggles the typing indicator for a user.
	SendTypingIndicator(ctx context.Context, tenant *model.TenantConfig, userID string, on bool) error
}

// Client is the Graph-API implementation of Gateway.
type Client struct {
	apiBase    string
	httpClient *http.Client
}

// NewClient creates a delivery gateway client. An empty apiBase selects the
// production Graph API endpoint.
func NewClient(apiBase string) *Client {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &Client{
		apiBase: apiBase,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type recipient struct {
	ID string `json:"id"`
}

type sendMessageBody struct {
	Recipient     recipient `json:"recipient"`
	MessagingType string    `json:"messaging_type,omitempty"`
	Message       *struct {
		Text string `json:"text"`
	} `json:"message,omitempty"`
	SenderAction string `json:"sender_action,omitempty"`
}

// SendText implements Gateway.
func (c *Client) SendText(ctx context.Context, tenant *model.TenantConfig, userID, text string) error {
	body := sendMessageBody{
		Recipient:     recipient{ID: userID},
		MessagingType: "RESPONSE",
	}
	body.Message = &struct {
		Text string `json:"text"`
	}{Text: text}

	return c.post(ctx, tenant, body)
}

// SendTypingIndicator implements Gateway.
func (c *Client) SendTypingIndicator(ctx context.Context, tenant *model.TenantConfig, userID string, on bool) error {
	action := "typing_off"
	if on {
		action = "typing_on"
	}

	return c.post(ctx, tenant, sendMessageBody{
		Recipient:    recipient{ID: userID},
		SenderAction: action,
	})
}

func (c *Client) post(ctx context.Context, tenant *model.TenantConfig, body sendMessageBody) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal send body: %w", err)
	}

	endpoint := c.apiBase + "/me/messages?" + url.Values{
		"access_token": {tenant.PageToken},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send to platform: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("platform send failed: status %d: %s", resp.StatusCode, detail)
	}
	return nil
}
