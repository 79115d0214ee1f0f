// Package alert delivers security alerts to a Discord-compatible webhook.
//
// The payload mirrors what a human moderator would repost: a mention that
// pings the whole server and the triggering message's embeds, forwarded
// byte for byte.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/dupwatch/channels"
	"github.com/hazyhaar/dupwatch/horosafe"
)

// MentionEveryone is the content sent with every alert.
const MentionEveryone = "@everyone"

// Alert is one unexpected-resend event.
type Alert struct {
	ID         string
	Identifier string
	Message    channels.Message
}

// Payload is the JSON body POSTed to the webhook.
type Payload struct {
	Content string           `json:"content"`
	Embeds  []channels.Embed `json:"embeds"`
}

// NewPayload builds the webhook body for a.
func NewPayload(a Alert) Payload {
	embeds := a.Message.Embeds
	if embeds == nil {
		embeds = []channels.Embed{}
	}
	return Payload{Content: MentionEveryone, Embeds: embeds}
}

// Webhook posts alerts to a single webhook URL.
type Webhook struct {
	url    string
	client *http.Client
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// NewWebhook creates a notifier posting to url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Notify POSTs the alert once. A non-2xx answer or a transport failure is
// returned as *DeliveryError; nothing is retried.
func (w *Webhook) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(NewPayload(a))
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("webhook POST: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
		return &DeliveryError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return nil
}
