// Package notify is the outbound alert sink: it posts a JSON payload to a
// configured webhook whenever the Safety Engine arms a cooldown or the kill
// switch, so an operator watching the endpoint sees the platform go
// defensive without having to tail the Event Store.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Minstyle11/tmf-autotrader/internal/config"
)

// Notifier posts alert payloads to a webhook. A disabled or unconfigured
// Notifier silently no-ops rather than erroring — an alert sink going dark
// must never itself become a reason to block trading.
type Notifier struct {
	client  *resty.Client
	url     string
	enabled bool
}

// New builds a Notifier from config. The resty client is configured with a
// short timeout and a couple of retries, matching the teacher's exchange
// client posture for best-effort outbound calls that must not hang the
// caller.
func New(cfg config.NotifyConfig) *Notifier {
	client := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond)
	return &Notifier{client: client, url: cfg.WebhookURL, enabled: cfg.Enabled && cfg.WebhookURL != ""}
}

// Alert is the payload shape posted to the webhook.
type Alert struct {
	Kind      string         `json:"kind"`
	Code      string         `json:"code"`
	Reason    string         `json:"reason"`
	Ts        time.Time      `json:"ts"`
	Details   map[string]any `json:"details,omitempty"`
}

// Send posts an Alert. Returns nil immediately if the notifier is disabled.
func (n *Notifier) Send(ctx context.Context, a Alert) error {
	if n == nil || !n.enabled {
		return nil
	}
	if a.Ts.IsZero() {
		a.Ts = time.Now().UTC()
	}
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(a).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("notify: post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify: webhook returned %s", resp.Status())
	}
	return nil
}

// Cooldown builds and sends a cooldown alert.
func (n *Notifier) Cooldown(ctx context.Context, code, reason string, details map[string]any) error {
	return n.Send(ctx, Alert{Kind: "cooldown", Code: code, Reason: reason, Details: details})
}

// Kill builds and sends a kill-switch alert.
func (n *Notifier) Kill(ctx context.Context, code, reason string, details map[string]any) error {
	return n.Send(ctx, Alert{Kind: "kill", Code: code, Reason: reason, Details: details})
}
