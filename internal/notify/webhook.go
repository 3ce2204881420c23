// Package notify posts run alerts to an HTTP webhook.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Event is the JSON payload sent for a finished run that had failures.
type Event struct {
	Kind       string    `json:"kind"` // reconcile, validation
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	Mode       string    `json:"mode,omitempty"`
	Failures   []string  `json:"failures,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Webhook posts events as JSON.
type Webhook struct {
	client *resty.Client
	url    string
}

// WebhookConfig holds the webhook endpoint.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

// NewWebhook creates a webhook notifier.
// Parameters:
//   - cfg: endpoint and request timeout.
// Returns:
//   - *Webhook: notifier ready to post.
func NewWebhook(cfg *WebhookConfig) *Webhook {
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.SetTimeout(timeout)
	return &Webhook{client: client, url: cfg.URL}
}

// Notify posts ev and fails on a non-2xx response.
func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(ev).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode(), string(resp.Body()))
	}
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
