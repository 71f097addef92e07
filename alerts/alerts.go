// Package alerts delivers operator notifications for conditions that need a
// human: unhandled payments, failed ramps, low treasury balances.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Alert is one operator notification.
type Alert struct {
	Kind    string            `json:"kind"`
	Subject string            `json:"subject"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	At      time.Time         `json:"at"`
}

// Notifier delivers alerts to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, alerts []Alert) error
}

// WebhookNotifier posts alert batches as JSON to a configured endpoint.
// Delivery is best effort: failures are logged, never returned upstream to
// block the sweep that raised the alert.
type WebhookNotifier struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithWebhookLogger sets the delivery logger.
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(n *WebhookNotifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithWebhookClient overrides the HTTP client, primarily for tests.
func WithWebhookClient(client *http.Client) WebhookOption {
	return func(n *WebhookNotifier) {
		if client != nil {
			n.http = client
		}
	}
}

// NewWebhookNotifier constructs a notifier with sane defaults.
func NewWebhookNotifier(url string, opts ...WebhookOption) *WebhookNotifier {
	n := &WebhookNotifier{
		url:    url,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify posts the batch. A nil notifier or empty endpoint is a no-op so
// callers never need to guard.
func (n *WebhookNotifier) Notify(ctx context.Context, alerts []Alert) error {
	if n == nil || n.url == "" || len(alerts) == 0 {
		return nil
	}
	payload, err := json.Marshal(struct {
		Alerts []Alert `json:"alerts"`
	}{Alerts: alerts})
	if err != nil {
		return fmt.Errorf("alerts: marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("alerts: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.http.Do(req)
	if err != nil {
		n.logger.Error("alert delivery failed", slog.String("error", err.Error()))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Error("alert endpoint rejected batch", slog.Int("status", resp.StatusCode))
	}
	return nil
}
