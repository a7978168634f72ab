package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Channel delivers one lifecycle transition to an external destination.
// Channels are invoked by the dispatcher, never directly by the manager.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev TransitionEvent) error
}

// WebhookChannel posts transitions as JSON to an HTTP endpoint. Email
// and SMS destinations are webhook channels pointed at their gateway
// relays.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel with the given logical
// name (the name patterns route on, e.g. "email").
func NewWebhookChannel(name, url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookChannel) Name() string {
	return w.name
}

func (w *WebhookChannel) Send(ctx context.Context, ev TransitionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// LogChannel writes transitions to the structured log. It never fails,
// which makes it the delivery of last resort. The dashboard channel is
// a log channel under a different routing name until a real dashboard
// push exists.
type LogChannel struct {
	name   string
	logger *slog.Logger
}

// NewLogChannel creates a log channel routed under the given name. A
// nil logger uses the default.
func NewLogChannel(name string, logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{name: name, logger: logger}
}

func (l *LogChannel) Name() string {
	return l.name
}

func (l *LogChannel) Send(ctx context.Context, ev TransitionEvent) error {
	l.logger.Info("alert notification",
		"transition", ev.Type,
		"alert_id", ev.Alert.ID,
		"fingerprint", ev.Alert.Fingerprint.String(),
		"severity", ev.Alert.Severity,
		"status", ev.Alert.Status,
		"occurrences", ev.Alert.OccurrenceCount,
		"last_value", ev.Alert.LastValue)
	return nil
}
