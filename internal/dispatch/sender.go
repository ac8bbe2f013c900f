package dispatch

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

// WebhookSender posts {"content": message} to a Discord-style webhook.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender creates a sender whose requests give up after timeout.
func NewWebhookSender(timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSender) Send(ctx context.Context, destination, message string) error {
	body, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request for %s: %w", MaskURL(destination), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// The transport error embeds the full URL.
		return fmt.Errorf("post to %s failed", MaskURL(destination))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook %s returned %s: %s", MaskURL(destination), resp.Status, bytes.TrimSpace(snippet))
	}
	return nil
}

// LogSender logs messages instead of sending them.
type LogSender struct{}

func (LogSender) Send(_ context.Context, destination, message string) error {
	slog.Info("dry run: message not sent", "destination", MaskURL(destination), "message", message)
	return nil
}
