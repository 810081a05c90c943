package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"streamgate/internal/observability/metrics"
)

// WebhookConfig configures the webhook notifier. URL is required; the rest
// fall back to sensible defaults.
type WebhookConfig struct {
	URL           string
	Token         string
	HTTPClient    *http.Client
	Logger        *slog.Logger
	MaxAttempts   int
	RetryInterval time.Duration
}

// Webhook posts events as JSON to a configured endpoint, retrying transient
// failures a bounded number of times.
type Webhook struct {
	url           string
	token         string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

// NewWebhook constructs a webhook notifier from the provided configuration.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	interval := cfg.RetryInterval
	if interval < 0 {
		interval = 0
	}
	return &Webhook{
		url:           url,
		token:         strings.TrimSpace(cfg.Token),
		client:        client,
		logger:        logger,
		maxAttempts:   attempts,
		retryInterval: interval,
	}, nil
}

// Send delivers one event, retrying on transport and 5xx failures.
func (w *Webhook) Send(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if w.token != "" {
			req.Header.Set("Authorization", "Bearer "+w.token)
		}
		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				metrics.ObserveNotification(event.Kind)
				return nil
			case resp.StatusCode >= 500:
				lastErr = fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
			default:
				// Client errors will not succeed on retry.
				return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
			}
		}
		if attempt < w.maxAttempts {
			w.logger.Warn("notification delivery failed", "kind", event.Kind, "attempt", attempt, "error", lastErr)
			if w.retryInterval > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(w.retryInterval):
				}
			} else {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
		}
	}
	return lastErr
}
