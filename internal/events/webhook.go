package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Satisfyguy/escrowd/internal/metrics"
	"github.com/Satisfyguy/escrowd/internal/retry"
)

// WebhookDispatcher delivers events to a fixed set of external URLs with
// HMAC-SHA256 payload signing and bounded exponential-backoff retries.
type WebhookDispatcher struct {
	urls   []string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookDispatcher creates a dispatcher for the configured URLs. An
// empty secret disables signing.
func NewWebhookDispatcher(urls []string, secret string, logger *slog.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		urls:   urls,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Deliver implements Subscriber.
func (d *WebhookDispatcher) Deliver(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("marshal webhook payload", "event", event.ID, "error", err)
		return
	}
	for _, url := range d.urls {
		d.send(ctx, url, event, payload)
	}
}

func (d *WebhookDispatcher) send(ctx context.Context, url string, event Event, payload []byte) {
	err := retry.Do(ctx, 3, time.Second, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Escrowd-Event", event.Type)
		req.Header.Set("X-Escrowd-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
		if d.secret != "" {
			req.Header.Set("X-Escrowd-Signature", sign(payload, d.secret))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook %s: status %d", url, resp.StatusCode)
		}
		return nil
	})

	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook delivery failed",
			"url", url, "event", event.Type, "escrow", event.EscrowID, "error", err)
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
