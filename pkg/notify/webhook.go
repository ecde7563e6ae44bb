package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// HeaderNotificationID carries the notification id so receivers can
// deduplicate retried deliveries.
const HeaderNotificationID = "X-Poncho-Notification-Id"

// WebhookSender posts notifications as JSON to notify_url endpoints.
type WebhookSender struct {
	client          *http.Client
	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration
	// budget caps the time one Post spends retrying. Zero leaves only
	// maxRetries.
	budget time.Duration
	logger zerolog.Logger
}

// NewWebhookSender creates a sender. A nil client uses a client with a 10s
// timeout.
func NewWebhookSender(client *http.Client, maxRetries int, logger zerolog.Logger) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &WebhookSender{
		client:          client,
		maxRetries:      uint64(maxRetries),
		initialInterval: 500 * time.Millisecond,
		maxInterval:     10 * time.Second,
		logger:          logger,
	}
}

// Post delivers n to url, retrying server errors and 429 responses.
func (w *WebhookSender) Post(ctx context.Context, url string, n *Notification) error {
	body, err := json.Marshal(n.Payload())
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := w.post(ctx, url, n.ID, body)
		if err == nil {
			return nil
		}
		var de *DeliveryError
		if errors.As(err, &de) && !de.Temporary() {
			return backoff.Permanent(de)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(w.initialInterval),
		backoff.WithMaxInterval(w.maxInterval),
		backoff.WithMaxElapsedTime(w.budget),
	)
	b := backoff.WithContext(backoff.WithMaxRetries(policy, w.maxRetries), ctx)

	err = backoff.RetryNotify(operation, b, func(err error, next time.Duration) {
		w.logger.Debug().
			Err(err).
			Str("url", url).
			Int("attempt", attempt).
			Dur("retry_in", next).
			Msg("Webhook delivery failed, retrying")
	})
	if err != nil {
		return err
	}
	w.logger.Debug().Str("url", url).Str("kind", string(n.Kind)).Int("attempts", attempt).Msg("Webhook delivered")
	return nil
}

func (w *WebhookSender) post(ctx context.Context, url, id string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(&DeliveryError{Channel: ChannelWebhook, Target: url, Err: err})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderNotificationID, id)

	resp, err := w.client.Do(req)
	if err != nil {
		return &DeliveryError{Channel: ChannelWebhook, Target: url, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &DeliveryError{
		Channel:    ChannelWebhook,
		Target:     url,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("unexpected status %s", resp.Status),
	}
}
