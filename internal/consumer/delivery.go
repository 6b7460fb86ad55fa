package consumer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/snehjoshi/chronoq/internal/timer"
)

// webhookPayload is the JSON body POSTed to the webhook URL.
type webhookPayload struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Body      string            `json:"body"` // base64-encoded
	FireAt    int64             `json:"fire_at"`
	FiredAt   int64             `json:"fired_at"`
	CreatedAt int64             `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// deliverWithRetry POSTs fired to the webhook, retrying on the configured
// backoff schedule. It returns the last attempt's error after the schedule
// is exhausted.
func (m *Manager) deliverWithRetry(ctx context.Context, client *http.Client, wh *Webhook, fired *timer.Fired) error {
	err := deliver(ctx, client, wh, fired)
	if err == nil {
		return nil
	}

	for _, delay := range m.cfg.RetryDelays {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if err = deliver(ctx, client, wh, fired); err == nil {
			return nil
		}
		m.log.Debug("webhook retry failed", "sub", wh.ID, "timer", fired.ID, "err", err)
	}
	return err
}

// deliver POSTs fired to the subscription URL.
// Returns nil only when the endpoint responds with a 2xx status.
func deliver(ctx context.Context, client *http.Client, wh *Webhook, fired *timer.Fired) error {
	p := webhookPayload{
		ID:        fired.ID,
		Topic:     fired.Topic,
		Body:      base64.StdEncoding.EncodeToString(fired.Body),
		FireAt:    fired.FireAt,
		FiredAt:   fired.FiredAt,
		CreatedAt: fired.CreatedAt,
		Metadata:  fired.Metadata,
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("consumer: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("consumer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// HMAC-sign the body when the subscription carries a secret.
	if wh.secret != "" {
		mac := hmac.New(sha256.New, []byte(wh.secret))
		mac.Write(body)
		sig := hex.EncodeToString(mac.Sum(nil))
		req.Header.Set("X-ChronoQ-Signature", "sha256="+sig)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("consumer: POST to %s: %w", wh.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("consumer: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
