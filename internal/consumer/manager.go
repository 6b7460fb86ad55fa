// Package consumer pushes fired timers to registered webhook endpoints.
//
// Each registered webhook gets its own dispatcher subscription and delivery
// goroutine. Failed deliveries are retried on the configured backoff
// schedule; a delivery that exhausts every retry is dropped and counted.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/snehjoshi/chronoq/internal/dispatcher"
	"github.com/snehjoshi/chronoq/internal/identity"
	"github.com/snehjoshi/chronoq/internal/metrics"
)

var ErrSubscriptionNotFound = errors.New("consumer: subscription not found")

// Webhook describes one registered endpoint.
type Webhook struct {
	ID     string `json:"id"`
	Topic  string `json:"topic"`
	URL    string `json:"url"`
	secret string
	cancel context.CancelFunc
}

// Config tunes delivery behaviour for every webhook.
type Config struct {
	// RetryDelays between successive attempts after a failed POST.
	RetryDelays []time.Duration
	// Timeout applies to each individual POST.
	Timeout time.Duration
}

// DefaultConfig mirrors the server defaults.
func DefaultConfig() Config {
	return Config{
		RetryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		Timeout:     5 * time.Second,
	}
}

// Manager owns the set of registered webhooks.
type Manager struct {
	disp    *dispatcher.Dispatcher
	cfg     Config
	metrics *metrics.Registry
	log     *slog.Logger

	mu   sync.RWMutex
	subs map[string]*Webhook
}

// NewManager creates a Manager delivering through disp. reg may be nil.
func NewManager(disp *dispatcher.Dispatcher, cfg Config, reg *metrics.Registry) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Manager{
		disp:    disp,
		cfg:     cfg,
		metrics: reg,
		log:     slog.Default(),
		subs:    make(map[string]*Webhook),
	}
}

// Register subscribes url to fired timers on topic and starts its delivery
// loop. secret, when non-empty, signs each request body with HMAC-SHA256.
func (m *Manager) Register(topic, url, secret string) (string, error) {
	id, err := identity.NewID()
	if err != nil {
		return "", fmt.Errorf("consumer: generate subscription ID: %w", err)
	}

	sub, err := m.disp.Subscribe(topic)
	if err != nil {
		return "", fmt.Errorf("consumer: subscribe to %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wh := &Webhook{ID: id, Topic: topic, URL: url, secret: secret, cancel: cancel}
	m.mu.Lock()
	m.subs[id] = wh
	m.mu.Unlock()

	go m.deliveryLoop(ctx, wh, sub)
	m.log.Info("webhook registered", "id", id, "topic", topic, "url", url)
	return id, nil
}

// Deregister stops a webhook's delivery loop and forgets it.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	wh, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	wh.cancel()
	m.log.Info("webhook deregistered", "id", id)
	return nil
}

// List returns a snapshot of registered webhooks.
func (m *Manager) List() []*Webhook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Webhook, 0, len(m.subs))
	for _, wh := range m.subs {
		out = append(out, wh)
	}
	return out
}

// Close stops every delivery loop.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wh := range m.subs {
		wh.cancel()
	}
	m.subs = make(map[string]*Webhook)
}

// deliveryLoop forwards fired timers from sub to the webhook endpoint until
// ctx is canceled.
func (m *Manager) deliveryLoop(ctx context.Context, wh *Webhook, sub *dispatcher.Subscription) {
	defer sub.Close()
	client := &http.Client{Timeout: m.cfg.Timeout}

	for {
		select {
		case <-ctx.Done():
			return
		case fired := <-sub.C():
			if err := m.deliverWithRetry(ctx, client, wh, fired); err != nil {
				if m.metrics != nil {
					m.metrics.WebhookFailed.Inc(wh.Topic)
				}
				m.log.Warn("webhook delivery exhausted retries",
					"sub", wh.ID, "timer", fired.ID, "err", err)
				continue
			}
			if m.metrics != nil {
				m.metrics.WebhookOK.Inc(wh.Topic)
			}
		}
	}
}
