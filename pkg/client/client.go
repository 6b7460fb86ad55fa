// Package client is the Go SDK for the ChronoQ HTTP API.
//
// Typical usage:
//
//	c := client.New("http://localhost:8080")
//
//	// Fire a timer in 1 hour, cancel it, or move its deadline.
//	t, err := c.CreateTimer(ctx, "invoices", []byte(`{"invoice":42}`),
//	    client.WithDelay(time.Hour))
//	_, err = c.CancelTimer(ctx, t.ID)
//	t, err = c.ResetTimer(ctx, t.ID, time.Now().Add(2*time.Hour))
//
// Non-2xx responses surface as *APIError; use errors.As (or the IsNotFound,
// IsGone, IsConflict helpers) to branch on the status. A Client is safe for
// concurrent use and reuses connections through one shared http.Client.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the ChronoQ server responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string // taken from the response body's "error" field
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chronoq: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsGone reports whether the error is a 410 — the timer already fired or was
// already canceled.
func IsGone(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusGone
}

// IsConflict reports whether the error is a 409 (already exists) from the server.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption customizes a Client at construction time.
type ClientOption func(*Client)

// WithAPIKey attaches an X-Api-Key header to every request. Needed against
// servers running with auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient substitutes a caller-supplied http.Client, e.g. for custom
// TLS settings, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout overrides the per-request timeout (30s unless set).
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the ChronoQ API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the ChronoQ server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("http://chronoq.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Create options ───────────────────────────────────────────────────────────

// CreateOption configures a single CreateTimer call.
type CreateOption func(*createPayload)

// WithFireAt schedules the timer at the given absolute time.
//
//	client.WithFireAt(time.Now().Add(time.Hour))
func WithFireAt(t time.Time) CreateOption {
	return func(p *createPayload) { p.FireAt = t.UnixMilli() }
}

// WithDelay schedules the timer after a relative delay from now.
//
//	client.WithDelay(24 * time.Hour)
func WithDelay(d time.Duration) CreateOption {
	return func(p *createPayload) { p.DelayMs = d.Milliseconds() }
}

// WithMetadata attaches user-defined key/value pairs to the timer.
func WithMetadata(m map[string]string) CreateOption {
	return func(p *createPayload) { p.Metadata = m }
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// Timer is a pending (or just-created) timer.
type Timer struct {
	// ID is the ULID assigned at creation time.
	ID string

	// Topic the timer belongs to.
	Topic string

	// Body is the raw payload decoded from base64. It is empty on
	// create/cancel/reset responses; use GetTimer to fetch it.
	Body []byte

	// FireAt is the scheduled deadline (UTC).
	FireAt time.Time

	// CreatedAt is when the timer was armed (UTC).
	CreatedAt time.Time

	// Metadata holds the user-defined key/value pairs set at creation.
	Metadata map[string]string
}

// FiredTimer is a history record of a timer that reached its deadline.
type FiredTimer struct {
	ID      string
	Topic   string
	Body    []byte
	FireAt  time.Time
	FiredAt time.Time
}

// Topic is a registered timer topic.
type Topic struct {
	Name      string
	CreatedAt time.Time
}

// HealthInfo is the decoded /health response.
type HealthInfo struct {
	Status  string
	NodeID  string
	Topics  int
	Pending int
	Uptime  time.Duration
	Version string
}

// StatsInfo is the dispatcher-wide snapshot returned by /api/stats.
type StatsInfo struct {
	Pending     int
	Subscribers int
	Fired       int64
	Canceled    int64
	NextFireAt  time.Time // zero when nothing is pending
}

// ─── Timer operations ─────────────────────────────────────────────────────────

// CreateTimer arms a timer on the named topic and returns it with its ULID.
// The deadline comes from WithFireAt or WithDelay; one of them is required.
//
//	t, err := c.CreateTimer(ctx, "invoices", body, client.WithDelay(time.Hour))
func (c *Client) CreateTimer(ctx context.Context, topic string, body []byte, opts ...CreateOption) (*Timer, error) {
	p := &createPayload{
		Body: base64.StdEncoding.EncodeToString(body),
	}
	for _, o := range opts {
		o(p)
	}

	var resp wireTimer
	path := fmt.Sprintf("/topics/%s/timers", url.PathEscape(topic))
	if err := c.do(ctx, http.MethodPost, path, p, &resp); err != nil {
		return nil, err
	}
	return resp.toTimer(), nil
}

// GetTimer fetches a pending timer, including its payload.
// Returns a 404 *APIError when the timer is not pending (fired, canceled, or
// never existed).
func (c *Client) GetTimer(ctx context.Context, id string) (*Timer, error) {
	var resp wireTimer
	if err := c.do(ctx, http.MethodGet, "/timers/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.toTimer(), nil
}

// CancelTimer disarms a pending timer and returns it.
// Returns a 410 *APIError (check IsGone) when the timer already fired or was
// already canceled.
func (c *Client) CancelTimer(ctx context.Context, id string) (*Timer, error) {
	var resp wireTimer
	if err := c.do(ctx, http.MethodDelete, "/timers/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.toTimer(), nil
}

// ResetTimer moves a pending timer's deadline to fireAt. The timer keeps its
// ID. Returns a 410 *APIError when the timer is no longer pending.
func (c *Client) ResetTimer(ctx context.Context, id string, fireAt time.Time) (*Timer, error) {
	payload := map[string]int64{"fire_at": fireAt.UnixMilli()}
	var resp wireTimer
	path := fmt.Sprintf("/timers/%s/reset", url.PathEscape(id))
	if err := c.do(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return nil, err
	}
	return resp.toTimer(), nil
}

// ─── Topic management ─────────────────────────────────────────────────────────

// CreateTopic registers a new topic.
// Returns an *APIError with StatusCode 409 if the topic already exists.
func (c *Client) CreateTopic(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/topics",
		map[string]string{"name": name}, nil)
}

// ListTopics returns all registered topics sorted by name.
func (c *Client) ListTopics(ctx context.Context) ([]*Topic, error) {
	var resp struct {
		Topics []struct {
			Name      string `json:"name"`
			CreatedAt int64  `json:"created_at"`
		} `json:"topics"`
	}
	if err := c.do(ctx, http.MethodGet, "/topics", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*Topic, len(resp.Topics))
	for i, tp := range resp.Topics {
		out[i] = &Topic{
			Name:      tp.Name,
			CreatedAt: time.UnixMilli(tp.CreatedAt).UTC(),
		}
	}
	return out, nil
}

// DeleteTopic removes a topic from the registry. Pending timers on the topic
// are unaffected; they fire into the void unless a subscriber reattaches.
func (c *Client) DeleteTopic(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/topics/"+url.PathEscape(name), nil, nil)
}

// ─── Webhook subscriptions ────────────────────────────────────────────────────

// Subscribe registers a webhook URL for the named topic.
// The server POSTs every fired timer to webhookURL.
// When secret is non-empty the server signs each request body with
// HMAC-SHA256 and sends the digest in X-ChronoQ-Signature. The returned
// subscription ID is what Unsubscribe takes.
func (c *Client) Subscribe(ctx context.Context, topic, webhookURL, secret string) (string, error) {
	payload := map[string]string{"url": webhookURL, "secret": secret}
	path := fmt.Sprintf("/topics/%s/subscriptions", url.PathEscape(topic))

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Unsubscribe deletes the webhook subscription with the given ID.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
}

// ─── Observability ────────────────────────────────────────────────────────────

// History returns the most recent fired timers, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]*FiredTimer, error) {
	path := "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var resp struct {
		Fired []struct {
			ID      string `json:"id"`
			Topic   string `json:"topic"`
			Body    string `json:"body"`
			FireAt  int64  `json:"fire_at"`
			FiredAt int64  `json:"fired_at"`
		} `json:"fired"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]*FiredTimer, len(resp.Fired))
	for i, rec := range resp.Fired {
		body, err := base64.StdEncoding.DecodeString(rec.Body)
		if err != nil {
			body = []byte(rec.Body)
		}
		out[i] = &FiredTimer{
			ID:      rec.ID,
			Topic:   rec.Topic,
			Body:    body,
			FireAt:  time.UnixMilli(rec.FireAt).UTC(),
			FiredAt: time.UnixMilli(rec.FiredAt).UTC(),
		}
	}
	return out, nil
}

// Health queries /health and reports the node's current status.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		NodeID   string `json:"node_id"`
		Topics   int    `json:"topics"`
		Pending  int    `json:"pending"`
		UptimeMs int64  `json:"uptime_ms"`
		Version  string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:  resp.Status,
		NodeID:  resp.NodeID,
		Topics:  resp.Topics,
		Pending: resp.Pending,
		Uptime:  time.Duration(resp.UptimeMs) * time.Millisecond,
		Version: resp.Version,
	}, nil
}

// Stats returns the dispatcher-wide snapshot from /api/stats.
func (c *Client) Stats(ctx context.Context) (*StatsInfo, error) {
	var resp struct {
		Pending     int   `json:"pending"`
		Subscribers int   `json:"subscribers"`
		Fired       int64 `json:"fired"`
		Canceled    int64 `json:"canceled"`
		NextFireAt  int64 `json:"next_fire_at"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &resp); err != nil {
		return nil, err
	}
	out := &StatsInfo{
		Pending:     resp.Pending,
		Subscribers: resp.Subscribers,
		Fired:       resp.Fired,
		Canceled:    resp.Canceled,
	}
	if resp.NextFireAt > 0 {
		out.NextFireAt = time.UnixMilli(resp.NextFireAt).UTC()
	}
	return out, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do issues one HTTP request. A non-nil body is sent as JSON and a non-nil
// resp receives the decoded JSON response. 204 counts as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("chronoq: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("chronoq: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chronoq: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("chronoq: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("chronoq: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type createPayload struct {
	Body     string            `json:"body"`
	FireAt   int64             `json:"fire_at,omitempty"`
	DelayMs  int64             `json:"delay_ms,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type wireTimer struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Body      string            `json:"body"` // base64; empty on non-GET responses
	FireAt    int64             `json:"fire_at"`
	CreatedAt int64             `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (w *wireTimer) toTimer() *Timer {
	body, err := base64.StdEncoding.DecodeString(w.Body)
	if err != nil {
		// Not valid base64; keep the raw bytes as-is.
		body = []byte(w.Body)
	}
	return &Timer{
		ID:        w.ID,
		Topic:     w.Topic,
		Body:      body,
		FireAt:    time.UnixMilli(w.FireAt).UTC(),
		CreatedAt: time.UnixMilli(w.CreatedAt).UTC(),
		Metadata:  w.Metadata,
	}
}
