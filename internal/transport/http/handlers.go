package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/snehjoshi/chronoq/internal/consumer"
	"github.com/snehjoshi/chronoq/internal/dispatcher"
	"github.com/snehjoshi/chronoq/internal/history"
	"github.com/snehjoshi/chronoq/internal/timer"
	"github.com/snehjoshi/chronoq/internal/topic"
)

// Metadata limits — enforced on every create path.
const (
	metaMaxKeys     = 16  // max number of key/value pairs
	metaMaxKeyBytes = 64  // max bytes per key
	metaMaxValBytes = 512 // max bytes per value
)

// validateMetadata returns a non-nil error if m violates any metadata limit.
func validateMetadata(m map[string]string) error {
	if len(m) > metaMaxKeys {
		return fmt.Errorf("metadata: too many keys (max %d)", metaMaxKeys)
	}
	for k, v := range m {
		if len(k) == 0 {
			return errors.New("metadata: key must not be empty")
		}
		if len(k) > metaMaxKeyBytes {
			return fmt.Errorf("metadata: key too long (max %d bytes)", metaMaxKeyBytes)
		}
		if len(v) > metaMaxValBytes {
			return fmt.Errorf("metadata: value too long (max %d bytes)", metaMaxValBytes)
		}
	}
	return nil
}

// Handler groups all HTTP request handlers around the dispatcher.
type Handler struct {
	disp     *dispatcher.Dispatcher
	consumer *consumer.Manager
	topics   *topic.Registry
	history  *history.Store // nil when the audit log is disabled
	nodeID   string
	maxBody  int64 // per-timer payload cap in bytes
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type createTimerReq struct {
	Body     string            `json:"body"`               // base64-encoded; raw UTF-8 accepted
	FireAt   int64             `json:"fire_at"`            // unix ms
	DelayMs  int64             `json:"delay_ms,omitempty"` // alternative to fire_at
	Metadata map[string]string `json:"metadata"`
}

type timerResp struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Body      string            `json:"body,omitempty"` // base64
	FireAt    int64             `json:"fire_at"`
	CreatedAt int64             `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type resetTimerReq struct {
	FireAt  int64 `json:"fire_at"`
	DelayMs int64 `json:"delay_ms,omitempty"`
}

type topicItem struct {
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

type topicListResp struct {
	Topics []topicItem `json:"topics"`
}

type createTopicReq struct {
	Name string `json:"name"`
}

type subscribeReq struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type subscribeResp struct {
	ID string `json:"id"`
}

type firedItem struct {
	ID      string `json:"id"`
	Topic   string `json:"topic"`
	Body    string `json:"body"` // base64
	FireAt  int64  `json:"fire_at"`
	FiredAt int64  `json:"fired_at"`
}

type historyResp struct {
	Fired []firedItem `json:"fired"`
	Total int         `json:"total"`
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Topics   int    `json:"topics"`
	Pending  int    `json:"pending"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   h.nodeID,
		Topics:   h.topics.Count(),
		Pending:  h.disp.Pending(),
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  "1.0.0",
	})
}

// ─── Topic management ─────────────────────────────────────────────────────────

func (h *Handler) createTopic(w http.ResponseWriter, r *http.Request) {
	var req createTopicReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	if err := h.topics.Create(req.Name); err != nil {
		switch {
		case errors.Is(err, topic.ErrAlreadyExists):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, topic.ErrInvalidName):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "name": req.Name})
}

func (h *Handler) listTopics(w http.ResponseWriter, r *http.Request) {
	all := h.topics.List()
	items := make([]topicItem, 0, len(all))
	for _, t := range all {
		items = append(items, topicItem{Name: t.Name, CreatedAt: t.CreatedAt})
	}
	writeJSON(w, http.StatusOK, topicListResp{Topics: items})
}

func (h *Handler) deleteTopic(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("topic")
	if err := h.topics.Delete(name); err != nil {
		if errors.Is(err, topic.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Timers ───────────────────────────────────────────────────────────────────

func (h *Handler) createTimer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("topic")
	if !topic.ValidName(name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "topic names must be lowercase alphanumeric with optional hyphens (a-z, 0-9, -)",
		})
		return
	}

	var req createTimerReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateMetadata(req.Metadata); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	fireAt := req.FireAt
	if fireAt == 0 && req.DelayMs > 0 {
		fireAt = time.Now().UnixMilli() + req.DelayMs
	}
	if fireAt == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "fire_at or delay_ms is required"})
		return
	}

	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		// Not base64; accept the raw bytes.
		body = []byte(req.Body)
	}
	if h.maxBody > 0 && int64(len(body)) > h.maxBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": fmt.Sprintf("body exceeds maximum of %d bytes", h.maxBody),
		})
		return
	}

	// Auto-register the topic on first use.
	if err := h.topics.Ensure(name); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	t, err := h.disp.Create(dispatcher.CreateRequest{
		Topic:    name,
		Body:     body,
		FireAt:   fireAt,
		Metadata: req.Metadata,
	})
	if err != nil {
		if errors.Is(err, dispatcher.ErrTooFarAhead) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapTimer(t, false))
}

func (h *Handler) getTimer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := h.disp.Get(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, mapTimer(t, true))
}

func (h *Handler) cancelTimer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := h.disp.Cancel(id)
	if err != nil {
		// A timer that already fired or never existed cannot be canceled.
		writeJSON(w, http.StatusGone, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, mapTimer(t, false))
}

func (h *Handler) resetTimer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req resetTimerReq
	if !decodeJSON(w, r, &req) {
		return
	}
	fireAt := req.FireAt
	if fireAt == 0 && req.DelayMs > 0 {
		fireAt = time.Now().UnixMilli() + req.DelayMs
	}
	if fireAt == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "fire_at or delay_ms is required"})
		return
	}

	t, err := h.disp.Reset(id, fireAt)
	if err != nil {
		switch {
		case errors.Is(err, dispatcher.ErrTooFarAhead):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		case errors.Is(err, dispatcher.ErrUnknownTimer):
			writeJSON(w, http.StatusGone, map[string]string{"error": err.Error()})
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, mapTimer(t, false))
}

// ─── History ─────────────────────────────────────────────────────────────────

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "history is disabled"})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := h.history.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	items := make([]firedItem, 0, len(records))
	for _, rec := range records {
		items = append(items, firedItem{
			ID:      rec.ID,
			Topic:   rec.Topic,
			Body:    base64.StdEncoding.EncodeToString(rec.Body),
			FireAt:  rec.FireAt,
			FiredAt: rec.FiredAt,
		})
	}
	writeJSON(w, http.StatusOK, historyResp{Fired: items, Total: h.history.Count()})
}

// ─── Stats ───────────────────────────────────────────────────────────────────

func (h *Handler) statsAPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.disp.Stats())
}

// ─── Subscriptions (webhook) ──────────────────────────────────────────────────

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("topic")
	if !topic.ValidName(name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid topic name"})
		return
	}

	var req subscribeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}
	if !validWebhookURL(req.URL) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url must be an http or https URL"})
		return
	}

	if err := h.topics.Ensure(name); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.consumer.Register(name, req.URL, req.Secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, subscribeResp{ID: id})
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	webhooks := h.consumer.List()
	if webhooks == nil {
		webhooks = []*consumer.Webhook{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": webhooks})
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.consumer.Deregister(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// mapTimer converts a timer to its HTTP representation. withBody controls
// whether the payload is echoed back; list-style responses omit it.
func mapTimer(t *timer.Timer, withBody bool) timerResp {
	resp := timerResp{
		ID:        t.ID,
		Topic:     t.Topic,
		FireAt:    t.FireAt,
		CreatedAt: t.CreatedAt,
		Metadata:  t.Metadata,
	}
	if withBody {
		resp.Body = base64.StdEncoding.EncodeToString(t.Body)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

// validWebhookURL accepts only plain http/https targets, rejecting schemes
// such as file:// or gopher:// that could be abused for SSRF. Private
// RFC-1918 ranges are not blocked; ChronoQ is self-hosted, and operators who
// need network-level egress control should enforce it with firewall rules or
// a proxy.
func validWebhookURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}
