// Package metrics implements ChronoQ's counters and their Prometheus text
// exposition. The prometheus/client_golang dependency is intentionally
// skipped; a handful of label-keyed counters does not need it.
//
// Every counter keys its labels as a single tab-separated string, so one
// sync.Map covers all label combinations without nested maps:
//
//	Created / Fired / Canceled / Reset / Dropped    →  key = topic
//	WebhookOK / WebhookFailed                       →  key = topic
//	HTTPReqs                                        →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt                          →  key = "method\tpath"
//
// Registry.Handler() serves everything in the Prometheus exposition format
// (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ────────────────────────────────────────────────────────────

// labelCounter is a label-keyed counter map: a sync.Map of *atomic.Int64,
// lock-free on the hot path.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc adds 1 to the counter for key.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add adds n to the counter for key.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Each calls fn for every key/value pair in non-deterministic order.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// Total sums every label's value.
func (lc *labelCounter) Total() int64 {
	var n int64
	lc.Each(func(_ string, val int64) { n += val })
	return n
}

// ─── Registry ────────────────────────────────────────────────────────────────

// Registry holds all ChronoQ application metrics.
type Registry struct {
	// Timer lifecycle counters, keyed by topic.
	Created  labelCounter
	Fired    labelCounter
	Canceled labelCounter
	Reset    labelCounter

	// Dropped counts fired timers a subscriber could not keep up with.
	Dropped labelCounter

	// Webhook delivery outcomes, keyed by topic.
	WebhookOK     labelCounter
	WebhookFailed labelCounter

	// HTTP-level counters. key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // request count under the same key, for averages
}

// family ties one counter to its exposition name, help text, and label
// rendering.
type family struct {
	name, help string
	counter    *labelCounter
	labels     func(key string) string
}

func topicLabels(key string) string { return fmt.Sprintf(`topic=%q`, key) }

func httpReqLabels(key string) string {
	method, path, status := splitThree(key)
	return fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status)
}

func httpDurLabels(key string) string {
	method, path := splitTwo(key)
	return fmt.Sprintf(`method=%q,path=%q`, method, path)
}

func (r *Registry) families() []family {
	return []family{
		{"chronoq_timers_created_total", "Total timers accepted", &r.Created, topicLabels},
		{"chronoq_timers_fired_total", "Total timers that reached their deadline", &r.Fired, topicLabels},
		{"chronoq_timers_canceled_total", "Total timers canceled before firing", &r.Canceled, topicLabels},
		{"chronoq_timers_reset_total", "Total timer deadline resets", &r.Reset, topicLabels},
		{"chronoq_subscriber_dropped_total", "Total fired timers dropped by slow subscribers", &r.Dropped, topicLabels},
		{"chronoq_webhook_delivered_total", "Total successful webhook deliveries", &r.WebhookOK, topicLabels},
		{"chronoq_webhook_failed_total", "Total webhook deliveries that exhausted retries", &r.WebhookFailed, topicLabels},
		{"chronoq_http_requests_total", "Total HTTP requests by method, path, and status code", &r.HTTPReqs, httpReqLabels},
		{"chronoq_http_request_duration_milliseconds_sum", "Sum of HTTP request durations in milliseconds", &r.HTTPDurMs, httpDurLabels},
		{"chronoq_http_request_duration_milliseconds_count", "Count of observed HTTP request durations", &r.HTTPDurCnt, httpDurLabels},
	}
}

// Handler returns an http.Handler rendering all metrics in the Prometheus
// plain-text exposition format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder
		for _, f := range r.families() {
			writeFamily(&b, f)
		}
		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// writeFamily writes one metric family, skipping the HELP/TYPE header when
// the family has no samples yet.
func writeFamily(b *strings.Builder, f family) {
	var lines []string
	f.counter.Each(func(key string, val int64) {
		lines = append(lines, fmt.Sprintf("%s{%s} %d\n", f.name, f.labels(key), val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", f.name, f.help)
	fmt.Fprintf(b, "# TYPE %s counter\n", f.name)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key "a\tb" into (a, b).
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ────────────────────────────────────────────────

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
