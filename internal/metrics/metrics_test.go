package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

// ─── counters ────────────────────────────────────────────────────────────────

func TestLabelCounter_IncAndAdd(t *testing.T) {
	var lc labelCounter
	lc.Inc("a")
	lc.Inc("a")
	lc.Add("b", 5)

	got := map[string]int64{}
	lc.Each(func(k string, v int64) { got[k] = v })

	if got["a"] != 2 {
		t.Fatalf("counter a = %d, want 2", got["a"])
	}
	if got["b"] != 5 {
		t.Fatalf("counter b = %d, want 5", got["b"])
	}
	if lc.Total() != 7 {
		t.Fatalf("Total() = %d, want 7", lc.Total())
	}
}

func TestLabelCounter_ConcurrentInc(t *testing.T) {
	var lc labelCounter
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				lc.Inc("shared")
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if got := lc.Total(); got != 800 {
		t.Fatalf("Total() = %d, want 800", got)
	}
}

// ─── exposition ──────────────────────────────────────────────────────────────

func TestHandler_RendersSamples(t *testing.T) {
	var r Registry
	r.Created.Inc("orders")
	r.Created.Inc("orders")
	r.Fired.Inc("orders")
	r.HTTPReqs.Inc(HTTPKey("POST", "/topics/{topic}/timers", "201"))
	r.HTTPDurMs.Add(HTTPDurKey("POST", "/topics/{topic}/timers"), 12)
	r.HTTPDurCnt.Inc(HTTPDurKey("POST", "/topics/{topic}/timers"))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rec.Body.String()

	for _, want := range []string{
		`chronoq_timers_created_total{topic="orders"} 2`,
		`chronoq_timers_fired_total{topic="orders"} 1`,
		`chronoq_http_requests_total{method="POST",path="/topics/{topic}/timers",status="201"} 1`,
		`chronoq_http_request_duration_milliseconds_sum{method="POST",path="/topics/{topic}/timers"} 12`,
		"# TYPE chronoq_timers_created_total counter",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q\nbody:\n%s", want, body)
		}
	}
}

func TestHandler_OmitsEmptyFamilies(t *testing.T) {
	var r Registry
	r.Created.Inc("x")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if strings.Contains(body, "chronoq_webhook_failed_total") {
		t.Fatalf("empty family rendered:\n%s", body)
	}
}

func TestSplitThree(t *testing.T) {
	a, b, c := splitThree("GET\t/health\t200")
	if a != "GET" || b != "/health" || c != "200" {
		t.Fatalf("splitThree = %q %q %q", a, b, c)
	}
}
