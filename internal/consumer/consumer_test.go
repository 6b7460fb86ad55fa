package consumer_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snehjoshi/chronoq/internal/consumer"
	"github.com/snehjoshi/chronoq/internal/dispatcher"
	"github.com/snehjoshi/chronoq/internal/metrics"
)

func startDispatcher(t *testing.T, d *dispatcher.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRegister_DeliversFiredTimer(t *testing.T) {
	type received struct {
		body []byte
		sig  string
	}
	got := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{body: body, sig: r.Header.Get("X-ChronoQ-Signature")}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := dispatcher.New()
	defer d.Close()
	startDispatcher(t, d)

	m := consumer.NewManager(d, consumer.DefaultConfig(), nil)
	defer m.Close()

	if _, err := m.Register("orders", srv.URL, "hunter2"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	created, err := d.Create(dispatcher.CreateRequest{
		Topic:  "orders",
		Body:   []byte("hello"),
		FireAt: time.Now().Add(20 * time.Millisecond).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case rec := <-got:
		var p struct {
			ID    string `json:"id"`
			Topic string `json:"topic"`
			Body  string `json:"body"`
		}
		if err := json.Unmarshal(rec.body, &p); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if p.ID != created.ID {
			t.Errorf("payload ID = %s, want %s", p.ID, created.ID)
		}
		if p.Topic != "orders" {
			t.Errorf("payload topic = %s", p.Topic)
		}
		if p.Body != "aGVsbG8=" { // base64("hello")
			t.Errorf("payload body = %s", p.Body)
		}

		mac := hmac.New(sha256.New, []byte("hunter2"))
		mac.Write(rec.body)
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		if rec.sig != want {
			t.Errorf("signature = %s, want %s", rec.sig, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("webhook never received the fired timer")
	}
}

func TestDelivery_RetriesOnFailure(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := dispatcher.New()
	defer d.Close()
	startDispatcher(t, d)

	reg := &metrics.Registry{}
	cfg := consumer.Config{
		RetryDelays: []time.Duration{10 * time.Millisecond},
		Timeout:     time.Second,
	}
	m := consumer.NewManager(d, cfg, reg)
	defer m.Close()

	if _, err := m.Register("orders", srv.URL, ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := d.Create(dispatcher.CreateRequest{
		Topic:  "orders",
		FireAt: time.Now().Add(10 * time.Millisecond).UnixMilli(),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return reg.WebhookOK.Total() == 1 },
		"delivery never succeeded after retry")
	if n := attempts.Load(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestDelivery_ExhaustedRetriesCountsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := dispatcher.New()
	defer d.Close()
	startDispatcher(t, d)

	reg := &metrics.Registry{}
	cfg := consumer.Config{
		RetryDelays: []time.Duration{5 * time.Millisecond, 5 * time.Millisecond},
		Timeout:     time.Second,
	}
	m := consumer.NewManager(d, cfg, reg)
	defer m.Close()

	if _, err := m.Register("orders", srv.URL, ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := d.Create(dispatcher.CreateRequest{
		Topic:  "orders",
		FireAt: time.Now().Add(10 * time.Millisecond).UnixMilli(),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return reg.WebhookFailed.Total() == 1 },
		"exhausted delivery never counted as failed")
}

func TestDeregister_UnknownID(t *testing.T) {
	d := dispatcher.New()
	defer d.Close()
	m := consumer.NewManager(d, consumer.DefaultConfig(), nil)
	defer m.Close()

	if err := m.Deregister("nope"); err == nil {
		t.Fatal("expected error for unknown subscription ID")
	}
}
