package dispatcher_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/chronoq/internal/dispatcher"
	"github.com/snehjoshi/chronoq/internal/metrics"
	"github.com/snehjoshi/chronoq/internal/timer"
)

// startDispatcher runs d's dispatch loop and stops it on test cleanup.
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

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// fakeRecorder captures appended fired timers.
type fakeRecorder struct {
	mu    sync.Mutex
	fired []*timer.Fired
}

func (r *fakeRecorder) Append(f *timer.Fired) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, f)
	return nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

func TestCreate_AssignsIDAndIsPending(t *testing.T) {
	d := dispatcher.New()
	defer d.Close()

	created, err := d.Create(dispatcher.CreateRequest{
		Topic:  "orders",
		Body:   []byte(`{"order":42}`),
		FireAt: time.Now().Add(time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected non-empty timer ID")
	}

	got, err := d.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Topic != "orders" || string(got.Body) != `{"order":42}` {
		t.Errorf("Get returned wrong timer: %+v", got)
	}
	if d.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", d.Pending())
	}
}

func TestCancel_ReturnsTimerOnce(t *testing.T) {
	d := dispatcher.New()
	defer d.Close()

	created, err := d.Create(dispatcher.CreateRequest{
		Topic:  "orders",
		FireAt: time.Now().Add(time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := d.Cancel(created.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("canceled wrong timer: %s", got.ID)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after cancel, want 0", d.Pending())
	}

	if _, err := d.Cancel(created.ID); !errors.Is(err, dispatcher.ErrUnknownTimer) {
		t.Errorf("second Cancel error = %v, want ErrUnknownTimer", err)
	}
}

func TestCreate_TooFarAhead(t *testing.T) {
	d := dispatcher.New(dispatcher.WithMaxScheduleAhead(time.Hour))
	defer d.Close()

	_, err := d.Create(dispatcher.CreateRequest{
		Topic:  "orders",
		FireAt: time.Now().Add(2 * time.Hour).UnixMilli(),
	})
	if !errors.Is(err, dispatcher.ErrTooFarAhead) {
		t.Fatalf("Create error = %v, want ErrTooFarAhead", err)
	}
}

// ─── firing and fan-out ──────────────────────────────────────────────────────

func TestFire_DeliversToSubscriber(t *testing.T) {
	rec := &fakeRecorder{}
	reg := &metrics.Registry{}
	d := dispatcher.New(
		dispatcher.WithMetrics(reg),
		dispatcher.WithRecorder(rec),
	)
	defer d.Close()
	startDispatcher(t, d)

	sub, err := d.Subscribe("orders")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	created, err := d.Create(dispatcher.CreateRequest{
		Topic:  "orders",
		Body:   []byte("payload"),
		FireAt: time.Now().Add(30 * time.Millisecond).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case fired := <-sub.C():
		if fired.ID != created.ID {
			t.Errorf("fired ID = %s, want %s", fired.ID, created.ID)
		}
		if fired.FiredAt < created.FireAt {
			t.Errorf("fired at %d, before requested fire_at %d", fired.FiredAt, created.FireAt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	waitFor(t, time.Second, func() bool { return rec.count() == 1 },
		"fired timer never reached the recorder")
	if got := reg.Fired.Total(); got != 1 {
		t.Errorf("fired counter = %d, want 1", got)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after fire, want 0", d.Pending())
	}
}

func TestFire_OnlyMatchingTopicReceives(t *testing.T) {
	d := dispatcher.New()
	defer d.Close()
	startDispatcher(t, d)

	orders, _ := d.Subscribe("orders")
	defer orders.Close()
	billing, _ := d.Subscribe("billing")
	defer billing.Close()

	if _, err := d.Create(dispatcher.CreateRequest{
		Topic:  "orders",
		FireAt: time.Now().Add(20 * time.Millisecond).UnixMilli(),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case <-orders.C():
	case <-time.After(2 * time.Second):
		t.Fatal("orders subscriber did not receive the fired timer")
	}

	select {
	case f := <-billing.C():
		t.Fatalf("billing subscriber received foreign timer %s", f.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFire_SurvivesSubscriberChurn(t *testing.T) {
	d := dispatcher.New(dispatcher.WithSubscriberBuffer(1))
	defer d.Close()
	startDispatcher(t, d)

	// Many subscribers widen the window between the fan-out snapshot and the
	// sends; every one of them detaches while the timer is firing.
	const n = 256
	subs := make([]*dispatcher.Subscription, n)
	for i := range subs {
		s, err := d.Subscribe("churn")
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		subs[i] = s
	}

	if _, err := d.Create(dispatcher.CreateRequest{
		Topic:  "churn",
		FireAt: time.Now().Add(5 * time.Millisecond).UnixMilli(),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *dispatcher.Subscription) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()

	// The dispatch loop must have survived: a later timer still reaches a
	// fresh subscriber.
	late, err := d.Subscribe("churn")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer late.Close()
	if _, err := d.Create(dispatcher.CreateRequest{
		Topic:  "churn",
		FireAt: time.Now().Add(10 * time.Millisecond).UnixMilli(),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	select {
	case <-late.C():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch loop stopped delivering after subscriber churn")
	}
}

func TestSubscription_DoneSignalsClose(t *testing.T) {
	d := dispatcher.New()
	defer d.Close()

	sub, err := d.Subscribe("orders")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	select {
	case <-sub.Done():
		t.Fatal("Done closed before Close")
	default:
	}

	sub.Close()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}
	sub.Close() // idempotent
}

func TestFire_SlowSubscriberDrops(t *testing.T) {
	reg := &metrics.Registry{}
	d := dispatcher.New(
		dispatcher.WithMetrics(reg),
		dispatcher.WithSubscriberBuffer(1),
	)
	defer d.Close()
	startDispatcher(t, d)

	sub, _ := d.Subscribe("orders")
	defer sub.Close()

	// Three timers fire while the subscriber never reads; buffer holds one,
	// the other two must be dropped.
	for i := 0; i < 3; i++ {
		if _, err := d.Create(dispatcher.CreateRequest{
			Topic:  "orders",
			FireAt: time.Now().Add(10 * time.Millisecond).UnixMilli(),
		}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return reg.Fired.Total() == 3 },
		"not all timers fired")
	waitFor(t, time.Second, func() bool { return reg.Dropped.Total() == 2 },
		"expected 2 dropped deliveries")
}

// ─── reset ───────────────────────────────────────────────────────────────────

func TestReset_Postpones(t *testing.T) {
	d := dispatcher.New()
	defer d.Close()
	startDispatcher(t, d)

	sub, _ := d.Subscribe("orders")
	defer sub.Close()

	created, err := d.Create(dispatcher.CreateRequest{
		Topic:  "orders",
		FireAt: time.Now().Add(30 * time.Millisecond).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	far := time.Now().Add(time.Hour).UnixMilli()
	updated, err := d.Reset(created.ID, far)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if updated.FireAt != far {
		t.Errorf("FireAt = %d after reset, want %d", updated.FireAt, far)
	}

	select {
	case f := <-sub.C():
		t.Fatalf("timer %s fired despite reset to +1h", f.ID)
	case <-time.After(100 * time.Millisecond):
	}
	if d.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", d.Pending())
	}
}

func TestReset_ConcurrentWithGet(t *testing.T) {
	d := dispatcher.New()
	defer d.Close()

	created, err := d.Create(dispatcher.CreateRequest{
		Topic:  "orders",
		FireAt: time.Now().Add(time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	base := time.Now().Add(time.Hour)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			at := base.Add(time.Duration(i) * time.Second).UnixMilli()
			if _, err := d.Reset(created.ID, at); err != nil {
				t.Errorf("Reset: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			got, err := d.Get(created.ID)
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			if got.FireAt < created.FireAt {
				t.Errorf("Get observed FireAt %d, below every reset target", got.FireAt)
				return
			}
		}
	}()
	wg.Wait()
}

func TestReset_UnknownTimer(t *testing.T) {
	d := dispatcher.New()
	defer d.Close()

	_, err := d.Reset("01JUNKJUNKJUNKJUNKJUNKJUNK", time.Now().Add(time.Hour).UnixMilli())
	if !errors.Is(err, dispatcher.ErrUnknownTimer) {
		t.Fatalf("Reset error = %v, want ErrUnknownTimer", err)
	}
}

// ─── stats ───────────────────────────────────────────────────────────────────

func TestStats_Snapshot(t *testing.T) {
	d := dispatcher.New()
	defer d.Close()

	fireAt := time.Now().Add(time.Hour).UnixMilli()
	if _, err := d.Create(dispatcher.CreateRequest{Topic: "orders", FireAt: fireAt}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	sub, _ := d.Subscribe("orders")
	defer sub.Close()

	s := d.Stats()
	if s.Pending != 1 {
		t.Errorf("Stats.Pending = %d, want 1", s.Pending)
	}
	if s.Subscribers != 1 {
		t.Errorf("Stats.Subscribers = %d, want 1", s.Subscribers)
	}
	if s.NextFireAt == 0 {
		t.Error("Stats.NextFireAt should be set with a pending timer")
	}
}

func TestClose_FencesOperations(t *testing.T) {
	d := dispatcher.New()
	d.Close()

	if _, err := d.Create(dispatcher.CreateRequest{
		Topic:  "orders",
		FireAt: time.Now().Add(time.Hour).UnixMilli(),
	}); !errors.Is(err, dispatcher.ErrClosed) {
		t.Fatalf("Create after Close = %v, want ErrClosed", err)
	}
	if _, err := d.Subscribe("orders"); !errors.Is(err, dispatcher.ErrClosed) {
		t.Fatalf("Subscribe after Close = %v, want ErrClosed", err)
	}
}
