// Package dispatcher is the central orchestrator for ChronoQ.
//
// All application code (HTTP handlers, WebSocket push, webhook consumer)
// talks to the Dispatcher — never directly to the timer engine. This keeps
// the engine free of topics, IDs, and delivery concerns.
//
// Data flow:
//
//	Client → Dispatcher.Create → delayqueue.Queue.InsertAt
//	Run loop → delayqueue.Queue.Poll → fan-out to topic subscribers
//	                                 → history append, metrics
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/chronoq/internal/identity"
	"github.com/snehjoshi/chronoq/internal/metrics"
	"github.com/snehjoshi/chronoq/internal/timer"
	"github.com/snehjoshi/chronoq/pkg/delayqueue"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrUnknownTimer is returned when Cancel/Reset/Get is called with an ID
	// that is not pending. The timer may have already fired or been canceled.
	ErrUnknownTimer = errors.New("dispatcher: unknown timer id")

	// ErrTooFarAhead is returned when a deadline exceeds the configured
	// schedule-ahead horizon.
	ErrTooFarAhead = errors.New("dispatcher: deadline exceeds max schedule ahead")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("dispatcher: closed")
)

// ─── Request / Response types ─────────────────────────────────────────────────

// CreateRequest carries everything needed to arm one timer.
type CreateRequest struct {
	Topic    string
	Body     []byte
	FireAt   int64             // unix ms; required
	Metadata map[string]string // optional caller-set key/value pairs
}

// Stats is a lightweight snapshot of dispatcher-wide state.
type Stats struct {
	Pending     int   `json:"pending"`
	Subscribers int   `json:"subscribers"`
	Fired       int64 `json:"fired"`
	Canceled    int64 `json:"canceled"`
	NextFireAt  int64 `json:"next_fire_at,omitempty"` // unix ms; 0 = nothing pending
}

// Recorder receives every fired timer for audit logging.
type Recorder interface {
	Append(*timer.Fired) error
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Dispatcher.
type Option func(*Dispatcher)

// WithMetrics attaches a metrics.Registry so timer lifecycle events
// increment the relevant counters.
func WithMetrics(reg *metrics.Registry) Option {
	return func(d *Dispatcher) { d.metrics = reg }
}

// WithRecorder attaches a fired-timer audit log.
func WithRecorder(rec Recorder) Option {
	return func(d *Dispatcher) { d.recorder = rec }
}

// WithLogger overrides the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithMaxScheduleAhead caps how far in the future FireAt may be.
// Zero means no cap beyond the engine's own span.
func WithMaxScheduleAhead(max time.Duration) Option {
	return func(d *Dispatcher) { d.maxAhead = max }
}

// WithSubscriberBuffer sets the channel depth handed to each subscriber.
func WithSubscriberBuffer(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.subBuf = n
		}
	}
}

// WithTickDuration sets the underlying engine resolution.
func WithTickDuration(tick time.Duration) Option {
	return func(d *Dispatcher) {
		if tick > 0 {
			d.tick = tick
		}
	}
}

// ─── Subscription ─────────────────────────────────────────────────────────────

// Subscription is a live feed of fired timers for one topic. Fired timers
// are pushed non-blocking: a subscriber that cannot keep up loses timers
// (counted in the dropped metric) rather than stalling the dispatch loop.
type Subscription struct {
	Topic string

	ch   chan *timer.Fired
	done chan struct{}
	d    *Dispatcher
	once sync.Once
}

// C returns the receive side of the subscription. The channel is never
// closed; receivers select on Done to learn the feed has ended.
func (s *Subscription) C() <-chan *timer.Fired { return s.ch }

// Done is closed once the subscription has been detached.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close detaches the subscription. The feed channel stays open — the
// dispatch loop may still be about to send on it — so detachment is
// signaled through Done instead.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.d.unsubscribe(s)
		close(s.done)
	})
}

// ─── Dispatcher ───────────────────────────────────────────────────────────────

// Dispatcher wires the timer engine to topics, subscribers, metrics, and the
// fired-timer audit log.
//
// All methods are safe for concurrent use.
type Dispatcher struct {
	q   *delayqueue.Queue[*timer.Timer]
	log *slog.Logger

	tick     time.Duration
	maxAhead time.Duration
	subBuf   int

	metrics  *metrics.Registry
	recorder Recorder

	mu     sync.Mutex
	byID   map[string]delayqueue.Key
	subs   map[string]map[*Subscription]struct{}
	closed bool

	fired    int64
	canceled int64
}

// New creates a Dispatcher. Call Run to start the dispatch loop.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:    slog.Default(),
		tick:   delayqueue.DefaultTickDuration,
		subBuf: 256,
		byID:   make(map[string]delayqueue.Key),
		subs:   make(map[string]map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.q = delayqueue.New[*timer.Timer](delayqueue.WithTickDuration(d.tick))
	return d
}

// Run drives the dispatch loop until ctx is canceled. It is intended to be
// run in its own goroutine; Create and friends may be called before and
// during Run.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("dispatcher started", "tick", d.tick.String())
	for {
		exp, err := d.q.Poll(ctx)
		if err != nil {
			d.log.Info("dispatcher stopped", "reason", err)
			return
		}
		d.deliver(exp.Value, exp.Deadline)
	}
}

// Close marks the dispatcher closed. In-flight Run loops stop via their
// context; Close only fences off new operations.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// ─── Create / Cancel / Reset / Get ───────────────────────────────────────────

// Create arms a timer and returns it with its assigned ID.
func (d *Dispatcher) Create(req CreateRequest) (*timer.Timer, error) {
	fireAt := time.UnixMilli(req.FireAt)
	now := time.Now()
	if d.maxAhead > 0 && fireAt.Sub(now) > d.maxAhead {
		return nil, ErrTooFarAhead
	}

	id, err := identity.NewID()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: generate timer ID: %w", err)
	}

	t := &timer.Timer{
		ID:        id,
		Topic:     req.Topic,
		Body:      req.Body,
		FireAt:    req.FireAt,
		CreatedAt: now.UnixMilli(),
		Metadata:  req.Metadata,
	}

	// The map entry must exist before the dispatch loop can observe the
	// timer firing, so the insert happens under d.mu.
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	key, err := d.q.InsertAt(t, fireAt)
	if err != nil {
		d.mu.Unlock()
		if errors.Is(err, delayqueue.ErrOutOfRange) {
			return nil, ErrTooFarAhead
		}
		return nil, err
	}
	d.byID[id] = key
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.Created.Inc(req.Topic)
	}
	d.log.Debug("timer created", "id", id, "topic", req.Topic, "fire_at", req.FireAt)
	return t, nil
}

// Cancel disarms a pending timer and returns it. A timer that already fired
// or was already canceled fails with ErrUnknownTimer.
func (d *Dispatcher) Cancel(id string) (*timer.Timer, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	key, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTimer, id)
	}
	t, err := d.q.Remove(key)
	if err == nil {
		delete(d.byID, id)
		d.canceled++
	}
	d.mu.Unlock()

	if err != nil {
		// The engine yielded the timer to the dispatch loop between our map
		// lookup and the remove. Treat it as already fired.
		return nil, fmt.Errorf("%w: %s", ErrUnknownTimer, id)
	}
	if d.metrics != nil {
		d.metrics.Canceled.Inc(t.Topic)
	}
	d.log.Debug("timer canceled", "id", id, "topic", t.Topic)
	return t, nil
}

// Reset moves a pending timer's deadline to fireAt (unix ms). The timer
// keeps its ID. On ErrTooFarAhead the previous schedule is preserved.
func (d *Dispatcher) Reset(id string, fireAt int64) (*timer.Timer, error) {
	at := time.UnixMilli(fireAt)
	if d.maxAhead > 0 && time.Until(at) > d.maxAhead {
		return nil, ErrTooFarAhead
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	key, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTimer, id)
	}
	if err := d.q.ResetAt(key, at); err != nil {
		d.mu.Unlock()
		if errors.Is(err, delayqueue.ErrOutOfRange) {
			return nil, ErrTooFarAhead
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownTimer, id)
	}
	cur, err := d.q.Peek(key)
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTimer, id)
	}
	// The engine still holds cur; every read of it (Get, deliver) happens
	// under d.mu, so the write must too.
	cur.FireAt = fireAt
	t := cur.Clone()
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.Reset.Inc(t.Topic)
	}
	d.log.Debug("timer reset", "id", id, "fire_at", fireAt)
	return t, nil
}

// Get returns a copy of a pending timer. Fired and canceled timers are not
// retained here; see the history store for fired ones.
func (d *Dispatcher) Get(id string) (*timer.Timer, error) {
	d.mu.Lock()
	key, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTimer, id)
	}
	t, err := d.q.Peek(key)
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTimer, id)
	}
	out := t.Clone()
	d.mu.Unlock()
	return out, nil
}

// ─── Subscriptions ───────────────────────────────────────────────────────────

// Subscribe returns a live feed of fired timers for topic. The caller must
// Close the subscription when done.
func (d *Dispatcher) Subscribe(topic string) (*Subscription, error) {
	s := &Subscription{
		Topic: topic,
		ch:    make(chan *timer.Fired, d.subBuf),
		done:  make(chan struct{}),
		d:     d,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	set, ok := d.subs[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		d.subs[topic] = set
	}
	set[s] = struct{}{}
	return s, nil
}

func (d *Dispatcher) unsubscribe(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.subs[s.Topic]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(d.subs, s.Topic)
	}
}

// ─── Dispatch ────────────────────────────────────────────────────────────────

// deliver fans one fired timer out to its topic's subscribers.
func (d *Dispatcher) deliver(t *timer.Timer, deadline time.Time) {
	d.mu.Lock()
	// Copy under d.mu: Reset may still be writing FireAt on engine-held
	// timers, and it does so under the same lock.
	fired := &timer.Fired{
		Timer:   *t,
		FiredAt: time.Now().UnixMilli(),
	}
	delete(d.byID, t.ID)
	d.fired++
	subs := make([]*Subscription, 0, len(d.subs[t.Topic]))
	for s := range d.subs[t.Topic] {
		subs = append(subs, s)
	}
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.Fired.Inc(t.Topic)
	}
	if d.recorder != nil {
		if err := d.recorder.Append(fired); err != nil {
			d.log.Warn("history append failed", "id", t.ID, "error", err)
		}
	}

	for _, s := range subs {
		select {
		case s.ch <- fired:
		default:
			if d.metrics != nil {
				d.metrics.Dropped.Inc(t.Topic)
			}
			d.log.Warn("slow subscriber dropped timer", "id", t.ID, "topic", t.Topic)
		}
	}

	lateness := time.Duration(fired.FiredAt-deadline.UnixMilli()) * time.Millisecond
	d.log.Info("timer fired", "id", t.ID, "topic", t.Topic, "lateness", lateness.String())
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Stats returns a snapshot of dispatcher state.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	subCount := 0
	for _, set := range d.subs {
		subCount += len(set)
	}
	s := Stats{
		Pending:     len(d.byID),
		Subscribers: subCount,
		Fired:       d.fired,
		Canceled:    d.canceled,
	}
	d.mu.Unlock()

	if next, ok := d.q.NextDeadline(); ok {
		s.NextFireAt = next.UnixMilli()
	}
	return s
}

// Pending reports the number of armed timers.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byID)
}
