package delayqueue

import (
	"context"
	"sync"
	"time"
)

// DefaultTickDuration is the wheel granularity used when no option overrides
// it. At 1 ms per tick the six-level wheel spans about 2.2 years.
const DefaultTickDuration = time.Millisecond

// Expired is one due item yielded by Poll.
type Expired[T any] struct {
	// Value is the caller's payload; ownership returns to the caller.
	Value T
	// Key is the handle the item was inserted under. It is no longer valid
	// (the slot has been freed) and is returned for correlation only.
	Key Key
	// Deadline is the wall-clock deadline the item was scheduled for,
	// quantized to the queue's tick granularity.
	Deadline time.Time
}

// ─── Options ─────────────────────────────────────────────────────────────────

// Option configures a Queue at construction time.
type Option func(*queueOptions)

type queueOptions struct {
	tick  time.Duration
	clock Clock
}

// WithTickDuration sets the wheel granularity. Expiry is reported within one
// tick of the true deadline, so a coarser tick trades precision for fewer
// wakeups. d must be positive.
func WithTickDuration(d time.Duration) Option {
	return func(o *queueOptions) {
		if d > 0 {
			o.tick = d
		}
	}
}

// WithClock substitutes the time source. Intended for tests.
func WithClock(c Clock) Option {
	return func(o *queueOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// ─── Queue ───────────────────────────────────────────────────────────────────

// Queue is the delayed-expiry queue. See the package documentation for the
// underlying wheel/arena design.
//
// All methods are safe for concurrent use; internally a single mutex
// serializes every mutation, preserving the wheel's single-writer model.
// Only Poll blocks.
type Queue[T any] struct {
	mu    sync.Mutex
	arena arena[T]
	wheel wheel[T]

	// Intrusive FIFO of entries that are due and await pickup by Poll.
	// Threads the same prev/next fields the wheel buckets use; an entry is
	// on the wheel or on this list, never both.
	expiredHead uint32
	expiredTail uint32

	// notify carries at most one pending wakeup for a suspended Poll.
	// Multiple inserts before the poller runs coalesce into one signal;
	// the poller recomputes the nearest deadline itself on every pass.
	notify chan struct{}

	clock Clock
	tick  time.Duration
	start time.Time // wall-clock origin of tick 0
}

// New creates an empty Queue.
func New[T any](opts ...Option) *Queue[T] {
	o := queueOptions{tick: DefaultTickDuration, clock: systemClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	q := &Queue[T]{
		arena:       newArena[T](),
		expiredHead: nilIdx,
		expiredTail: nilIdx,
		notify:      make(chan struct{}, 1),
		clock:       o.clock,
		tick:        o.tick,
		start:       o.clock.Now(),
	}
	q.wheel = newWheel(&q.arena)
	return q
}

// ─── Tick arithmetic ─────────────────────────────────────────────────────────

// nowTick converts the current wall-clock time to ticks, rounding down.
func (q *Queue[T]) nowTick() uint64 {
	d := q.clock.Now().Sub(q.start)
	if d <= 0 {
		return 0
	}
	return uint64(d / q.tick)
}

// deadlineTick converts a wall-clock deadline to ticks, rounding up, so an
// item can never become due before its requested deadline.
func (q *Queue[T]) deadlineTick(at time.Time) uint64 {
	d := at.Sub(q.start)
	if d <= 0 {
		return 0
	}
	t := uint64(d / q.tick)
	if d%q.tick != 0 {
		t++
	}
	return t
}

// tickTime is the wall-clock instant at which the given tick begins.
func (q *Queue[T]) tickTime(t uint64) time.Time {
	return q.start.Add(time.Duration(t) * q.tick)
}

// ─── Insert ──────────────────────────────────────────────────────────────────

// Insert adds value with a deadline delay from now and returns its key.
// A zero or negative delay makes the item due immediately (the wheel is
// bypassed; the next Poll yields it without suspending).
func (q *Queue[T]) Insert(value T, delay time.Duration) (Key, error) {
	return q.InsertAt(value, q.clock.Now().Add(delay))
}

// InsertAt adds value with an absolute deadline. Deadlines further than the
// wheel's span (64^6 ticks) past the engine's current time fail with
// ErrOutOfRange, leaving the queue unchanged.
func (q *Queue[T]) InsertAt(value T, at time.Time) (Key, error) {
	deadline := q.deadlineTick(at)

	q.mu.Lock()
	// Catch the wheel up first so the span check measures against the real
	// current tick, not wherever the last Poll left elapsed.
	q.advanceLocked()
	now := q.nowTick()
	if deadline > now && deadline-q.wheel.elapsed >= maxSpan {
		q.mu.Unlock()
		return Key{}, ErrOutOfRange
	}

	key, e := q.arena.alloc(value, deadline)
	if deadline <= now {
		q.pushExpiredLocked(key.index, e)
	} else {
		q.wheel.schedule(key.index, e)
	}
	q.mu.Unlock()

	q.wake()
	return key, nil
}

// ─── Remove / Reset ──────────────────────────────────────────────────────────

// Remove cancels the entry behind key and returns ownership of its value.
// It works both before expiry (unlinks from the wheel) and after expiry but
// before pickup (unlinks from the expired list). A stale or already-removed
// key fails with ErrInvalidKey.
func (q *Queue[T]) Remove(key Key) (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.arena.lookup(key)
	if err != nil {
		var zero T
		return zero, err
	}
	q.detachLocked(key.index, e)
	return q.arena.release(key.index), nil
}

// Reset reschedules the entry behind key to a deadline delay from now.
// The key (and its generation) stay unchanged.
func (q *Queue[T]) Reset(key Key, delay time.Duration) error {
	return q.ResetAt(key, q.clock.Now().Add(delay))
}

// ResetAt reschedules the entry behind key to an absolute deadline,
// equivalent to cancel+reinsert on the same slot. On ErrOutOfRange the
// entry keeps its previous schedule.
func (q *Queue[T]) ResetAt(key Key, at time.Time) error {
	deadline := q.deadlineTick(at)

	q.mu.Lock()
	e, err := q.arena.lookup(key)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	q.advanceLocked()
	now := q.nowTick()
	if deadline > now && deadline-q.wheel.elapsed >= maxSpan {
		q.mu.Unlock()
		return ErrOutOfRange
	}

	q.detachLocked(key.index, e)
	e.deadline = deadline
	if deadline <= now {
		q.pushExpiredLocked(key.index, e)
	} else {
		q.wheel.schedule(key.index, e)
	}
	q.mu.Unlock()

	q.wake()
	return nil
}

// detachLocked unlinks a live entry from whichever list currently holds it.
func (q *Queue[T]) detachLocked(idx uint32, e *entry[T]) {
	switch e.state {
	case stateWheel:
		q.wheel.unlink(idx, e)
	case stateExpired:
		q.unlinkExpiredLocked(idx, e)
	default:
		panic("delayqueue: live entry in free state")
	}
}

// ─── Poll ────────────────────────────────────────────────────────────────────

// Poll blocks until at least one item is due, then yields one due item.
// If an item is already due it returns immediately. Otherwise the calling
// goroutine suspends until the nearest deadline, an Insert/Reset that may
// have produced an earlier deadline, or ctx cancellation — in which case
// ctx.Err() is returned and the queue is left fully consistent.
//
// Items come back roughly in deadline order; the relative order of items
// due within the same tick is unspecified.
func (q *Queue[T]) Poll(ctx context.Context) (Expired[T], error) {
	var zero Expired[T]

	// Lazily allocated and reused across waits. A fired-but-unread Timer
	// must be drained before Reset, handled in the notify branch below.
	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		q.mu.Lock()
		q.advanceLocked()
		if exp, ok := q.takeExpiredLocked(); ok {
			q.mu.Unlock()
			return exp, nil
		}
		next, scheduled := q.wheel.nextExpiry()
		q.mu.Unlock()

		if !scheduled {
			// Nothing pending at all: suspend until something is inserted.
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-q.notify:
			}
			continue
		}

		wait := q.tickTime(next).Sub(q.clock.Now())
		if wait <= 0 {
			// Already reachable; loop around and advance.
			continue
		}

		if t == nil {
			t = time.NewTimer(wait)
		} else {
			t.Reset(wait)
		}

		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-q.notify:
			// An earlier deadline may exist now; recompute from the top.
			// Stop-and-drain leaves t safe to Reset on the next pass.
			t.Stop()
			select {
			case <-t.C:
			default:
			}
		case <-t.C:
		}
	}
}

// advanceLocked catches the wheel up to the current tick, moving every
// newly due entry onto the expired pickup list.
func (q *Queue[T]) advanceLocked() {
	now := q.nowTick()
	if now <= q.wheel.elapsed {
		return
	}
	q.wheel.advanceTo(now, q.pushExpiredLocked)
}

// takeExpiredLocked pops the oldest expired entry, frees its slot, and
// packages it for the caller.
func (q *Queue[T]) takeExpiredLocked() (Expired[T], bool) {
	idx := q.expiredHead
	if idx == nilIdx {
		return Expired[T]{}, false
	}
	e := q.arena.at(idx)
	q.unlinkExpiredLocked(idx, e)

	exp := Expired[T]{
		Key:      Key{index: idx, gen: e.gen},
		Deadline: q.tickTime(e.deadline),
	}
	exp.Value = q.arena.release(idx)
	return exp, true
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Len reports the number of live entries: scheduled plus expired-awaiting-
// pickup, i.e. exactly the number of currently valid keys.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.arena.live
}

// IsEmpty reports whether no entries are outstanding.
func (q *Queue[T]) IsEmpty() bool { return q.Len() == 0 }

// Peek returns the value behind key without disturbing its schedule.
// A stale or removed key fails with ErrInvalidKey.
func (q *Queue[T]) Peek(key Key) (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.arena.lookup(key)
	if err != nil {
		var zero T
		return zero, err
	}
	return e.item, nil
}

// NextDeadline returns the earliest instant at which an item is (or will
// become) due, and false when the queue is empty. Items already due report
// their original deadline.
func (q *Queue[T]) NextDeadline() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.expiredHead != nilIdx {
		return q.tickTime(q.arena.at(q.expiredHead).deadline), true
	}
	if next, ok := q.wheel.nextExpiry(); ok {
		return q.tickTime(next), true
	}
	return time.Time{}, false
}

// ─── Expired pickup list ─────────────────────────────────────────────────────

func (q *Queue[T]) pushExpiredLocked(idx uint32, e *entry[T]) {
	e.state = stateExpired
	e.prev = q.expiredTail
	e.next = nilIdx
	if q.expiredTail != nilIdx {
		q.arena.at(q.expiredTail).next = idx
	} else {
		q.expiredHead = idx
	}
	q.expiredTail = idx
}

func (q *Queue[T]) unlinkExpiredLocked(idx uint32, e *entry[T]) {
	if e.prev != nilIdx {
		q.arena.at(e.prev).next = e.next
	} else {
		if q.expiredHead != idx {
			panic("delayqueue: expired list head does not match unlinked entry")
		}
		q.expiredHead = e.next
	}
	if e.next != nilIdx {
		q.arena.at(e.next).prev = e.prev
	} else {
		q.expiredTail = e.prev
	}
	e.prev, e.next = nilIdx, nilIdx
}

// wake signals a suspended Poll. Non-blocking: a pending signal coalesces
// with this one.
func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
