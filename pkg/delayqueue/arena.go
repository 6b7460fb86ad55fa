package delayqueue

import "errors"

// ─── Errors ──────────────────────────────────────────────────────────────────

var (
	// ErrInvalidKey is returned when a key's slot is unoccupied or its
	// generation no longer matches (stale handle, double remove).
	ErrInvalidKey = errors.New("delayqueue: invalid or stale key")

	// ErrOutOfRange is returned when a deadline lies beyond the wheel's
	// maximum representable span (64^6 ticks past the current time).
	ErrOutOfRange = errors.New("delayqueue: deadline exceeds wheel span")
)

// ─── Key ─────────────────────────────────────────────────────────────────────

// Key is an opaque handle to one live entry. It stays valid from Insert
// until the entry is removed or yielded by Poll; after that every operation
// on it fails with ErrInvalidKey, even if the underlying slot is reused.
//
// Keys are comparable with ==. The zero Key is never valid.
type Key struct {
	index uint32
	gen   uint32
}

// nilIdx is the sentinel "no slot" index used for list ends and free slots.
const nilIdx = ^uint32(0)

// ─── Entry ───────────────────────────────────────────────────────────────────

// entryState tracks which structure currently owns an entry's linkage.
type entryState uint8

const (
	// stateFree: slot is on the arena free list; next is the freelist link.
	stateFree entryState = iota
	// stateWheel: entry is linked into exactly one wheel bucket.
	stateWheel
	// stateExpired: entry is on the queue's expired side-list awaiting pickup.
	stateExpired
)

// entry is one arena slot. At most one live entry occupies a slot; prev/next
// thread the entry through whichever intrusive list its state names.
type entry[T any] struct {
	item     T
	deadline uint64 // absolute tick at which the entry is due

	gen   uint32
	state entryState
	level uint8 // wheel level, meaningful only in stateWheel
	slot  uint8 // bucket within level, meaningful only in stateWheel

	prev, next uint32
}

// ─── Arena ───────────────────────────────────────────────────────────────────

// arena is a growable slab of entries addressed by stable (index, generation)
// keys. Freed slots are reused most-recently-freed first; growth is amortized
// append, and since keys carry indices rather than addresses, growing never
// invalidates a live key.
type arena[T any] struct {
	slots    []entry[T]
	freeHead uint32 // LIFO free list threaded through entry.next
	live     int
}

func newArena[T any]() arena[T] {
	return arena[T]{freeHead: nilIdx}
}

// alloc stores item/deadline in a slot and returns its key. The entry starts
// unlinked (stateExpired vs stateWheel is the caller's decision); alloc only
// guarantees the slot is live and the generation matches the returned key.
func (a *arena[T]) alloc(item T, deadline uint64) (Key, *entry[T]) {
	var idx uint32
	if a.freeHead != nilIdx {
		idx = a.freeHead
		a.freeHead = a.slots[idx].next
	} else {
		idx = uint32(len(a.slots))
		// Generations start at 1 so the zero Key can never match a slot.
		a.slots = append(a.slots, entry[T]{gen: 1})
	}

	e := &a.slots[idx]
	e.item = item
	e.deadline = deadline
	e.prev, e.next = nilIdx, nilIdx
	a.live++
	return Key{index: idx, gen: e.gen}, e
}

// lookup resolves a key to its entry, failing with ErrInvalidKey when the
// slot is free or the generation mismatches.
func (a *arena[T]) lookup(k Key) (*entry[T], error) {
	if int(k.index) >= len(a.slots) {
		return nil, ErrInvalidKey
	}
	e := &a.slots[k.index]
	if e.state == stateFree || e.gen != k.gen {
		return nil, ErrInvalidKey
	}
	return e, nil
}

// at returns the entry at a raw slot index. It is used only by the wheel and
// the expired list to follow linkage, which by invariant never points at a
// freed slot; if it does, the linked lists are corrupt and iterating them
// would silently misbehave, so fail loudly instead.
func (a *arena[T]) at(idx uint32) *entry[T] {
	e := &a.slots[idx]
	if e.state == stateFree {
		panic("delayqueue: intrusive list points at a freed slot")
	}
	return e
}

// release frees the slot behind e, bumps its generation, and returns the
// item. The caller must have already unlinked e from any list.
func (a *arena[T]) release(idx uint32) T {
	e := &a.slots[idx]
	item := e.item

	var zero T
	e.item = zero // drop the payload reference so it can be collected
	e.gen++
	e.state = stateFree
	e.prev = nilIdx
	e.next = a.freeHead
	a.freeHead = idx
	a.live--
	return item
}
