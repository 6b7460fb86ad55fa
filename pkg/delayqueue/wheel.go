package delayqueue

import "math/bits"

// Wheel geometry. Six levels of 64 buckets each: level 0 resolves single
// ticks, each level above spans 64× the one below, so the whole wheel covers
// 64^6 = 2^36 ticks ahead of the current time.
const (
	levelBits  = 6
	levelSlots = 1 << levelBits // 64 buckets per level
	slotMask   = levelSlots - 1
	numLevels  = 6

	// maxSpan is the first tick count NOT representable relative to now.
	maxSpan = uint64(1) << (levelBits * numLevels)
)

// slotRange is the number of ticks one bucket at the given level spans.
func slotRange(level int) uint64 { return 1 << (levelBits * level) }

// levelRange is the number of ticks one full revolution of a level spans.
func levelRange(level int) uint64 { return 1 << (levelBits * (level + 1)) }

// levelFor picks the wheel level for a deadline relative to the current
// time. The level is derived from the highest bit in which the deadline
// differs from now (each level owning the next six bits), not from the raw
// delta: this keeps the invariant that whenever two levels both hold
// entries, the lower level's nearest bucket is always due first.
func levelFor(elapsed, deadline uint64) int {
	masked := (elapsed ^ deadline) | slotMask
	if masked >= maxSpan {
		// The deadline is in range but crosses the wheel's top-level
		// rotation boundary; park it in the top level until the rotation
		// completes and it cascades down.
		masked = maxSpan - 1
	}
	significant := 63 - bits.LeadingZeros64(masked)
	return significant / levelBits
}

// ─── Levels ──────────────────────────────────────────────────────────────────

// wheelLevel is one ring of 64 buckets. Each bucket is the head of an
// intrusive doubly-linked list of arena slot indices; the occupancy bitmap
// lets lookups skip empty buckets in a couple of instructions.
type wheelLevel struct {
	occupied uint64 // bit s set ⇔ head[s] != nilIdx
	head     [levelSlots]uint32
}

// nextOccupiedSlot returns the occupied bucket nearest at/after the cursor
// position of elapsed within this level's rotation.
func (l *wheelLevel) nextOccupiedSlot(elapsed uint64, level int) (int, bool) {
	if l.occupied == 0 {
		return 0, false
	}
	cursor := int(elapsed>>(level*levelBits)) & slotMask
	rotated := bits.RotateLeft64(l.occupied, -cursor)
	return (cursor + bits.TrailingZeros64(rotated)) & slotMask, true
}

// ─── Wheel ───────────────────────────────────────────────────────────────────

// wheel is the hierarchical timer wheel. It stores only arena slot indices;
// entry payloads and linkage live in the arena it shares with the queue.
type wheel[T any] struct {
	elapsed uint64 // current time in ticks; never decreases
	levels  [numLevels]wheelLevel
	arena   *arena[T]
}

func newWheel[T any](a *arena[T]) wheel[T] {
	w := wheel[T]{arena: a}
	for lvl := range w.levels {
		for s := range w.levels[lvl].head {
			w.levels[lvl].head[s] = nilIdx
		}
	}
	return w
}

// schedule links the entry at idx into the bucket addressing its deadline.
// The caller guarantees elapsed < deadline < elapsed+maxSpan.
func (w *wheel[T]) schedule(idx uint32, e *entry[T]) {
	level := levelFor(w.elapsed, e.deadline)
	slot := int(e.deadline>>(level*levelBits)) & slotMask

	l := &w.levels[level]
	e.prev = nilIdx
	e.next = l.head[slot]
	if e.next != nilIdx {
		w.arena.at(e.next).prev = idx
	}
	l.head[slot] = idx
	l.occupied |= 1 << slot

	e.state = stateWheel
	e.level = uint8(level)
	e.slot = uint8(slot)
}

// unlink removes the entry at idx from its bucket in O(1) using the
// entry's own prev/next linkage.
func (w *wheel[T]) unlink(idx uint32, e *entry[T]) {
	l := &w.levels[e.level]
	if e.prev != nilIdx {
		w.arena.at(e.prev).next = e.next
	} else {
		if l.head[e.slot] != idx {
			panic("delayqueue: wheel bucket head does not match unlinked entry")
		}
		l.head[e.slot] = e.next
	}
	if e.next != nilIdx {
		w.arena.at(e.next).prev = e.prev
	}
	if l.head[e.slot] == nilIdx {
		l.occupied &^= 1 << e.slot
	}
	e.prev, e.next = nilIdx, nilIdx
}

// expiration addresses the next bucket due for processing.
type expiration struct {
	level    int
	slot     int
	deadline uint64 // tick at which the bucket's span begins
}

// nextExpiration finds the earliest occupied bucket across all levels.
// Work is bounded by the wheel geometry (one bitmap scan per level), never
// by the number of entries. Per the levelFor invariant, the first level
// with any occupancy holds the soonest bucket, so levels are checked in
// order and the first hit wins.
func (w *wheel[T]) nextExpiration() (expiration, bool) {
	for lvl := 0; lvl < numLevels; lvl++ {
		slot, ok := w.levels[lvl].nextOccupiedSlot(w.elapsed, lvl)
		if !ok {
			continue
		}
		lr := levelRange(lvl)
		levelStart := w.elapsed &^ (lr - 1)
		deadline := levelStart + uint64(slot)*slotRange(lvl)
		if deadline <= w.elapsed {
			// Bucket sits behind the cursor in this rotation, so it is
			// due one full revolution from its slot position.
			deadline += lr
		}
		return expiration{level: lvl, slot: slot, deadline: deadline}, true
	}
	return expiration{}, false
}

// nextExpiry returns the earliest tick at which the wheel has something
// due, if anything is scheduled at all.
func (w *wheel[T]) nextExpiry() (uint64, bool) {
	exp, ok := w.nextExpiration()
	return exp.deadline, ok
}

// advanceTo moves the wheel's time forward to tick `to`, invoking onExpire
// for every entry whose deadline has been reached. Buckets are processed in
// deadline order; entries in a higher-level bucket whose deadline lies
// further into the bucket's span cascade down to finer levels instead of
// expiring. Each entry cascades at most numLevels-1 times in its lifetime,
// which is what makes advancing O(1) amortized per tick.
func (w *wheel[T]) advanceTo(to uint64, onExpire func(idx uint32, e *entry[T])) {
	for {
		exp, ok := w.nextExpiration()
		if !ok || exp.deadline > to {
			break
		}
		w.elapsed = exp.deadline
		w.drain(exp, onExpire)
	}
	if to > w.elapsed {
		w.elapsed = to
	}
}

// drain detaches the bucket named by exp and expires or cascades each of
// its entries. Must run with w.elapsed already set to exp.deadline so that
// cascaded entries re-address against the new time.
func (w *wheel[T]) drain(exp expiration, onExpire func(idx uint32, e *entry[T])) {
	l := &w.levels[exp.level]
	idx := l.head[exp.slot]
	l.head[exp.slot] = nilIdx
	l.occupied &^= 1 << exp.slot

	for idx != nilIdx {
		e := w.arena.at(idx)
		next := e.next
		e.prev, e.next = nilIdx, nilIdx
		if e.deadline <= w.elapsed {
			onExpire(idx, e)
		} else {
			w.schedule(idx, e)
		}
		idx = next
	}
}
