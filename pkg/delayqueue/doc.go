// Package delayqueue implements a delayed-expiry queue: items are inserted
// with a future deadline and become retrievable, roughly in deadline order,
// once that deadline has elapsed.
//
// The engine is a hierarchical timer wheel (6 levels of 64 buckets each)
// layered over a slot arena with generation-checked keys. Both insert and
// remove are O(1); advancing time is O(1) amortized per tick regardless of
// how many entries are outstanding, because each entry is re-bucketed at
// most once per wheel level over its whole lifetime.
//
// Design rules:
//   - Keys are (slot index, generation) pairs, never raw references. A slot
//     freed and reused invalidates every key minted for its old generation,
//     so a stale handle can fail but can never alias a different entry.
//   - Wheel linkage (prev/next bucket neighbors) lives inside the arena
//     entries themselves, so unlinking never scans a bucket.
//   - Deadlines resolve to integer ticks. Conversion from wall-clock time
//     rounds deadlines up and "now" down: an item is never yielded before
//     its deadline, and at most one tick after it.
//   - The relative order of items whose deadlines land in the same bucket
//     is unspecified.
//
// All Queue methods are safe for concurrent use; the wheel and arena
// underneath are single-writer structures serialized by the Queue's mutex.
package delayqueue
