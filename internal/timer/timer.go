// Package timer contains the core domain type shared across all ChronoQ
// internal packages. It imports no other ChronoQ package, which keeps the
// dispatcher, transports, and history layer free to depend on it from any
// direction.
package timer

// Timer is the unit of work ChronoQ tracks: an opaque payload that must be
// surfaced to its topic's subscribers once its fire time arrives.
//
// Design rules:
//   - All timestamps are UTC milliseconds since Unix epoch.
//   - IDs are ULID strings: time-sortable and globally unique.
//   - A Timer is immutable except for FireAt, which changes only through an
//     explicit reset.
type Timer struct {
	// ID is a ULID uniquely identifying this timer.
	ID string `json:"id"`

	// Topic groups timers for routing to subscribers.
	Topic string `json:"topic"`

	// Body is the caller-supplied payload. ChronoQ never interprets it.
	Body []byte `json:"body"`

	// FireAt is the UTC millisecond at which the timer becomes due.
	// Zero or a past value means fire immediately.
	FireAt int64 `json:"fire_at"`

	// CreatedAt is the UTC millisecond when the timer was accepted.
	CreatedAt int64 `json:"created_at"`

	// Metadata holds arbitrary key-value pairs set by the caller.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a shallow copy of the timer.
func (t *Timer) Clone() *Timer {
	c := *t
	return &c
}

// Fired is the record of one timer that reached its deadline, as delivered
// to subscribers and appended to the history log. The timer's fields are
// embedded so the JSON form stays flat.
type Fired struct {
	Timer

	// FiredAt is the UTC millisecond at which the engine yielded the timer.
	// It is never before FireAt, and at most one engine tick after it.
	FiredAt int64 `json:"fired_at"`
}
