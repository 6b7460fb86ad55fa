package delayqueue

import "time"

// Clock supplies the queue's notion of "now". The default is the system
// clock; tests substitute a fake to pin tick arithmetic down exactly.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
