package grpcsync

import "sync"

// Event represents a one-time event that may occur at most once; Fire is
// idempotent and concurrency-safe. Used for state like "subchannel has
// been shut down" or "does-not-exist timer has fired", where multiple
// goroutines may race to observe or trigger the transition.
type Event struct {
	c    chan struct{}
	once sync.Once
}

// NewEvent returns a new, unfired Event.
func NewEvent() *Event {
	return &Event{c: make(chan struct{})}
}

// Fire marks the event as having occurred. It returns true if this call was
// the one to do so (first caller wins); subsequent calls return false.
func (e *Event) Fire() bool {
	fired := false
	e.once.Do(func() {
		fired = true
		close(e.c)
	})
	return fired
}

// HasFired reports whether Fire has been called.
func (e *Event) HasFired() bool {
	select {
	case <-e.c:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when Fire is called.
func (e *Event) Done() <-chan struct{} {
	return e.c
}
