// Package grpcsync provides the Work Serializer: the single-threaded
// cooperative executor every LB-policy callback, resolver update, and
// subchannel state notification runs on. Policies that only ever observe
// the serializer need no internal locking.
package grpcsync

import (
	"context"
	"sync"
)

// CallbackSerializer drains a FIFO queue of callbacks on a single goroutine.
// Schedule is non-blocking and safe to call from any goroutine, including
// from within a callback currently executing on the serializer (re-entrant
// calls append to the same queue rather than recursing the call stack).
//
// The serializer stops accepting new callbacks once its context is done,
// but drains whatever is already queued before its done channel closes.
type CallbackSerializer struct {
	// done closes once the serializer has drained its queue after ctx is
	// cancelled; callers can wait on it to know shutdown is complete.
	done chan struct{}

	mu          sync.Mutex
	callbacks   []func(ctx context.Context)
	closed      bool
	ctx         context.Context
	scheduledCh chan struct{}
}

// NewCallbackSerializer creates a CallbackSerializer and starts its
// draining goroutine. The provided context governs the lifetime of the
// serializer: once ctx is cancelled, no further callbacks are accepted, the
// remaining queue is drained, and then the serializer's Done channel is
// closed.
func NewCallbackSerializer(ctx context.Context) *CallbackSerializer {
	cs := &CallbackSerializer{
		done:        make(chan struct{}),
		ctx:         ctx,
		scheduledCh: make(chan struct{}, 1),
	}
	go cs.run()
	return cs
}

// Schedule enqueues f to run on the serializer goroutine. It returns false
// if the serializer is already shut down, in which case f is never run.
// Schedule never blocks.
func (cs *CallbackSerializer) Schedule(f func(ctx context.Context)) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.closed {
		return false
	}
	cs.callbacks = append(cs.callbacks, f)
	select {
	case cs.scheduledCh <- struct{}{}:
	default:
	}
	return true
}

// Done returns a channel that closes once the serializer has fully
// shut down and drained any callbacks queued before shutdown began.
func (cs *CallbackSerializer) Done() <-chan struct{} {
	return cs.done
}

func (cs *CallbackSerializer) run() {
	defer close(cs.done)
	for {
		select {
		case <-cs.ctx.Done():
			cs.drainRemaining()
			return
		case <-cs.scheduledCh:
			cs.drainOnce()
		}
	}
}

// drainOnce runs every callback queued at the moment it is called,
// including ones appended by a callback while this call is in progress
// (re-entrant Schedule). It does not stop mid-queue when ctx is cancelled;
// shutdown semantics are handled once back in run().
func (cs *CallbackSerializer) drainOnce() {
	for {
		cs.mu.Lock()
		if len(cs.callbacks) == 0 {
			cs.mu.Unlock()
			return
		}
		f := cs.callbacks[0]
		cs.callbacks = cs.callbacks[1:]
		cs.mu.Unlock()

		f(cs.ctx)
	}
}

func (cs *CallbackSerializer) drainRemaining() {
	cs.mu.Lock()
	cs.closed = true
	remaining := cs.callbacks
	cs.callbacks = nil
	cs.mu.Unlock()

	for _, f := range remaining {
		f(cs.ctx)
	}
}
