package channel

import (
	"context"
	"io"
	"sync"

	"grpccore/balancer"
	"grpccore/transport"
)

// doneTrackingCall wraps a transport.Call so the Picker's optional
// PickResult.Done callback (spec.md §4.5: "invoked after the RPC finishes
// — used by policies like outlier detection to observe per-RPC outcomes")
// fires exactly once, on the first terminal Recv error/EOF. A caller that
// never drains Recv to its end never triggers it.
type doneTrackingCall struct {
	transport.Call
	once sync.Once
	done func(balancer.DoneInfo)
}

func newDoneTrackingCall(c transport.Call, done func(balancer.DoneInfo)) transport.Call {
	if done == nil {
		return c
	}
	return &doneTrackingCall{Call: c, done: done}
}

func (c *doneTrackingCall) Recv(ctx context.Context) ([]byte, error) {
	msg, err := c.Call.Recv(ctx)
	if err != nil {
		c.fire(err)
	}
	return msg, err
}

func (c *doneTrackingCall) fire(err error) {
	c.once.Do(func() {
		if err == io.EOF {
			err = nil
		}
		c.done(balancer.DoneInfo{Err: err})
	})
}
