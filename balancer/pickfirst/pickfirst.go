// Package pickfirst implements the pick_first LB policy of spec.md §4.4.1:
// collapse resolved endpoints to a flat ordered address list, connect to
// the first, and fail over to the next on TransientFailure.
package pickfirst

import (
	"time"

	"grpccore/attributes"
	"grpccore/balancer"
	"grpccore/transport"
)

// Name is the policy name used for registry lookup and service-config
// policy selection.
const Name = "pick_first"

func init() {
	balancer.Register(builder{})
}

// NewBuilder returns a pick_first balancer.Builder directly, for callers
// (such as xds/bridge's child_manager wiring) that construct a policy
// without going through the name registry.
func NewBuilder() balancer.Builder { return builder{} }

type builder struct{}

func (builder) Name() string { return Name }

func (builder) Build(cc balancer.ClientConn, opts balancer.BuildOptions) balancer.Balancer {
	return &pickfirstBalancer{cc: cc}
}

type pickfirstBalancer struct {
	cc       balancer.ClientConn
	addrs    []attributes.Address
	subConns []balancer.SubConn
	// idx is the address currently being attempted or Ready.
	idx     int
	lastErr error
	closed  bool

	// retryTimer re-triggers Connect on the first SubConn once the list
	// is exhausted and its backoff interval elapses. The Subchannel never
	// does this itself (spec.md §4.3); pick_first owns the schedule.
	retryTimer *time.Timer
}

func flattenAddresses(endpoints []attributes.Endpoint) []attributes.Address {
	var out []attributes.Address
	for _, ep := range endpoints {
		out = append(out, ep.Addresses...)
	}
	return out
}

func (b *pickfirstBalancer) UpdateClientConnState(s balancer.ClientConnState) error {
	if b.closed {
		return nil
	}
	addrs := flattenAddresses(s.ResolverState.Endpoints)
	if len(addrs) == 0 {
		err := balancer.ErrBadResolverState
		b.cc.UpdateState(balancer.State{
			ConnectivityState: transport.TransientFailure,
			Picker:            balancer.FailPicker{Err: err},
		})
		return err
	}

	b.stopRetryTimer()
	b.shutdownSubConns()
	b.addrs = addrs
	b.subConns = make([]balancer.SubConn, len(addrs))
	b.idx = 0

	b.cc.UpdateState(balancer.State{ConnectivityState: transport.Connecting, Picker: balancer.QueuePicker{}})
	return b.connectAt(0)
}

func (b *pickfirstBalancer) connectAt(i int) error {
	sc, err := b.cc.NewSubConn(b.addrs[i], balancer.NewSubConnOptions{})
	if err != nil {
		return err
	}
	b.subConns[i] = sc
	sc.Connect()
	return nil
}

func (b *pickfirstBalancer) ResolverError(err error) {
	b.lastErr = err
	if len(b.subConns) == 0 {
		b.cc.UpdateState(balancer.State{
			ConnectivityState: transport.TransientFailure,
			Picker:            balancer.FailPicker{Err: err},
		})
	}
}

func (b *pickfirstBalancer) UpdateSubConnState(sc balancer.SubConn, s balancer.SubConnState) {
	idx := b.indexOf(sc)
	if idx < 0 {
		return
	}

	switch s.ConnectivityState {
	case transport.Ready:
		b.idx = idx
		b.cc.UpdateState(balancer.State{
			ConnectivityState: transport.Ready,
			Picker:            &picker{sc: sc},
		})

	case transport.TransientFailure:
		b.lastErr = s.ConnectionError
		next := idx + 1
		if next >= len(b.addrs) {
			// Exhausted the list: publish a failing picker carrying the
			// most recent error, then explicitly re-trigger the happy
			// path from the top once this SubConn's backoff interval
			// elapses (spec.md §4.3: the Subchannel itself never
			// auto-reconnects; the policy re-triggers it).
			b.cc.UpdateState(balancer.State{
				ConnectivityState: transport.TransientFailure,
				Picker:            balancer.FailPicker{Err: s.ConnectionError},
			})
			b.scheduleRetryFromTop(sc)
			return
		}
		if err := b.connectAt(next); err != nil {
			b.cc.UpdateState(balancer.State{
				ConnectivityState: transport.TransientFailure,
				Picker:            balancer.FailPicker{Err: err},
			})
		}

	case transport.Idle:
		// A previously Ready SubConn disconnected: spec.md §4.4.1 "on
		// disconnect, return to Idle and attempt the happy path from the
		// top".
		b.cc.UpdateState(balancer.State{ConnectivityState: transport.Connecting, Picker: balancer.QueuePicker{}})
		if len(b.subConns) > 0 {
			b.subConns[0].Connect()
		}

	case transport.Connecting:
		b.cc.UpdateState(balancer.State{ConnectivityState: transport.Connecting, Picker: balancer.QueuePicker{}})
	}
}

// scheduleRetryFromTop waits sc's reconnect backoff interval and then
// calls Connect on the first SubConn in the address list, re-entering
// the happy path from the top (spec.md §4.4.1). It captures the first
// SubConn rather than re-reading b.subConns at fire time so a concurrent
// resolver update that replaces the address list can't race with it;
// Connect on an already-shut-down SubConn is a harmless no-op.
func (b *pickfirstBalancer) scheduleRetryFromTop(sc balancer.SubConn) {
	b.stopRetryTimer()
	if len(b.subConns) == 0 {
		return
	}
	first := b.subConns[0]
	b.retryTimer = time.AfterFunc(sc.NextBackoff(), first.Connect)
}

func (b *pickfirstBalancer) stopRetryTimer() {
	if b.retryTimer != nil {
		b.retryTimer.Stop()
		b.retryTimer = nil
	}
}

func (b *pickfirstBalancer) indexOf(sc balancer.SubConn) int {
	for i, s := range b.subConns {
		if s == sc {
			return i
		}
	}
	return -1
}

func (b *pickfirstBalancer) shutdownSubConns() {
	for _, sc := range b.subConns {
		if sc != nil {
			sc.Shutdown()
		}
	}
}

func (b *pickfirstBalancer) Close() {
	b.closed = true
	b.stopRetryTimer()
	b.shutdownSubConns()
}

// picker always hands out the single Ready SubConn (spec.md §4.4.1
// "on Ready, publish a one-subchannel picker").
type picker struct {
	sc balancer.SubConn
}

func (p *picker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{Kind: balancer.PickKindComplete, SubConn: p.sc}, nil
}
