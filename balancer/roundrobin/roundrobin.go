// Package roundrobin implements the round_robin LB policy of spec.md
// §4.4.2: one SubConn per resolved address, aggregate state computed via
// balancer.ConnectivityStateEvaluator, and a picker that rotates over the
// Ready set with an atomic counter.
package roundrobin

import (
	"sort"
	"sync/atomic"
	"time"

	"grpccore/attributes"
	"grpccore/balancer"
	"grpccore/transport"
)

// Name is the policy name used for registry lookup and service-config
// policy selection.
const Name = "round_robin"

func init() {
	balancer.Register(builder{})
}

// NewBuilder returns a round_robin balancer.Builder directly, for callers
// that construct a policy without going through the name registry.
func NewBuilder() balancer.Builder { return builder{} }

type builder struct{}

func (builder) Name() string { return Name }

func (builder) Build(cc balancer.ClientConn, opts balancer.BuildOptions) balancer.Balancer {
	return &roundRobinBalancer{
		cc:      cc,
		entries: make(map[string]*entry),
	}
}

type entry struct {
	sc    balancer.SubConn
	state transport.ConnectivityState
	err   error

	// readySeq orders this entry among the Ready set by when it became
	// Ready, since map iteration order is not stable across calls
	// (spec.md §4.4.2 / S3: rotation must start "from whichever became
	// Ready first", not from whatever order ranging over entries happens
	// to yield).
	readySeq uint64

	// retryTimer re-triggers Connect once this entry's backoff interval
	// elapses after entering TransientFailure. The Subchannel never does
	// this itself (spec.md §4.3); round_robin owns the schedule per entry.
	retryTimer *time.Timer
}

type roundRobinBalancer struct {
	cc      balancer.ClientConn
	entries map[string]*entry
	eval    balancer.ConnectivityStateEvaluator
	closed  bool

	// aggregate is the ConnectivityState most recently returned by
	// eval.RecordTransition; publish reads it directly instead of
	// recomputing the Ready/Connecting/TransientFailure bucket from
	// scratch, so the evaluator's aggregation rule is the one actually in
	// effect. Its zero value (Idle) buckets the same as Connecting below:
	// before any SubConn has reported a real transition, the channel is
	// still waiting for the first one to connect.
	aggregate transport.ConnectivityState

	// readyCounter hands out readySeq values in became-Ready order.
	readyCounter uint64
}

func addrKey(a attributes.Address) string { return a.Addr }

func (b *roundRobinBalancer) UpdateClientConnState(s balancer.ClientConnState) error {
	if b.closed {
		return nil
	}

	var addrs []attributes.Address
	for _, ep := range s.ResolverState.Endpoints {
		addrs = append(addrs, ep.Addresses...)
	}
	if len(addrs) == 0 {
		err := balancer.ErrBadResolverState
		b.cc.UpdateState(balancer.State{
			ConnectivityState: transport.TransientFailure,
			Picker:            balancer.FailPicker{Err: err},
		})
		return err
	}

	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		key := addrKey(a)
		seen[key] = true
		if _, ok := b.entries[key]; ok {
			continue
		}
		sc, err := b.cc.NewSubConn(a, balancer.NewSubConnOptions{})
		if err != nil {
			continue
		}
		b.entries[key] = &entry{sc: sc, state: transport.Idle}
		sc.Connect()
	}

	for key, e := range b.entries {
		if seen[key] {
			continue
		}
		b.stopRetryTimer(e)
		if e.state == transport.Ready || e.state == transport.Connecting || e.state == transport.TransientFailure {
			b.aggregate = b.eval.RecordTransition(e.state, transport.Idle)
		}
		e.sc.Shutdown()
		delete(b.entries, key)
	}

	b.publish()
	return nil
}

func (b *roundRobinBalancer) ResolverError(err error) {
	if len(b.entries) == 0 {
		b.cc.UpdateState(balancer.State{
			ConnectivityState: transport.TransientFailure,
			Picker:            balancer.FailPicker{Err: err},
		})
	}
}

func (b *roundRobinBalancer) UpdateSubConnState(sc balancer.SubConn, s balancer.SubConnState) {
	for _, e := range b.entries {
		if e.sc != sc {
			continue
		}
		old := e.state
		e.state = s.ConnectivityState
		e.err = s.ConnectionError

		if s.ConnectivityState == transport.Ready && old != transport.Ready {
			b.readyCounter++
			e.readySeq = b.readyCounter
		}

		b.aggregate = b.eval.RecordTransition(old, s.ConnectivityState)
		b.publish()

		if s.ConnectivityState == transport.TransientFailure {
			b.scheduleRetry(e)
		} else {
			b.stopRetryTimer(e)
		}
		return
	}
}

// scheduleRetry waits out e's reconnect backoff interval and then calls
// Connect on it again, since the Subchannel itself never does so (spec.md
// §4.3). Each entry gets its own timer so every subchannel reconnects on
// its own schedule, matching round_robin's per-address independence.
func (b *roundRobinBalancer) scheduleRetry(e *entry) {
	b.stopRetryTimer(e)
	sc := e.sc
	e.retryTimer = time.AfterFunc(sc.NextBackoff(), sc.Connect)
}

func (b *roundRobinBalancer) stopRetryTimer(e *entry) {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

// readySubConns returns the current Ready set ordered by the sequence in
// which each entry became Ready, so the picker's rotation always starts
// from whichever SubConn became Ready first (spec.md §4.4.2, S3).
func (b *roundRobinBalancer) readySubConns() []balancer.SubConn {
	var readyEntries []*entry
	for _, e := range b.entries {
		if e.state == transport.Ready {
			readyEntries = append(readyEntries, e)
		}
	}
	sort.Slice(readyEntries, func(i, j int) bool {
		return readyEntries[i].readySeq < readyEntries[j].readySeq
	})

	ready := make([]balancer.SubConn, len(readyEntries))
	for i, e := range readyEntries {
		ready[i] = e.sc
	}
	return ready
}

func (b *roundRobinBalancer) lastError() error {
	for _, e := range b.entries {
		if e.state == transport.TransientFailure && e.err != nil {
			return e.err
		}
	}
	return balancer.ErrTransientFailure
}

func (b *roundRobinBalancer) publish() {
	switch b.aggregate {
	case transport.Ready:
		b.cc.UpdateState(balancer.State{
			ConnectivityState: transport.Ready,
			Picker:            newPicker(b.readySubConns()),
		})
	case transport.TransientFailure:
		b.cc.UpdateState(balancer.State{
			ConnectivityState: transport.TransientFailure,
			Picker:            balancer.FailPicker{Err: b.lastError()},
		})
	default:
		b.cc.UpdateState(balancer.State{ConnectivityState: transport.Connecting, Picker: balancer.QueuePicker{}})
	}
}

func (b *roundRobinBalancer) Close() {
	b.closed = true
	for _, e := range b.entries {
		b.stopRetryTimer(e)
		e.sc.Shutdown()
	}
	b.entries = make(map[string]*entry)
}

// picker rotates over a fixed, immutable snapshot of the Ready set via an
// atomic counter, so Pick never blocks and never mutates shared state
// beyond the counter (spec.md §4.5 "pickers are immutable snapshots").
type picker struct {
	subConns []balancer.SubConn
	next     atomic.Uint64
}

func newPicker(ready []balancer.SubConn) *picker {
	snapshot := make([]balancer.SubConn, len(ready))
	copy(snapshot, ready)
	return &picker{subConns: snapshot}
}

func (p *picker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	idx := p.next.Add(1) - 1
	sc := p.subConns[idx%uint64(len(p.subConns))]
	return balancer.PickResult{Kind: balancer.PickKindComplete, SubConn: sc}, nil
}
