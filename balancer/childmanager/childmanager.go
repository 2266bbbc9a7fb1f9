// Package childmanager implements the child_manager LB policy of spec.md
// §4.4.3: a sharder function partitions a ResolverState into named child
// updates, each routed to a child policy; an aggregator function combines
// the children's published States into one parent State.
package childmanager

import (
	"time"

	"grpccore/attributes"
	"grpccore/balancer"
	"grpccore/resolver"
	"grpccore/transport"
)

// Name is the policy name used for registry lookup.
const Name = "child_manager"

// Sharder partitions a ResolverState into per-child ResolverStates, keyed
// by an arbitrary child name chosen by the caller (e.g. a cluster name
// from an xDS CDS update, per spec.md §4.4.3's "typical: treat children as
// a weighted/ordered list").
type Sharder func(resolver.State) map[string]resolver.State

// Aggregator combines the current State of every known child (by name)
// into the one parent State published upward. Children not yet reporting
// any state are omitted from the map.
type Aggregator func(children map[string]balancer.State) balancer.State

// Config configures a child_manager instance; it is not parsed from JSON
// like a real service-config node since the sharder/aggregator/child
// builder are Go closures, not wire data.
type Config struct {
	Sharder      Sharder
	Aggregator   Aggregator
	ChildBuilder balancer.Builder
}

// NewBuilder returns a balancer.Builder that builds a child_manager
// instance configured by cfg. Unlike the registry-driven pickfirst/
// roundrobin builders, child_manager is constructed directly by its
// caller (typically xds/bridge) because its Config carries Go closures.
func NewBuilder(cfg Config) balancer.Builder {
	return childManagerBuilder{cfg: cfg}
}

type childManagerBuilder struct {
	cfg Config
}

func (b childManagerBuilder) Name() string { return Name }

func (b childManagerBuilder) Build(cc balancer.ClientConn, opts balancer.BuildOptions) balancer.Balancer {
	return &childManagerBalancer{
		parentCC: cc,
		cfg:      b.cfg,
		children: make(map[string]*childEntry),
	}
}

type childEntry struct {
	name     string
	balancer balancer.Balancer
	cc       *childClientConn
	state    balancer.State
	hasState bool
}

type childManagerBalancer struct {
	parentCC balancer.ClientConn
	cfg      Config
	children map[string]*childEntry
	closed   bool
}

func (m *childManagerBalancer) UpdateClientConnState(s balancer.ClientConnState) error {
	if m.closed {
		return nil
	}
	shards := m.cfg.Sharder(s.ResolverState)

	for name := range m.children {
		if _, ok := shards[name]; !ok {
			m.children[name].balancer.Close()
			delete(m.children, name)
		}
	}

	var firstErr error
	for name, childState := range shards {
		ce, ok := m.children[name]
		if !ok {
			ce = &childEntry{name: name}
			ce.cc = &childClientConn{parent: m.parentCC, manager: m, name: name}
			ce.balancer = m.cfg.ChildBuilder.Build(ce.cc, balancer.BuildOptions{Target: s.ResolverState.ResolutionNote})
			m.children[name] = ce
		}
		if err := ce.balancer.UpdateClientConnState(balancer.ClientConnState{ResolverState: childState}); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.publish()
	return firstErr
}

func (m *childManagerBalancer) ResolverError(err error) {
	for _, ce := range m.children {
		ce.balancer.ResolverError(err)
	}
}

func (m *childManagerBalancer) UpdateSubConnState(sc balancer.SubConn, s balancer.SubConnState) {
	wrapped, ok := sc.(*childSubConn)
	if !ok {
		return
	}
	ce, ok := m.children[wrapped.childName]
	if !ok {
		return
	}
	ce.balancer.UpdateSubConnState(sc, s)
}

func (m *childManagerBalancer) childUpdatedState(name string, st balancer.State) {
	ce, ok := m.children[name]
	if !ok {
		return
	}
	ce.state = st
	ce.hasState = true
	m.publish()
}

func (m *childManagerBalancer) publish() {
	states := make(map[string]balancer.State, len(m.children))
	for name, ce := range m.children {
		if ce.hasState {
			states[name] = ce.state
		}
	}
	if len(states) == 0 {
		m.parentCC.UpdateState(balancer.State{ConnectivityState: transport.Connecting, Picker: balancer.QueuePicker{}})
		return
	}
	m.parentCC.UpdateState(m.cfg.Aggregator(states))
}

func (m *childManagerBalancer) Close() {
	m.closed = true
	for _, ce := range m.children {
		ce.balancer.Close()
	}
	m.children = make(map[string]*childEntry)
}

// childClientConn is the ClientConn a child policy sees: it tags every
// SubConn it creates with the child's name, and routes UpdateState back
// through the parent's aggregator instead of straight to the real
// top-level ClientConn.
type childClientConn struct {
	parent  balancer.ClientConn
	manager *childManagerBalancer
	name    string
}

func (c *childClientConn) NewSubConn(addr attributes.Address, opts balancer.NewSubConnOptions) (balancer.SubConn, error) {
	sc, err := c.parent.NewSubConn(addr, opts)
	if err != nil {
		return nil, err
	}
	return &childSubConn{inner: sc, childName: c.name}, nil
}

func (c *childClientConn) UpdateState(s balancer.State) {
	if s.Picker != nil {
		s.Picker = unwrappingPicker{s.Picker}
	}
	c.manager.childUpdatedState(c.name, s)
}

// unwrappingPicker hands the parent's own SubConn, not the childSubConn
// tag, to whoever dispatches the pick.
type unwrappingPicker struct{ balancer.Picker }

func (p unwrappingPicker) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	res, err := p.Picker.Pick(info)
	if w, ok := res.SubConn.(*childSubConn); ok {
		res.SubConn = w.inner
	}
	return res, err
}

func (c *childClientConn) ResolveNow() { c.parent.ResolveNow() }

func (c *childClientConn) Target() string { return c.parent.Target() }

func (c *childClientConn) RemoveSubConn(sc balancer.SubConn) {
	if wrapped, ok := sc.(*childSubConn); ok {
		c.parent.RemoveSubConn(wrapped.inner)
		return
	}
	c.parent.RemoveSubConn(sc)
}

// childSubConn tags a parent-owned SubConn with the child policy name
// that created it, so UpdateSubConnState callbacks from the parent can be
// routed back to the right child.
type childSubConn struct {
	inner     balancer.SubConn
	childName string
}

func (s *childSubConn) Connect()                    { s.inner.Connect() }
func (s *childSubConn) Address() attributes.Address { return s.inner.Address() }
func (s *childSubConn) NextBackoff() time.Duration  { return s.inner.NextBackoff() }
func (s *childSubConn) Shutdown()                   { s.inner.Shutdown() }
