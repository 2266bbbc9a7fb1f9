// Package inmemory implements the "inmemory" resolver scheme: a resolver
// whose State is pushed entirely by test code via Resolver.UpdateState,
// with no network activity of its own. Registered for use by Channel and
// LB-policy tests, and usable directly by callers that already have their
// own service discovery and just want to feed the channel a fixed set.
package inmemory

import (
	"sync"

	"grpccore/resolver"
)

// Scheme is the URI scheme this package's Builder is registered under.
const Scheme = "inmemory"

// Builder vends in-memory resolvers keyed by the target's Endpoint (an
// arbitrary id chosen by the caller). Build looks up a Resolver previously
// created with New and wires it to the channel's ClientConn; it is an
// error to Build a target for which New was never called.
type Builder struct {
	mu        sync.Mutex
	resolvers map[string]*Resolver
}

// New creates a named in-memory resolver. The returned Resolver must be
// passed to Builder.Register (or the package-level Register, for the
// default registry) before a channel dials "inmemory:///<id>".
func New(id string) *Resolver {
	return &Resolver{id: id}
}

// Register associates a Resolver built with New with the id a channel
// will dial. It must be called before the channel's first RPC.
func (b *Builder) Register(r *Resolver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resolvers == nil {
		b.resolvers = make(map[string]*Resolver)
	}
	b.resolvers[r.id] = r
}

// Scheme returns "inmemory".
func (b *Builder) Scheme() string { return Scheme }

// Build wires a previously-registered Resolver to cc, replaying the last
// pushed State (if any) immediately.
func (b *Builder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	b.mu.Lock()
	r, ok := b.resolvers[target.Endpoint]
	b.mu.Unlock()
	if !ok {
		return nil, &unknownResolverError{id: target.Endpoint}
	}

	r.mu.Lock()
	r.cc = cc
	last := r.last
	hasLast := r.hasLast
	r.mu.Unlock()

	if hasLast {
		_ = cc.UpdateState(last)
	}
	return r, nil
}

type unknownResolverError struct{ id string }

func (e *unknownResolverError) Error() string {
	return "inmemory: no resolver registered for id " + e.id
}

// Resolver is a manually-driven resolver.Resolver: test code calls
// UpdateState directly to simulate resolver output, and ResolveNow /
// Close are recorded for assertions.
type Resolver struct {
	id string

	mu           sync.Mutex
	cc           resolver.ClientConn
	last         resolver.State
	hasLast      bool
	resolveCalls int
	closed       bool
}

// UpdateState pushes a new resolver.State to the channel this Resolver is
// wired to, if any, and remembers it for the next Build (so a resolver
// created before the channel dials still delivers its current state).
func (r *Resolver) UpdateState(s resolver.State) error {
	r.mu.Lock()
	r.last = s
	r.hasLast = true
	cc := r.cc
	r.mu.Unlock()

	if cc == nil {
		return nil
	}
	return cc.UpdateState(s)
}

// ResolveNow records the call; in-memory resolvers have nothing to
// re-resolve, so this is purely observable for tests asserting that a LB
// policy requested re-resolution.
func (r *Resolver) ResolveNow(resolver.ResolveNowOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolveCalls++
}

// ResolveNowCallCount returns how many times ResolveNow has been called.
func (r *Resolver) ResolveNowCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveCalls
}

// Close marks the resolver closed; safe to call multiple times.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// DefaultBuilder is the Builder registered under "inmemory" at package
// init; Register is a convenience wrapper around it.
var DefaultBuilder = &Builder{}

func init() {
	// Re-register DefaultBuilder so Register(id) below operates on the
	// same instance the registry dispatches Build calls to.
	resolver.Register(DefaultBuilder)
}

// Register associates r with the default package-level registry.
func Register(r *Resolver) {
	DefaultBuilder.Register(r)
}
