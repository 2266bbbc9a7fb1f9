// Package resolver defines the scheme-keyed resolver registry and the
// Resolver/Builder traits that turn a target URI into a live stream of
// endpoint sets and service-config updates.
package resolver

import (
	"strings"
	"sync"

	"grpccore/attributes"
	"grpccore/internal/grpcsync"
)

// Target is the parsed form of a dial target: scheme:[//authority]/path.
type Target struct {
	URL       string
	Scheme    string
	Authority string
	Endpoint  string
}

// ParseTarget parses a target string of the form
// "scheme:[//authority]/path[?query]". If the target carries no scheme, it
// is treated as a bare endpoint under the default scheme passed by the
// caller (the channel substitutes "dns" per the teacher's dial defaults).
// A "host:port" target whose part after the colon is all digits counts as
// carrying no scheme.
func ParseTarget(target, defaultScheme string) Target {
	scheme, rest, ok := strings.Cut(target, "://")
	if !ok {
		scheme2, rest2, ok2 := strings.Cut(target, ":")
		if ok2 && !strings.ContainsAny(scheme2, "/") && strings.TrimLeft(rest2, "0123456789") != "" {
			return Target{URL: target, Scheme: scheme2, Endpoint: rest2}
		}
		return Target{URL: target, Scheme: defaultScheme, Endpoint: target}
	}
	authority, endpoint, hasAuthority := strings.Cut(rest, "/")
	if !hasAuthority {
		return Target{URL: target, Scheme: scheme, Authority: "", Endpoint: rest}
	}
	return Target{URL: target, Scheme: scheme, Authority: authority, Endpoint: endpoint}
}

// State is a ResolverUpdate: the set of endpoints and/or parsed service
// config the resolver currently knows about, pushed onto the Work
// Serializer for the LB policy to consume. It is created once by the
// resolver and never mutated afterwards.
type State struct {
	// Endpoints is the resolver's current view of the backend set. Nil
	// (as opposed to empty) is only valid alongside a non-nil Err.
	Endpoints []attributes.Endpoint

	// ServiceConfig is the parsed service config, if the resolver
	// produces one; nil means "no opinion, keep using the previous one".
	ServiceConfig *ParsedConfig

	// Err, when non-nil, means resolution failed; Endpoints is ignored
	// and the LB policy is expected to keep serving from its last good
	// state or publish a failing picker, per spec.
	Err error

	// Attributes carries resolver-level out-of-band data (e.g. the xDS
	// bridge stashes its LDS/RDS provenance here).
	Attributes *attributes.Set

	// ResolutionNote is a diagnostic string surfaced in logs/errors; it
	// never changes program behaviour.
	ResolutionNote string
}

// ParsedConfig is an opaque, resolver-produced service config. Policies
// that understand config of this shape are expected to downcast it to a
// concrete type registered by LB policy name.
type ParsedConfig struct {
	Raw                 string
	LoadBalancingPolicy string
}

// ClientConn is the interface a Builder uses to push updates to the
// channel; the channel implements it. It corresponds to spec.md's
// "ResolverController".
type ClientConn interface {
	// UpdateState delivers a new resolver State. Returns an error if the
	// State was rejected (e.g. malformed service config); the resolver
	// should continue operating and try again on the next update.
	UpdateState(State) error

	// ReportError surfaces a resolution failure without a full State;
	// equivalent to UpdateState(State{Err: err}).
	ReportError(error)

	// ParseServiceConfig parses a raw JSON service config into a
	// ParsedConfig, delegating to the LB policy registry for
	// policy-specific fields.
	ParseServiceConfig(raw string) (*ParsedConfig, error)
}

// BuildOptions carries the dependencies a Builder needs to construct a
// Resolver: the Work Serializer to schedule updates on, and a context
// bounding the resolver's lifetime.
type BuildOptions struct {
	// Serializer is the Work Serializer updates must be scheduled on;
	// resolvers must never call ClientConn methods from arbitrary
	// goroutines directly.
	Serializer *grpcsync.CallbackSerializer

	// Authority is the authority component of the target, used by
	// resolvers that need it for SNI or gRPC-authority headers.
	Authority string

	// DialCreds indicates whether the channel is using transport
	// security; some resolvers (e.g. xDS) refuse to start without it.
	DialCreds bool
}

// Resolver watches a target and pushes State updates to its ClientConn
// until Close is called.
type Resolver interface {
	// ResolveNow is a best-effort hint to re-resolve soon; resolvers
	// that re-resolve on a fixed schedule may ignore it beyond
	// respecting their cooldown.
	ResolveNow(ResolveNowOptions)

	// Close releases all resources associated with the resolver. No
	// further ClientConn calls are made after Close returns.
	Close()
}

// ResolveNowOptions reserved for future extension (e.g. priority hints);
// empty today.
type ResolveNowOptions struct{}

// Builder creates a Resolver for a given target, keyed by Target.Scheme.
type Builder interface {
	// Build creates a new resolver for the given target.
	Build(target Target, cc ClientConn, opts BuildOptions) (Resolver, error)

	// Scheme returns the URI scheme this builder handles.
	Scheme() string
}

var (
	mu       sync.Mutex
	builders = make(map[string]Builder)
)

// Register registers b under strings.ToLower(b.Scheme()). Last
// registration for a given scheme wins — mirrors the teacher's balancer
// registry semantics, documented as required for process-wide last-write
// consistency. Must only be called at init time.
func Register(b Builder) {
	mu.Lock()
	defer mu.Unlock()
	builders[strings.ToLower(b.Scheme())] = b
}

// Get returns the builder registered for scheme, or nil if none is
// registered. The lookup is case-insensitive.
func Get(scheme string) Builder {
	mu.Lock()
	defer mu.Unlock()
	return builders[strings.ToLower(scheme)]
}

// unregisterForTesting removes scheme's builder; test-only.
func unregisterForTesting(scheme string) {
	mu.Lock()
	defer mu.Unlock()
	delete(builders, strings.ToLower(scheme))
}
