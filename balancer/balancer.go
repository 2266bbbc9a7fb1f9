// Package balancer defines the LB Policy registry and trait (spec.md §4.4),
// the Picker/PickResult types (spec.md §4.5), and the
// ConnectivityStateEvaluator aggregation rule, grounded on the pack's
// jasonliu0704-grpc-go balancer/balancer.go.
package balancer

import (
	"errors"
	"strings"
	"sync"
	"time"

	"grpccore/attributes"
	"grpccore/resolver"
	"grpccore/transport"
)

// ErrNoSubConnAvailable is returned by a Queue-equivalent picker: the RPC
// should be parked until the next picker update (spec.md §4.5).
var ErrNoSubConnAvailable = errors.New("balancer: no SubConn is ready")

// ErrTransientFailure is wrapped into the status carried by a Fail picker
// when every subchannel is in TransientFailure.
var ErrTransientFailure = errors.New("balancer: last resolver update failed to produce a ready subchannel")

// SubConn is the policy-facing handle on a Subchannel. Policies never touch
// *subchannel.Subchannel directly; they go through this indirection so the
// Channel retains ownership and reference-counting (spec.md §5 "Subchannels
// themselves are reference-counted").
type SubConn interface {
	// Connect requests the underlying Subchannel leave Idle, or leave
	// TransientFailure back into Connecting. The Subchannel never calls
	// this itself after a connect failure (spec.md §4.3); a policy that
	// wants automatic reconnection must call it again explicitly, after
	// waiting NextBackoff.
	Connect()
	// Address returns the Address this SubConn targets.
	Address() attributes.Address
	// NextBackoff returns how long to wait, after this SubConn last
	// entered TransientFailure, before calling Connect again (spec.md
	// §4.3/§8's exponential backoff-interval property).
	NextBackoff() time.Duration
	// Shutdown releases the policy's reference to this SubConn.
	Shutdown()
}

// SubConnState is delivered to Balancer.UpdateSubConnState.
type SubConnState struct {
	ConnectivityState transport.ConnectivityState
	ConnectionError   error
}

// NewSubConnOptions configures ClientConn.NewSubConn.
type NewSubConnOptions struct {
	// StateListener is unused by the reference policies here and kept for
	// parity with the teacher's API. The channel package's ClientConn does
	// not invoke it: state changes always arrive through
	// Balancer.UpdateSubConnState.
	StateListener func(SubConnState)
}

// State is the LbState of spec.md §3: the atomic unit a policy publishes
// upward via ClientConn.UpdateState.
type State struct {
	ConnectivityState transport.ConnectivityState
	Picker            Picker
}

// ClientConnState is delivered to Balancer.UpdateClientConnState.
type ClientConnState struct {
	ResolverState  resolver.State
	BalancerConfig any
}

// ErrBadResolverState may be returned by UpdateClientConnState to tell the
// ClientConn the resolver's state was unusable (e.g. zero endpoints);
// the ClientConn decides what to do (spec.md §7: "surfaced synchronously
// ... as an error; the previous picker remains in effect").
var ErrBadResolverState = errors.New("balancer: bad resolver state")

// ClientConn is the Channel-provided controller a Balancer uses to open
// SubConns and publish Picker updates; this is the Go expression of
// spec.md §4.4's ChannelController.
type ClientConn interface {
	// NewSubConn creates a SubConn for addr, or returns an existing one if
	// the ClientConn already has a live SubConn for that wire identity.
	NewSubConn(addr attributes.Address, opts NewSubConnOptions) (SubConn, error)

	// RemoveSubConn releases sc; no further UpdateSubConnState callbacks
	// will be delivered for it afterward.
	RemoveSubConn(sc SubConn)

	// UpdateState publishes a new LbState; always called from within the
	// Work Serializer.
	UpdateState(State)

	// ResolveNow asks the resolver to refresh (spec.md's
	// ChannelController.request_resolution()).
	ResolveNow()

	// Target returns the channel's dial target string.
	Target() string
}

// BuildOptions carries construction-time context for a Balancer.
type BuildOptions struct {
	Target string
}

// Balancer is the LB Policy trait (spec.md §4.4).
type Balancer interface {
	// UpdateClientConnState is called whenever a new ResolverState or
	// policy config is available.
	UpdateClientConnState(ClientConnState) error

	// ResolverError notifies the Balancer the resolver reported an error.
	ResolverError(error)

	// UpdateSubConnState notifies the Balancer one of its SubConns
	// changed ConnectivityState.
	UpdateSubConnState(SubConn, SubConnState)

	// Close releases everything the Balancer owns.
	Close()
}

// Builder constructs a Balancer instance bound to one ClientConn.
type Builder interface {
	Build(cc ClientConn, opts BuildOptions) Balancer
	Name() string
}

// ConfigParser is implemented by Builders that accept a JSON policy config.
type ConfigParser interface {
	ParseConfig(raw []byte) (any, error)
}

var (
	mu sync.Mutex
	m  = make(map[string]Builder)
)

// Register records b under strings.ToLower(b.Name()); a later Register
// call with the same name silently replaces the earlier one, matching the
// teacher's registry semantics.
func Register(b Builder) {
	mu.Lock()
	defer mu.Unlock()
	m[strings.ToLower(b.Name())] = b
}

// Get looks up a Builder by policy name (case-insensitive), or nil.
func Get(name string) Builder {
	mu.Lock()
	defer mu.Unlock()
	return m[strings.ToLower(name)]
}

// unregisterForTesting removes name from the registry; used only by tests
// that need a clean registry.
func unregisterForTesting(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(m, strings.ToLower(name))
}

// PickInfo carries per-RPC context available to Picker.Pick.
type PickInfo struct {
	FullMethodName string
}

// DoneInfo is passed to PickResult.Done, if set, when the RPC completes.
type DoneInfo struct {
	Err error
}

// PickResult is returned by Picker.Pick. Exactly one of the four shapes of
// spec.md §4.5 applies, discriminated by Kind.
type PickResult struct {
	Kind PickKind

	// SubConn is set when Kind == PickKindComplete.
	SubConn SubConn

	// Done is invoked by the Channel when the RPC on SubConn finishes, if
	// non-nil.
	Done func(DoneInfo)

	// MetadataMutations adds to the outgoing request metadata when Kind ==
	// PickKindComplete.
	MetadataMutations map[string]string

	// Err carries the terminal status for PickKindFail and PickKindDrop.
	Err error
}

// PickKind discriminates the PickResult shapes of spec.md §4.5.
type PickKind int

const (
	// PickKindComplete: a SubConn was chosen; dispatch the RPC on it.
	PickKindComplete PickKind = iota
	// PickKindQueue: no SubConn is ready yet; park until the next picker
	// update (spec.md's Queue).
	PickKindQueue
	// PickKindFail: fail this RPC now with Err (spec.md's Fail).
	PickKindFail
	// PickKindDrop: fail this RPC now with Err, and never retry (spec.md's
	// Drop).
	PickKindDrop
)

// Picker is an immutable, thread-safe pure function from PickInfo to
// PickResult (spec.md §4.5). Implementations must not block.
type Picker interface {
	Pick(info PickInfo) (PickResult, error)
}

// QueuePicker always returns PickKindQueue; published while at least one
// SubConn is Connecting and none is Ready (spec.md §4.4 "when at least one
// is Connecting, the policy publishes a Queue-returning picker").
type QueuePicker struct{}

func (QueuePicker) Pick(PickInfo) (PickResult, error) {
	return PickResult{Kind: PickKindQueue}, ErrNoSubConnAvailable
}

// FailPicker always fails with Err; published when every SubConn is in
// TransientFailure, carrying the last observed error (spec.md §7).
type FailPicker struct {
	Err error
}

func (p FailPicker) Pick(PickInfo) (PickResult, error) {
	return PickResult{Kind: PickKindFail, Err: p.Err}, p.Err
}

// ConnectivityStateEvaluator aggregates child SubConn states into one
// ConnectivityState, grounded verbatim on jasonliu0704-grpc-go's
// balancer.go RecordTransition: Ready if any child is Ready, else
// Connecting if any child is Connecting, else TransientFailure.
type ConnectivityStateEvaluator struct {
	numReady            uint64
	numConnecting       uint64
	numTransientFailure uint64
}

// RecordTransition records a SubConn's move from oldState to newState and
// returns the newly aggregated ConnectivityState.
func (cse *ConnectivityStateEvaluator) RecordTransition(oldState, newState transport.ConnectivityState) transport.ConnectivityState {
	for _, state := range []transport.ConnectivityState{oldState, newState} {
		updateVal := int64(-1)
		if state == newState {
			updateVal = 1
		}
		switch state {
		case transport.Ready:
			cse.numReady = addClamped(cse.numReady, updateVal)
		case transport.Connecting:
			cse.numConnecting = addClamped(cse.numConnecting, updateVal)
		case transport.TransientFailure:
			cse.numTransientFailure = addClamped(cse.numTransientFailure, updateVal)
		}
	}

	switch {
	case cse.numReady > 0:
		return transport.Ready
	case cse.numConnecting > 0:
		return transport.Connecting
	default:
		return transport.TransientFailure
	}
}

func addClamped(v uint64, delta int64) uint64 {
	if delta < 0 {
		if v == 0 {
			return 0
		}
		return v - 1
	}
	return v + 1
}
