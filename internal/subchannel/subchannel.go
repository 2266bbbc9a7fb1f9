// Package subchannel implements the Subchannel: the owner of exactly one
// Transport connection, its connectivity-state machine, and its
// exponential reconnect backoff (spec.md §4.3).
package subchannel

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"grpccore/attributes"
	"grpccore/internal/grpcsync"
	"grpccore/pkg/logger"
	"grpccore/transport"
)

// State is delivered to every registered listener on a state transition.
type State struct {
	ConnectivityState transport.ConnectivityState
	// Err is set when ConnectivityState is TransientFailure, carrying the
	// most recent underlying connect/disconnect error (spec.md §7:
	// "a transient-failure picker carries the most recent underlying
	// status so the caller sees why").
	Err error
}

// Listener observes Subchannel state transitions. Listeners are invoked on
// the Work Serializer supplied at construction; per spec.md §4.1 they
// therefore never run concurrently with each other or with LB-policy
// callbacks scheduled on the same serializer.
type Listener func(State)

// Options configures a new Subchannel.
type Options struct {
	Address    attributes.Address
	Transport  transport.Transport
	Serializer *grpcsync.CallbackSerializer

	TransportOptions transport.Options

	// InitialBackoff, MaxBackoff, and JitterPercent parameterize the
	// reconnect schedule; zero values fall back to DefaultInitialBackoff
	// / DefaultMaxBackoff / DefaultJitterPercent.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterPercent  uint64
}

// Defaults for the reconnect backoff schedule. The initial interval and
// jitter equal the xDS stream reconnection defaults in
// xds/xdsclient/transport; the cap does not (120s here, 30s there), and the
// two consumers use different backoff libraries (see DESIGN.md).
const (
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 120 * time.Second
	DefaultJitterPercent  = 20
)

// Subchannel owns one Transport connection to one Address.
type Subchannel struct {
	addr             attributes.Address
	factory          transport.Transport
	serializer       *grpcsync.CallbackSerializer
	transportOptions transport.Options

	backoffBase func() (retry.Backoff, error)

	mu         sync.Mutex
	state      transport.ConnectivityState
	lastErr    error
	listeners  map[int]Listener
	nextID     int
	connected  *transport.ConnectedTransport
	shutdownCh chan struct{}
	connecting bool

	// ctx/cancel bound every goroutine (connect attempts, backoff
	// timers, disconnect watchers) spawned by this Subchannel; cancelled
	// by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	// currentBackoff is the live exponential-backoff schedule for the
	// subchannel's current run of consecutive connect failures. It is
	// rebuilt (via backoffBase) the first time it's needed after a
	// successful connect resets it to nil.
	currentBackoff retry.Backoff

	// nextBackoff is the interval computed the last time the subchannel
	// entered TransientFailure: how long a caller should wait before
	// calling Connect again (spec.md §4.3: the Subchannel itself never
	// re-triggers this; an LB policy reads it and schedules its own
	// re-connect).
	nextBackoff time.Duration
}

// New constructs a Subchannel in the Idle state. Connect must be called to
// begin connecting.
func New(opts Options) *Subchannel {
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	jitter := opts.JitterPercent
	if jitter == 0 {
		jitter = DefaultJitterPercent
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Subchannel{
		addr:             opts.Address,
		factory:          opts.Transport,
		serializer:       opts.Serializer,
		transportOptions: opts.TransportOptions,
		state:            transport.Idle,
		listeners:        make(map[int]Listener),
		shutdownCh:       make(chan struct{}),
		ctx:              ctx,
		cancel:           cancel,
		backoffBase: func() (retry.Backoff, error) {
			b, err := retry.NewExponential(initial)
			if err != nil {
				return nil, err
			}
			b = retry.WithJitterPercent(jitter, b)
			b = retry.WithCappedDuration(maxBackoff, b)
			return b, nil
		},
	}
}

// Address returns the Address this Subchannel targets.
func (sc *Subchannel) Address() attributes.Address {
	return sc.addr
}

// CurrentState returns the Subchannel's current ConnectivityState.
func (sc *Subchannel) CurrentState() transport.ConnectivityState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// AddListener registers cb to be notified of state transitions; the
// returned func unregisters it. Mirrors spec.md's state_listener(cb).
func (sc *Subchannel) AddListener(cb Listener) (unregister func()) {
	sc.mu.Lock()
	id := sc.nextID
	sc.nextID++
	sc.listeners[id] = cb
	sc.mu.Unlock()

	return func() {
		sc.mu.Lock()
		delete(sc.listeners, id)
		sc.mu.Unlock()
	}
}

// Connect is an idempotent request to move out of Idle, or out of
// TransientFailure back into Connecting. It is the Subchannel's only path
// into Connecting from TransientFailure (spec.md §4.3: "the Subchannel
// does NOT auto-reconnect; it waits for connect() to be called again or
// an aggregate policy to re-trigger it"); the Subchannel never schedules
// this call itself. Callers that want to honor the reconnect backoff
// window should wait NextBackoff() before calling Connect again.
func (sc *Subchannel) Connect() {
	sc.mu.Lock()
	if sc.state == transport.Shutdown || sc.connecting {
		sc.mu.Unlock()
		return
	}
	if sc.state != transport.Idle && sc.state != transport.TransientFailure {
		sc.mu.Unlock()
		return
	}
	sc.connecting = true
	sc.mu.Unlock()

	sc.transitionTo(transport.Connecting, nil)
	go sc.attemptConnect()
}

func (sc *Subchannel) attemptConnect() {
	ct, err := sc.factory.Connect(sc.ctx, sc.addr, sc.transportOptions)

	sc.mu.Lock()
	sc.connecting = false
	if sc.state == transport.Shutdown {
		sc.mu.Unlock()
		if ct != nil && ct.Close != nil {
			ct.Close()
		}
		return
	}
	sc.mu.Unlock()

	if err != nil {
		sc.onConnectFailed(err)
		return
	}

	sc.mu.Lock()
	sc.connected = ct
	sc.currentBackoff = nil
	sc.mu.Unlock()

	sc.transitionTo(transport.Ready, nil)
	go sc.watchDisconnect(ct)
}

func (sc *Subchannel) onConnectFailed(err error) {
	sc.transitionTo(transport.TransientFailure, err)
	sc.scheduleRetry()
}

func (sc *Subchannel) watchDisconnect(ct *transport.ConnectedTransport) {
	select {
	case err := <-ct.Disconnected:
		sc.mu.Lock()
		if sc.state == transport.Shutdown {
			sc.mu.Unlock()
			return
		}
		sc.connected = nil
		sc.mu.Unlock()
		logger.WithSubchannel(sc.addr.Addr).Warn("subchannel transport disconnected", "error", err)
		sc.transitionTo(transport.Idle, err)
	case <-sc.ctx.Done():
	}
}

// scheduleRetry advances the exponential backoff schedule for this
// subchannel's current run of consecutive connect failures and records
// the resulting interval in nextBackoff, satisfying the testable
// backoff-interval property of spec.md §8. It does not itself start a
// timer or call Connect: spec.md §4.3 is explicit that "After reaching
// TransientFailure, the Subchannel does NOT auto-reconnect; it waits for
// connect() to be called again (or an aggregate policy to re-trigger
// it)" — the caller (an LB policy, via NextBackoff) owns the timer.
func (sc *Subchannel) scheduleRetry() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.currentBackoff == nil {
		b, err := sc.backoffBase()
		if err != nil {
			logger.Error("subchannel: failed to build backoff", "error", err)
			return
		}
		sc.currentBackoff = b
	}
	d, _ := sc.currentBackoff.Next()
	sc.nextBackoff = d
}

// NextBackoff returns the interval an LB policy should wait, after this
// Subchannel enters TransientFailure, before calling Connect again to
// re-trigger reconnection (spec.md §4.3/§8). Meaningful only once the
// Subchannel has reached TransientFailure at least once; zero beforehand.
func (sc *Subchannel) NextBackoff() time.Duration {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.nextBackoff
}

// Shutdown moves the Subchannel to Shutdown (absorbing) and closes its
// transport, if any. Safe to call multiple times.
func (sc *Subchannel) Shutdown() {
	sc.mu.Lock()
	if sc.state == transport.Shutdown {
		sc.mu.Unlock()
		return
	}
	sc.state = transport.Shutdown
	connected := sc.connected
	sc.connected = nil
	listeners := sc.snapshotListeners()
	sc.mu.Unlock()

	sc.cancel()
	close(sc.shutdownCh)

	if connected != nil && connected.Close != nil {
		connected.Close()
	}

	sc.notify(listeners, State{ConnectivityState: transport.Shutdown})
}

func (sc *Subchannel) snapshotListeners() []Listener {
	ls := make([]Listener, 0, len(sc.listeners))
	for _, l := range sc.listeners {
		ls = append(ls, l)
	}
	return ls
}

func (sc *Subchannel) transitionTo(state transport.ConnectivityState, err error) {
	sc.mu.Lock()
	if sc.state == transport.Shutdown {
		sc.mu.Unlock()
		return
	}
	sc.state = state
	sc.lastErr = err
	listeners := sc.snapshotListeners()
	sc.mu.Unlock()

	sc.notify(listeners, State{ConnectivityState: state, Err: err})
}

func (sc *Subchannel) notify(listeners []Listener, st State) {
	if sc.serializer == nil {
		for _, l := range listeners {
			l(st)
		}
		return
	}
	sc.serializer.Schedule(func(context.Context) {
		for _, l := range listeners {
			l(st)
		}
	})
}

// Connected returns the current ConnectedTransport, or nil if the
// Subchannel is not Ready.
func (sc *Subchannel) Connected() *transport.ConnectedTransport {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.connected
}
