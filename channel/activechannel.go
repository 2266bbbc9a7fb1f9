package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"grpccore/attributes"
	"grpccore/balancer"
	"grpccore/internal/grpcsync"
	"grpccore/internal/subchannel"
	"grpccore/pkg/apperror"
	"grpccore/pkg/logger"
	"grpccore/resolver"
)

// activeChannel owns the Resolver, the root LB Policy, the Subchannel
// registry, the Work Serializer, and the current Picker (spec.md §4.6).
type activeChannel struct {
	pc *PersistentChannel

	ctx    context.Context
	cancel context.CancelFunc

	serializer *grpcsync.CallbackSerializer
	resolver   resolver.Resolver
	lb         balancer.Balancer

	mu          sync.Mutex
	subchannels []*subchannel.Subchannel
	closed      bool

	picker       atomic.Pointer[balancer.State]
	changeMu     sync.Mutex
	changeSignal *grpcsync.Event

	idleTimeout time.Duration
	idleMu      sync.Mutex
	idleTimer   *time.Timer
}

func newActiveChannel(pc *PersistentChannel) (*activeChannel, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ac := &activeChannel{
		pc:          pc,
		ctx:         ctx,
		cancel:      cancel,
		serializer:  grpcsync.NewCallbackSerializer(ctx),
		idleTimeout: pc.cfg.IdleTimeout,
	}
	ac.changeSignal = grpcsync.NewEvent()

	ac.lb = pc.lbBuilder.Build(&balancerClientConn{ac: ac}, balancer.BuildOptions{Target: pc.target})

	r, err := pc.resolverBuilder.Build(pc.parsed, &resolverClientConn{ac: ac}, resolver.BuildOptions{
		Serializer: ac.serializer,
		Authority:  pc.parsed.Authority,
	})
	if err != nil {
		ac.lb.Close()
		cancel()
		return nil, apperror.Wrap(err, apperror.CodeResolverFailed, "building resolver")
	}
	ac.resolver = r

	if ac.idleTimeout > 0 {
		ac.armIdleTimer()
	}

	logger.WithChannel(pc.target).Info("active channel created")
	return ac, nil
}

func (ac *activeChannel) close() {
	ac.mu.Lock()
	if ac.closed {
		ac.mu.Unlock()
		return
	}
	ac.closed = true
	subs := ac.subchannels
	ac.subchannels = nil
	ac.mu.Unlock()

	ac.idleMu.Lock()
	if ac.idleTimer != nil {
		ac.idleTimer.Stop()
	}
	ac.idleMu.Unlock()

	if ac.resolver != nil {
		ac.resolver.Close()
	}
	ac.lb.Close()
	for _, sc := range subs {
		sc.Shutdown()
	}
	ac.cancel()
	ac.fireChange()
	logger.WithChannel(ac.pc.target).Info("active channel closed")
}

func (ac *activeChannel) fireChange() {
	ac.changeMu.Lock()
	old := ac.changeSignal
	ac.changeSignal = grpcsync.NewEvent()
	ac.changeMu.Unlock()
	old.Fire()
}

func (ac *activeChannel) currentChangeSignal() *grpcsync.Event {
	ac.changeMu.Lock()
	defer ac.changeMu.Unlock()
	return ac.changeSignal
}

func (ac *activeChannel) currentState() *balancer.State {
	return ac.picker.Load()
}

func (ac *activeChannel) armIdleTimer() {
	ac.idleMu.Lock()
	defer ac.idleMu.Unlock()
	if ac.idleTimer != nil {
		ac.idleTimer.Stop()
	}
	ac.idleTimer = time.AfterFunc(ac.idleTimeout, func() {
		ac.pc.idleOut(ac)
	})
}

func (ac *activeChannel) touchIdleTimer() {
	if ac.idleTimeout <= 0 {
		return
	}
	ac.armIdleTimer()
}

// --- resolver.ClientConn adapter ---

type resolverClientConn struct {
	ac *activeChannel
}

func (r *resolverClientConn) UpdateState(s resolver.State) error {
	return r.ac.handleResolverState(s)
}

func (r *resolverClientConn) ReportError(err error) {
	r.ac.handleResolverError(err)
}

func (r *resolverClientConn) ParseServiceConfig(raw string) (*resolver.ParsedConfig, error) {
	return &resolver.ParsedConfig{Raw: raw}, nil
}

func (ac *activeChannel) handleResolverState(s resolver.State) error {
	if s.Err != nil {
		ac.handleResolverError(s.Err)
	}

	done := make(chan error, 1)
	scheduled := ac.serializer.Schedule(func(context.Context) {
		done <- ac.lb.UpdateClientConnState(balancer.ClientConnState{ResolverState: s})
	})
	if !scheduled {
		return apperror.ErrChannelShutdown
	}
	select {
	case err := <-done:
		return err
	case <-ac.ctx.Done():
		return apperror.ErrChannelShutdown
	}
}

func (ac *activeChannel) handleResolverError(err error) {
	logger.WithChannel(ac.pc.target).Warn("resolver error", "error", err)
	ac.serializer.Schedule(func(context.Context) {
		ac.lb.ResolverError(err)
	})
}

// --- balancer.ClientConn adapter ---

type balancerClientConn struct {
	ac *activeChannel
}

func (b *balancerClientConn) NewSubConn(addr attributes.Address, opts balancer.NewSubConnOptions) (balancer.SubConn, error) {
	return b.ac.newSubConn(addr)
}

func (b *balancerClientConn) RemoveSubConn(sc balancer.SubConn) {
	sc.Shutdown()
}

func (b *balancerClientConn) UpdateState(s balancer.State) {
	b.ac.publishPicker(s)
}

func (b *balancerClientConn) ResolveNow() {
	b.ac.resolver.ResolveNow(resolver.ResolveNowOptions{})
}

func (b *balancerClientConn) Target() string { return b.ac.pc.target }

func (ac *activeChannel) newSubConn(addr attributes.Address) (balancer.SubConn, error) {
	sub := subchannel.New(subchannel.Options{
		Address:          addr,
		Transport:        ac.pc.cfg.TransportFactory,
		Serializer:       ac.serializer,
		TransportOptions: ac.pc.cfg.TransportOptions,
		InitialBackoff:   ac.pc.cfg.SubchannelInitialBackoff,
		MaxBackoff:       ac.pc.cfg.SubchannelMaxBackoff,
		JitterPercent:    ac.pc.cfg.SubchannelJitterPercent,
	})
	wrapper := &subConnWrapper{sub: sub}
	sub.AddListener(func(st subchannel.State) {
		ac.lb.UpdateSubConnState(wrapper, balancer.SubConnState{
			ConnectivityState: st.ConnectivityState,
			ConnectionError:   st.Err,
		})
	})

	ac.mu.Lock()
	ac.subchannels = append(ac.subchannels, sub)
	ac.mu.Unlock()

	return wrapper, nil
}

func (ac *activeChannel) publishPicker(s balancer.State) {
	st := s
	ac.picker.Store(&st)
	logger.WithChannel(ac.pc.target).Debug("picker updated", "state", st.ConnectivityState)
	ac.fireChange()
}

// subConnWrapper is the balancer.SubConn handle returned to LB policies;
// it delegates directly to the underlying Subchannel.
type subConnWrapper struct {
	sub *subchannel.Subchannel
}

func (w *subConnWrapper) Connect()                    { w.sub.Connect() }
func (w *subConnWrapper) Address() attributes.Address { return w.sub.Address() }
func (w *subConnWrapper) NextBackoff() time.Duration  { return w.sub.NextBackoff() }
func (w *subConnWrapper) Shutdown()                   { w.sub.Shutdown() }
