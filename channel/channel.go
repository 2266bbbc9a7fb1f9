// Package channel implements the two-level Channel of spec.md §4.6:
// PersistentChannel is the cheap, user-visible handle; ActiveChannel owns
// the Resolver, the root LB Policy, the Subchannel registry, the Work
// Serializer, and the current Picker, and is built lazily on first use.
package channel

import (
	"fmt"
	"sync"

	"grpccore/balancer"
	"grpccore/pkg/apperror"
	"grpccore/pkg/logger"
	"grpccore/resolver"
)

// PersistentChannel is the public façade: target, credentials, and
// configuration survive across ActiveChannel rebuilds triggered by the
// idle timeout.
type PersistentChannel struct {
	target string
	parsed resolver.Target
	cfg    Config

	resolverBuilder resolver.Builder
	lbBuilder       balancer.Builder

	mu     sync.Mutex
	active *activeChannel
	// fatalErr is set at construction time for errors spec.md §7 kind 6
	// calls out (unknown scheme, unknown policy): once set, every dial
	// attempt and RPC fails immediately without retrying resolution.
	fatalErr error
}

// NewChannel parses target and resolves the resolver/LB-policy builders
// it names, but does not connect: the ActiveChannel is built lazily on the
// first Dispatch or explicit Connect call (spec.md §4.6).
func NewChannel(target string, cfg Config) (*PersistentChannel, error) {
	cfg = mergeDefaults(cfg)

	parsed := resolver.ParseTarget(target, cfg.DefaultResolverScheme)

	pc := &PersistentChannel{target: target, parsed: parsed, cfg: cfg}

	rb := resolver.Get(parsed.Scheme)
	if rb == nil {
		pc.fatalErr = apperror.New(apperror.CodeNoResolverScheme, fmt.Sprintf("no resolver registered for scheme %q", parsed.Scheme))
		return pc, pc.fatalErr
	}
	pc.resolverBuilder = rb

	lb := balancer.Get(cfg.DefaultLBPolicyName)
	if lb == nil {
		pc.fatalErr = apperror.New(apperror.CodeNoPolicyBuilder, fmt.Sprintf("no LB policy registered with name %q", cfg.DefaultLBPolicyName))
		return pc, pc.fatalErr
	}
	pc.lbBuilder = lb

	return pc, nil
}

func mergeDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.DefaultLBPolicyName == "" {
		cfg.DefaultLBPolicyName = def.DefaultLBPolicyName
	}
	if cfg.DefaultResolverScheme == "" {
		cfg.DefaultResolverScheme = def.DefaultResolverScheme
	}
	if cfg.TransportFactory == nil {
		cfg.TransportFactory = def.TransportFactory
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return cfg
}

// Target returns the channel's dial target string.
func (pc *PersistentChannel) Target() string { return pc.target }

// Connect explicitly builds the ActiveChannel if it does not already
// exist, without waiting for an RPC to trigger it.
func (pc *PersistentChannel) Connect() error {
	_, err := pc.ensureActive()
	return err
}

// Close permanently shuts the channel down: the ActiveChannel (if any) is
// torn down and every future Dispatch/Connect fails.
func (pc *PersistentChannel) Close() {
	pc.mu.Lock()
	active := pc.active
	pc.active = nil
	if pc.fatalErr == nil {
		pc.fatalErr = apperror.ErrChannelShutdown
	}
	pc.mu.Unlock()

	if active != nil {
		active.close()
	}
}

// ensureActive returns the live ActiveChannel, building one if this is the
// first call (or the previous one idled out).
func (pc *PersistentChannel) ensureActive() (*activeChannel, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.fatalErr != nil {
		return nil, pc.fatalErr
	}
	if pc.active != nil {
		return pc.active, nil
	}

	ac, err := newActiveChannel(pc)
	if err != nil {
		pc.fatalErr = err
		return nil, err
	}
	pc.active = ac
	return ac, nil
}

// idleOut is called by an ActiveChannel's own idle timer; it detaches the
// channel so the next Dispatch lazily rebuilds one.
func (pc *PersistentChannel) idleOut(ac *activeChannel) {
	pc.mu.Lock()
	if pc.active == ac {
		pc.active = nil
	}
	pc.mu.Unlock()
	logger.WithChannel(pc.target).Debug("channel idled out")
	ac.close()
}
