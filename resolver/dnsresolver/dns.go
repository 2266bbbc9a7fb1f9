// Package dnsresolver implements the "dns" resolver scheme: periodic
// A/AAAA lookups via net.Resolver, pushed as resolver.State updates.
package dnsresolver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"grpccore/attributes"
	"grpccore/pkg/logger"
	"grpccore/pkg/ratelimit"
	"grpccore/resolver"
)

// Scheme is the URI scheme this package's Builder is registered under.
const Scheme = "dns"

// defaultPort is used when the target carries no explicit port.
const defaultPort = "443"

// hostLookuper is the subset of *net.Resolver this package depends on,
// narrowed so tests can substitute a fake without touching the network.
type hostLookuper interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// MinResolutionInterval bounds how often the background re-resolution
// loop re-queries DNS, independent of ResolveNow calls.
const MinResolutionInterval = 30 * time.Second

func init() {
	resolver.Register(&Builder{})
}

// Builder builds dns resolvers.
type Builder struct{}

// Scheme returns "dns".
func (b *Builder) Scheme() string { return Scheme }

// Build starts a dnsResolver for the given target's Endpoint
// (host[:port]).
func (b *Builder) Build(target resolver.Target, cc resolver.ClientConn, opts resolver.BuildOptions) (resolver.Resolver, error) {
	host, port, err := splitHostPort(target.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("dnsresolver: invalid target %q: %w", target.Endpoint, err)
	}

	limiter, err := ratelimit.New(&ratelimit.Config{
		Requests:        1,
		Window:          time.Second,
		Strategy:        "sliding_window",
		Backend:         "memory",
		CleanupInterval: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("dnsresolver: creating re-resolution limiter: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &dnsResolver{
		host:         host,
		port:         port,
		cc:           cc,
		resolver:     net.DefaultResolver,
		limiter:      limiter,
		ctx:          ctx,
		cancel:       cancel,
		resolveNowCh: make(chan struct{}, 1),
	}
	d.wg.Add(1)
	go d.watcher()
	d.ResolveNow(resolver.ResolveNowOptions{})
	return d, nil
}

func splitHostPort(endpoint string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(endpoint)
	if err != nil {
		// No port supplied; treat the whole endpoint as host.
		return endpoint, defaultPort, nil
	}
	return host, port, nil
}

type dnsResolver struct {
	host, port string
	cc         resolver.ClientConn
	resolver   hostLookuper
	limiter    ratelimit.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	resolveNowCh chan struct{}

	group singleflight.Group
}

// ResolveNow requests a re-resolution; calls made while a request is
// still pending collapse into one signal. The watcher drops signals the
// cooldown limiter rejects — the loop will pick up the latest state on its
// next scheduled tick regardless.
func (d *dnsResolver) ResolveNow(resolver.ResolveNowOptions) {
	select {
	case d.resolveNowCh <- struct{}{}:
	default:
	}
}

// Close stops the background watcher and releases the cooldown limiter.
func (d *dnsResolver) Close() {
	d.cancel()
	d.wg.Wait()
	d.limiter.Close()
}

func (d *dnsResolver) watcher() {
	defer d.wg.Done()

	ticker := time.NewTicker(MinResolutionInterval)
	defer ticker.Stop()

	for {
		d.lookupOnce()

	wait:
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				break wait
			case <-d.resolveNowCh:
				allowed, err := d.limiter.Allow(d.ctx, d.host)
				if err != nil || !allowed {
					logger.Debug("dns re-resolution suppressed by cooldown", "host", d.host)
					continue
				}
				break wait
			}
		}
	}
}

// lookupOnce performs one DNS lookup and pushes the result, coalescing
// concurrent invocations onto a single outstanding net.Resolver call.
func (d *dnsResolver) lookupOnce() {
	v, err, _ := d.group.Do(d.host, func() (any, error) {
		return d.resolver.LookupHost(d.ctx, d.host)
	})
	if err != nil {
		d.cc.ReportError(fmt.Errorf("dnsresolver: lookup of %q failed: %w", d.host, err))
		return
	}

	addrs := v.([]string)
	if len(addrs) == 0 {
		d.cc.ReportError(fmt.Errorf("dnsresolver: %q resolved to zero addresses", d.host))
		return
	}

	endpoints := make([]attributes.Endpoint, 0, len(addrs))
	for _, a := range addrs {
		endpoints = append(endpoints, attributes.Endpoint{
			Addresses: []attributes.Address{{Addr: net.JoinHostPort(a, d.port)}},
		})
	}

	if err := d.cc.UpdateState(resolver.State{Endpoints: endpoints}); err != nil {
		logger.Warn("dns resolver update rejected", "host", d.host, "error", err)
	}
}
