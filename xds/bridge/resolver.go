package bridge

import (
	"fmt"
	"sync"

	"grpccore/pkg/logger"
	"grpccore/resolver"
	"grpccore/xds/xdsclient"
)

// Scheme is the URI scheme this package's Builder registers: a target of
// "xds:///<listener-name>" (or "xds://<xds-server>/<listener-name>" to
// pick a non-default bootstrap server) resolves by watching that listener
// through the full LDS -> RDS -> CDS -> EDS chain.
const Scheme = "xds"

var (
	mu          sync.Mutex
	defaultOpts xdsclient.Options
)

// SetDefaultOptions configures the xdsclient.Options used by Build calls
// whose target carries no authority of its own; callers normally set this
// once at process startup from their parsed bootstrap config
// (grpccore/pkg/config.XDSConfig via xdsclient.FromXDSConfig).
func SetDefaultOptions(opts xdsclient.Options) {
	mu.Lock()
	defer mu.Unlock()
	defaultOpts = opts
}

func currentDefaultOptions() xdsclient.Options {
	mu.Lock()
	defer mu.Unlock()
	return defaultOpts
}

func init() {
	resolver.Register(Builder{})
}

// Builder vends Resolvers for the "xds" scheme. Each Build call dials its
// own xdsclient.Client; sharing one Client across Resolvers of the same
// management server is left to a future revision (see DESIGN.md).
type Builder struct{}

// Scheme returns "xds".
func (Builder) Scheme() string { return Scheme }

// Build starts the LDS watch for target.Endpoint (the listener resource
// name) against the xDS server named by target.Authority, or the
// package's default server when target carries no authority.
func (Builder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	if target.Endpoint == "" {
		return nil, fmt.Errorf("bridge: xds target %q names no listener resource", target.URL)
	}

	xdsOpts := currentDefaultOptions()
	if target.Authority != "" {
		xdsOpts.ServerURI = target.Authority
	}

	client, err := xdsclient.New(xdsOpts)
	if err != nil {
		return nil, fmt.Errorf("bridge: starting xDS client for %q: %w", target.URL, err)
	}

	r := &xdsResolver{
		cc:       cc,
		client:   client,
		listener: target.Endpoint,
	}
	r.cancelListener = client.WatchResource(ListenerTypeURL, DecodeListener, target.Endpoint,
		xdsclient.TypedWatcher[*ListenerResource]{
			OnChanged:      r.onListener,
			OnDeleted:      r.onListenerMissing,
			OnDoesNotExist: r.onListenerMissing,
			OnInvalid:      r.onError,
		})
	return r, nil
}

// xdsResolver drives one listener's LDS -> RDS -> CDS -> EDS chain,
// tearing down and rebuilding the downstream watches whenever an upstream
// resource changes identity (a new route config name, a new cluster
// name).
type xdsResolver struct {
	cc       resolver.ClientConn
	client   *xdsclient.Client
	listener string

	mu              sync.Mutex
	cancelListener  func()
	cancelRoute     func()
	cancelCluster   func()
	cancelEndpoints func()
	routeName       string
	clusterName     string
}

func (r *xdsResolver) onListener(lr *ListenerResource) {
	r.mu.Lock()
	if r.cancelRoute != nil {
		r.cancelRoute()
		r.cancelRoute = nil
	}
	r.mu.Unlock()

	if lr.Inline != nil {
		r.onRouteConfig(lr.Inline)
		return
	}
	if lr.RouteConfigName == "" {
		r.onError(fmt.Errorf("bridge: listener %s decoded with neither inline route config nor an Rds name", lr.Name))
		return
	}

	cancel := r.client.WatchResource(RouteConfigTypeURL, DecodeRouteConfiguration, lr.RouteConfigName,
		xdsclient.TypedWatcher[*RouteConfigResource]{
			OnChanged:      r.onRouteConfig,
			OnDeleted:      r.onRouteMissing,
			OnDoesNotExist: r.onRouteMissing,
			OnInvalid:      r.onError,
		})
	r.mu.Lock()
	r.cancelRoute = cancel
	r.routeName = lr.RouteConfigName
	r.mu.Unlock()
}

func (r *xdsResolver) onListenerMissing() {
	r.onError(fmt.Errorf("bridge: listener %s does not exist", r.listener))
}

func (r *xdsResolver) onRouteConfig(rc *RouteConfigResource) {
	r.mu.Lock()
	if r.cancelCluster != nil {
		r.cancelCluster()
		r.cancelCluster = nil
	}
	r.mu.Unlock()

	cancel := r.client.WatchResource(ClusterTypeURL, DecodeCluster, rc.ClusterName,
		xdsclient.TypedWatcher[*ClusterResource]{
			OnChanged:      r.onCluster,
			OnDeleted:      r.onClusterMissing,
			OnDoesNotExist: r.onClusterMissing,
			OnInvalid:      r.onError,
		})
	r.mu.Lock()
	r.cancelCluster = cancel
	r.clusterName = rc.ClusterName
	r.mu.Unlock()
}

func (r *xdsResolver) onRouteMissing() {
	r.mu.Lock()
	name := r.routeName
	r.mu.Unlock()
	r.onError(fmt.Errorf("bridge: route config %s does not exist", name))
}

func (r *xdsResolver) onCluster(c *ClusterResource) {
	r.mu.Lock()
	if r.cancelEndpoints != nil {
		r.cancelEndpoints()
	}
	r.mu.Unlock()

	cancel := r.client.WatchResource(EndpointTypeURL, DecodeClusterLoadAssignment, c.EDSServiceName,
		xdsclient.TypedWatcher[*EndpointsResource]{
			OnChanged:      func(er *EndpointsResource) { r.onEndpoints(c, er) },
			OnDeleted:      r.onEndpointsMissing,
			OnDoesNotExist: r.onEndpointsMissing,
			OnInvalid:      r.onError,
		})
	r.mu.Lock()
	r.cancelEndpoints = cancel
	r.mu.Unlock()
}

func (r *xdsResolver) onClusterMissing() {
	r.mu.Lock()
	name := r.clusterName
	r.mu.Unlock()
	r.onError(fmt.Errorf("bridge: cluster %s does not exist", name))
}

func (r *xdsResolver) onEndpoints(c *ClusterResource, er *EndpointsResource) {
	endpoints := translateEndpoints(er)
	state := resolver.State{
		Endpoints: endpoints,
		ServiceConfig: &resolver.ParsedConfig{
			LoadBalancingPolicy: PolicyName,
		},
		ResolutionNote: fmt.Sprintf("xds: listener=%s cluster=%s lb_policy=%s", r.listener, c.Name, c.LBPolicy),
	}
	if err := r.cc.UpdateState(state); err != nil {
		logger.Warn("xds bridge: resolver state rejected", "listener", r.listener, "cluster", c.Name, "error", err)
	}
}

func (r *xdsResolver) onEndpointsMissing() {
	r.mu.Lock()
	cluster := r.clusterName
	r.mu.Unlock()
	r.onError(fmt.Errorf("bridge: cluster load assignment for %s does not exist", cluster))
}

func (r *xdsResolver) onError(err error) {
	logger.Warn("xds bridge: resolution error", "listener", r.listener, "error", err)
	r.cc.ReportError(err)
}

// ResolveNow is a no-op: xDS resolution is server-push-driven, not
// client-poll-driven (spec.md §4.7 applies only to pull-based resolvers
// like DNS).
func (r *xdsResolver) ResolveNow(resolver.ResolveNowOptions) {}

// Close cancels every watch this resolver holds and tears down its xDS
// client.
func (r *xdsResolver) Close() {
	r.mu.Lock()
	cancels := []func(){r.cancelListener, r.cancelRoute, r.cancelCluster, r.cancelEndpoints}
	r.mu.Unlock()
	for _, c := range cancels {
		if c != nil {
			c()
		}
	}
	r.client.Close()
}
