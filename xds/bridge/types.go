// Package bridge implements the xDS→LB bridge (spec.md §4.9/§9, component
// C12): it decodes LDS/RDS/CDS/EDS resources with xds/xdsclient.Decoder
// functions, walks the Listener→RouteConfiguration→Cluster→
// ClusterLoadAssignment chain maintained by xds/xdsclient.Client, and
// republishes the result as a resolver.State under the "xds" scheme, with
// CDS priority/locality sharded across children by balancer/childmanager.
package bridge

// ListenerResource is the decoded form of an envoy.config.listener.v3.
// Listener produced for a gRPC client (its ApiListener field, not a
// proxy's FilterChains). RouteConfigName is empty when the listener
// carries its route config inline, in which case Inline is populated
// instead.
type ListenerResource struct {
	Name            string
	RouteConfigName string
	Inline          *RouteConfigResource
}

// RouteConfigResource is the decoded form of an
// envoy.config.route.v3.RouteConfiguration, reduced to the one piece this
// bridge acts on: the cluster the default (first-matching) route sends
// traffic to. Full header/path matching is a proxy-side concern and is
// out of scope for a client-core bridge.
type RouteConfigResource struct {
	Name        string
	ClusterName string
}

// ClusterResource is the decoded form of an envoy.config.cluster.v3.
// Cluster. EDSServiceName is the name to request from the endpoint
// discovery service; it falls back to Name when the cluster does not
// override it.
type ClusterResource struct {
	Name           string
	EDSServiceName string
	LBPolicy       string
}

// LocalityEndpoints is one envoy.config.endpoint.v3.LocalityLbEndpoints
// entry: a priority/locality-scoped group of addresses.
type LocalityEndpoints struct {
	Region   string
	Zone     string
	SubZone  string
	Priority uint32
	Weight   uint32
	Addrs    []LocalityAddr
}

// LocalityAddr is one endpoint address within a locality, carrying its
// own load-balancing weight.
type LocalityAddr struct {
	Address string
	Weight  uint32
}

// EndpointsResource is the decoded form of an envoy.config.endpoint.v3.
// ClusterLoadAssignment.
type EndpointsResource struct {
	ClusterName string
	Localities  []LocalityEndpoints
}
