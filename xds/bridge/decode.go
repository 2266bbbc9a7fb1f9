package bridge

import (
	"fmt"

	clusterv3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	endpointv3 "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	listenerv3 "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	hcmv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	"google.golang.org/protobuf/types/known/anypb"
)

// Type URLs used as the Client.WatchResource typeURL argument; these are
// the literal wire values the management server stamps on every resource
// of each kind, per the xDS transport protocol.
const (
	ListenerTypeURL    = "type.googleapis.com/envoy.config.listener.v3.Listener"
	RouteConfigTypeURL = "type.googleapis.com/envoy.config.route.v3.RouteConfiguration"
	ClusterTypeURL     = "type.googleapis.com/envoy.config.cluster.v3.Cluster"
	EndpointTypeURL    = "type.googleapis.com/envoy.config.endpoint.v3.ClusterLoadAssignment"
)

// DecodeListener unmarshals a Listener and reduces it to the one piece a
// gRPC client needs: the HTTPConnectionManager's route specifier, reached
// through ApiListener (the client-side form of LDS; proxy FilterChains
// are not interpreted here).
func DecodeListener(res *anypb.Any) (string, any, error) {
	lis := &listenerv3.Listener{}
	if err := res.UnmarshalTo(lis); err != nil {
		return "", nil, fmt.Errorf("bridge: decoding Listener: %w", err)
	}
	name := lis.GetName()

	apiLis := lis.GetApiListener().GetApiListener()
	if apiLis == nil {
		return name, nil, fmt.Errorf("bridge: listener %s has no ApiListener (not a client-side LDS resource)", name)
	}
	hcm := &hcmv3.HttpConnectionManager{}
	if err := apiLis.UnmarshalTo(hcm); err != nil {
		return name, nil, fmt.Errorf("bridge: listener %s: decoding HttpConnectionManager: %w", name, err)
	}

	lr := &ListenerResource{Name: name}
	if rds := hcm.GetRds(); rds != nil {
		lr.RouteConfigName = rds.GetRouteConfigName()
		if lr.RouteConfigName == "" {
			return name, nil, fmt.Errorf("bridge: listener %s: Rds.RouteConfigName is empty", name)
		}
		return name, lr, nil
	}
	if inline := hcm.GetRouteConfig(); inline != nil {
		rc, err := routeConfigFromProto(inline)
		if err != nil {
			return name, nil, fmt.Errorf("bridge: listener %s: %w", name, err)
		}
		lr.Inline = rc
		return name, lr, nil
	}
	return name, nil, fmt.Errorf("bridge: listener %s: HttpConnectionManager has neither Rds nor an inline RouteConfig", name)
}

// DecodeRouteConfiguration unmarshals a RouteConfiguration and reduces it
// to the cluster its first virtual host's first route sends traffic to.
// Per-path/header matching and weighted cluster splits belong to a
// request router, not a client-core name resolver, and are left to a
// future xds/bridge revision (see DESIGN.md).
func DecodeRouteConfiguration(res *anypb.Any) (string, any, error) {
	rc := &routev3.RouteConfiguration{}
	if err := res.UnmarshalTo(rc); err != nil {
		return "", nil, fmt.Errorf("bridge: decoding RouteConfiguration: %w", err)
	}
	out, err := routeConfigFromProto(rc)
	if err != nil {
		return rc.GetName(), nil, err
	}
	return rc.GetName(), out, nil
}

func routeConfigFromProto(rc *routev3.RouteConfiguration) (*RouteConfigResource, error) {
	for _, vh := range rc.GetVirtualHosts() {
		for _, route := range vh.GetRoutes() {
			if action := route.GetRoute(); action != nil {
				if cluster := action.GetCluster(); cluster != "" {
					return &RouteConfigResource{Name: rc.GetName(), ClusterName: cluster}, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("bridge: route config %s has no route with a plain cluster action", rc.GetName())
}

// DecodeCluster unmarshals a Cluster resource.
func DecodeCluster(res *anypb.Any) (string, any, error) {
	c := &clusterv3.Cluster{}
	if err := res.UnmarshalTo(c); err != nil {
		return "", nil, fmt.Errorf("bridge: decoding Cluster: %w", err)
	}
	name := c.GetName()

	edsName := c.GetEdsClusterConfig().GetServiceName()
	if edsName == "" {
		edsName = name
	}

	return name, &ClusterResource{
		Name:           name,
		EDSServiceName: edsName,
		LBPolicy:       lbPolicyName(c.GetLbPolicy()),
	}, nil
}

func lbPolicyName(p clusterv3.Cluster_LbPolicy) string {
	switch p {
	case clusterv3.Cluster_ROUND_ROBIN:
		return "round_robin"
	case clusterv3.Cluster_RING_HASH, clusterv3.Cluster_MAGLEV, clusterv3.Cluster_LEAST_REQUEST, clusterv3.Cluster_RANDOM:
		// Not yet implemented by balancer/*; fall back to round_robin
		// rather than fail the whole CDS update (spec.md §7 fail-open).
		return "round_robin"
	default:
		return "round_robin"
	}
}

// DecodeClusterLoadAssignment unmarshals a ClusterLoadAssignment,
// flattening its LocalityLbEndpoints into LocalityEndpoints groups.
func DecodeClusterLoadAssignment(res *anypb.Any) (string, any, error) {
	cla := &endpointv3.ClusterLoadAssignment{}
	if err := res.UnmarshalTo(cla); err != nil {
		return "", nil, fmt.Errorf("bridge: decoding ClusterLoadAssignment: %w", err)
	}
	name := cla.GetClusterName()

	out := &EndpointsResource{ClusterName: name}
	for _, lle := range cla.GetEndpoints() {
		le := LocalityEndpoints{
			Priority: lle.GetPriority(),
			Weight:   lle.GetLoadBalancingWeight().GetValue(),
		}
		if loc := lle.GetLocality(); loc != nil {
			le.Region, le.Zone, le.SubZone = loc.GetRegion(), loc.GetZone(), loc.GetSubZone()
		}
		for _, lbe := range lle.GetLbEndpoints() {
			sa := lbe.GetEndpoint().GetAddress().GetSocketAddress()
			if sa == nil {
				continue
			}
			le.Addrs = append(le.Addrs, LocalityAddr{
				Address: fmt.Sprintf("%s:%d", sa.GetAddress(), sa.GetPortValue()),
				Weight:  lbe.GetLoadBalancingWeight().GetValue(),
			})
		}
		if len(le.Addrs) > 0 {
			out.Localities = append(out.Localities, le)
		}
	}
	if len(out.Localities) == 0 {
		return name, nil, fmt.Errorf("bridge: cluster load assignment %s has no endpoints", name)
	}
	return name, out, nil
}
