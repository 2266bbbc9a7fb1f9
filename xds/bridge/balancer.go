package bridge

import (
	"sort"
	"strings"

	"grpccore/balancer"
	"grpccore/balancer/childmanager"
	"grpccore/balancer/roundrobin"
	"grpccore/resolver"
	"grpccore/transport"
)

// PolicyName is the LB policy this package registers: child_manager
// configured with a locality-aware Sharder/Aggregator, so a CDS/EDS
// update's priority and locality structure (spec.md §4.4.3) survives
// through to the picker instead of being flattened into one address list.
// ParsedConfig.LoadBalancingPolicy is set to this name by
// xdsResolver.onEndpoints (resolver.go).
const PolicyName = "xds_cluster_manager"

func init() {
	balancer.Register(xdsClusterManagerBuilder{
		inner: childmanager.NewBuilder(childmanager.Config{
			Sharder:      shardByLocality,
			Aggregator:   aggregateByPriority,
			ChildBuilder: roundrobin.NewBuilder(),
		}),
	})
}

// xdsClusterManagerBuilder renames the anonymous child_manager builder to
// PolicyName so it registers under the xDS-specific policy name instead
// of child_manager's own "child_manager" (reserved for direct, non-xDS
// use of childmanager.NewBuilder by other callers).
type xdsClusterManagerBuilder struct {
	inner balancer.Builder
}

func (xdsClusterManagerBuilder) Name() string { return PolicyName }

func (b xdsClusterManagerBuilder) Build(cc balancer.ClientConn, opts balancer.BuildOptions) balancer.Balancer {
	return b.inner.Build(cc, opts)
}

// shardByLocality partitions a ResolverState's Endpoints into one child
// per LocalityInfo.Name(), which names both locality and priority, so
// every priority group is kept as its own children: spec.md §4.4.3 treats
// children as "a weighted/ordered list", and xDS priority semantics pick
// one priority level active at a time, falling over to the next only when
// the active one is not Ready (handled by aggregateByPriority).
func shardByLocality(s resolver.State) map[string]resolver.State {
	out := make(map[string]resolver.State)
	if s.Err != nil {
		return out
	}
	for _, ep := range s.Endpoints {
		info, ok := localityOf(ep)
		if !ok {
			// Non-xDS-tagged endpoints (e.g. a test feeding raw
			// Endpoints) all land in one untagged child.
			info = LocalityInfo{}
		}
		name := info.Name()
		cs := out[name]
		cs.Endpoints = append(cs.Endpoints, ep)
		cs.ServiceConfig = s.ServiceConfig
		cs.ResolutionNote = s.ResolutionNote
		out[name] = cs
	}
	return out
}

// aggregateByPriority orders children by the priority number in their
// names (0 first) and republishes the first child that is Ready, falling
// back to the first Connecting child, and finally the TransientFailure
// state of the child with the largest priority number, matching
// envoy's "use the highest-priority group that isn't failing" rule
// referenced by spec.md §4.4.3's priority mention.
func aggregateByPriority(children map[string]balancer.State) balancer.State {
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	// LocalityInfo.Name() ends in "/pN": order by that suffix, then by the
	// whole name; comparing "p0" < "p1" ... works for single-digit priorities.
	sort.Slice(names, func(i, j int) bool {
		pi := names[i][strings.LastIndex(names[i], "/")+1:]
		pj := names[j][strings.LastIndex(names[j], "/")+1:]
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})

	var firstConnecting *balancer.State
	var lastFailure *balancer.State
	for _, name := range names {
		st := children[name]
		switch st.ConnectivityState {
		case transport.Ready:
			return st
		case transport.Connecting:
			if firstConnecting == nil {
				stCopy := st
				firstConnecting = &stCopy
			}
		case transport.TransientFailure:
			stCopy := st
			lastFailure = &stCopy
		}
	}
	if firstConnecting != nil {
		return *firstConnecting
	}
	if lastFailure != nil {
		return *lastFailure
	}
	return balancer.State{ConnectivityState: transport.Connecting, Picker: balancer.QueuePicker{}}
}
