package bridge

import (
	"fmt"

	"grpccore/attributes"
)

// localityKey is the attributes.Set key under which translateEndpoints
// stashes each Endpoint's owning locality, so Sharder (balancer.go) can
// group addresses back into the priority/locality shape CDS/EDS
// published without re-decoding the wire resources.
type localityKey struct{}

// LocalityInfo is the value stored under localityKey.
type LocalityInfo struct {
	Region   string
	Zone     string
	SubZone  string
	Priority uint32
	Weight   uint32
}

// Equal satisfies attributes.Set's value-equality duck type so two
// Endpoints compare equal only when they carry the same locality.
func (l LocalityInfo) Equal(o any) bool {
	ol, ok := o.(LocalityInfo)
	return ok && l == ol
}

// String names the locality for logging; matches envoy's
// "region/zone/sub_zone" convention.
func (l LocalityInfo) String() string {
	return fmt.Sprintf("%s/%s/%s", l.Region, l.Zone, l.SubZone)
}

// Name returns a short string id suitable for use as a child_manager
// child name (spec.md §4.4.3's "weighted/ordered list of children").
func (l LocalityInfo) Name() string {
	return fmt.Sprintf("%s/%s/%s/p%d", l.Region, l.Zone, l.SubZone, l.Priority)
}

// translateEndpoints flattens an EDS response into the Endpoint slice a
// resolver.State carries, tagging each Endpoint with its LocalityInfo.
func translateEndpoints(er *EndpointsResource) []attributes.Endpoint {
	var out []attributes.Endpoint
	for _, le := range er.Localities {
		info := LocalityInfo{Region: le.Region, Zone: le.Zone, SubZone: le.SubZone, Priority: le.Priority, Weight: le.Weight}
		for _, a := range le.Addrs {
			out = append(out, attributes.Endpoint{
				Addresses:  []attributes.Address{{Addr: a.Address}},
				Attributes: attributes.New(localityKey{}, info),
			})
		}
	}
	return out
}

// localityOf returns the LocalityInfo an Endpoint was tagged with by
// translateEndpoints, or the zero value if it carries none (e.g. an
// Endpoint that originated from a non-xDS resolver).
func localityOf(e attributes.Endpoint) (LocalityInfo, bool) {
	v := e.Attributes.Value(localityKey{})
	if v == nil {
		return LocalityInfo{}, false
	}
	info, ok := v.(LocalityInfo)
	return info, ok
}
