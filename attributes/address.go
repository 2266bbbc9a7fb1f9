package attributes

// Address is an immutable, opaque transport identifier plus an attribute
// bag. The Addr field is interpreted by the Transport implementation and
// never by the core: it may be an IP:port pair, a Unix-domain socket path, a
// vsock CID:port, or anything else a registered scheme understands.
// Addresses are used as map keys, so equality is structural on Addr and
// ServerName (the
// comparison used by Subchannel deduplication ignores Attributes on
// purpose: two addresses with the same wire identity share one
// Subchannel even if attributes differ across resolver updates).
type Address struct {
	// Addr is the opaque, transport-interpreted identifier.
	Addr string
	// ServerName overrides the name used for TLS server-name verification,
	// when different from the dial target (e.g. xDS-discovered endpoints
	// behind a different SNI name).
	ServerName string
	// Attributes carries out-of-band data: locality, weight, negotiated
	// compressors, and the like.
	Attributes *Set
}

// Equal reports whether two Addresses have the same wire identity. It does
// not compare Attributes; see the type comment for why.
func (a Address) Equal(o Address) bool {
	return a.Addr == o.Addr && a.ServerName == o.ServerName
}

// String returns the opaque address identifier, suitable for logging.
func (a Address) String() string {
	return a.Addr
}

// Endpoint is an ordered, non-empty set of Addresses reachable via any one
// of them (multi-homing). Endpoints carry their own AttributeSet for LB
// hints such as locality and per-endpoint weight.
type Endpoint struct {
	Addresses  []Address
	Attributes *Set
}

// Equal reports whether two Endpoints have the same addresses, in the same
// order; Attributes are not compared (same rationale as Address.Equal).
func (e Endpoint) Equal(o Endpoint) bool {
	if len(e.Addresses) != len(o.Addresses) {
		return false
	}
	for i := range e.Addresses {
		if !e.Addresses[i].Equal(o.Addresses[i]) {
			return false
		}
	}
	return true
}
