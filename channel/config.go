package channel

import (
	"time"

	"grpccore/pkg/interceptors"
	"grpccore/transport"
)

// Config configures a PersistentChannel. Zero-value fields fall back to
// DefaultConfig()'s choices.
type Config struct {
	// DefaultLBPolicyName selects the LB policy used when no resolver
	// service config names one; must be registered in the balancer
	// package's registry (spec.md §4.4, "last-registration-wins").
	DefaultLBPolicyName string

	// DefaultResolverScheme is substituted for target strings that carry
	// no scheme of their own.
	DefaultResolverScheme string

	// TransportFactory builds ConnectedTransports for every Subchannel
	// this channel creates; defaults to a *transport.GRPCTransport.
	TransportFactory transport.Transport
	TransportOptions transport.Options

	// IdleTimeout tears the ActiveChannel down after this long with no
	// dispatched RPC (spec.md §4.6, supplemented per SPEC_FULL.md §11's
	// tonic-derived connect-time idle timeout); zero selects
	// DefaultConfig's 30 minutes and a negative value disables idling.
	IdleTimeout time.Duration

	// Interceptors holds a client-side interceptor chain configuration. The
	// channel itself does not read it; a chain is installed only through
	// the TransportFactory (for example GRPCTransport.Interceptors).
	Interceptors *interceptors.ClientConfig

	SubchannelInitialBackoff time.Duration
	SubchannelMaxBackoff     time.Duration
	SubchannelJitterPercent  uint64
}

// DefaultConfig returns the Config a PersistentChannel uses when the
// caller supplies a zero-value Config to NewChannel.
func DefaultConfig() Config {
	return Config{
		DefaultLBPolicyName:   "pick_first",
		DefaultResolverScheme: "dns",
		TransportFactory:      &transport.GRPCTransport{Insecure: true},
		IdleTimeout:           30 * time.Minute,
	}
}
