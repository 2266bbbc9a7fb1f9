package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Standard attribute keys used across the channel core's spans.
const (
	AttrChannelTarget  = "channel.target"
	AttrChannelState   = "channel.state"
	AttrResolverScheme = "resolver.scheme"
	AttrResolverAddrs  = "resolver.address_count"

	AttrSubchannelAddress = "subchannel.address"
	AttrSubchannelState   = "subchannel.state"

	AttrLBPolicy   = "lb.policy"
	AttrPickResult = "lb.pick_result"

	AttrXDSTypeURL = "xds.type_url"
	AttrXDSVersion = "xds.version_info"
	AttrXDSNonce   = "xds.nonce"
	AttrXDSOutcome = "xds.outcome" // ack, nack
)

// ChannelAttributes returns attributes describing a channel's current state.
func ChannelAttributes(target, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrChannelTarget, target),
		attribute.String(AttrChannelState, state),
	}
}

// ResolverAttributes returns attributes describing a resolver update.
func ResolverAttributes(scheme string, addrCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrResolverScheme, scheme),
		attribute.Int(AttrResolverAddrs, addrCount),
	}
}

// SubchannelAttributes returns attributes describing a subchannel transition.
func SubchannelAttributes(address, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSubchannelAddress, address),
		attribute.String(AttrSubchannelState, state),
	}
}

// PickAttributes returns attributes describing a picker decision.
func PickAttributes(policy, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrLBPolicy, policy),
		attribute.String(AttrPickResult, result),
	}
}

// XDSAttributes returns attributes describing an ADS request/response exchange.
func XDSAttributes(typeURL, version, nonce, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrXDSTypeURL, typeURL),
		attribute.String(AttrXDSVersion, version),
		attribute.String(AttrXDSNonce, nonce),
		attribute.String(AttrXDSOutcome, outcome),
	}
}
