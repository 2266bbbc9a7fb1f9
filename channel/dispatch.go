package channel

import (
	"context"
	"time"

	"grpccore/balancer"
	"grpccore/pkg/apperror"
	"grpccore/transport"
)

// Dispatch implements the RPC path of spec.md §4.6: derive a pick, load
// the current Picker, pick a SubConn, and open a call on its Transport.
// Queue results park the caller until the next picker update; Fail/Drop
// results fail the call immediately. Callers are expected to serialize
// their request via a Codec of their own choosing and drive Send/Recv on
// the returned transport.Call.
func (pc *PersistentChannel) Dispatch(ctx context.Context, method string, outgoingMetadata map[string][]string) (transport.Call, error) {
	ac, err := pc.ensureActive()
	if err != nil {
		return nil, apperror.ToGRPC(err)
	}

	md := withGRPCTimeout(ctx, outgoingMetadata)
	ac.touchIdleTimer()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		st := ac.currentState()
		sig := ac.currentChangeSignal()

		if st == nil {
			if !waitForChange(ctx, sig) {
				return nil, ctx.Err()
			}
			continue
		}

		res, pickErr := st.Picker.Pick(balancer.PickInfo{FullMethodName: method})
		switch res.Kind {
		case balancer.PickKindComplete:
			wrapper, ok := res.SubConn.(*subConnWrapper)
			if !ok {
				return nil, apperror.New(apperror.CodeInternal, "balancer returned an unrecognized SubConn implementation")
			}
			ct := wrapper.sub.Connected()
			if ct == nil {
				// Race: the SubConn disconnected between Pick and here.
				// Wait for the next picker update rather than failing the
				// RPC outright.
				if !waitForChange(ctx, sig) {
					return nil, ctx.Err()
				}
				continue
			}
			call, err := ct.Service.NewCall(ctx, method, mergeMetadata(md, res.MetadataMutations))
			if err != nil {
				return nil, apperror.ToGRPC(apperror.Wrap(err, apperror.CodeConnectFailed, "opening call"))
			}
			return newDoneTrackingCall(call, res.Done), nil

		case balancer.PickKindQueue:
			if !waitForChange(ctx, sig) {
				return nil, ctx.Err()
			}

		case balancer.PickKindFail:
			return nil, apperror.ToGRPC(apperror.Wrap(pickErr, apperror.CodeNoHealthyBackend, "RPC failed: no healthy backend"))

		case balancer.PickKindDrop:
			return nil, apperror.ToGRPC(apperror.Wrap(pickErr, apperror.CodeNoHealthyBackend, "RPC dropped by load balancer").WithDetails("dropped", true))

		default:
			return nil, apperror.New(apperror.CodeInternal, "balancer returned an unrecognized PickResult kind")
		}
	}
}

func waitForChange(ctx context.Context, sig interface{ Done() <-chan struct{} }) bool {
	select {
	case <-sig.Done():
		return true
	case <-ctx.Done():
		return false
	}
}

func withGRPCTimeout(ctx context.Context, md map[string][]string) map[string][]string {
	deadline, ok := ctx.Deadline()
	if !ok {
		return md
	}
	remaining := time.Until(deadline)
	out := make(map[string][]string, len(md)+1)
	for k, v := range md {
		out[k] = v
	}
	out["grpc-timeout"] = []string{EncodeGRPCTimeout(remaining)}
	return out
}

func mergeMetadata(base map[string][]string, mutations map[string]string) map[string][]string {
	if len(mutations) == 0 {
		return base
	}
	out := make(map[string][]string, len(base)+len(mutations))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range mutations {
		out[k] = []string{v}
	}
	return out
}
