package interceptors

import (
	"context"
	"time"

	"grpccore/pkg/metrics"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// MetricsInterceptor records per-call metrics for outbound unary calls.
func MetricsInterceptor() grpc.UnaryClientInterceptor {
	m := metrics.Get()
	tracker := metrics.NewRequestTracker(m.GRPCRequestsInFlight)

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		tracker.Start(method)
		defer tracker.End(method)

		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		duration := time.Since(start)

		st, _ := status.FromError(err)
		m.RecordGRPCRequest(method, st.Code().String(), duration)

		return err
	}
}

// StreamMetricsInterceptor records per-call metrics for outbound streams.
func StreamMetricsInterceptor() grpc.StreamClientInterceptor {
	m := metrics.Get()
	tracker := metrics.NewRequestTracker(m.GRPCRequestsInFlight)

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		tracker.Start(method)
		defer tracker.End(method)

		start := time.Now()
		stream, err := streamer(ctx, desc, cc, method, opts...)
		duration := time.Since(start)

		statusStr := "OK"
		if err != nil {
			st, _ := status.FromError(err)
			statusStr = st.Code().String()
		}
		m.RecordGRPCRequest(method, statusStr, duration)

		return stream, err
	}
}
