package interceptors

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"grpccore/pkg/logger"
)

// RecoveryInterceptor converts a panic raised anywhere in the interceptor
// chain below it (or in the invoker) into an Internal status error instead
// of crashing the calling goroutine.
func RecoveryInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Log.Error("recovered from panic in client call", "method", method, "panic", r)
				err = status.Error(codes.Internal, fmt.Sprintf("panic in gRPC call: %v", r))
			}
		}()
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// StreamRecoveryInterceptor is the streaming equivalent of RecoveryInterceptor.
func StreamRecoveryInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (stream grpc.ClientStream, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Log.Error("recovered from panic opening client stream", "method", method, "panic", r)
				stream, err = nil, status.Error(codes.Internal, fmt.Sprintf("panic in gRPC stream: %v", r))
			}
		}()
		return streamer(ctx, desc, cc, method, opts...)
	}
}
