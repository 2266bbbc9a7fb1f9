package interceptors

import (
	"context"
	"time"

	"grpccore/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor logs the outcome of each outbound unary call.
func LoggingInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()

		err := invoker(ctx, method, req, reply, cc, opts...)

		duration := time.Since(start)
		st, _ := status.FromError(err)
		code := st.Code().String()

		if err != nil {
			logger.Log.Error("gRPC call failed",
				"method", method,
				"duration_ms", duration.Milliseconds(),
				"code", code,
				"error", err.Error(),
			)
		} else {
			logger.Log.Info("gRPC call completed",
				"method", method,
				"duration_ms", duration.Milliseconds(),
				"code", code,
			)
		}

		return err
	}
}

// StreamLoggingInterceptor logs the outcome of opening an outbound stream.
func StreamLoggingInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		start := time.Now()

		stream, err := streamer(ctx, desc, cc, method, opts...)

		duration := time.Since(start)

		if err != nil {
			logger.Log.Error("gRPC stream open failed",
				"method", method,
				"duration_ms", duration.Milliseconds(),
				"error", err.Error(),
			)
		} else {
			logger.Log.Info("gRPC stream opened",
				"method", method,
				"duration_ms", duration.Milliseconds(),
			)
		}

		return stream, err
	}
}
