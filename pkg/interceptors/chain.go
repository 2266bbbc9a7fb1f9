package interceptors

import (
	"context"

	"google.golang.org/grpc"
)

// chainUnaryClientInterceptors composes unary client interceptors into one,
// invoking them outer-to-inner before handing off to invoker.
func chainUnaryClientInterceptors(interceptors ...grpc.UnaryClientInterceptor) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		chain := invoker
		for i := len(interceptors) - 1; i >= 0; i-- {
			chain = buildUnaryChain(interceptors[i], chain, method, cc)
		}
		return chain(ctx, method, req, reply, cc, opts...)
	}
}

func buildUnaryChain(current grpc.UnaryClientInterceptor, next grpc.UnaryInvoker, method string, cc *grpc.ClientConn) grpc.UnaryInvoker {
	return func(ctx context.Context, _ string, req, reply any, _ *grpc.ClientConn, opts ...grpc.CallOption) error {
		return current(ctx, method, req, reply, cc, next, opts...)
	}
}

// chainStreamClientInterceptors composes stream client interceptors into one.
func chainStreamClientInterceptors(interceptors ...grpc.StreamClientInterceptor) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		chain := streamer
		for i := len(interceptors) - 1; i >= 0; i-- {
			chain = buildStreamChain(interceptors[i], chain, desc, method, cc)
		}
		return chain(ctx, desc, cc, method, opts...)
	}
}

func buildStreamChain(current grpc.StreamClientInterceptor, next grpc.Streamer, desc *grpc.StreamDesc, method string, cc *grpc.ClientConn) grpc.Streamer {
	return func(ctx context.Context, _ *grpc.StreamDesc, _ *grpc.ClientConn, _ string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return current(ctx, desc, cc, method, next, opts...)
	}
}
