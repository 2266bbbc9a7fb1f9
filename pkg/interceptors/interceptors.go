package interceptors

import (
	"google.golang.org/grpc"

	"grpccore/pkg/telemetry"
)

// ClientConfig configures the client-side interceptor chain that
// transport.GRPCTransport installs around every call on its connections
// when its Interceptors field is set.
type ClientConfig struct {
	EnableTracing bool
	EnableRetry   bool
	Retry         RetryConfig
}

// UnaryClientInterceptors returns the composed unary client interceptor
// chain: recovery, (optional) retry, (optional) tracing, metrics, logging.
func UnaryClientInterceptors(cfg *ClientConfig) grpc.UnaryClientInterceptor {
	chain := []grpc.UnaryClientInterceptor{
		RecoveryInterceptor(),
	}

	if cfg.EnableRetry {
		chain = append(chain, RetryUnaryClientInterceptor(cfg.Retry))
	}

	if cfg.EnableTracing {
		chain = append(chain, telemetry.UnaryClientInterceptor())
	}

	chain = append(chain, MetricsInterceptor(), LoggingInterceptor())

	return chainUnaryClientInterceptors(chain...)
}

// StreamClientInterceptors returns the composed stream client interceptor chain.
func StreamClientInterceptors(cfg *ClientConfig) grpc.StreamClientInterceptor {
	chain := []grpc.StreamClientInterceptor{
		StreamRecoveryInterceptor(),
	}

	if cfg.EnableRetry {
		chain = append(chain, RetryStreamClientInterceptor(cfg.Retry))
	}

	if cfg.EnableTracing {
		chain = append(chain, telemetry.StreamClientInterceptor())
	}

	chain = append(chain, StreamMetricsInterceptor(), StreamLoggingInterceptor())

	return chainStreamClientInterceptors(chain...)
}
