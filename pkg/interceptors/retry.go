package interceptors

import (
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

// RetryConfig configures the thin retry wrapper layered above the picker.
// This is request-level retry (resend the same RPC on a transient failure),
// distinct from the subchannel reconnect backoff in internal/subchannel.
type RetryConfig struct {
	MaxAttempts    uint
	PerCallTimeout time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	RetryableCodes []codes.Code
}

// DefaultRetryConfig returns sane defaults: retry UNAVAILABLE and
// RESOURCE_EXHAUSTED up to twice with exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		PerCallTimeout: 5 * time.Second,
		BackoffBase:    100 * time.Millisecond,
		BackoffCap:     time.Second,
		RetryableCodes: []codes.Code{codes.Unavailable, codes.ResourceExhausted},
	}
}

// RetryUnaryClientInterceptor builds a unary retry interceptor on top of
// go-grpc-middleware's retry package.
func RetryUnaryClientInterceptor(cfg RetryConfig) grpc.UnaryClientInterceptor {
	opts := []retry.CallOption{
		retry.WithMax(cfg.MaxAttempts),
		retry.WithPerRetryTimeout(cfg.PerCallTimeout),
		retry.WithBackoff(retry.BackoffExponentialWithJitter(cfg.BackoffBase, 0.2)),
		retry.WithCodes(cfg.RetryableCodes...),
	}
	return retry.UnaryClientInterceptor(opts...)
}

// RetryStreamClientInterceptor builds a streaming retry interceptor. Only
// the initial stream creation is retried, matching retry's own limitation.
func RetryStreamClientInterceptor(cfg RetryConfig) grpc.StreamClientInterceptor {
	opts := []retry.CallOption{
		retry.WithMax(cfg.MaxAttempts),
		retry.WithPerRetryTimeout(cfg.PerCallTimeout),
		retry.WithBackoff(retry.BackoffExponentialWithJitter(cfg.BackoffBase, 0.2)),
		retry.WithCodes(cfg.RetryableCodes...),
	}
	return retry.StreamClientInterceptor(opts...)
}
