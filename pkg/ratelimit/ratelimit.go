package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Standard errors.
var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrLimiterClosed     = errors.New("limiter is closed")
)

// Limiter bounds how often a keyed action may proceed. The resolver uses
// one instance, keyed by target, to enforce the re-resolution cooldown
// between request_resolution() calls triggered by subchannel failures.
type Limiter interface {
	// Allow reports whether a single request is currently permitted.
	Allow(ctx context.Context, key string) (bool, error)

	// AllowN reports whether n requests are currently permitted.
	AllowN(ctx context.Context, key string, n int) (bool, error)

	// Wait blocks until permission is granted or ctx is done.
	Wait(ctx context.Context, key string) error

	// Reset clears the limiter state for a key.
	Reset(ctx context.Context, key string) error

	// GetInfo returns the current limit state for a key.
	GetInfo(ctx context.Context, key string) (*LimitInfo, error)

	// Close releases any resources held by the limiter.
	Close() error
}

// LimitInfo describes the current state of a rate limit.
type LimitInfo struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Config configures a Limiter.
type Config struct {
	Requests int           `koanf:"requests"`
	Window   time.Duration `koanf:"window"`

	// Strategy is sliding_window or token_bucket.
	Strategy string `koanf:"strategy"`

	// Backend is memory or redis.
	Backend string `koanf:"backend"`

	BurstSize       int           `koanf:"burst_size"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
}

// DefaultConfig returns a resolver re-resolution cooldown configuration:
// at most one re-resolution per 5-second window, no burst.
func DefaultConfig() *Config {
	return &Config{
		Requests:        1,
		Window:          5 * time.Second,
		Strategy:        "sliding_window",
		Backend:         "memory",
		BurstSize:       1,
		CleanupInterval: 5 * time.Minute,
	}
}

// New creates a Limiter for the configured backend.
func New(cfg *Config) (Limiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Backend {
	case "redis":
		return NewRedisLimiter(cfg)
	case "memory", "":
		return NewMemoryLimiter(cfg), nil
	default:
		return NewMemoryLimiter(cfg), nil
	}
}
