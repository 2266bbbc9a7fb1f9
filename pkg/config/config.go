// Package config defines the koanf-backed configuration tree for a process
// embedding the channel core: application metadata, channel defaults,
// logging, metrics, tracing, the xDS bootstrap, and the resolver's
// re-resolution rate limiter.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	App       AppConfig       `koanf:"app"`
	Channel   ChannelConfig   `koanf:"channel"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Tracing   TracingConfig   `koanf:"tracing"`
	XDS       XDSConfig       `koanf:"xds"`
	Backoff   BackoffConfig   `koanf:"backoff"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

// AppConfig holds general application metadata.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// ChannelConfig configures the defaults a PersistentChannel is built with.
type ChannelConfig struct {
	DefaultTimeout  time.Duration   `koanf:"default_timeout"`
	IdleTimeout     time.Duration   `koanf:"idle_timeout"`
	DefaultLBPolicy string          `koanf:"default_lb_policy"` // pick_first, round_robin
	MaxRecvMsgSize  int             `koanf:"max_recv_msg_size"`
	MaxSendMsgSize  int             `koanf:"max_send_msg_size"`
	KeepAlive       KeepAliveConfig `koanf:"keepalive"`
	TLS             TLSConfig       `koanf:"tls"`
}

// KeepAliveConfig configures HTTP/2-level keepalive pass-through options.
type KeepAliveConfig struct {
	Time                time.Duration `koanf:"time"`
	Timeout             time.Duration `koanf:"timeout"`
	PermitWithoutStream bool          `koanf:"permit_without_stream"`
}

// TLSConfig configures transport credentials.
type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
	CAFile   string `koanf:"ca_file"`
}

// LogConfig configures the slog-based logger.
type LogConfig struct {
	Level      string `koanf:"level"`  // debug, info, warn, error
	Format     string `koanf:"format"` // json, text
	Output     string `koanf:"output"` // stdout, stderr, file
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"` // MB
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"` // days
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig configures the OpenTelemetry OTLP exporter.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// XDSConfig configures the xDS bootstrap: the management server and the
// node identification sent on the first request of every stream.
type XDSConfig struct {
	ServerURI       string        `koanf:"server_uri"`
	NodeID          string        `koanf:"node_id"`
	Cluster         string        `koanf:"cluster"`
	Region          string        `koanf:"region"`
	Zone            string        `koanf:"zone"`
	SubZone         string        `koanf:"sub_zone"`
	ResourceTimeout time.Duration `koanf:"resource_timeout"` // does-not-exist timer, default 15s
	TLS             bool          `koanf:"tls"`
}

// Address returns host:port extracted from the server URI when it has no scheme prefix.
func (x XDSConfig) Address() string {
	return x.ServerURI
}

// BackoffConfig configures the exponential reconnect backoff of the xDS ADS
// stream (xdsclient.Options.Backoff). Subchannels do not read it; they use
// the defaults in internal/subchannel.
type BackoffConfig struct {
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	Multiplier     float64       `koanf:"multiplier"`
	Jitter         float64       `koanf:"jitter"` // fraction, e.g. 0.2 for +-20%
}

// RateLimitConfig configures the resolver's request_resolution() cooldown
// limiter (spec: "bounded time... with a cooldown to prevent storms").
type RateLimitConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Requests        int           `koanf:"requests"`
	Window          time.Duration `koanf:"window"`
	BurstSize       int           `koanf:"burst_size"`
	Backend         string        `koanf:"backend"` // memory, redis
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	RedisAddr       string        `koanf:"redis_addr"`
}

// Validate checks the configuration for internal consistency, applying
// defaults for fields the zero value doesn't make sense for.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if c.Channel.DefaultLBPolicy == "" {
		c.Channel.DefaultLBPolicy = "pick_first"
	}

	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = 1.6
	}
	if c.Backoff.InitialBackoff <= 0 {
		c.Backoff.InitialBackoff = time.Second
	}
	if c.Backoff.MaxBackoff <= 0 {
		c.Backoff.MaxBackoff = 120 * time.Second
	}

	if c.XDS.ResourceTimeout <= 0 {
		c.XDS.ResourceTimeout = 15 * time.Second
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsDevelopment reports whether the configured environment is development.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
