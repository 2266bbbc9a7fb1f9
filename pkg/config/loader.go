// pkg/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "GRPCCORE_"
	configEnvVar = "CONFIG_PATH"
)

// Loader loads configuration from defaults, a YAML file, and the environment.
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// NewLoader creates a new configuration loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/grpccore/config.yaml",
		},
		envPrefix: envPrefix,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigPaths sets the candidate config file search paths.
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.configPaths = paths
	}
}

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// Load loads configuration with priority:
//  1. Defaults (lowest)
//  2. Config file (yaml)
//  3. Environment variables (highest)
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := l.loadConfigFile(); err != nil {
		fmt.Printf("Warning: %v\n", err)
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		// App
		"app.name":        "grpc-core-client",
		"app.version":     "1.0.0",
		"app.environment": "development",
		"app.debug":       false,

		// Channel
		"channel.default_timeout":                 10 * time.Second,
		"channel.idle_timeout":                    30 * time.Minute,
		"channel.default_lb_policy":               "pick_first",
		"channel.max_recv_msg_size":               16 * 1024 * 1024, // 16MB
		"channel.max_send_msg_size":               16 * 1024 * 1024,
		"channel.keepalive.time":                  5 * time.Minute,
		"channel.keepalive.timeout":               20 * time.Second,
		"channel.keepalive.permit_without_stream": false,
		"channel.tls.enabled":                     false,

		// Log
		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.max_size":    100,
		"log.max_backups": 3,
		"log.max_age":     7,
		"log.compress":    true,

		// Metrics
		"metrics.enabled":   true,
		"metrics.port":      9090,
		"metrics.path":      "/metrics",
		"metrics.namespace": "grpccore",
		"metrics.subsystem": "",

		// Tracing
		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4317",
		"tracing.service_name": "grpc-core-client",
		"tracing.sample_rate":  0.1,

		// xDS bootstrap
		"xds.server_uri":       "localhost:18000",
		"xds.node_id":          "grpc-core-client-node",
		"xds.cluster":          "default",
		"xds.region":           "",
		"xds.zone":             "",
		"xds.sub_zone":         "",
		"xds.resource_timeout": 15 * time.Second,
		"xds.tls":              false,

		// Backoff (ADS stream retry)
		"backoff.initial_backoff": 1 * time.Second,
		"backoff.max_backoff":     120 * time.Second,
		"backoff.multiplier":      1.6,
		"backoff.jitter":          0.2,

		// Rate limit (resolver re-resolution cooldown)
		"rate_limit.enabled":          true,
		"rate_limit.requests":         1,
		"rate_limit.window":           5 * time.Second,
		"rate_limit.burst_size":       1,
		"rate_limit.backend":          "memory",
		"rate_limit.cleanup_interval": 5 * time.Minute,
		"rate_limit.redis_addr":       "",
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

func (l *Loader) loadConfigFile() error {
	if configPath := os.Getenv(configEnvVar); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return l.k.Load(file.Provider(configPath), yaml.Parser())
		}
	}

	for _, path := range l.configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			return l.k.Load(file.Provider(absPath), yaml.Parser())
		}
	}

	return fmt.Errorf("config file not found in paths: %v", l.configPaths)
}

func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, l.envPrefix))
		// Keys such as xds.node_id keep their own underscores: match the
		// variable against the loaded keys before splitting on every "_".
		for _, k := range l.k.Keys() {
			if strings.ReplaceAll(k, ".", "_") == key {
				return k
			}
		}
		return strings.ReplaceAll(key, "_", ".")
	}), nil)
}

// MustLoad loads configuration or panics.
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load is a convenience function that loads with default settings.
func Load() (*Config, error) {
	return NewLoader().Load()
}
