package config

import (
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				App: AppConfig{Name: "test-client"},
				Log: LogConfig{Level: "info"},
			},
			wantErr: false,
		},
		{
			name: "missing app name",
			cfg: Config{
				Log: LogConfig{Level: "info"},
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			cfg: Config{
				App: AppConfig{Name: "test"},
				Log: LogConfig{Level: "invalid"},
			},
			wantErr: true,
		},
		{
			name: "valid debug level",
			cfg: Config{
				App: AppConfig{Name: "test"},
				Log: LogConfig{Level: "debug"},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Validate_Defaults(t *testing.T) {
	cfg := Config{App: AppConfig{Name: "test"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
	if cfg.Channel.DefaultLBPolicy != "pick_first" {
		t.Errorf("expected default lb policy pick_first, got %s", cfg.Channel.DefaultLBPolicy)
	}
	if cfg.Backoff.Multiplier != 1.6 {
		t.Errorf("expected default backoff multiplier 1.6, got %v", cfg.Backoff.Multiplier)
	}
	if cfg.XDS.ResourceTimeout != 15*time.Second {
		t.Errorf("expected default xds resource timeout 15s, got %v", cfg.XDS.ResourceTimeout)
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"development", true},
		{"dev", true},
		{"production", false},
		{"staging", false},
	}

	for _, tt := range tests {
		cfg := &Config{App: AppConfig{Environment: tt.env}}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment() for %s = %v, want %v", tt.env, got, tt.want)
		}
	}
}

func TestConfig_IsProduction(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"production", true},
		{"prod", true},
		{"development", false},
		{"staging", false},
	}

	for _, tt := range tests {
		cfg := &Config{App: AppConfig{Environment: tt.env}}
		if got := cfg.IsProduction(); got != tt.want {
			t.Errorf("IsProduction() for %s = %v, want %v", tt.env, got, tt.want)
		}
	}
}

func TestXDSConfig_Address(t *testing.T) {
	cfg := XDSConfig{ServerURI: "xds-server:18000"}
	if cfg.Address() != "xds-server:18000" {
		t.Errorf("expected 'xds-server:18000', got %s", cfg.Address())
	}
}

func TestKeepAliveConfig(t *testing.T) {
	cfg := KeepAliveConfig{
		Time:                5 * time.Minute,
		Timeout:             20 * time.Second,
		PermitWithoutStream: true,
	}

	if cfg.Time != 5*time.Minute {
		t.Errorf("unexpected Time: %v", cfg.Time)
	}
	if !cfg.PermitWithoutStream {
		t.Error("expected PermitWithoutStream to be true")
	}
}

func TestBackoffConfig(t *testing.T) {
	cfg := BackoffConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     120 * time.Second,
		Multiplier:     1.6,
		Jitter:         0.2,
	}

	if cfg.InitialBackoff != time.Second {
		t.Errorf("unexpected InitialBackoff: %v", cfg.InitialBackoff)
	}
}

func TestRateLimitConfig(t *testing.T) {
	cfg := RateLimitConfig{
		Enabled:   true,
		Requests:  1,
		Window:    5 * time.Second,
		BurstSize: 1,
		Backend:   "memory",
	}

	if !cfg.Enabled {
		t.Error("expected rate limit to be enabled")
	}
	if cfg.Backend != "memory" {
		t.Errorf("expected backend memory, got %s", cfg.Backend)
	}
}
