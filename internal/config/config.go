// Package config defines all configuration for the SDK.
// Config is loaded from an optional YAML file with sensitive fields
// overridable via METAAPI_* environment variables; every knob has a default
// so a token alone is enough to start.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Token       string `mapstructure:"token"`       // API auth token, required
	Domain      string `mapstructure:"domain"`      // service domain the endpoints are built from
	Application string `mapstructure:"application"` // application tag stamped on every request

	// RequestTimeout bounds every request/response exchange on the socket.
	// ConnectTimeout bounds the initial websocket dial.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// PacketOrderingTimeout is how long a sequence gap may persist before the
	// orderer declares it lost and skips ahead.
	PacketOrderingTimeout time.Duration `mapstructure:"packet_ordering_timeout"`

	// StatusTimerTimeout invalidates the broker connection flag when no status
	// packet arrives within the window.
	StatusTimerTimeout time.Duration `mapstructure:"status_timer_timeout"`

	Retry         RetryConfig   `mapstructure:"retry"`
	HealthMonitor HealthConfig  `mapstructure:"health_monitor"`
	Logging       LoggingConfig `mapstructure:"logging"`
}

// RetryConfig shapes the synchronization retry backoff: the interval starts
// at InitialInterval and doubles after every failed attempt up to MaxInterval.
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// HealthConfig tunes the connection health monitor.
type HealthConfig struct {
	SamplePeriod time.Duration `mapstructure:"sample_period"`
}

// LoggingConfig selects the log level and encoder mode.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads config from an optional YAML file with env var overrides.
// The token uses METAAPI_TOKEN; any other key can be overridden with
// METAAPI_<KEY> (dots become underscores).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("METAAPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("domain", "agiliumtrade.agiliumtrade.ai")
	v.SetDefault("application", "MetaApi")
	v.SetDefault("request_timeout", 60*time.Second)
	v.SetDefault("connect_timeout", 60*time.Second)
	v.SetDefault("packet_ordering_timeout", 60*time.Second)
	v.SetDefault("status_timer_timeout", 60*time.Second)
	v.SetDefault("retry.initial_interval", time.Second)
	v.SetDefault("retry.max_interval", 300*time.Second)
	v.SetDefault("health_monitor.sample_period", time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if token := os.Getenv("METAAPI_TOKEN"); token != "" {
		cfg.Token = token
	}

	return &cfg, nil
}

// Default returns the configuration with every knob at its default and the
// given token. Used when embedding the SDK without a config file.
func Default(token string) *Config {
	cfg, _ := Load("")
	cfg.Token = token
	return cfg
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("token is required (set METAAPI_TOKEN)")
	}
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if c.Application == "" {
		return fmt.Errorf("application is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be > 0")
	}
	if c.PacketOrderingTimeout <= 0 {
		return fmt.Errorf("packet_ordering_timeout must be > 0")
	}
	if c.StatusTimerTimeout <= 0 {
		return fmt.Errorf("status_timer_timeout must be > 0")
	}
	if c.Retry.InitialInterval <= 0 {
		return fmt.Errorf("retry.initial_interval must be > 0")
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("retry.max_interval must be >= retry.initial_interval")
	}
	if c.HealthMonitor.SamplePeriod <= 0 {
		return fmt.Errorf("health_monitor.sample_period must be > 0")
	}
	return nil
}
