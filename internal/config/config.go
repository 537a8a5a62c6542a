package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/fleet-gate/internal/admission"
	"github.com/t77yq/fleet-gate/internal/client"
	"github.com/t77yq/fleet-gate/internal/fleet"
	"github.com/t77yq/fleet-gate/internal/model"
	"github.com/t77yq/fleet-gate/internal/poller"
)

// EnvPrefix prefixes environment overrides, e.g. FLEET_NATS_URLS
const EnvPrefix = "FLEET"

// Config is the full server configuration
type Config struct {
	App      AppConfig       `mapstructure:"app"`
	Log      LogConfig       `mapstructure:"log"`
	NATS     NATSConfig      `mapstructure:"nats"`
	Backends []BackendConfig `mapstructure:"backends"`
	Client   client.Config   `mapstructure:"client"`
	Poller   poller.Config   `mapstructure:"poller"`
	Verify   VerifyConfig    `mapstructure:"verify"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Alerts   AlertsConfig    `mapstructure:"alerts"`
}

// AppConfig identifies the process
type AppConfig struct {
	Name string `mapstructure:"name"`
}

// LogConfig selects the zap preset and level
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// NATSConfig holds connection settings
type NATSConfig struct {
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	StateSubject   string        `mapstructure:"state_subject"`
}

// BackendConfig describes one inference backend and its call settings
type BackendConfig struct {
	model.BackendTarget `mapstructure:",squash"`

	Timeout           time.Duration `mapstructure:"timeout"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	ReservedForUrgent int           `mapstructure:"reserved_for_urgent"`
}

// Admission resolves the gate bounds of a backend. Without an explicit
// max_concurrent the slot limit, then the default slot count, is used.
func (b BackendConfig) Admission() admission.Config {
	maxSlots := b.MaxConcurrent
	if maxSlots <= 0 {
		maxSlots = b.Limit
	}
	if maxSlots <= 0 {
		maxSlots = b.DefaultSlots
	}
	if maxSlots <= 0 {
		maxSlots = 1
	}
	return admission.Config{MaxSlots: maxSlots, ReservedForUrgent: b.ReservedForUrgent}
}

// Endpoint returns the client endpoint for the backend
func (b BackendConfig) Endpoint() client.EndpointConfig {
	return client.EndpointConfig{
		ID:        b.ID,
		URL:       b.URL,
		Timeout:   b.Timeout,
		Admission: b.Admission(),
	}
}

// VerifyConfig controls health verification
type VerifyConfig struct {
	Delay    time.Duration `mapstructure:"delay"`
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MetricsConfig controls the metrics collector
type MetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// AlertsConfig controls circuit alerts
type AlertsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fleet-gate")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)

	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("nats.request_timeout", 10*time.Second)
	v.SetDefault("nats.state_subject", "fleet.state")

	cc := client.DefaultConfig()
	v.SetDefault("client.max_retries", cc.MaxRetries)
	v.SetDefault("client.base_delay", cc.BaseDelay)
	v.SetDefault("client.max_delay", cc.MaxDelay)
	v.SetDefault("client.multiplier", cc.Multiplier)
	v.SetDefault("client.failure_threshold", cc.FailureThreshold)
	v.SetDefault("client.fatal_threshold", cc.FatalThreshold)
	v.SetDefault("client.cooldown", cc.Cooldown)
	v.SetDefault("client.retry_on_429", cc.RetryOn429)

	pc := poller.DefaultConfig()
	v.SetDefault("poller.tick_interval", pc.TickInterval)
	v.SetDefault("poller.poll_threshold", pc.PollThreshold)
	v.SetDefault("poller.poll_timeout", pc.PollTimeout)
	v.SetDefault("poller.stale_threshold", pc.StaleThreshold)

	v.SetDefault("verify.delay", poller.DefaultVerifyDelay)
	v.SetDefault("verify.schedule", "")
	v.SetDefault("verify.timeout", 30*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.interval", 15*time.Second)

	v.SetDefault("alerts.enabled", true)
}

// Load reads configuration from path, or from config/config.yaml when path
// is empty. A missing default file is not an error; env overrides and
// defaults still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the components would reject
func (c *Config) Validate() error {
	if len(c.NATS.URLs) == 0 {
		return errors.New("invalid config: nats.urls is empty")
	}
	if c.Client.FailureThreshold < 1 || c.Client.FatalThreshold < c.Client.FailureThreshold {
		return fmt.Errorf("invalid config: client thresholds failure=%d fatal=%d",
			c.Client.FailureThreshold, c.Client.FatalThreshold)
	}
	if c.NATS.ConnectRetries < 1 {
		return fmt.Errorf("invalid config: nats.connect_retries must be at least 1")
	}
	if c.Metrics.Enabled && c.Metrics.Interval <= 0 {
		return fmt.Errorf("invalid config: metrics.interval must be positive")
	}
	if c.Client.MaxRetries < 0 {
		return fmt.Errorf("invalid config: client.max_retries must not be negative")
	}

	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("invalid config: backends[%d] has no id", i)
		}
		if b.URL == "" {
			return fmt.Errorf("invalid config: backend %s has no url", b.ID)
		}
		if seen[b.ID] {
			return fmt.Errorf("invalid config: backend %s configured twice", b.ID)
		}
		seen[b.ID] = true

		if b.Limit < 0 || b.Limit > fleet.MaxSlots {
			return fmt.Errorf("invalid config: backend %s limit must be in [0, %d]", b.ID, fleet.MaxSlots)
		}
		if b.DefaultSlots < 0 || b.DefaultSlots > fleet.MaxSlots {
			return fmt.Errorf("invalid config: backend %s default_slots must be in [0, %d]", b.ID, fleet.MaxSlots)
		}
		if err := b.Admission().Validate(); err != nil {
			return fmt.Errorf("invalid config: backend %s: %w", b.ID, err)
		}
	}
	return nil
}

// Targets returns the backend targets in configuration order
func (c *Config) Targets() []model.BackendTarget {
	targets := make([]model.BackendTarget, 0, len(c.Backends))
	for _, b := range c.Backends {
		targets = append(targets, b.BackendTarget)
	}
	return targets
}

// Endpoints returns the client endpoints in configuration order
func (c *Config) Endpoints() []client.EndpointConfig {
	endpoints := make([]client.EndpointConfig, 0, len(c.Backends))
	for _, b := range c.Backends {
		endpoints = append(endpoints, b.Endpoint())
	}
	return endpoints
}

// NewLogger builds the process logger
func NewLogger(c LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}

	if c.Level != "" {
		level, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}
