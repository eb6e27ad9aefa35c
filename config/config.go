// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the DST broker.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Auth      AuthConfig      `yaml:"auth"`
}

// ServerConfig holds listener and telemetry settings.
type ServerConfig struct {
	TCPAddr         string        `yaml:"tcp_addr"`
	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	HealthAddr      string        `yaml:"health_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP gRPC endpoint
	MaxConnections  int           `yaml:"max_connections"`
	ReadTimeout     time.Duration `yaml:"read_timeout"` // 0 disables the idle deadline
	SendQueueSize   int           `yaml:"send_queue_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	WSEnabled       bool          `yaml:"ws_enabled"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`

	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// BrokerConfig holds routing and delivery settings.
type BrokerConfig struct {
	// Maximum frame payload size in bytes
	MaxMessageSize int `yaml:"max_message_size"`

	// Envelope level used for frames the agent originates (CONNECT_ACK, PING_ACK):
	// no_confirm, at_least_once or exactly_once
	DefaultLevel string `yaml:"default_level"`

	// Retransmission settings for AT_LEAST_ONCE and EXACTLY_ONCE pushes
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxRetries    int           `yaml:"max_retries"`

	// Maximum unacknowledged pushes per connection
	MaxInflight int `yaml:"max_inflight"`

	// Number of EXACTLY_ONCE publish identifiers remembered per connection
	DedupWindow int `yaml:"dedup_window"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds retained message store configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// Retained payloads at or above this size are s2-compressed (badger only)
	CompressionThreshold int `yaml:"compression_threshold"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionLimit `yaml:"connection"`
	Publish    ClientLimit     `yaml:"publish"`
	Subscribe  ClientLimit     `yaml:"subscribe"`
}

// ConnectionLimit holds per-IP accept rate settings.
type ConnectionLimit struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"` // connections per second per IP
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ClientLimit holds a per-connection operation rate.
type ClientLimit struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"` // operations per second per connection
	Burst   int     `yaml:"burst"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"` // "oldest" or "newest"
	Workers         int               `yaml:"workers"`
	IncludePayload  bool              `yaml:"include_payload"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint.
type WebhookEndpoint struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Events  []string          `yaml:"events"` // event type filter (empty = all)
	Topics  []string          `yaml:"topics"` // exact topic filter (empty = all)
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Retry   *RetryConfig      `yaml:"retry,omitempty"`
}

// AuthConfig configures the static credential backend. An empty user map
// accepts every CONNECT.
type AuthConfig struct {
	Users map[string]string `yaml:"users"` // username -> password
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:         ":7070",
			WSAddr:          ":7080",
			WSPath:          "/dst",
			WSEnabled:       false,
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			MaxConnections:  10000,
			ReadTimeout:     0,
			SendQueueSize:   256,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:     "fluxpush",
			OtelServiceVersion:  "1.0.0",
			OtelTracesEnabled:   false,
			OtelMetricsEnabled:  true,
			OtelTraceSampleRate: 0.1,
		},
		Broker: BrokerConfig{
			MaxMessageSize: 1024 * 1024,
			DefaultLevel:   "no_confirm",
			RetryInterval:  10 * time.Second,
			MaxRetries:     5,
			MaxInflight:    1024,
			DedupWindow:    1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:                 "memory",
			CompressionThreshold: 4096,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Connection: ConnectionLimit{
				Enabled:         true,
				Rate:            100.0 / 60.0,
				Burst:           20,
				CleanupInterval: 5 * time.Minute,
			},
			Publish: ClientLimit{
				Enabled: true,
				Rate:    1000,
				Burst:   100,
			},
			Subscribe: ClientLimit{
				Enabled: true,
				Rate:    100,
				Burst:   10,
			},
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			IncludePayload:  false,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.TCPAddr == "" && (!c.Server.WSEnabled || c.Server.WSAddr == "") {
		return fmt.Errorf("server: at least one of tcp_addr or ws_addr must be configured")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections cannot be negative")
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server.read_timeout cannot be negative")
	}
	if c.Server.SendQueueSize < 1 {
		return fmt.Errorf("server.send_queue_size must be at least 1")
	}
	if c.Server.WSEnabled && c.Server.WSPath == "" {
		return fmt.Errorf("server.ws_path required when websocket is enabled")
	}
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.Broker.MaxMessageSize < 1024 {
		return fmt.Errorf("broker.max_message_size must be at least 1KB")
	}
	validLevels := map[string]bool{"no_confirm": true, "at_least_once": true, "exactly_once": true}
	if !validLevels[c.Broker.DefaultLevel] {
		return fmt.Errorf("broker.default_level must be one of: no_confirm, at_least_once, exactly_once")
	}
	if c.Broker.RetryInterval <= 0 {
		return fmt.Errorf("broker.retry_interval must be positive")
	}
	if c.Broker.MaxRetries < 0 {
		return fmt.Errorf("broker.max_retries cannot be negative")
	}
	if c.Broker.MaxInflight < 1 {
		return fmt.Errorf("broker.max_inflight must be at least 1")
	}
	if c.Broker.DedupWindow < 1 {
		return fmt.Errorf("broker.dedup_window must be at least 1")
	}

	logLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !logLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.CompressionThreshold < 0 {
		return fmt.Errorf("storage.compression_threshold cannot be negative")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Connection.Enabled && c.RateLimit.Connection.CleanupInterval <= 0 {
			return fmt.Errorf("ratelimit.connection.cleanup_interval must be positive")
		}
		for name, l := range map[string]ClientLimit{"publish": c.RateLimit.Publish, "subscribe": c.RateLimit.Subscribe} {
			if l.Enabled && (l.Rate <= 0 || l.Burst < 1) {
				return fmt.Errorf("ratelimit.%s requires a positive rate and burst", name)
			}
		}
	}

	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}
		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
