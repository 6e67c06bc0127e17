// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/absmach/fluxchat/ratelimit"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the chat pipeline processes.
type Config struct {
	Log             LogConfig        `yaml:"log"`
	Broker          BrokerConfig     `yaml:"broker"`
	Rooms           int              `yaml:"rooms"`
	Consumer        ConsumerConfig   `yaml:"consumer"`
	Dedup           DedupConfig      `yaml:"dedup"`
	Retry           RetryConfig      `yaml:"retry"`
	Broadcast       BroadcastConfig  `yaml:"broadcast"`
	Ingress         IngressConfig    `yaml:"ingress"`
	Health          HealthConfig     `yaml:"health"`
	Telemetry       TelemetryConfig  `yaml:"telemetry"`
	RateLimit       ratelimit.Config `yaml:"ratelimit"`
	LoadGen         LoadGenConfig    `yaml:"loadgen"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// BrokerConfig holds message broker settings. The RABBITMQ_* variables
// override the file values.
type BrokerConfig struct {
	Type        string        `yaml:"type"` // rabbitmq, memory
	Host        string        `yaml:"host" env:"RABBITMQ_HOST"`
	Port        int           `yaml:"port" env:"RABBITMQ_PORT"`
	Username    string        `yaml:"username" env:"RABBITMQ_USER"`
	Password    string        `yaml:"password" env:"RABBITMQ_PASSWORD"`
	Vhost       string        `yaml:"vhost" env:"RABBITMQ_VHOST"`
	Exchange    string        `yaml:"exchange"`
	QueuePrefix string        `yaml:"queue_prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
	ChannelPool int           `yaml:"channel_pool"`
	Breaker     BreakerConfig `yaml:"circuit_breaker"`
}

// Address returns host:port.
func (b BrokerConfig) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// BreakerConfig holds publish circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// ConsumerConfig holds consumer pool settings.
type ConsumerConfig struct {
	Workers        int           `yaml:"workers"`
	Prefetch       int           `yaml:"prefetch"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// DedupConfig holds dedup cache settings.
type DedupConfig struct {
	Capacity int `yaml:"capacity"`
	Shards   int `yaml:"shards"`
}

// RetryConfig holds backoff policies.
type RetryConfig struct {
	Send      PolicyConfig `yaml:"send"`
	Reconnect PolicyConfig `yaml:"reconnect"`
}

// PolicyConfig is one exponential backoff schedule.
type PolicyConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

// BroadcastConfig holds the subscriber websocket server settings.
type BroadcastConfig struct {
	Addr         string        `yaml:"addr"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// IngressConfig holds the producer websocket server settings.
type IngressConfig struct {
	Addr     string `yaml:"addr"`
	ServerID string `yaml:"server_id"`
}

// HealthConfig holds the health/status server settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Endpoint        string        `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
	ExportInterval  time.Duration `yaml:"export_interval"`
}

// LoadGenConfig holds load generator settings.
type LoadGenConfig struct {
	IngressURL   string        `yaml:"ingress_url"`
	BroadcastURL string        `yaml:"broadcast_url"`
	Messages     int           `yaml:"messages"`
	Senders      int           `yaml:"senders"`
	Receivers    int           `yaml:"receivers"`
	QueueSize    int           `yaml:"queue_size"`
	Rate         float64       `yaml:"rate"` // messages per second, 0 is unpaced
	WarmupTime   time.Duration `yaml:"warmup_time"`
	DrainTime    time.Duration `yaml:"drain_time"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Broker: BrokerConfig{
			Type:        "rabbitmq",
			Host:        "localhost",
			Port:        5672,
			Username:    "guest",
			Password:    "guest",
			Vhost:       "/",
			Exchange:    "chat.exchange",
			QueuePrefix: "room.",
			DialTimeout: 30 * time.Second,
			Heartbeat:   60 * time.Second,
			ChannelPool: 20,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Rooms: 20,
		Consumer: ConsumerConfig{
			Workers:        10,
			Prefetch:       10,
			ReportInterval: 30 * time.Second,
		},
		Dedup: DedupConfig{
			Capacity: 10000,
			Shards:   16,
		},
		Retry: RetryConfig{
			Send:      PolicyConfig{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond},
			Reconnect: PolicyConfig{MaxAttempts: 3, BaseDelay: time.Second},
		},
		Broadcast: BroadcastConfig{
			Addr:         ":8082",
			WriteTimeout: 5 * time.Second,
		},
		Ingress: IngressConfig{
			Addr:     ":8080",
			ServerID: "ingress-1",
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    ":8081",
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxchat",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
			ExportInterval:  10 * time.Second,
		},
		RateLimit: ratelimit.DefaultConfig(),
		LoadGen: LoadGenConfig{
			IngressURL:   "ws://localhost:8080",
			BroadcastURL: "ws://localhost:8082",
			Messages:     500000,
			Senders:      32,
			Receivers:    20,
			QueueSize:    10000,
			WarmupTime:   2 * time.Second,
			DrainTime:    10 * time.Second,
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load loads configuration from a YAML file, then applies .env and
// environment overrides. If the file doesn't exist, defaults are used.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv loads an optional .env file from the working directory and
// overrides broker settings from the environment.
func ApplyEnv(cfg *Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}
	if err := env.Parse(&cfg.Broker); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}

	switch c.Broker.Type {
	case "rabbitmq":
		if c.Broker.Host == "" {
			return fmt.Errorf("broker.host cannot be empty")
		}
		if c.Broker.Port < 1 || c.Broker.Port > 65535 {
			return fmt.Errorf("broker.port must be between 1 and 65535")
		}
	case "memory":
	default:
		return fmt.Errorf("broker.type must be 'rabbitmq' or 'memory'")
	}
	if c.Broker.Exchange == "" {
		return fmt.Errorf("broker.exchange cannot be empty")
	}
	if c.Broker.ChannelPool < 1 {
		return fmt.Errorf("broker.channel_pool must be at least 1")
	}
	if c.Broker.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("broker.circuit_breaker.failure_threshold must be at least 1")
	}

	if c.Rooms < 1 {
		return fmt.Errorf("rooms must be at least 1")
	}
	if c.Consumer.Workers < 1 || c.Consumer.Workers > 50 {
		return fmt.Errorf("consumer.workers must be between 1 and 50")
	}
	if c.Consumer.Prefetch < 1 {
		return fmt.Errorf("consumer.prefetch must be at least 1")
	}

	if c.Dedup.Capacity < 1 {
		return fmt.Errorf("dedup.capacity must be at least 1")
	}
	if c.Dedup.Shards < 1 || c.Dedup.Shards > c.Dedup.Capacity {
		return fmt.Errorf("dedup.shards must be between 1 and dedup.capacity")
	}

	if c.Retry.Send.MaxAttempts < 1 {
		return fmt.Errorf("retry.send.max_attempts must be at least 1")
	}
	if c.Retry.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("retry.reconnect.max_attempts must be at least 1")
	}
	if c.Retry.Send.BaseDelay <= 0 || c.Retry.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("retry base_delay must be positive")
	}

	if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
		return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
	}
	if c.Telemetry.Enabled && c.Telemetry.ExportInterval <= 0 {
		return fmt.Errorf("telemetry.export_interval must be positive")
	}

	if c.LoadGen.Senders < 1 {
		return fmt.Errorf("loadgen.senders must be at least 1")
	}
	if c.LoadGen.QueueSize < 1 {
		return fmt.Errorf("loadgen.queue_size must be at least 1")
	}
	if c.LoadGen.Rate < 0 {
		return fmt.Errorf("loadgen.rate cannot be negative")
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
