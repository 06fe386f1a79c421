// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Broker types.
const (
	BrokerNATS   = "nats"
	BrokerMQTT   = "mqtt"
	BrokerKafka  = "kafka"
	BrokerMemory = "memory"
)

// Drop policies for a full forwarder queue.
const (
	DropNewest = "newest"
	DropOldest = "oldest"
)

// Config holds all configuration for the relay.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Target    TargetConfig    `yaml:"target"`
	Forwarder ForwarderConfig `yaml:"forwarder"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Log       LogConfig       `yaml:"log"`
	Health    HealthConfig    `yaml:"health"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BrokerConfig holds the broker connection and subscription settings.
type BrokerConfig struct {
	Type       string `yaml:"type"` // nats, mqtt, kafka, memory
	URL        string `yaml:"url"`
	VPN        string `yaml:"vpn"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	ClientName string `yaml:"client_name"`
	Topic      string `yaml:"topic"`

	// Durable subscriptions survive reconnects where the broker supports it.
	Durable    bool          `yaml:"durable"`
	AckTimeout time.Duration `yaml:"ack_timeout"`

	NATS  NATSConfig  `yaml:"nats"`
	MQTT  MQTTConfig  `yaml:"mqtt"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// NATSConfig holds NATS adapter settings.
type NATSConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
}

// MQTTConfig holds MQTT adapter settings.
type MQTTConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// Envelope enables the JSON envelope carrying properties, reply-to and
	// message id, which MQTT 3.1.1 cannot express natively.
	Envelope bool `yaml:"envelope"`
}

// KafkaConfig holds Kafka adapter settings.
type KafkaConfig struct {
	GroupID     string        `yaml:"group_id"` // used for durable subscriptions
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// TargetConfig is the HTTP endpoint messages are forwarded to.
type TargetConfig struct {
	Scheme string `yaml:"scheme"` // http or https
	Host   string `yaml:"host"`
	Port   string `yaml:"port"`
	Path   string `yaml:"path"`
}

// ForwarderConfig holds outbound HTTP dispatch settings.
type ForwarderConfig struct {
	// Workers bounds concurrent requests. Zero sends every request on its own
	// goroutine with no bound.
	Workers         int                  `yaml:"workers"`
	QueueSize       int                  `yaml:"queue_size"`
	DropPolicy      string               `yaml:"drop_policy"` // "newest" or "oldest"
	Timeout         time.Duration        `yaml:"timeout"`
	ShutdownTimeout time.Duration        `yaml:"shutdown_timeout"`
	Retry           RetryConfig          `yaml:"retry"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit       RateLimitConfig      `yaml:"rate_limit"`
}

// RetryConfig holds retry configuration for request delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// RateLimitConfig caps the outbound request rate.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"` // requests per second
	Burst   int     `yaml:"burst"`
}

// LifecycleConfig holds startup and shutdown settings.
type LifecycleConfig struct {
	// ShutdownGrace is how long to wait after disconnecting before exit.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error; anything else means info
	Format string `yaml:"format"` // text, json
}

// HealthConfig holds the health check server configuration.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Type:       BrokerNATS,
			URL:        "nats://localhost:4222",
			ClientName: "fluxrelay",
			Durable:    true,
			AckTimeout: 10 * time.Second,
			NATS: NATSConfig{
				ConnectTimeout: 5 * time.Second,
				MaxReconnects:  0,
				ReconnectWait:  2 * time.Second,
			},
			MQTT: MQTTConfig{
				ConnectTimeout: 5 * time.Second,
				Envelope:       false,
			},
			Kafka: KafkaConfig{
				GroupID:     "fluxrelay",
				DialTimeout: 5 * time.Second,
			},
		},
		Target: TargetConfig{
			Scheme: "https",
			Port:   "443",
			Path:   "/",
		},
		Forwarder: ForwarderConfig{
			Workers:         8,
			QueueSize:       1024,
			DropPolicy:      DropNewest,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:     1, // no retry
				InitialInterval: 1 * time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
			RateLimit: RateLimitConfig{
				Enabled: false,
				Rate:    100,
				Burst:   100,
			},
		},
		Lifecycle: LifecycleConfig{
			ShutdownGrace: 1 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled:         false,
			Addr:            ":8081",
			ShutdownTimeout: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxrelay",
			ServiceVersion:  "0.1.0",
			MetricsEnabled:  true,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file on top of the defaults.
// If the file name is empty or the file doesn't exist, returns the defaults.
// The result is not validated: callers overlay flags and environment first
// and then call Validate.
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

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validBrokers := map[string]bool{BrokerNATS: true, BrokerMQTT: true, BrokerKafka: true, BrokerMemory: true}
	if !validBrokers[c.Broker.Type] {
		return fmt.Errorf("broker.type must be one of: nats, mqtt, kafka, memory")
	}
	if c.Broker.Type != BrokerMemory && c.Broker.URL == "" {
		return fmt.Errorf("broker.url cannot be empty")
	}
	if c.Broker.Topic == "" {
		return fmt.Errorf("broker.topic cannot be empty")
	}
	if c.Broker.AckTimeout <= 0 {
		return fmt.Errorf("broker.ack_timeout must be positive")
	}
	if c.Broker.Type == BrokerKafka && c.Broker.Durable && c.Broker.Kafka.GroupID == "" {
		return fmt.Errorf("broker.kafka.group_id required for durable kafka subscriptions")
	}

	if c.Target.Scheme != "http" && c.Target.Scheme != "https" {
		return fmt.Errorf("target.scheme must be 'http' or 'https'")
	}
	if c.Target.Host == "" {
		return fmt.Errorf("target.host cannot be empty")
	}
	port, err := strconv.Atoi(c.Target.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("target.port must be a number between 1 and 65535")
	}

	if c.Forwarder.Workers < 0 {
		return fmt.Errorf("forwarder.workers cannot be negative")
	}
	if c.Forwarder.Workers > 0 && c.Forwarder.QueueSize < 1 {
		return fmt.Errorf("forwarder.queue_size must be at least 1")
	}
	if c.Forwarder.DropPolicy != DropNewest && c.Forwarder.DropPolicy != DropOldest {
		return fmt.Errorf("forwarder.drop_policy must be 'oldest' or 'newest'")
	}
	if c.Forwarder.Timeout <= 0 {
		return fmt.Errorf("forwarder.timeout must be positive")
	}
	if c.Forwarder.Retry.MaxAttempts < 1 {
		return fmt.Errorf("forwarder.retry.max_attempts must be at least 1")
	}
	if c.Forwarder.Retry.Multiplier < 1.0 {
		return fmt.Errorf("forwarder.retry.multiplier must be at least 1.0")
	}
	if c.Forwarder.CircuitBreaker.Enabled && c.Forwarder.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("forwarder.circuit_breaker.failure_threshold must be at least 1")
	}
	if c.Forwarder.RateLimit.Enabled {
		if c.Forwarder.RateLimit.Rate <= 0 {
			return fmt.Errorf("forwarder.rate_limit.rate must be positive")
		}
		if c.Forwarder.RateLimit.Burst < 1 {
			return fmt.Errorf("forwarder.rate_limit.burst must be at least 1")
		}
	}

	if c.Lifecycle.ShutdownGrace < 0 {
		return fmt.Errorf("lifecycle.shutdown_grace cannot be negative")
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr required when health server is enabled")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
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

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
