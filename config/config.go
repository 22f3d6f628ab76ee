// Package config loads and validates application configuration from a JSON
// file, with environment overrides for deployment credentials.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/KairosTechnologies2024/fleetsapi/telemetry"
)

// EnvPrefix is the prefix for environment variable overrides
const EnvPrefix = "FLEETSAPI"

// Config is the complete application configuration
type Config struct {
	MQTT      MQTTConfig      `json:"mqtt"`
	NATS      NATSConfig      `json:"nats"`
	Database  DatabaseConfig  `json:"database"`
	Gateway   GatewayConfig   `json:"gateway"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Poller    PollerConfig    `json:"poller"`
}

// MQTTConfig defines the device bus connection
type MQTTConfig struct {
	BrokerURL      string        `json:"broker_url"`
	ClientID       string        `json:"client_id,omitempty"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"password,omitempty"`
	Namespace      string        `json:"namespace,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	CommandTimeout time.Duration `json:"command_timeout,omitempty"`
}

// NATSConfig defines the internal event bus connection
type NATSConfig struct {
	URL           string        `json:"url"`
	Name          string        `json:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
}

// DatabaseConfig defines the telemetry store
type DatabaseConfig struct {
	Path string `json:"path"`
}

// GatewayConfig defines the HTTP API server
type GatewayConfig struct {
	Port int `json:"port"`
}

// BroadcastConfig defines the WebSocket fan-out server
type BroadcastConfig struct {
	Port int    `json:"port"`
	Path string `json:"path,omitempty"`
}

// PollerConfig defines the change-poller behavior
type PollerConfig struct {
	Interval       time.Duration `json:"interval,omitempty"`
	ExcludedAlerts []string      `json:"excluded_alerts,omitempty"`
}

// Default returns the configuration used when no file is provided
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			BrokerURL:      "tcp://localhost:1883",
			ClientID:       "fleetsapi",
			ConnectTimeout: 10 * time.Second,
			CommandTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "fleetsapi",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "fleet.db",
		},
		Gateway: GatewayConfig{
			Port: 8080,
		},
		Broadcast: BroadcastConfig{
			Port: 8081,
			Path: "/ws",
		},
		Poller: PollerConfig{
			Interval:       3 * time.Second,
			ExcludedAlerts: telemetry.DefaultExcludedAlerts,
		},
	}
}

// Load reads a JSON config file over the defaults, applies environment
// overrides, and validates the result. An empty path loads defaults plus
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for deployment mistakes
func (c *Config) Validate() error {
	if c.MQTT.BrokerURL == "" {
		return errors.New("mqtt.broker_url is required")
	}
	if c.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	if c.Broadcast.Port < 1 || c.Broadcast.Port > 65535 {
		return fmt.Errorf("broadcast.port %d out of range", c.Broadcast.Port)
	}
	if c.Gateway.Port == c.Broadcast.Port {
		return fmt.Errorf("gateway and broadcast cannot share port %d", c.Gateway.Port)
	}
	if c.Poller.Interval < 0 {
		return errors.New("poller.interval cannot be negative")
	}
	return nil
}

// applyEnvOverrides lets deployments inject credentials and endpoints
// without editing the config file
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(EnvPrefix + "_MQTT_BROKER_URL"); val != "" {
		cfg.MQTT.BrokerURL = val
	}
	if val := os.Getenv(EnvPrefix + "_MQTT_USERNAME"); val != "" {
		cfg.MQTT.Username = val
	}
	if val := os.Getenv(EnvPrefix + "_MQTT_PASSWORD"); val != "" {
		cfg.MQTT.Password = val
	}
	if val := os.Getenv(EnvPrefix + "_NATS_URL"); val != "" {
		cfg.NATS.URL = val
	}
	if val := os.Getenv(EnvPrefix + "_DATABASE_PATH"); val != "" {
		cfg.Database.Path = val
	}
	if val := os.Getenv(EnvPrefix + "_GATEWAY_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if val := os.Getenv(EnvPrefix + "_BROADCAST_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Broadcast.Port = port
		}
	}
	if val := os.Getenv(EnvPrefix + "_EXCLUDED_ALERTS"); val != "" {
		parts := strings.Split(val, ",")
		excluded := parts[:0]
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				excluded = append(excluded, trimmed)
			}
		}
		cfg.Poller.ExcludedAlerts = excluded
	}
}
