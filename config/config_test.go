package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.BrokerURL)
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.Contains(t, cfg.Poller.ExcludedAlerts, "Door opened")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"mqtt": {"broker_url": "tcp://broker.fleet.internal:1883", "username": "fleet"},
		"gateway": {"port": 9000},
		"poller": {"excluded_alerts": ["Door opened"]}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker.fleet.internal:1883", cfg.MQTT.BrokerURL)
	assert.Equal(t, "fleet", cfg.MQTT.Username)
	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Equal(t, []string{"Door opened"}, cfg.Poller.ExcludedAlerts)

	// untouched sections keep their defaults
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 8081, cfg.Broadcast.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Gateway.Port, cfg.Gateway.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvPrefix+"_MQTT_PASSWORD", "hunter2")
	t.Setenv(EnvPrefix+"_GATEWAY_PORT", "9090")
	t.Setenv(EnvPrefix+"_EXCLUDED_ALERTS", "Door opened, Low battery")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.MQTT.Password)
	assert.Equal(t, 9090, cfg.Gateway.Port)
	assert.Equal(t, []string{"Door opened", "Low battery"}, cfg.Poller.ExcludedAlerts)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing broker", mutate: func(c *Config) { c.MQTT.BrokerURL = "" }},
		{name: "missing nats url", mutate: func(c *Config) { c.NATS.URL = "" }},
		{name: "missing db path", mutate: func(c *Config) { c.Database.Path = "" }},
		{name: "gateway port out of range", mutate: func(c *Config) { c.Gateway.Port = 0 }},
		{name: "port collision", mutate: func(c *Config) { c.Broadcast.Port = c.Gateway.Port }},
		{name: "negative interval", mutate: func(c *Config) { c.Poller.Interval = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
