package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 100, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 30*time.Second, cfg.Metrics.Interval)
	assert.Equal(t, time.Second, cfg.Client.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Client.MaxDelay)
	assert.Equal(t, 10, cfg.Client.MaxAttempts)
	assert.Equal(t, 100, cfg.Client.QueueSize)
	assert.Equal(t, []string{"NIFTY50", "BANKNIFTY", "SENSEX"}, cfg.Simulator.Symbols)
	assert.Empty(t, cfg.Broker.URL)
	assert.Empty(t, cfg.Journal.Path)
}

func TestDefaultConfig_IgnoresEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	assert.Equal(t, ":8080", DefaultConfig().HTTP.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.HTTP.Addr = "" }},
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }},
		{"zero max requests", func(c *Config) { c.RateLimit.MaxRequests = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"max delay below base", func(c *Config) { c.Client.MaxDelay = 100 * time.Millisecond }},
		{"auth required without secret", func(c *Config) { c.Auth.Required = true }},
		{"simulator without symbols", func(c *Config) {
			c.Simulator.Enabled = true
			c.Simulator.Symbols = nil
		}},
		{"bad broker url", func(c *Config) { c.Broker.URL = "not a url" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("BROKER_URL", "nats://localhost:4222")
	t.Setenv("RATE_LIMIT_MAX", "5")
	t.Setenv("IDLE_TIMEOUT", "45s")
	t.Setenv("ALLOW_CLIENT_PUBLISH", "false")
	t.Setenv("SIMULATOR_SYMBOLS", "AAPL,MSFT")
	t.Setenv("AUTH_OPERATOR_SUBJECT", "ops")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "nats://localhost:4222", cfg.Broker.URL)
	assert.Equal(t, 5, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 45*time.Second, cfg.WebSocket.IdleTimeout)
	assert.False(t, cfg.WebSocket.AllowClientPublish)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Simulator.Symbols)
	assert.Equal(t, "ops", cfg.Auth.OperatorSubject)
}

func TestLoadFromEnv_BadValue(t *testing.T) {
	t.Setenv("RATE_LIMIT_WINDOW", "soon")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tickstream.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"http": {"addr": ":7000", "read_timeout": "5s"},
		"websocket": {"allow_client_publish": false, "send_buffer": 64},
		"client": {"max_attempts": -1},
		"journal": {"path": "/tmp/journal.db"}
	}`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.HTTP.WriteTimeout, "untouched fields keep defaults")
	assert.False(t, cfg.WebSocket.AllowClientPublish)
	assert.Equal(t, 64, cfg.WebSocket.SendBuffer)
	assert.Equal(t, -1, cfg.Client.MaxAttempts)
	assert.Equal(t, "/tmp/journal.db", cfg.Journal.Path)
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadFromFile(writeConfigFile(t, `{not json`))
	assert.Error(t, err)

	_, err = LoadFromFile(writeConfigFile(t, `{"metrics": {"interval": "often"}}`))
	assert.ErrorContains(t, err, "metrics.interval")

	_, err = LoadFromFile(writeConfigFile(t, `{"log": {"level": "loud"}}`))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfigWithPrecedence(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("RATE_LIMIT_MAX", "7")

	path := writeConfigFile(t, `{"http": {"addr": ":7000"}}`)

	cfg, err := LoadConfigWithPrecedence(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr, "file beats environment")
	assert.Equal(t, 7, cfg.RateLimit.MaxRequests, "environment beats defaults")
	assert.Equal(t, time.Minute, cfg.RateLimit.Window, "defaults fill the rest")
}

func TestLoadConfigWithPrecedence_FileFromEnvironment(t *testing.T) {
	t.Setenv(FileEnvVar, writeConfigFile(t, `{"log": {"format": "pretty"}}`))

	cfg, err := LoadConfigWithPrecedence("", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "pretty", cfg.Log.Format)
}

func TestLoadConfigWithPrecedence_MissingFile(t *testing.T) {
	cfg, err := LoadConfigWithPrecedence(filepath.Join(t.TempDir(), "absent.json"), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadConfigWithPrecedence_Invalid(t *testing.T) {
	t.Setenv("AUTH_REQUIRED", "true")
	_, err := LoadConfigWithPrecedence("", zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
