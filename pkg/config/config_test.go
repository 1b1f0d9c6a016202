package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.Call.QualityInterval)
	assert.Equal(t, time.Second, cfg.Call.DurationTick)
	assert.Equal(t, 5, cfg.Call.RestartMaxAttempts)
	assert.NotEmpty(t, cfg.WebRTC.ICEServers)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http burst must be > 0", func(c *Config) { c.RateLimiting.HTTP.Burst = 0 }},
		{"ws messages per second must be > 0", func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 }},
		{"ws max message size must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
		{"pong timeout must exceed ping interval", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"client url required", func(c *Config) { c.Client.URL = "" }},
		{"client url scheme", func(c *Config) { c.Client.URL = "ftp://relay.example/ws" }},
		{"client url host", func(c *Config) { c.Client.URL = "ws:///ws" }},
		{"server address blank", func(c *Config) { c.Server.Address = "   " }},
		{"reconnect delays ordered", func(c *Config) { c.Client.ReconnectMaxDelay = c.Client.ReconnectInitialDelay / 2 }},
		{"port range ordered", func(c *Config) { c.WebRTC.PortRange.Min, c.WebRTC.PortRange.Max = 50000, 40000 }},
		{"port range both set", func(c *Config) { c.WebRTC.PortRange.Min = 50000 }},
		{"bitrate bounds", func(c *Config) { c.WebRTC.MaxBitrate = c.WebRTC.MinBitrate - 1 }},
		{"start bitrate within bounds", func(c *Config) { c.WebRTC.StartBitrate = c.WebRTC.MaxBitrate + 1 }},
		{"min bitrate floor", func(c *Config) { c.WebRTC.MinBitrate = 10_000 }},
		{"max bitrate ceiling", func(c *Config) { c.WebRTC.MaxBitrate = 50_000_000 }},
		{"restart answer timeout > 0", func(c *Config) { c.Call.RestartAnswerTimeout = 0 }},
		{"jaeger url valid", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.JaegerURL = "localhost:14268" }},
		{"quality interval > 0", func(c *Config) { c.Call.QualityInterval = 0 }},
		{"duration tick > 0", func(c *Config) { c.Call.DurationTick = 0 }},
		{"restart attempts bounded", func(c *Config) { c.Call.RestartMaxAttempts = 0 }},
		{"restart backoff ordered", func(c *Config) { c.Call.RestartMaxBackoff = c.Call.RestartInitialBackoff / 2 }},
		{"redis address required", func(c *Config) { c.Redis.Enabled = true; c.Redis.Address = "" }},
		{"storage driver known", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"sqlite path required", func(c *Config) { c.Storage.Driver = StorageSQLite; c.Storage.SQLitePath = "" }},
		{"turn needs users", func(c *Config) { c.TURN.Enabled = true; c.TURN.PublicIP = "203.0.113.1" }},
		{"tracing sample rate range", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRate = 2 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			require.NoError(t, cfg.Validate())
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlData := `
node:
  peer_id: alice
call:
  ring_timeout: 20s
  restart_max_attempts: 3
webrtc:
  ice_servers:
    - urls: ["turn:turn.example.com:3478"]
      username: u
      credential: p
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o600))
	t.Setenv("RILLCALL_LOG_LEVEL", "debug")
	t.Setenv("RILLCALL_SIGNAL_URL", "wss://signal.example.com/ws")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.Node.PeerID)
	assert.Equal(t, 20*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 3, cfg.Call.RestartMaxAttempts)
	// untouched keys keep their defaults
	assert.Equal(t, 5*time.Second, cfg.Call.QualityInterval)
	require.Len(t, cfg.WebRTC.ICEServers, 1)
	assert.Equal(t, "u", cfg.WebRTC.ICEServers[0].Username)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "wss://signal.example.com/ws", cfg.Client.URL)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("call: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("call:\n  quality_interval: 0s\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "quality_interval")
}
