package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gochat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":7000"
ws_addr: ":7001"
handshake_timeout: 2s
rate_limit: 5.5
log_level: debug
`), 0o600))

	cfg := DefaultConfig()
	require.NoError(t, LoadConfigFile(path, &cfg))

	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, ":7001", cfg.WSAddr)
	assert.Equal(t, 2*time.Second, cfg.HandshakeTimeout)
	assert.InDelta(t, 5.5, cfg.RateLimit, 1e-9)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched keys keep their defaults.
	assert.Equal(t, "gochat.db", cfg.DBPath)
	assert.Equal(t, 50, cfg.JoinHistoryLimit)
}

func TestLoadConfigFileErrors(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"), &cfg))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [unterminated"), 0o600))
	require.Error(t, LoadConfigFile(path, &cfg))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("GOCHAT_LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("GOCHAT_HANDSHAKE_TIMEOUT", "250ms")
	t.Setenv("GOCHAT_GATEWAY_WORKERS", "3")
	t.Setenv("GOCHAT_TLS", "true")

	cfg := DefaultConfig()
	require.NoError(t, ApplyEnv(&cfg))

	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.HandshakeTimeout)
	assert.Equal(t, 3, cfg.GatewayWorkers)
	assert.True(t, cfg.TLS)
	assert.Equal(t, ":9702", cfg.MetricsAddr)
}

func TestApplyEnvRejectsBadValue(t *testing.T) {
	t.Setenv("GOCHAT_GATEWAY_WORKERS", "many")
	cfg := DefaultConfig()
	require.Error(t, ApplyEnv(&cfg))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"zero handshake timeout", func(c *Config) { c.HandshakeTimeout = 0 }},
		{"negative workers", func(c *Config) { c.GatewayWorkers = -1 }},
		{"negative join history", func(c *Config) { c.JoinHistoryLimit = -1 }},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
