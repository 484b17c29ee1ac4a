package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, 4096, cfg.ChunkSize)
	require.Equal(t, []float64{0.299, 0.587, 0.114}, cfg.Weights)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
listen: 127.0.0.1:9000
transport: quic
chunkSize: 1024
inMemory: true
engine: plain
connTimeout: 30s
weights: [0.5, 0.5]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Listen)
	require.Equal(t, DefaultServer, cfg.Server)
	require.Equal(t, TransportQUIC, cfg.Transport)
	require.Equal(t, 1024, cfg.ChunkSize)
	require.True(t, cfg.InMemory)
	require.Equal(t, EnginePlain, cfg.Engine)
	require.Equal(t, 30*time.Second, cfg.ConnTimeout)
	require.Equal(t, []float64{0.5, 0.5}, cfg.Weights)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadMalformed(t *testing.T) {
	t.Parallel()
	_, err := Load(writeConfig(t, "chunkSize: [not a number"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative chunk size", func(c *Config) { c.ChunkSize = -1 }},
		{"zero chunk size", func(c *Config) { c.ChunkSize = 0 }},
		{"no weights", func(c *Config) { c.Weights = nil }},
		{"weights do not sum to one", func(c *Config) { c.Weights = []float64{0.3, 0.3, 0.3} }},
		{"unknown transport", func(c *Config) { c.Transport = "udp" }},
		{"unknown engine", func(c *Config) { c.Engine = "bfv" }},
		{"negative workers", func(c *Config) { c.Workers = -2 }},
		{"negative timeout", func(c *Config) { c.ConnTimeout = -time.Second }},
		{"no data dir", func(c *Config) { c.DataDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
