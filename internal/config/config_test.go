package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metalsdesk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
storage:
  engine: parquet
  data_dir: "/tmp/metalsdesk/data"
  sqlite_path: "/tmp/metalsdesk/metalsdesk.db"
server:
  host: "127.0.0.1"
  port: 8181
  grpc_port: 9191
source:
  mode: dummy
  lookback_days: 90
  vendor_timeout: 5s
  window_ttl: 1m
  persist_live: false
cache:
  ttl: 45s
  max_entries: 64
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  symbols:
    LMCADS03: "COPX"
eod:
  enabled: false
  schedule: "0 20 * * 1-5"
logging:
  level: "debug"
  format: "text"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "parquet", cfg.Storage.Engine)
	assert.Equal(t, "/tmp/metalsdesk/data", cfg.Storage.DataDir)
	assert.Equal(t, "/tmp/metalsdesk/metalsdesk.db", cfg.Storage.SQLitePath)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, 9191, cfg.Server.GRPCPort)

	assert.Equal(t, "dummy", cfg.Source.Mode)
	assert.Equal(t, 90, cfg.Source.LookbackDays)
	assert.Equal(t, 5*time.Second, cfg.Source.VendorTimeout)
	assert.Equal(t, time.Minute, cfg.Source.WindowTTL)
	assert.False(t, cfg.Source.PersistLive)

	assert.Equal(t, 45*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 64, cfg.Cache.MaxEntries)

	assert.Equal(t, "test-key", cfg.Alpaca.APIKey)
	assert.Equal(t, "COPX", cfg.Alpaca.Symbols["LMCADS03"])
	// Unset fields keep their defaults.
	assert.Equal(t, "sip", cfg.Alpaca.Feed)

	assert.False(t, cfg.EOD.Enabled)
	assert.Equal(t, "0 20 * * 1-5", cfg.EOD.Schedule)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, 140, cfg.Source.LookbackDays)
	assert.Equal(t, 10*time.Second, cfg.Source.VendorTimeout)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 256, cfg.Cache.MaxEntries)
	assert.Equal(t, "30 19 * * 1-5", cfg.EOD.Schedule)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Server.GRPCPort)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: "/from/yaml"
alpaca:
  api_key: "yaml-key"
`)

	t.Setenv("DATA_DIR", "/from/env")
	t.Setenv("APCA_API_KEY_ID", "env-key")
	t.Setenv("SOURCE_LOOKBACK_DAYS", "30")
	t.Setenv("CACHE_TTL", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/from/env", cfg.Storage.DataDir)
	assert.Equal(t, "env-key", cfg.Alpaca.APIKey)
	assert.Equal(t, 30, cfg.Source.LookbackDays)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)
}

func TestLoadExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "metalsdesk.example.yaml"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Source, cfg.Source)
	assert.Equal(t, def.Cache, cfg.Cache)
	assert.Equal(t, def.EOD, cfg.EOD)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr())
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.GRPCAddr())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Source.Mode = "bloomberg" }},
		{"bad engine", func(c *Config) { c.Storage.Engine = "mysql" }},
		{"zero lookback", func(c *Config) { c.Source.LookbackDays = 0 }},
		{"zero timeout", func(c *Config) { c.Source.VendorTimeout = 0 }},
		{"zero cache ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"zero cache size", func(c *Config) { c.Cache.MaxEntries = 0 }},
		{"no sqlite path", func(c *Config) { c.Storage.SQLitePath = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
