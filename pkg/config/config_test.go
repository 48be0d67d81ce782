package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1:0", cfg.ControlAddr)
	assert.Equal(t, "127.0.0.1:0", cfg.TelemetryAddr)
	assert.Equal(t, 30_000, cfg.Session.ExitTombstoneTTLMs)
	assert.Equal(t, 2048, cfg.Session.MaxBacklogEntries)
	assert.Equal(t, 4096, cfg.Stream.MaxJournalEntries)
	assert.Equal(t, 8<<20, cfg.Connection.MaxBufferedBytes)
	assert.True(t, cfg.GitMonitor.Enabled)
	assert.False(t, cfg.History.Enabled)
	assert.Equal(t, IngestLifecycleFull, cfg.Telemetry.IngestMode)
	assert.Equal(t, "save-all", cfg.Telemetry.HistoryPersistence)
	assert.Equal(t, "info", cfg.Log.Level)

	require.NoError(t, cfg.Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
controlAddr: "127.0.0.1:7777"
authToken: "secret"
session:
  exitTombstoneTtlMs: 5000
telemetry:
  ingestMode: lifecycle-fast
hooks:
  webhooks:
    - url: "http://localhost:9000/hook"
      events: ["input.required"]
  peonPing:
    url: "http://localhost:9001/ping"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7777", cfg.ControlAddr)
	assert.Equal(t, "secret", cfg.AuthToken)
	assert.Equal(t, 5000, cfg.Session.ExitTombstoneTTLMs)
	assert.Equal(t, IngestLifecycleFast, cfg.Telemetry.IngestMode)
	// Untouched sections keep their defaults.
	assert.Equal(t, 4096, cfg.Stream.MaxJournalEntries)
	assert.True(t, cfg.GitMonitor.Enabled)

	require.Len(t, cfg.Hooks.Webhooks, 1)
	assert.Equal(t, []string{"input.required"}, cfg.Hooks.Webhooks[0].Events)
	require.NotNil(t, cfg.Hooks.PeonPing)
	assert.Equal(t, "http://localhost:9001/ping", cfg.Hooks.PeonPing.URL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"negative tombstone ttl", func(c *Config) { c.Session.ExitTombstoneTTLMs = -1 }, "exitTombstoneTtlMs"},
		{"zero journal", func(c *Config) { c.Stream.MaxJournalEntries = 0 }, "maxJournalEntries"},
		{"zero buffer", func(c *Config) { c.Connection.MaxBufferedBytes = 0 }, "maxBufferedBytes"},
		{"zero concurrency", func(c *Config) { c.GitMonitor.MaxConcurrency = 0 }, "maxConcurrency"},
		{"bad ingest mode", func(c *Config) { c.Telemetry.IngestMode = "bogus" }, "ingestMode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolveRuntimeRoot(t *testing.T) {
	cfg := Default()
	cfg.RuntimeRoot = "/explicit/root"
	root, err := cfg.ResolveRuntimeRoot()
	require.NoError(t, err)
	assert.Equal(t, "/explicit/root", root)

	cfg.RuntimeRoot = ""
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	root, err = cfg.ResolveRuntimeRoot()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/xdg", "agentmux"), root)
}

func TestStorePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/root/dir", "control-plane.db"), StorePath("/root/dir"))
}
