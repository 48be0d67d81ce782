package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all gateway tunables. Zero values are filled in by
// Default; Load overlays a yaml file on top of the defaults.
type Config struct {
	// ControlAddr is the loopback address of the control-plane listener.
	ControlAddr string `yaml:"controlAddr"`
	// TelemetryAddr is the loopback address of the telemetry HTTP listener.
	TelemetryAddr string `yaml:"telemetryAddr"`
	// AuthToken, when set, requires the first envelope on every
	// control-plane connection to be auth {token}.
	AuthToken string `yaml:"authToken"`
	// RuntimeRoot is where persistent state lives. Empty means resolve
	// via XDG_CONFIG_HOME / HOME.
	RuntimeRoot string `yaml:"runtimeRoot"`

	Session    SessionConfig    `yaml:"session"`
	Stream     StreamConfig     `yaml:"stream"`
	Connection ConnectionConfig `yaml:"connection"`
	GitMonitor GitMonitorConfig `yaml:"gitMonitor"`
	History    HistoryConfig    `yaml:"history"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Hooks      HooksConfig      `yaml:"hooks"`
	Log        LogConfig        `yaml:"log"`
}

// SessionConfig tunes the session registry.
type SessionConfig struct {
	// ExitTombstoneTTLMs is how long an exited session is retained so a
	// late client can observe the exit. 0 removes it immediately.
	ExitTombstoneTTLMs int `yaml:"exitTombstoneTtlMs"`
	// MaxBacklogEntries bounds the per-session output ring.
	MaxBacklogEntries int `yaml:"maxBacklogEntries"`
}

// StreamConfig tunes the subscription bus.
type StreamConfig struct {
	// MaxJournalEntries bounds the observed-event journal ring.
	MaxJournalEntries int `yaml:"maxJournalEntries"`
}

// ConnectionConfig tunes per-connection delivery.
type ConnectionConfig struct {
	// MaxBufferedBytes is the per-socket pending-payload budget. A
	// connection that exceeds it while the socket is not draining is
	// destroyed.
	MaxBufferedBytes int `yaml:"maxBufferedBytes"`
}

// GitMonitorConfig tunes the git-status poller.
type GitMonitorConfig struct {
	Enabled               bool `yaml:"enabled"`
	PollMs                int  `yaml:"pollMs"`
	ActivePollMs          int  `yaml:"activePollMs"`
	IdlePollMs            int  `yaml:"idlePollMs"`
	BurstPollMs           int  `yaml:"burstPollMs"`
	MaxConcurrency        int  `yaml:"maxConcurrency"`
	MinDirectoryRefreshMs int  `yaml:"minDirectoryRefreshMs"`
	TriggerDebounceMs     int  `yaml:"triggerDebounceMs"`
}

// HistoryConfig tunes the codex history poller.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	PollMs  int    `yaml:"pollMs"`
}

// Telemetry ingest modes.
const (
	IngestLifecycleFull = "lifecycle-full"
	IngestLifecycleFast = "lifecycle-fast"
)

// TelemetryConfig tunes OTLP ingestion and launch-arg injection.
type TelemetryConfig struct {
	// IngestMode selects normalization behavior; lifecycle-fast drops
	// response.in_progress log records.
	IngestMode string `yaml:"ingestMode"`
	// LogUserPrompt toggles otel.log_user_prompt on injected codex args.
	LogUserPrompt bool `yaml:"logUserPrompt"`
	// HistoryPersistence is passed through to the codex history.persistence
	// toggle ("save-all" enables the history poller's source file).
	HistoryPersistence string `yaml:"historyPersistence"`
}

// Webhook is one lifecycle hook target. An empty Events list matches all
// lifecycle event types.
type Webhook struct {
	URL       string   `yaml:"url"`
	Events    []string `yaml:"events"`
	TimeoutMs int      `yaml:"timeoutMs"`
}

// PeonPing is the category-mapped notification endpoint.
type PeonPing struct {
	URL       string `yaml:"url"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

// HooksConfig configures the lifecycle hook dispatcher.
type HooksConfig struct {
	Webhooks []Webhook `yaml:"webhooks"`
	PeonPing *PeonPing `yaml:"peonPing"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the gateway defaults.
func Default() *Config {
	return &Config{
		ControlAddr:   "127.0.0.1:0",
		TelemetryAddr: "127.0.0.1:0",
		Session: SessionConfig{
			ExitTombstoneTTLMs: 30_000,
			MaxBacklogEntries:  2048,
		},
		Stream: StreamConfig{
			MaxJournalEntries: 4096,
		},
		Connection: ConnectionConfig{
			MaxBufferedBytes: 8 << 20,
		},
		GitMonitor: GitMonitorConfig{
			Enabled:               true,
			PollMs:                5000,
			ActivePollMs:          2000,
			IdlePollMs:            15000,
			BurstPollMs:           500,
			MaxConcurrency:        4,
			MinDirectoryRefreshMs: 1000,
			TriggerDebounceMs:     250,
		},
		History: HistoryConfig{
			Enabled: false,
			PollMs:  2000,
		},
		Telemetry: TelemetryConfig{
			IngestMode:         IngestLifecycleFull,
			LogUserPrompt:      true,
			HistoryPersistence: "save-all",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a yaml config file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects out-of-range tunables.
func (c *Config) Validate() error {
	if c.Session.ExitTombstoneTTLMs < 0 {
		return fmt.Errorf("session.exitTombstoneTtlMs must be >= 0")
	}
	if c.Stream.MaxJournalEntries <= 0 {
		return fmt.Errorf("stream.maxJournalEntries must be > 0")
	}
	if c.Connection.MaxBufferedBytes <= 0 {
		return fmt.Errorf("connection.maxBufferedBytes must be > 0")
	}
	if c.GitMonitor.MaxConcurrency <= 0 {
		return fmt.Errorf("gitMonitor.maxConcurrency must be > 0")
	}
	switch c.Telemetry.IngestMode {
	case IngestLifecycleFull, IngestLifecycleFast:
	default:
		return fmt.Errorf("telemetry.ingestMode must be %s or %s",
			IngestLifecycleFull, IngestLifecycleFast)
	}
	return nil
}

// ResolveRuntimeRoot returns the directory holding persistent state,
// following XDG_CONFIG_HOME then HOME.
func (c *Config) ResolveRuntimeRoot() (string, error) {
	if c.RuntimeRoot != "" {
		return c.RuntimeRoot, nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentmux"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve runtime root: %w", err)
	}
	return filepath.Join(home, ".config", "agentmux"), nil
}

// StorePath returns the durable store file under the runtime root.
func StorePath(runtimeRoot string) string {
	return filepath.Join(runtimeRoot, "control-plane.db")
}
