// Package config provides configuration types and defaults for teleclaude.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"teleclaude/internal/log"
)

// Config holds all configuration options for the daemon.
type Config struct {
	ComputerName   string               `mapstructure:"computer_name"`
	StateDir       string               `mapstructure:"state_dir"`
	SocketPath     string               `mapstructure:"socket_path"`
	DBPath         string               `mapstructure:"db_path"`
	Queue          QueueConfig          `mapstructure:"queue"`
	Mux            MuxConfig            `mapstructure:"mux"`
	Adapters       AdaptersConfig       `mapstructure:"adapters"`
	Peer           PeerConfig           `mapstructure:"peer"`
	Transcriber    TranscriberConfig    `mapstructure:"transcriber"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
	Todos          TodosConfig          `mapstructure:"todos"`
	PrepareQuality PrepareQualityConfig `mapstructure:"prepare_quality"`
}

// QueueConfig holds inbound and outbound queue tuning.
type QueueConfig struct {
	BackoffBase     time.Duration `mapstructure:"backoff_base"`      // first retry delay
	BackoffCap      time.Duration `mapstructure:"backoff_cap"`       // retry delay ceiling
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`      // claim considered stale after this
	Retention       time.Duration `mapstructure:"retention"`         // terminal rows kept this long
	FetchLimit      int           `mapstructure:"fetch_limit"`       // rows per worker fetch
	InitGateTimeout time.Duration `mapstructure:"init_gate_timeout"` // wait for initializing sessions
	MaxAttempts     int           `mapstructure:"max_attempts"`      // retry budget before a row expires
}

// MuxConfig holds terminal multiplexer settings.
type MuxConfig struct {
	Binary        string        `mapstructure:"binary"`         // multiplexer executable, "tmux"
	SessionPrefix string        `mapstructure:"session_prefix"` // prefix for managed session names
	PollInterval  time.Duration `mapstructure:"poll_interval"`  // pane capture poll cadence
	CaptureLines  int           `mapstructure:"capture_lines"`  // lines per pane capture
	GuardDir      string        `mapstructure:"guard_dir"`      // PATH shim directory; empty = <state_dir>/guard
}

// AdaptersConfig holds per-transport adapter settings.
type AdaptersConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	WebUI    WebUIConfig    `mapstructure:"webui"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Token         string `mapstructure:"token"`
	ChatID        int64  `mapstructure:"chat_id"`        // group chat the bot serves
	WebhookAddr   string `mapstructure:"webhook_addr"`   // empty = long polling
	WebhookSecret string `mapstructure:"webhook_secret"` // generated on first run when webhooks are on
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Token     string `mapstructure:"token"`
	ChannelID string `mapstructure:"channel_id"` // channel the bot serves
}

// WebUIConfig holds the local websocket UI settings.
type WebUIConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// PeerEntry names a remote daemon this one may relay to.
type PeerEntry struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
}

// PeerConfig holds computer-to-computer relay settings.
type PeerConfig struct {
	ListenAddr string      `mapstructure:"listen_addr"` // empty = peer listener off
	Peers      []PeerEntry `mapstructure:"peers"`
}

// TranscriberConfig holds voice message transcription settings.
type TranscriberConfig struct {
	Command string        `mapstructure:"command"` // e.g. "whisper --output_format txt"; empty = placeholder text
	Timeout time.Duration `mapstructure:"timeout"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.config/teleclaude/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// TodosConfig holds todo catalog settings.
type TodosConfig struct {
	CatalogDir string `mapstructure:"catalog_dir"` // empty = <state_dir>/todos
}

// PrepareQualityConfig holds the prepare-quality pipeline cartridge settings.
type PrepareQualityConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	MinScore  float64 `mapstructure:"min_score"`  // plans scoring below this stay unresolved
	ReportDir string  `mapstructure:"report_dir"` // empty = <state_dir>/reports
}

// DefaultStateDir returns the default daemon state directory.
// Returns ~/.teleclaude or empty string if home dir unavailable.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".teleclaude")
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/teleclaude/traces/traces.jsonl or empty string if home
// dir unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "teleclaude", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	stateDir := DefaultStateDir()
	return Config{
		ComputerName: hostname,
		StateDir:     stateDir,
		SocketPath:   filepath.Join(stateDir, "daemon.sock"),
		DBPath:       filepath.Join(stateDir, "teleclaude.db"),
		Queue: QueueConfig{
			BackoffBase:     2 * time.Second,
			BackoffCap:      300 * time.Second,
			LockTimeout:     5 * time.Minute,
			Retention:       72 * time.Hour,
			FetchLimit:      10,
			InitGateTimeout: 15 * time.Second,
			MaxAttempts:     10,
		},
		Mux: MuxConfig{
			Binary:        "tmux",
			SessionPrefix: "tc-",
			PollInterval:  2 * time.Second,
			CaptureLines:  200,
		},
		Adapters: AdaptersConfig{
			WebUI: WebUIConfig{
				ListenAddr: "127.0.0.1:7680",
			},
		},
		Transcriber: TranscriberConfig{
			Timeout: 60 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		PrepareQuality: PrepareQualityConfig{
			Enabled:  true,
			MinScore: 0.6,
		},
	}
}

// Validate checks the full configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func Validate(cfg Config) error {
	if cfg.ComputerName == "" {
		return fmt.Errorf("computer_name is required (hostname detection failed; set it explicitly)")
	}
	if err := ValidateQueue(cfg.Queue); err != nil {
		return err
	}
	if err := ValidateMux(cfg.Mux); err != nil {
		return err
	}
	if err := ValidateAdapters(cfg.Adapters); err != nil {
		return err
	}
	if err := ValidatePeer(cfg.Peer); err != nil {
		return err
	}
	if err := ValidateTracing(cfg.Tracing); err != nil {
		return err
	}
	if err := ValidatePrepareQuality(cfg.PrepareQuality); err != nil {
		return err
	}
	return nil
}

// ValidateQueue checks queue tuning for errors.
func ValidateQueue(q QueueConfig) error {
	if q.BackoffBase <= 0 {
		return fmt.Errorf("queue.backoff_base must be positive, got %v", q.BackoffBase)
	}
	if q.BackoffCap < q.BackoffBase {
		return fmt.Errorf("queue.backoff_cap (%v) must be at least queue.backoff_base (%v)", q.BackoffCap, q.BackoffBase)
	}
	if q.LockTimeout <= 0 {
		return fmt.Errorf("queue.lock_timeout must be positive, got %v", q.LockTimeout)
	}
	if q.Retention <= 0 {
		return fmt.Errorf("queue.retention must be positive, got %v", q.Retention)
	}
	if q.FetchLimit <= 0 {
		return fmt.Errorf("queue.fetch_limit must be positive, got %d", q.FetchLimit)
	}
	if q.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive, got %d", q.MaxAttempts)
	}
	return nil
}

// ValidateMux checks multiplexer settings for errors.
func ValidateMux(m MuxConfig) error {
	if m.Binary == "" {
		return fmt.Errorf("mux.binary is required")
	}
	if m.SessionPrefix == "" {
		return fmt.Errorf("mux.session_prefix is required")
	}
	if m.PollInterval <= 0 {
		return fmt.Errorf("mux.poll_interval must be positive, got %v", m.PollInterval)
	}
	if m.CaptureLines <= 0 {
		return fmt.Errorf("mux.capture_lines must be positive, got %d", m.CaptureLines)
	}
	return nil
}

// ValidateAdapters checks adapter settings for errors.
func ValidateAdapters(a AdaptersConfig) error {
	if a.Telegram.Enabled && a.Telegram.Token == "" {
		return fmt.Errorf("adapters.telegram.token is required when adapters.telegram.enabled is true")
	}
	if a.Telegram.Enabled && a.Telegram.ChatID == 0 {
		return fmt.Errorf("adapters.telegram.chat_id is required when adapters.telegram.enabled is true")
	}
	if a.Discord.Enabled && a.Discord.Token == "" {
		return fmt.Errorf("adapters.discord.token is required when adapters.discord.enabled is true")
	}
	if a.Discord.Enabled && a.Discord.ChannelID == "" {
		return fmt.Errorf("adapters.discord.channel_id is required when adapters.discord.enabled is true")
	}
	if a.WebUI.Enabled && a.WebUI.ListenAddr == "" {
		return fmt.Errorf("adapters.webui.listen_addr is required when adapters.webui.enabled is true")
	}
	return nil
}

// ValidatePeer checks peer relay settings for errors.
func ValidatePeer(p PeerConfig) error {
	seen := make(map[string]bool, len(p.Peers))
	for i, peer := range p.Peers {
		if peer.Name == "" {
			return fmt.Errorf("peer.peers[%d]: name is required", i)
		}
		if peer.Address == "" {
			return fmt.Errorf("peer.peers[%d] (%s): address is required", i, peer.Name)
		}
		if seen[peer.Name] {
			return fmt.Errorf("peer.peers[%d]: duplicate peer name %q", i, peer.Name)
		}
		seen[peer.Name] = true
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// ValidatePrepareQuality checks prepare-quality settings for errors.
func ValidatePrepareQuality(pq PrepareQualityConfig) error {
	if pq.MinScore < 0.0 || pq.MinScore > 1.0 {
		return fmt.Errorf("prepare_quality.min_score must be between 0.0 and 1.0, got %v", pq.MinScore)
	}
	return nil
}

// GuardDirOrDefault returns the configured guard dir or <state_dir>/guard.
func (c Config) GuardDirOrDefault() string {
	if c.Mux.GuardDir != "" {
		return c.Mux.GuardDir
	}
	return filepath.Join(c.StateDir, "guard")
}

// RunDir returns the directory holding per-session run files. The launcher
// writes `<mux_name>.session-id` here; agents read it back for the
// Caller-Session-Id header.
func (c Config) RunDir() string {
	return filepath.Join(c.StateDir, "run")
}

// SessionSinkDir returns the directory an agent writes its output log into.
func (c Config) SessionSinkDir(sessionID string) string {
	return filepath.Join(c.StateDir, "sessions", sessionID)
}

// CatalogDirOrDefault returns the configured todo catalog dir or
// <state_dir>/todos.
func (c Config) CatalogDirOrDefault() string {
	if c.Todos.CatalogDir != "" {
		return c.Todos.CatalogDir
	}
	return filepath.Join(c.StateDir, "todos")
}

// ReportDirOrDefault returns the configured report dir or <state_dir>/reports.
func (c Config) ReportDirOrDefault() string {
	if c.PrepareQuality.ReportDir != "" {
		return c.PrepareQuality.ReportDir
	}
	return filepath.Join(c.StateDir, "reports")
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# TeleClaude Configuration

# Name this computer announces to the fleet (default: hostname)
# computer_name: workstation

# Daemon state directory (database, socket, guard shims, reports)
# state_dir: ~/.teleclaude

# Override individual paths (defaults derive from state_dir)
# socket_path: ~/.teleclaude/daemon.sock
# db_path: ~/.teleclaude/teleclaude.db

# Inbound/outbound queue tuning
queue:
  backoff_base: 2s       # first retry delay; doubles per attempt
  backoff_cap: 300s      # retry delay ceiling
  lock_timeout: 5m       # redeliver messages claimed longer than this
  retention: 72h         # drop delivered/failed/expired rows after this
  fetch_limit: 10        # rows fetched per worker pass
  init_gate_timeout: 15s # wait for an initializing session before retrying
  max_attempts: 10       # deliveries past this budget expire the row

# Terminal multiplexer
mux:
  binary: tmux
  session_prefix: tc-
  poll_interval: 2s      # pane capture cadence for observed sessions
  capture_lines: 200
  # guard_dir: ~/.teleclaude/guard

# Chat transports
adapters:
  telegram:
    enabled: false
    # token: "123456:ABC..."
    # chat_id: -1001234567890   # group chat the bot serves
    # Webhook mode (leave webhook_addr unset for long polling):
    # webhook_addr: ":8443"
    # webhook_secret is generated on first run when webhooks are enabled
  discord:
    enabled: false
    # token: "Bot abc..."
    # channel_id: "112233445566778899"
  webui:
    enabled: false
    listen_addr: "127.0.0.1:7680"

# Computer-to-computer relay
# peer:
#   listen_addr: ":7433"
#   peers:
#     - name: laptop
#       address: "10.0.0.12:7433"

# Voice message transcription (command receives the audio file path as $1)
# transcriber:
#   command: "whisper-cli --output txt"
#   timeout: 60s

# Distributed tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/teleclaude/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)

# Todo catalog location
# todos:
#   catalog_dir: ~/.teleclaude/todos

# Plan quality gate for todo.plan.written events
prepare_quality:
  enabled: true
  min_score: 0.6
  # report_dir: ~/.teleclaude/reports
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
