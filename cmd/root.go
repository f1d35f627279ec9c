package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"teleclaude/internal/config"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "teleclaude",
	Short: "Chat-driven AI agent sessions in tmux",
	Long: `TeleClaude runs AI agent sessions inside a terminal multiplexer and
bridges them to chat platforms. The daemon owns the sessions, the durable
message queues, and the control plane socket; agents and tools talk back
through the same socket.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/teleclaude/config.yaml)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("computer_name", defaults.ComputerName)
	viper.SetDefault("state_dir", defaults.StateDir)
	viper.SetDefault("socket_path", defaults.SocketPath)
	viper.SetDefault("db_path", defaults.DBPath)
	viper.SetDefault("queue.backoff_base", defaults.Queue.BackoffBase)
	viper.SetDefault("queue.backoff_cap", defaults.Queue.BackoffCap)
	viper.SetDefault("queue.lock_timeout", defaults.Queue.LockTimeout)
	viper.SetDefault("queue.retention", defaults.Queue.Retention)
	viper.SetDefault("queue.fetch_limit", defaults.Queue.FetchLimit)
	viper.SetDefault("queue.init_gate_timeout", defaults.Queue.InitGateTimeout)
	viper.SetDefault("queue.max_attempts", defaults.Queue.MaxAttempts)
	viper.SetDefault("mux.binary", defaults.Mux.Binary)
	viper.SetDefault("mux.session_prefix", defaults.Mux.SessionPrefix)
	viper.SetDefault("mux.poll_interval", defaults.Mux.PollInterval)
	viper.SetDefault("mux.capture_lines", defaults.Mux.CaptureLines)
	viper.SetDefault("adapters.webui.listen_addr", defaults.Adapters.WebUI.ListenAddr)
	viper.SetDefault("transcriber.timeout", defaults.Transcriber.Timeout)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("prepare_quality.enabled", defaults.PrepareQuality.Enabled)
	viper.SetDefault("prepare_quality.min_score", defaults.PrepareQuality.MinScore)

	viper.SetEnvPrefix("TELECLAUDE")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "teleclaude"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// A missing config file is fine; defaults and env cover everything.
	_ = viper.ReadInConfig()
	_ = viper.Unmarshal(&cfg)
}

// configFilePath reports the config file in use, falling back to the
// default location so generated values have somewhere to land.
func configFilePath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	if cfgFile != "" {
		return cfgFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "teleclaude", "config.yaml")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
