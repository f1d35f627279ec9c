package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleclaude/internal/config"
)

// TestInitConfig_DefaultsMatchConfigPackage verifies that the viper
// defaults line up with config.Defaults, so a daemon started without a
// config file behaves like one started from a freshly written default
// file.
func TestInitConfig_DefaultsMatchConfigPackage(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	cfgFile = ""
	t.Cleanup(func() { cfgFile = ""; cfg = config.Config{} })

	initConfig()

	defaults := config.Defaults()
	assert.Equal(t, defaults.Queue.WorkerIdleTimeout, cfg.Queue.WorkerIdleTimeout)
	assert.Equal(t, defaults.Queue.Retention, cfg.Queue.Retention)
	assert.Equal(t, defaults.Mux.Binary, cfg.Mux.Binary)
	assert.Equal(t, defaults.SocketPath, cfg.SocketPath)
	assert.Equal(t, defaults.DBPath, cfg.DBPath)
}

// TestInitConfig_ReadsYAMLFile verifies a config file overrides defaults
// and that durations parse from their string forms.
func TestInitConfig_ReadsYAMLFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "computer_name: workstation\nqueue:\n  retention: 12h\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfgFile = path
	t.Cleanup(func() { cfgFile = ""; cfg = config.Config{} })

	initConfig()

	assert.Equal(t, "workstation", cfg.ComputerName)
	assert.Equal(t, 12*time.Hour, cfg.Queue.Retention)
}

// TestInitConfig_EnvOverride verifies the TELECLAUDE_ env prefix wins
// over file values.
func TestInitConfig_EnvOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("TELECLAUDE_COMPUTER_NAME", "from-env")
	cfgFile = ""
	t.Cleanup(func() { cfg = config.Config{} })

	initConfig()

	assert.Equal(t, "from-env", cfg.ComputerName)
}

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["daemon"], "daemon command missing")
	assert.True(t, names["sessions"], "sessions command missing")
	assert.True(t, names["init"], "init command missing")
	assert.True(t, names["peer:add"], "peer:add command missing")
}

// TestPeerAdd_WritesConfig verifies peer:add persists new and updated
// entries without clobbering existing ones.
func TestPeerAdd_WritesConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path,
		[]byte("computer_name: workstation\npeer:\n  peers:\n    - name: laptop\n      address: old:7600\n"), 0o600))

	cfgFile = path
	t.Cleanup(func() { cfgFile = ""; cfg = config.Config{} })
	initConfig()

	require.NoError(t, runPeerAdd(nil, []string{"laptop", "laptop.local:7600"}))
	require.NoError(t, runPeerAdd(nil, []string{"buildbox", "10.0.0.5:7600"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "laptop.local:7600")
	assert.NotContains(t, text, "old:7600")
	assert.Contains(t, text, "buildbox")
	assert.Contains(t, text, "computer_name: workstation")
}

func TestConfigFilePath_PrefersFlag(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfgFile = "/tmp/custom.yaml"
	t.Cleanup(func() { cfgFile = "" })

	assert.Equal(t, "/tmp/custom.yaml", configFilePath())
}
