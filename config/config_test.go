package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PARLEY_API_KEY", "PARLEY_BASE_URL", "PARLEY_MODEL",
		"PARLEY_DATA_DIR", "PARLEY_DB", "PARLEY_LOG_LEVEL", "PARLEY_KEEPALIVE_MINUTES",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	t.Setenv("PARLEY_DATA_DIR", filepath.Join(dir, "data"))

	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err, "first run writes the defaults")

	assert.Equal(t, "https://api.anthropic.com", cfg.BaseURL)
	assert.Equal(t, "claude-sonnet-4-20250514", cfg.DefaultModel)
	assert.Equal(t, 4*time.Minute, cfg.KeepAliveInterval())
	assert.Equal(t, 5*time.Minute, cfg.ToolTimeout())
	assert.True(t, cfg.ToolsEnabled)

	_, err = os.Stat(cfg.DataDir())
	assert.NoError(t, err, "data directory is created")
}

func TestLoadReadsFileAndEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
api_key = "file-key"
default_model = "claude-haiku-3"
keepalive_minutes = 10
tools_enabled = false
tool_timeout_minutes = 2
database = "other.db"
data_directory = "` + filepath.Join(dir, "data") + `"
log_level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	t.Setenv("PARLEY_API_KEY", "env-key")
	t.Setenv("PARLEY_KEEPALIVE_MINUTES", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.APIKey, "environment wins over the file")
	assert.Equal(t, "claude-haiku-3", cfg.DefaultModel)
	assert.Equal(t, 7, cfg.KeepAliveMinutes)
	assert.False(t, cfg.ToolsEnabled)
	assert.Equal(t, "other.db", cfg.Database)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.ErrorIs(t, cfg.Validate(), ErrMissingCredential)

	cfg.APIKey = "k"
	assert.NoError(t, cfg.Validate())

	cfg.KeepAliveMinutes = 0
	assert.Error(t, cfg.Validate())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".local/share/parley"), ExpandPath("~/.local/share/parley"))
	assert.Equal(t, "/absolute/path", ExpandPath("/absolute/path"))
}
