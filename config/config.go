// Package config loads the TOML settings file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrMissingCredential is returned by Validate when no API key is
// configured. Fatal at startup.
var ErrMissingCredential = errors.New("api key is not configured")

// Config is the full settings surface. Every field can be set in the TOML
// file; a subset can be overridden from the environment.
type Config struct {
	APIKey             string `toml:"api_key"`
	BaseURL            string `toml:"base_url"`
	DefaultModel       string `toml:"default_model"`
	SystemPrompt       string `toml:"system_prompt,omitempty"`
	KeepAliveMinutes   int    `toml:"keepalive_minutes"`
	ToolsEnabled       bool   `toml:"tools_enabled"`
	ToolTimeoutMinutes int    `toml:"tool_timeout_minutes"`
	Thinking           bool   `toml:"thinking"`
	Database           string `toml:"database"`
	DataDirectory      string `toml:"data_directory"`
	LogLevel           string `toml:"log_level"`

	MCP []MCPPlugin `toml:"mcp"`
}

// MCPPlugin describes one external tool server started over stdio.
type MCPPlugin struct {
	Name    string   `toml:"name"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Env     []string `toml:"env"`
}

// Default returns the baseline configuration written on first run.
func Default() Config {
	return Config{
		BaseURL:            "https://api.anthropic.com",
		DefaultModel:       "claude-sonnet-4-20250514",
		KeepAliveMinutes:   4,
		ToolsEnabled:       true,
		ToolTimeoutMinutes: 5,
		Database:           "parley.db",
		DataDirectory:      "~/.local/share/parley",
		LogLevel:           "info",
	}
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "parley", "config.toml")
	}
	return ExpandPath("~/.config/parley/config.toml")
}

// Load reads the settings file, creating it with defaults on first run,
// then applies environment overrides and prepares the data directory.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path, cfg); err != nil {
			return nil, err
		}
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := os.MkdirAll(cfg.DataDir(), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &cfg, nil
}

func writeDefault(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to write defaults: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("PARLEY_API_KEY"); key != "" {
		c.APIKey = key
	}
	if url := os.Getenv("PARLEY_BASE_URL"); url != "" {
		c.BaseURL = url
	}
	if m := os.Getenv("PARLEY_MODEL"); m != "" {
		c.DefaultModel = m
	}
	if dir := os.Getenv("PARLEY_DATA_DIR"); dir != "" {
		c.DataDirectory = dir
	}
	if db := os.Getenv("PARLEY_DB"); db != "" {
		c.Database = db
	}
	if lvl := os.Getenv("PARLEY_LOG_LEVEL"); lvl != "" {
		c.LogLevel = lvl
	}
	if mins := os.Getenv("PARLEY_KEEPALIVE_MINUTES"); mins != "" {
		if n, err := strconv.Atoi(mins); err == nil && n > 0 {
			c.KeepAliveMinutes = n
		}
	}
}

// Validate checks the settings a session cannot start without.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingCredential
	}
	if c.DefaultModel == "" {
		return errors.New("default model is not configured")
	}
	if c.KeepAliveMinutes <= 0 {
		return errors.New("keepalive_minutes must be positive")
	}
	if c.ToolTimeoutMinutes <= 0 {
		return errors.New("tool_timeout_minutes must be positive")
	}
	return nil
}

// DataDir returns the data directory with a leading ~ expanded.
func (c *Config) DataDir() string {
	return ExpandPath(c.DataDirectory)
}

// KeepAliveInterval returns the timer interval.
func (c *Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAliveMinutes) * time.Minute
}

// ToolTimeout returns the pair-buffer expiry.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutMinutes) * time.Minute
}

// ExpandPath resolves a leading ~ against the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
