// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for relay.
//
// Configuration lives in TOML with sensible defaults, environment variable
// overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.relay/config.toml
//   - Built-in defaults
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/relay-tui/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete relay configuration.
type Config struct {
	Version string `toml:"version"`

	Stream   StreamConfig   `toml:"stream"`
	Batch    BatchConfig    `toml:"batch"`
	ToolCall ToolCallConfig `toml:"toolcall"`
	Session  SessionConfig  `toml:"session"`
	Scroll   ScrollConfig   `toml:"scroll"`
	Storage  StorageConfig  `toml:"storage"`
	Log      LogConfig      `toml:"log"`
}

// StreamConfig tunes the frame parser.
type StreamConfig struct {
	// MaxBufferMB caps the reassembly buffer; a stream that exceeds it is
	// discarded with a visible notice rather than growing without bound.
	MaxBufferMB int `toml:"max_buffer_mb"`
}

// BatchConfig tunes event coalescing.
type BatchConfig struct {
	// Size is how many events trigger an immediate flush.
	Size int `toml:"size"`
	// MaxDelayMS is the oldest age an event may reach before the next tick
	// flushes regardless of batch size.
	MaxDelayMS int `toml:"max_delay_ms"`
}

// ToolCallConfig tunes tool-call aggregation.
type ToolCallConfig struct {
	// CleanupDelaySec is how long settled calls stay in the active table.
	CleanupDelaySec int `toml:"cleanup_delay_sec"`
}

// SessionConfig tunes session switching and history sync.
type SessionConfig struct {
	PageSize      int `toml:"page_size"`
	RecentTail    int `toml:"recent_tail"`
	RetryAttempts int `toml:"retry_attempts"`
	RetryBaseMS   int `toml:"retry_base_ms"`
	ThrottleMS    int `toml:"throttle_ms"`
}

// ScrollConfig tunes the scroll-follow heuristic.
type ScrollConfig struct {
	BottomSlack int `toml:"bottom_slack"`
	DebounceMS  int `toml:"debounce_ms"`
}

// StorageConfig locates the session database.
type StorageConfig struct {
	// Path is the sqlite database file. Empty means <config dir>/relay.db.
	Path string `toml:"path"`
}

// LogConfig tunes the rotating log output.
type LogConfig struct {
	// Dir is the log directory. Empty means <config dir>/logs.
	Dir        string `toml:"dir"`
	Level      string `toml:"level"`  // debug, info, warn, error
	Format     string `toml:"format"` // text, json
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// =============================================================================
// DURATION ACCESSORS
// =============================================================================

func (b BatchConfig) MaxDelay() time.Duration      { return time.Duration(b.MaxDelayMS) * time.Millisecond }
func (t ToolCallConfig) CleanupDelay() time.Duration {
	return time.Duration(t.CleanupDelaySec) * time.Second
}
func (s SessionConfig) RetryBase() time.Duration { return time.Duration(s.RetryBaseMS) * time.Millisecond }
func (s SessionConfig) Throttle() time.Duration  { return time.Duration(s.ThrottleMS) * time.Millisecond }
func (s ScrollConfig) Debounce() time.Duration   { return time.Duration(s.DebounceMS) * time.Millisecond }

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a fully populated default configuration.
func Default() *Config {
	return &Config{
		Version: "1",
		Stream:  StreamConfig{MaxBufferMB: 10},
		Batch:   BatchConfig{Size: 10, MaxDelayMS: 16},
		ToolCall: ToolCallConfig{
			CleanupDelaySec: 30,
		},
		Session: SessionConfig{
			PageSize:      50,
			RecentTail:    20,
			RetryAttempts: 3,
			RetryBaseMS:   500,
			ThrottleMS:    100,
		},
		Scroll: ScrollConfig{
			BottomSlack: 3,
			DebounceMS:  1500,
		},
		Storage: StorageConfig{},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		},
	}
}

// =============================================================================
// CONFIG FILE PATHS
// =============================================================================

// ConfigDir returns the relay config directory (~/.relay).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".relay"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// DatabasePath resolves the storage path, falling back to the config dir.
func (c *Config) DatabasePath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "relay.db"), nil
}

// LogDir resolves the log directory, falling back to the config dir.
func (c *Config) LogDir() (string, error) {
	if c.Log.Dir != "" {
		return c.Log.Dir, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file, falling back to defaults
// when no file exists. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from an explicit TOML file.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration to a TOML file.
// SECURITY: Config files are written with 0600 permissions.
// RELIABILITY: Atomic write prevents a torn file on crash.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# relay configuration file")
	fmt.Fprintln(&buf, "# Generated by relay - edit with care")
	fmt.Fprintln(&buf, "")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// DEFAULTS AND VALIDATION
// =============================================================================

// SetDefaults fills zero or out-of-range fields with safe values.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Stream.MaxBufferMB <= 0 {
		c.Stream.MaxBufferMB = d.Stream.MaxBufferMB
	}
	if c.Batch.Size <= 0 {
		c.Batch.Size = d.Batch.Size
	}
	if c.Batch.MaxDelayMS <= 0 {
		c.Batch.MaxDelayMS = d.Batch.MaxDelayMS
	}
	if c.ToolCall.CleanupDelaySec <= 0 {
		c.ToolCall.CleanupDelaySec = d.ToolCall.CleanupDelaySec
	}
	if c.Session.PageSize <= 0 {
		c.Session.PageSize = d.Session.PageSize
	}
	if c.Session.RecentTail <= 0 {
		c.Session.RecentTail = d.Session.RecentTail
	}
	if c.Session.RetryAttempts <= 0 {
		c.Session.RetryAttempts = d.Session.RetryAttempts
	}
	if c.Session.RetryBaseMS <= 0 {
		c.Session.RetryBaseMS = d.Session.RetryBaseMS
	}
	if c.Session.ThrottleMS <= 0 {
		c.Session.ThrottleMS = d.Session.ThrottleMS
	}
	if c.Scroll.BottomSlack <= 0 {
		c.Scroll.BottomSlack = d.Scroll.BottomSlack
	}
	if c.Scroll.DebounceMS <= 0 {
		c.Scroll.DebounceMS = d.Scroll.DebounceMS
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = d.Log.MaxSizeMB
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = d.Log.MaxBackups
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = d.Log.MaxAgeDays
	}
}

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for values that would misbehave at
// runtime.
func (c *Config) Validate() error {
	if c.Stream.MaxBufferMB > 1024 {
		return ValidationError{"stream.max_buffer_mb", "must be at most 1024"}
	}
	if c.Batch.Size > 10000 {
		return ValidationError{"batch.size", "must be at most 10000"}
	}
	if c.Batch.MaxDelayMS > 1000 {
		return ValidationError{"batch.max_delay_ms", "must be at most 1000"}
	}
	if c.Session.PageSize > 1000 {
		return ValidationError{"session.page_size", "must be at most 1000"}
	}
	if c.Session.RecentTail > c.Session.PageSize {
		return ValidationError{"session.recent_tail", "must not exceed session.page_size"}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return ValidationError{"log.level", "must be one of debug, info, warn, error"}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return ValidationError{"log.format", "must be text or json"}
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies RELAY_* environment variables over the loaded
// values. Only a small operational subset is overridable.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RELAY_LOG_DIR"); v != "" {
		c.Log.Dir = v
	}
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("RELAY_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Batch.Size = n
		}
	}
	if v := os.Getenv("RELAY_SESSION_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Session.PageSize = n
		}
	}
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance, loading it on first
// access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfig = cfg
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
	return nil
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets global config state between test runs.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
