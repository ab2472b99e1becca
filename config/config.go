// Package config provides configuration for the synchronization subsystem.
// Values resolve in three layers: built-in defaults, an optional YAML file,
// then RESYNC_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds subsystem configuration.
type Config struct {
	// DBPath is the sqlite database file path.
	DBPath string `yaml:"db_path"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogPretty enables console output for development.
	LogPretty bool `yaml:"log_pretty"`
	// MaxHistorySize caps the retained change operations per resource.
	MaxHistorySize int `yaml:"max_history_size"`
	// TrackingEnabled toggles change recording.
	TrackingEnabled bool `yaml:"tracking_enabled"`
	// ConflictWindowMs is the concurrent-edit window in milliseconds.
	ConflictWindowMs int64 `yaml:"conflict_window_ms"`
	// WatchDebounceMs is the filesystem watch quiet period in milliseconds.
	WatchDebounceMs int64 `yaml:"watch_debounce_ms"`
	// ScopeFile is an optional YAML file of include/exclude patterns.
	ScopeFile string `yaml:"scope_file"`
	// DefaultStrategy is the merge strategy used when none is given.
	DefaultStrategy string `yaml:"default_strategy"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DBPath:           "./resync.db",
		LogLevel:         "info",
		MaxHistorySize:   100,
		TrackingEnabled:  true,
		ConflictWindowMs: 1000,
		WatchDebounceMs:  250,
		DefaultStrategy:  "three-way",
	}
}

// FromEnv creates a Config from defaults and environment variables.
func FromEnv() *Config {
	return applyEnv(Default())
}

// Load reads a YAML config file and applies environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return applyEnv(cfg), nil
}

// LoadOrEnv loads the file when it exists, otherwise falls back to FromEnv.
func LoadOrEnv(path string) (*Config, error) {
	if path == "" {
		return FromEnv(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return FromEnv(), nil
	}
	return Load(path)
}

// Validate checks the configuration for values no component will accept.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %s", c.LogLevel)
	}
	if c.MaxHistorySize < 0 {
		return fmt.Errorf("max history size must not be negative: %d", c.MaxHistorySize)
	}
	if c.ConflictWindowMs < 0 {
		return fmt.Errorf("conflict window must not be negative: %d", c.ConflictWindowMs)
	}
	if c.WatchDebounceMs < 0 {
		return fmt.Errorf("watch debounce must not be negative: %d", c.WatchDebounceMs)
	}
	return nil
}

func applyEnv(cfg *Config) *Config {
	cfg.DBPath = getEnv("RESYNC_DB", cfg.DBPath)
	cfg.LogLevel = getEnv("RESYNC_LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = getEnvBool("RESYNC_LOG_PRETTY", cfg.LogPretty)
	cfg.MaxHistorySize = getEnvInt("RESYNC_MAX_HISTORY", cfg.MaxHistorySize)
	cfg.TrackingEnabled = getEnvBool("RESYNC_TRACKING", cfg.TrackingEnabled)
	cfg.ConflictWindowMs = getEnvInt64("RESYNC_CONFLICT_WINDOW_MS", cfg.ConflictWindowMs)
	cfg.WatchDebounceMs = getEnvInt64("RESYNC_WATCH_DEBOUNCE_MS", cfg.WatchDebounceMs)
	cfg.ScopeFile = getEnv("RESYNC_SCOPE_FILE", cfg.ScopeFile)
	cfg.DefaultStrategy = getEnv("RESYNC_DEFAULT_STRATEGY", cfg.DefaultStrategy)
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}
