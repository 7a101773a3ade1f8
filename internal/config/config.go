// Package config loads application configuration from an optional YAML
// file plus environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the process-level configuration. Anything the user can
// change at runtime (theme, autosave interval, reset time) lives in the
// encrypted settings document instead; this covers only what must be
// known before the storage root is unlocked.
type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	DataDir         string        `yaml:"data_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:      "127.0.0.1:8989",
		DataDir:         "",
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
	}
}

// Load reads configuration in layers: built-in defaults, then the YAML
// file at path (skipped when path is empty or the file does not exist),
// then environment variables. SHAKSHUKA_LISTEN_ADDR, SHAKSHUKA_DATA_DIR,
// SHAKSHUKA_SHUTDOWN_TIMEOUT, and SHAKSHUKA_LOG_LEVEL override the file.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: %s is not valid YAML: %w", path, err)
		}
	}

	if v, ok := os.LookupEnv("SHAKSHUKA_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("SHAKSHUKA_DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("SHAKSHUKA_SHUTDOWN_TIMEOUT"); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: SHAKSHUKA_SHUTDOWN_TIMEOUT has invalid duration %q: %w", v, err)
		}
		cfg.ShutdownTimeout = parsed
	}
	if v, ok := os.LookupEnv("SHAKSHUKA_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("config: log_level must be debug, info, warn, or error, got %q", cfg.LogLevel)
	}

	return cfg, nil
}
