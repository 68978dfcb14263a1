package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration with the standard layering. Later sources
// override earlier ones:
//
//  1. Built-in defaults
//  2. User config (~/.adw/config.yaml) - optional
//  3. Project config (.adw/config.yaml) - optional
//  4. Environment variables (ADW_*)
func Load() (*Config, error) {
	cfg := Default()

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, AdwDir, ConfigFileName)
		if _, err := os.Stat(userPath); err == nil {
			if err := mergeFromFile(cfg, userPath); err != nil {
				slog.Warn("failed to load user config", "path", userPath, "error", err)
			}
		}
	}

	projectPath := filepath.Join(AdwDir, ConfigFileName)
	if _, err := os.Stat(projectPath); err == nil {
		if err := mergeFromFile(cfg, projectPath); err != nil {
			return nil, err // project config errors are fatal
		}
	}

	ApplyEnvVars(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFile loads configuration from an explicit path over defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := mergeFromFile(cfg, path); err != nil {
		return nil, err
	}
	ApplyEnvVars(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// mergeFromFile decodes a YAML file over the current config values.
func mergeFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnvVars applies ADW_* environment overrides for the operational
// knobs that deployments most often tune without a config file.
func ApplyEnvVars(cfg *Config) {
	if v := os.Getenv("ADW_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("ADW_WEBHOOK_ADDR"); v != "" {
		cfg.Webhook.Addr = v
	}
	if v := os.Getenv("ADW_VCS_TOKEN"); v != "" {
		cfg.VCS.Token = v
	}
	if v := os.Getenv("ADW_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("ADW_DB_DIALECT"); v != "" {
		cfg.Database.Dialect = v
	}
	if v := os.Getenv("ADW_WORKTREE_BASE"); v != "" {
		cfg.Resources.WorktreeBase = v
	}
	if n, ok := envInt("ADW_MAX_CONCURRENT_RUNS"); ok {
		cfg.MaxConcurrentRuns = n
	}
	if n, ok := envInt("ADW_MAX_PHASE_RETRY_ATTEMPTS"); ok {
		cfg.Retry.MaxPhaseRetryAttempts = n
	}
	if n, ok := envInt("ADW_MAX_EXTERNAL_ATTEMPTS"); ok {
		cfg.Retry.MaxExternalAttempts = n
	}
	if n, ok := envInt("ADW_MAX_IDENTICAL_ERROR_REPEATS"); ok {
		cfg.Retry.MaxIdenticalErrorRepeats = n
	}
	if d, ok := envDuration("ADW_PHASE_TIMEOUT"); ok {
		cfg.PhaseTimeout = d
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-integer environment override", "var", name, "value", v)
		return 0, false
	}
	return n, true
}

func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("ignoring malformed duration override", "var", name, "value", v)
		return 0, false
	}
	return d, true
}
