// Package config provides configuration management for adw.
package config

import (
	"fmt"
	"time"
)

const (
	// ConfigFileName is the default config file name
	ConfigFileName = "config.yaml"
	// AdwDir is the adw configuration directory
	AdwDir = ".adw"
)

// DatabaseConfig selects the coordination store.
type DatabaseConfig struct {
	// Dialect is "sqlite" or "postgres"
	Dialect string `yaml:"dialect"`
	// DSN is the file path for SQLite or a connection string for Postgres
	DSN string `yaml:"dsn"`
}

// WebhookConfig configures the signed HTTP intake.
type WebhookConfig struct {
	// Addr is the listen address for the gateway and hub
	Addr string `yaml:"addr"`
	// Secret is the shared HMAC-SHA256 secret; requests without a valid
	// X-Hub-Signature-256 header are rejected
	Secret string `yaml:"secret"`
	// DedupWindow is how long a webhook fingerprint suppresses replays
	DedupWindow time.Duration `yaml:"dedup_window"`
	// Retention is how long processed webhook rows are kept
	Retention time.Duration `yaml:"retention"`
}

// PortRange describes an inclusive port interval.
type PortRange struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	return r.End - r.Start + 1
}

// ResourceConfig configures the allocator.
type ResourceConfig struct {
	BackendPorts  PortRange `yaml:"backend_ports"`
	FrontendPorts PortRange `yaml:"frontend_ports"`
	// WorktreeBase is the directory under which per-run worktrees live
	WorktreeBase string `yaml:"worktree_base"`
	// StateDir holds per-run state documents and the port pool file
	StateDir string `yaml:"state_dir"`
}

// RetryConfig holds the escalation limits from the runner's cascading
// resolution and the orchestrator's retry policy.
type RetryConfig struct {
	// MaxPhaseRetryAttempts bounds orchestrator-level phase retries
	MaxPhaseRetryAttempts int `yaml:"max_phase_retry_attempts"`
	// MaxExternalAttempts bounds layer-1 external tool retries
	MaxExternalAttempts int `yaml:"max_external_attempts"`
	// MaxIdenticalErrorRepeats fires the looping circuit breaker
	MaxIdenticalErrorRepeats int `yaml:"max_identical_error_repeats"`
}

// AgentConfig configures the opaque agent subprocess.
type AgentConfig struct {
	// Command is the agent executable invoked for plan/build/repair work
	Command string `yaml:"command"`
	// Args are prepended to per-phase arguments
	Args []string `yaml:"args,omitempty"`
}

// VCSConfig configures the tracker/VCS port.
type VCSConfig struct {
	// Token authenticates against the hosting API (env ADW_VCS_TOKEN)
	Token string `yaml:"token,omitempty"`
	// BaseURL overrides the API endpoint for enterprise installs
	BaseURL string `yaml:"base_url,omitempty"`
	// Owner and Repo identify the target repository
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
	// BaseBranch is the merge target for shipped runs
	BaseBranch string `yaml:"base_branch"`
	// CommentOnFailure posts terminal failures to the originating issue
	CommentOnFailure bool `yaml:"comment_on_failure"`
	// RateLimitFloor is the minimum remaining core quota before bulk
	// calls wait for the reset window
	RateLimitFloor int `yaml:"rate_limit_floor"`
}

// CleanupConfig tunes the cleanup phase.
type CleanupConfig struct {
	// PreserveGlobs are doublestar patterns reported (not removed) in
	// the cleanup summary, e.g. "**/dist/**"
	PreserveGlobs []string `yaml:"preserve_globs,omitempty"`
}

// Config represents the adw configuration.
type Config struct {
	// Version is the config file version
	Version int `yaml:"version"`

	// RepoPath is the target repository the pipeline operates on
	RepoPath string `yaml:"repo_path"`

	Database  DatabaseConfig  `yaml:"database"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Resources ResourceConfig  `yaml:"resources"`
	Retry     RetryConfig     `yaml:"retry"`
	Agent     AgentConfig     `yaml:"agent"`
	VCS       VCSConfig       `yaml:"vcs"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`

	// MaxConcurrentRuns caps parallel runs across the worker pool
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// PhaseTimeout is the hard per-phase timeout
	PhaseTimeout time.Duration `yaml:"phase_timeout"`
	// PhaseTimeoutOverrides overrides the timeout for named phases
	PhaseTimeoutOverrides map[string]time.Duration `yaml:"phase_timeout_overrides,omitempty"`

	// HeartbeatInterval is how often running queue rows are stamped
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// StaleAfter is how old a heartbeat may be before a running row is
	// considered orphaned and reset to ready
	StaleAfter time.Duration `yaml:"stale_after"`

	// PollInterval is the orchestrator's queue polling interval
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version:  1,
		RepoPath: ".",
		Database: DatabaseConfig{
			Dialect: "sqlite",
			DSN:     ".adw/adw.db",
		},
		Webhook: WebhookConfig{
			Addr:        ":8787",
			DedupWindow: 30 * time.Second,
			Retention:   7 * 24 * time.Hour,
		},
		Resources: ResourceConfig{
			BackendPorts:  PortRange{Start: 9100, End: 9114},
			FrontendPorts: PortRange{Start: 9200, End: 9214},
			WorktreeBase:  ".adw/worktrees",
			StateDir:      "agents",
		},
		Retry: RetryConfig{
			MaxPhaseRetryAttempts:    3,
			MaxExternalAttempts:      3,
			MaxIdenticalErrorRepeats: 4,
		},
		Agent: AgentConfig{
			Command: "adw-agent",
		},
		VCS: VCSConfig{
			BaseBranch:       "main",
			CommentOnFailure: true,
			RateLimitFloor:   50,
		},
		MaxConcurrentRuns: 4,
		PhaseTimeout:      30 * time.Minute,
		HeartbeatInterval: 2 * time.Minute,
		StaleAfter:        5 * time.Minute,
		PollInterval:      2 * time.Second,
	}
}

// TimeoutFor returns the effective timeout for a phase.
func (c *Config) TimeoutFor(phase string) time.Duration {
	if d, ok := c.PhaseTimeoutOverrides[phase]; ok && d > 0 {
		return d
	}
	return c.PhaseTimeout
}

// Validate checks invariants that would otherwise surface as runtime
// failures deep inside the allocator or gateway.
func (c *Config) Validate() error {
	if c.Resources.BackendPorts.Size() != c.Resources.FrontendPorts.Size() {
		return fmt.Errorf("backend and frontend port ranges must be the same size (%d vs %d)",
			c.Resources.BackendPorts.Size(), c.Resources.FrontendPorts.Size())
	}
	if c.Resources.BackendPorts.Size() < 1 {
		return fmt.Errorf("backend port range is empty")
	}
	if c.MaxConcurrentRuns < 1 {
		return fmt.Errorf("max_concurrent_runs must be at least 1, got %d", c.MaxConcurrentRuns)
	}
	if c.Retry.MaxExternalAttempts < 1 {
		return fmt.Errorf("max_external_attempts must be at least 1, got %d", c.Retry.MaxExternalAttempts)
	}
	if c.Retry.MaxIdenticalErrorRepeats < 2 {
		return fmt.Errorf("max_identical_error_repeats must be at least 2, got %d", c.Retry.MaxIdenticalErrorRepeats)
	}
	switch c.Database.Dialect {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database dialect: %s", c.Database.Dialect)
	}
	return nil
}
