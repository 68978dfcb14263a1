package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/devflowhq/adw/internal/agent"
	"github.com/devflowhq/adw/internal/alloc"
	"github.com/devflowhq/adw/internal/config"
	"github.com/devflowhq/adw/internal/db"
	"github.com/devflowhq/adw/internal/db/driver"
	"github.com/devflowhq/adw/internal/events"
	"github.com/devflowhq/adw/internal/gitops"
	"github.com/devflowhq/adw/internal/history"
	"github.com/devflowhq/adw/internal/orchestrator"
	"github.com/devflowhq/adw/internal/queue"
	"github.com/devflowhq/adw/internal/runner"
	"github.com/devflowhq/adw/internal/runstate"
	"github.com/devflowhq/adw/internal/vcs"
)

// runtime bundles the wired components a command operates on.
type runtime struct {
	cfg       *config.Config
	db        *db.DB
	queue     *queue.Queue
	states    *runstate.Store
	allocator *alloc.Allocator
	provider  vcs.Provider
	publisher events.Publisher
	runner    *runner.Runner
	orch      *orchestrator.Orchestrator
	history   *history.Recorder
	logger    *slog.Logger
}

// buildRuntime wires the full component graph from configuration.
func buildRuntime(logger *slog.Logger) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	dialect, err := driver.ParseDialect(cfg.Database.Dialect)
	if err != nil {
		return nil, err
	}
	database, err := db.OpenWithDialect(cfg.Database.DSN, dialect)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	q := queue.New(database)
	states := runstate.NewStore(cfg.Resources.StateDir)

	allocator, err := alloc.New(
		filepath.Join(cfg.Resources.StateDir, "port_allocations.json"),
		cfg.Resources.WorktreeBase,
		cfg.Resources.BackendPorts, cfg.Resources.FrontendPorts)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	var provider vcs.Provider
	if cfg.VCS.Token != "" {
		provider, err = vcs.NewGitHubProvider(cfg.VCS)
		if err != nil {
			_ = database.Close()
			return nil, err
		}
	} else {
		logger.Warn("no VCS token configured; review, ship, and verify phases will fail")
	}

	publisher := events.NewMemoryPublisher()
	git := gitops.New(cfg.RepoPath)
	agentRunner := agent.NewRunner(cfg.Agent, logger)

	r := runner.New(cfg, q, states, allocator, agentRunner, git, provider, publisher, logger)
	orch := orchestrator.New(cfg, q, r, allocator, provider, publisher, logger)
	recorder := history.NewRecorder(database, q, states, publisher, logger)

	return &runtime{
		cfg:       cfg,
		db:        database,
		queue:     q,
		states:    states,
		allocator: allocator,
		provider:  provider,
		publisher: publisher,
		runner:    r,
		orch:      orch,
		history:   recorder,
		logger:    logger,
	}, nil
}

// Close releases the runtime's resources.
func (rt *runtime) Close() {
	rt.publisher.Close()
	if err := rt.db.Close(); err != nil {
		rt.logger.Warn("database close failed", "error", err)
	}
}
