// Package gitops manages the per-run git worktrees: creation with
// stale-registration recovery, commit inspection for resume decisions,
// and removal during cleanup.
package gitops

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// BranchPrefix namespaces all run branches.
const BranchPrefix = "adw/"

// Git runs git operations against the target repository and its
// per-run worktrees.
type Git struct {
	mu       sync.Mutex
	runner   CommandRunner
	repoPath string
}

// New creates a Git for the repository at repoPath.
func New(repoPath string) *Git {
	return &Git{runner: NewExecRunner(), repoPath: repoPath}
}

// NewWithRunner creates a Git with a custom command runner, for tests.
func NewWithRunner(repoPath string, runner CommandRunner) *Git {
	return &Git{runner: runner, repoPath: repoPath}
}

// BranchName returns the branch for a run.
func BranchName(runID string) string {
	return BranchPrefix + runID
}

func (g *Git) git(args ...string) (string, error) {
	return g.runner.Run(g.repoPath, "git", args...)
}

func (g *Git) gitIn(dir string, args ...string) (string, error) {
	return g.runner.Run(dir, "git", args...)
}

// CreateWorktree creates the run's worktree at worktreePath on a fresh
// branch off baseBranch. If the branch already exists (resumed run) the
// worktree is attached to it instead.
//
// If a stale worktree registration exists (directory deleted but git
// still tracks it), stale entries are pruned and the add is retried.
// The mutex serializes compound create attempts so two runs cannot
// prune under each other.
func (g *Git) CreateWorktree(runID, baseBranch, worktreePath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0755); err != nil {
		return fmt.Errorf("create worktree base dir: %w", err)
	}

	branch := BranchName(runID)

	if _, err := g.git("worktree", "add", "-b", branch, worktreePath, baseBranch); err == nil {
		return nil
	}
	if _, err := g.git("worktree", "add", worktreePath, branch); err == nil {
		return nil
	}

	_, _ = g.git("worktree", "prune")

	if _, err := g.git("worktree", "add", "-b", branch, worktreePath, baseBranch); err == nil {
		return nil
	}
	if _, err := g.git("worktree", "add", worktreePath, branch); err != nil {
		return fmt.Errorf("create worktree for %s: %w", runID, err)
	}
	return nil
}

// RemoveWorktree removes a run's worktree and prunes its registration.
// Removing an already-removed worktree succeeds.
func (g *Git) RemoveWorktree(worktreePath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if worktreePath == "" {
		return nil
	}

	if _, err := g.git("worktree", "remove", "--force", worktreePath); err != nil {
		if _, statErr := os.Stat(worktreePath); os.IsNotExist(statErr) {
			_, _ = g.git("worktree", "prune")
			return nil
		}
		// Fall back to manual removal plus prune for locked worktrees.
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("remove worktree %s: %w", worktreePath, err)
		}
		_, _ = g.git("worktree", "prune")
	}
	return nil
}

// PruneWorktrees removes stale worktree registrations. Safe to call at
// any time.
func (g *Git) PruneWorktrees() error {
	if _, err := g.git("worktree", "prune"); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}

// CommitsAhead counts commits on the run's branch that are not on
// baseBranch. Used by the idempotency gate to detect partial Build work
// after a crash.
func (g *Git) CommitsAhead(worktreePath, baseBranch string) (int, error) {
	out, err := g.gitIn(worktreePath, "rev-list", "--count", baseBranch+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("count commits ahead of %s: %w", baseBranch, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list output %q: %w", out, err)
	}
	return n, nil
}

// HeadCommit returns the worktree's HEAD SHA.
func (g *Git) HeadCommit(worktreePath string) (string, error) {
	out, err := g.gitIn(worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// BranchExists reports whether the run's branch exists in the repo.
func (g *Git) BranchExists(runID string) bool {
	_, err := g.git("rev-parse", "--verify", "refs/heads/"+BranchName(runID))
	return err == nil
}

// DeleteBranch removes the run's branch. Used by cleanup after a merge;
// a missing branch is not an error.
func (g *Git) DeleteBranch(runID string) error {
	if !g.BranchExists(runID) {
		return nil
	}
	if _, err := g.git("branch", "-D", BranchName(runID)); err != nil {
		return fmt.Errorf("delete branch %s: %w", BranchName(runID), err)
	}
	return nil
}

// Push pushes the run's branch to origin.
func (g *Git) Push(worktreePath, runID string) error {
	if _, err := g.gitIn(worktreePath, "push", "-u", "origin", BranchName(runID)); err != nil {
		return fmt.Errorf("push branch %s: %w", BranchName(runID), err)
	}
	return nil
}
