package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/devflowhq/adw/internal/adwerrors"
	"github.com/devflowhq/adw/internal/agent"
	"github.com/devflowhq/adw/internal/events"
	"github.com/devflowhq/adw/internal/gitops"
	"github.com/devflowhq/adw/internal/phase"
	"github.com/devflowhq/adw/internal/runstate"
	"github.com/devflowhq/adw/internal/vcs"
)

// phaseFunc is one phase's work: it returns the state document fields
// to record on success.
type phaseFunc func(ctx context.Context, rc *runContext, decision Decision) (map[string]any, error)

func (r *Runner) phaseFunc(num phase.Number) (phaseFunc, bool) {
	switch num {
	case phase.Plan:
		return r.runPlan, true
	case phase.Validate:
		return r.runValidate, true
	case phase.Build:
		return r.runBuild, true
	case phase.Lint:
		return r.runLint, true
	case phase.Test:
		return r.runTest, true
	case phase.Review:
		return r.runReview, true
	case phase.Document:
		return r.runDocument, true
	case phase.Ship:
		return r.runShip, true
	case phase.Cleanup:
		return r.runCleanup, true
	case phase.Verify:
		return r.runVerify, true
	}
	return nil, false
}

// runAgent invokes the agent and folds its cost report into the phase
// context, whether or not the invocation succeeded.
func (r *Runner) runAgent(ctx context.Context, rc *runContext, inv agent.Invocation) (*agent.Result, error) {
	result, err := r.agent.Run(ctx, inv)
	if result != nil {
		rc.cost = rc.cost.Add(result.Cost)
	}
	return result, err
}

// portEnv renders the run's port assignment for agent subprocesses.
func portEnv(doc runstate.Document) []string {
	env := []string{}
	if p, ok := doc.Int(runstate.FieldBackendPort); ok {
		env = append(env, "ADW_BACKEND_PORT="+strconv.Itoa(p))
	}
	if p, ok := doc.Int(runstate.FieldFrontendPort); ok {
		env = append(env, "ADW_FRONTEND_PORT="+strconv.Itoa(p))
	}
	return env
}

// runPlan allocates resources, prepares the worktree, classifies the
// issue, and has the agent generate the implementation plan.
func (r *Runner) runPlan(ctx context.Context, rc *runContext, decision Decision) (map[string]any, error) {
	runID := rc.entry.RunID

	lease, err := r.allocator.Allocate(runID)
	if err != nil {
		return nil, err
	}
	r.publisher.Publish(events.New(events.EventResource, runID, events.ResourceUpdate{
		Action:       "allocated",
		BackendPort:  lease.BackendPort,
		FrontendPort: lease.FrontendPort,
		WorktreePath: lease.WorktreePath,
	}))

	if !decision.ReuseWorktree {
		if err := r.git.CreateWorktree(runID, r.cfg.VCS.BaseBranch, lease.WorktreePath); err != nil {
			return nil, adwerrors.Wrap(adwerrors.KindExternalToolFailure, "prepare worktree", err)
		}
	} else {
		rc.log.Info("reusing worktree from previous attempt", "path", lease.WorktreePath)
	}

	issueClass := rc.doc.String(runstate.FieldIssueClass)
	issueID, hasIssue := rc.doc.Int("issue_id")
	if issueClass == "" {
		issueClass = phase.ClassFeature
		if hasIssue && r.provider != nil {
			if issue, err := r.provider.GetIssue(ctx, issueID); err == nil {
				issueClass = phase.ClassifyIssue(issue.Title + "\n" + issue.Body)
			} else {
				rc.log.Warn("could not fetch issue for classification", "issue", issueID, "error", err)
			}
		}
	}

	template := rc.doc.String(runstate.FieldWorkflowTemplate)
	if template == "" {
		template = string(phase.TemplateForClass(issueClass))
	}

	planPath := filepath.Join(lease.WorktreePath, ".adw", "plan.md")
	if err := os.MkdirAll(filepath.Dir(planPath), 0755); err != nil {
		return nil, fmt.Errorf("create plan dir: %w", err)
	}

	args := []string{"--output", planPath, "--class", issueClass}
	if hasIssue {
		args = append(args, "--issue", strconv.Itoa(issueID))
	}
	if _, err := r.runAgent(ctx, rc, agent.Invocation{
		Mode:  "plan",
		RunID: runID,
		Dir:   lease.WorktreePath,
		Args:  args,
		Env:   portEnv(rc.doc),
	}); err != nil {
		return nil, err
	}

	r.publisher.Publish(events.New(events.EventPlan, runID, events.PlanUpdate{
		PlanFilePath: planPath,
		IssueClass:   issueClass,
	}))

	return map[string]any{
		"run_id":                        runID,
		runstate.FieldPlanFilePath:      planPath,
		runstate.FieldBranchName:        gitops.BranchName(runID),
		runstate.FieldWorktreePath:      lease.WorktreePath,
		runstate.FieldBackendPort:       lease.BackendPort,
		runstate.FieldFrontendPort:      lease.FrontendPort,
		runstate.FieldIssueClass:        issueClass,
		runstate.FieldWorkflowTemplate:  template,
	}, nil
}

// runValidate records the baseline error state of the worktree. It
// never fails: an agent error becomes part of the baseline record.
func (r *Runner) runValidate(ctx context.Context, rc *runContext, _ Decision) (map[string]any, error) {
	baseline := map[string]any{}
	result, err := r.runAgent(ctx, rc, agent.Invocation{
		Mode:  "validate",
		RunID: rc.entry.RunID,
		Dir:   rc.doc.String(runstate.FieldWorktreePath),
		Env:   portEnv(rc.doc),
	})
	if err != nil {
		rc.log.Warn("baseline capture degraded", "error", err)
		baseline["capture_error"] = err.Error()
	} else if parsed := agent.ParseResult(result.Stdout); parsed != nil {
		baseline = parsed
	}

	return map[string]any{runstate.FieldBaselineErrors: baseline}, nil
}

// runBuild drives the agent's implementation work in the worktree.
func (r *Runner) runBuild(ctx context.Context, rc *runContext, _ Decision) (map[string]any, error) {
	worktree := rc.doc.String(runstate.FieldWorktreePath)

	// A crashed attempt may have left commits on the branch; the agent
	// continues from them instead of starting over.
	if ahead, err := r.git.CommitsAhead(worktree, r.cfg.VCS.BaseBranch); err == nil && ahead > 0 {
		rc.log.Info("resuming build with existing commits", "commits", ahead)
	}

	result, err := r.runAgent(ctx, rc, agent.Invocation{
		Mode:  "build",
		RunID: rc.entry.RunID,
		Dir:   worktree,
		Args:  []string{"--plan", rc.doc.String(runstate.FieldPlanFilePath)},
		Env:   portEnv(rc.doc),
	})
	if err != nil {
		return nil, err
	}

	buildResults := agent.ParseResult(result.Stdout)
	if buildResults == nil {
		buildResults = map[string]any{}
	}

	if baseline, ok := rc.doc.Map(runstate.FieldBaselineErrors); ok {
		if newErrs, baseErrs := countErrors(buildResults), countErrors(baseline); newErrs > baseErrs {
			rc.log.Warn("build introduced errors beyond baseline",
				"baseline", baseErrs, "current", newErrs)
			buildResults["exceeds_baseline"] = true
		}
	}

	return map[string]any{runstate.FieldExternalBuildResults: buildResults}, nil
}

func countErrors(results map[string]any) int {
	if n, ok := results["errors"].(float64); ok {
		return int(n)
	}
	if n, ok := results["errors"].(int); ok {
		return n
	}
	return 0
}

// linterConfigFiles are the markers that a linter is configured for the
// target repository.
var linterConfigFiles = []string{
	".golangci.yml", ".golangci.yaml",
	".eslintrc", ".eslintrc.json", ".eslintrc.js", "eslint.config.js",
	"ruff.toml", ".ruff.toml",
	".rubocop.yml",
}

// runLint runs the configured linter, or records a skip when the
// target repository has none.
func (r *Runner) runLint(ctx context.Context, rc *runContext, _ Decision) (map[string]any, error) {
	worktree := rc.doc.String(runstate.FieldWorktreePath)

	configured := false
	for _, name := range linterConfigFiles {
		if _, err := os.Stat(filepath.Join(worktree, name)); err == nil {
			configured = true
			break
		}
	}
	if !configured {
		rc.log.Info("no linter configured, skipping")
		return map[string]any{
			runstate.FieldLintResults: map[string]any{"skipped": true},
		}, nil
	}

	result, err := r.runAgent(ctx, rc, agent.Invocation{
		Mode:  "lint",
		RunID: rc.entry.RunID,
		Dir:   worktree,
	})
	if err != nil {
		return nil, err
	}

	lintResults := agent.ParseResult(result.Stdout)
	if lintResults == nil {
		lintResults = map[string]any{"clean": true}
	}
	return map[string]any{runstate.FieldLintResults: lintResults}, nil
}

// runTest executes the test suite against the run's port assignment.
func (r *Runner) runTest(ctx context.Context, rc *runContext, _ Decision) (map[string]any, error) {
	result, err := r.runAgent(ctx, rc, agent.Invocation{
		Mode:  "test",
		RunID: rc.entry.RunID,
		Dir:   rc.doc.String(runstate.FieldWorktreePath),
		Env:   portEnv(rc.doc),
	})
	if err != nil {
		return nil, err
	}

	testResults := agent.ParseResult(result.Stdout)
	if testResults == nil {
		testResults = map[string]any{}
	}
	return map[string]any{runstate.FieldTestResults: testResults}, nil
}

// runReview pushes the branch and opens (or adopts) the pull request.
func (r *Runner) runReview(ctx context.Context, rc *runContext, _ Decision) (map[string]any, error) {
	if r.provider == nil {
		return nil, adwerrors.New(adwerrors.KindContractBreach, "review requires a configured VCS provider")
	}

	runID := rc.entry.RunID
	branch := rc.doc.String(runstate.FieldBranchName)
	worktree := rc.doc.String(runstate.FieldWorktreePath)

	if err := r.provider.EnsureRateLimitAvailable(ctx); err != nil {
		return nil, err
	}
	if err := r.git.Push(worktree, runID); err != nil {
		return nil, adwerrors.Wrap(adwerrors.KindExternalToolFailure, "push branch", err)
	}

	pr, err := r.provider.FindPRByBranch(ctx, branch)
	if err != nil {
		return nil, adwerrors.Wrap(adwerrors.KindExternalToolFailure, "look up existing PR", err)
	}
	if pr == nil {
		title := fmt.Sprintf("%s: automated change for run %s", rc.doc.String(runstate.FieldIssueClass), runID)
		body := fmt.Sprintf("Automated pipeline run `%s`.", runID)
		if issueID, ok := rc.doc.Int("issue_id"); ok {
			body += fmt.Sprintf("\n\nCloses #%d", issueID)
		}
		pr, err = r.provider.CreatePullRequest(ctx, vcs.PROptions{
			Title: title,
			Body:  body,
			Head:  branch,
			Base:  r.cfg.VCS.BaseBranch,
		})
		if err != nil {
			return nil, adwerrors.Wrap(adwerrors.KindExternalToolFailure, "create PR", err)
		}
	} else {
		rc.log.Info("adopting existing PR", "pr", pr.Number)
	}

	return map[string]any{
		runstate.FieldPRURL: pr.URL,
		runstate.FieldReviewResults: map[string]any{
			"pr_number": pr.Number,
			"state":     pr.State,
		},
	}, nil
}

// runDocument has the agent update documentation for the change.
func (r *Runner) runDocument(ctx context.Context, rc *runContext, _ Decision) (map[string]any, error) {
	worktree := rc.doc.String(runstate.FieldWorktreePath)

	result, err := r.runAgent(ctx, rc, agent.Invocation{
		Mode:  "document",
		RunID: rc.entry.RunID,
		Dir:   worktree,
		Args:  []string{"--plan", rc.doc.String(runstate.FieldPlanFilePath)},
	})
	if err != nil {
		// Documentation is non-critical: record the miss and move on.
		rc.log.Warn("documentation pass degraded", "error", err)
		return map[string]any{runstate.FieldDocFilesPaths: []string{}}, nil
	}

	var docPaths []string
	if parsed := agent.ParseResult(result.Stdout); parsed != nil {
		if files, ok := parsed["doc_files"].([]any); ok {
			for _, f := range files {
				if rel, ok := f.(string); ok {
					docPaths = append(docPaths, filepath.Join(worktree, rel))
				}
			}
		}
	}
	if docPaths == nil {
		docPaths = []string{}
	}
	return map[string]any{runstate.FieldDocFilesPaths: docPaths}, nil
}

// runShip merges the run's pull request. This is the point of no
// return: a failure after merge is never retried.
func (r *Runner) runShip(ctx context.Context, rc *runContext, decision Decision) (map[string]any, error) {
	if r.provider == nil {
		return nil, adwerrors.New(adwerrors.KindContractBreach, "ship requires a configured VCS provider")
	}

	branch := rc.doc.String(runstate.FieldBranchName)

	if err := r.provider.EnsureRateLimitAvailable(ctx); err != nil {
		return nil, err
	}

	pr, err := r.provider.FindPRByBranch(ctx, branch)
	if err != nil {
		return nil, adwerrors.Wrap(adwerrors.KindExternalToolFailure, "look up PR for ship", err)
	}
	if pr == nil {
		return nil, adwerrors.New(adwerrors.KindContractBreach,
			fmt.Sprintf("no open PR found for branch %s", branch))
	}

	result, err := r.provider.MergePullRequest(ctx, pr.Number,
		fmt.Sprintf("ship %s via run %s", branch, rc.entry.RunID))
	if err != nil {
		return nil, adwerrors.Wrap(adwerrors.KindExternalToolFailure, "merge PR", err)
	}

	return map[string]any{
		runstate.FieldShippedAt:      result.MergedAt.Format(time.RFC3339),
		runstate.FieldMergeCommitSHA: result.SHA,
	}, nil
}

// runCleanup releases the run's resources. It never fails: every
// problem is folded into the summary instead.
func (r *Runner) runCleanup(ctx context.Context, rc *runContext, _ Decision) (map[string]any, error) {
	runID := rc.entry.RunID
	worktree := rc.doc.String(runstate.FieldWorktreePath)

	summary := map[string]any{}
	if _, err := os.Stat(worktree); err == nil {
		if s, err := gitops.SummarizeWorktree(worktree, r.cfg.Cleanup.PreserveGlobs); err == nil {
			summary = s.Map()
		} else {
			summary["summarize_error"] = err.Error()
		}
		if err := r.git.RemoveWorktree(worktree); err != nil {
			rc.log.Warn("worktree removal failed", "error", err)
			summary["remove_error"] = err.Error()
		} else {
			summary["worktree_removed"] = true
		}
	} else {
		summary["worktree_removed"] = true
	}

	if rc.doc.String(runstate.FieldMergeCommitSHA) != "" {
		if err := r.git.DeleteBranch(runID); err != nil {
			rc.log.Warn("branch deletion failed", "error", err)
		}
	}

	if err := r.allocator.Release(runID); err != nil {
		summary["release_error"] = err.Error()
	} else {
		summary["ports_released"] = true
		r.publisher.Publish(events.New(events.EventResource, runID, events.ResourceUpdate{
			Action: "released",
		}))
	}

	return map[string]any{runstate.FieldCleanupSummary: summary}, nil
}

// runVerify confirms the shipped change landed and the tracker agrees.
// It never reverts; discrepancies open a follow-up issue instead.
func (r *Runner) runVerify(ctx context.Context, rc *runContext, _ Decision) (map[string]any, error) {
	results := map[string]any{
		"merge_commit_sha": rc.doc.String(runstate.FieldMergeCommitSHA),
		"verified":         true,
	}

	issueID, hasIssue := rc.doc.Int("issue_id")
	if hasIssue && r.provider != nil {
		state, err := r.provider.GetIssueState(ctx, issueID)
		if err != nil {
			results["issue_check_error"] = err.Error()
		} else {
			results["issue_state"] = string(state)
			if state == vcs.IssueOpen {
				// The merge should have closed the issue; leave a
				// breadcrumb rather than forcing it closed.
				results["verified"] = false
				followUp, err := r.provider.CreateIssue(ctx,
					fmt.Sprintf("verify run %s: issue #%d still open after ship", rc.entry.RunID, issueID),
					fmt.Sprintf("Run `%s` merged %s but issue #%d did not close. Please review.",
						rc.entry.RunID, rc.doc.String(runstate.FieldMergeCommitSHA), issueID),
					[]string{"adw-follow-up"})
				if err != nil {
					results["follow_up_error"] = err.Error()
				} else {
					results["follow_up_issue"] = followUp.Number
				}
			}
		}
	}

	return map[string]any{runstate.FieldVerificationResults: results}, nil
}
