// Package orchestrator drives runs: it enqueues pipelines, dispatches
// ready phases to the runner across a bounded worker pool, applies the
// retry policy, and settles terminal run state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/devflowhq/adw/internal/adwerrors"
	"github.com/devflowhq/adw/internal/alloc"
	"github.com/devflowhq/adw/internal/config"
	"github.com/devflowhq/adw/internal/events"
	"github.com/devflowhq/adw/internal/phase"
	"github.com/devflowhq/adw/internal/queue"
	"github.com/devflowhq/adw/internal/runner"
	"github.com/devflowhq/adw/internal/vcs"
)

// Orchestrator owns the dispatch loop.
type Orchestrator struct {
	cfg       *config.Config
	queue     *queue.Queue
	runner    *runner.Runner
	allocator *alloc.Allocator
	provider  vcs.Provider
	publisher events.Publisher
	logger    *slog.Logger

	sem *semaphore.Weighted

	mu        sync.Mutex
	active    map[string]context.CancelFunc // queue_id -> cancel
	started   map[string]time.Time          // run_id -> first dispatch
	commented map[string]bool               // run_id+fingerprint -> issue comment posted
}

// New creates an orchestrator. provider may be nil when no tracker is
// configured; failure comments are then skipped.
func New(cfg *config.Config, q *queue.Queue, r *runner.Runner,
	allocator *alloc.Allocator, provider vcs.Provider, publisher events.Publisher, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		queue:     q,
		runner:    r,
		allocator: allocator,
		provider:  provider,
		publisher: publisher,
		logger:    logger.With("component", "orchestrator"),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		active:    make(map[string]context.CancelFunc),
		started:   make(map[string]time.Time),
		commented: make(map[string]bool),
	}
}

// StartRun enqueues a full pipeline for an issue and returns the run ID.
func (o *Orchestrator) StartRun(ctx context.Context, issueID *int, tmpl phase.Template) (string, error) {
	runID := alloc.NewRunID()
	if !tmpl.Valid() {
		tmpl = phase.TemplateFullSDLC
	}
	if _, err := o.queue.EnqueueRun(ctx, runID, issueID, tmpl); err != nil {
		return "", err
	}
	o.logger.Info("run enqueued", "run_id", runID, "template", string(tmpl), "issue", issueID)
	return runID, nil
}

// Run is the dispatch loop. It recovers orphaned rows from a previous
// process, then polls for ready work until the context ends. Blocks
// until in-flight phases drain.
func (o *Orchestrator) Run(ctx context.Context) error {
	if n, err := o.queue.ResetStale(ctx, o.cfg.StaleAfter); err != nil {
		o.logger.Warn("startup stale reset failed", "error", err)
	} else if n > 0 {
		o.logger.Info("reset orphaned running entries", "count", n)
	}

	go o.staleSweepLoop(ctx)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.drain()
			return ctx.Err()
		case <-ticker.C:
			o.dispatchReady(ctx)
		}
	}
}

// dispatchReady claims as many ready entries as the pool allows.
func (o *Orchestrator) dispatchReady(ctx context.Context) {
	for {
		entry, err := o.queue.NextReady(ctx)
		if err != nil {
			o.logger.Error("select ready entry", "error", err)
			return
		}
		if entry == nil {
			return
		}

		ok, err := o.queue.DependencySatisfied(ctx, entry)
		if err != nil {
			o.logger.Error("check dependency", "queue_id", entry.QueueID, "error", err)
			return
		}
		if !ok {
			// Should not normally happen; re-stamp blocked so the row
			// stops surfacing as ready.
			if err := o.queue.Transition(ctx, entry.QueueID, queue.StatusBlocked, ""); err != nil &&
				!errors.Is(err, adwerrors.ErrLostRace) {
				o.logger.Error("block unsatisfied entry", "queue_id", entry.QueueID, "error", err)
			}
			continue
		}

		if !o.sem.TryAcquire(1) {
			return
		}

		phaseCtx, cancel := context.WithCancel(ctx)
		o.mu.Lock()
		o.active[entry.QueueID] = cancel
		if _, seen := o.started[entry.RunID]; !seen {
			o.started[entry.RunID] = time.Now().UTC()
		}
		o.mu.Unlock()

		go func(e *queue.Entry) {
			defer o.sem.Release(1)
			defer func() {
				cancel()
				o.mu.Lock()
				delete(o.active, e.QueueID)
				o.mu.Unlock()
			}()
			o.runOne(phaseCtx, e)
		}(entry)
	}
}

// runOne executes a single claimed entry and reacts to its outcome.
func (o *Orchestrator) runOne(ctx context.Context, entry *queue.Entry) {
	outcome, err := o.runner.Run(ctx, entry.QueueID)
	if err != nil {
		if errors.Is(err, adwerrors.ErrLostRace) {
			return
		}
		o.logger.Error("phase execution errored", "queue_id", entry.QueueID, "error", err)
		return
	}

	switch {
	case outcome.Completed():
		o.settleIfFinished(context.WithoutCancel(ctx), entry.RunID)

	case outcome.Status == queue.StatusFailed:
		o.handleFailure(context.WithoutCancel(ctx), entry, outcome)
	}
}

// handleFailure applies the retry policy: recoverable failures with
// budget left get a fresh attempt row; everything else aborts the run.
func (o *Orchestrator) handleFailure(ctx context.Context, entry *queue.Entry, outcome runner.Outcome) {
	failed, err := o.queue.Get(ctx, entry.QueueID)
	if err != nil {
		o.logger.Error("reload failed entry", "queue_id", entry.QueueID, "error", err)
		return
	}

	kind := adwerrors.KindExternalToolFailure
	if outcome.Err != nil {
		kind = outcome.Err.Kind
	}

	if kind.Recoverable() && failed.RetryCount < o.cfg.Retry.MaxPhaseRetryAttempts {
		retryID, err := o.queue.RequeueForRetry(ctx, failed)
		if err != nil {
			o.logger.Error("requeue for retry", "queue_id", failed.QueueID, "error", err)
			o.abortRun(ctx, failed, outcome)
			return
		}
		o.logger.Info("phase requeued",
			"run_id", failed.RunID, "phase", failed.PhaseName,
			"retry", failed.RetryCount+1, "queue_id", retryID)
		return
	}

	o.abortRun(ctx, failed, outcome)
}

// abortRun cancels the run's remaining work, still invoking Cleanup so
// resources are returned, and publishes the terminal event.
func (o *Orchestrator) abortRun(ctx context.Context, failed *queue.Entry, outcome runner.Outcome) {
	runID := failed.RunID
	o.logger.Warn("aborting run", "run_id", runID, "phase", failed.PhaseName)

	o.cancelActivePhases(ctx, runID)

	if err := o.queue.CancelRun(ctx, runID); err != nil {
		o.logger.Error("cancel run rows", "run_id", runID, "error", err)
	}

	// Cleanup still runs, unless it is the phase that just failed.
	if failed.PhaseNumber != phase.Cleanup {
		if _, err := o.queue.Enqueue(ctx, runID, phase.Cleanup, queue.EnqueueOptions{
			ParentIssue: failed.ParentIssue,
		}); err != nil {
			o.logger.Error("enqueue abort cleanup", "run_id", runID, "error", err)
			// Resources must not leak even when cleanup cannot run.
			if err := o.allocator.Release(runID); err != nil {
				o.logger.Error("defensive release failed", "run_id", runID, "error", err)
			}
		}
	} else {
		if err := o.allocator.Release(runID); err != nil {
			o.logger.Error("defensive release failed", "run_id", runID, "error", err)
		}
	}

	var kind, fingerprint string
	if outcome.Err != nil {
		kind = string(outcome.Err.Kind)
		fingerprint = outcome.Err.Fingerprint
	}
	o.publisher.Publish(events.New(events.EventRunComplete, runID, events.RunComplete{
		Status:      "failed",
		ErrorKind:   kind,
		Fingerprint: fingerprint,
		DurationMS:  o.runDuration(runID),
		LastPhase:   failed.PhaseName,
	}))

	o.commentFailure(ctx, failed, outcome)
}

// commentFailure posts the terminal failure to the originating issue.
// Repeat failures with the same fingerprint stay quiet within a run.
func (o *Orchestrator) commentFailure(ctx context.Context, failed *queue.Entry, outcome runner.Outcome) {
	if !o.cfg.VCS.CommentOnFailure || o.provider == nil || failed.ParentIssue == nil || outcome.Err == nil {
		return
	}

	key := failed.RunID + "\x00" + outcome.Err.Fingerprint
	o.mu.Lock()
	seen := o.commented[key]
	o.commented[key] = true
	o.mu.Unlock()
	if seen {
		return
	}

	body := fmt.Sprintf("Run `%s` failed at the %s phase: `%s` (%s).",
		failed.RunID, failed.PhaseName, outcome.Err.Kind, outcome.Err.What)
	if err := o.provider.CreateIssueComment(ctx, *failed.ParentIssue, body); err != nil {
		o.logger.Warn("failure comment not posted",
			"run_id", failed.RunID, "issue", *failed.ParentIssue, "error", err)
	}
}

// Cancel stops a run from outside: running phases get their contexts
// cancelled (the agent layer escalates SIGTERM to SIGKILL), pending
// rows are cancelled, and Cleanup is scheduled.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	o.cancelActivePhases(ctx, runID)

	if err := o.queue.CancelRun(ctx, runID); err != nil {
		return err
	}
	if _, err := o.queue.Enqueue(ctx, runID, phase.Cleanup, queue.EnqueueOptions{}); err != nil {
		o.logger.Error("enqueue cancel cleanup", "run_id", runID, "error", err)
		if relErr := o.allocator.Release(runID); relErr != nil {
			return relErr
		}
	}

	o.publisher.Publish(events.New(events.EventRunComplete, runID, events.RunComplete{
		Status:     "cancelled",
		DurationMS: o.runDuration(runID),
	}))
	o.logger.Info("run cancelled", "run_id", runID)
	return nil
}

func (o *Orchestrator) cancelActivePhases(ctx context.Context, runID string) {
	entries, err := o.queue.ByRun(ctx, runID)
	if err != nil {
		o.logger.Error("list run entries for cancel", "run_id", runID, "error", err)
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range entries {
		if cancel, ok := o.active[e.QueueID]; ok {
			cancel()
		}
	}
}

// settleIfFinished publishes the terminal event once every row of the
// run is completed. Templates without a Cleanup phase get their ports
// released here.
func (o *Orchestrator) settleIfFinished(ctx context.Context, runID string) {
	entries, err := o.queue.ByRun(ctx, runID)
	if err != nil {
		o.logger.Error("list run entries", "run_id", runID, "error", err)
		return
	}

	sawCleanup := false
	lastPhase := ""
	for _, e := range entries {
		if !e.Status.Terminal() {
			return
		}
		if e.Status != queue.StatusCompleted && e.PhaseNumber != phase.Cleanup {
			// Cancelled leftovers mean the run was aborted; the abort
			// path already published its terminal event.
			return
		}
		if e.PhaseNumber == phase.Cleanup {
			sawCleanup = true
		}
		lastPhase = e.PhaseName
	}

	if !sawCleanup {
		if err := o.allocator.Release(runID); err != nil {
			o.logger.Error("release after run", "run_id", runID, "error", err)
		}
	}

	o.publisher.Publish(events.New(events.EventRunComplete, runID, events.RunComplete{
		Status:     "completed",
		DurationMS: o.runDuration(runID),
		LastPhase:  lastPhase,
	}))
	o.logger.Info("run completed", "run_id", runID)
}

func (o *Orchestrator) runDuration(runID string) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	start, ok := o.started[runID]
	if !ok {
		return 0
	}
	delete(o.started, runID)
	return time.Since(start).Milliseconds()
}

// staleSweepLoop periodically returns orphaned running rows to ready.
func (o *Orchestrator) staleSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.StaleAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := o.queue.ResetStale(ctx, o.cfg.StaleAfter); err != nil {
				if ctx.Err() == nil {
					o.logger.Warn("stale sweep failed", "error", err)
				}
			} else if n > 0 {
				o.logger.Info("stale sweep reset entries", "count", n)
			}
		}
	}
}

// drain waits for in-flight phases to finish.
func (o *Orchestrator) drain() {
	_ = o.sem.Acquire(context.Background(), int64(o.cfg.MaxConcurrentRuns))
	o.sem.Release(int64(o.cfg.MaxConcurrentRuns))
}
