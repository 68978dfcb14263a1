// Package runner executes single phases: claim the queue row, validate
// the contract, consult the idempotency gate, drive the agent or tool,
// and record outputs. One Run call handles one queue entry end to end.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devflowhq/adw/internal/adwerrors"
	"github.com/devflowhq/adw/internal/agent"
	"github.com/devflowhq/adw/internal/alloc"
	"github.com/devflowhq/adw/internal/config"
	"github.com/devflowhq/adw/internal/contract"
	"github.com/devflowhq/adw/internal/events"
	"github.com/devflowhq/adw/internal/gitops"
	"github.com/devflowhq/adw/internal/phase"
	"github.com/devflowhq/adw/internal/queue"
	"github.com/devflowhq/adw/internal/runstate"
	"github.com/devflowhq/adw/internal/vcs"
)

// Outcome is the result of one phase execution.
type Outcome struct {
	Status queue.Status
	Err    *adwerrors.Error
}

// Completed reports whether the phase finished successfully.
func (o Outcome) Completed() bool {
	return o.Status == queue.StatusCompleted
}

// Runner executes phases against the shared stores.
type Runner struct {
	cfg       *config.Config
	queue     *queue.Queue
	states    *runstate.Store
	validator *contract.Validator
	allocator *alloc.Allocator
	agent     *agent.Runner
	git       *gitops.Git
	provider  vcs.Provider
	publisher events.Publisher
	logger    *slog.Logger
}

// New creates a phase runner.
func New(cfg *config.Config, q *queue.Queue, states *runstate.Store,
	allocator *alloc.Allocator, agentRunner *agent.Runner, git *gitops.Git,
	provider vcs.Provider, publisher events.Publisher, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:       cfg,
		queue:     q,
		states:    states,
		validator: contract.NewValidator(cfg.Resources.BackendPorts, cfg.Resources.FrontendPorts),
		allocator: allocator,
		agent:     agentRunner,
		git:       git,
		provider:  provider,
		publisher: publisher,
		logger:    logger.With("component", "runner"),
	}
}

// runContext carries one phase execution's working set.
type runContext struct {
	entry *queue.Entry
	doc   runstate.Document
	log   *slog.Logger
	cost  agent.CostReport
}

// Run executes the queue entry. The caller holds no locks; the guarded
// ready->running transition is the claim. adwerrors.ErrLostRace means
// another worker claimed the row first and the caller should reselect.
func (r *Runner) Run(ctx context.Context, queueID string) (Outcome, error) {
	entry, err := r.queue.Get(ctx, queueID)
	if err != nil {
		return Outcome{}, err
	}

	if err := r.queue.Transition(ctx, queueID, queue.StatusRunning, ""); err != nil {
		if errors.Is(err, adwerrors.ErrLostRace) {
			return Outcome{}, adwerrors.ErrLostRace
		}
		return Outcome{}, err
	}

	log := r.logger.With("run_id", entry.RunID, "phase", entry.PhaseName, "queue_id", queueID)
	log.Info("phase started", "attempt", entry.Attempt, "retry_count", entry.RetryCount)
	r.publishQueue(entry, queue.StatusRunning)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeatLoop(hbCtx, queueID)

	outcome := r.execute(ctx, entry, log)

	stopHeartbeat()
	if err := r.recordOutcome(ctx, entry, outcome, log); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (r *Runner) execute(ctx context.Context, entry *queue.Entry, log *slog.Logger) Outcome {
	doc, err := r.loadOrCreateDoc(ctx, entry)
	if err != nil {
		return r.failure(entry, adwerrors.AsError(err))
	}
	rc := &runContext{entry: entry, doc: doc, log: log}

	if err := r.validator.Pre(entry.PhaseNumber, doc); err != nil {
		log.Warn("pre-check failed", "error", err)
		return r.failure(entry, adwerrors.AsError(err))
	}

	decision := r.decide(rc)
	if decision.Action == Skip {
		log.Info("phase outputs already satisfied, skipping execution")
		r.publisher.Publish(events.New(events.EventPhase, entry.RunID, events.PhaseUpdate{
			Phase: entry.PhaseName, Status: "skipped", Attempt: entry.Attempt, Skipped: true,
		}))
		return r.verifyAndComplete(rc)
	}

	phaseCtx, cancel := context.WithTimeout(ctx, r.cfg.TimeoutFor(entry.PhaseName))
	defer cancel()

	outputs, err := r.executeWithResolution(phaseCtx, rc, decision)
	r.recordCost(rc)
	if err != nil {
		return r.failure(entry, classifyPhaseError(phaseCtx, err))
	}

	if len(outputs) > 0 {
		updated, err := r.states.Update(entry.RunID, outputs)
		if err != nil {
			return r.failure(entry, adwerrors.AsError(err))
		}
		rc.doc = updated
	}

	return r.verifyAndComplete(rc)
}

// verifyAndComplete runs the post-contract check and settles the
// outcome. Post failures are contract breaches regardless of how the
// work itself went.
func (r *Runner) verifyAndComplete(rc *runContext) Outcome {
	if err := r.validator.Post(rc.entry.PhaseNumber, rc.doc); err != nil {
		rc.log.Warn("post-check failed", "error", err)
		return r.failure(rc.entry, adwerrors.AsError(err))
	}
	return Outcome{Status: queue.StatusCompleted}
}

func (r *Runner) failure(entry *queue.Entry, err *adwerrors.Error) Outcome {
	err = err.WithRun(entry.RunID, entry.PhaseName)
	if err.Fingerprint == "" {
		err.Fingerprint = Fingerprint(err.Error())
	}
	return Outcome{Status: queue.StatusFailed, Err: err}
}

// recordOutcome persists the terminal queue transition and publishes
// the matching events.
func (r *Runner) recordOutcome(ctx context.Context, entry *queue.Entry, outcome Outcome, log *slog.Logger) error {
	switch outcome.Status {
	case queue.StatusCompleted:
		if err := r.queue.Transition(ctx, entry.QueueID, queue.StatusCompleted, ""); err != nil {
			return fmt.Errorf("record completion of %s: %w", entry.QueueID, err)
		}
		if err := r.queue.MarkDependentsReady(ctx, entry.RunID, entry.PhaseNumber); err != nil {
			return err
		}
		log.Info("phase completed")
		r.publishQueue(entry, queue.StatusCompleted)
		r.publisher.Publish(events.New(events.EventPhase, entry.RunID, events.PhaseUpdate{
			Phase: entry.PhaseName, Status: "completed", Attempt: entry.Attempt,
		}))

	case queue.StatusFailed:
		kind := string(adwerrors.KindExternalToolFailure)
		msg := "phase failed"
		var fingerprint string
		if outcome.Err != nil {
			kind = string(outcome.Err.Kind)
			msg = outcome.Err.Error()
			fingerprint = outcome.Err.Fingerprint
		}
		if err := r.queue.Transition(ctx, entry.QueueID, queue.StatusFailed, kind); err != nil {
			return fmt.Errorf("record failure of %s: %w", entry.QueueID, err)
		}
		log.Error("phase failed", "kind", kind, "error", msg)
		r.publishQueue(entry, queue.StatusFailed)
		r.publisher.Publish(events.New(events.EventError, entry.RunID, events.ErrorData{
			Phase:       entry.PhaseName,
			Kind:        kind,
			Message:     msg,
			Fingerprint: fingerprint,
			Fatal:       !adwerrors.Kind(kind).Recoverable(),
		}))
	}
	return nil
}

// recordCost folds the phase's agent spend into the run's running
// totals. Best effort: failed runs still report the cost they incurred.
func (r *Runner) recordCost(rc *runContext) {
	if rc.cost == (agent.CostReport{}) {
		return
	}
	prev := agent.CostReport{}
	if m, ok := rc.doc.Map(runstate.FieldAgentCost); ok {
		prev.CostUSD = numField(m, "cost_usd")
		prev.InputTokens = int64(numField(m, "input_tokens"))
		prev.OutputTokens = int64(numField(m, "output_tokens"))
		prev.CacheReadTokens = int64(numField(m, "cache_read_tokens"))
	}
	total := prev.Add(rc.cost)
	updated, err := r.states.Update(rc.entry.RunID, map[string]any{
		runstate.FieldAgentCost: map[string]any{
			"cost_usd":          total.CostUSD,
			"input_tokens":      total.InputTokens,
			"output_tokens":     total.OutputTokens,
			"cache_read_tokens": total.CacheReadTokens,
		},
	})
	if err != nil {
		rc.log.Warn("could not record agent cost", "error", err)
		return
	}
	rc.doc = updated
}

// numField reads a numeric map value regardless of whether it came
// from JSON (float64) or an in-process update (int64).
func numField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// loadOrCreateDoc loads the run document, creating it at Plan start.
func (r *Runner) loadOrCreateDoc(ctx context.Context, entry *queue.Entry) (runstate.Document, error) {
	doc, err := r.states.Load(entry.RunID)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, adwerrors.ErrNotFound) {
		return nil, err
	}
	if entry.PhaseNumber != phase.Plan {
		return nil, adwerrors.New(adwerrors.KindContractBreach,
			fmt.Sprintf("run state missing for %s at phase %s", entry.RunID, entry.PhaseName))
	}

	fields := map[string]any{"run_id": entry.RunID}
	if entry.ParentIssue != nil {
		fields["issue_id"] = *entry.ParentIssue
	}
	if tmpl, err := r.inferTemplate(ctx, entry.RunID); err == nil {
		fields[runstate.FieldWorkflowTemplate] = string(tmpl)
	}
	return r.states.Create(entry.RunID, fields)
}

// inferTemplate reads the run's queue rows to recover which template
// was enqueued.
func (r *Runner) inferTemplate(ctx context.Context, runID string) (phase.Template, error) {
	entries, err := r.queue.ByRun(ctx, runID)
	if err != nil {
		return "", err
	}
	distinct := make(map[phase.Number]bool)
	for _, e := range entries {
		distinct[e.PhaseNumber] = true
	}
	return phase.TemplateForPhaseCount(len(distinct)), nil
}

func (r *Runner) heartbeatLoop(ctx context.Context, queueID string) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.queue.Heartbeat(ctx, queueID); err != nil && ctx.Err() == nil {
				r.logger.Warn("heartbeat failed", "queue_id", queueID, "error", err)
			}
		}
	}
}

func (r *Runner) publishQueue(entry *queue.Entry, status queue.Status) {
	r.publisher.Publish(events.New(events.EventQueue, entry.RunID, events.QueueUpdate{
		QueueID:     entry.QueueID,
		PhaseNumber: entry.PhaseNumber,
		PhaseName:   entry.PhaseName,
		Status:      status,
		RetryCount:  entry.RetryCount,
	}))
}

// classifyPhaseError maps context expiry to the right kinds; everything
// else keeps its structured classification.
func classifyPhaseError(ctx context.Context, err error) *adwerrors.Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && adwerrors.KindOf(err) != adwerrors.KindTimeout {
		return adwerrors.Wrap(adwerrors.KindTimeout, "phase exceeded its timeout", err)
	}
	return adwerrors.AsError(err)
}
