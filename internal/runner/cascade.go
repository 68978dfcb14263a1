package runner

import (
	"context"
	"fmt"

	"github.com/devflowhq/adw/internal/adwerrors"
	"github.com/devflowhq/adw/internal/agent"
	"github.com/devflowhq/adw/internal/runstate"
)

// executeWithResolution drives one phase's work through the cascading
// resolution ladder:
//
//	layer 1: retry the external work up to MaxExternalAttempts
//	layer 2: run the repair agent once per error fingerprint, re-verify
//	         by re-entering layer 1
//	layer 3: surface the failure; the orchestrator decides retry vs abort
//
// A fingerprint repeating MaxIdenticalErrorRepeats times circuit-breaks
// the ladder with a Looping failure no matter how much budget remains.
func (r *Runner) executeWithResolution(ctx context.Context, rc *runContext, decision Decision) (map[string]any, error) {
	work, ok := r.phaseFunc(rc.entry.PhaseNumber)
	if !ok {
		return nil, fmt.Errorf("no work function for phase %s", rc.entry.PhaseName)
	}

	tracker := newFingerprintTracker()
	var lastErr error

	for layer2Passes := 0; layer2Passes <= 1; layer2Passes++ {
		outputs, err := r.runLayer1(ctx, rc, decision, work, tracker)
		if err == nil {
			return outputs, nil
		}
		lastErr = err

		// Only plain external failures are repairable; everything else
		// escalates immediately.
		if adwerrors.KindOf(err) != adwerrors.KindExternalToolFailure {
			return nil, err
		}

		fp := tracker.last
		if tracker.wasRepaired(fp) {
			// The repair agent already had its one shot at this
			// fingerprint and the failure persisted.
			return nil, adwerrors.Wrap(adwerrors.KindAgentFailure,
				"repair did not resolve the failure", err).WithFingerprint(fp)
		}
		if layer2Passes == 1 {
			break
		}

		rc.log.Info("invoking repair agent", "fingerprint", fp)
		tracker.markRepaired(fp)
		if repairErr := r.runRepair(ctx, rc, lastErr); repairErr != nil {
			return nil, adwerrors.Wrap(adwerrors.KindAgentFailure,
				"repair agent failed", repairErr).WithFingerprint(fp)
		}
	}

	return nil, adwerrors.Wrap(adwerrors.KindAgentFailure,
		"failure persisted after repair", lastErr).WithFingerprint(tracker.last)
}

// runLayer1 retries the phase work with deterministic inputs.
func (r *Runner) runLayer1(ctx context.Context, rc *runContext, decision Decision,
	work phaseFunc, tracker *fingerprintTracker) (map[string]any, error) {

	var lastErr error
	for attempt := 1; attempt <= r.cfg.Retry.MaxExternalAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, classifyPhaseError(ctx, ctx.Err())
		}

		outputs, err := work(ctx, rc, decision)
		if err == nil {
			return outputs, nil
		}
		lastErr = err

		if adwerrors.KindOf(err) != adwerrors.KindExternalToolFailure {
			return nil, err
		}

		fp, repeats := tracker.observe(err.Error())
		rc.log.Warn("phase work failed",
			"attempt", attempt, "fingerprint", fp, "repeats", repeats, "error", err)

		if repeats >= r.cfg.Retry.MaxIdenticalErrorRepeats {
			return nil, adwerrors.Wrap(adwerrors.KindLooping,
				fmt.Sprintf("identical failure repeated %d times", repeats), err).
				WithFingerprint(fp)
		}
	}
	return nil, lastErr
}

// runRepair invokes the repair agent with the failure context on stdin.
func (r *Runner) runRepair(ctx context.Context, rc *runContext, failure error) error {
	_, err := r.runAgent(ctx, rc, agent.Invocation{
		Mode:  "repair",
		RunID: rc.entry.RunID,
		Dir:   rc.doc.String(runstate.FieldWorktreePath),
		Args:  []string{"--phase", rc.entry.PhaseName},
		Stdin: failure.Error(),
	})
	return err
}
