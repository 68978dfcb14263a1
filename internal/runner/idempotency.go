package runner

import (
	"os"

	"github.com/devflowhq/adw/internal/phase"
	"github.com/devflowhq/adw/internal/runstate"
)

// Action is the idempotency gate's verdict for a phase invocation.
type Action string

const (
	// Skip reuses existing outputs without launching any work.
	Skip Action = "skip"
	// Execute runs the phase work, possibly resuming partial state.
	Execute Action = "execute"
)

// Decision carries the gate's verdict plus per-phase resume hints for
// partially populated state.
type Decision struct {
	Action Action
	// ReuseWorktree tells Plan that a previous attempt already created
	// the worktree; skip creation, still regenerate the plan.
	ReuseWorktree bool
	// AdoptExistingPR tells Ship to look for an open PR on the run's
	// branch before creating a new one.
	AdoptExistingPR bool
}

// decide applies the per-phase idempotency policy. The general rule is
// "skip when every expected output is already present and valid"; Test
// always re-executes, and Plan/Ship resume rather than redo external
// side effects.
func (r *Runner) decide(rc *runContext) Decision {
	num := rc.entry.PhaseNumber

	switch num {
	case phase.Test:
		// Test results go stale with every commit; rerunning is the
		// only way to know they still hold.
		return Decision{Action: Execute}

	case phase.Plan:
		if r.validator.OutputsSatisfied(num, rc.doc) {
			return Decision{Action: Skip}
		}
		// A partial Plan may have created the worktree before dying;
		// reuse it and regenerate the plan file.
		wt := rc.doc.String(runstate.FieldWorktreePath)
		if wt != "" {
			if _, err := os.Stat(wt); err == nil {
				return Decision{Action: Execute, ReuseWorktree: true}
			}
		}
		return Decision{Action: Execute}

	case phase.Ship:
		if r.validator.OutputsSatisfied(num, rc.doc) {
			return Decision{Action: Skip}
		}
		// Never open a second PR for the same run.
		return Decision{Action: Execute, AdoptExistingPR: true}

	default:
		if r.validator.OutputsSatisfied(num, rc.doc) {
			return Decision{Action: Skip}
		}
		return Decision{Action: Execute}
	}
}
