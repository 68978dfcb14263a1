package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/devflowhq/adw/internal/adwerrors"
	"github.com/devflowhq/adw/internal/phase"
	"github.com/devflowhq/adw/internal/queue"
	"github.com/devflowhq/adw/internal/runner"
)

// Exit codes for single-phase execution, stable for scripting.
const (
	exitOK             = 0
	exitContractBreach = 1
	exitAgentFailure   = 2
	exitNoResources    = 3
	exitTimeout        = 4
	exitCancelled      = 5
)

func newPhaseCmd() *cobra.Command {
	var (
		runID string
		issue int
	)

	cmd := &cobra.Command{
		Use:   "phase <name>",
		Short: "Execute a single phase inline",
		Long: `Enqueues one phase for a run and executes it in this process,
without a serve daemon. Intended for operators re-driving a stuck run
or testing a phase in isolation.

Exit codes: 0 success, 1 contract breach, 2 agent or tool failure,
3 no resources, 4 timeout, 5 cancelled.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"plan", "validate", "build", "lint", "test", "review", "document", "ship", "cleanup", "verify"},
		RunE: func(cmd *cobra.Command, args []string) error {
			num, err := phase.FromName(args[0])
			if err != nil {
				return err
			}
			if runID == "" {
				return fmt.Errorf("--run is required")
			}

			logger := newLogger()
			rt, err := buildRuntime(logger)
			if err != nil {
				return err
			}

			var issueID *int
			if issue > 0 {
				issueID = &issue
			}
			queueID, err := rt.queue.Enqueue(cmd.Context(), runID, num, queue.EnqueueOptions{
				ParentIssue: issueID,
			})
			if err != nil {
				rt.Close()
				return err
			}

			outcome, runErr := rt.runner.Run(cmd.Context(), queueID)
			code := exitCodeFor(outcome, runErr)

			if jsonOut {
				out := map[string]any{
					"run_id":   runID,
					"queue_id": queueID,
					"phase":    num.Name(),
					"status":   string(outcome.Status),
					"exit":     code,
				}
				if outcome.Err != nil {
					out["error_kind"] = string(outcome.Err.Kind)
					out["error"] = outcome.Err.Error()
				}
				_ = json.NewEncoder(os.Stdout).Encode(out)
			} else if code == exitOK {
				fmt.Printf("%s completed for run %s\n", num.Name(), runID)
			} else if outcome.Err != nil {
				fmt.Fprintf(os.Stderr, "%s failed: %s\n", num.Name(), outcome.Err.Error())
			} else if runErr != nil {
				fmt.Fprintf(os.Stderr, "%s failed: %s\n", num.Name(), runErr.Error())
			}

			rt.Close()
			if code != exitOK {
				os.Exit(code)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "run the phase belongs to")
	cmd.Flags().IntVar(&issue, "issue", 0, "tracker issue number for the queue row")
	return cmd
}

// exitCodeFor maps a phase outcome to the documented exit codes.
func exitCodeFor(outcome runner.Outcome, err error) int {
	if err == nil && outcome.Completed() {
		return exitOK
	}
	kind := adwerrors.KindOf(err)
	if outcome.Err != nil {
		kind = outcome.Err.Kind
	}
	switch kind {
	case adwerrors.KindContractBreach:
		return exitContractBreach
	case adwerrors.KindExternalToolFailure, adwerrors.KindAgentFailure, adwerrors.KindLooping:
		return exitAgentFailure
	case adwerrors.KindResourceExhausted:
		return exitNoResources
	case adwerrors.KindTimeout:
		return exitTimeout
	case adwerrors.KindCancelled:
		return exitCancelled
	default:
		return exitAgentFailure
	}
}
