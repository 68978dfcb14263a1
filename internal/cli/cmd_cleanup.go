package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/devflowhq/adw/internal/phase"
	"github.com/devflowhq/adw/internal/queue"
)

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <run-id>",
		Short: "Run the cleanup phase for a run inline",
		Long: `Enqueues and executes the cleanup phase for a run in this process:
removes the worktree and branch, releases the port pair, and writes
the cleanup summary. Useful when a run aborted without a serve daemon
to drive its cleanup row.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			logger := newLogger()
			rt, err := buildRuntime(logger)
			if err != nil {
				return err
			}

			queueID, err := rt.queue.Enqueue(cmd.Context(), runID, phase.Cleanup, queue.EnqueueOptions{})
			if err != nil {
				rt.Close()
				return err
			}

			outcome, runErr := rt.runner.Run(cmd.Context(), queueID)
			code := exitCodeFor(outcome, runErr)
			if code == exitOK {
				fmt.Printf("cleanup completed for run %s\n", runID)
			} else if outcome.Err != nil {
				fmt.Fprintf(os.Stderr, "cleanup failed: %s\n", outcome.Err.Error())
			} else if runErr != nil {
				fmt.Fprintf(os.Stderr, "cleanup failed: %s\n", runErr.Error())
			}

			rt.Close()
			if code != exitOK {
				os.Exit(code)
			}
			return nil
		},
	}
}
