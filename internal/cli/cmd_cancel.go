package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Long: `Cancels every non-terminal phase of a run and schedules a cleanup
phase so the run's worktree and ports are reclaimed. Completed phases
keep their outputs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			rt, err := buildRuntime(logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.orch.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("run %s cancelled; cleanup scheduled\n", args[0])
			return nil
		},
	}
}
