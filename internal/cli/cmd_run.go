package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/devflowhq/adw/internal/phase"
)

func newRunCmd() *cobra.Command {
	var (
		issue    int
		template string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Enqueue a pipeline run for an issue",
		Long: `Enqueues a run through the phase queue. A serve daemon picks up the
ready phases; this command returns as soon as the rows exist.

Templates: full_sdlc (all ten phases), multi_phase (plan, validate,
build, test, cleanup), single_phase (plan only).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Plan's contract needs an issue; reject before any wiring.
			if issue <= 0 {
				return fmt.Errorf("--issue is required and must be a positive issue number")
			}
			tmpl := phase.Template(template)
			if !tmpl.Valid() {
				return fmt.Errorf("unknown template %q", template)
			}

			logger := newLogger()
			rt, err := buildRuntime(logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			issueID := &issue

			runID, err := rt.orch.StartRun(cmd.Context(), issueID, tmpl)
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"run_id":   runID,
					"template": string(tmpl),
					"issue":    issueID,
				})
			}
			fmt.Printf("run %s enqueued (%d phases)\n", runID, len(tmpl.Phases()))
			return nil
		},
	}

	cmd.Flags().IntVar(&issue, "issue", 0, "tracker issue number driving the run")
	cmd.Flags().StringVar(&template, "template", string(phase.TemplateFullSDLC), "workflow template")
	return cmd
}
