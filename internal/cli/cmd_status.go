package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/devflowhq/adw/internal/queue"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status [run-id]",
		Aliases: []string{"st"},
		Short:   "Show the phase queue",
		Long: `Show the phase queue at a glance, grouped by coordination state.

Examples:
  adw status                # All active work
  adw status adw-a1b2c3d4   # One run's phases
  adw status --all          # Include terminal rows older than 24h`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			showAll, _ := cmd.Flags().GetBool("all")

			logger := newLogger()
			rt, err := buildRuntime(logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			var entries []*queue.Entry
			if len(args) == 1 {
				entries, err = rt.queue.ByRun(cmd.Context(), args[0])
			} else {
				entries, err = rt.queue.All(cmd.Context())
			}
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(entries)
			}
			return showStatus(entries, showAll)
		},
	}

	cmd.Flags().BoolP("all", "a", false, "show all rows including old terminal ones")
	return cmd
}

func showStatus(entries []*queue.Entry, showAll bool) error {
	if len(entries) == 0 {
		fmt.Println("Queue is empty.")
		fmt.Println("\nGet started:")
		fmt.Println("  adw run --issue <number>")
		return nil
	}

	var running, ready, blocked, failed, recent, other []*queue.Entry
	dayAgo := time.Now().Add(-24 * time.Hour)

	for _, e := range entries {
		switch e.Status {
		case queue.StatusRunning:
			running = append(running, e)
		case queue.StatusReady:
			ready = append(ready, e)
		case queue.StatusQueued, queue.StatusBlocked:
			blocked = append(blocked, e)
		case queue.StatusFailed:
			failed = append(failed, e)
		case queue.StatusCompleted, queue.StatusCancelled:
			if e.CompletedAt != nil && e.CompletedAt.After(dayAgo) {
				recent = append(recent, e)
			} else if showAll {
				other = append(other, e)
			}
		default:
			other = append(other, e)
		}
	}

	sort.Slice(recent, func(i, j int) bool {
		return recent[i].CompletedAt.After(*recent[j].CompletedAt)
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if len(failed) > 0 {
		fmt.Println("FAILED")
		for _, e := range failed {
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\t(%s, retry %d)\n",
				e.RunID, e.PhaseName, e.QueueID, e.LastErrorKind, e.RetryCount)
		}
		_ = w.Flush()
		fmt.Println()
	}

	if len(running) > 0 {
		fmt.Println("RUNNING")
		for _, e := range running {
			hb := "no heartbeat"
			if e.HeartbeatAt != nil {
				hb = "heartbeat " + formatTimeAgo(*e.HeartbeatAt)
			}
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\t(%s)\n", e.RunID, e.PhaseName, e.QueueID, hb)
		}
		_ = w.Flush()
		fmt.Println()
	}

	if len(ready) > 0 {
		fmt.Println("READY")
		for _, e := range ready {
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\n", e.RunID, e.PhaseName, e.QueueID)
		}
		_ = w.Flush()
		fmt.Println()
	}

	if len(blocked) > 0 {
		fmt.Println("WAITING")
		for _, e := range blocked {
			dep := ""
			if e.DependsOnPhase != nil {
				dep = fmt.Sprintf("(after %s)", e.DependsOnPhase.Name())
			}
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", e.RunID, e.PhaseName, e.QueueID, dep)
		}
		_ = w.Flush()
		fmt.Println()
	}

	if len(recent) > 0 {
		fmt.Println("RECENT (24h)")
		for _, e := range recent {
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
				e.RunID, e.PhaseName, string(e.Status), formatTimeAgo(*e.CompletedAt))
		}
		_ = w.Flush()
		fmt.Println()
	}

	if showAll && len(other) > 0 {
		fmt.Println("OTHER")
		for _, e := range other {
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\n", e.RunID, e.PhaseName, string(e.Status))
		}
		_ = w.Flush()
		fmt.Println()
	}

	runs := make(map[string]struct{})
	for _, e := range entries {
		runs[e.RunID] = struct{}{}
	}
	summary := []string{
		fmt.Sprintf("%d running", len(running)),
		fmt.Sprintf("%d ready", len(ready)),
	}
	if len(failed) > 0 {
		summary = append(summary, fmt.Sprintf("%d failed", len(failed)))
	}
	fmt.Printf("--- %d rows across %d runs (%s) ---\n",
		len(entries), len(runs), strings.Join(summary, ", "))

	return nil
}

// formatTimeAgo returns a human-readable relative time
func formatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		m := int(d.Minutes())
		if m == 1 {
			return "1 min ago"
		}
		return fmt.Sprintf("%d mins ago", m)
	case d < 24*time.Hour:
		h := int(d.Hours())
		if h == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", h)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "yesterday"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}
