// Package agent invokes the external coding agent as a subprocess and
// captures its output and cost report. The agent binary is opaque: adw
// only knows its CLI surface and its final JSON report line.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/devflowhq/adw/internal/adwerrors"
	"github.com/devflowhq/adw/internal/config"
)

// termGrace is how long a terminated agent gets to exit before the
// whole process group is killed.
const termGrace = 5 * time.Second

// CostReport is the usage summary the agent prints as its final JSON
// line on stdout. Missing fields report as zero.
type CostReport struct {
	CostUSD         float64 `json:"cost_usd"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	CacheReadTokens int64   `json:"cache_read_tokens"`
}

// Add returns the element-wise sum of two reports.
func (c CostReport) Add(o CostReport) CostReport {
	return CostReport{
		CostUSD:         c.CostUSD + o.CostUSD,
		InputTokens:     c.InputTokens + o.InputTokens,
		OutputTokens:    c.OutputTokens + o.OutputTokens,
		CacheReadTokens: c.CacheReadTokens + o.CacheReadTokens,
	}
}

// CacheEfficiency is the share of input served from cache, in [0, 1].
func (c CostReport) CacheEfficiency() float64 {
	total := c.InputTokens + c.CacheReadTokens
	if total == 0 {
		return 0
	}
	return float64(c.CacheReadTokens) / float64(total)
}

// Invocation describes one agent subprocess launch.
type Invocation struct {
	// Mode is the agent subcommand: plan, build, repair, document, verify.
	Mode string
	// RunID scopes the agent's own scratch state.
	RunID string
	// Dir is the working directory, normally the run's worktree.
	Dir string
	// Args are appended after the mode.
	Args []string
	// Env entries are added to the inherited environment.
	Env []string
	// Stdin is piped to the agent when non-empty.
	Stdin string
}

// Result captures a finished agent invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Cost     CostReport
}

// Runner launches agent subprocesses.
type Runner struct {
	command  string
	baseArgs []string
	logger   *slog.Logger
}

// NewRunner creates a runner for the configured agent command.
func NewRunner(cfg config.AgentConfig, logger *slog.Logger) *Runner {
	return &Runner{
		command:  cfg.Command,
		baseArgs: cfg.Args,
		logger:   logger.With("component", "agent"),
	}
}

// Run executes the agent and waits for it to exit. Context cancellation
// sends SIGTERM to the process group, then SIGKILL after a grace
// period. A non-zero exit is returned as an error alongside the result
// so callers can inspect output for fingerprinting.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	args := append(append([]string{}, r.baseArgs...), inv.Mode)
	args = append(args, inv.Args...)

	cmd := exec.Command(r.command, args...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)
	cmd.Env = append(cmd.Env, "ADW_RUN_ID="+inv.RunID)
	setProcAttr(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if inv.Stdin != "" {
		cmd.Stdin = strings.NewReader(inv.Stdin)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, adwerrors.Wrap(adwerrors.KindExternalToolFailure,
			fmt.Sprintf("start agent %s %s", r.command, inv.Mode), err)
	}

	r.logger.Debug("agent started",
		"mode", inv.Mode, "run_id", inv.RunID, "pid", cmd.Process.Pid)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		pid := cmd.Process.Pid
		_ = terminateProcessGroup(pid)
		select {
		case waitErr = <-waitCh:
		case <-time.After(termGrace):
			_ = killProcessGroup(pid)
			waitErr = <-waitCh
		}
		result := r.buildResult(&stdout, &stderr, cmd, start)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, adwerrors.Wrap(adwerrors.KindTimeout,
				fmt.Sprintf("agent %s timed out", inv.Mode), ctx.Err())
		}
		return result, adwerrors.Wrap(adwerrors.KindCancelled,
			fmt.Sprintf("agent %s cancelled", inv.Mode), ctx.Err())
	}

	result := r.buildResult(&stdout, &stderr, cmd, start)
	if waitErr != nil {
		return result, adwerrors.Wrap(adwerrors.KindExternalToolFailure,
			fmt.Sprintf("agent %s exited with code %d", inv.Mode, result.ExitCode), waitErr)
	}

	r.logger.Debug("agent finished",
		"mode", inv.Mode, "run_id", inv.RunID,
		"duration", result.Duration, "cost_usd", result.Cost.CostUSD)
	return result, nil
}

func (r *Runner) buildResult(stdout, stderr *bytes.Buffer, cmd *exec.Cmd, start time.Time) *Result {
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	res.Cost = ParseCostReport(res.Stdout)
	return res
}

// ParseResult extracts the structured "result" object from the agent's
// report line, or nil when the agent produced none.
func ParseResult(stdout string) map[string]any {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		result := gjson.Parse(line).Get("result")
		if !result.IsObject() {
			continue
		}
		if m, ok := result.Value().(map[string]any); ok {
			return m
		}
	}
	return nil
}

// ParseCostReport extracts the cost report from agent stdout. The
// report is the last line that parses as a JSON object containing a
// cost_usd field; everything else on stdout is free-form progress text.
func ParseCostReport(stdout string) CostReport {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		parsed := gjson.Parse(line)
		if !parsed.IsObject() || !parsed.Get("cost_usd").Exists() {
			continue
		}
		return CostReport{
			CostUSD:         parsed.Get("cost_usd").Float(),
			InputTokens:     parsed.Get("input_tokens").Int(),
			OutputTokens:    parsed.Get("output_tokens").Int(),
			CacheReadTokens: parsed.Get("cache_read_tokens").Int(),
		}
	}
	return CostReport{}
}
