package agent

import (
	"context"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflowhq/adw/internal/adwerrors"
	"github.com/devflowhq/adw/internal/config"
)

func newShellRunner(args ...string) *Runner {
	return NewRunner(config.AgentConfig{Command: "sh", Args: args}, slog.Default())
}

func TestParseCostReport(t *testing.T) {
	stdout := `working on plan...
analyzing repo
{"cost_usd": 0.42, "input_tokens": 1000, "output_tokens": 250, "cache_read_tokens": 3000}`

	report := ParseCostReport(stdout)
	assert.Equal(t, 0.42, report.CostUSD)
	assert.Equal(t, int64(1000), report.InputTokens)
	assert.Equal(t, int64(250), report.OutputTokens)
	assert.Equal(t, int64(3000), report.CacheReadTokens)
}

func TestParseCostReportTakesLastReportLine(t *testing.T) {
	stdout := `{"cost_usd": 0.1}
progress
{"cost_usd": 0.9, "input_tokens": 5}`

	report := ParseCostReport(stdout)
	assert.Equal(t, 0.9, report.CostUSD)
}

func TestParseCostReportIgnoresNonReportJSON(t *testing.T) {
	stdout := `{"event": "tool_use"}
done`

	report := ParseCostReport(stdout)
	assert.Zero(t, report.CostUSD)
}

func TestParseCostReportEmpty(t *testing.T) {
	assert.Zero(t, ParseCostReport(""))
}

func TestCacheEfficiency(t *testing.T) {
	assert.Zero(t, CostReport{}.CacheEfficiency())
	assert.InDelta(t, 0.75,
		CostReport{InputTokens: 1000, CacheReadTokens: 3000}.CacheEfficiency(), 0.001)
}

func TestRunCapturesOutputAndCost(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	r := newShellRunner("-c", `echo building; echo '{"cost_usd": 0.05, "output_tokens": 7}'`)

	result, err := r.Run(context.Background(), Invocation{Mode: "build", RunID: "run-1", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, "building")
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, 0.05, result.Cost.CostUSD)
}

func TestRunNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	r := newShellRunner("-c", "echo boom >&2; exit 3")

	result, err := r.Run(context.Background(), Invocation{Mode: "build", RunID: "run-1", Dir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, adwerrors.KindExternalToolFailure, adwerrors.KindOf(err))
	require.NotNil(t, result)
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Stderr, "boom")
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh and process groups")
	}
	r := newShellRunner("-c", "sleep 30")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, Invocation{Mode: "test", RunID: "run-1", Dir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, adwerrors.KindTimeout, adwerrors.KindOf(err))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunCancelled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh and process groups")
	}
	r := newShellRunner("-c", "sleep 30")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, Invocation{Mode: "test", RunID: "run-1", Dir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, adwerrors.KindCancelled, adwerrors.KindOf(err))
}
