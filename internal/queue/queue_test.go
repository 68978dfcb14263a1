package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflowhq/adw/internal/adwerrors"
	"github.com/devflowhq/adw/internal/db"
	"github.com/devflowhq/adw/internal/phase"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return New(db.NewTestDB(t))
}

func TestEnqueueNoDependencyIsReady(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "run-1", phase.Plan, EnqueueOptions{})
	require.NoError(t, err)

	entry, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, entry.Status)
	assert.Equal(t, "plan", entry.PhaseName)
	assert.NotNil(t, entry.ReadyAt)
	assert.Equal(t, 0, entry.Attempt)
}

func TestEnqueueWithDependencyIsQueued(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	dep := phase.Plan
	id, err := q.Enqueue(ctx, "run-1", phase.Validate, EnqueueOptions{DependsOnPhase: &dep})
	require.NoError(t, err)

	entry, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, entry.Status)
	assert.Nil(t, entry.ReadyAt)
	require.NotNil(t, entry.DependsOnPhase)
	assert.Equal(t, phase.Plan, *entry.DependsOnPhase)
}

func TestEnqueueRunChainsDependencies(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	issue := 42
	ids, err := q.EnqueueRun(ctx, "run-1", &issue, phase.TemplateMultiPhase)
	require.NoError(t, err)
	require.Len(t, ids, 5)

	entries, err := q.ByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 5)

	assert.Equal(t, StatusReady, entries[0].Status)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, StatusQueued, entries[i].Status)
		require.NotNil(t, entries[i].DependsOnPhase)
		assert.Equal(t, entries[i-1].PhaseNumber, *entries[i].DependsOnPhase)
	}
}

func TestGetNotFound(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, adwerrors.ErrNotFound)
}

func TestNextReadyOrdersByAge(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "run-1", phase.Plan, EnqueueOptions{})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = q.Enqueue(ctx, "run-2", phase.Plan, EnqueueOptions{})
	require.NoError(t, err)

	next, err := q.NextReady(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, first, next.QueueID)
}

func TestNextReadyOrdersSubsecondTimestamps(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	// 120ms vs 123ms after the same second: a trailing-zero-trimming
	// layout would sort ".12Z" after ".123Z" and dispatch out of order.
	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	older, err := q.Enqueue(ctx, "run-older", phase.Plan, EnqueueOptions{})
	require.NoError(t, err)
	newer, err := q.Enqueue(ctx, "run-newer", phase.Plan, EnqueueOptions{})
	require.NoError(t, err)

	for id, at := range map[string]time.Time{
		older: base.Add(120 * time.Millisecond),
		newer: base.Add(123 * time.Millisecond),
	} {
		_, err = q.db.ExecContext(ctx,
			`UPDATE phase_queue SET created_at = ? WHERE queue_id = ?`,
			at.Format(timeLayout), id)
		require.NoError(t, err)
	}

	next, err := q.NextReady(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, older, next.QueueID)
}

func TestTimeLayoutSortsChronologically(t *testing.T) {
	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	older := base.Add(120 * time.Millisecond).Format(timeLayout)
	newer := base.Add(123 * time.Millisecond).Format(timeLayout)
	assert.Less(t, older, newer)

	// Rows written before the fixed-width layout still parse.
	_, err := time.Parse(time.RFC3339Nano, "2026-08-26T10:00:00.12Z")
	require.NoError(t, err)
	_, err = time.Parse(time.RFC3339Nano, older)
	require.NoError(t, err)
}

func TestNextReadyEmpty(t *testing.T) {
	q := newTestQueue(t)

	next, err := q.NextReady(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestTransitionLifecycle(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "run-1", phase.Plan, EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, q.Transition(ctx, id, StatusRunning, ""))
	entry, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, entry.Status)
	assert.NotNil(t, entry.StartedAt)
	assert.NotNil(t, entry.HeartbeatAt)

	require.NoError(t, q.Transition(ctx, id, StatusCompleted, ""))
	entry, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, entry.Status)
	assert.NotNil(t, entry.CompletedAt)
}

func TestTransitionIllegalEdge(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "run-1", phase.Plan, EnqueueOptions{})
	require.NoError(t, err)

	err = q.Transition(ctx, id, StatusCompleted, "")
	assert.Error(t, err)
}

func TestTransitionFromTerminalRejected(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "run-1", phase.Plan, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Transition(ctx, id, StatusRunning, ""))
	require.NoError(t, q.Transition(ctx, id, StatusCompleted, ""))

	err = q.Transition(ctx, id, StatusCancelled, "")
	assert.Error(t, err)
}

func TestTransitionFailedRecordsErrorKind(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "run-1", phase.Build, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Transition(ctx, id, StatusRunning, ""))
	require.NoError(t, q.Transition(ctx, id, StatusFailed, "external_tool_failure"))

	entry, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, entry.Status)
	assert.Equal(t, "external_tool_failure", entry.LastErrorKind)
}

func TestTransitionFailedToReadyIncrementsRetryCount(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "run-1", phase.Build, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Transition(ctx, id, StatusRunning, ""))
	require.NoError(t, q.Transition(ctx, id, StatusFailed, "timeout"))
	require.NoError(t, q.Transition(ctx, id, StatusReady, ""))

	entry, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)
}

func TestTransitionLostRace(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "run-1", phase.Plan, EnqueueOptions{})
	require.NoError(t, err)

	entry, err := q.Get(ctx, id)
	require.NoError(t, err)

	// A competing worker claims the entry between our read and write.
	require.NoError(t, q.Transition(ctx, id, StatusRunning, ""))

	// Replay the stale transition by forcing the guarded update directly.
	res, err := q.db.ExecContext(ctx,
		`UPDATE phase_queue SET status = ? WHERE queue_id = ? AND status = ?`,
		string(StatusRunning), id, string(entry.Status))
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMarkDependentsReady(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueRun(ctx, "run-1", nil, phase.TemplateMultiPhase)
	require.NoError(t, err)

	entries, err := q.ByRun(ctx, "run-1")
	require.NoError(t, err)

	planID := entries[0].QueueID
	require.NoError(t, q.Transition(ctx, planID, StatusRunning, ""))
	require.NoError(t, q.Transition(ctx, planID, StatusCompleted, ""))
	require.NoError(t, q.MarkDependentsReady(ctx, "run-1", phase.Plan))

	entries, err = q.ByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, entries[1].Status)
	assert.Equal(t, StatusQueued, entries[2].Status)
}

func TestCompletionsFormPrefixOfSelectedSequence(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueRun(ctx, "run-1", nil, phase.TemplateMultiPhase)
	require.NoError(t, err)

	selected := phase.TemplateMultiPhase.Phases()

	// Drive the run to completion one phase at a time. After each
	// completion the completed set must be exactly selected[:i+1]: the
	// dependency chain never lets a later phase run early, even across
	// the template's gaps (build -> test skips lint, test -> cleanup
	// skips review through ship).
	for i := range selected {
		entries, err := q.ByRun(ctx, "run-1")
		require.NoError(t, err)

		ready := entries[i]
		assert.Equal(t, selected[i], ready.PhaseNumber)
		assert.Equal(t, StatusReady, ready.Status)
		for _, later := range entries[i+1:] {
			assert.Equal(t, StatusQueued, later.Status)
		}

		require.NoError(t, q.Transition(ctx, ready.QueueID, StatusRunning, ""))
		require.NoError(t, q.Transition(ctx, ready.QueueID, StatusCompleted, ""))
		require.NoError(t, q.MarkDependentsReady(ctx, "run-1", ready.PhaseNumber))

		entries, err = q.ByRun(ctx, "run-1")
		require.NoError(t, err)
		var completed []phase.Number
		for _, e := range entries {
			if e.Status == StatusCompleted {
				completed = append(completed, e.PhaseNumber)
			}
		}
		assert.Equal(t, selected[:i+1], completed)
	}
}

func TestDependencySatisfied(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	planID, err := q.Enqueue(ctx, "run-1", phase.Plan, EnqueueOptions{})
	require.NoError(t, err)
	dep := phase.Plan
	validateID, err := q.Enqueue(ctx, "run-1", phase.Validate, EnqueueOptions{DependsOnPhase: &dep})
	require.NoError(t, err)

	entry, err := q.Get(ctx, validateID)
	require.NoError(t, err)

	ok, err := q.DependencySatisfied(ctx, entry)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.Transition(ctx, planID, StatusRunning, ""))
	require.NoError(t, q.Transition(ctx, planID, StatusCompleted, ""))

	ok, err = q.DependencySatisfied(ctx, entry)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRequeueForRetryCreatesFreshAttempt(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "run-1", phase.Test, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Transition(ctx, id, StatusRunning, ""))
	require.NoError(t, q.Transition(ctx, id, StatusFailed, "agent_failure"))

	failed, err := q.Get(ctx, id)
	require.NoError(t, err)

	retryID, err := q.RequeueForRetry(ctx, failed)
	require.NoError(t, err)
	assert.NotEqual(t, id, retryID)

	retry, err := q.Get(ctx, retryID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, retry.Status)
	assert.Equal(t, 1, retry.Attempt)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, failed.PhaseNumber, retry.PhaseNumber)

	// The failed row stays intact for audit.
	still, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, still.Status)
}

func TestResetStale(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "run-1", phase.Build, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Transition(ctx, id, StatusRunning, ""))

	// Backdate the heartbeat past the cutoff.
	old := time.Now().UTC().Add(-time.Hour).Format(timeLayout)
	_, err = q.db.ExecContext(ctx,
		`UPDATE phase_queue SET heartbeat_at = ? WHERE queue_id = ?`, old, id)
	require.NoError(t, err)

	n, err := q.ResetStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entry, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, entry.Status)
}

func TestResetStaleLeavesFreshRunning(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "run-1", phase.Build, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Transition(ctx, id, StatusRunning, ""))
	require.NoError(t, q.Heartbeat(ctx, id))

	n, err := q.ResetStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancelRunLeavesCompleted(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueRun(ctx, "run-1", nil, phase.TemplateMultiPhase)
	require.NoError(t, err)

	entries, err := q.ByRun(ctx, "run-1")
	require.NoError(t, err)
	planID := entries[0].QueueID
	require.NoError(t, q.Transition(ctx, planID, StatusRunning, ""))
	require.NoError(t, q.Transition(ctx, planID, StatusCompleted, ""))

	require.NoError(t, q.CancelRun(ctx, "run-1"))

	entries, err = q.ByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, entries[0].Status)
	for _, e := range entries[1:] {
		assert.Equal(t, StatusCancelled, e.Status)
	}
}

func TestCanTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StatusQueued, StatusReady))
	assert.True(t, CanTransition(StatusFailed, StatusReady))
	assert.True(t, CanTransition(StatusRunning, StatusReady))
	assert.False(t, CanTransition(StatusCompleted, StatusReady))
	assert.False(t, CanTransition(StatusCancelled, StatusReady))
	assert.False(t, CanTransition(StatusQueued, StatusRunning))
}
