package history

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflowhq/adw/internal/db"
	"github.com/devflowhq/adw/internal/events"
	"github.com/devflowhq/adw/internal/phase"
	"github.com/devflowhq/adw/internal/queue"
	"github.com/devflowhq/adw/internal/runstate"
)

type harness struct {
	rec    *Recorder
	db     *db.DB
	queue  *queue.Queue
	states *runstate.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database := db.NewTestDB(t)
	q := queue.New(database)
	states := runstate.NewStore(t.TempDir())
	rec := NewRecorder(database, q, states, events.NewNopPublisher(), slog.Default())
	return &harness{rec: rec, db: database, queue: q, states: states}
}

// completeRun drives every row of a run to completed so timestamps are
// populated the way real execution leaves them.
func completeRun(t *testing.T, q *queue.Queue, runID string, tmpl phase.Template) {
	t.Helper()
	ctx := context.Background()
	issue := 77
	ids, err := q.EnqueueRun(ctx, runID, &issue, tmpl)
	require.NoError(t, err)

	for i, id := range ids {
		if i > 0 {
			entry, err := q.Get(ctx, id)
			require.NoError(t, err)
			if entry.Status == queue.StatusQueued {
				require.NoError(t, q.Transition(ctx, id, queue.StatusReady, ""))
			}
		}
		require.NoError(t, q.Transition(ctx, id, queue.StatusRunning, ""))
		require.NoError(t, q.Transition(ctx, id, queue.StatusCompleted, ""))
	}
}

func TestRecordEnrichesCompletedRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	completeRun(t, h.queue, "run-1", phase.TemplateMultiPhase)

	// Backdate the build phase start so it dominates the durations.
	backdated := time.Now().UTC().Add(-2 * time.Second).Format(time.RFC3339Nano)
	_, err := h.db.Exec(
		`UPDATE phase_queue SET started_at = ? WHERE run_id = 'run-1' AND phase_number = 3`, backdated)
	require.NoError(t, err)

	_, err = h.states.Create("run-1", map[string]any{
		"run_id":                       "run-1",
		runstate.FieldWorkflowTemplate: string(phase.TemplateMultiPhase),
		runstate.FieldAgentCost: map[string]any{
			"cost_usd":          1.25,
			"input_tokens":      float64(1000),
			"cache_read_tokens": float64(3000),
		},
	})
	require.NoError(t, err)

	require.NoError(t, h.rec.Record(ctx, "run-1", events.RunComplete{Status: "completed"}))
	h.rec.Flush(ctx)

	rows, err := h.rec.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "run-1", row.RunID)
	assert.Equal(t, "completed", row.Status)
	assert.Equal(t, string(phase.TemplateMultiPhase), row.WorkflowTemplate)
	require.NotNil(t, row.IssueID)
	assert.Equal(t, 77, *row.IssueID)
	assert.InDelta(t, 1.25, row.CostTotal, 0.001)
	assert.InDelta(t, 0.75, row.CacheEfficiency, 0.001)
	assert.Len(t, row.PhaseDurations, 5)
	assert.Equal(t, "build", row.BottleneckPhase)
	assert.GreaterOrEqual(t, row.DurationMS, int64(1900))
	assert.Equal(t, 1.0, row.QualityScore)
	assert.GreaterOrEqual(t, row.HourOfDay, 0)
	assert.LessOrEqual(t, row.HourOfDay, 23)
}

func TestRecordFailedRunCarriesErrorIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	issue := 5
	ids, err := h.queue.EnqueueRun(ctx, "run-2", &issue, phase.TemplateSinglePhase)
	require.NoError(t, err)
	require.NoError(t, h.queue.Transition(ctx, ids[0], queue.StatusRunning, ""))
	require.NoError(t, h.queue.Transition(ctx, ids[0], queue.StatusFailed, "looping"))

	require.NoError(t, h.rec.Record(ctx, "run-2", events.RunComplete{
		Status:      "failed",
		ErrorKind:   "looping",
		Fingerprint: "abc123",
	}))
	h.rec.Flush(ctx)

	rows, err := h.rec.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "failed", rows[0].Status)
	assert.Equal(t, "looping", rows[0].ErrorKind)
	assert.Equal(t, "abc123", rows[0].ErrorFingerprint)
	assert.Equal(t, 0.0, rows[0].QualityScore)
}

func TestRecordIsAppendOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	completeRun(t, h.queue, "run-3", phase.TemplateSinglePhase)

	require.NoError(t, h.rec.Record(ctx, "run-3", events.RunComplete{Status: "completed"}))
	h.rec.Flush(ctx)
	require.NoError(t, h.rec.Record(ctx, "run-3", events.RunComplete{Status: "failed"}))
	h.rec.Flush(ctx)

	rows, err := h.rec.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "completed", rows[0].Status, "first record wins")
}

func TestRecordUnknownRunFails(t *testing.T) {
	h := newHarness(t)
	err := h.rec.Record(context.Background(), "ghost", events.RunComplete{Status: "completed"})
	assert.Error(t, err)
}

func TestRunConsumesTerminalEvents(t *testing.T) {
	database := db.NewTestDB(t)
	q := queue.New(database)
	states := runstate.NewStore(t.TempDir())
	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)
	rec := NewRecorder(database, q, states, pub, slog.Default())

	completeRun(t, q, "run-4", phase.TemplateSinglePhase)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	pub.Publish(events.New(events.EventRunComplete, "run-4", events.RunComplete{Status: "completed"}))
	// Cancellation events are ignored by the recorder.
	pub.Publish(events.New(events.EventRunComplete, "run-x", events.RunComplete{Status: "cancelled"}))

	require.Eventually(t, func() bool {
		rec.Flush(context.Background())
		rows, err := rec.Recent(context.Background(), 10)
		return err == nil && len(rows) == 1
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	<-done

	rows, err := rec.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "run-4", rows[0].RunID)
}
