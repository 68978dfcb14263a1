// Package history enriches terminal runs into the append-only
// workflow_history table. Recording happens off the run hot path: the
// recorder buffers rows and flushes them in batches.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devflowhq/adw/internal/agent"
	"github.com/devflowhq/adw/internal/db"
	"github.com/devflowhq/adw/internal/events"
	"github.com/devflowhq/adw/internal/phase"
	"github.com/devflowhq/adw/internal/queue"
	"github.com/devflowhq/adw/internal/runstate"
)

const (
	bufferThreshold = 10
	flushInterval   = 5 * time.Second

	// timeLayout is fixed-width so ORDER BY completed_at stays
	// chronological under string comparison. Parsing uses RFC3339Nano.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Row is one enriched terminal run.
type Row struct {
	RunID               string             `json:"run_id"`
	IssueID             *int               `json:"issue_id,omitempty"`
	WorkflowTemplate    string             `json:"workflow_template"`
	Status              string             `json:"status"`
	ErrorKind           string             `json:"error_kind,omitempty"`
	ErrorFingerprint    string             `json:"error_fingerprint,omitempty"`
	StartedAt           time.Time          `json:"started_at"`
	CompletedAt         time.Time          `json:"completed_at"`
	DurationMS          int64              `json:"duration_ms"`
	PhaseDurations      map[string]int64   `json:"phase_durations"`
	BottleneckPhase     string             `json:"bottleneck_phase,omitempty"`
	CostTotal           float64            `json:"cost_total"`
	CacheEfficiency     float64            `json:"cache_efficiency"`
	HourOfDay           int                `json:"hour_of_day"`
	DayOfWeek           int                `json:"day_of_week"`
	ClarityScore        float64            `json:"clarity_score"`
	CostEfficiencyScore float64            `json:"cost_efficiency_score"`
	PerformanceScore    float64            `json:"performance_score"`
	QualityScore        float64            `json:"quality_score"`
	RecordedAt          time.Time          `json:"recorded_at"`
}

// Recorder turns terminal run events into workflow_history rows.
type Recorder struct {
	db        *db.DB
	queue     *queue.Queue
	states    *runstate.Store
	publisher events.Publisher
	logger    *slog.Logger

	mu     sync.Mutex
	buffer []*Row
}

// NewRecorder creates a history recorder.
func NewRecorder(database *db.DB, q *queue.Queue, states *runstate.Store,
	publisher events.Publisher, logger *slog.Logger) *Recorder {
	return &Recorder{
		db:        database,
		queue:     q,
		states:    states,
		publisher: publisher,
		logger:    logger.With("component", "history"),
		buffer:    make([]*Row, 0, bufferThreshold),
	}
}

// Run consumes terminal run events until the context ends, then flushes
// whatever is still buffered.
func (r *Recorder) Run(ctx context.Context) {
	ch := r.publisher.Subscribe(events.GlobalRunID)
	defer r.publisher.Unsubscribe(events.GlobalRunID, ch)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			r.Flush(ctx)
		case event, ok := <-ch:
			if !ok {
				r.Flush(context.WithoutCancel(ctx))
				return
			}
			rc, isTerminal := terminalPayload(event)
			if !isTerminal {
				continue
			}
			if err := r.Record(ctx, event.RunID, rc); err != nil {
				r.logger.Error("record terminal run", "run_id", event.RunID, "error", err)
			}
		}
	}
}

// terminalPayload extracts the run-complete payload for statuses the
// history table records. Cancelled runs are coordination noise, not
// analytics material.
func terminalPayload(event events.Event) (events.RunComplete, bool) {
	if event.Type != events.EventRunComplete {
		return events.RunComplete{}, false
	}
	rc, ok := event.Data.(events.RunComplete)
	if !ok {
		return events.RunComplete{}, false
	}
	if rc.Status != "completed" && rc.Status != "failed" {
		return events.RunComplete{}, false
	}
	return rc, true
}

// Record enriches a terminal run and buffers the row. The buffer is
// flushed once it reaches the batch threshold.
func (r *Recorder) Record(ctx context.Context, runID string, rc events.RunComplete) error {
	row, err := r.enrich(ctx, runID, rc)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.buffer = append(r.buffer, row)
	full := len(r.buffer) >= bufferThreshold
	r.mu.Unlock()

	if full {
		r.Flush(ctx)
	}
	return nil
}

// enrich derives the analytics row from queue rows and the run state
// document.
func (r *Recorder) enrich(ctx context.Context, runID string, rc events.RunComplete) (*Row, error) {
	entries, err := r.queue.ByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("run %s has no queue entries", runID)
	}

	row := &Row{
		RunID:            runID,
		Status:           rc.Status,
		ErrorKind:        rc.ErrorKind,
		ErrorFingerprint: rc.Fingerprint,
		PhaseDurations:   make(map[string]int64),
		RecordedAt:       time.Now().UTC(),
	}

	started := time.Time{}
	completed := time.Time{}
	retries := 0
	failures := 0
	phases := make(map[int]bool)
	for _, e := range entries {
		phases[int(e.PhaseNumber)] = true
		if e.ParentIssue != nil {
			row.IssueID = e.ParentIssue
		}
		if e.RetryCount > retries {
			retries = e.RetryCount
		}
		if e.Status == queue.StatusFailed {
			failures++
		}
		if e.StartedAt != nil && (started.IsZero() || e.StartedAt.Before(started)) {
			started = *e.StartedAt
		}
		if e.CompletedAt != nil {
			if completed.IsZero() || e.CompletedAt.After(completed) {
				completed = *e.CompletedAt
			}
			if e.StartedAt != nil {
				row.PhaseDurations[e.PhaseName] += e.CompletedAt.Sub(*e.StartedAt).Milliseconds()
			}
		}
	}
	if started.IsZero() {
		started = entries[0].CreatedAt
	}
	if completed.IsZero() {
		completed = time.Now().UTC()
	}

	row.StartedAt = started
	row.CompletedAt = completed
	row.DurationMS = completed.Sub(started).Milliseconds()
	if row.DurationMS < 0 {
		row.DurationMS = 0
	}
	row.HourOfDay = started.UTC().Hour()
	row.DayOfWeek = int(started.UTC().Weekday())

	var bottleneckMS int64
	for name, ms := range row.PhaseDurations {
		if ms > bottleneckMS {
			bottleneckMS = ms
			row.BottleneckPhase = name
		}
	}

	cost := agent.CostReport{}
	row.WorkflowTemplate = string(phase.TemplateForPhaseCount(len(phases)))
	if doc, err := r.states.Load(runID); err == nil {
		if tmpl := doc.String(runstate.FieldWorkflowTemplate); tmpl != "" {
			row.WorkflowTemplate = tmpl
		}
		if m, ok := doc.Map(runstate.FieldAgentCost); ok {
			cost.CostUSD = num(m, "cost_usd")
			cost.InputTokens = int64(num(m, "input_tokens"))
			cost.CacheReadTokens = int64(num(m, "cache_read_tokens"))
		}
	}
	row.CostTotal = cost.CostUSD
	row.CacheEfficiency = cost.CacheEfficiency()

	row.ClarityScore = score(1.0 - 0.2*float64(retries))
	row.CostEfficiencyScore = score(0.5 + 0.5*row.CacheEfficiency)
	row.PerformanceScore = performanceScore(row.DurationMS, len(phases))
	row.QualityScore = score(1.0 - 0.25*float64(failures))
	if rc.Status == "failed" {
		row.QualityScore = 0
	}

	return row, nil
}

// performanceScore rewards runs that finish well under ten minutes per
// phase and decays linearly after that.
func performanceScore(durationMS int64, phaseCount int) float64 {
	if phaseCount == 0 {
		return 0
	}
	budget := float64(phaseCount) * 10 * time.Minute.Seconds() * 1000
	if budget == 0 {
		return 0
	}
	return score(1.0 - float64(durationMS)/budget)
}

func score(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func num(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// Flush writes buffered rows. Append-only: a re-recorded run id is
// ignored rather than rewritten.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	rows := r.buffer
	r.buffer = make([]*Row, 0, bufferThreshold)
	r.mu.Unlock()

	if len(rows) == 0 {
		return
	}

	for _, row := range rows {
		if err := r.insert(ctx, row); err != nil {
			r.logger.Error("persist history row", "run_id", row.RunID, "error", err)
			continue
		}
		r.publisher.Publish(events.New(events.EventHistory, row.RunID, row))
	}
	r.logger.Debug("history batch flushed", "rows", len(rows))
}

func (r *Recorder) insert(ctx context.Context, row *Row) error {
	durations, err := json.Marshal(row.PhaseDurations)
	if err != nil {
		return err
	}
	var issue any
	if row.IssueID != nil {
		issue = *row.IssueID
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_history (run_id, issue_id, workflow_template, status,
			error_kind, error_fingerprint, started_at, completed_at, duration_ms,
			phase_durations, bottleneck_phase, cost_total, cache_efficiency,
			hour_of_day, day_of_week, clarity_score, cost_efficiency_score,
			performance_score, quality_score, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO NOTHING`,
		row.RunID, issue, row.WorkflowTemplate, row.Status,
		nullable(row.ErrorKind), nullable(row.ErrorFingerprint),
		row.StartedAt.UTC().Format(timeLayout),
		row.CompletedAt.UTC().Format(timeLayout),
		row.DurationMS, string(durations), nullable(row.BottleneckPhase),
		row.CostTotal, row.CacheEfficiency, row.HourOfDay, row.DayOfWeek,
		row.ClarityScore, row.CostEfficiencyScore, row.PerformanceScore,
		row.QualityScore, row.RecordedAt.UTC().Format(timeLayout))
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Recent returns the most recently completed runs, newest first. Used
// by the history topic snapshot.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]*Row, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, issue_id, workflow_template, status, error_kind,
			error_fingerprint, started_at, completed_at, duration_ms,
			phase_durations, bottleneck_phase, cost_total, cache_efficiency,
			hour_of_day, day_of_week, clarity_score, cost_efficiency_score,
			performance_score, quality_score, recorded_at
		FROM workflow_history ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Row
	for rows.Next() {
		row := &Row{}
		var issue *int
		var errorKind, fingerprint, bottleneck *string
		var started, completed, recorded, durations string
		if err := rows.Scan(&row.RunID, &issue, &row.WorkflowTemplate, &row.Status,
			&errorKind, &fingerprint, &started, &completed, &row.DurationMS,
			&durations, &bottleneck, &row.CostTotal, &row.CacheEfficiency,
			&row.HourOfDay, &row.DayOfWeek, &row.ClarityScore,
			&row.CostEfficiencyScore, &row.PerformanceScore,
			&row.QualityScore, &recorded); err != nil {
			return nil, err
		}
		row.IssueID = issue
		if errorKind != nil {
			row.ErrorKind = *errorKind
		}
		if fingerprint != nil {
			row.ErrorFingerprint = *fingerprint
		}
		if bottleneck != nil {
			row.BottleneckPhase = *bottleneck
		}
		row.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		row.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
		row.RecordedAt, _ = time.Parse(time.RFC3339Nano, recorded)
		if err := json.Unmarshal([]byte(durations), &row.PhaseDurations); err != nil {
			row.PhaseDurations = map[string]int64{}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
