package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devflowhq/adw/internal/adwerrors"
	"github.com/devflowhq/adw/internal/db"
	"github.com/devflowhq/adw/internal/phase"
)

// timeLayout is the stored timestamp format. The fractional part is
// fixed-width so lexicographic order equals chronological order, which
// the ready-selection ORDER BY and the stale-heartbeat comparison rely
// on. RFC3339Nano trims trailing zeros and breaks that property.
// Parsing stays on RFC3339Nano, which accepts both forms.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Queue provides phase queue operations over the coordination database.
type Queue struct {
	db *db.DB
}

// New creates a Queue over an opened database.
func New(database *db.DB) *Queue {
	return &Queue{db: database}
}

const entryColumns = `queue_id, run_id, parent_issue, phase_number, phase_name, status,
	depends_on_phase, webhook_fingerprint, attempt, retry_count, last_error_kind,
	created_at, ready_at, started_at, completed_at, heartbeat_at`

// Enqueue inserts a new work item. Entries with no dependency are
// immediately stamped ready; dependent entries start queued and are
// promoted by MarkDependentsReady when their dependency completes.
func (q *Queue) Enqueue(ctx context.Context, runID string, num phase.Number, opts EnqueueOptions) (string, error) {
	if !num.Valid() {
		return "", fmt.Errorf("phase number %d out of range", num)
	}

	queueID := uuid.NewString()
	now := time.Now().UTC()

	status := StatusQueued
	var readyAt any
	if opts.DependsOnPhase == nil {
		status = StatusReady
		readyAt = now.Format(timeLayout)
	}

	var dependsOn any
	if opts.DependsOnPhase != nil {
		dependsOn = int(*opts.DependsOnPhase)
	}
	var parentIssue any
	if opts.ParentIssue != nil {
		parentIssue = *opts.ParentIssue
	}
	var fingerprint any
	if opts.WebhookFingerprint != "" {
		fingerprint = opts.WebhookFingerprint
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO phase_queue (queue_id, run_id, parent_issue, phase_number, phase_name,
			status, depends_on_phase, webhook_fingerprint, attempt, retry_count, created_at, ready_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		queueID, runID, parentIssue, int(num), num.Name(),
		string(status), dependsOn, fingerprint, now.Format(timeLayout), readyAt)
	if err != nil {
		return "", fmt.Errorf("enqueue phase %s for run %s: %w", num.Name(), runID, err)
	}

	return queueID, nil
}

// EnqueueRun enqueues every phase of the template for a run, chaining
// depends_on_phase to the previous selected phase.
func (q *Queue) EnqueueRun(ctx context.Context, runID string, parentIssue *int, tmpl phase.Template) ([]string, error) {
	var ids []string
	var prev *phase.Number
	for _, num := range tmpl.Phases() {
		n := num
		id, err := q.Enqueue(ctx, runID, n, EnqueueOptions{
			ParentIssue:    parentIssue,
			DependsOnPhase: prev,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
		prev = &n
	}
	return ids, nil
}

// Get returns an entry by primary key.
func (q *Queue) Get(ctx context.Context, queueID string) (*Entry, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM phase_queue WHERE queue_id = ?`, queueID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("queue entry %s: %w", queueID, adwerrors.ErrNotFound)
	}
	return entry, err
}

// ByRun returns all entries for a run ordered by phase number, then
// attempt, so retries appear after the rows they supersede.
func (q *Queue) ByRun(ctx context.Context, runID string) ([]*Entry, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM phase_queue
		 WHERE run_id = ? ORDER BY phase_number, attempt`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// NextReady returns the oldest ready entry, ties broken by queue_id
// ascending. Returns nil when nothing is ready.
func (q *Queue) NextReady(ctx context.Context) (*Entry, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM phase_queue
		 WHERE status = ? ORDER BY created_at, queue_id LIMIT 1`, string(StatusReady))
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

// Transition moves an entry along a DAG edge. The UPDATE is guarded on
// the current status so a lost race surfaces as adwerrors.ErrLostRace
// instead of a silent double transition; callers reselect.
func (q *Queue) Transition(ctx context.Context, queueID string, to Status, errorKind string) error {
	entry, err := q.Get(ctx, queueID)
	if err != nil {
		return err
	}

	from := entry.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal queue transition %s -> %s for %s", from, to, queueID)
	}

	now := time.Now().UTC().Format(timeLayout)

	set := `status = ?`
	args := []any{string(to)}
	switch to {
	case StatusReady:
		set += `, ready_at = ?`
		args = append(args, now)
		if from == StatusFailed {
			set += `, retry_count = retry_count + 1`
		}
	case StatusRunning:
		set += `, started_at = ?, heartbeat_at = ?`
		args = append(args, now, now)
	case StatusCompleted, StatusCancelled:
		set += `, completed_at = ?`
		args = append(args, now)
	case StatusFailed:
		set += `, completed_at = ?, last_error_kind = ?`
		args = append(args, now, errorKind)
	}

	args = append(args, queueID, string(from))
	res, err := q.db.ExecContext(ctx,
		`UPDATE phase_queue SET `+set+` WHERE queue_id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("transition %s to %s: %w", queueID, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition %s rows affected: %w", queueID, err)
	}
	if n == 0 {
		return adwerrors.ErrLostRace
	}
	return nil
}

// MarkDependentsReady promotes queued/blocked entries of a run whose
// dependency just completed.
func (q *Queue) MarkDependentsReady(ctx context.Context, runID string, completed phase.Number) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := q.db.ExecContext(ctx, `
		UPDATE phase_queue SET status = ?, ready_at = ?
		WHERE run_id = ? AND depends_on_phase = ? AND status IN (?, ?)`,
		string(StatusReady), now, runID, int(completed),
		string(StatusQueued), string(StatusBlocked))
	if err != nil {
		return fmt.Errorf("mark dependents ready for run %s phase %d: %w", runID, completed, err)
	}
	return nil
}

// DependencySatisfied reports whether the entry's dependency, if any,
// has a completed row.
func (q *Queue) DependencySatisfied(ctx context.Context, entry *Entry) (bool, error) {
	if entry.DependsOnPhase == nil {
		return true, nil
	}
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM phase_queue
		WHERE run_id = ? AND phase_number = ? AND status = ?`,
		entry.RunID, int(*entry.DependsOnPhase), string(StatusCompleted)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check dependency for %s: %w", entry.QueueID, err)
	}
	return n > 0, nil
}

// RequeueForRetry records an explicit retry: a fresh row for the same
// (run, phase) with a monotonically increasing attempt sub-index and an
// incremented retry count. The failed row is left intact for audit.
func (q *Queue) RequeueForRetry(ctx context.Context, failed *Entry) (string, error) {
	queueID := uuid.NewString()
	now := time.Now().UTC().Format(timeLayout)

	var dependsOn any
	if failed.DependsOnPhase != nil {
		dependsOn = int(*failed.DependsOnPhase)
	}
	var parentIssue any
	if failed.ParentIssue != nil {
		parentIssue = *failed.ParentIssue
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO phase_queue (queue_id, run_id, parent_issue, phase_number, phase_name,
			status, depends_on_phase, attempt, retry_count, created_at, ready_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		queueID, failed.RunID, parentIssue, int(failed.PhaseNumber), failed.PhaseName,
		string(StatusReady), dependsOn, failed.Attempt+1, failed.RetryCount+1, now, now)
	if err != nil {
		return "", fmt.Errorf("requeue %s attempt %d: %w", failed.QueueID, failed.Attempt+1, err)
	}
	return queueID, nil
}

// Heartbeat stamps a running entry so crash recovery can tell live
// workers from orphans.
func (q *Queue) Heartbeat(ctx context.Context, queueID string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := q.db.ExecContext(ctx,
		`UPDATE phase_queue SET heartbeat_at = ? WHERE queue_id = ? AND status = ?`,
		now, queueID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", queueID, err)
	}
	return nil
}

// ResetStale returns running entries whose heartbeat is older than the
// cutoff to ready. Called at orchestrator startup and periodically; the
// idempotency gate makes the re-execution safe.
func (q *Queue) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)
	now := time.Now().UTC().Format(timeLayout)
	res, err := q.db.ExecContext(ctx, `
		UPDATE phase_queue SET status = ?, ready_at = ?
		WHERE status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)`,
		string(StatusReady), now, string(StatusRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stale entries: %w", err)
	}
	return res.RowsAffected()
}

// CancelRun marks all non-terminal entries of a run cancelled.
// Completed rows stay intact for audit.
func (q *Queue) CancelRun(ctx context.Context, runID string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := q.db.ExecContext(ctx, `
		UPDATE phase_queue SET status = ?, completed_at = ?
		WHERE run_id = ? AND status IN (?, ?, ?, ?, ?)`,
		string(StatusCancelled), now, runID,
		string(StatusQueued), string(StatusBlocked), string(StatusReady),
		string(StatusRunning), string(StatusFailed))
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	return nil
}

// All returns every entry, newest runs first. Used by the hub's queue
// topic snapshot.
func (q *Queue) All(ctx context.Context) ([]*Entry, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM phase_queue ORDER BY created_at DESC, queue_id LIMIT 500`)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var parentIssue sql.NullInt64
	var dependsOn sql.NullInt64
	var fingerprint, errorKind sql.NullString
	var createdAt string
	var readyAt, startedAt, completedAt, heartbeatAt sql.NullString
	var status string
	var phaseNumber int

	err := s.Scan(&e.QueueID, &e.RunID, &parentIssue, &phaseNumber, &e.PhaseName, &status,
		&dependsOn, &fingerprint, &e.Attempt, &e.RetryCount, &errorKind,
		&createdAt, &readyAt, &startedAt, &completedAt, &heartbeatAt)
	if err != nil {
		return nil, err
	}

	e.PhaseNumber = phase.Number(phaseNumber)
	e.Status = Status(status)
	if parentIssue.Valid {
		v := int(parentIssue.Int64)
		e.ParentIssue = &v
	}
	if dependsOn.Valid {
		v := phase.Number(dependsOn.Int64)
		e.DependsOnPhase = &v
	}
	e.WebhookFingerprint = fingerprint.String
	e.LastErrorKind = errorKind.String

	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", e.QueueID, err)
	}
	e.ReadyAt = parseNullTime(readyAt)
	e.StartedAt = parseNullTime(startedAt)
	e.CompletedAt = parseNullTime(completedAt)
	e.HeartbeatAt = parseNullTime(heartbeatAt)

	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue rows: %w", err)
	}
	return entries, nil
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
