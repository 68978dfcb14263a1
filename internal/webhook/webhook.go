// Package webhook implements the signed HTTP intake: external issue
// events and internal workflow-complete callbacks are authenticated,
// deduplicated, and turned into queue work.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/devflowhq/adw/internal/adwerrors"
	"github.com/devflowhq/adw/internal/db"
	"github.com/devflowhq/adw/internal/events"
	"github.com/devflowhq/adw/internal/phase"
	"github.com/devflowhq/adw/internal/queue"
)

const (
	// SignatureHeader carries the HMAC-SHA256 of the raw request body.
	SignatureHeader = "X-Hub-Signature-256"

	// SourceIssue and SourceWorkflowComplete identify the two intakes.
	SourceIssue            = "external_issue"
	SourceWorkflowComplete = "workflow_complete"

	maxBodySize = 1 << 20

	// timeLayout keeps received_at fixed-width so the retention sweep's
	// string comparison is chronological. Parsing uses RFC3339Nano.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// RunStarter admits a new run into the queue. Implemented by the
// orchestrator.
type RunStarter interface {
	StartRun(ctx context.Context, issueID *int, tmpl phase.Template) (string, error)
}

// Gateway is the signed webhook intake.
type Gateway struct {
	secret    []byte
	window    time.Duration
	retention time.Duration
	db        *db.DB
	queue     *queue.Queue
	starter   RunStarter
	publisher events.Publisher
	logger    *slog.Logger
}

// New creates a gateway. The secret must be non-empty; an unsigned
// gateway would admit arbitrary work.
func New(secret string, window, retention time.Duration, database *db.DB,
	q *queue.Queue, starter RunStarter, publisher events.Publisher, logger *slog.Logger) (*Gateway, error) {
	if secret == "" {
		return nil, adwerrors.New(adwerrors.KindAuthFailure, "webhook secret is not configured")
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Gateway{
		secret:    []byte(secret),
		window:    window,
		retention: retention,
		db:        database,
		queue:     q,
		starter:   starter,
		publisher: publisher,
		logger:    logger.With("component", "webhook"),
	}, nil
}

// Register mounts the gateway endpoints on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /intake", g.handleIntake)
	mux.HandleFunc("POST /workflow-complete", g.handleWorkflowComplete)
}

// Sign computes the signature header value for a body. Exported for
// callers of the workflow-complete hook and for tests.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verify checks the signature header against the raw body using a
// constant-time comparison.
func (g *Gateway) verify(r *http.Request, body []byte) bool {
	header := r.Header.Get(SignatureHeader)
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(body)
	return hmac.Equal(want, mac.Sum(nil))
}

// WebhookID derives the dedup fingerprint from the identity fields.
func WebhookID(source, runID, status, queueID string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + runID + "\x00" + status + "\x00" + queueID))
	return hex.EncodeToString(sum[:])
}

// readSigned reads and authenticates the request body. A nil return
// means the response has already been written.
func (g *Gateway) readSigned(w http.ResponseWriter, r *http.Request) []byte {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return nil
	}
	if !g.verify(r, body) {
		g.logger.Warn("rejected unsigned or mismatched webhook", "path", r.URL.Path, "remote", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return nil
	}
	return body
}

// recordOnce inserts the webhook record, enforcing at-most-once
// processing per id within the dedup window. Returns true when the id
// is a replay that must not be re-processed.
func (g *Gateway) recordOnce(ctx context.Context, webhookID, source, digest string, runID string, issueID *int) (bool, error) {
	now := time.Now().UTC()

	var received string
	err := g.db.QueryRowContext(ctx,
		`SELECT received_at FROM webhook_events WHERE webhook_id = ?`, webhookID).Scan(&received)
	switch {
	case err == nil:
		at, perr := time.Parse(time.RFC3339Nano, received)
		if perr == nil && now.Sub(at) < g.window {
			return true, nil
		}
		// Outside the window the same id is fresh work again.
		_, err = g.db.ExecContext(ctx,
			`UPDATE webhook_events SET received_at = ?, payload_digest = ? WHERE webhook_id = ?`,
			now.Format(timeLayout), digest, webhookID)
		return false, err
	case errors.Is(err, sql.ErrNoRows):
	default:
		return false, err
	}

	var run, issue any
	if runID != "" {
		run = runID
	}
	if issueID != nil {
		issue = *issueID
	}
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO webhook_events (webhook_id, source, received_at, payload_digest, run_id, issue_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		webhookID, source, now.Format(timeLayout), digest, run, issue)
	if err != nil {
		// A concurrent insert of the same id counts as a replay.
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// handleIntake admits an external issue event: classify, pick a
// template, and enqueue a full run.
func (g *Gateway) handleIntake(w http.ResponseWriter, r *http.Request) {
	body := g.readSigned(w, r)
	if body == nil {
		return
	}

	parsed := gjson.ParseBytes(body)
	issueNum := parsed.Get("issue.number")
	if !issueNum.Exists() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "issue.number is required"})
		return
	}
	issueID := int(issueNum.Int())
	action := parsed.Get("action").String()

	webhookID := WebhookID(SourceIssue, "", action, strconv.Itoa(issueID))
	digest := bodyDigest(body)

	duplicate, err := g.recordOnce(r.Context(), webhookID, SourceIssue, digest, "", &issueID)
	if err != nil {
		g.logger.Error("record webhook", "webhook_id", webhookID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "intake failed"})
		return
	}
	if duplicate {
		g.publishOutcome(SourceIssue, webhookID, "duplicate", issueID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	text := parsed.Get("issue.title").String() + "\n" + parsed.Get("issue.body").String()
	class := phase.ClassifyIssue(text)
	tmpl := phase.TemplateForClass(class)

	runID, err := g.starter.StartRun(r.Context(), &issueID, tmpl)
	if err != nil {
		g.logger.Error("start run from intake", "issue", issueID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not enqueue run"})
		return
	}

	g.logger.Info("intake accepted",
		"issue", issueID, "class", class, "template", string(tmpl), "run_id", runID)
	g.publishOutcome(SourceIssue, webhookID, "accepted", issueID)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "accepted",
		"run_id":      runID,
		"issue_class": class,
	})
}

// workflowCompletePayload is the internal callback body.
type workflowCompletePayload struct {
	RunID       string `json:"run_id"`
	QueueID     string `json:"queue_id"`
	PhaseNumber int    `json:"phase_number"`
	Status      string `json:"status"`
	TriggerNext bool   `json:"trigger_next"`
}

// handleWorkflowComplete applies a phase outcome announced by an
// external worker process.
func (g *Gateway) handleWorkflowComplete(w http.ResponseWriter, r *http.Request) {
	body := g.readSigned(w, r)
	if body == nil {
		return
	}

	var p workflowCompletePayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if p.RunID == "" || p.QueueID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "run_id and queue_id are required"})
		return
	}
	status := queue.Status(p.Status)
	if status != queue.StatusCompleted && status != queue.StatusFailed {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status must be completed or failed"})
		return
	}

	webhookID := WebhookID(SourceWorkflowComplete, p.RunID, p.Status, p.QueueID)
	duplicate, err := g.recordOnce(r.Context(), webhookID, SourceWorkflowComplete, bodyDigest(body), p.RunID, nil)
	if err != nil {
		g.logger.Error("record webhook", "webhook_id", webhookID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "intake failed"})
		return
	}
	if duplicate {
		g.publishOutcome(SourceWorkflowComplete, webhookID, "duplicate", 0)
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if err := g.queue.Transition(r.Context(), p.QueueID, status, ""); err != nil {
		g.logger.Error("apply completion webhook",
			"queue_id", p.QueueID, "status", p.Status, "error", err)
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	if status == queue.StatusCompleted && p.TriggerNext {
		if err := g.queue.MarkDependentsReady(r.Context(), p.RunID, phase.Number(p.PhaseNumber)); err != nil {
			g.logger.Error("promote dependents", "run_id", p.RunID, "error", err)
		}
	}

	g.publishOutcome(SourceWorkflowComplete, webhookID, "accepted", 0)
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// RunRetentionSweep deletes webhook records older than the retention
// period. Intended to be called from a periodic loop.
func (g *Gateway) RunRetentionSweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-g.retention).Format(timeLayout)
	res, err := g.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("webhook retention sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		g.logger.Info("expired webhook records removed", "count", n)
	}
	return n, nil
}

// SweepLoop runs retention sweeps until the context ends.
func (g *Gateway) SweepLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.RunRetentionSweep(ctx); err != nil && ctx.Err() == nil {
				g.logger.Warn("retention sweep failed", "error", err)
			}
		}
	}
}

func (g *Gateway) publishOutcome(source, webhookID, outcome string, issueID int) {
	g.publisher.Publish(events.New(events.EventWebhook, events.GlobalRunID, events.WebhookUpdate{
		Source:    source,
		WebhookID: webhookID,
		Outcome:   outcome,
		IssueID:   issueID,
	}))
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
