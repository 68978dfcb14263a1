// Package events provides event types and publishing infrastructure
// for adw. The runner, orchestrator, and gateway publish here; the
// broadcast hub and history recorder subscribe.
package events

import (
	"time"

	"github.com/devflowhq/adw/internal/phase"
	"github.com/devflowhq/adw/internal/queue"
)

// EventType defines the type of event.
type EventType string

const (
	// EventQueue indicates a queue entry changed status.
	EventQueue EventType = "queue"
	// EventPhase indicates phase execution progress within a run.
	EventPhase EventType = "phase"
	// EventRunComplete indicates a run reached a terminal state.
	EventRunComplete EventType = "run_complete"
	// EventError indicates a structured failure.
	EventError EventType = "error"
	// EventWebhook indicates intake or completion webhook activity.
	EventWebhook EventType = "webhook"
	// EventResource indicates an allocator grant or release.
	EventResource EventType = "resource"
	// EventHistory indicates a history row was recorded.
	EventHistory EventType = "history"
	// EventHeartbeat indicates a running phase is still alive.
	EventHeartbeat EventType = "heartbeat"
	// EventPlan indicates a plan file was produced or regenerated.
	EventPlan EventType = "plan"
)

// Event represents a published event.
type Event struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id"`
	Data  any       `json:"data"`
	Time  time.Time `json:"time"`
}

// New creates an event with the current timestamp.
func New(eventType EventType, runID string, data any) Event {
	return Event{
		Type:  eventType,
		RunID: runID,
		Data:  data,
		Time:  time.Now().UTC(),
	}
}

// QueueUpdate describes a queue entry status change.
type QueueUpdate struct {
	QueueID     string       `json:"queue_id"`
	PhaseNumber phase.Number `json:"phase_number"`
	PhaseName   string       `json:"phase_name"`
	Status      queue.Status `json:"status"`
	RetryCount  int          `json:"retry_count"`
}

// PhaseUpdate describes execution progress within a phase.
type PhaseUpdate struct {
	Phase   string `json:"phase"`
	Status  string `json:"status"` // started, skipped, completed, failed
	Attempt int    `json:"attempt"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

// RunComplete describes a run reaching a terminal state.
type RunComplete struct {
	Status      string `json:"status"` // completed, failed, cancelled
	ErrorKind   string `json:"error_kind,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	LastPhase   string `json:"last_phase,omitempty"`
}

// WebhookUpdate describes gateway intake activity.
type WebhookUpdate struct {
	Source    string `json:"source"`
	WebhookID string `json:"webhook_id"`
	Outcome   string `json:"outcome"` // accepted, duplicate, rejected
	IssueID   int    `json:"issue_id,omitempty"`
}

// ResourceUpdate describes an allocator grant or release.
type ResourceUpdate struct {
	Action       string `json:"action"` // allocated, released
	BackendPort  int    `json:"backend_port,omitempty"`
	FrontendPort int    `json:"frontend_port,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`
}

// ErrorData carries a structured failure for observers.
type ErrorData struct {
	Phase       string `json:"phase,omitempty"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Fatal       bool   `json:"fatal"`
}

// PlanUpdate announces a produced plan file.
type PlanUpdate struct {
	PlanFilePath string `json:"plan_file_path"`
	IssueClass   string `json:"issue_class"`
}
