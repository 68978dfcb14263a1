// Package queue implements the durable phase queue: the authoritative,
// ordered record of (run, phase) work items and their coordination state.
package queue

import (
	"time"

	"github.com/devflowhq/adw/internal/phase"
)

// Status is the coordination state of a queue entry.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s,
// other than the explicit retry edge out of failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// legalTransitions is the status DAG. Any edge not listed here is
// rejected by Transition.
var legalTransitions = map[Status][]Status{
	StatusQueued:  {StatusReady, StatusBlocked, StatusCancelled},
	StatusBlocked: {StatusReady, StatusCancelled},
	StatusReady:   {StatusRunning, StatusBlocked, StatusCancelled},
	// running -> ready is the stale-heartbeat reset used by crash recovery
	StatusRunning:   {StatusCompleted, StatusFailed, StatusReady, StatusCancelled},
	StatusFailed:    {StatusReady, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
}

// CanTransition reports whether from -> to is a legal DAG edge.
func CanTransition(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Entry is one row of the phase queue.
type Entry struct {
	QueueID            string       `json:"queue_id"`
	RunID              string       `json:"run_id"`
	ParentIssue        *int         `json:"parent_issue,omitempty"`
	PhaseNumber        phase.Number `json:"phase_number"`
	PhaseName          string       `json:"phase_name"`
	Status             Status       `json:"status"`
	DependsOnPhase     *phase.Number `json:"depends_on_phase,omitempty"`
	WebhookFingerprint string       `json:"webhook_fingerprint,omitempty"`
	Attempt            int          `json:"attempt"`
	RetryCount         int          `json:"retry_count"`
	LastErrorKind      string       `json:"last_error_kind,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	ReadyAt            *time.Time   `json:"ready_at,omitempty"`
	StartedAt          *time.Time   `json:"started_at,omitempty"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
	HeartbeatAt        *time.Time   `json:"heartbeat_at,omitempty"`
}

// EnqueueOptions carries optional attributes for new entries.
type EnqueueOptions struct {
	ParentIssue        *int
	DependsOnPhase     *phase.Number
	WebhookFingerprint string
}
