// Package adwerrors provides structured error types for adw.
//
// Every failure that crosses a component boundary is classified with a
// Kind so the runner, orchestrator, and gateway can decide whether to
// retry, escalate, or abort without string matching.
package adwerrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for propagation decisions.
type Kind string

const (
	// KindContractBreach indicates missing or invalid phase inputs or outputs.
	KindContractBreach Kind = "contract_breach"
	// KindResourceExhausted indicates no free ports, disk, or rate-limit headroom.
	KindResourceExhausted Kind = "resource_exhausted"
	// KindExternalToolFailure indicates an underlying build/test/lint/VCS command failed.
	KindExternalToolFailure Kind = "external_tool_failure"
	// KindAgentFailure indicates the repair agent could not fix an external failure.
	KindAgentFailure Kind = "agent_failure"
	// KindTimeout indicates a phase exceeded its hard timeout.
	KindTimeout Kind = "timeout"
	// KindCancelled indicates the run was cancelled externally.
	KindCancelled Kind = "cancelled"
	// KindLooping indicates the identical-error circuit breaker fired.
	KindLooping Kind = "looping"
	// KindAuthFailure indicates a webhook signature mismatch.
	KindAuthFailure Kind = "auth_failure"
)

// Recoverable reports whether the orchestrator may retry a phase that
// failed with this kind. Looping, cancellation, contract breaches and
// auth failures are terminal by policy.
func (k Kind) Recoverable() bool {
	switch k {
	case KindExternalToolFailure, KindAgentFailure, KindTimeout, KindResourceExhausted:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to an HTTP status for gateway responses.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuthFailure:
		return 401
	case KindContractBreach:
		return 400
	case KindResourceExhausted:
		return 503
	case KindTimeout:
		return 504
	default:
		return 500
	}
}

// Error is the structured error type for adw.
type Error struct {
	Kind        Kind   `json:"kind"`
	Phase       string `json:"phase,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	What        string `json:"what"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Cause       error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Phase != "" {
		b.WriteString(" in ")
		b.WriteString(e.Phase)
	}
	b.WriteString(": ")
	b.WriteString(e.What)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// MarshalJSON includes the cause message in the serialized form so
// broadcast observers see the full chain.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{alias: (*alias)(e)}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// New creates a structured error.
func New(kind Kind, what string) *Error {
	return &Error{Kind: kind, What: what}
}

// Wrap creates a structured error with a cause.
func Wrap(kind Kind, what string, cause error) *Error {
	return &Error{Kind: kind, What: what, Cause: cause}
}

// WithRun annotates the error with run and phase identity.
func (e *Error) WithRun(runID, phase string) *Error {
	e.RunID = runID
	e.Phase = phase
	return e
}

// WithFingerprint attaches the normalized-error fingerprint.
func (e *Error) WithFingerprint(fp string) *Error {
	e.Fingerprint = fp
	return e
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report as external tool failures, the weakest recoverable kind.
func KindOf(err error) Kind {
	var adwErr *Error
	if errors.As(err, &adwErr) {
		return adwErr.Kind
	}
	return KindExternalToolFailure
}

// AsError attempts to convert an error to an *Error, or wraps it.
func AsError(err error) *Error {
	var adwErr *Error
	if errors.As(err, &adwErr) {
		return adwErr
	}
	return Wrap(KindExternalToolFailure, "unclassified failure", err)
}

// ErrNoResources is returned by the allocator when the port pool is empty.
var ErrNoResources = New(KindResourceExhausted, "no free port pair available")

// ErrLostRace is returned by guarded queue transitions when another
// worker won the row. Callers reselect rather than treating it as fatal.
var ErrLostRace = fmt.Errorf("queue transition lost race")

// ErrNotFound is returned when a queue entry or run document is absent.
var ErrNotFound = fmt.Errorf("not found")
