// Package runstate persists per-run execution documents: the JSON files
// under agents/<run_id>/state.json that hold phase outputs. Coordination
// state never lives here; the phase queue is authoritative for status.
package runstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/devflowhq/adw/internal/adwerrors"
	"github.com/devflowhq/adw/internal/util"
)

// Well-known document fields written by the pipeline phases.
const (
	FieldPlanFilePath         = "plan_file_path"
	FieldBranchName           = "branch_name"
	FieldWorktreePath         = "worktree_path"
	FieldIssueClass           = "issue_class"
	FieldBackendPort          = "backend_port"
	FieldFrontendPort         = "frontend_port"
	FieldWorkflowTemplate     = "workflow_template"
	FieldBaselineErrors       = "baseline_errors"
	FieldExternalBuildResults = "external_build_results"
	FieldLintResults          = "lint_results"
	FieldTestResults          = "test_results"
	FieldPRURL                = "pr_url"
	FieldReviewResults        = "review_results"
	FieldDocFilesPaths        = "doc_files_paths"
	FieldShippedAt            = "shipped_at"
	FieldMergeCommitSHA       = "merge_commit_sha"
	FieldCleanupSummary       = "cleanup_summary"
	FieldVerificationResults  = "verification_results"
	FieldAgentCost            = "agent_cost"
)

// forbiddenFields are coordination state and must never enter a
// document. Writes that include them fail validation.
var forbiddenFields = map[string]bool{
	"status":        true,
	"current_phase": true,
}

// removeSentinel marks a field for deletion in Update.
type removeSentinel struct{}

// Remove is the explicit deletion sentinel: Update(run, map[string]any{
// "pr_url": runstate.Remove}) removes the field.
var Remove = removeSentinel{}

// Document is one run's execution state. It is a plain field map so
// phase contracts can validate by field name.
type Document map[string]any

// String returns the named field as a string, or "" when absent or of
// another type.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Int returns the named field as an int. JSON decoding yields float64
// for numbers, so both representations are accepted.
func (d Document) Int(key string) (int, bool) {
	switch v := d[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Map returns the named field as a nested object.
func (d Document) Map(key string) (map[string]any, bool) {
	m, ok := d[key].(map[string]any)
	return m, ok
}

// Strings returns the named field as a string slice, tolerating the
// []any form JSON decoding produces.
func (d Document) Strings(key string) []string {
	switch v := d[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Has reports whether the field is present.
func (d Document) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Fields returns the sorted field names, for stable logging.
func (d Document) Fields() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Store reads and writes run state documents under a base directory.
// There is a single writer per run by construction; the store lock only
// guards against concurrent saves from the same process.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore creates a store rooted at dir (the agents/ directory).
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the on-disk location of a run's document.
func (s *Store) Path(runID string) string {
	return filepath.Join(s.dir, runID, "state.json")
}

// Load reads a run's document. A missing file returns
// adwerrors.ErrNotFound so callers can distinguish first-phase starts.
func (s *Store) Load(runID string) (Document, error) {
	data, err := os.ReadFile(s.Path(runID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("run state for %s: %w", runID, adwerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read run state for %s: %w", runID, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse run state for %s: %w", runID, err)
	}
	return doc, nil
}

// Create initializes a run's document with the given fields. Fails if
// a document already exists; runs are created exactly once at Plan start.
func (s *Store) Create(runID string, fields map[string]any) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.Path(runID)); err == nil {
		return nil, fmt.Errorf("run state for %s already exists", runID)
	}

	doc := Document{}
	if err := applyFields(doc, fields); err != nil {
		return nil, err
	}
	if err := s.save(runID, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Update applies a field patch and saves atomically. The patch is
// additive; a runstate.Remove value deletes the field. Forbidden
// coordination fields are rejected before anything is written.
func (s *Store) Update(runID string, fields map[string]any) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.Load(runID)
	if err != nil {
		return nil, err
	}
	if err := applyFields(doc, fields); err != nil {
		return nil, err
	}
	if err := s.save(runID, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Save persists a full document, replacing whatever is on disk.
func (s *Store) Save(runID string, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range doc {
		if forbiddenFields[key] {
			return forbiddenFieldError(key)
		}
	}
	return s.save(runID, doc)
}

func (s *Store) save(runID string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run state for %s: %w", runID, err)
	}
	if err := util.AtomicWriteFile(s.Path(runID), data, 0644); err != nil {
		return fmt.Errorf("write run state for %s: %w", runID, err)
	}
	return nil
}

func applyFields(doc Document, fields map[string]any) error {
	for key := range fields {
		if forbiddenFields[key] {
			return forbiddenFieldError(key)
		}
	}
	for key, value := range fields {
		if _, isRemove := value.(removeSentinel); isRemove {
			delete(doc, key)
			continue
		}
		doc[key] = value
	}
	return nil
}

func forbiddenFieldError(key string) error {
	return adwerrors.New(adwerrors.KindContractBreach,
		fmt.Sprintf("field %q is coordination state and cannot be stored in a run document", key))
}
