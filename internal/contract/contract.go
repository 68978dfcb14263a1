// Package contract defines the static per-phase input/output contracts
// and the validator that enforces them before and after execution.
package contract

import (
	"fmt"
	"os"

	"github.com/devflowhq/adw/internal/adwerrors"
	"github.com/devflowhq/adw/internal/config"
	"github.com/devflowhq/adw/internal/phase"
	"github.com/devflowhq/adw/internal/runstate"
)

// FieldType describes how a contract field is validated.
type FieldType string

const (
	TypeString      FieldType = "string"
	TypeInt         FieldType = "int"
	TypePath        FieldType = "path"
	TypeBackendPort FieldType = "backend_port"
	TypeFrontPort   FieldType = "frontend_port"
	TypeMap         FieldType = "map"
	TypePathList    FieldType = "path_list"
)

// Mode is a validation failure mode.
type Mode string

const (
	MissingInput Mode = "missing_input"
	WrongType    Mode = "wrong_type"
	PathNotFound Mode = "path_not_found"
	OutOfRange   Mode = "out_of_range"
)

// Violation is a single contract check failure.
type Violation struct {
	Phase phase.Number
	Field string
	Mode  Mode
	Tip   string
}

func (v *Violation) Error() string {
	msg := fmt.Sprintf("%s contract: field %s: %s", v.Phase.Name(), v.Field, v.Mode)
	if v.Tip != "" {
		msg += " (" + v.Tip + ")"
	}
	return msg
}

// Field is one entry of a phase contract.
type Field struct {
	Name string
	Type FieldType
	// MinSize applies to TypePath: the file must be at least this many
	// bytes to count as a valid output.
	MinSize int64
	// Optional fields pass validation when absent; a present value is
	// still type-checked.
	Optional bool
}

// Contract is the Requires/Produces tuple for one phase.
type Contract struct {
	Phase    phase.Number
	Requires []Field
	Produces []Field
}

// PlanFileMinBytes is the minimum size for a plan file to count as a
// real output rather than a truncated write.
const PlanFileMinBytes = 100

var contracts = map[phase.Number]Contract{
	phase.Plan: {
		Phase:    phase.Plan,
		Requires: []Field{{Name: "issue_id", Type: TypeInt}},
		Produces: []Field{
			{Name: "run_id", Type: TypeString},
			{Name: runstate.FieldPlanFilePath, Type: TypePath, MinSize: PlanFileMinBytes},
			{Name: runstate.FieldBranchName, Type: TypeString},
			{Name: runstate.FieldWorktreePath, Type: TypePath},
			{Name: runstate.FieldBackendPort, Type: TypeBackendPort},
			{Name: runstate.FieldFrontendPort, Type: TypeFrontPort},
			{Name: runstate.FieldIssueClass, Type: TypeString},
			{Name: runstate.FieldWorkflowTemplate, Type: TypeString},
		},
	},
	phase.Validate: {
		Phase: phase.Validate,
		Requires: []Field{
			{Name: "run_id", Type: TypeString},
			{Name: runstate.FieldWorktreePath, Type: TypePath},
			{Name: runstate.FieldPlanFilePath, Type: TypePath},
		},
		Produces: []Field{{Name: runstate.FieldBaselineErrors, Type: TypeMap}},
	},
	phase.Build: {
		Phase: phase.Build,
		Requires: []Field{
			{Name: runstate.FieldPlanFilePath, Type: TypePath},
			{Name: runstate.FieldWorktreePath, Type: TypePath},
			{Name: runstate.FieldBaselineErrors, Type: TypeMap},
			{Name: runstate.FieldBackendPort, Type: TypeBackendPort},
			{Name: runstate.FieldFrontendPort, Type: TypeFrontPort},
		},
		Produces: []Field{{Name: runstate.FieldExternalBuildResults, Type: TypeMap}},
	},
	phase.Lint: {
		Phase:    phase.Lint,
		Requires: []Field{{Name: runstate.FieldWorktreePath, Type: TypePath}},
		Produces: []Field{{Name: runstate.FieldLintResults, Type: TypeMap}},
	},
	phase.Test: {
		Phase: phase.Test,
		Requires: []Field{
			{Name: runstate.FieldWorktreePath, Type: TypePath},
			{Name: runstate.FieldBackendPort, Type: TypeBackendPort},
			{Name: runstate.FieldFrontendPort, Type: TypeFrontPort},
		},
		Produces: []Field{{Name: runstate.FieldTestResults, Type: TypeMap}},
	},
	phase.Review: {
		Phase: phase.Review,
		Requires: []Field{
			{Name: runstate.FieldBranchName, Type: TypeString},
			{Name: "issue_id", Type: TypeInt},
		},
		Produces: []Field{
			{Name: runstate.FieldPRURL, Type: TypeString},
			{Name: runstate.FieldReviewResults, Type: TypeMap},
		},
	},
	phase.Document: {
		Phase: phase.Document,
		Requires: []Field{
			{Name: runstate.FieldPlanFilePath, Type: TypePath},
			{Name: runstate.FieldWorktreePath, Type: TypePath},
		},
		Produces: []Field{{Name: runstate.FieldDocFilesPaths, Type: TypePathList}},
	},
	phase.Ship: {
		Phase: phase.Ship,
		Requires: []Field{
			{Name: runstate.FieldPRURL, Type: TypeString},
			{Name: runstate.FieldBranchName, Type: TypeString},
		},
		Produces: []Field{
			{Name: runstate.FieldShippedAt, Type: TypeString},
			{Name: runstate.FieldMergeCommitSHA, Type: TypeString},
		},
	},
	phase.Cleanup: {
		Phase: phase.Cleanup,
		// Optional: a run aborted before plan has no worktree yet, and
		// cleanup must still be able to reclaim its resources.
		Requires: []Field{{Name: runstate.FieldWorktreePath, Type: TypeString, Optional: true}},
		Produces: []Field{{Name: runstate.FieldCleanupSummary, Type: TypeMap}},
	},
	phase.Verify: {
		Phase: phase.Verify,
		Requires: []Field{
			{Name: runstate.FieldMergeCommitSHA, Type: TypeString},
			{Name: "issue_id", Type: TypeInt},
		},
		Produces: []Field{{Name: runstate.FieldVerificationResults, Type: TypeMap}},
	},
}

// For returns the contract for a phase.
func For(num phase.Number) (Contract, bool) {
	c, ok := contracts[num]
	return c, ok
}

// Validator checks run documents against phase contracts. Port range
// checks use the configured pool bounds.
type Validator struct {
	backend  config.PortRange
	frontend config.PortRange
}

// NewValidator creates a validator for the configured port ranges.
func NewValidator(backend, frontend config.PortRange) *Validator {
	return &Validator{backend: backend, frontend: frontend}
}

// Pre validates the Requires side of a phase contract. A failure here
// aborts the phase without launching any work.
func (v *Validator) Pre(num phase.Number, doc runstate.Document) error {
	c, ok := contracts[num]
	if !ok {
		return fmt.Errorf("no contract for phase %d", num)
	}
	return v.checkFields(num, c.Requires, doc)
}

// Post validates the Produces side after execution. A failure here
// marks the phase failed with a contract breach.
func (v *Validator) Post(num phase.Number, doc runstate.Document) error {
	c, ok := contracts[num]
	if !ok {
		return fmt.Errorf("no contract for phase %d", num)
	}
	return v.checkFields(num, c.Produces, doc)
}

func (v *Validator) checkFields(num phase.Number, fields []Field, doc runstate.Document) error {
	for _, f := range fields {
		if err := v.checkField(num, f, doc); err != nil {
			return adwerrors.Wrap(adwerrors.KindContractBreach, "phase contract violated", err)
		}
	}
	return nil
}

func (v *Validator) checkField(num phase.Number, f Field, doc runstate.Document) error {
	value, present := doc[f.Name]
	if !present {
		if f.Optional {
			return nil
		}
		return &Violation{Phase: num, Field: f.Name, Mode: MissingInput}
	}

	switch f.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok || s == "" {
			return &Violation{Phase: num, Field: f.Name, Mode: WrongType, Tip: "expected non-empty string"}
		}

	case TypeInt:
		if _, ok := doc.Int(f.Name); !ok {
			return &Violation{Phase: num, Field: f.Name, Mode: WrongType, Tip: "expected integer"}
		}

	case TypePath:
		path, ok := value.(string)
		if !ok || path == "" {
			return &Violation{Phase: num, Field: f.Name, Mode: WrongType, Tip: "expected path string"}
		}
		info, err := os.Stat(path)
		if err != nil {
			return &Violation{Phase: num, Field: f.Name, Mode: PathNotFound, Tip: path}
		}
		if f.MinSize > 0 && !info.IsDir() && info.Size() < f.MinSize {
			return &Violation{Phase: num, Field: f.Name, Mode: OutOfRange,
				Tip: fmt.Sprintf("%s is %d bytes, need at least %d", path, info.Size(), f.MinSize)}
		}

	case TypeBackendPort, TypeFrontPort:
		port, ok := doc.Int(f.Name)
		if !ok {
			return &Violation{Phase: num, Field: f.Name, Mode: WrongType, Tip: "expected integer port"}
		}
		r := v.backend
		if f.Type == TypeFrontPort {
			r = v.frontend
		}
		if port < r.Start || port > r.End {
			return &Violation{Phase: num, Field: f.Name, Mode: OutOfRange,
				Tip: fmt.Sprintf("port %d outside [%d..%d]", port, r.Start, r.End)}
		}

	case TypeMap:
		if _, ok := doc.Map(f.Name); !ok {
			return &Violation{Phase: num, Field: f.Name, Mode: WrongType, Tip: "expected object"}
		}

	case TypePathList:
		paths := doc.Strings(f.Name)
		if paths == nil {
			return &Violation{Phase: num, Field: f.Name, Mode: WrongType, Tip: "expected path list"}
		}
		for _, p := range paths {
			if _, err := os.Stat(p); err != nil {
				return &Violation{Phase: num, Field: f.Name, Mode: PathNotFound, Tip: p}
			}
		}
	}

	return nil
}

// OutputsSatisfied reports whether every Produces field of the phase is
// already present and valid, for the idempotency gate's skip decision.
func (v *Validator) OutputsSatisfied(num phase.Number, doc runstate.Document) bool {
	return v.Post(num, doc) == nil
}
