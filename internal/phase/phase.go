// Package phase defines the fixed ten-stage pipeline and the workflow
// templates that select subsets of it.
package phase

import "fmt"

// Number identifies a pipeline stage, 1-based.
type Number int

// The fixed pipeline. Order is load-bearing: a run executes its selected
// phases in strictly ascending number.
const (
	Plan Number = iota + 1
	Validate
	Build
	Lint
	Test
	Review
	Document
	Ship
	Cleanup
	Verify
)

// Count is the total number of pipeline stages.
const Count = 10

var names = [Count]string{
	"plan", "validate", "build", "lint", "test",
	"review", "document", "ship", "cleanup", "verify",
}

// Name returns the lowercase phase name.
func (n Number) Name() string {
	if !n.Valid() {
		return fmt.Sprintf("phase-%d", int(n))
	}
	return names[n-1]
}

// Valid reports whether n is within the pipeline.
func (n Number) Valid() bool {
	return n >= 1 && n <= Count
}

// FromName resolves a phase name to its number.
func FromName(name string) (Number, error) {
	for i, s := range names {
		if s == name {
			return Number(i + 1), nil
		}
	}
	return 0, fmt.Errorf("unknown phase: %s", name)
}

// Template identifies a pipeline variant.
type Template string

const (
	TemplateSinglePhase Template = "single_phase"
	TemplateMultiPhase  Template = "multi_phase"
	TemplateFullSDLC    Template = "full_sdlc"
)

var templatePhases = map[Template][]Number{
	TemplateSinglePhase: {Plan},
	TemplateMultiPhase:  {Plan, Validate, Build, Test, Cleanup},
	TemplateFullSDLC:    {Plan, Validate, Build, Lint, Test, Review, Document, Ship, Cleanup, Verify},
}

// Phases returns the ordered phase numbers the template selects.
// Unknown templates fall back to the full pipeline.
func (t Template) Phases() []Number {
	if ps, ok := templatePhases[t]; ok {
		out := make([]Number, len(ps))
		copy(out, ps)
		return out
	}
	return TemplateFullSDLC.Phases()
}

// Valid reports whether t names a known template.
func (t Template) Valid() bool {
	_, ok := templatePhases[t]
	return ok
}
