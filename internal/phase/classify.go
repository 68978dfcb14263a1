package phase

import "strings"

// Issue classes recognized on intake. The class is recorded in the run
// state and selects the workflow template when the payload does not
// name one explicitly.
const (
	ClassBug     = "/bug"
	ClassFeature = "/feature"
	ClassChore   = "/chore"
)

// ClassifyIssue derives the issue class from the issue text. An
// explicit slash command wins; everything else is treated as a feature.
func ClassifyIssue(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, ClassBug):
		return ClassBug
	case strings.Contains(lower, ClassChore):
		return ClassChore
	default:
		return ClassFeature
	}
}

// TemplateForClass maps an issue class to its default workflow
// template. Bugs and chores skip the review/ship surface; features run
// the full pipeline.
func TemplateForClass(class string) Template {
	switch class {
	case ClassBug, ClassChore:
		return TemplateMultiPhase
	default:
		return TemplateFullSDLC
	}
}

// TemplateForPhaseCount infers the template from the number of distinct
// phases enqueued for a run. Used when a process restarts and only the
// queue rows remain.
func TemplateForPhaseCount(n int) Template {
	switch n {
	case 1:
		return TemplateSinglePhase
	case len(templatePhases[TemplateMultiPhase]):
		return TemplateMultiPhase
	default:
		return TemplateFullSDLC
	}
}
