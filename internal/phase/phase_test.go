package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumberName(t *testing.T) {
	assert.Equal(t, "plan", Plan.Name())
	assert.Equal(t, "cleanup", Cleanup.Name())
	assert.Equal(t, "verify", Verify.Name())
	assert.Equal(t, "phase-0", Number(0).Name())
	assert.Equal(t, "phase-11", Number(11).Name())
}

func TestFromNameRoundTrips(t *testing.T) {
	for n := Plan; n <= Verify; n++ {
		got, err := FromName(n.Name())
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}

	_, err := FromName("deploy")
	assert.Error(t, err)
}

func TestTemplatePhasesAreOrdered(t *testing.T) {
	for _, tmpl := range []Template{TemplateSinglePhase, TemplateMultiPhase, TemplateFullSDLC} {
		ps := tmpl.Phases()
		require.NotEmpty(t, ps)
		for i := 1; i < len(ps); i++ {
			assert.Greater(t, ps[i], ps[i-1], "template %s out of order", tmpl)
		}
	}

	assert.Len(t, TemplateFullSDLC.Phases(), Count)
	assert.Equal(t, []Number{Plan}, TemplateSinglePhase.Phases())
	assert.Equal(t, []Number{Plan, Validate, Build, Test, Cleanup}, TemplateMultiPhase.Phases())
}

func TestUnknownTemplateFallsBackToFullPipeline(t *testing.T) {
	assert.Len(t, Template("mystery").Phases(), Count)
	assert.False(t, Template("mystery").Valid())
	assert.True(t, TemplateMultiPhase.Valid())
}

func TestClassifyIssue(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"/bug login page 500s", ClassBug},
		{"Fix the thing\n\n/BUG", ClassBug},
		{"/chore bump dependencies", ClassChore},
		{"/feature dark mode", ClassFeature},
		{"no slash command at all", ClassFeature},
		{"", ClassFeature},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyIssue(tt.text), "text %q", tt.text)
	}
}

func TestTemplateForClass(t *testing.T) {
	assert.Equal(t, TemplateMultiPhase, TemplateForClass(ClassBug))
	assert.Equal(t, TemplateMultiPhase, TemplateForClass(ClassChore))
	assert.Equal(t, TemplateFullSDLC, TemplateForClass(ClassFeature))
	assert.Equal(t, TemplateFullSDLC, TemplateForClass("weird"))
}

func TestTemplateForPhaseCount(t *testing.T) {
	assert.Equal(t, TemplateSinglePhase, TemplateForPhaseCount(1))
	assert.Equal(t, TemplateMultiPhase, TemplateForPhaseCount(5))
	assert.Equal(t, TemplateFullSDLC, TemplateForPhaseCount(10))
	assert.Equal(t, TemplateFullSDLC, TemplateForPhaseCount(7))
}
