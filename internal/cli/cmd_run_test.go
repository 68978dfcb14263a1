package cli

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommandRequiresIssue(t *testing.T) {
	cmd := newRunCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--issue")
}

func TestRunCommandRejectsUnknownTemplate(t *testing.T) {
	cmd := newRunCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--issue", "42", "--template", "mega_sdlc"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mega_sdlc")
}
