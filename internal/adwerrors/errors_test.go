package adwerrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindRecoverable(t *testing.T) {
	tests := []struct {
		kind        Kind
		recoverable bool
	}{
		{KindExternalToolFailure, true},
		{KindAgentFailure, true},
		{KindTimeout, true},
		{KindResourceExhausted, true},
		{KindContractBreach, false},
		{KindLooping, false},
		{KindCancelled, false},
		{KindAuthFailure, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.recoverable, tt.kind.Recoverable())
		})
	}
}

func TestErrorChain(t *testing.T) {
	cause := fmt.Errorf("exit status 2")
	err := Wrap(KindExternalToolFailure, "go test failed", cause).WithRun("r-1", "test")

	assert.Contains(t, err.Error(), "external_tool_failure in test")
	assert.Contains(t, err.Error(), "exit status 2")
	assert.ErrorIs(t, err, cause)

	var adwErr *Error
	require.True(t, errors.As(fmt.Errorf("dispatch: %w", err), &adwErr))
	assert.Equal(t, "r-1", adwErr.RunID)
}

func TestErrorIsMatchesByKind(t *testing.T) {
	err := New(KindLooping, "fingerprint repeated 4 times")
	assert.ErrorIs(t, err, &Error{Kind: KindLooping})
	assert.NotErrorIs(t, err, &Error{Kind: KindTimeout})
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("x: %w", New(KindTimeout, "t"))))
	assert.Equal(t, KindExternalToolFailure, KindOf(fmt.Errorf("plain")))
}

func TestMarshalJSONIncludesCause(t *testing.T) {
	err := Wrap(KindAgentFailure, "repair failed", fmt.Errorf("boom"))
	data, jsonErr := json.Marshal(err)
	require.NoError(t, jsonErr)
	assert.Contains(t, string(data), `"kind":"agent_failure"`)
	assert.Contains(t, string(data), `"cause":"boom"`)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, 401, KindAuthFailure.HTTPStatus())
	assert.Equal(t, 503, KindResourceExhausted.HTTPStatus())
	assert.Equal(t, 500, KindLooping.HTTPStatus())
}
