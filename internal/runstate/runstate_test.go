package runstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflowhq/adw/internal/adwerrors"
)

func TestCreateAndLoad(t *testing.T) {
	store := NewStore(t.TempDir())

	doc, err := store.Create("run-1", map[string]any{
		FieldWorkflowTemplate: "full_sdlc",
		FieldIssueClass:       "/feature",
	})
	require.NoError(t, err)
	assert.Equal(t, "full_sdlc", doc.String(FieldWorkflowTemplate))

	loaded, err := store.Load("run-1")
	require.NoError(t, err)
	assert.Equal(t, "/feature", loaded.String(FieldIssueClass))
}

func TestCreateTwiceFails(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Create("run-1", nil)
	require.NoError(t, err)
	_, err = store.Create("run-1", nil)
	assert.Error(t, err)
}

func TestLoadMissing(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Load("absent")
	assert.ErrorIs(t, err, adwerrors.ErrNotFound)
}

func TestUpdateIsAdditive(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Create("run-1", map[string]any{FieldBranchName: "feat/run-1"})
	require.NoError(t, err)

	doc, err := store.Update("run-1", map[string]any{FieldBackendPort: 9100})
	require.NoError(t, err)

	assert.Equal(t, "feat/run-1", doc.String(FieldBranchName))
	port, ok := doc.Int(FieldBackendPort)
	require.True(t, ok)
	assert.Equal(t, 9100, port)
}

func TestUpdateRemoveSentinel(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Create("run-1", map[string]any{FieldPRURL: "https://example.com/pr/1"})
	require.NoError(t, err)

	doc, err := store.Update("run-1", map[string]any{FieldPRURL: Remove})
	require.NoError(t, err)
	assert.False(t, doc.Has(FieldPRURL))

	loaded, err := store.Load("run-1")
	require.NoError(t, err)
	assert.False(t, loaded.Has(FieldPRURL))
}

func TestUpdateRejectsForbiddenFields(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Create("run-1", nil)
	require.NoError(t, err)

	for _, field := range []string{"status", "current_phase"} {
		_, err := store.Update("run-1", map[string]any{field: "running"})
		require.Error(t, err, field)
		assert.Equal(t, adwerrors.KindContractBreach, adwerrors.KindOf(err))
	}

	// The rejected patch must not have been applied partially.
	doc, err := store.Load("run-1")
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestCreateRejectsForbiddenFields(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Create("run-1", map[string]any{"status": "running"})
	require.Error(t, err)
	assert.Equal(t, adwerrors.KindContractBreach, adwerrors.KindOf(err))
}

func TestIntToleratesJSONFloat(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Create("run-1", map[string]any{FieldFrontendPort: 9200})
	require.NoError(t, err)

	loaded, err := store.Load("run-1")
	require.NoError(t, err)
	port, ok := loaded.Int(FieldFrontendPort)
	require.True(t, ok)
	assert.Equal(t, 9200, port)
}

func TestStringsToleratesJSONSlice(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Create("run-1", map[string]any{
		FieldDocFilesPaths: []string{"docs/a.md", "docs/b.md"},
	})
	require.NoError(t, err)

	loaded, err := store.Load("run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/a.md", "docs/b.md"}, loaded.Strings(FieldDocFilesPaths))
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	_, err := store.Create("run-1", map[string]any{FieldBranchName: "feat/x"})
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "run-1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}
