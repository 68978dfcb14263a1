package alloc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflowhq/adw/internal/adwerrors"
	"github.com/devflowhq/adw/internal/config"
)

func newTestAllocator(t *testing.T, poolSize int) *Allocator {
	t.Helper()
	dir := t.TempDir()
	a, err := New(
		filepath.Join(dir, "port_allocations.json"),
		filepath.Join(dir, "worktrees"),
		config.PortRange{Start: 9100, End: 9100 + poolSize - 1},
		config.PortRange{Start: 9200, End: 9200 + poolSize - 1},
	)
	require.NoError(t, err)
	return a
}

func TestAllocateAssignsDisjointPairs(t *testing.T) {
	a := newTestAllocator(t, 3)

	seenBackend := map[int]bool{}
	seenFrontend := map[int]bool{}
	for _, run := range []string{"run-1", "run-2", "run-3"} {
		lease, err := a.Allocate(run)
		require.NoError(t, err)
		assert.False(t, seenBackend[lease.BackendPort])
		assert.False(t, seenFrontend[lease.FrontendPort])
		seenBackend[lease.BackendPort] = true
		seenFrontend[lease.FrontendPort] = true
		assert.GreaterOrEqual(t, lease.BackendPort, 9100)
		assert.LessOrEqual(t, lease.BackendPort, 9102)
		assert.Contains(t, lease.WorktreePath, run)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a := newTestAllocator(t, 1)

	_, err := a.Allocate("run-1")
	require.NoError(t, err)

	_, err = a.Allocate("run-2")
	assert.ErrorIs(t, err, adwerrors.ErrNoResources)
}

func TestAllocateIsStableForLiveRun(t *testing.T) {
	a := newTestAllocator(t, 2)

	first, err := a.Allocate("run-1")
	require.NoError(t, err)
	second, err := a.Allocate("run-1")
	require.NoError(t, err)
	assert.Equal(t, first.BackendPort, second.BackendPort)
	assert.Equal(t, first.FrontendPort, second.FrontendPort)
}

func TestReleaseIsIdempotent(t *testing.T) {
	a := newTestAllocator(t, 1)

	_, err := a.Allocate("run-1")
	require.NoError(t, err)

	require.NoError(t, a.Release("run-1"))
	require.NoError(t, a.Release("run-1"))
	require.NoError(t, a.Release("never-allocated"))
}

func TestReleasedPortsAreReusable(t *testing.T) {
	a := newTestAllocator(t, 1)

	first, err := a.Allocate("run-1")
	require.NoError(t, err)
	require.NoError(t, a.Release("run-1"))

	second, err := a.Allocate("run-2")
	require.NoError(t, err)
	assert.Equal(t, first.BackendPort, second.BackendPort)
}

func TestAllocationsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "port_allocations.json")
	backend := config.PortRange{Start: 9100, End: 9101}
	frontend := config.PortRange{Start: 9200, End: 9201}

	a, err := New(path, dir, backend, frontend)
	require.NoError(t, err)
	lease, err := a.Allocate("run-1")
	require.NoError(t, err)

	reloaded, err := New(path, dir, backend, frontend)
	require.NoError(t, err)

	got, ok := reloaded.Lookup("run-1")
	require.True(t, ok)
	assert.Equal(t, lease.BackendPort, got.BackendPort)

	// The surviving lease still blocks its ports.
	other, err := reloaded.Allocate("run-2")
	require.NoError(t, err)
	assert.NotEqual(t, lease.BackendPort, other.BackendPort)
}

func TestNewRunIDIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewRunID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
