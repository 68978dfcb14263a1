package gitops

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records git invocations and replays scripted results.
type fakeRunner struct {
	calls   [][]string
	results map[string]error
	outputs map[string]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: make(map[string]error),
		outputs: make(map[string]string),
	}
}

func key(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func (f *fakeRunner) Run(workDir, name string, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	k := key(args)
	if err, ok := f.results[k]; ok && err != nil {
		return "", err
	}
	return f.outputs[k], nil
}

func (f *fakeRunner) called(k string) bool {
	for _, call := range f.calls {
		if key(call) == k {
			return true
		}
	}
	return false
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "adw/run-1", BranchName("run-1"))
}

func TestCreateWorktreeFirstAttempt(t *testing.T) {
	runner := newFakeRunner()
	g := NewWithRunner(t.TempDir(), runner)
	wt := filepath.Join(t.TempDir(), "run-1")

	require.NoError(t, g.CreateWorktree("run-1", "main", wt))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"worktree", "add", "-b", "adw/run-1", wt, "main"}, runner.calls[0])
}

func TestCreateWorktreeReusesExistingBranch(t *testing.T) {
	runner := newFakeRunner()
	g := NewWithRunner(t.TempDir(), runner)
	wt := filepath.Join(t.TempDir(), "run-1")

	runner.results[key([]string{"worktree", "add", "-b", "adw/run-1", wt, "main"})] =
		fmt.Errorf("branch 'adw/run-1' already exists")

	require.NoError(t, g.CreateWorktree("run-1", "main", wt))
	assert.True(t, runner.called(key([]string{"worktree", "add", wt, "adw/run-1"})))
}

func TestCreateWorktreePrunesStaleRegistration(t *testing.T) {
	runner := newFakeRunner()
	g := NewWithRunner(t.TempDir(), runner)
	wt := filepath.Join(t.TempDir(), "run-1")

	addNew := key([]string{"worktree", "add", "-b", "adw/run-1", wt, "main"})
	addExisting := key([]string{"worktree", "add", wt, "adw/run-1"})
	staleErr := fmt.Errorf("'%s' is a missing but already registered worktree", wt)

	// Both first attempts fail, prune runs, then the retry succeeds.
	runner.results[addNew] = staleErr
	runner.results[addExisting] = staleErr
	g = NewWithRunner(t.TempDir(), &pruneAwareRunner{inner: runner, clearAfterPrune: addNew})

	require.NoError(t, g.CreateWorktree("run-1", "main", wt))
	assert.True(t, runner.called(key([]string{"worktree", "prune"})))
}

// pruneAwareRunner lets a scripted failure heal after "worktree prune",
// modeling git dropping a stale registration.
type pruneAwareRunner struct {
	inner           *fakeRunner
	clearAfterPrune string
}

func (p *pruneAwareRunner) Run(workDir, name string, args ...string) (string, error) {
	if key(args) == "worktree prune" {
		delete(p.inner.results, p.clearAfterPrune)
	}
	return p.inner.Run(workDir, name, args...)
}

func TestRemoveWorktreeMissingDirSucceeds(t *testing.T) {
	runner := newFakeRunner()
	g := NewWithRunner(t.TempDir(), runner)
	wt := filepath.Join(t.TempDir(), "gone")

	runner.results[key([]string{"worktree", "remove", "--force", wt})] =
		fmt.Errorf("'%s' is not a working tree", wt)

	require.NoError(t, g.RemoveWorktree(wt))
	assert.True(t, runner.called(key([]string{"worktree", "prune"})))
}

func TestRemoveWorktreeEmptyPathIsNoop(t *testing.T) {
	runner := newFakeRunner()
	g := NewWithRunner(t.TempDir(), runner)

	require.NoError(t, g.RemoveWorktree(""))
	assert.Empty(t, runner.calls)
}

func TestCommitsAhead(t *testing.T) {
	runner := newFakeRunner()
	g := NewWithRunner(t.TempDir(), runner)

	runner.outputs[key([]string{"rev-list", "--count", "main..HEAD"})] = "3"

	n, err := g.CommitsAhead("/wt", "main")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSummarizeWorktree(t *testing.T) {
	wt := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(wt, "dist"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(wt, ".git"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(wt, "main.go"), []byte("package main\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(wt, "dist", "app.bin"), make([]byte, 100), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(wt, ".git", "HEAD"), []byte("ref"), 0644))

	summary, err := SummarizeWorktree(wt, []string{"dist/**"})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Files)
	assert.Equal(t, int64(113), summary.Bytes)
	assert.Equal(t, []string{"dist/app.bin"}, summary.PreservedFiles)

	m := summary.Map()
	assert.Equal(t, 2, m["files"])
}
