package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeErrorStripsVolatileParts(t *testing.T) {
	a := NormalizeError("panic at 0xDEADBEEF in /tmp/worktree-8812/main.go:42 at 2026-08-26T10:00:01Z")
	b := NormalizeError("panic at 0x1234ABCD in /tmp/worktree-9901/main.go:77 at 2026-08-26T11:30:59Z")
	assert.Equal(t, a, b)
}

func TestNormalizeErrorCollapsesWhitespace(t *testing.T) {
	assert.Equal(t,
		NormalizeError("build   failed:\n  missing symbol"),
		NormalizeError("build failed: missing symbol"))
}

func TestFingerprintStability(t *testing.T) {
	fp1 := Fingerprint("test timed out after 30 seconds")
	fp2 := Fingerprint("test timed out after 45 seconds")
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64)

	other := Fingerprint("segmentation fault in worker")
	assert.NotEqual(t, fp1, other)
}

func TestFingerprintTrackerCounts(t *testing.T) {
	tr := newFingerprintTracker()

	fp, n := tr.observe("same failure")
	assert.Equal(t, 1, n)
	_, n = tr.observe("same failure")
	assert.Equal(t, 2, n)
	_, n = tr.observe("different failure")
	assert.Equal(t, 1, n)

	assert.False(t, tr.wasRepaired(fp))
	tr.markRepaired(fp)
	assert.True(t, tr.wasRepaired(fp))
}
