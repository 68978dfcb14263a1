package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	hexAddrRe    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	numberRe     = regexp.MustCompile(`\b\d+\b`)
	timestampRe  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	tmpPathRe    = regexp.MustCompile(`/tmp/[^\s:]+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// NormalizeError strips the volatile parts of an error message so that
// repeats of the same underlying failure hash identically: timestamps,
// memory addresses, temp paths, and bare numbers (line numbers, ports,
// durations) are all replaced with placeholders.
func NormalizeError(text string) string {
	s := strings.TrimSpace(text)
	s = timestampRe.ReplaceAllString(s, "<ts>")
	s = hexAddrRe.ReplaceAllString(s, "<addr>")
	s = tmpPathRe.ReplaceAllString(s, "<tmp>")
	s = numberRe.ReplaceAllString(s, "<n>")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.ToLower(s)
}

// Fingerprint returns the SHA-256 hex digest of the normalized error
// text. Identical fingerprints drive the looping circuit breaker and
// the once-per-fingerprint repair rule.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(NormalizeError(text)))
	return hex.EncodeToString(sum[:])
}

// fingerprintTracker counts identical error fingerprints within one
// phase execution.
type fingerprintTracker struct {
	counts   map[string]int
	repaired map[string]bool
	last     string
}

func newFingerprintTracker() *fingerprintTracker {
	return &fingerprintTracker{
		counts:   make(map[string]int),
		repaired: make(map[string]bool),
	}
}

// observe records a failure and returns its fingerprint and total count.
func (t *fingerprintTracker) observe(errText string) (string, int) {
	fp := Fingerprint(errText)
	t.counts[fp]++
	t.last = fp
	return fp, t.counts[fp]
}

// markRepaired records that the repair agent ran for this fingerprint.
// The repair runs exactly once per fingerprint.
func (t *fingerprintTracker) markRepaired(fp string) {
	t.repaired[fp] = true
}

func (t *fingerprintTracker) wasRepaired(fp string) bool {
	return t.repaired[fp]
}
