package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9100, cfg.Resources.BackendPorts.Start)
	assert.Equal(t, 9114, cfg.Resources.BackendPorts.End)
	assert.Equal(t, cfg.Resources.BackendPorts.Size(), cfg.Resources.FrontendPorts.Size())
	assert.Equal(t, 30*time.Minute, cfg.PhaseTimeout)
}

func TestValidateRejectsMismatchedPortRanges(t *testing.T) {
	cfg := Default()
	cfg.Resources.FrontendPorts.End = 9210
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownDialect(t *testing.T) {
	cfg := Default()
	cfg.Database.Dialect = "oracle"
	assert.Error(t, cfg.Validate())
}

func TestTimeoutFor(t *testing.T) {
	cfg := Default()
	cfg.PhaseTimeoutOverrides = map[string]time.Duration{"build": time.Hour}

	assert.Equal(t, time.Hour, cfg.TimeoutFor("build"))
	assert.Equal(t, cfg.PhaseTimeout, cfg.TimeoutFor("test"))
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_concurrent_runs: 2
webhook:
  secret: s3cret
  dedup_window: 30s
  retention: 168h
retry:
  max_phase_retry_attempts: 5
  max_external_attempts: 3
  max_identical_error_repeats: 4
`), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.MaxConcurrentRuns)
	assert.Equal(t, "s3cret", cfg.Webhook.Secret)
	assert.Equal(t, 5, cfg.Retry.MaxPhaseRetryAttempts)
	// untouched defaults survive the merge
	assert.Equal(t, "sqlite", cfg.Database.Dialect)
	assert.Equal(t, 9200, cfg.Resources.FrontendPorts.Start)
}

func TestApplyEnvVars(t *testing.T) {
	t.Setenv("ADW_WEBHOOK_SECRET", "env-secret")
	t.Setenv("ADW_MAX_CONCURRENT_RUNS", "7")
	t.Setenv("ADW_PHASE_TIMEOUT", "45m")
	t.Setenv("ADW_MAX_IDENTICAL_ERROR_REPEATS", "not-a-number")

	cfg := Default()
	ApplyEnvVars(cfg)

	assert.Equal(t, "env-secret", cfg.Webhook.Secret)
	assert.Equal(t, 7, cfg.MaxConcurrentRuns)
	assert.Equal(t, 45*time.Minute, cfg.PhaseTimeout)
	// malformed overrides are ignored, not fatal
	assert.Equal(t, 4, cfg.Retry.MaxIdenticalErrorRepeats)
}
