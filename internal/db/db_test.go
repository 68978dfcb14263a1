package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflowhq/adw/internal/db/driver"
)

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "adw.db")

	d, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	require.NoError(t, d.Migrate())
	assert.Equal(t, path, d.Path())
	assert.Equal(t, driver.DialectSQLite, d.Dialect())
}

func TestMigrateCreatesCoordinationTables(t *testing.T) {
	d, err := OpenInMemory()
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	for _, table := range []string{"phase_queue", "webhook_events", "workflow_history"} {
		var count int
		err := d.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count)
		require.NoError(t, err, "table %s missing", table)
		assert.Equal(t, 0, count)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	d, err := OpenInMemory()
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	require.NoError(t, d.Migrate())
	require.NoError(t, d.Migrate())
}

func TestWebhookIDUniqueConstraint(t *testing.T) {
	d, err := OpenInMemory()
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	insert := `INSERT INTO webhook_events (webhook_id, source, received_at, payload_digest)
		VALUES (?, ?, ?, ?)`
	_, err = d.Exec(insert, "wh-1", "external_issue", "2026-01-01T00:00:00Z", "d1")
	require.NoError(t, err)
	_, err = d.Exec(insert, "wh-1", "external_issue", "2026-01-01T00:00:05Z", "d1")
	assert.Error(t, err, "duplicate webhook_id must be rejected")
}

func TestParseDialect(t *testing.T) {
	got, err := driver.ParseDialect("sqlite")
	require.NoError(t, err)
	assert.Equal(t, driver.DialectSQLite, got)

	got, err = driver.ParseDialect("postgres")
	require.NoError(t, err)
	assert.Equal(t, driver.DialectPostgres, got)

	_, err = driver.ParseDialect("oracle")
	assert.Error(t, err)
}
