// Package testutil provides test utilities for database setup and seeding.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teleclaude/internal/infrastructure/sqlite"
)

// Now is the frozen wall-clock time seeded rows default to.
var Now = time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC)

// NewTestDB creates a fully migrated database in a temp directory, closed on
// test cleanup. A file-backed database is used rather than :memory: because
// database/sql hands each pooled connection its own in-memory database.
func NewTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
