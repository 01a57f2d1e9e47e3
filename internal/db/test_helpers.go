package db

import (
	"path/filepath"
	"testing"
)

// NewTestDB creates a DB in a temp directory that is removed when the
// test ends.
func NewTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "rigsetup_test.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Errorf("failed to close test database: %v", err)
		}
	})
	return database
}
