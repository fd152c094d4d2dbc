package testing

import (
	"path/filepath"
	"testing"

	"github.com/teranos/forage/db"
)

// CreateTestDB creates a migrated SQLite database in a temp directory.
// A file (not :memory:) is used so every pooled connection sees the same data.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *db.Handle {
	t.Helper()

	h, err := db.Open(filepath.Join(t.TempDir(), "forage_test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		h.Close()
	})

	if err := db.Migrate(h, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return h
}
