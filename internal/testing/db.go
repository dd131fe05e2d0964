// Package testing provides testing utilities and helpers for the augur project.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/aristath/augur/internal/database"
	_ "github.com/mattn/go-sqlite3"
)

// NewTestDB creates a file-backed database in a temporary directory with the named
// schema applied. The database is closed when the test finishes.
func NewTestDB(t *testing.T, name string) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database %s: %v", name, err)
		}
	})

	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}
	return db
}

// NewMemoryDB opens an in-memory database through the cgo sqlite3 driver and applies
// the named schema. A single connection keeps every query on the same memory database.
func NewMemoryDB(t *testing.T, name string) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open memory database: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	if err := database.ApplySchema(conn, name); err != nil {
		t.Fatalf("Failed to apply schema %s: %v", name, err)
	}
	return conn
}
