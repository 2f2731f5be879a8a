package testutil

import (
	"database/sql"
	"testing"

	"github.com/servaudit/servaudit/internal/repository/sqlite"
	"github.com/servaudit/servaudit/migrations"
	_ "modernc.org/sqlite"
)

// NewTestDB creates an in-memory SQLite database with all migrations applied
func NewTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	if err := sqlite.RunMigrations(db, migrations.GetFS()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return db
}

// CleanupDB closes the test database
func CleanupDB(db *sql.DB) {
	if db != nil {
		db.Close()
	}
}
