package sqlite

import (
	"database/sql"
	"io/fs"
	"sort"
	"strings"

	"github.com/servaudit/servaudit/internal/pkg/errors"
)

// RunMigrations applies every .sql file in migrationsFS that has not been
// applied yet, in lexical order. Each file runs inside its own transaction
// and is recorded in schema_migrations, so a failed migration leaves the
// store at the last good version
func RunMigrations(db *sql.DB, migrationsFS fs.FS) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TEXT DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return errors.DatabaseError("Failed to create schema_migrations table", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	pending, err := pendingMigrations(migrationsFS, applied)
	if err != nil {
		return err
	}

	for _, filename := range pending {
		if err := applyMigration(db, migrationsFS, filename); err != nil {
			return err
		}
	}
	return nil
}

func appliedVersions(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errors.DatabaseError("Failed to query applied migrations", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, errors.DatabaseError("Failed to scan migration version", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func pendingMigrations(migrationsFS fs.FS, applied map[string]bool) ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return nil, errors.DatabaseError("Failed to read migrations directory", err)
	}

	var pending []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}
		pending = append(pending, name)
	}
	sort.Strings(pending)
	return pending, nil
}

func applyMigration(db *sql.DB, migrationsFS fs.FS, filename string) error {
	content, err := fs.ReadFile(migrationsFS, filename)
	if err != nil {
		return errors.DatabaseError("Failed to read migration "+filename, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.DatabaseError("Failed to start migration transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return errors.DatabaseError("Failed to execute migration "+filename, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, filename); err != nil {
		return errors.DatabaseError("Failed to record migration "+filename, err)
	}
	if err := tx.Commit(); err != nil {
		return errors.DatabaseError("Failed to commit migration "+filename, err)
	}
	return nil
}
