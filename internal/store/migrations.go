package store

import (
	"database/sql"
	"fmt"
)

// Table migrations for the SQL backends. Document schema versions are
// separate and handled per store by Schema.Migrate.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var sqliteMigrations = []migration{
	{
		Version:     1,
		Description: "documents: one row per household store document",
		SQL: `
CREATE TABLE documents (
    household_id TEXT NOT NULL,
    name         TEXT NOT NULL,
    body         TEXT NOT NULL,
    updated_at   INTEGER NOT NULL,
    PRIMARY KEY (household_id, name)
);
`,
	},
	{
		Version:     2,
		Description: "document_backups: previous revision of each document",
		SQL: `
CREATE TABLE document_backups (
    household_id TEXT NOT NULL,
    name         TEXT NOT NULL,
    body         TEXT NOT NULL,
    saved_at     INTEGER NOT NULL,
    PRIMARY KEY (household_id, name)
);
`,
	},
	{
		Version:     3,
		Description: "documents: index for household listing",
		SQL: `
CREATE INDEX idx_documents_updated ON documents(updated_at DESC);
`,
	},
}

var postgresMigrations = []migration{
	{
		Version:     1,
		Description: "documents: one row per household store document",
		SQL: `
CREATE TABLE documents (
    household_id TEXT NOT NULL,
    name         TEXT NOT NULL,
    body         JSONB NOT NULL,
    updated_at   BIGINT NOT NULL,
    PRIMARY KEY (household_id, name)
);
`,
	},
	{
		Version:     2,
		Description: "document_backups: previous revision of each document",
		SQL: `
CREATE TABLE document_backups (
    household_id TEXT NOT NULL,
    name         TEXT NOT NULL,
    body         JSONB NOT NULL,
    saved_at     BIGINT NOT NULL,
    PRIMARY KEY (household_id, name)
);
`,
	},
	{
		Version:     3,
		Description: "documents: index for household listing",
		SQL: `
CREATE INDEX idx_documents_updated ON documents(updated_at DESC);
`,
	},
}

// bindFunc renders the n-th (1-based) bind parameter for a driver.
type bindFunc func(n int) string

func sqliteBind(int) string { return "?" }

func postgresBind(n int) string { return fmt.Sprintf("$%d", n) }

// migrateSQL applies pending migrations in order.
func migrateSQL(db *sql.DB, migrations []migration, bind bindFunc) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	check := "SELECT COUNT(*) FROM schema_versions WHERE version = " + bind(1)
	record := "INSERT INTO schema_versions (version, description) VALUES (" + bind(1) + ", " + bind(2) + ")"

	for _, m := range migrations {
		var count int
		if err := db.QueryRow(check, m.Version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(record, m.Version, m.Description); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
