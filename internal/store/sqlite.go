package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend keeps every household document as a row in a single SQLite
// database. Useful when many households share one data directory.
type SQLiteBackend struct {
	*sql.DB
	Path string
}

// OpenSQLite opens (or creates) the SQLite database at the given path,
// configures pragmas, and runs migrations.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return initSQLite(sqlDB, path)
}

// OpenSQLiteMemory opens an in-memory SQLite database for testing.
func OpenSQLiteMemory() (*SQLiteBackend, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	return initSQLite(sqlDB, ":memory:")
}

func initSQLite(sqlDB *sql.DB, path string) (*SQLiteBackend, error) {
	// One connection: a second one would see a different :memory: database,
	// and the store model is single-writer anyway.
	sqlDB.SetMaxOpenConns(1)

	db := &SQLiteBackend{DB: sqlDB, Path: path}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := migrateSQL(db.DB, sqliteMigrations, sqliteBind); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *SQLiteBackend) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (db *SQLiteBackend) Read(key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var body string
	err := db.QueryRow(`
		SELECT body FROM documents WHERE household_id = ? AND name = ?
	`, key.HouseholdID, key.Name).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return []byte(body), nil
}

// Write copies the current row into document_backups and upserts the new
// body in one transaction.
func (db *SQLiteBackend) Write(key Key, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin write %s: %w", key, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO document_backups (household_id, name, body, saved_at)
		SELECT household_id, name, body, updated_at FROM documents
		WHERE household_id = ? AND name = ?
		ON CONFLICT(household_id, name) DO UPDATE SET body = excluded.body, saved_at = excluded.saved_at
	`, key.HouseholdID, key.Name); err != nil {
		tx.Rollback()
		return fmt.Errorf("backup %s: %w", key, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO documents (household_id, name, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(household_id, name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, key.HouseholdID, key.Name, string(data), now); err != nil {
		tx.Rollback()
		return fmt.Errorf("write %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

// ReadBackup returns the previous revision of a document.
func (db *SQLiteBackend) ReadBackup(key Key) ([]byte, error) {
	var body string
	err := db.QueryRow(`
		SELECT body FROM document_backups WHERE household_id = ? AND name = ?
	`, key.HouseholdID, key.Name).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("read backup %s: %w", key, err)
	}
	return []byte(body), nil
}

// Households lists every household that has at least one document.
func (db *SQLiteBackend) Households() ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT household_id FROM documents ORDER BY household_id`)
	if err != nil {
		return nil, fmt.Errorf("list households: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan household: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SchemaVersion returns the current database schema version.
func (db *SQLiteBackend) SchemaVersion() (int, error) {
	return schemaVersion(db.DB)
}
