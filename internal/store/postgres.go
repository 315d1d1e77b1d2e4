package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const postgresDriver = "pgx"

// PostgresBackend stores documents as JSONB rows. Same layout as
// SQLiteBackend, for deployments that already run Postgres.
type PostgresBackend struct {
	db *sql.DB
}

// OpenPostgres connects, pings and applies table migrations.
func OpenPostgres(dsn string) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	db, err := sql.Open(postgresDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrateSQL(db, postgresMigrations, postgresBind); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresBackend{db: db}, nil
}

// Ping reports whether the database is reachable.
func (p *PostgresBackend) Ping() error { return p.db.Ping() }

func (p *PostgresBackend) Read(key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var body []byte
	err := p.db.QueryRow(`
		SELECT body FROM documents WHERE household_id = $1 AND name = $2
	`, key.HouseholdID, key.Name).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return body, nil
}

func (p *PostgresBackend) Write(key Key, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("begin write %s: %w", key, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO document_backups (household_id, name, body, saved_at)
		SELECT household_id, name, body, updated_at FROM documents
		WHERE household_id = $1 AND name = $2
		ON CONFLICT (household_id, name) DO UPDATE SET body = EXCLUDED.body, saved_at = EXCLUDED.saved_at
	`, key.HouseholdID, key.Name); err != nil {
		tx.Rollback()
		return fmt.Errorf("backup %s: %w", key, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO documents (household_id, name, body, updated_at)
		VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (household_id, name) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at
	`, key.HouseholdID, key.Name, string(data), now); err != nil {
		tx.Rollback()
		return fmt.Errorf("write %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

func (p *PostgresBackend) Close() error { return p.db.Close() }
