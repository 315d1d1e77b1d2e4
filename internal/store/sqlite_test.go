package store

import (
	"errors"
	"os"
	"testing"
)

func sqliteBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	db, err := OpenSQLiteMemory()
	if err != nil {
		t.Fatalf("OpenSQLiteMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteSchemaVersion(t *testing.T) {
	db := sqliteBackend(t)

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(sqliteMigrations) {
		t.Errorf("SchemaVersion = %d, want %d", v, len(sqliteMigrations))
	}
}

func TestSQLiteTablesExist(t *testing.T) {
	db := sqliteBackend(t)

	for _, table := range []string{"schema_versions", "documents", "document_backups"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestSQLiteMigrationsIdempotent(t *testing.T) {
	db := sqliteBackend(t)

	if err := migrateSQL(db.DB, sqliteMigrations, sqliteBind); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, _ := db.SchemaVersion()
	if v != len(sqliteMigrations) {
		t.Errorf("SchemaVersion after re-migrate = %d, want %d", v, len(sqliteMigrations))
	}
}

func TestSQLiteReadWrite(t *testing.T) {
	db := sqliteBackend(t)
	key := Key{HouseholdID: "home-1", Name: "cadence.json"}

	if _, err := db.Read(key); !errors.Is(err, ErrNotExist) {
		t.Fatalf("Read missing = %v, want ErrNotExist", err)
	}
	if _, err := db.ReadBackup(key); !errors.Is(err, ErrNotExist) {
		t.Fatalf("ReadBackup missing = %v, want ErrNotExist", err)
	}

	if err := db.Write(key, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	if err := db.Write(key, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Write 2: %v", err)
	}

	got, err := db.Read(key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != `{"v":2}` {
		t.Errorf("Read = %s, want {\"v\":2}", got)
	}
	backup, err := db.ReadBackup(key)
	if err != nil {
		t.Fatalf("ReadBackup: %v", err)
	}
	if string(backup) != `{"v":1}` {
		t.Errorf("ReadBackup = %s, want {\"v\":1}", backup)
	}

	ids, err := db.Households()
	if err != nil {
		t.Fatalf("Households: %v", err)
	}
	if len(ids) != 1 || ids[0] != "home-1" {
		t.Errorf("Households = %v, want [home-1]", ids)
	}
}

func TestSQLiteRejectsBadKey(t *testing.T) {
	db := sqliteBackend(t)
	if err := db.Write(Key{HouseholdID: "../x", Name: "a.json"}, []byte(`{}`)); err == nil {
		t.Error("expected error for invalid household id")
	}
}

func TestPostgresReadWrite(t *testing.T) {
	dsn := os.Getenv("PANTRY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PANTRY_TEST_POSTGRES_DSN not set")
	}
	pg, err := OpenPostgres(dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer pg.Close()
	if err := pg.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	key := Key{HouseholdID: "pg-test", Name: "test.json"}
	pg.db.Exec(`DELETE FROM documents WHERE household_id = $1`, key.HouseholdID)
	pg.db.Exec(`DELETE FROM document_backups WHERE household_id = $1`, key.HouseholdID)

	s := New(pg, key.HouseholdID, testSchema())
	if err := s.Update(func(d *testDoc) error {
		d.Entries = append(d.Entries, testEntry{Name: "rice", Quantity: 1})
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	doc, err := New(pg, key.HouseholdID, testSchema()).Doc()
	if err != nil {
		t.Fatalf("Doc: %v", err)
	}
	if len(doc.Entries) != 1 || doc.Entries[0].Name != "rice" {
		t.Errorf("Entries = %+v", doc.Entries)
	}
}

// Both SQL backends answer the health check.
var (
	_ interface{ Ping() error } = (*SQLiteBackend)(nil)
	_ interface{ Ping() error } = (*PostgresBackend)(nil)
)

func TestOpenPostgresRequiresDSN(t *testing.T) {
	if _, err := OpenPostgres(""); err == nil {
		t.Error("expected error for empty dsn")
	}
}
