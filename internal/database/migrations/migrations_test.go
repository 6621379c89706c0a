package migrations

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrateUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db, SQLite); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	tables := []string{"mods", "mod_versions", "mod_tags", "mod_children", "mod_socials", "mod_history", "sync_runs", "schema_migrations"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s was not created: %v", table, err)
		}
	}
}

func TestCheckDBMigrationStatus_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	err := CheckDBMigrationStatus(db, SQLite)
	if err == nil {
		t.Fatal("CheckDBMigrationStatus() expected error for fresh database, got nil")
	}
	if err.Error() != "database has no schema version (needs migration)" {
		t.Errorf("CheckDBMigrationStatus() error = %q, want error about needing migration", err.Error())
	}
}

func TestCheckDBMigrationStatus_AfterMigration(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db, SQLite); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}
	if err := CheckDBMigrationStatus(db, SQLite); err != nil {
		t.Errorf("CheckDBMigrationStatus() after migration returned error: %v", err)
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db, SQLite); err != nil {
		t.Fatalf("First MigrateUp() failed: %v", err)
	}
	if err := MigrateUp(db, SQLite); err != nil {
		t.Errorf("Second MigrateUp() failed: %v (should be idempotent)", err)
	}
	if err := CheckDBMigrationStatus(db, SQLite); err != nil {
		t.Errorf("CheckDBMigrationStatus() after double migration returned error: %v", err)
	}
}

func TestUnknownDialect(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db, Dialect("oracle")); err == nil {
		t.Error("MigrateUp() with unknown dialect succeeded, want error")
	}
	if _, err := LatestVersion(Dialect("oracle")); err == nil {
		t.Error("LatestVersion() with unknown dialect succeeded, want error")
	}
}

func TestLatestVersion_DialectsAgree(t *testing.T) {
	sqliteVersion, err := LatestVersion(SQLite)
	if err != nil {
		t.Fatalf("LatestVersion(SQLite) error = %v", err)
	}
	pgVersion, err := LatestVersion(Postgres)
	if err != nil {
		t.Fatalf("LatestVersion(Postgres) error = %v", err)
	}
	if sqliteVersion != pgVersion {
		t.Errorf("sqlite at %d, postgres at %d; migration sets must stay in step", sqliteVersion, pgVersion)
	}
}

func TestForeignKeyConstraints(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db, SQLite); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO mod_versions (mod_id, position, mod_version, tmodloader_version)
		VALUES (999, 0, '1.0', '2024.1')
	`)
	if err == nil {
		t.Error("Expected foreign key constraint violation, but insert succeeded")
	}
}

func TestSchema_HistoryAllowsDuplicateDates(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db, SQLite); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	insert := `
		INSERT INTO mod_history (mod_id, author_id, date, downloads_total, views, followers,
			favorited, num_comments, playtime, time_updated)
		VALUES (1, 2, '2025-01-01', 10, 20, 1, 1, 0, 0, 0)`
	for i := 0; i < 2; i++ {
		if _, err := db.Exec(insert); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM mod_history WHERE mod_id = 1").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("history rows = %d, want 2", n)
	}
}

// openTestDB opens an in-memory SQLite database with foreign keys enabled.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	return db
}
