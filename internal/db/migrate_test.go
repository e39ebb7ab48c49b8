// Package db tests for database migration management.
package db

import (
	"database/sql"
	"testing"
	"testing/fstest"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

var testMigrations = fstest.MapFS{
	"V1__create_a.up.sql":   {Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY);")},
	"V1__create_a.down.sql": {Data: []byte("DROP TABLE a;")},
	"V2__create_b.up.sql":   {Data: []byte("CREATE TABLE b (id INTEGER PRIMARY KEY);")},
	"V2__create_b.down.sql": {Data: []byte("DROP TABLE b;")},
	"README.md":             {Data: []byte("ignored")},
	"Vx__bad.up.sql":        {Data: []byte("ignored")},
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations)

	if _, err := m.CurrentVersion(); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	v, err := m.CurrentVersion()
	if err != nil || v != 0 {
		t.Errorf("CurrentVersion() = %d, %v; want 0, nil", v, err)
	}
}

// TestUp verifies migrations are applied in order and recorded with checksums.
func TestUp(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations)
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %d migrations, want 2", len(applied))
	}
	if applied[0].Description != "create_a" || applied[1].Description != "create_b" {
		t.Errorf("descriptions = %q, %q", applied[0].Description, applied[1].Description)
	}
	if len(applied[0].Checksum) != 64 {
		t.Errorf("checksum length = %d, want 64", len(applied[0].Checksum))
	}

	// Idempotent
	if err := m.Up(); err != nil {
		t.Fatalf("second Up() failed: %v", err)
	}
}

// TestDown verifies the latest migration is rolled back.
func TestDown(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations)
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Up(); err != nil {
		t.Fatal(err)
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	v, _ := m.CurrentVersion()
	if v != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", v)
	}

	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='b'").Scan(&name)
	if err != sql.ErrNoRows {
		t.Errorf("table b should be dropped, got err=%v", err)
	}

	if err := m.Down(); err != nil {
		t.Fatal(err)
	}
	if err := m.Down(); err == nil {
		t.Error("Down() with nothing applied should fail")
	}
}

// TestEmbeddedMigrations verifies the shipped schema applies cleanly.
func TestEmbeddedMigrations(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, Migrations)
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() with embedded migrations failed: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() with embedded migrations failed: %v", err)
	}
}
