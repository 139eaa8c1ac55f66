package database

import (
	"context"
	"testing"
)

func migratedDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(sqliteConfig(t))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("Migrations failed: %v", err)
	}
	return db
}

func TestMigrator_Run(t *testing.T) {
	db := migratedDB(t)

	for _, table := range []string{"recordings", "analysis", "streams"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("Expected table %s to exist: %v", table, err)
		}
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("Failed to query schema_migrations: %v", err)
	}
	if count < 2 {
		t.Errorf("Expected at least 2 applied migrations, got %d", count)
	}

	// Running again is idempotent.
	if err := NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("Second Run failed: %v", err)
	}
}

func TestMigrator_SchemaColumns(t *testing.T) {
	db := migratedDB(t)

	// The detector and analyser write through these exact column sets; a
	// mismatch here breaks both processes.
	_, err := db.Exec(`
		INSERT INTO recordings (stream_id, filename, filepath, recorded_at, created_at)
		VALUES ('front_door', 'front_door_120000.ts', '/recordings/front_door/20260101/front_door_120000.ts', 1767268800, 1767268805)
	`)
	if err != nil {
		t.Fatalf("Failed to insert recording: %v", err)
	}

	_, err = db.Exec(`
		INSERT INTO analysis (recording_id, description, danger, danger_level, danger_details, raw_response, error, created_at)
		VALUES (1, 'empty hallway', 0, 0, NULL, '{}', NULL, 1767268900)
	`)
	if err != nil {
		t.Fatalf("Failed to insert analysis: %v", err)
	}

	_, err = db.Exec(`
		INSERT INTO streams (id, stream_key, source_type, source_id, ready, online, bytes_received, bytes_sent, first_seen, last_seen)
		VALUES ('live/front', 'live_front', 'rtspSession', 'abc', 1, 1, 1024, 0, 1767268800, 1767268860)
	`)
	if err != nil {
		t.Fatalf("Failed to insert stream: %v", err)
	}
}

func TestMigrator_GetStatus(t *testing.T) {
	db := migratedDB(t)

	status, err := NewMigrator(db).GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if len(status) < 2 {
		t.Fatalf("Expected at least 2 migrations in status, got %d", len(status))
	}

	for _, m := range status {
		if m.AppliedAt.IsZero() {
			t.Errorf("Migration %d should have AppliedAt set", m.Version)
		}
		if m.Name == "" {
			t.Errorf("Migration %d should have Name set", m.Version)
		}
	}

	for i := 1; i < len(status); i++ {
		if status[i].Version <= status[i-1].Version {
			t.Error("Expected migrations ordered by version")
		}
	}
}

func TestMigrator_StatusBeforeRun(t *testing.T) {
	db, err := Open(sqliteConfig(t))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	status, err := NewMigrator(db).GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	for _, m := range status {
		if !m.AppliedAt.IsZero() {
			t.Errorf("Migration %d should not be applied yet", m.Version)
		}
	}
}
