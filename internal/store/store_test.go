package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_OpensExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	var count int
	if err := s2.db.QueryRow("SELECT COUNT(*) FROM queue_entries").Scan(&count); err != nil {
		t.Errorf("query failed: %v", err)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_AppliesPragmas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
	if err := s.verifyPragma("foreign_keys", "1"); err != nil {
		t.Error(err)
	}
}

func TestOpen_SetsSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("query user_version failed: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestOpen_CreatesAllTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"queue_entries", "subband_files", "dead_letters", "stage_metrics"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestMigrateToV2_RebuildsSubbandFilesWithCascade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	// Build a v1-era database by hand: its file table's foreign key does
	// not follow queue_entries group_id updates.
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open raw database: %v", err)
	}
	stmts := []string{
		`CREATE TABLE queue_entries (
		    group_id       TEXT PRIMARY KEY,
		    state          TEXT NOT NULL,
		    received_at    REAL NOT NULL,
		    last_update    REAL NOT NULL,
		    expected_units INTEGER NOT NULL DEFAULT 16,
		    retry_count    INTEGER NOT NULL DEFAULT 0,
		    error_message  TEXT,
		    has_marker     INTEGER
		)`,
		`CREATE TABLE subband_files (
		    group_id        TEXT NOT NULL,
		    unit_index      INTEGER NOT NULL,
		    path            TEXT NOT NULL,
		    unit_code       TEXT NOT NULL DEFAULT '',
		    observed_at     TEXT NOT NULL,
		    observed_mjd    REAL NOT NULL,
		    size_bytes      INTEGER NOT NULL DEFAULT 0,
		    present_on_disk INTEGER NOT NULL DEFAULT 1,
		    PRIMARY KEY (group_id, unit_index),
		    FOREIGN KEY (group_id) REFERENCES queue_entries(group_id)
		)`,
		`INSERT INTO queue_entries (group_id, state, received_at, last_update)
		 VALUES ('2025-01-15T10:30:00', 'collecting', 0, 0)`,
		`INSERT INTO subband_files (group_id, unit_index, path, observed_at, observed_mjd)
		 VALUES ('2025-01-15T10:30:00', 1, '/data/a.hdf5', '2025-01-15T10:30:00', 60690.4)`,
		"PRAGMA user_version = 1",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed legacy schema: %v", err)
		}
	}
	db.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM subband_files").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("file rows after rebuild = %d, want 1", count)
	}

	// The rekey that motivated the rebuild: updating the parent key must
	// carry the child row along instead of failing the constraint.
	_, err = s.db.Exec(
		"UPDATE queue_entries SET group_id = '2025-01-15T10:30:20' WHERE group_id = '2025-01-15T10:30:00'")
	if err != nil {
		t.Fatalf("parent key update failed: %v", err)
	}
	var group string
	if err := s.db.QueryRow("SELECT group_id FROM subband_files WHERE path = '/data/a.hdf5'").Scan(&group); err != nil {
		t.Fatal(err)
	}
	if group != "2025-01-15T10:30:20" {
		t.Errorf("file row group_id = %q, want cascade to new key", group)
	}
}

func TestTx_CommitsOnSuccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO queue_entries (group_id, state, received_at, last_update, expected_units)
			VALUES ('g1', 'collecting', 0, 0, 16)
		`)
		return err
	})
	if err != nil {
		t.Fatalf("Tx() failed: %v", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM queue_entries").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestTx_RollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO queue_entries (group_id, state, received_at, last_update, expected_units)
			VALUES ('g1', 'collecting', 0, 0, 16)
		`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Tx() error = %v, want boom", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM queue_entries").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("count = %d after rollback, want 0", count)
	}
}

func TestEpoch_RoundTrip(t *testing.T) {
	ts := time.Date(2025, 1, 15, 10, 30, 0, 500_000_000, time.UTC)
	got := FromEpoch(Epoch(ts))
	if d := got.Sub(ts); d > time.Millisecond || d < -time.Millisecond {
		t.Errorf("round trip drifted by %v", d)
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
