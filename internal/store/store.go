// Package store provides the durable SQLite layer under the processing
// queue and dead-letter queue. It owns connection configuration, the
// embedded schema, and incremental migrations; queue semantics live in
// the queue and resilience packages.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on dead_letters.created_at for operator listing
// 2 - subband_files.group_id follows queue_entries rekeys (ON UPDATE CASCADE)
const currentSchemaVersion = 2

// Store provides durable storage for subflow queue state.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection
	// serializes writers so claim transitions stay atomic across the
	// dispatcher workers and the housekeeping sweeper.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer package-level APIs when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Query executes a query and returns the resulting rows.
// Callers are responsible for closing the returned rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// Exec executes a statement.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// Tx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
		version = 1
	}

	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
		version = 2
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the created_at index on dead_letters. Databases created
// before v1 lack it; CREATE INDEX IF NOT EXISTS is a no-op on new ones.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_dlq_created
		ON dead_letters(created_at)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrateToV2 rebuilds subband_files so its foreign key cascades group_id
// updates. Rekeying a group updates the queue_entries primary key; without
// the cascade SQLite rejects the update while child rows exist. Changing a
// foreign key requires a table rebuild, with enforcement off for the copy.
func migrateToV2(db *sql.DB) error {
	var ddl string
	err := db.QueryRow(`
		SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'subband_files'
	`).Scan(&ddl)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	if strings.Contains(ddl, "ON UPDATE CASCADE") {
		return nil
	}

	stmts := []string{
		"PRAGMA foreign_keys = OFF",
		`CREATE TABLE subband_files_v2 (
		    group_id        TEXT NOT NULL,
		    unit_index      INTEGER NOT NULL,
		    path            TEXT NOT NULL,
		    unit_code       TEXT NOT NULL DEFAULT '',
		    observed_at     TEXT NOT NULL,
		    observed_mjd    REAL NOT NULL,
		    size_bytes      INTEGER NOT NULL DEFAULT 0,
		    present_on_disk INTEGER NOT NULL DEFAULT 1,
		    PRIMARY KEY (group_id, unit_index),
		    FOREIGN KEY (group_id) REFERENCES queue_entries(group_id) ON UPDATE CASCADE
		)`,
		"INSERT INTO subband_files_v2 SELECT * FROM subband_files",
		"DROP TABLE subband_files",
		"ALTER TABLE subband_files_v2 RENAME TO subband_files",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_subband_files_path ON subband_files(path)",
		"PRAGMA foreign_keys = ON",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
