package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/fibersync/internal/registry"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added outbox.retry_of for manual retry lineage
// 2 - Added outbox.seq so a retried task keeps its replay position
const currentSchemaVersion = 2

// Store is the on-device database: the entity mirror, the mutation outbox,
// sync status records and persisted cache entries.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db *sql.DB

	mu       sync.RWMutex
	entities map[string]*registry.Entity
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// Mirror tables are not created here; call EnsureMirror with the registry.
// A file that is not a usable database yields an error matching
// ErrStorageUnavailable.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, classify("open database", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, classify("connect to database", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, classify("apply pragmas", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, classify("apply schema", err)
	}

	return &Store{db: db, entities: make(map[string]*registry.Entity)}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
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
		if err := addColumnIfMissing(db, "outbox", "retry_of", "INTEGER"); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		version = 1
	}

	if version < 2 {
		if err := addColumnIfMissing(db, "outbox", "seq", "INTEGER"); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
		version = 2
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// addColumnIfMissing makes a column migration idempotent: databases
// created from the current schema.sql already have the column.
func addColumnIfMissing(db *sql.DB, table, column, decl string) error {
	has, err := hasColumn(db, table, column)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %q ADD COLUMN %s %s", table, column, decl))
	return err
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
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

// Wipe deletes every row the engine owns and drops all mirror tables,
// including ones no longer in the registry. Callers re-run EnsureMirror
// before using the mirror again.
func (s *Store) Wipe(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("wipe", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'mirror\_%' ESCAPE '\' AND name != 'mirror_tables'`)
	if err != nil {
		return classify("wipe", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return classify("wipe", err)
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return classify("wipe", err)
	}

	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", t)); err != nil {
			return classify("wipe", err)
		}
	}
	for _, stmt := range []string{
		`DELETE FROM mirror_tables`,
		`DELETE FROM outbox`,
		`DELETE FROM sync_status`,
		`DELETE FROM cache_entries`,
		`DELETE FROM sqlite_sequence WHERE name = 'outbox'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return classify("wipe", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("wipe", err)
	}

	s.mu.Lock()
	s.entities = make(map[string]*registry.Entity)
	s.mu.Unlock()
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return fromMillis(ms.Int64)
}
