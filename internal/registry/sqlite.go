package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// sqliteSchema is the DDL for the ledger table.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`

// SQLiteStore is a [Store] backed by an embedded SQLite database. This is
// the default backend: the ledger is tiny and lives next to the bot, so an
// embedded single-connection database covers it.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the ledger database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("registry: empty sqlite path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("registry: create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	// The ledger sees one writer; a single connection keeps transactions
	// trivially serialised.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("registry: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: init schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM ledger WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("registry: get %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("registry: put %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ledger WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("registry: delete %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, key string, fn func(current string, found bool) (string, error)) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("registry: begin update %q: %w", key, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var current string
	found := true
	err = tx.QueryRowContext(ctx, `SELECT value FROM ledger WHERE key = ?`, key).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return "", fmt.Errorf("registry: update read %q: %w", key, err)
	}

	next, err := fn(current, found)
	if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, next); err != nil {
		return "", fmt.Errorf("registry: update write %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("registry: update commit %q: %w", key, err)
	}
	return current, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
