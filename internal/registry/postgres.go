package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresSchema is the SQL DDL for the ledger table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS ledger (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is a [Store] backed by PostgreSQL, for deployments where the
// ledger must outlive the bot host or be shared between instances.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] over the given connection or
// pool. Call [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [PostgresSchema] DDL, creating the ledger table if it
// does not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("registry: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM ledger WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("registry: get %q: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Put(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO ledger (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("registry: put %q: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM ledger WHERE key = $1`, key); err != nil {
		return fmt.Errorf("registry: delete %q: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, key string, fn func(current string, found bool) (string, error)) (string, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("registry: begin update %q: %w", key, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var current string
	found := true
	err = tx.QueryRow(ctx, `SELECT value FROM ledger WHERE key = $1 FOR UPDATE`, key).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		found = false
	} else if err != nil {
		return "", fmt.Errorf("registry: update read %q: %w", key, err)
	}

	next, err := fn(current, found)
	if err != nil {
		return "", err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, next); err != nil {
		return "", fmt.Errorf("registry: update write %q: %w", key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("registry: update commit %q: %w", key, err)
	}
	return current, nil
}

// Close is a no-op: the connection or pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }
