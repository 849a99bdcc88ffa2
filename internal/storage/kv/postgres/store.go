// Package postgres provides a Postgres-backed KV store for deployments where
// the service runs next to existing infrastructure.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements kv.Store over a pgx connection pool.
type Store struct {
	pool pgxPool
}

// New connects to Postgres and ensures the kv table exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: pool}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize kv schema: %w", err)
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Get reads the value for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, "SELECT value FROM kv_entries WHERE key = $1", key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres get %q: %w", key, err)
	}
	return value, true, nil
}

// Set upserts value under key.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO kv_entries (key, value, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres set %q: %w", key, err)
	}
	return nil
}

// Delete removes key if present.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM kv_entries WHERE key = $1", key); err != nil {
		return fmt.Errorf("postgres delete %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
