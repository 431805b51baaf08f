// Package postgres implements sluice.ContextStore using PostgreSQL.
// Context blobs are stored as JSONB.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sluicehq/sluice"
)

// Store implements sluice.ContextStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ sluice.ContextStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the contexts table. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS contexts (
		id TEXT PRIMARY KEY,
		blob JSONB NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("postgres: init: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (map[string]string, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT blob FROM contexts WHERE id = $1`, id).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: get context: %w", err)
	}

	var blob map[string]string
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, false, fmt.Errorf("postgres: decode context %s: %w", id, err)
	}
	return blob, true, nil
}

func (s *Store) Set(ctx context.Context, id string, blob map[string]string) error {
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("postgres: encode context: %w", err)
	}
	now := time.Now().Unix()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO contexts (id, blob, created_at, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   blob = EXCLUDED.blob,
		   updated_at = EXCLUDED.updated_at`,
		id, data, now, now)
	if err != nil {
		return fmt.Errorf("postgres: set context: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM contexts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete context: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes contexts whose last update is at least age old
// and reports how many were removed.
func (s *Store) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).Unix()
	tag, err := s.pool.Exec(ctx, `DELETE FROM contexts WHERE updated_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge contexts: %w", err)
	}
	return tag.RowsAffected(), nil
}
