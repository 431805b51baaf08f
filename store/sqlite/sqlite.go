// Package sqlite implements sluice.ContextStore using pure-Go SQLite.
// Zero CGO required. Context blobs are stored as JSON text.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sluicehq/sluice"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements sluice.ContextStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ sluice.ContextStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the contexts table.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS contexts (
		id TEXT PRIMARY KEY,
		blob TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		s.logger.Error("sqlite: init failed", "error", err, "duration", time.Since(start))
		return fmt.Errorf("create table: %w", err)
	}
	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (map[string]string, bool, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get context", "id", id)

	var text string
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM contexts WHERE id = ?`, id).Scan(&text)
	if err == sql.ErrNoRows {
		s.logger.Debug("sqlite: get context not found", "id", id, "duration", time.Since(start))
		return nil, false, nil
	}
	if err != nil {
		s.logger.Error("sqlite: get context failed", "id", id, "error", err, "duration", time.Since(start))
		return nil, false, fmt.Errorf("get context: %w", err)
	}

	var blob map[string]string
	if err := json.Unmarshal([]byte(text), &blob); err != nil {
		s.logger.Error("sqlite: get context decode failed", "id", id, "error", err, "duration", time.Since(start))
		return nil, false, fmt.Errorf("decode context %s: %w", id, err)
	}
	s.logger.Debug("sqlite: get context ok", "id", id, "keys", len(blob), "duration", time.Since(start))
	return blob, true, nil
}

func (s *Store) Set(ctx context.Context, id string, blob map[string]string) error {
	start := time.Now()
	s.logger.Debug("sqlite: set context", "id", id, "keys", len(blob))

	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contexts (id, blob, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		id, string(data), now, now)
	if err != nil {
		s.logger.Error("sqlite: set context failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("set context: %w", err)
	}
	s.logger.Debug("sqlite: set context ok", "id", id, "duration", time.Since(start))
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete context", "id", id)

	_, err := s.db.ExecContext(ctx, `DELETE FROM contexts WHERE id = ?`, id)
	if err != nil {
		s.logger.Error("sqlite: delete context failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("delete context: %w", err)
	}
	s.logger.Debug("sqlite: delete context ok", "id", id, "duration", time.Since(start))
	return nil
}

// PurgeOlderThan deletes contexts whose last update is at least age old
// and reports how many were removed. Run it periodically to keep abandoned
// contexts from accumulating.
func (s *Store) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	start := time.Now()
	s.logger.Debug("sqlite: purge contexts", "age", age)

	cutoff := time.Now().Add(-age).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM contexts WHERE updated_at <= ?`, cutoff)
	if err != nil {
		s.logger.Error("sqlite: purge contexts failed", "error", err, "duration", time.Since(start))
		return 0, fmt.Errorf("purge contexts: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: purge contexts ok", "removed", n, "duration", time.Since(start))
	return n, nil
}

// DB exposes the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
