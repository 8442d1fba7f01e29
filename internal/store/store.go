// Package store is the durable home of all mutable conversation state:
// threads and their ordered messages, the correlation indexes, field
// provenance, notifications, opt-outs, and per-owner sync state.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrThreadExists is returned when creating a thread would violate the
	// one-ACTIVE-or-PAUSED-thread-per-(owner, contact, anchor) invariant.
	ErrThreadExists = errors.New("store: active thread already exists for contact and record")
)

// Store provides access to the thread database. Methods are safe for
// concurrent use; callers that need a commit unit spanning several
// operations use WithTx.
type Store struct {
	db *sqlx.DB
	queries
}

// Tx is a transaction-scoped view of the store. All mutations of one
// thread's processing happen through a single Tx so a failure rolls the
// whole commit unit back.
type Tx struct {
	tx *sqlx.Tx
	queries
}

// queries holds the shared query implementations; ext is either the DB
// pool or an open transaction.
type queries struct {
	ext sqlx.ExtContext
}

// Open connects to the database. PostgreSQL only: the queries and the
// schema use Postgres placeholders and types throughout.
func Open(databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable not set")
	}
	if !strings.HasPrefix(databaseURL, "postgres") {
		return nil, fmt.Errorf("unsupported DATABASE_URL %q: a postgres:// URL is required", databaseURL)
	}

	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewStore(db), nil
}

// NewStore wraps an existing connection pool.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, queries: queries{ext: db}}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a transaction. The transaction is rolled back if fn
// returns an error or panics, committed otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{tx: tx, queries: queries{ext: tx}}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
