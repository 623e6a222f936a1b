// Package store is USP's single write path: every persisted entity (seal
// config, secrets and their versions, transit keys, database configs,
// leases, policies, audit records) is read and mutated only through this
// package. Engines never issue SQL of their own.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so every query
// method below works identically inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps a Postgres connection pool and exposes the transactional
// operations every engine (C6/C7/C8) and the seal controller (C3) use.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// Transaction runs fn inside a serializable transaction, committing on a
// nil return and rolling back otherwise. Nested calls are not supported;
// callers needing multiple entity mutations within one logical operation
// pass the same *Store and rely on Postgres-level serializability per
// row, which is sufficient for USP's per-path/per-key/per-lease
// linearizability requirements.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, q *Queries) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, &Queries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: committing transaction: %w", err)
	}
	committed = true
	return nil
}

// Queries exposes read-only helpers directly against the pool, for
// call sites that don't need transactional semantics (most reads).
func (s *Store) Queries() *Queries {
	return &Queries{db: s.pool}
}

// Queries is the raw-SQL operation set, bound to either the pool or an
// in-flight transaction via DBTX.
type Queries struct {
	db DBTX
}

// NewQueries binds a Queries directly to a DBTX, bypassing Store. Engine
// packages use this in tests to drive their store seam against a fake
// DBTX instead of a live Postgres connection.
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}
