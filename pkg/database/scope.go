package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/foodgraph/pkg/apperrors"
)

type contextKey string

// ScopeKey is the context key for the database scope repositories run against.
const ScopeKey contextKey = "dbScope"

// Querier is the subset of pgx shared by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Scope carries the connection repositories must use for the current call chain.
// Inside WithinTx the connection is the open transaction.
type Scope struct {
	Conn Querier
	InTx bool
}

// GetScope retrieves the database scope from context.
// Returns nil and false if not present.
func GetScope(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(ScopeKey).(*Scope)
	return scope, ok
}

// SetScope stores the database scope in context.
func SetScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, ScopeKey, scope)
}

// ScopeFrom returns the querier bound to ctx or an error when the caller forgot to bind one.
func ScopeFrom(ctx context.Context) (Querier, error) {
	scope, ok := GetScope(ctx)
	if !ok || scope.Conn == nil {
		return nil, fmt.Errorf("no database scope in context")
	}
	return scope.Conn, nil
}

// Bind returns a context whose repositories run directly against the pool.
func (db *DB) Bind(ctx context.Context) context.Context {
	return SetScope(ctx, &Scope{Conn: db.Pool})
}

// Transactor runs a function inside one database transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

var _ Transactor = (*DB)(nil)

// WithinTx begins a transaction, binds it to the context passed to fn and commits
// when fn returns nil. Any error or panic rolls back. Nested calls join the
// outer transaction.
func (db *DB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if scope, ok := GetScope(ctx); ok && scope.InTx {
		return fn(ctx)
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return apperrors.FromStore("database.Begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort; no-op after commit

	if err := fn(SetScope(ctx, &Scope{Conn: tx, InTx: true})); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.FromStore("database.Commit", err)
	}
	return nil
}
