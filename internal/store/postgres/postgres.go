// Package postgres implements store.Store on PostgreSQL with pgx and squirrel.
// Every guarded state change is a single conditional statement so concurrent
// writers race on row locks, not on application state.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/cart_sentinel/internal/store"
)

var _ store.Store = (*Store)(nil)

type txKey struct{}

// Executor is the subset of pgx shared by the pool and a transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Store struct {
	pool    *pgxpool.Pool
	builder squirrel.StatementBuilderType
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:    pool,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) executor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// withinTransaction runs f with a transaction carried in ctx. f's error rolls
// the transaction back.
func (s *Store) withinTransaction(ctx context.Context, f func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return f(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("Store - withinTransaction - pool.Begin: %w", err)
	}

	if err := f(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("Store - withinTransaction - tx.Commit: %w", err)
	}
	return nil
}

// exec builds and runs a statement, returning the affected row count.
func (s *Store) exec(ctx context.Context, op string, q squirrel.Sqlizer) (int64, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("Store - %s - ToSql: %w", op, err)
	}
	tag, err := s.executor(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("Store - %s - Exec: %w", op, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) query(ctx context.Context, op string, q squirrel.Sqlizer) (pgx.Rows, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("Store - %s - ToSql: %w", op, err)
	}
	rows, err := s.executor(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("Store - %s - Query: %w", op, err)
	}
	return rows, nil
}

func (s *Store) queryRow(ctx context.Context, op string, q squirrel.Sqlizer) (pgx.Row, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("Store - %s - ToSql: %w", op, err)
	}
	return s.executor(ctx).QueryRow(ctx, sql, args...), nil
}

// collect scans every row with scan and closes rows.
func collect[T any](op string, rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("Store - %s - rows.Scan: %w", op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Store - %s - rows.Err: %w", op, err)
	}
	return out, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// excluded returns "col = EXCLUDED.col" assignments for an upsert.
func excluded(cols ...string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + " = EXCLUDED." + c
	}
	return strings.Join(parts, ", ")
}

// ifNewer takes the incoming value only when the incoming row is at least as
// recent as the stored one, so a late retry cannot roll state back.
func ifNewer(table string, cols ...string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s = CASE WHEN EXCLUDED.updated_at >= %s.updated_at THEN EXCLUDED.%s ELSE %s.%s END",
			c, table, c, table, c)
	}
	return strings.Join(parts, ", ")
}

// keepNonEmpty keeps the stored value when the incoming one is empty.
func keepNonEmpty(table string, cols ...string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s = COALESCE(NULLIF(EXCLUDED.%s, ''), %s.%s)", c, c, table, c)
	}
	return strings.Join(parts, ", ")
}

func joinColumns(cols []string) string {
	return strings.Join(cols, ", ")
}
