package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxFromContext returns the transaction bound to ctx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// Conn picks the most specific handle available: the active transaction,
// then the tenant connection, then the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// TxOptions tunes a unit of work started by WithTx.
type TxOptions struct {
	ReadOnly         bool
	StatementTimeout time.Duration
}

// WithTx runs fn inside a transaction bound to ctx. Nested calls open a
// savepoint on the outer transaction. fn's error rolls everything back.
func WithTx(ctx context.Context, pool *pgxpool.Pool, opts TxOptions, fn func(ctx context.Context) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	switch {
	case TxFromContext(ctx) != nil:
		tx, err = TxFromContext(ctx).Begin(ctx)
	case ConnFromContext(ctx) != nil:
		tx, err = beginTx(ctx, ConnFromContext(ctx), opts)
	default:
		tx, err = beginTx(ctx, pool, opts)
	}
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	if opts.StatementTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", opts.StatementTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set statement timeout: %w", err)
		}
	}

	if err := fn(context.WithValue(ctx, DBTxKey, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func beginTx(ctx context.Context, b beginner, opts TxOptions) (pgx.Tx, error) {
	if !opts.ReadOnly {
		return b.Begin(ctx)
	}
	switch c := b.(type) {
	case *pgxpool.Pool:
		return c.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	case *pgxpool.Conn:
		return c.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	}
	return b.Begin(ctx)
}
