package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type txKey struct{}

// WithTx returns a copy of ctx carrying tx. Repositories pick it up through
// TxFromContext so nested calls join the caller's transaction.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction stored in ctx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// Beginner is satisfied by *pgxpool.Pool and pgx.Tx.
type Beginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// RunInTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise. If ctx already carries a
// transaction, fn joins it instead of opening a new one.
func RunInTx(ctx context.Context, db Beginner, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if tx := TxFromContext(ctx); tx != nil {
		return fn(ctx, tx)
	}

	err := pgx.BeginTxFunc(ctx, db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(WithTx(ctx, tx), tx)
	})
	if err != nil {
		return fmt.Errorf("transaction: %w", err)
	}
	return nil
}
