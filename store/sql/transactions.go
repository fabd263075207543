package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goliatone/go-subscriptions/core"
	"github.com/uptrace/bun"
)

type txContextKey struct{}

// withConn returns ctx carrying idb so every store call made with it runs
// against that handle instead of the shared pool.
func withConn(ctx context.Context, idb bun.IDB) context.Context {
	return context.WithValue(ctx, txContextKey{}, idb)
}

// conn resolves the database handle for one store call: the open
// transaction in ctx when a caller started one, the pool otherwise.
func conn(ctx context.Context, db *bun.DB) bun.IDB {
	if idb, ok := ctx.Value(txContextKey{}).(bun.IDB); ok && idb != nil {
		return idb
	}
	return db
}

// RunInTransaction runs fn inside a single database transaction. Store
// calls made with the ctx passed to fn join that transaction, so a state
// change and the outbox row describing it commit or roll back together.
// Calls made while a transaction is already open reuse it.
func (f *RepositoryFactory) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if f == nil || f.db == nil {
		return fmt.Errorf("sqlstore: repository factory is not configured")
	}
	if fn == nil {
		return fmt.Errorf("sqlstore: transaction body is required")
	}
	if idb, ok := ctx.Value(txContextKey{}).(bun.IDB); ok && idb != nil {
		return fn(ctx)
	}
	return f.db.RunInTx(ctx, nil, func(txCtx context.Context, tx bun.Tx) error {
		return fn(withConn(txCtx, tx))
	})
}

func rowsAffected(result sql.Result) (int, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: read rows affected: %w", err)
	}
	return int(affected), nil
}

var _ core.TransactionRunner = (*RepositoryFactory)(nil)
