package lock

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PG is a PostgreSQL transaction-scoped advisory lock, shared by every
// daemon replica using the same database.
type PG struct {
	db txBeginner
}

type txBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

var _ Locker = (*PG)(nil)

// NewPG constructs an advisory locker over a pool or any other transaction source.
func NewPG(db txBeginner) *PG { return &PG{db: db} }

// WithLock holds pg_advisory_xact_lock(hashtext(key)) for the duration of fn.
// The lock is released when the transaction ends.
func (l *PG) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (err error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("lock: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = fmt.Errorf("lock: commit: %w", e)
		}
	}()

	const q = `SELECT pg_advisory_xact_lock(hashtext($1))`
	if _, err = tx.Exec(ctx, q, key); err != nil {
		return fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	return fn(ctx)
}
