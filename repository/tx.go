package repository

import (
	"context"
	"database/sql"
	"sync"

	"github.com/uptrace/bun"
)

// Tx is a bun transaction that also collects work to run once it commits.
// Repositories bound to it with WithTx defer change events until then.
type Tx struct {
	bun.Tx

	mu       sync.Mutex
	onCommit []func(context.Context)
}

// AfterCommit queues fn to run after a successful commit.
func (t *Tx) AfterCommit(fn func(context.Context)) {
	t.mu.Lock()
	t.onCommit = append(t.onCommit, fn)
	t.mu.Unlock()
}

func (t *Tx) committed(ctx context.Context) {
	t.mu.Lock()
	fns := t.onCommit
	t.onCommit = nil
	t.mu.Unlock()

	for _, fn := range fns {
		fn(ctx)
	}
}

// RunInTx runs fn in a transaction. The transaction is rolled back when fn
// returns an error or panics; AfterCommit callbacks run only after commit.
func RunInTx(ctx context.Context, db *bun.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx *Tx) error) error {
	t := &Tx{}
	err := db.RunInTx(ctx, opts, func(ctx context.Context, btx bun.Tx) error {
		t.Tx = btx
		return fn(ctx, t)
	})
	if err != nil {
		return err
	}
	t.committed(ctx)
	return nil
}
