package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/uptrace/bun/dialect"

	"github.com/goliatone/go-repository-live/filter"
	"github.com/goliatone/go-repository-live/hooks"
)

var errLockMode = errors.New("repository: NoWait and SkipLocked are mutually exclusive")

// GetByIDForUpdate reads the record with id and holds an exclusive row lock
// until the enclosing transaction ends. Call it on a repository bound with
// WithTx or inside RunInTx; outside a transaction the lock is released as
// soon as the statement completes.
//
// With NoWait a row held elsewhere fails with ErrResourceLocked. With
// SkipLocked such a row is treated as absent. Without either the call blocks.
func (r *Repository[T, P]) GetByIDForUpdate(ctx context.Context, id uuid.UUID, lock LockOptions, opts ...QueryOption) (P, error) {
	var rec P
	params := map[string]any{"id": id, "no_wait": lock.NoWait, "skip_locked": lock.SkipLocked}
	err := r.run(ctx, hooks.KindRead, opGetByIDLocked, params, func(o *outcome) error {
		clause, err := r.lockClause(lock)
		if err != nil {
			return err
		}
		rec, err = r.fetchByID(ctx, r.db, id, newQuery(r.relations, opts), clause)
		if rec != nil {
			o.rows = 1
		}
		return err
	})
	return rec, err
}

// FilterByForUpdate locks every row matching expr with the same semantics as
// GetByIDForUpdate.
func (r *Repository[T, P]) FilterByForUpdate(ctx context.Context, expr *filter.Expression, lock LockOptions, opts ...QueryOption) ([]P, error) {
	q := newQuery(r.relations, opts)
	params := listParams(expr, q)
	params["no_wait"], params["skip_locked"] = lock.NoWait, lock.SkipLocked

	var recs []P
	err := r.run(ctx, hooks.KindRead, opFilterLocked, params, func(o *outcome) error {
		clause, err := r.lockClause(lock)
		if err != nil {
			return err
		}
		recs, err = r.findAll(ctx, r.db, expr, q, clause)
		o.rows = int64(len(recs))
		return err
	})
	return recs, err
}

// lockClause renders the FOR clause. Only the rows of the record table are
// locked, so eager-loaded relations joined on the nullable side stay legal.
// SQLite has no row locks, writers serialize on the database lock instead,
// so the clause is dropped there.
func (r *Repository[T, P]) lockClause(lock LockOptions) (string, error) {
	if lock.NoWait && lock.SkipLocked {
		return "", errLockMode
	}
	if r.dialect == dialect.SQLite {
		return "", nil
	}
	switch {
	case lock.NoWait:
		return "UPDATE OF ?TableAlias NOWAIT", nil
	case lock.SkipLocked:
		return "UPDATE OF ?TableAlias SKIP LOCKED", nil
	}
	return "UPDATE OF ?TableAlias", nil
}
