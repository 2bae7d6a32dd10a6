package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/goliatone/go-repository-live/cache"
	"github.com/goliatone/go-repository-live/hooks"
)

// GetByIDCached is GetByID backed by the cache. A miss reads the database and
// stores the record for TTL (default 300s). NoCache bypasses the cache, as
// does a transaction-bound repository or Criteria. Absent records are not
// cached.
func (r *Repository[T, P]) GetByIDCached(ctx context.Context, id uuid.UUID, opts ...QueryOption) (P, error) {
	q := newQuery(r.relations, opts)
	var rec P
	err := r.run(ctx, hooks.KindRead, opGetByIDCached, map[string]any{"id": id}, func(o *outcome) error {
		fetch := func(ctx context.Context) (P, bool, error) {
			rec, err := r.fetchByID(ctx, r.db, id, q, "")
			return rec, rec != nil, err
		}
		var err error
		rec, o.hit, err = r.cached(ctx, q, r.keys.Key(opGetByID, append([]any{id}, relationArgs(q)...)...), fetch)
		if rec != nil {
			o.rows = 1
		}
		return err
	})
	return rec, err
}

// GetByFieldCached is GetByField backed by the cache. Any mutation of the
// record type drops every cached field lookup.
func (r *Repository[T, P]) GetByFieldCached(ctx context.Context, field string, value any, opts ...QueryOption) (P, error) {
	q := newQuery(r.relations, opts)
	var rec P
	params := map[string]any{"field": field, "value": value}
	err := r.run(ctx, hooks.KindRead, opGetByFieldCache, params, func(o *outcome) error {
		if err := r.checkFields(field); err != nil {
			return err
		}
		fetch := func(ctx context.Context) (P, bool, error) {
			rec, err := r.fetchByField(ctx, r.db, field, value, q)
			return rec, rec != nil, err
		}
		var err error
		rec, o.hit, err = r.cached(ctx, q, r.keys.Key(opGetByField, append([]any{field, value}, relationArgs(q)...)...), fetch)
		if rec != nil {
			o.rows = 1
		}
		return err
	})
	return rec, err
}

func (r *Repository[T, P]) cached(ctx context.Context, q query, key string, fetch cache.FetchFn[P]) (P, bool, error) {
	if q.noCache || r.tx != nil || len(q.criteria) > 0 || !r.store.Enabled() {
		rec, _, err := fetch(ctx)
		return rec, false, err
	}

	ttl := q.ttl
	if ttl <= 0 {
		ttl = r.cacheTTL
	}
	rec, _, hit, err := cache.GetOrFetch(ctx, r.store, key, ttl, fetch)
	return rec, hit, err
}

func relationArgs(q query) []any {
	if len(q.relations) == 0 {
		return nil
	}
	return []any{q.relations}
}
