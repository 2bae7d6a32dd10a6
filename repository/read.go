package repository

import (
	"context"
	"database/sql"
	"errors"

	bunrepo "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-repository-live/filter"
	"github.com/goliatone/go-repository-live/hooks"
)

// Page is one slice of a filtered listing plus the total match count.
type Page[P any] struct {
	Items  []P
	Total  int
	Limit  int
	Offset int
}

// GetByID returns the record with id, or nil when there is none.
func (r *Repository[T, P]) GetByID(ctx context.Context, id uuid.UUID, opts ...QueryOption) (P, error) {
	var rec P
	err := r.run(ctx, hooks.KindRead, opGetByID, map[string]any{"id": id}, func(o *outcome) error {
		var err error
		rec, err = r.fetchByID(ctx, r.db, id, newQuery(r.relations, opts), "")
		if rec != nil {
			o.rows = 1
		}
		return err
	})
	return rec, err
}

// GetByIDs returns the records whose ids are listed, in primary key order.
// Missing ids are skipped.
func (r *Repository[T, P]) GetByIDs(ctx context.Context, ids []uuid.UUID, opts ...QueryOption) ([]P, error) {
	var recs []P
	err := r.run(ctx, hooks.KindRead, opGetByIDs, map[string]any{"ids": len(ids)}, func(o *outcome) error {
		var err error
		recs, err = r.findAll(ctx, r.db, r.idFilter(ids), newQuery(r.relations, opts), "")
		o.rows = int64(len(recs))
		return err
	})
	return recs, err
}

// GetByField returns the single record whose field equals value, or nil.
// More than one match fails with ErrAmbiguousResult.
func (r *Repository[T, P]) GetByField(ctx context.Context, field string, value any, opts ...QueryOption) (P, error) {
	var rec P
	params := map[string]any{"field": field, "value": value}
	err := r.run(ctx, hooks.KindRead, opGetByField, params, func(o *outcome) error {
		var err error
		rec, err = r.fetchByField(ctx, r.db, field, value, newQuery(r.relations, opts))
		if rec != nil {
			o.rows = 1
		}
		return err
	})
	return rec, err
}

// GetByFieldsOr returns the first record, in primary key order, where at
// least one of fields equals its value, or nil. A nil value matches NULL.
// An empty map matches nothing.
func (r *Repository[T, P]) GetByFieldsOr(ctx context.Context, fields map[string]any, opts ...QueryOption) (P, error) {
	var rec P
	keys := sortedKeys(fields)
	err := r.run(ctx, hooks.KindRead, opGetByFieldsOr, map[string]any{"fields": keys}, func(o *outcome) error {
		if len(keys) == 0 {
			return nil
		}
		if err := r.checkFields(keys...); err != nil {
			return err
		}

		items := new([]T)
		sq := newQuery(r.relations, opts).apply(r.db.NewSelect().Model(items))
		sq = sq.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			for _, k := range keys {
				if fields[k] == nil {
					q = q.WhereOr("?TableAlias.? IS NULL", bun.Ident(k))
					continue
				}
				q = q.WhereOr("?TableAlias.? = ?", bun.Ident(k), fields[k])
			}
			return q
		})
		if err := sq.OrderExpr("?TableAlias.? ASC", r.pkIdent()).Limit(1).Scan(ctx); err != nil {
			return r.classify(err)
		}
		if len(*items) > 0 {
			rec = P(&(*items)[0])
			o.rows = 1
		}
		return nil
	})
	return rec, err
}

// List returns the records matching expr. Without an explicit ordering the
// results are sorted by primary key.
func (r *Repository[T, P]) List(ctx context.Context, expr *filter.Expression, opts ...QueryOption) ([]P, error) {
	q := newQuery(r.relations, opts)
	var recs []P
	err := r.run(ctx, hooks.KindRead, opList, listParams(expr, q), func(o *outcome) error {
		var err error
		recs, err = r.findAll(ctx, r.db, expr, q, "")
		o.rows = int64(len(recs))
		return err
	})
	return recs, err
}

// Paginate returns one page of matches and the total number of matches.
func (r *Repository[T, P]) Paginate(ctx context.Context, expr *filter.Expression, opts ...QueryOption) (Page[P], error) {
	q := newQuery(r.relations, opts)
	page := Page[P]{Limit: q.limit, Offset: q.offset}
	err := r.run(ctx, hooks.KindRead, opPaginate, listParams(expr, q), func(o *outcome) error {
		criteria, err := r.listCriteria(expr, q)
		if err != nil {
			return err
		}
		items, total, err := r.base.ListTx(ctx, r.db, criteria)
		if err != nil {
			return r.classify(err)
		}
		page.Total = total
		page.Items = items
		o.rows = int64(len(page.Items))
		return nil
	})
	return page, err
}

// Count returns the number of records matching expr.
func (r *Repository[T, P]) Count(ctx context.Context, expr *filter.Expression) (int, error) {
	var n int
	err := r.run(ctx, hooks.KindRead, opCount, listParams(expr, query{}), func(o *outcome) error {
		tr, err := r.translate(expr, false)
		if err != nil {
			return err
		}
		n, err = r.base.CountTx(ctx, r.db, func(sq *bun.SelectQuery) *bun.SelectQuery {
			return filter.ApplyWhere(sq, tr.Where)
		})
		o.rows = int64(n)
		return r.classify(err)
	})
	return n, err
}

// Exists reports whether any record has field equal to value.
func (r *Repository[T, P]) Exists(ctx context.Context, field string, value any) (bool, error) {
	var ok bool
	err := r.run(ctx, hooks.KindRead, opExists, map[string]any{"field": field, "value": value}, func(o *outcome) error {
		tr, err := r.translate(filter.New().Add(field, filter.Eq, value), false)
		if err != nil {
			return err
		}
		ok, err = filter.ApplyWhere(r.db.NewSelect().Model((*T)(nil)), tr.Where).Exists(ctx)
		if ok {
			o.rows = 1
		}
		return r.classify(err)
	})
	return ok, err
}

// ProjectFields returns only the requested columns of every match.
func (r *Repository[T, P]) ProjectFields(ctx context.Context, fields []string, expr *filter.Expression, opts ...QueryOption) ([]map[string]any, error) {
	var rows []map[string]any
	err := r.run(ctx, hooks.KindRead, opProjectFields, projectParams(fields, expr), func(o *outcome) error {
		var err error
		rows, err = r.project(ctx, fields, expr, newQuery(r.relations, opts))
		o.rows = int64(len(rows))
		return err
	})
	return rows, err
}

// ProjectField returns the values of one column for every match.
func (r *Repository[T, P]) ProjectField(ctx context.Context, field string, expr *filter.Expression, opts ...QueryOption) ([]any, error) {
	var values []any
	err := r.run(ctx, hooks.KindRead, opProjectField, projectParams([]string{field}, expr), func(o *outcome) error {
		rows, err := r.project(ctx, []string{field}, expr, newQuery(r.relations, opts))
		if err != nil {
			return err
		}
		values = make([]any, len(rows))
		for i, row := range rows {
			values[i] = row[field]
		}
		o.rows = int64(len(values))
		return nil
	})
	return values, err
}

// ProjectOne returns the requested columns of the first match, or nil.
func (r *Repository[T, P]) ProjectOne(ctx context.Context, fields []string, expr *filter.Expression) (map[string]any, error) {
	var row map[string]any
	err := r.run(ctx, hooks.KindRead, opProjectOne, projectParams(fields, expr), func(o *outcome) error {
		rows, err := r.project(ctx, fields, expr, query{limit: 1})
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			row = rows[0]
			o.rows = 1
		}
		return nil
	})
	return row, err
}

func (r *Repository[T, P]) fetchByID(ctx context.Context, db bun.IDB, id uuid.UUID, q query, lock string) (P, error) {
	rec := P(new(T))
	if err := r.byIDQuery(db, rec, id, q, lock).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, r.classify(err)
	}
	return rec, nil
}

func (r *Repository[T, P]) byIDQuery(db bun.IDB, rec P, id uuid.UUID, q query, lock string) *bun.SelectQuery {
	sq := q.apply(db.NewSelect().Model(rec).Where("?TableAlias.? = ?", r.pkIdent(), id))
	if lock != "" {
		sq = sq.For(lock)
	}
	return sq
}

func (r *Repository[T, P]) fetchByField(ctx context.Context, db bun.IDB, field string, value any, q query) (P, error) {
	q.limit, q.offset = 2, 0
	recs, err := r.findAll(ctx, db, filter.New().Add(field, filter.Eq, value), q, "")
	if err != nil {
		return nil, err
	}
	switch len(recs) {
	case 0:
		return nil, nil
	case 1:
		return recs[0], nil
	}
	return nil, &AmbiguousResultError{RecordType: r.recordType, Field: field, Value: value}
}

// listCriteria renders expr and q as one select modifier: relations, custom
// criteria, filter, ordering (primary key by default) and paging.
func (r *Repository[T, P]) listCriteria(expr *filter.Expression, q query) (bunrepo.SelectCriteria, error) {
	tr, err := r.translate(expr, true)
	if err != nil {
		return nil, err
	}
	return func(sq *bun.SelectQuery) *bun.SelectQuery {
		sq = tr.Apply(q.apply(sq))
		if len(tr.Order) == 0 {
			sq = sq.OrderExpr("?TableAlias.? ASC", r.pkIdent())
		}
		return q.page(sq)
	}, nil
}

func (r *Repository[T, P]) listQuery(db bun.IDB, expr *filter.Expression, q query) (*bun.SelectQuery, *[]T, error) {
	criteria, err := r.listCriteria(expr, q)
	if err != nil {
		return nil, nil, err
	}
	items := new([]T)
	return criteria(db.NewSelect().Model(items)), items, nil
}

func (r *Repository[T, P]) findAll(ctx context.Context, db bun.IDB, expr *filter.Expression, q query, lock string) ([]P, error) {
	sq, items, err := r.listQuery(db, expr, q)
	if err != nil {
		return nil, err
	}
	if lock != "" {
		sq = sq.For(lock)
	}
	if err := sq.Scan(ctx); err != nil {
		return nil, r.classify(err)
	}
	return pointers[T, P](*items), nil
}

func (r *Repository[T, P]) project(ctx context.Context, fields []string, expr *filter.Expression, q query) ([]map[string]any, error) {
	if len(fields) == 0 {
		return nil, unknownField("")
	}
	if err := r.checkFields(fields...); err != nil {
		return nil, err
	}
	tr, err := r.translate(expr, false)
	if err != nil {
		return nil, err
	}

	sq := tr.Apply(r.db.NewSelect().Model((*T)(nil)).Column(fields...))
	if len(tr.Order) == 0 {
		sq = sq.OrderExpr("? ASC", r.pkIdent())
	}

	var rows []map[string]any
	if err := q.page(sq).Scan(ctx, &rows); err != nil {
		return nil, r.classify(err)
	}
	return rows, nil
}

func (r *Repository[T, P]) idFilter(ids []uuid.UUID) *filter.Expression {
	return filter.New().Add(r.pk, filter.In, ids)
}

func pointers[T any, P RecordPtr[T]](items []T) []P {
	out := make([]P, len(items))
	for i := range items {
		out[i] = P(&items[i])
	}
	return out
}

func listParams(expr *filter.Expression, q query) map[string]any {
	params := map[string]any{}
	if sig := expr.Signature(); sig != "" {
		params["filter"] = sig
	}
	if q.limit > 0 {
		params["limit"] = q.limit
	}
	if q.offset > 0 {
		params["offset"] = q.offset
	}
	return params
}

func projectParams(fields []string, expr *filter.Expression) map[string]any {
	params := listParams(expr, query{})
	params["fields"] = fields
	return params
}
