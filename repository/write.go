package repository

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"

	"github.com/goliatone/go-repository-live/filter"
	"github.com/goliatone/go-repository-live/hooks"
)

const (
	colCreatedAt = "created_at"
	colUpdatedAt = "updated_at"
)

// Create inserts rec, assigning an id and timestamps when missing, and
// returns the stored row.
func (r *Repository[T, P]) Create(ctx context.Context, rec P) (P, error) {
	var out P
	err := r.run(ctx, hooks.KindCreate, opCreate, nil, func(o *outcome) error {
		var err error
		out, err = r.insert(ctx, rec)
		if out != nil {
			o.rows = 1
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	id := out.GetID()
	r.committed(ctx,
		func(ctx context.Context) { r.invalidateRecord(ctx, id) },
		[]Change{r.change(ChangeCreated, id.String(), out)},
	)
	return out, nil
}

// CreateMany inserts every record in a single statement. Either all rows are
// stored or none is.
func (r *Repository[T, P]) CreateMany(ctx context.Context, recs []P) ([]P, error) {
	if len(recs) == 0 {
		return recs, nil
	}
	err := r.run(ctx, hooks.KindCreate, opCreateMany, map[string]any{"count": len(recs)}, func(o *outcome) error {
		for _, rec := range recs {
			r.prepareInsert(rec)
		}
		stored, err := r.base.CreateManyTx(ctx, r.db, recs)
		if err != nil {
			return r.classify(err)
		}
		if len(stored) == len(recs) {
			recs = stored
		}
		o.rows = int64(len(recs))
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.committed(ctx, r.invalidateAll, r.changes(ChangeCreated, recs))
	return recs, nil
}

// UpsertMany inserts recs and, on conflict over conflictFields, updates
// updateFields. With no updateFields every column except the conflict
// columns, the primary key and created_at is updated. The batch runs as one
// statement and returns the number of records submitted.
func (r *Repository[T, P]) UpsertMany(ctx context.Context, recs []P, conflictFields []string, updateFields ...string) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	if len(conflictFields) == 0 {
		return 0, &filter.InvalidFilterError{Reason: "conflict fields required"}
	}
	if err := r.checkFields(conflictFields...); err != nil {
		return 0, err
	}
	if err := r.checkFields(updateFields...); err != nil {
		return 0, err
	}
	if len(updateFields) == 0 {
		updateFields = r.defaultUpsertColumns(conflictFields)
	}

	params := map[string]any{"count": len(recs), "conflict": conflictFields, "update": updateFields}
	err := r.run(ctx, hooks.KindUpdate, opUpsertMany, params, func(o *outcome) error {
		for _, rec := range recs {
			r.prepareInsert(rec)
		}

		target := quoteIdents(conflictFields)
		q := r.db.NewInsert().Model(&recs)
		if len(updateFields) == 0 {
			q = q.On("CONFLICT (?) DO NOTHING", bun.Safe(target))
		} else {
			q = q.On("CONFLICT (?) DO UPDATE", bun.Safe(target))
			for _, col := range updateFields {
				q = q.Set("? = EXCLUDED.?", bun.Ident(col), bun.Ident(col))
			}
		}

		res, err := q.Exec(ctx)
		if err != nil {
			return r.classify(err)
		}
		o.rows, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.committed(ctx, r.invalidateAll, r.changes(ChangeUpdated, r.reload(ctx, recs, conflictFields)))
	return len(recs), nil
}

// Update applies changes to the record with id and returns the updated row,
// or nil when no such record exists.
func (r *Repository[T, P]) Update(ctx context.Context, id uuid.UUID, changes map[string]any, opts ...QueryOption) (P, error) {
	var out P
	params := map[string]any{"id": id, "fields": sortedKeys(changes)}
	err := r.run(ctx, hooks.KindUpdate, opUpdate, params, func(o *outcome) error {
		var err error
		out, o.rows, err = r.update(ctx, r.db, id, changes, newQuery(r.relations, opts))
		return err
	})
	if err != nil || out == nil {
		return nil, err
	}

	r.committed(ctx,
		func(ctx context.Context) { r.invalidateRecord(ctx, id) },
		[]Change{r.change(ChangeUpdated, id.String(), out)},
	)
	return out, nil
}

// UpdateMany writes back already loaded records, bumping their modification
// time. It does not re-read them. A record that no longer exists aborts the
// whole batch with ErrNotFound.
func (r *Repository[T, P]) UpdateMany(ctx context.Context, recs []P) error {
	if len(recs) == 0 {
		return nil
	}
	err := r.run(ctx, hooks.KindUpdate, opUpdateMany, map[string]any{"count": len(recs)}, func(o *outcome) error {
		now := r.now()
		return r.atomic(ctx, func(ctx context.Context, db bun.IDB) error {
			for _, rec := range recs {
				rec.Touch(now)
				res, err := db.NewUpdate().Model(rec).WherePK().Exec(ctx)
				if err != nil {
					return r.classify(err)
				}
				if n, _ := res.RowsAffected(); n == 0 {
					return &NotFoundError{RecordType: r.recordType, ID: rec.GetID()}
				}
				o.rows++
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	r.committed(ctx, r.invalidateAll, r.changes(ChangeUpdated, recs))
	return nil
}

// Delete removes the record with id and reports whether a row was removed.
func (r *Repository[T, P]) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	var removed bool
	err := r.run(ctx, hooks.KindDelete, opDelete, map[string]any{"id": id}, func(o *outcome) error {
		res, err := r.db.NewDelete().Model((*T)(nil)).Where("? = ?", r.pkIdent(), id).Exec(ctx)
		if err != nil {
			return r.classify(err)
		}
		o.rows, _ = res.RowsAffected()
		removed = o.rows > 0
		return nil
	})
	if err != nil || !removed {
		return false, err
	}

	r.committed(ctx,
		func(ctx context.Context) { r.invalidateRecord(ctx, id) },
		[]Change{r.change(ChangeDeleted, id.String(), nil)},
	)
	return true, nil
}

// DeleteByFilter removes every record matching expr and returns how many were
// removed. An empty expression deletes every row of the table.
func (r *Repository[T, P]) DeleteByFilter(ctx context.Context, expr *filter.Expression) (int, error) {
	var ids []uuid.UUID
	err := r.run(ctx, hooks.KindDelete, opDeleteByFilter, listParams(expr, query{}), func(o *outcome) error {
		var err error
		ids, err = r.deleteWhere(ctx, expr)
		o.rows = int64(len(ids))
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		r.committed(ctx, r.invalidateAll, r.deletions(ids))
	}
	return len(ids), nil
}

// DeleteByIDs removes the listed records and returns how many were removed.
func (r *Repository[T, P]) DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int, error) {
	return r.DeleteByFilter(ctx, r.idFilter(ids))
}

// GetOrCreate returns the first record matching expr, or creates one from the
// equality conditions of expr overlaid with defaults. The boolean reports
// whether a record was created.
//
// Two callers racing on the same lookup may both try to insert. Only a unique
// constraint over the looked-up fields makes the loser fail; outside a
// transaction the loser then retries the lookup once and returns the winner's
// row. Without such a constraint duplicates are possible.
func (r *Repository[T, P]) GetOrCreate(ctx context.Context, expr *filter.Expression, defaults map[string]any) (P, bool, error) {
	var (
		out     P
		created bool
	)
	err := r.run(ctx, hooks.KindCreate, opGetOrCreate, listParams(expr, query{}), func(o *outcome) error {
		var err error
		out, created, err = r.getOrCreate(ctx, expr, defaults)
		if out != nil {
			o.rows = 1
		}
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		id := out.GetID()
		r.committed(ctx,
			func(ctx context.Context) { r.invalidateRecord(ctx, id) },
			[]Change{r.change(ChangeCreated, id.String(), out)},
		)
	}
	return out, created, nil
}

// UpdateOrCreate applies defaults to the first record matching expr, or
// creates one like GetOrCreate. The same race caveats apply.
func (r *Repository[T, P]) UpdateOrCreate(ctx context.Context, expr *filter.Expression, defaults map[string]any) (P, bool, error) {
	var (
		out     P
		created bool
	)
	err := r.run(ctx, hooks.KindUpdate, opUpdateOrCreate, listParams(expr, query{}), func(o *outcome) error {
		existing, err := r.first(ctx, expr)
		if err != nil {
			return err
		}
		if existing != nil {
			out, o.rows, err = r.update(ctx, r.db, existing.GetID(), defaults, query{})
			if err == nil && out == nil {
				// deleted between lookup and update
				out, created, err = r.getOrCreate(ctx, expr, defaults)
			}
			return err
		}
		out, created, err = r.getOrCreate(ctx, expr, defaults)
		if out != nil {
			o.rows = 1
		}
		return err
	})
	if err != nil {
		return nil, false, err
	}

	id := out.GetID()
	kind := ChangeUpdated
	if created {
		kind = ChangeCreated
	}
	r.committed(ctx,
		func(ctx context.Context) { r.invalidateRecord(ctx, id) },
		[]Change{r.change(kind, id.String(), out)},
	)
	return out, created, nil
}

func (r *Repository[T, P]) insert(ctx context.Context, rec P) (P, error) {
	r.prepareInsert(rec)
	if _, err := r.base.CreateTx(ctx, r.db, rec); err != nil {
		return nil, r.classify(err)
	}
	stored, err := r.fetchByID(ctx, r.db, rec.GetID(), query{}, "")
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return rec, nil
	}
	return stored, nil
}

func (r *Repository[T, P]) update(ctx context.Context, db bun.IDB, id uuid.UUID, changes map[string]any, q query) (P, int64, error) {
	keys := sortedKeys(changes)
	for _, k := range keys {
		if k == r.pk {
			return nil, 0, &filter.InvalidFilterError{Key: k, Reason: "primary key cannot be updated"}
		}
	}
	if err := r.checkFields(keys...); err != nil {
		return nil, 0, err
	}

	uq := db.NewUpdate().Model((*T)(nil)).Where("? = ?", r.pkIdent(), id)
	for _, k := range keys {
		uq = uq.Set("? = ?", bun.Ident(k), changes[k])
	}
	if _, set := changes[colUpdatedAt]; !set && r.fields.HasField(colUpdatedAt) {
		uq = uq.Set("? = ?", bun.Ident(colUpdatedAt), r.now())
	}
	if len(keys) == 0 && !r.fields.HasField(colUpdatedAt) {
		rec, err := r.fetchByID(ctx, db, id, q, "")
		return rec, 0, err
	}

	res, err := uq.Exec(ctx)
	if err != nil {
		return nil, 0, r.classify(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, 0, nil
	}

	rec, err := r.fetchByID(ctx, db, id, q, "")
	return rec, n, err
}

func (r *Repository[T, P]) first(ctx context.Context, expr *filter.Expression) (P, error) {
	recs, err := r.findAll(ctx, r.db, expr, query{limit: 1}, "")
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (r *Repository[T, P]) getOrCreate(ctx context.Context, expr *filter.Expression, defaults map[string]any) (P, bool, error) {
	existing, err := r.first(ctx, expr)
	if err != nil || existing != nil {
		return existing, false, err
	}

	values := expr.Equalities()
	for k, v := range defaults {
		values[k] = v
	}
	rec, err := r.newRecord(values)
	if err != nil {
		return nil, false, err
	}

	out, err := r.insert(ctx, rec)
	if errors.Is(err, ErrConstraintViolation) && r.tx == nil {
		winner, lookupErr := r.first(ctx, expr)
		if lookupErr == nil && winner != nil {
			return winner, false, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (r *Repository[T, P]) deleteWhere(ctx context.Context, expr *filter.Expression) ([]uuid.UUID, error) {
	tr, err := r.translate(expr, false)
	if err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	err = r.atomic(ctx, func(ctx context.Context, db bun.IDB) error {
		sel := filter.ApplyWhere(db.NewSelect().Model((*T)(nil)).Column(r.pk), tr.Where)
		if err := sel.Scan(ctx, &ids); err != nil {
			return r.classify(err)
		}
		if len(ids) == 0 {
			return nil
		}
		return r.classify(r.base.DeleteWhereTx(ctx, db, func(dq *bun.DeleteQuery) *bun.DeleteQuery {
			return dq.Where("? IN (?)", r.pkIdent(), bun.In(ids))
		}))
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// reload re-reads upserted rows by their conflict columns so events carry
// stored ids. Each caller record is overwritten with the row it landed on;
// records without a stored row are left out of the result.
func (r *Repository[T, P]) reload(ctx context.Context, recs []P, conflict []string) []P {
	fields := make([]*schema.Field, len(conflict))
	for i, col := range conflict {
		fields[i] = r.columns[col]
	}
	tuple := func(rec P) []any {
		v := reflect.ValueOf(rec).Elem()
		out := make([]any, len(fields))
		for i, f := range fields {
			out[i] = v.FieldByIndex(f.Index).Interface()
		}
		return out
	}

	var stored []T
	sq := r.db.NewSelect().Model(&stored)
	for _, rec := range recs {
		values := tuple(rec)
		sq = sq.WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
			for i, col := range conflict {
				q = q.Where("?TableAlias.? = ?", bun.Ident(col), values[i])
			}
			return q
		})
	}
	if err := sq.Scan(ctx); err != nil {
		r.logger.Warn("reload after upsert failed", "record_type", r.recordType, "error", r.classify(err))
		return nil
	}

	byKey := make(map[string]P, len(stored))
	for _, rec := range pointers[T, P](stored) {
		byKey[tupleKey(tuple(rec))] = rec
	}
	out := make([]P, 0, len(recs))
	for _, rec := range recs {
		row, ok := byKey[tupleKey(tuple(rec))]
		if !ok {
			continue
		}
		reflect.ValueOf(rec).Elem().Set(reflect.ValueOf(row).Elem())
		out = append(out, rec)
	}
	return out
}

func tupleKey(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		rv := reflect.ValueOf(v)
		for rv.IsValid() && rv.Kind() == reflect.Ptr {
			if rv.IsNil() {
				rv = reflect.Value{}
				break
			}
			rv = rv.Elem()
		}
		if !rv.IsValid() {
			parts[i] = "\x00"
			continue
		}
		if t, ok := rv.Interface().(time.Time); ok {
			parts[i] = t.UTC().Format(time.RFC3339Nano)
			continue
		}
		parts[i] = fmt.Sprint(rv.Interface())
	}
	return strings.Join(parts, "\x1f")
}

func (r *Repository[T, P]) defaultUpsertColumns(conflict []string) []string {
	skip := map[string]bool{r.pk: true, colCreatedAt: true}
	for _, c := range conflict {
		skip[c] = true
	}
	var cols []string
	for _, name := range r.fieldNames() {
		if !skip[name] {
			cols = append(cols, name)
		}
	}
	return cols
}

func (r *Repository[T, P]) fieldNames() []string {
	names := make([]string, 0, len(r.fields))
	for name := range r.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Repository[T, P]) changes(kind ChangeKind, recs []P) []Change {
	out := make([]Change, len(recs))
	for i, rec := range recs {
		out[i] = r.change(kind, rec.GetID().String(), rec)
	}
	return out
}

func (r *Repository[T, P]) deletions(ids []uuid.UUID) []Change {
	out := make([]Change, len(ids))
	for i, id := range ids {
		out[i] = r.change(ChangeDeleted, id.String(), nil)
	}
	return out
}

func quoteIdents(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = `"` + strings.ReplaceAll(c, `"`, `""`) + `"`
	}
	return strings.Join(quoted, ", ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
