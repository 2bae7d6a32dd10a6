package repository

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	bunrepo "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/schema"

	"github.com/goliatone/go-repository-live/cache"
	"github.com/goliatone/go-repository-live/filter"
	"github.com/goliatone/go-repository-live/hooks"
)

const (
	opCreate          = "create"
	opCreateMany      = "create_many"
	opUpsertMany      = "upsert_many"
	opGetByID         = "get_by_id"
	opGetByIDs        = "get_by_ids"
	opGetByField      = "get_by_field"
	opGetByFieldsOr   = "get_by_fields_or"
	opList            = "list"
	opPaginate        = "paginate"
	opCount           = "count"
	opExists          = "exists"
	opUpdate          = "update"
	opUpdateMany      = "update_many"
	opDelete          = "delete"
	opDeleteByFilter  = "delete_by_filter"
	opGetOrCreate     = "get_or_create"
	opUpdateOrCreate  = "update_or_create"
	opProjectFields   = "project_fields"
	opProjectField    = "project_field"
	opProjectOne      = "project_one"
	opGetByIDLocked   = "get_by_id_for_update"
	opFilterLocked    = "filter_by_for_update"
	opGetByIDCached   = "get_by_id_cached"
	opGetByFieldCache = "get_by_field_cached"
)

// Repository is the data access contract for one record type.
// It is safe for concurrent use; WithTx returns a copy bound to a transaction.
type Repository[T any, P RecordPtr[T]] struct {
	root *bun.DB
	db   bun.IDB
	tx   *Tx
	// base runs the plain list, count, insert and delete statements.
	base bunrepo.Repository[P]

	columns map[string]*schema.Field

	fields  filter.Fields
	pk      string
	dialect dialect.Name

	recordType string
	topic      string
	relations  []string
	keys       cache.Keyspace
	store      *cache.Store
	cacheTTL   time.Duration
	hooks      *hooks.Pipeline
	publisher  ChangePublisher
	logger     *slog.Logger
	now        func() time.Time
}

// New builds a repository for T using the bun table metadata registered on db.
func New[T any, P RecordPtr[T]](db *bun.DB, opts ...Option) (*Repository[T, P], error) {
	s := settings{
		logger:   slog.Default(),
		cacheTTL: cache.DefaultTTL,
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
	for _, opt := range opts {
		opt(&s)
	}

	typ := reflect.TypeOf((*T)(nil)).Elem()
	table := db.Table(typ)
	if len(table.PKs) != 1 {
		return nil, fmt.Errorf("repository: %s must have exactly one primary key, has %d", typ, len(table.PKs))
	}

	names := make([]string, 0, len(table.Fields))
	columns := make(map[string]*schema.Field, len(table.Fields))
	for _, f := range table.Fields {
		names = append(names, f.Name)
		columns[f.Name] = f
	}

	if s.recordType == "" {
		s.recordType = recordTypeName(typ)
	}
	if s.topic == "" {
		s.topic = topicName(s.recordType)
	}
	if s.store == nil {
		s.store = cache.NewStore(nil)
	}
	if s.pipeline == nil {
		s.pipeline = hooks.NewPipeline(s.logger)
	}
	for _, h := range s.hooks {
		s.pipeline.Add(h)
	}

	pk := table.PKs[0].Name
	base := bunrepo.NewRepository[P](db, bunrepo.ModelHandlers[P]{
		NewRecord:     func() P { return P(new(T)) },
		GetID:         func(rec P) uuid.UUID { return rec.GetID() },
		SetID:         func(rec P, id uuid.UUID) { rec.SetID(id) },
		GetIdentifier: func() string { return pk },
	})

	return &Repository[T, P]{
		root:       db,
		db:         db,
		base:       base,
		columns:    columns,
		fields:     filter.NewFields(names...),
		pk:         pk,
		dialect:    db.Dialect().Name(),
		recordType: s.recordType,
		topic:      s.topic,
		relations:  s.relations,
		keys:       cache.NewKeyspace(s.recordType, s.serializer),
		store:      s.store,
		cacheTTL:   s.cacheTTL,
		hooks:      s.pipeline,
		publisher:  s.publisher,
		logger:     s.logger,
		now:        s.now,
	}, nil
}

// RecordType returns the name used in metrics, cache keys and events.
func (r *Repository[T, P]) RecordType() string {
	return r.recordType
}

// Topic returns the channel changes are published on.
func (r *Repository[T, P]) Topic() string {
	return r.topic
}

// HasField reports whether the record type has the column.
func (r *Repository[T, P]) HasField(name string) bool {
	return r.fields.HasField(name)
}

// DB returns the handle queries currently run on.
func (r *Repository[T, P]) DB() bun.IDB {
	return r.db
}

// AddHook registers h on the repository's pipeline. A pipeline shared with
// WithPipeline sees the hook from every repository using it.
func (r *Repository[T, P]) AddHook(h hooks.Hook) {
	r.hooks.Add(h)
}

// RemoveHook unregisters h and reports whether it was registered.
func (r *Repository[T, P]) RemoveHook(h hooks.Hook) bool {
	return r.hooks.Remove(h)
}

// WithTx returns a copy of the repository that runs on tx. Cached lookups
// read through to the database and change events wait for the commit.
func (r *Repository[T, P]) WithTx(tx *Tx) *Repository[T, P] {
	clone := *r
	clone.db = tx.Tx
	clone.tx = tx
	return &clone
}

// RunInTx runs fn with a transaction-bound copy of the repository. Nested
// calls reuse the enclosing transaction.
func (r *Repository[T, P]) RunInTx(ctx context.Context, fn func(ctx context.Context, repo *Repository[T, P]) error) error {
	if r.tx != nil {
		return fn(ctx, r)
	}
	return RunInTx(ctx, r.root, nil, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, r.WithTx(tx))
	})
}

// atomic runs fn on a transaction, reusing the bound one if present.
func (r *Repository[T, P]) atomic(ctx context.Context, fn func(ctx context.Context, db bun.IDB) error) error {
	if r.tx != nil {
		return fn(ctx, r.db)
	}
	return r.root.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, tx)
	})
}

// Invalidate drops every cached entry of this record type.
func (r *Repository[T, P]) Invalidate(ctx context.Context) int {
	return r.store.InvalidatePrefix(ctx, r.keys.All())
}

type outcome struct {
	rows int64
	hit  bool
}

// run wraps one public operation with exactly one Before and one After call.
func (r *Repository[T, P]) run(ctx context.Context, kind hooks.Kind, op string, params map[string]any, fn func(o *outcome) error) (err error) {
	r.hooks.Before(ctx, kind, op, r.recordType, params)

	o := &outcome{}
	start := time.Now()
	defer func() {
		r.hooks.After(ctx, hooks.Metric{
			Kind:         kind,
			Operation:    op,
			RecordType:   r.recordType,
			Duration:     time.Since(start),
			RowsAffected: o.rows,
			Timestamp:    start,
			Params:       params,
			CacheHit:     o.hit,
			Err:          err,
		})
	}()

	return fn(o)
}

func (r *Repository[T, P]) classify(err error) error {
	return classify(r.recordType, err)
}

func (r *Repository[T, P]) checkFields(names ...string) error {
	for _, n := range names {
		if !r.fields.HasField(n) {
			return unknownField(n)
		}
	}
	return nil
}

func (r *Repository[T, P]) translate(expr *filter.Expression, qualified bool) (filter.Translation, error) {
	if qualified {
		return filter.Translate(expr, r.fields, r.dialect, filter.Qualified())
	}
	return filter.Translate(expr, r.fields, r.dialect)
}

func (r *Repository[T, P]) pkIdent() bun.Ident {
	return bun.Ident(r.pk)
}

// invalidateRecord drops the id lookups of one record and every field lookup,
// since any field of the record may have changed.
func (r *Repository[T, P]) invalidateRecord(ctx context.Context, id any) {
	r.store.Invalidate(ctx, r.keys.Key(opGetByID, id))
	r.store.InvalidatePrefix(ctx, r.keys.Prefix(opGetByID, id))
	r.store.InvalidatePrefix(ctx, r.keys.Prefix(opGetByField))
}

func (r *Repository[T, P]) invalidateAll(ctx context.Context) {
	r.store.InvalidatePrefix(ctx, r.keys.All())
}

// committed invalidates now and publishes changes once the data is visible.
// Inside a transaction the invalidation runs again after commit so a reader
// that cached the old row in between cannot keep it.
func (r *Repository[T, P]) committed(ctx context.Context, invalidate func(context.Context), changes []Change) {
	invalidate(ctx)
	if r.tx != nil {
		r.tx.AfterCommit(func(ctx context.Context) {
			invalidate(ctx)
			r.publish(ctx, changes)
		})
		return
	}
	r.publish(ctx, changes)
}

func (r *Repository[T, P]) publish(ctx context.Context, changes []Change) {
	if r.publisher == nil {
		return
	}
	for _, c := range changes {
		if err := r.publisher.PublishChange(ctx, c); err != nil {
			r.logger.Warn("change publish failed",
				"record_type", r.recordType,
				"kind", string(c.Kind),
				"id", c.RecordID,
				"error", err,
			)
		}
	}
}

func (r *Repository[T, P]) change(kind ChangeKind, id string, record any) Change {
	return Change{
		RecordType: r.recordType,
		Topic:      r.topic,
		Kind:       kind,
		RecordID:   id,
		Record:     record,
		OccurredAt: r.now(),
	}
}

// newRecord builds a T from column values.
func (r *Repository[T, P]) newRecord(values map[string]any) (P, error) {
	rec := P(new(T))
	strct := reflect.ValueOf(rec).Elem()
	for col, v := range values {
		field, ok := r.columns[col]
		if !ok {
			return nil, unknownField(col)
		}
		if err := assign(strct.FieldByIndex(field.Index), v); err != nil {
			return nil, fmt.Errorf("repository: %s.%s: %w", r.recordType, col, err)
		}
	}
	return rec, nil
}

func assign(dst reflect.Value, v any) error {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	src := reflect.ValueOf(v)
	switch {
	case src.Type().AssignableTo(dst.Type()):
		dst.Set(src)
	case dst.Kind() == reflect.Ptr && src.Type().AssignableTo(dst.Type().Elem()):
		p := reflect.New(dst.Type().Elem())
		p.Elem().Set(src)
		dst.Set(p)
	case numeric(src.Kind()) && numeric(dst.Kind()):
		dst.Set(src.Convert(dst.Type()))
	default:
		return fmt.Errorf("cannot assign %T to %s", v, dst.Type())
	}
	return nil
}

func numeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// prepareInsert assigns a fresh id when missing and stamps the timestamps.
func (r *Repository[T, P]) prepareInsert(rec P) {
	if rec.GetID() == uuid.Nil {
		rec.SetID(uuid.New())
	}
	rec.Touch(r.now())
}
