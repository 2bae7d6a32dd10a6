package repository

import (
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-repository-live/cache"
	"github.com/goliatone/go-repository-live/hooks"
)

// Option configures a Repository at construction time.
type Option func(*settings)

type settings struct {
	store      *cache.Store
	serializer cache.KeySerializer
	pipeline   *hooks.Pipeline
	hooks      []hooks.Hook
	publisher  ChangePublisher
	logger     *slog.Logger
	recordType string
	topic      string
	relations  []string
	cacheTTL   time.Duration
	now        func() time.Time
}

// WithCache enables the cached lookups on store.
func WithCache(store *cache.Store) Option {
	return func(s *settings) {
		s.store = store
	}
}

// WithKeySerializer overrides how cache key arguments are rendered.
func WithKeySerializer(serializer cache.KeySerializer) Option {
	return func(s *settings) {
		s.serializer = serializer
	}
}

// WithPipeline shares an existing hook pipeline, typically across repositories.
func WithPipeline(p *hooks.Pipeline) Option {
	return func(s *settings) {
		s.pipeline = p
	}
}

// WithHooks registers hooks on the repository's pipeline.
func WithHooks(h ...hooks.Hook) Option {
	return func(s *settings) {
		s.hooks = append(s.hooks, h...)
	}
}

// WithPublisher sends a Change for every committed mutation.
func WithPublisher(p ChangePublisher) Option {
	return func(s *settings) {
		s.publisher = p
	}
}

// WithLogger sets the logger for absorbed publish failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithRecordType overrides the name derived from the Go type. It is used for
// hook metrics, cache namespaces and, pluralized, as the change topic.
func WithRecordType(name string) Option {
	return func(s *settings) {
		s.recordType = name
	}
}

// WithTopic overrides the change topic.
func WithTopic(topic string) Option {
	return func(s *settings) {
		s.topic = topic
	}
}

// WithDefaultRelations eager-loads the named bun relations on every read that
// accepts QueryOptions. OverrideRelations opts a single call out.
func WithDefaultRelations(names ...string) Option {
	return func(s *settings) {
		s.relations = append(s.relations, names...)
	}
}

// WithCacheTTL sets the TTL of cached lookups that do not pass their own.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) {
		s.cacheTTL = ttl
	}
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		s.now = now
	}
}

// SelectCriteria customizes a select query beyond what filters express.
type SelectCriteria func(*bun.SelectQuery) *bun.SelectQuery

// QueryOption tunes a single read.
type QueryOption func(*query)

type query struct {
	limit     int
	offset    int
	relations []string
	override  bool
	criteria  []SelectCriteria
	noCache   bool
	ttl       time.Duration
}

// newQuery applies opts on top of the repository's default relations.
func newQuery(defaults []string, opts []QueryOption) query {
	var q query
	for _, opt := range opts {
		opt(&q)
	}
	if q.override || len(defaults) == 0 {
		return q
	}

	merged := make([]string, 0, len(defaults)+len(q.relations))
	seen := make(map[string]bool, cap(merged))
	for _, name := range append(append([]string(nil), defaults...), q.relations...) {
		if !seen[name] {
			seen[name] = true
			merged = append(merged, name)
		}
	}
	q.relations = merged
	return q
}

// Limit caps the number of rows returned by List and friends.
func Limit(n int) QueryOption {
	return func(q *query) {
		q.limit = n
	}
}

// Offset skips the first n matches.
func Offset(n int) QueryOption {
	return func(q *query) {
		q.offset = n
	}
}

// Relations eager-loads the named bun relations.
func Relations(names ...string) QueryOption {
	return func(q *query) {
		q.relations = append(q.relations, names...)
	}
}

// OverrideRelations drops the repository's default relations for one call,
// leaving only those passed with Relations.
func OverrideRelations() QueryOption {
	return func(q *query) {
		q.override = true
	}
}

// Criteria applies custom select modifiers. Cached lookups skip the cache
// when criteria are present, since functions cannot be part of a stable key.
func Criteria(fns ...SelectCriteria) QueryOption {
	return func(q *query) {
		q.criteria = append(q.criteria, fns...)
	}
}

// NoCache makes a cached lookup read straight from the database.
func NoCache() QueryOption {
	return func(q *query) {
		q.noCache = true
	}
}

// TTL sets how long a cached lookup result lives.
func TTL(d time.Duration) QueryOption {
	return func(q *query) {
		q.ttl = d
	}
}

func (q query) apply(sq *bun.SelectQuery) *bun.SelectQuery {
	for _, rel := range q.relations {
		sq = sq.Relation(rel)
	}
	for _, c := range q.criteria {
		sq = c(sq)
	}
	return sq
}

func (q query) page(sq *bun.SelectQuery) *bun.SelectQuery {
	if q.limit > 0 {
		sq = sq.Limit(q.limit)
	}
	if q.offset > 0 {
		sq = sq.Offset(q.offset)
	}
	return sq
}

// LockOptions controls row lock acquisition for the ForUpdate reads.
type LockOptions struct {
	// NoWait fails with ErrResourceLocked instead of blocking.
	NoWait bool
	// SkipLocked silently leaves out rows another transaction holds.
	SkipLocked bool
}
