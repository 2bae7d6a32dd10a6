package cache

import (
	"context"
	"log/slog"
	"time"
)

// FetchFn loads a value from the source of truth. found is false when the
// source has no value; absent results are never cached.
type FetchFn[T any] func(ctx context.Context) (value T, found bool, err error)

// Store couples a Backend with a Codec and absorbs backend failures: a failing
// read behaves as a miss and a failing write is logged and ignored.
type Store struct {
	backend Backend
	codec   Codec
	ttl     time.Duration
	logger  *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCodec overrides the msgpack codec.
func WithCodec(codec Codec) StoreOption {
	return func(s *Store) {
		if codec != nil {
			s.codec = codec
		}
	}
}

// WithDefaultTTL sets the TTL used when a caller passes ttl <= 0.
func WithDefaultTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger sets the logger used to report absorbed backend errors.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore wraps backend. A nil backend behaves like NoopBackend.
func NewStore(backend Backend, opts ...StoreOption) *Store {
	if backend == nil {
		backend = NewNoopBackend()
	}
	s := &Store{
		backend: backend,
		codec:   NewMsgpackCodec(),
		ttl:     DefaultTTL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the wrapped backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Enabled reports whether reads can ever hit.
func (s *Store) Enabled() bool {
	_, noop := s.backend.(NoopBackend)
	return !noop
}

// Load decodes the value stored at key into dest and reports whether it was found.
func (s *Store) Load(ctx context.Context, key string, dest any) bool {
	data, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.absorb("get", key, err)
		return false
	}
	if !ok {
		return false
	}
	if err := s.codec.Unmarshal(data, dest); err != nil {
		s.absorb("decode", key, err)
		return false
	}
	return true
}

// Save encodes value and stores it under key.
func (s *Store) Save(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := s.codec.Marshal(value)
	if err != nil {
		s.absorb("encode", key, err)
		return
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	if err := s.backend.Set(ctx, key, data, ttl); err != nil {
		s.absorb("set", key, err)
	}
}

// Invalidate removes a single key.
func (s *Store) Invalidate(ctx context.Context, key string) {
	if err := s.backend.Delete(ctx, key); err != nil {
		s.absorb("delete", key, err)
	}
}

// InvalidatePrefix removes every key under prefix and returns the count removed.
func (s *Store) InvalidatePrefix(ctx context.Context, prefix string) int {
	n, err := s.backend.DeleteByPrefix(ctx, prefix)
	if err != nil {
		s.absorb("delete_prefix", prefix, err)
	}
	return n
}

func (s *Store) absorb(op, key string, err error) {
	s.logger.Warn("cache operation failed",
		"backend", s.backend.Name(),
		"op", op,
		"key", key,
		"error", NewBackendError(s.backend.Name(), op, key, err),
	)
}

// GetOrFetch is the type-safe read-through helper. It returns the value, whether
// it exists, and whether it came from the cache. On a Loader backend
// concurrent misses of one key run fetch once and the waiters report a hit.
func GetOrFetch[T any](ctx context.Context, s *Store, key string, ttl time.Duration, fetch FetchFn[T]) (value T, found bool, hit bool, err error) {
	if l, ok := s.backend.(Loader); ok {
		return loadThrough(ctx, s, l, key, ttl, fetch)
	}
	if s.Load(ctx, key, &value) {
		return value, true, true, nil
	}

	value, found, err = fetch(ctx)
	if err != nil || !found {
		var zero T
		return zero, false, false, err
	}

	s.Save(ctx, key, value, ttl)
	return value, true, false, nil
}

func loadThrough[T any](ctx context.Context, s *Store, l Loader, key string, ttl time.Duration, fetch FetchFn[T]) (value T, found bool, hit bool, err error) {
	if ttl <= 0 {
		ttl = s.ttl
	}

	var (
		fetched T
		ran     bool
	)
	data, found, hit, err := l.GetOrLoad(ctx, key, ttl, func(ctx context.Context) ([]byte, bool, error) {
		v, found, err := fetch(ctx)
		if err != nil || !found {
			return nil, false, err
		}
		fetched, ran = v, true
		data, err := s.codec.Marshal(v)
		if err != nil {
			s.absorb("encode", key, err)
			return nil, false, nil
		}
		return data, true, nil
	})
	switch {
	case ran:
		return fetched, true, false, nil
	case err != nil || !found:
		var zero T
		return zero, false, false, err
	}

	if err := s.codec.Unmarshal(data, &value); err != nil {
		s.absorb("decode", key, err)
		value, found, err = fetch(ctx)
		if err != nil || !found {
			var zero T
			return zero, false, false, err
		}
		return value, true, false, nil
	}
	return value, true, hit, nil
}
