package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBackend is matched by every error produced by a cache backend.
var ErrBackend = errors.New("cache backend error")

// Backend is the capability shared by the no-op, in-process and distributed caches.
// Values are opaque byte slices; callers encode them with a Codec.
type Backend interface {
	// Get returns the stored value and true, or false when the key is missing or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key. A ttl <= 0 uses the backend default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeleteByPrefix removes every key starting with prefix and reports how many were removed.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
	Name() string
}

// Loader is implemented by backends that fill a missing key themselves.
// Concurrent misses on the same key share one call to load, which reports
// found=false when there is nothing to store. hit is false only for the
// caller whose load ran.
type Loader interface {
	GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) ([]byte, bool, error)) (value []byte, found, hit bool, err error)
}

// BackendError wraps a failure reported by a Backend.
type BackendError struct {
	Backend string
	Op      string
	Key     string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("cache %s %s %q: %v", e.Backend, e.Op, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is reports ErrBackend so callers can match any backend failure.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackend
}

// NewBackendError builds a BackendError, returning nil when err is nil.
func NewBackendError(backend, op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Backend: backend, Op: op, Key: key, Err: err}
}

// NoopBackend misses on every read and accepts every write.
type NoopBackend struct{}

// NewNoopBackend returns the backend used when caching is disabled.
func NewNoopBackend() Backend {
	return NoopBackend{}
}

func (NoopBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (NoopBackend) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

func (NoopBackend) Delete(context.Context, string) error {
	return nil
}

func (NoopBackend) DeleteByPrefix(context.Context, string) (int, error) {
	return 0, nil
}

func (NoopBackend) Name() string {
	return "none"
}
