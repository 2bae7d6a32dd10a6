package cacheinfra

import (
	"context"
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/viccon/sturdyc"
)

// Config holds the configuration for the sturdyc backed memory cache.
type Config struct {
	// Capacity defines the maximum number of entries that the cache can store.
	Capacity int

	// NumShards determines the number of cache shards for concurrent access.
	// Higher values improve concurrency but increase memory overhead. Default: 256
	NumShards int

	// TTL is the longest any entry may live. Per-entry TTLs above it are capped.
	TTL time.Duration

	// EvictionPercentage specifies what percentage of entries to evict
	// when the cache reaches its capacity. Default: 10
	EvictionPercentage int

	// EvictionInterval sets how often expired entries are swept.
	// Zero uses the sturdyc default.
	EvictionInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults for most use cases.
func DefaultConfig() Config {
	return Config{
		Capacity:           10000,
		NumShards:          256,
		TTL:                30 * time.Minute,
		EvictionPercentage: 10,
	}
}

// Validate checks if the configuration values are valid.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Capacity, validation.Required, validation.Min(1)),
		validation.Field(&c.NumShards, validation.Required, validation.Min(1)),
		validation.Field(&c.TTL, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.EvictionPercentage, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.EvictionInterval, validation.Min(time.Duration(0))),
	)
}

func (c Config) options() []sturdyc.Option {
	var options []sturdyc.Option
	if c.EvictionInterval > 0 {
		options = append(options, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}
	return options
}

// entry carries its own expiry so each Set can pick a TTL shorter than the client's.
type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend is an in-process cache on top of a sturdyc client.
type MemoryBackend struct {
	client *sturdyc.Client[entry]
	maxTTL time.Duration
	now    func() time.Time
}

// NewMemoryBackend validates cfg and builds the backend.
func NewMemoryBackend(cfg Config) (*MemoryBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := sturdyc.New[entry](
		cfg.Capacity,
		cfg.NumShards,
		cfg.TTL,
		cfg.EvictionPercentage,
		cfg.options()...,
	)

	return &MemoryBackend{client: client, maxTTL: cfg.TTL, now: time.Now}, nil
}

// Name implements the cache backend contract.
func (m *MemoryBackend) Name() string {
	return "memory"
}

// Get returns a copy of the stored bytes. Expired entries are removed and reported as a miss.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := m.client.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expiresAt) {
		m.client.Delete(key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set stores a copy of value. ttl is capped at the configured maximum.
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.client.Set(key, m.entry(value, ttl))
	return nil
}

// GetOrLoad returns the entry at key, calling load on a miss and storing what
// it finds. Concurrent misses on one key share a single load through sturdyc.
// hit is false only for the caller whose load ran.
func (m *MemoryBackend) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) ([]byte, bool, error)) (value []byte, found, hit bool, err error) {
	if e, ok := m.client.Get(key); ok && !m.now().Before(e.expiresAt) {
		m.client.Delete(key)
	}

	ran := false
	e, err := m.client.GetOrFetch(ctx, key, func(ctx context.Context) (entry, error) {
		ran = true
		value, found, err := load(ctx)
		if err != nil {
			return entry{}, err
		}
		if !found {
			return entry{}, sturdyc.ErrNotFound
		}
		return m.entry(value, ttl), nil
	})
	switch {
	case errors.Is(err, sturdyc.ErrNotFound):
		return nil, false, false, nil
	case err != nil:
		return nil, false, false, err
	}
	return append([]byte(nil), e.value...), true, !ran, nil
}

func (m *MemoryBackend) entry(value []byte, ttl time.Duration) entry {
	if ttl <= 0 || ttl > m.maxTTL {
		ttl = m.maxTTL
	}
	return entry{
		value:     append([]byte(nil), value...),
		expiresAt: m.now().Add(ttl),
	}
}

// Delete removes key.
func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.client.Delete(key)
	return nil
}

// DeleteByPrefix scans the live key set and removes every match.
func (m *MemoryBackend) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	removed := 0
	for _, key := range m.client.ScanKeys() {
		if strings.HasPrefix(key, prefix) {
			m.client.Delete(key)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of stored entries, expired ones included.
func (m *MemoryBackend) Len() int {
	return m.client.Size()
}
