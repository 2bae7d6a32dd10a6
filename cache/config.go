package cache

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-repository-live/internal/cacheinfra"
)

// DefaultTTL is applied when neither the caller nor the Store specify one.
const DefaultTTL = 300 * time.Second

// Config exposes in-process cache options for consumers of the cache package.
type Config struct {
	Capacity           int
	NumShards          int
	TTL                time.Duration
	EvictionPercentage int
	EvictionInterval   time.Duration
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return convertFromInternal(cacheinfra.DefaultConfig())
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	return c.toInternal().Validate()
}

// NewMemoryBackend builds the in-process backend. Config.TTL caps every entry.
func NewMemoryBackend(cfg Config) (Backend, error) {
	return cacheinfra.NewMemoryBackend(cfg.toInternal())
}

// NewRedisBackend builds the distributed backend on an existing client. Every
// key is stored under keyPrefix so several applications can share one server.
func NewRedisBackend(client redis.UniversalClient, keyPrefix string) Backend {
	return cacheinfra.NewRedisBackend(client, keyPrefix)
}

func (c Config) toInternal() cacheinfra.Config {
	return cacheinfra.Config{
		Capacity:           c.Capacity,
		NumShards:          c.NumShards,
		TTL:                c.TTL,
		EvictionPercentage: c.EvictionPercentage,
		EvictionInterval:   c.EvictionInterval,
	}
}

func convertFromInternal(cfg cacheinfra.Config) Config {
	return Config{
		Capacity:           cfg.Capacity,
		NumShards:          cfg.NumShards,
		TTL:                cfg.TTL,
		EvictionPercentage: cfg.EvictionPercentage,
		EvictionInterval:   cfg.EvictionInterval,
	}
}
