// Package config loads the settings of a repository service.
//
// Values come from, in increasing priority:
//  1. Default()
//  2. a YAML file
//  3. REPO_* environment variables, optionally seeded from .env files
//
// The result is validated before it is returned.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-repository-live/cache"
)

// PathEnv names the variable holding the config file path.
const PathEnv = "REPO_CONFIG"

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"

	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Config is the full runtime configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Redis     RedisConfig     `yaml:"redis"`
	Hooks     HooksConfig     `yaml:"hooks"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// DatabaseConfig selects the driver and connection pool.
type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	// LogQueries logs every SQL statement at debug level.
	LogQueries bool `yaml:"log_queries"`
}

// CacheConfig selects the cache backend and its limits.
type CacheConfig struct {
	Backend            string        `yaml:"backend"`
	TTL                time.Duration `yaml:"ttl"`
	Capacity           int           `yaml:"capacity"`
	NumShards          int           `yaml:"num_shards"`
	EvictionPercentage int           `yaml:"eviction_percentage"`
	// KeyPrefix namespaces keys on a shared Redis.
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisConfig locates the Redis server shared by the cache and the broker.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HooksConfig enables the built-in hooks.
type HooksConfig struct {
	Logging       bool          `yaml:"logging"`
	SlowThreshold time.Duration `yaml:"slow_threshold"`
	LogParams     bool          `yaml:"log_params"`
	Stats         bool          `yaml:"stats"`
	StatsEvery    int           `yaml:"stats_every"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// BroadcastConfig controls change fan-out.
type BroadcastConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Broker        string `yaml:"broker"`
	ChannelPrefix string `yaml:"channel_prefix"`
	OutboxSize    int    `yaml:"outbox_size"`
	// Origin names this process in events. Empty picks a random id.
	Origin string `yaml:"origin"`
}

// ServerConfig is read by cmd/server only.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig sets the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration that runs fully in-process.
func Default() *Config {
	mem := cache.DefaultConfig()
	return &Config{
		Database: DatabaseConfig{
			Driver:       DriverSQLite,
			DSN:          "file:repository.db?_pragma=busy_timeout(5000)",
			MaxOpenConns: 1,
		},
		Cache: CacheConfig{
			Backend:            CacheMemory,
			TTL:                cache.DefaultTTL,
			Capacity:           mem.Capacity,
			NumShards:          mem.NumShards,
			EvictionPercentage: mem.EvictionPercentage,
			KeyPrefix:          "repository:cache:",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Hooks: HooksConfig{
			Logging:       true,
			SlowThreshold: 100 * time.Millisecond,
			StatsEvery:    10,
			StatsInterval: time.Minute,
		},
		Broadcast: BroadcastConfig{
			Enabled:       true,
			Broker:        BrokerMemory,
			ChannelPrefix: "repository:events:",
			OutboxSize:    64,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (skipped when empty) over the defaults, applies the
// environment and validates the result. envFiles are loaded into the process
// environment first without overriding variables that are already set.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("config: load env: %w", err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Database),
		validation.Field(&c.Cache),
		validation.Field(&c.Hooks),
		validation.Field(&c.Broadcast),
		validation.Field(&c.Server),
		validation.Field(&c.Log),
	)
	if err != nil {
		return &ValidationError{Err: err}
	}
	if (c.Cache.Backend == CacheRedis || (c.Broadcast.Enabled && c.Broadcast.Broker == BrokerRedis)) && c.Redis.Addr == "" {
		return &ValidationError{Err: errors.New("redis: addr: cannot be blank")}
	}
	return nil
}

// Validate checks the driver name and DSN.
func (c DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverPostgres, DriverSQLite)),
		validation.Field(&c.DSN, validation.Required),
		validation.Field(&c.MaxOpenConns, validation.Min(0)),
	)
}

// Validate checks the backend and its limits.
func (c CacheConfig) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Backend, validation.Required, validation.In(CacheNone, CacheMemory, CacheRedis)),
		validation.Field(&c.TTL, validation.Min(time.Duration(0))),
	)
	if err != nil || c.Backend != CacheMemory {
		return err
	}
	return c.Memory().Validate()
}

// Memory returns the in-process backend settings.
func (c CacheConfig) Memory() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.Capacity = c.Capacity
	cfg.NumShards = c.NumShards
	cfg.EvictionPercentage = c.EvictionPercentage
	if c.TTL > 0 {
		cfg.TTL = max(cfg.TTL, c.TTL)
	}
	return cfg
}

// Validate rejects negative thresholds and intervals.
func (c HooksConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.SlowThreshold, validation.Min(time.Duration(0))),
		validation.Field(&c.StatsEvery, validation.Min(0)),
		validation.Field(&c.StatsInterval, validation.Min(time.Duration(0))),
	)
}

// Validate checks the broker and outbox size.
func (c BroadcastConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return validation.ValidateStruct(&c,
		validation.Field(&c.Broker, validation.Required, validation.In(BrokerMemory, BrokerRedis)),
		validation.Field(&c.OutboxSize, validation.Required, validation.Min(1)),
	)
}

// Validate requires a listen address.
func (c ServerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Addr, validation.Required),
		validation.Field(&c.ShutdownTimeout, validation.Min(time.Duration(0))),
	)
}

// Validate checks level and format.
func (c LogConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Format, validation.In("text", "json")),
	)
}

// ValidationError reports an invalid configuration.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "config: invalid: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
