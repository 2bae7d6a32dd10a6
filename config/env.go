package config

import (
	"fmt"
	"strconv"
	"time"
)

// EnvPrefix starts every override variable.
const EnvPrefix = "REPO_"

type lookupFunc func(string) (string, bool)

type override struct {
	name  string
	apply func(c *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

var overrides = []override{
	{"DATABASE_DRIVER", str(func(c *Config) *string { return &c.Database.Driver })},
	{"DATABASE_DSN", str(func(c *Config) *string { return &c.Database.DSN })},
	{"DATABASE_MAX_OPEN_CONNS", integer(func(c *Config) *int { return &c.Database.MaxOpenConns })},
	{"DATABASE_LOG_QUERIES", boolean(func(c *Config) *bool { return &c.Database.LogQueries })},
	{"CACHE_BACKEND", str(func(c *Config) *string { return &c.Cache.Backend })},
	{"CACHE_TTL", duration(func(c *Config) *time.Duration { return &c.Cache.TTL })},
	{"CACHE_CAPACITY", integer(func(c *Config) *int { return &c.Cache.Capacity })},
	{"CACHE_KEY_PREFIX", str(func(c *Config) *string { return &c.Cache.KeyPrefix })},
	{"REDIS_ADDR", str(func(c *Config) *string { return &c.Redis.Addr })},
	{"REDIS_PASSWORD", str(func(c *Config) *string { return &c.Redis.Password })},
	{"REDIS_DB", integer(func(c *Config) *int { return &c.Redis.DB })},
	{"HOOKS_LOGGING", boolean(func(c *Config) *bool { return &c.Hooks.Logging })},
	{"HOOKS_SLOW_THRESHOLD", duration(func(c *Config) *time.Duration { return &c.Hooks.SlowThreshold })},
	{"HOOKS_LOG_PARAMS", boolean(func(c *Config) *bool { return &c.Hooks.LogParams })},
	{"HOOKS_STATS", boolean(func(c *Config) *bool { return &c.Hooks.Stats })},
	{"HOOKS_STATS_EVERY", integer(func(c *Config) *int { return &c.Hooks.StatsEvery })},
	{"HOOKS_STATS_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Hooks.StatsInterval })},
	{"BROADCAST_ENABLED", boolean(func(c *Config) *bool { return &c.Broadcast.Enabled })},
	{"BROADCAST_BROKER", str(func(c *Config) *string { return &c.Broadcast.Broker })},
	{"BROADCAST_CHANNEL_PREFIX", str(func(c *Config) *string { return &c.Broadcast.ChannelPrefix })},
	{"BROADCAST_OUTBOX_SIZE", integer(func(c *Config) *int { return &c.Broadcast.OutboxSize })},
	{"BROADCAST_ORIGIN", str(func(c *Config) *string { return &c.Broadcast.Origin })},
	{"SERVER_ADDR", str(func(c *Config) *string { return &c.Server.Addr })},
	{"SERVER_SHUTDOWN_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Server.ShutdownTimeout })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
}

func (c *Config) applyEnv(lookup lookupFunc) error {
	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.apply(c, v); err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, o.name, err)
		}
	}
	return nil
}
