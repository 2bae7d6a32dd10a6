package di

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-repository-live/cache"
	"github.com/goliatone/go-repository-live/config"
	"github.com/goliatone/go-repository-live/hooks"
	"github.com/goliatone/go-repository-live/internal/storage"
	"github.com/goliatone/go-repository-live/realtime"
	"github.com/goliatone/go-repository-live/repository"
)

// Container wires the shared infrastructure every repository of a process
// uses: one database handle, one cache store, one hook pipeline and one
// change broadcaster feeding one connection registry.
type Container struct {
	config *config.Config
	logger *slog.Logger

	db      *bun.DB
	ownsDB  bool
	redis   redis.UniversalClient
	ownsRDB bool

	store         *cache.Store
	keySerializer cache.KeySerializer
	pipeline      *hooks.Pipeline
	stats         *hooks.StatsHook

	broker      realtime.Broker
	broadcaster *realtime.Broadcaster
	registry    *realtime.Registry

	sub       realtime.Subscription
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Container.
type Option func(*Container)

// WithLogger replaces the logger built from the log configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Container) {
		c.logger = logger
	}
}

// WithDB uses an already opened database instead of cfg.Database. The
// container does not close it.
func WithDB(db *bun.DB) Option {
	return func(c *Container) {
		c.db = db
	}
}

// WithRedisClient shares an existing client for the Redis cache and broker.
// The container does not close it.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(c *Container) {
		c.redis = client
	}
}

// NewContainer validates cfg and builds every component it enables.
func NewContainer(ctx context.Context, cfg *config.Config, opts ...Option) (*Container, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Container{
		config:        cfg,
		logger:        slog.Default(),
		keySerializer: cache.NewDefaultKeySerializer(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.build(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewContainerWithDefaults builds a fully in-process container on db.
func NewContainerWithDefaults(ctx context.Context, db *bun.DB) (*Container, error) {
	return NewContainer(ctx, config.Default(), WithDB(db))
}

func (c *Container) build(ctx context.Context) error {
	if c.db == nil {
		db, err := storage.Open(ctx, c.config.Database, c.logger)
		if err != nil {
			return err
		}
		c.db, c.ownsDB = db, true
	}

	backend, err := c.cacheBackend()
	if err != nil {
		return err
	}
	c.store = cache.NewStore(backend,
		cache.WithDefaultTTL(c.config.Cache.TTL),
		cache.WithLogger(c.logger),
	)

	c.pipeline = hooks.NewPipeline(c.logger)
	hc := c.config.Hooks
	if hc.Logging {
		c.pipeline.Add(hooks.NewLoggingHook(c.logger,
			hooks.WithSlowThreshold(hc.SlowThreshold),
			hooks.WithParams(hc.LogParams),
		))
	}
	if hc.Stats {
		c.stats = hooks.NewStatsHook(c.logger, hc.StatsEvery)
		c.pipeline.Add(c.stats)
	}

	bc := c.config.Broadcast
	if !bc.Enabled {
		return nil
	}
	switch bc.Broker {
	case config.BrokerRedis:
		c.broker = realtime.NewRedisBroker(c.redisClient(), bc.ChannelPrefix)
	default:
		c.broker = realtime.NewMemoryBroker(realtime.DefaultSubscriptionBuffer, c.logger)
	}

	bopts := []realtime.BroadcasterOption{realtime.WithBroadcastLogger(c.logger)}
	if bc.Origin != "" {
		bopts = append(bopts, realtime.WithOrigin(bc.Origin))
	}
	c.broadcaster = realtime.NewBroadcaster(c.broker, bopts...)
	c.registry = realtime.NewRegistry(
		realtime.WithOutboxSize(bc.OutboxSize),
		realtime.WithRegistryLogger(c.logger),
	)
	return nil
}

func (c *Container) cacheBackend() (cache.Backend, error) {
	cc := c.config.Cache
	switch cc.Backend {
	case config.CacheMemory:
		backend, err := cache.NewMemoryBackend(cc.Memory())
		if err != nil {
			return nil, fmt.Errorf("di: memory cache: %w", err)
		}
		return backend, nil
	case config.CacheRedis:
		return cache.NewRedisBackend(c.redisClient(), cc.KeyPrefix), nil
	}
	return cache.NewNoopBackend(), nil
}

func (c *Container) redisClient() redis.UniversalClient {
	if c.redis == nil {
		rc := c.config.Redis
		c.redis = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		c.ownsRDB = true
	}
	return c.redis
}

// Config returns the configuration the container was built from.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the container logger.
func (c *Container) Logger() *slog.Logger {
	return c.logger
}

// DB returns the database handle, opened or injected.
func (c *Container) DB() *bun.DB {
	return c.db
}

// Store returns the cache store shared by every repository.
func (c *Container) Store() *cache.Store {
	return c.store
}

// KeySerializer returns the serializer used for cache keys.
func (c *Container) KeySerializer() cache.KeySerializer {
	return c.keySerializer
}

// Pipeline returns the hook pipeline shared by every repository.
func (c *Container) Pipeline() *hooks.Pipeline {
	return c.pipeline
}

// Stats returns the statistics hook, or nil when disabled.
func (c *Container) Stats() *hooks.StatsHook {
	return c.stats
}

// Broadcaster returns nil when broadcasting is disabled.
func (c *Container) Broadcaster() *realtime.Broadcaster {
	return c.broadcaster
}

// Registry returns nil when broadcasting is disabled.
func (c *Container) Registry() *realtime.Registry {
	return c.registry
}

// Broker returns the change broker, or nil when broadcast is disabled.
func (c *Container) Broker() realtime.Broker {
	return c.broker
}

// Start launches the background work: periodic statistics and delivery of
// broker events to registered connections. The broker subscription is live
// when Start returns. Work stops when ctx ends or on Close.
func (c *Container) Start(ctx context.Context) error {
	if c.stats != nil && c.config.Hooks.StatsInterval > 0 {
		go c.stats.Run(ctx, c.config.Hooks.StatsInterval)
	}
	if c.registry == nil {
		return nil
	}

	sub, err := c.broker.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("di: subscribe: %w", err)
	}

	c.sub = sub
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		if err := c.registry.Consume(ctx, sub); err != nil && ctx.Err() == nil {
			c.logger.Warn("event delivery stopped", "error", err)
		}
	}()
	return nil
}

// Close releases what the container opened itself.
func (c *Container) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		if c.registry != nil {
			c.registry.Close()
		}
		if c.broker != nil {
			errs = append(errs, c.broker.Close())
		}
		if c.sub != nil {
			errs = append(errs, c.sub.Close())
			<-c.done
		}
		if c.ownsRDB && c.redis != nil {
			errs = append(errs, c.redis.Close())
		}
		if c.ownsDB && c.db != nil {
			errs = append(errs, c.db.Close())
		}
	})
	return errors.Join(errs...)
}

// NewRepository builds a repository for T on the container's database,
// cache, hooks and broadcaster. opts are applied last and may override any
// of them.
//
//	products, err := di.NewRepository[Product](container)
func NewRepository[T any, P repository.RecordPtr[T]](c *Container, opts ...repository.Option) (*repository.Repository[T, P], error) {
	base := []repository.Option{
		repository.WithCache(c.store),
		repository.WithKeySerializer(c.keySerializer),
		repository.WithPipeline(c.pipeline),
		repository.WithLogger(c.logger),
	}
	if ttl := c.config.Cache.TTL; ttl > 0 {
		base = append(base, repository.WithCacheTTL(ttl))
	}
	if c.broadcaster != nil {
		base = append(base, repository.WithPublisher(c.broadcaster))
	}
	return repository.New[T, P](c.db, append(base, opts...)...)
}
