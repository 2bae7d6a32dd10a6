package realtime

import (
	"testing"

	"github.com/redis/go-redis/v9"
)

func redisClientFor(t *testing.T, addr string) *redis.Client {
	t.Helper()
	c := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { c.Close() })
	return c
}
