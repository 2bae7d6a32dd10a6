package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix namespaces broker channels on a shared Redis.
const DefaultChannelPrefix = "repository:events:"

// RedisBroker publishes through Redis pub/sub so every process subscribed
// to the same server sees every event.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBroker returns a broker on client. An empty prefix uses
// DefaultChannelPrefix.
func NewRedisBroker(client redis.UniversalClient, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisBroker{client: client, prefix: prefix}
}

// Publish sends payload on the prefixed channel for topic.
func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.prefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("realtime: redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe waits for the server to confirm the subscription before
// returning, so messages published afterwards are not missed.
func (b *RedisBroker) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	var ps *redis.PubSub
	if len(topics) == 0 {
		ps = b.client.PSubscribe(ctx, b.prefix+"*")
	} else {
		channels := make([]string, len(topics))
		for i, t := range topics {
			channels[i] = b.prefix + t
		}
		ps = b.client.Subscribe(ctx, channels...)
	}

	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("realtime: redis subscribe: %w", err)
	}

	s := &redisSubscription{
		ps:   ps,
		out:  make(chan Message, DefaultSubscriptionBuffer),
		done: make(chan struct{}),
	}
	go s.pump(b.prefix)
	return s, nil
}

// Close is a no-op; the client belongs to the caller.
func (b *RedisBroker) Close() error {
	return nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Message
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) pump(prefix string) {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		m := Message{
			Topic:   strings.TrimPrefix(msg.Channel, prefix),
			Payload: []byte(msg.Payload),
		}
		select {
		case s.out <- m:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
