package realtime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultSubscriptionBuffer is the per-subscription queue length.
const DefaultSubscriptionBuffer = 256

// MemoryBroker delivers messages within one process. A subscriber that falls
// behind loses messages instead of slowing publishers down.
type MemoryBroker struct {
	subs   *xsync.MapOf[uint64, *memorySubscription]
	nextID atomic.Uint64
	buffer int
	closed atomic.Bool
	logger *slog.Logger
}

type memorySubscription struct {
	broker *MemoryBroker
	id     uint64
	topics map[string]struct{}

	mu     sync.RWMutex
	ch     chan Message
	closed bool
}

// NewMemoryBroker returns an in-process broker. buffer <= 0 uses
// DefaultSubscriptionBuffer.
func NewMemoryBroker(buffer int, logger *slog.Logger) *MemoryBroker {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{
		subs:   xsync.NewMapOf[uint64, *memorySubscription](),
		buffer: buffer,
		logger: logger,
	}
}

// Publish hands payload to every subscription of topic without blocking.
func (b *MemoryBroker) Publish(_ context.Context, topic string, payload []byte) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	b.subs.Range(func(_ uint64, s *memorySubscription) bool {
		if matches(s.topics, topic) && !s.offer(Message{Topic: topic, Payload: payload}) {
			b.logger.Warn("subscriber queue full, dropping message", "topic", topic, "subscription", s.id)
		}
		return true
	})
	return nil
}

// Subscribe returns a subscription on topics, or on every topic when none
// are given.
func (b *MemoryBroker) Subscribe(_ context.Context, topics ...string) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	s := &memorySubscription{
		broker: b,
		id:     b.nextID.Add(1),
		topics: topicSet(topics),
		ch:     make(chan Message, b.buffer),
	}
	b.subs.Store(s.id, s)
	return s, nil
}

// Close ends every subscription.
func (b *MemoryBroker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.subs.Range(func(_ uint64, s *memorySubscription) bool {
		s.Close()
		return true
	})
	return nil
}

func (s *memorySubscription) offer(m Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- m:
		return true
	default:
		return false
	}
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.broker.subs.Delete(s.id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
