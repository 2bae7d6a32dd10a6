package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	DefaultOutboxSize  = 64
	DefaultSendTimeout = 5 * time.Second
)

var (
	// ErrDuplicateConnection is returned when a connection id is already registered.
	ErrDuplicateConnection = errors.New("realtime: connection already registered")
	// ErrSubscriptionClosed is returned by Run when the broker ends the subscription.
	ErrSubscriptionClosed = errors.New("realtime: subscription closed")
)

// Connection is one live client. Implementations must make Close idempotent
// and call OnClose handlers once when the peer goes away.
type Connection interface {
	ID() string
	Send(ctx context.Context, ev Event) error
	OnClose(fn func())
	Close() error
}

// State is the lifecycle stage of a registered connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type client struct {
	conn   Connection
	topics map[string]struct{}
	state  atomic.Int32
	outbox chan Event
	done   chan struct{}
	once   sync.Once
}

func (c *client) wants(topic string) bool {
	return matches(c.topics, topic)
}

func (c *client) enqueue(ev Event) bool {
	if State(c.state.Load()) != StateOpen {
		return false
	}
	select {
	case c.outbox <- ev:
		return true
	default:
		return false
	}
}

func (c *client) close() bool {
	closed := false
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		closed = true
	})
	return closed
}

// Registry fans events out to live connections. Each connection has a
// bounded outbox drained by its own writer, so a slow client loses events
// without delaying the others.
type Registry struct {
	clients     *xsync.MapOf[string, *client]
	outboxSize  int
	sendTimeout time.Duration
	logger      *slog.Logger

	delivered *xsync.Counter
	dropped   *xsync.Counter
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithOutboxSize sets how many events may queue per connection.
func WithOutboxSize(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.outboxSize = n
		}
	}
}

// WithSendTimeout bounds a single Send call.
func WithSendTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

// WithRegistryLogger sets the logger for dropped events and send failures.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry returns an empty registry. Each connection gets its own
// outbox and writer goroutine on Register.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		clients:     xsync.NewMapOf[string, *client](),
		outboxSize:  DefaultOutboxSize,
		sendTimeout: DefaultSendTimeout,
		logger:      slog.Default(),
		delivered:   xsync.NewCounter(),
		dropped:     xsync.NewCounter(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds conn and starts its writer. topics limits delivery to those
// topics; none means every topic.
func (r *Registry) Register(conn Connection, topics ...string) error {
	c := &client{
		conn:   conn,
		topics: topicSet(topics),
		outbox: make(chan Event, r.outboxSize),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	if _, loaded := r.clients.LoadOrStore(conn.ID(), c); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, conn.ID())
	}

	conn.OnClose(func() { r.remove(conn.ID(), c) })
	go r.write(c)

	// the peer may already be gone
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
	r.logger.Debug("connection registered", "connection", conn.ID(), "total", r.clients.Size())
	return nil
}

// Unregister closes and removes the connection. It reports whether the id
// was registered.
func (r *Registry) Unregister(id string) bool {
	c, ok := r.clients.Load(id)
	if !ok {
		return false
	}
	return r.remove(id, c)
}

func (r *Registry) remove(id string, c *client) bool {
	r.clients.Compute(id, func(cur *client, loaded bool) (*client, bool) {
		// keep a newer registration under the same id
		return cur, !loaded || cur == c
	})
	if !c.close() {
		return false
	}
	if err := c.conn.Close(); err != nil {
		r.logger.Debug("connection close failed", "connection", id, "error", err)
	}
	r.logger.Debug("connection unregistered", "connection", id, "total", r.clients.Size())
	return true
}

// State returns the lifecycle stage of a registered connection.
func (r *Registry) State(id string) (State, bool) {
	c, ok := r.clients.Load(id)
	if !ok {
		return StateClosed, false
	}
	return State(c.state.Load()), true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return r.clients.Size()
}

// Deliver queues ev on every open connection interested in its topic and
// returns how many accepted it. Closed or saturated connections are skipped.
func (r *Registry) Deliver(ev Event) int {
	n := 0
	r.clients.Range(func(id string, c *client) bool {
		if !c.wants(ev.Topic) {
			return true
		}
		if c.enqueue(ev) {
			n++
			return true
		}
		if State(c.state.Load()) == StateOpen {
			r.dropped.Inc()
			r.logger.Warn("connection outbox full, dropping event", "connection", id, "sequence", ev.Sequence)
		}
		return true
	})
	return n
}

// Stats returns how many events were written to connections and how many
// were dropped because an outbox was full.
func (r *Registry) Stats() (delivered, dropped int64) {
	return r.delivered.Value(), r.dropped.Value()
}

// Run subscribes to broker and delivers every event until ctx ends or the
// subscription closes.
func (r *Registry) Run(ctx context.Context, broker Broker, topics ...string) error {
	sub, err := broker.Subscribe(ctx, topics...)
	if err != nil {
		return err
	}
	defer sub.Close()
	return r.Consume(ctx, sub)
}

// Consume delivers events from an already established subscription. It
// returns nil when ctx ends and ErrSubscriptionClosed when sub does.
func (r *Registry) Consume(ctx context.Context, sub Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return ErrSubscriptionClosed
			}
			ev, err := DecodeEvent(msg.Payload)
			if err != nil {
				r.logger.Warn("discarding undecodable event", "topic", msg.Topic, "error", err)
				continue
			}
			r.Deliver(ev)
		}
	}
}

// Close unregisters every connection.
func (r *Registry) Close() {
	r.clients.Range(func(id string, c *client) bool {
		r.remove(id, c)
		return true
	})
}

func (r *Registry) write(c *client) {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
			err := c.conn.Send(ctx, ev)
			cancel()
			if err != nil {
				r.logger.Info("send failed, closing connection", "connection", c.conn.ID(), "error", err)
				r.remove(c.conn.ID(), c)
				return
			}
			r.delivered.Inc()
		}
	}
}
