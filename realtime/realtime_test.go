package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-repository-live/pkg/testsupport"
	"github.com/goliatone/go-repository-live/repository"
)

// fakeConn records events sent to it.
type fakeConn struct {
	id      string
	events  chan Event
	sendErr error
	block   chan struct{}

	mu      sync.Mutex
	onClose []func()
	closed  int
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, events: make(chan Event, 100)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, ev Event) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.events <- ev
	return nil
}

func (c *fakeConn) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

// hangUp simulates the peer disconnecting.
func (c *fakeConn) hangUp() {
	c.mu.Lock()
	fns := append([]func(){}, c.onClose...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func receive(t *testing.T, c *fakeConn) Event {
	t.Helper()
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %s received nothing", c.id)
	}
	return Event{}
}

func expectNothing(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case ev := <-c.events:
		t.Fatalf("connection %s unexpectedly received %+v", c.id, ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestEventCodec(t *testing.T) {
	ev := Event{
		RecordType: "product",
		Topic:      "products",
		Kind:       EventUpdated,
		RecordID:   "42",
		Payload:    json.RawMessage(`{"name":"anvil"}`),
		Sequence:   7,
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Origin:     "node-a",
	}

	data, err := EncodeEvent(ev)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Topic != ev.Topic || got.Kind != ev.Kind || got.Sequence != 7 || string(got.Payload) != string(ev.Payload) {
		t.Errorf("unexpected event %+v", got)
	}
	if !got.Timestamp.Equal(ev.Timestamp) {
		t.Errorf("timestamp %v", got.Timestamp)
	}

	if _, err := DecodeEvent([]byte{0xc1}); err == nil {
		t.Error("expected decode error")
	}
}

func TestMemoryBroker(t *testing.T) {
	b := NewMemoryBroker(0, nil)
	ctx := context.Background()

	all, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	products, err := b.Subscribe(ctx, "products")
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(ctx, "orders", []byte("o")); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, "products", []byte("p")); err != nil {
		t.Fatal(err)
	}

	if m := <-all.Messages(); m.Topic != "orders" {
		t.Errorf("got %s", m.Topic)
	}
	if m := <-all.Messages(); m.Topic != "products" {
		t.Errorf("got %s", m.Topic)
	}
	if m := <-products.Messages(); string(m.Payload) != "p" {
		t.Errorf("got %s", m.Payload)
	}

	products.Close()
	products.Close()
	if _, ok := <-products.Messages(); ok {
		t.Error("closed subscription delivered")
	}
	if err := b.Publish(ctx, "products", []byte("p2")); err != nil {
		t.Fatal(err)
	}

	b.Close()
	if err := b.Publish(ctx, "products", nil); !errors.Is(err, ErrBrokerClosed) {
		t.Errorf("expected ErrBrokerClosed, got %v", err)
	}
	if _, err := b.Subscribe(ctx); !errors.Is(err, ErrBrokerClosed) {
		t.Errorf("expected ErrBrokerClosed, got %v", err)
	}
}

func TestMemoryBroker_SlowSubscriberDrops(t *testing.T) {
	b := NewMemoryBroker(1, nil)
	ctx := context.Background()
	sub, _ := b.Subscribe(ctx)

	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, "t", []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if m := <-sub.Messages(); m.Payload[0] != 0 {
		t.Errorf("expected first message, got %v", m.Payload)
	}
	select {
	case m := <-sub.Messages():
		t.Errorf("expected overflow to be dropped, got %v", m.Payload)
	default:
	}
}

func TestRedisBroker(t *testing.T) {
	client, _ := testsupport.Redis(t)
	b := NewRedisBroker(client, "")
	ctx := context.Background()

	all, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer all.Close()
	products, err := b.Subscribe(ctx, "products")
	if err != nil {
		t.Fatal(err)
	}
	defer products.Close()

	if err := b.Publish(ctx, "products", []byte("payload")); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []Subscription{all, products} {
		select {
		case m := <-sub.Messages():
			if m.Topic != "products" || string(m.Payload) != "payload" {
				t.Errorf("unexpected message %+v", m)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no message")
		}
	}
}

func TestRedisBroker_ServerDown(t *testing.T) {
	client, mr := testsupport.Redis(t)
	mr.Close()

	b := NewRedisBroker(client, "x:")
	if err := b.Publish(context.Background(), "t", nil); err == nil {
		t.Error("expected publish error")
	}
}

func TestBroadcaster_Publish(t *testing.T) {
	broker := NewMemoryBroker(0, nil)
	sub, _ := broker.Subscribe(context.Background())
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	b := NewBroadcaster(broker, WithOrigin("node-a"), WithBroadcastClock(func() time.Time { return fixed }))

	var last uint64
	for i := 0; i < 3; i++ {
		ev, err := b.Publish(context.Background(), Event{Topic: "products", Kind: EventCreated})
		if err != nil {
			t.Fatal(err)
		}
		if ev.Sequence <= last {
			t.Errorf("sequence not increasing: %d after %d", ev.Sequence, last)
		}
		last = ev.Sequence
	}

	got, err := DecodeEvent((<-sub.Messages()).Payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.Origin != "node-a" || got.Sequence != 1 || !got.Timestamp.Equal(fixed) {
		t.Errorf("unexpected event %+v", got)
	}

	if _, err := b.Publish(context.Background(), Event{}); err == nil {
		t.Error("expected error for event without topic")
	}
}

func TestBroadcaster_ConcurrentSequences(t *testing.T) {
	b := NewBroadcaster(NewMemoryBroker(0, nil))

	const n = 50
	seen := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := b.Publish(context.Background(), Event{Topic: "t"})
			if err == nil {
				seen <- ev.Sequence
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[uint64]bool{}
	for s := range seen {
		unique[s] = true
	}
	if len(unique) != n {
		t.Errorf("expected %d distinct sequences, got %d", n, len(unique))
	}
}

func TestBroadcaster_PublishChange(t *testing.T) {
	broker := NewMemoryBroker(0, nil)
	sub, _ := broker.Subscribe(context.Background(), "products")
	b := NewBroadcaster(broker)

	var _ repository.ChangePublisher = b

	occurred := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	err := b.PublishChange(context.Background(), repository.Change{
		RecordType: "product",
		Topic:      "products",
		Kind:       repository.ChangeCreated,
		RecordID:   "abc",
		Record:     map[string]any{"name": "anvil"},
		OccurredAt: occurred,
	})
	if err != nil {
		t.Fatal(err)
	}

	ev, err := DecodeEvent((<-sub.Messages()).Payload)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != EventCreated || ev.RecordID != "abc" || !ev.Timestamp.Equal(occurred) {
		t.Errorf("unexpected event %+v", ev)
	}
	if string(ev.Payload) != `{"name":"anvil"}` {
		t.Errorf("payload %s", ev.Payload)
	}

	err = b.PublishChange(context.Background(), repository.Change{Topic: "products", Kind: repository.ChangeDeleted, RecordID: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	ev, _ = DecodeEvent((<-sub.Messages()).Payload)
	if ev.Kind != EventDeleted || len(ev.Payload) != 0 {
		t.Errorf("unexpected delete event %+v", ev)
	}
}

type failingBroker struct {
	Broker
}

func (failingBroker) Publish(context.Context, string, []byte) error {
	return errors.New("broker down")
}

func TestBroadcaster_BrokerFailure(t *testing.T) {
	b := NewBroadcaster(failingBroker{})
	if err := b.PublishChange(context.Background(), repository.Change{Topic: "products"}); err == nil {
		t.Error("expected broker error")
	}
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn("a")

	if err := r.Register(conn); err != nil {
		t.Fatal(err)
	}
	if state, ok := r.State("a"); !ok || state != StateOpen {
		t.Errorf("expected open, got %s", state)
	}
	if err := r.Register(newFakeConn("a")); !errors.Is(err, ErrDuplicateConnection) {
		t.Errorf("expected duplicate error, got %v", err)
	}

	if n := r.Deliver(Event{Topic: "products", Sequence: 1}); n != 1 {
		t.Errorf("delivered to %d", n)
	}
	if ev := receive(t, conn); ev.Sequence != 1 {
		t.Errorf("unexpected event %+v", ev)
	}

	conn.hangUp()
	if _, ok := r.State("a"); ok {
		t.Error("closed connection still registered")
	}
	if n := r.Deliver(Event{Topic: "products"}); n != 0 {
		t.Errorf("delivered to %d closed connections", n)
	}
	expectNothing(t, conn)
	if conn.closeCount() != 1 {
		t.Errorf("close called %d times", conn.closeCount())
	}
	if r.Unregister("a") {
		t.Error("second unregister should report false")
	}
}

func TestRegistry_TopicFilter(t *testing.T) {
	r := NewRegistry()
	products, everything := newFakeConn("p"), newFakeConn("all")
	r.Register(products, "products")
	r.Register(everything)

	r.Deliver(Event{Topic: "orders", Sequence: 1})
	r.Deliver(Event{Topic: "products", Sequence: 2})

	if ev := receive(t, products); ev.Sequence != 2 {
		t.Errorf("filtered connection got %d", ev.Sequence)
	}
	receive(t, everything)
	receive(t, everything)
	expectNothing(t, products)
}

func TestRegistry_SlowConnectionDrops(t *testing.T) {
	r := NewRegistry(WithOutboxSize(1))
	slow := newFakeConn("slow")
	slow.block = make(chan struct{})
	fast := newFakeConn("fast")
	r.Register(slow)
	r.Register(fast)

	for i := 1; i <= 5; i++ {
		r.Deliver(Event{Topic: "t", Sequence: uint64(i)})
	}
	for i := 1; i <= 5; i++ {
		receive(t, fast)
	}

	_, dropped := r.Stats()
	if dropped == 0 {
		t.Error("expected drops for the blocked connection")
	}
	close(slow.block)
	r.Close()
}

func TestRegistry_SendFailureUnregisters(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn("broken")
	conn.sendErr = errors.New("write: broken pipe")
	r.Register(conn)

	r.Deliver(Event{Topic: "t"})
	eventually(t, func() bool { return r.Len() == 0 })
	if conn.closeCount() != 1 {
		t.Errorf("close called %d times", conn.closeCount())
	}
}

func TestRegistry_ConcurrentRegistration(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newFakeConn(fmt.Sprintf("c%d", i))
			if err := r.Register(conn); err != nil {
				t.Error(err)
				return
			}
			r.Deliver(Event{Topic: "t"})
			r.Unregister(conn.ID())
		}(i)
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistry_Run(t *testing.T) {
	broker := NewMemoryBroker(0, nil)
	r := NewRegistry()
	conn := newFakeConn("a")
	r.Register(conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, broker) }()

	b := NewBroadcaster(broker)
	eventually(t, func() bool {
		b.Publish(context.Background(), Event{Topic: "products", RecordID: "1"})
		select {
		case ev := <-conn.events:
			return ev.RecordID == "1"
		default:
			return false
		}
	})

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestRegistry_RunEndsWithBroker(t *testing.T) {
	broker := NewMemoryBroker(0, nil)
	r := NewRegistry()

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), broker) }()

	eventually(t, func() bool { return broker.subs.Size() == 1 })
	broker.Close()
	if err := <-done; !errors.Is(err, ErrSubscriptionClosed) {
		t.Errorf("expected ErrSubscriptionClosed, got %v", err)
	}
}

// Two registries stand in for two server processes sharing one Redis.
func TestRedis_CrossProcessDelivery(t *testing.T) {
	client, mr := testsupport.Redis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	other := redisClientFor(t, mr.Addr())

	registry := NewRegistry()
	conn := newFakeConn("remote")
	registry.Register(conn, "products")
	go registry.Run(ctx, NewRedisBroker(other, "app:"))

	b := NewBroadcaster(NewRedisBroker(client, "app:"), WithOrigin("node-a"))
	eventually(t, func() bool {
		b.Publish(ctx, Event{Topic: "products", RecordID: "r1"})
		select {
		case ev := <-conn.events:
			return ev.Origin == "node-a" && ev.RecordID == "r1"
		default:
			return false
		}
	})
}
