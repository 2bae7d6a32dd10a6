package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-repository-live/repository"
)

// Broadcaster stamps change events and publishes them on a broker. It
// implements repository.ChangePublisher.
type Broadcaster struct {
	broker Broker
	origin string
	seq    atomic.Uint64
	now    func() time.Time
	logger *slog.Logger
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithOrigin names the publishing process. Defaults to a random id.
func WithOrigin(origin string) BroadcasterOption {
	return func(b *Broadcaster) {
		b.origin = origin
	}
}

// WithBroadcastLogger sets the logger for publish failures.
func WithBroadcastLogger(logger *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

// WithBroadcastClock overrides the event timestamp source.
func WithBroadcastClock(now func() time.Time) BroadcasterOption {
	return func(b *Broadcaster) {
		b.now = now
	}
}

// NewBroadcaster publishes through broker. Without WithOrigin a random
// origin is generated.
func NewBroadcaster(broker Broker, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		broker: broker,
		origin: uuid.NewString(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Origin returns the id stamped on every event from this broadcaster.
func (b *Broadcaster) Origin() string {
	return b.origin
}

// Publish assigns the event id, sequence, timestamp and origin, then sends
// it on ev.Topic. Sequences increase monotonically per broadcaster.
func (b *Broadcaster) Publish(ctx context.Context, ev Event) (Event, error) {
	if ev.Topic == "" {
		return ev, fmt.Errorf("realtime: event for %s has no topic", ev.RecordType)
	}
	ev.ID = uuid.New()
	ev.Sequence = b.seq.Add(1)
	ev.Origin = b.origin
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	data, err := EncodeEvent(ev)
	if err != nil {
		return ev, err
	}
	if err := b.broker.Publish(ctx, ev.Topic, data); err != nil {
		return ev, err
	}

	b.logger.Debug("event published",
		"topic", ev.Topic,
		"kind", string(ev.Kind),
		"record_id", ev.RecordID,
		"sequence", ev.Sequence,
	)
	return ev, nil
}

// PublishChange converts a committed repository change into an event.
func (b *Broadcaster) PublishChange(ctx context.Context, c repository.Change) error {
	ev := Event{
		RecordType: c.RecordType,
		Topic:      c.Topic,
		Kind:       EventKind(c.Kind),
		RecordID:   c.RecordID,
		Timestamp:  c.OccurredAt,
	}
	if c.Record != nil {
		payload, err := json.Marshal(c.Record)
		if err != nil {
			return fmt.Errorf("realtime: encode %s %s: %w", c.RecordType, c.RecordID, err)
		}
		ev.Payload = payload
	}
	_, err := b.Publish(ctx, ev)
	return err
}
