package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// EventKind is the type of committed mutation an event reports.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Event is a change notification pushed to live connections.
type Event struct {
	ID         uuid.UUID `json:"id"`
	RecordType string    `json:"record_type"`
	Topic      string    `json:"topic"`
	Kind       EventKind `json:"kind"`
	RecordID   string    `json:"record_id"`
	// Payload is the JSON encoded record, empty for deletes.
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	// Origin identifies the process that published the event.
	Origin string `json:"origin"`
}

// EncodeEvent serializes ev for a broker.
func EncodeEvent(ev Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(ev); err != nil {
		return nil, fmt.Errorf("realtime: encode event: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("realtime: decode event: %w", err)
	}
	return ev, nil
}
