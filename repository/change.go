package repository

import (
	"context"
	"time"
)

// ChangeKind is the type of a committed mutation.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change describes one committed mutation of one record.
type Change struct {
	RecordType string
	Topic      string
	Kind       ChangeKind
	RecordID   string
	// Record is the full record for creates and updates and nil for deletes.
	Record     any
	OccurredAt time.Time
}

// ChangePublisher receives changes after they commit. Publish errors are
// logged by the repository and never fail the mutation.
type ChangePublisher interface {
	PublishChange(ctx context.Context, change Change) error
}
