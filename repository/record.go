package repository

import (
	"time"

	"github.com/google/uuid"
)

// Record is implemented by every type a Repository can manage.
type Record interface {
	GetID() uuid.UUID
	SetID(id uuid.UUID)
	// Touch sets the creation time if unset and always moves the modification time.
	Touch(now time.Time)
}

// RecordPtr ties a struct type to its pointer, which implements Record.
type RecordPtr[T any] interface {
	*T
	Record
}

// Model carries the identifier and timestamps. Embed it in record structs:
//
//	type Product struct {
//		bun.BaseModel `bun:"table:products"`
//		repository.Model
//		Name string `bun:"name,notnull" json:"name"`
//	}
type Model struct {
	ID        uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

func (m *Model) GetID() uuid.UUID {
	return m.ID
}

func (m *Model) SetID(id uuid.UUID) {
	m.ID = id
}

// Touch implements Record.
func (m *Model) Touch(now time.Time) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}
