package repository

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/goliatone/go-repository-live/filter"
)

var (
	// ErrNotFound is returned when a record an operation depends on is missing.
	// Plain lookups return a nil record instead.
	ErrNotFound = errors.New("record not found")
	// ErrConstraintViolation is returned on unique, foreign key or check violations.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrResourceLocked is returned when a NoWait lock cannot be acquired.
	ErrResourceLocked = errors.New("resource locked")
	// ErrAmbiguousResult is returned when a single-result lookup matches several rows.
	ErrAmbiguousResult = errors.New("ambiguous result")
	// ErrInvalidFilter is returned for unknown fields or operators.
	ErrInvalidFilter = filter.ErrInvalidFilter
)

// NotFoundError reports a record that vanished during a batch write.
type NotFoundError struct {
	RecordType string
	ID         any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.RecordType, e.ID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConstraintError wraps a unique, foreign key or not-null violation.
type ConstraintError struct {
	RecordType string
	Constraint string
	Err        error
}

func (e *ConstraintError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("%s: constraint %s violated: %v", e.RecordType, e.Constraint, e.Err)
	}
	return fmt.Sprintf("%s: constraint violated: %v", e.RecordType, e.Err)
}

// Is matches ErrConstraintViolation.
func (e *ConstraintError) Is(target error) bool {
	return target == ErrConstraintViolation
}

func (e *ConstraintError) Unwrap() error {
	return e.Err
}

// LockedError reports a row held by another transaction under NoWait.
type LockedError struct {
	RecordType string
	Err        error
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s: row locked: %v", e.RecordType, e.Err)
}

// Is matches ErrResourceLocked.
func (e *LockedError) Is(target error) bool {
	return target == ErrResourceLocked
}

func (e *LockedError) Unwrap() error {
	return e.Err
}

// AmbiguousResultError is returned by single-record lookups that match
// more than one row.
type AmbiguousResultError struct {
	RecordType string
	Field      string
	Value      any
}

func (e *AmbiguousResultError) Error() string {
	return fmt.Sprintf("%s: more than one row where %s = %v", e.RecordType, e.Field, e.Value)
}

// Is matches ErrAmbiguousResult.
func (e *AmbiguousResultError) Is(target error) bool {
	return target == ErrAmbiguousResult
}

// unknownField reports a column the record type does not have.
func unknownField(field string) error {
	return &filter.InvalidFilterError{Key: field, Reason: "unknown field"}
}

// postgres SQLSTATE lock_not_available
const pqLockNotAvailable = "55P03"

// classify maps driver errors onto the repository error taxonomy.
func classify(recordType string, err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "23":
			return &ConstraintError{RecordType: recordType, Constraint: pqErr.Constraint, Err: err}
		case pqErr.Code == pqLockNotAvailable:
			return &LockedError{RecordType: recordType, Err: err}
		}
		return err
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return &ConstraintError{RecordType: recordType, Err: err}
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return &LockedError{RecordType: recordType, Err: err}
		}
	}

	return err
}
