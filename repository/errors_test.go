package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestClassify(t *testing.T) {
	plain := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
		is   error
	}{
		{"unique violation", &pq.Error{Code: "23505", Constraint: "products_code_key"}, ErrConstraintViolation},
		{"foreign key", &pq.Error{Code: "23503"}, ErrConstraintViolation},
		{"wrapped", fmt.Errorf("exec: %w", &pq.Error{Code: "23514"}), ErrConstraintViolation},
		{"lock not available", &pq.Error{Code: "55P03"}, ErrResourceLocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("product", tt.err)
			if !errors.Is(err, tt.is) {
				t.Errorf("expected %v, got %v", tt.is, err)
			}
			var pqErr *pq.Error
			if !errors.As(err, &pqErr) {
				t.Error("driver error should stay reachable")
			}
		})
	}

	if err := classify("product", plain); err != plain {
		t.Errorf("unrelated errors pass through, got %v", err)
	}
	undefined := &pq.Error{Code: "42P01"}
	if err := classify("product", undefined); err != error(undefined) {
		t.Errorf("unclassified driver errors pass through, got %v", err)
	}
	if classify("product", nil) != nil {
		t.Error("nil stays nil")
	}
}

func TestConstraintError_Constraint(t *testing.T) {
	err := classify("product", &pq.Error{Code: "23505", Constraint: "products_code_key"})

	var ce *ConstraintError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConstraintError, got %T", err)
	}
	if ce.Constraint != "products_code_key" || ce.RecordType != "product" {
		t.Errorf("unexpected %+v", ce)
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		is   error
		want string
	}{
		{&NotFoundError{RecordType: "product", ID: "42"}, ErrNotFound, "product 42 not found"},
		{&AmbiguousResultError{RecordType: "product", Field: "name", Value: "x"}, ErrAmbiguousResult, "product: more than one row where name = x"},
		{unknownField("colour"), ErrInvalidFilter, ""},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.is) {
			t.Errorf("%v is not %v", tt.err, tt.is)
		}
		if tt.want != "" && tt.err.Error() != tt.want {
			t.Errorf("got %q want %q", tt.err.Error(), tt.want)
		}
	}
}
