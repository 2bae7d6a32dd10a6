package filter

import (
	"errors"
	"fmt"
)

// ErrInvalidFilter is matched by every filter construction or translation error.
var ErrInvalidFilter = errors.New("invalid filter")

// InvalidFilterError describes the offending key.
type InvalidFilterError struct {
	Key    string
	Reason string
}

func (e *InvalidFilterError) Error() string {
	return fmt.Sprintf("invalid filter %q: %s", e.Key, e.Reason)
}

func (e *InvalidFilterError) Is(target error) bool {
	return target == ErrInvalidFilter
}

func invalid(key, reason string) error {
	return &InvalidFilterError{Key: key, Reason: reason}
}
