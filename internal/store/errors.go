package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an id resolves to no record.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateKey is returned when an insert reuses an id with a
	// different payload. Re-inserting an identical payload is a no-op.
	ErrDuplicateKey = errors.New("duplicate key")
)

// ValidationError marks a record the store refuses to persist.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
