package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation failures.
var (
	ErrInvalidQuery    = errors.New("invalid query")
	ErrQueryEmpty      = errors.New("query is empty")
	ErrQueryTooLong    = errors.New("query too long")
	ErrQueryInjection  = errors.New("query contains suspicious content")
	ErrTopKOutOfRange  = errors.New("top_k out of range")
	ErrInvalidUserID   = errors.New("invalid user id")
	ErrListingNotFound = errors.New("listing not found")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// Is lets callers match any validation failure with ErrInvalidQuery.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidQuery }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
