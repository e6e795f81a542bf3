package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput indicates a dataset violates the engine's input contract.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTableNotFound indicates the requested table does not exist.
	ErrTableNotFound = errors.New("table not found")

	// ErrUnsupported indicates an unknown store, source or format kind.
	ErrUnsupported = errors.New("unsupported")
)

// ValidationError reports a dataset that breaks the identity contract.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("validation failed for %s=%q: %s", e.Field, e.Value, e.Message)
	}
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Is implements errors.Is support.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, value, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}
