package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity lookup misses (or belongs to another school).
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrForbidden is returned when the caller is not allowed to perform an operation.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError describes malformed input to a billing operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransitionError records a rejected status change. It unwraps to ErrInvalidTransition.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: cannot %s from %s", e.Event, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
