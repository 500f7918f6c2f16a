package batch

import (
	"errors"
	"fmt"
)

// ErrValidation is the parent of every client-caused batch error
var ErrValidation = errors.New("validation failed")

var (
	ErrEmptyMessage        = fmt.Errorf("%w: message content missing", ErrValidation)
	ErrMalformedRecipients = fmt.Errorf("%w: recipients must be a non-empty JSON array", ErrValidation)
	ErrPastSchedule        = fmt.Errorf("%w: schedule time cannot be in the past", ErrValidation)
	ErrInvalidSchedule     = fmt.Errorf("%w: unrecognised schedule time", ErrValidation)
)

// ValidationError ties a validation failure to the offending field
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Err: err}
}
