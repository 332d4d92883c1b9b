package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the row vanished (deleted or never existed).
	// The pipeline treats it as already-cancelled.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a uniqueness violation (one reminder per node,
	// one subscription per node and user).
	ErrConflict = errors.New("already exists")
)

// ValidationError is returned at the creation boundary for input that must
// never reach the pipeline.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err wraps a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
