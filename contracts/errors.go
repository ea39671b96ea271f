package contracts

import (
	"errors"
	"fmt"
)

// ErrDuplicateEffect marks an operation whose effect was already applied.
// It is a short-circuit signal, callers treat it as success.
var ErrDuplicateEffect = errors.New("duplicate effect")

// ValidationError reports bad input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("validation error in field '%s': %s", e.Field, e.Message)
}

// NotFoundError reports a missing aggregate. It is never retried.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// IsValidation reports whether err is or wraps a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is or wraps a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
