package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/foodsaga/contracts"
)

var (
	// ErrCircuitOpen is matched by every CircuitBreakerError
	ErrCircuitOpen  = errors.New("circuit breaker: service unavailable")
	ErrUnknownState = errors.New("circuit breaker: unknown state")

	// ErrNonRetryable marks an error that retry must give up on immediately
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// CircuitBreakerError is returned without calling the guarded function while
// the circuit rejects calls. It is the DownstreamUnavailable case of the
// error taxonomy.
type CircuitBreakerError struct {
	Name       string
	State      State
	Failures   int
	RetryAfter time.Duration
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("service unavailable: circuit %s is %s, retry after %v",
		e.Name, e.State, e.RetryAfter.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrCircuitOpen) hold for every rejection
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsDownstreamUnavailable reports whether err is a circuit rejection
func IsDownstreamUnavailable(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// TimeoutError reports an operation abandoned by Race
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Op, e.After)
}

// Unwrap lets callers match context.DeadlineExceeded
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// IsRetryableError classifies errors for the retry policies. Bad input and
// open circuits are terminal; anything that does not say otherwise is treated
// as transient.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrNonRetryable),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, context.Canceled),
		contracts.IsValidation(err),
		contracts.IsNotFound(err):
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return true
}

// RetryableError overrides the classification of the error it wraps
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable reports the override
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

func (r RetryableError) Unwrap() error {
	return r.Err
}

// Permanent wraps err so retry stops on it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err, Retryable: false}
}
