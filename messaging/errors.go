package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrNoTransport is returned when a bus is built without a transport
	ErrNoTransport = errors.New("messaging: transport is required")

	// ErrInterrupted is returned for a delivery whose handler was cut short
	// because its subscription stopped. Transports requeue such a message.
	ErrInterrupted = errors.New("messaging: delivery interrupted by shutdown")
)

// Poison reasons
const (
	ReasonMalformed    = "malformed"
	ReasonSchema       = "schema_validation"
	ReasonHandlerError = "handler_error"
)

// PoisonMessageError is returned to the transport for a delivery that must be
// rejected without requeue. The broker routes it to the service DLQ.
type PoisonMessageError struct {
	Queue     string
	EventID   string
	EventType string
	TraceID   string
	Reason    string
	Err       error
}

func (e *PoisonMessageError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("poison message on %s (%s): %v", e.Queue, e.Reason, e.Err)
	}
	return fmt.Sprintf("poison message %s %s on %s (%s): %v", e.EventType, e.EventID, e.Queue, e.Reason, e.Err)
}

func (e *PoisonMessageError) Unwrap() error {
	return e.Err
}

// IsPoison reports whether err marks a poison message
func IsPoison(err error) bool {
	var p *PoisonMessageError
	return errors.As(err, &p)
}
