package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps an event payload for transport
type Envelope[T any] struct {
	EventID      string    `json:"eventId"`
	EventType    string    `json:"eventType"`
	EventVersion int       `json:"eventVersion"`
	OccurredAt   time.Time `json:"occurredAt"`
	Producer     string    `json:"producer"`
	TraceID      string    `json:"traceId,omitempty"`
	Data         T         `json:"data"`
}

// RawEnvelope is an envelope whose payload has not been decoded yet
type RawEnvelope = Envelope[json.RawMessage]

// EnvelopeOption configures envelope creation
type EnvelopeOption func(*envelopeMeta)

type envelopeMeta struct {
	eventID    string
	version    int
	occurredAt time.Time
}

// WithEventID sets a deterministic event id. Use it for events that represent
// a single logical occurrence so redeliveries carry the same id.
func WithEventID(id string) EnvelopeOption {
	return func(m *envelopeMeta) {
		m.eventID = id
	}
}

// WithEventVersion sets the payload schema revision
func WithEventVersion(version int) EnvelopeOption {
	return func(m *envelopeMeta) {
		m.version = version
	}
}

// WithOccurredAt overrides the occurrence timestamp
func WithOccurredAt(t time.Time) EnvelopeOption {
	return func(m *envelopeMeta) {
		m.occurredAt = t
	}
}

// NewEnvelope creates an envelope with a generated id, version 1 and the current time
func NewEnvelope[T any](eventType, producer, traceID string, data T, opts ...EnvelopeOption) Envelope[T] {
	meta := envelopeMeta{
		eventID:    uuid.New().String(),
		version:    1,
		occurredAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&meta)
	}

	return Envelope[T]{
		EventID:      meta.eventID,
		EventType:    eventType,
		EventVersion: meta.version,
		OccurredAt:   meta.occurredAt,
		Producer:     producer,
		TraceID:      traceID,
		Data:         data,
	}
}

// Raw encodes the payload and returns the undecoded form of the envelope
func (e Envelope[T]) Raw() (RawEnvelope, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return RawEnvelope{}, fmt.Errorf("failed to encode %s payload: %w", e.EventType, err)
	}
	return RawEnvelope{
		EventID:      e.EventID,
		EventType:    e.EventType,
		EventVersion: e.EventVersion,
		OccurredAt:   e.OccurredAt,
		Producer:     e.Producer,
		TraceID:      e.TraceID,
		Data:         data,
	}, nil
}

// ParseEnvelope decodes a message body into a raw envelope and checks the
// fields every consumer relies on. A missing trace id is not an error.
func ParseEnvelope(body []byte) (RawEnvelope, error) {
	var env RawEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return RawEnvelope{}, &ValidationError{Field: "envelope", Message: fmt.Sprintf("malformed JSON: %v", err)}
	}

	switch {
	case env.EventType == "":
		return RawEnvelope{}, &ValidationError{Field: "eventType", Message: "required field is missing"}
	case env.EventVersion < 1:
		return RawEnvelope{}, &ValidationError{Field: "eventVersion", Message: "must be a positive integer"}
	case len(env.Data) == 0 || string(env.Data) == "null":
		return RawEnvelope{}, &ValidationError{Field: "data", Message: "required field is missing"}
	}

	return env, nil
}

// DecodeEnvelope decodes the payload of a raw envelope into T
func DecodeEnvelope[T any](raw RawEnvelope) (Envelope[T], error) {
	var data T
	if err := json.Unmarshal(raw.Data, &data); err != nil {
		return Envelope[T]{}, &ValidationError{Field: "data", Message: fmt.Sprintf("cannot decode %s payload: %v", raw.EventType, err)}
	}

	return Envelope[T]{
		EventID:      raw.EventID,
		EventType:    raw.EventType,
		EventVersion: raw.EventVersion,
		OccurredAt:   raw.OccurredAt,
		Producer:     raw.Producer,
		TraceID:      raw.TraceID,
		Data:         data,
	}, nil
}
