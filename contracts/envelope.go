package contracts

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultVersion is the payload schema version used when none is supplied
const DefaultVersion = 1

// Event is implemented by every DomainEvent regardless of its payload type
type Event interface {
	GetEventID() string
	GetEventType() string
	GetSourceModule() string
	GetCorrelationID() string
}

// DomainEvent wraps a business payload for transport
type DomainEvent[T any] struct {
	EventID       string    `json:"eventId"`
	EventType     string    `json:"eventType"`
	OccurredAt    time.Time `json:"occurredAt"`
	EmittedAt     time.Time `json:"emittedAt"`
	SourceModule  string    `json:"sourceModule"`
	Payload       T         `json:"payload"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// GetEventID returns the envelope id
func (e DomainEvent[T]) GetEventID() string { return e.EventID }

// GetEventType returns the routing tag
func (e DomainEvent[T]) GetEventType() string { return e.EventType }

// GetSourceModule returns the emitting service name
func (e DomainEvent[T]) GetSourceModule() string { return e.SourceModule }

// GetCorrelationID returns the correlation id, if any
func (e DomainEvent[T]) GetCorrelationID() string { return e.CorrelationID }

var _ Event = DomainEvent[struct{}]{}

type eventOptions struct {
	occurredAt    time.Time
	version       int
	correlationID string
	sourceModule  string
}

// EventOption configures BuildDomainEvent
type EventOption func(*eventOptions)

// WithOccurredAt sets when the underlying fact happened
func WithOccurredAt(t time.Time) EventOption {
	return func(o *eventOptions) {
		o.occurredAt = t
	}
}

// WithVersion sets the payload schema version
func WithVersion(version int) EventOption {
	return func(o *eventOptions) {
		o.version = version
	}
}

// WithCorrelationID links the event to a causal chain
func WithCorrelationID(id string) EventOption {
	return func(o *eventOptions) {
		o.correlationID = id
	}
}

// WithSourceModule sets the emitting service name
func WithSourceModule(name string) EventOption {
	return func(o *eventOptions) {
		o.sourceModule = name
	}
}

// BuildDomainEvent wraps payload in a new envelope.
// OccurredAt defaults to the emission time and Version to DefaultVersion.
func BuildDomainEvent[T any](eventType string, payload T, opts ...EventOption) DomainEvent[T] {
	o := eventOptions{version: DefaultVersion}
	for _, opt := range opts {
		opt(&o)
	}

	emittedAt := emissionTime()
	occurredAt := o.occurredAt
	if occurredAt.IsZero() {
		occurredAt = emittedAt
	}
	if o.version <= 0 {
		o.version = DefaultVersion
	}

	return DomainEvent[T]{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		OccurredAt:    occurredAt.UTC(),
		EmittedAt:     emittedAt,
		SourceModule:  o.sourceModule,
		Payload:       payload,
		Version:       o.version,
		CorrelationID: o.correlationID,
	}
}

// ParseDomainEvent decodes a message body produced by BuildDomainEvent
func ParseDomainEvent[T any](body []byte) (DomainEvent[T], error) {
	var event DomainEvent[T]
	if len(body) == 0 {
		return event, &DecodeError{Err: errors.New("empty body")}
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return event, &DecodeError{Err: err}
	}
	if event.EventID == "" {
		return event, &DecodeError{Field: "eventId", Err: errors.New("missing")}
	}
	if event.EventType == "" {
		return event, &DecodeError{Field: "eventType", Err: errors.New("missing")}
	}
	if event.Version == 0 {
		event.Version = DefaultVersion
	}
	return event, nil
}

// lastEmission holds the latest emission instant in unix nanoseconds
var lastEmission atomic.Int64

// emissionTime returns the current UTC time, never earlier than a previous call
func emissionTime() time.Time {
	now := time.Now().UTC().UnixNano()
	for {
		last := lastEmission.Load()
		if now <= last {
			now = last
			break
		}
		if lastEmission.CompareAndSwap(last, now) {
			break
		}
	}
	return time.Unix(0, now).UTC()
}
