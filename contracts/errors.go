package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent is returned when a message body cannot be decoded into a DomainEvent
	ErrMalformedEvent = errors.New("contracts: malformed domain event")
)

// DecodeError describes why a message body was rejected
type DecodeError struct {
	Field string // Offending field, empty for syntax errors
	Err   error  // Underlying error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%v: field %s: %v", ErrMalformedEvent, e.Field, e.Err)
	}
	return fmt.Sprintf("%v: %v", ErrMalformedEvent, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrMalformedEvent, e.Err}
}
