// Package contracts defines the domain event envelope that flows through the broker.
//
// A DomainEvent wraps a business payload with the metadata consumers need to
// route, deduplicate and trace it:
//   - EventID: a fresh v4 UUID per built envelope
//   - EventType: the routing tag, e.g. "wallet.created"
//   - OccurredAt / EmittedAt: when the fact happened and when it was wrapped
//   - SourceModule: the emitting service
//   - Version: the payload schema version
//   - CorrelationID: optional causal-chain identifier
//
// Envelopes are values. BuildDomainEvent is pure and never fails;
// ParseDomainEvent is its inverse at the consumer side.
package contracts
