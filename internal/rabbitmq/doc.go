// Package rabbitmq owns the broker connection for the event core.
//
// This package includes:
//   - ConnectionManager: one connection and one confirm-mode channel per process,
//     lazily opened, recovered on a fixed reconnect delay, with consumer replay
//   - TopologyGuard: passive existence checks for exchanges and queues
//   - Provisioner: declarative topology setup for the external provisioning step
//
// Every other component reaches the broker through a ConnectionManager. Exchanges
// are never declared at runtime; a missing exchange is a configuration error.
package rabbitmq
