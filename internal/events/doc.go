// Package events wires the pattern pipeline to NATS.
//
// Inbound, the Consumer turns discovery, usage, and disable messages into
// store writes. Outbound, the Publisher emits lifecycle events after the
// audit commit (at-least-once; consumers dedupe on transition ID) and
// promoted/deprecated notifications on a best-effort basis. The Dispatcher
// sits between the reducer and the store: it applies accepted transitions
// and only then publishes, so no consumer ever sees a lifecycle event for a
// transition that is not durable.
package events
