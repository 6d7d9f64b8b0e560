// Package reducer is the single authority for pattern lifecycle changes.
//
// Every status change in the system flows through Receive: gates and
// administrative tooling submit transition requests, the reducer validates
// them against the lifecycle state machine and the current stored status,
// appends an audit record, and emits exactly one apply-intent for the
// dispatcher to act on. The reducer never mutates pattern rows itself.
//
// This single serialization point is what keeps concurrent gates safe:
// two scans racing on the same pattern both submit, the optimistic
// from-status check lets at most one through, and the loser observes a
// conflict and re-evaluates on its next scan with fresh metrics. Retries
// of an already-applied request are recognized by request ID and succeed
// as no-ops.
package reducer
