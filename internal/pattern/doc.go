// Package pattern defines the core domain types for learned patterns:
// candidates produced by aggregation, persisted pattern rows with lineage
// versioning, lifecycle statuses, transition requests and audit records,
// and the error taxonomy shared by the store, reducer, and gates.
//
// # Lifecycle
//
// A pattern is created in CANDIDATE status by the store. All later status
// changes are authorized by the reducer against the lifecycle state machine:
//
//	CANDIDATE -> PROVISIONAL -> VALIDATED
//	PROVISIONAL -> DEPRECATED
//	VALIDATED -> DEPRECATED
//	any -> DEPRECATED (manual override only)
//
// DEPRECATED is terminal but queryable: rows are preserved for audit.
//
// # Error taxonomy
//
// Four error kinds cross package boundaries:
//   - ValidationError: malformed or ungoverned input, not retryable as-is
//   - ConflictError: optimistic transition check failed, re-read then retry
//   - NotFoundError: operation on an unknown pattern ID
//   - TransientError: infrastructure unavailable, retryable with backoff
package pattern
