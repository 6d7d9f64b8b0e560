// Package store persists learned patterns in SQLite with governance and
// lineage-versioning guarantees.
//
// A lineage is identified by (domain, signature_hash) and carries a monotonic
// version sequence. Exactly one row per lineage is current at all times: the
// insert-and-flip-previous-current sequence runs in a single transaction, and
// a partial unique index backs the invariant at the schema level. Discovery
// replays are idempotent: the pattern ID is derived deterministically from the
// discovery ID and checked before insert.
//
// Status writes go through ApplyStatus, which is invoked only by the
// dispatcher consuming reducer apply-intents. Gates never write status
// directly. The append-only usage-outcome log and the transition audit log
// also live here.
package store
