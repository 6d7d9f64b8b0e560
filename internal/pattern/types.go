package pattern

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle status of a learned pattern.
type Status string

const (
	// StatusCandidate is the initial status assigned by the store.
	StatusCandidate Status = "CANDIDATE"

	// StatusProvisional marks a pattern vetted enough to be injected
	// experimentally while the rolling window accumulates evidence.
	StatusProvisional Status = "PROVISIONAL"

	// StatusValidated marks a pattern trusted on real-world usage outcomes.
	StatusValidated Status = "VALIDATED"

	// StatusDeprecated is terminal-but-queryable soft retirement.
	StatusDeprecated Status = "DEPRECATED"
)

// Valid reports whether s is one of the four lifecycle statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCandidate, StatusProvisional, StatusValidated, StatusDeprecated:
		return true
	}
	return false
}

// Transition triggers recognized by the reducer. The trigger tag selects the
// validation rules applied to a request; gates never carry behavior of their
// own into the reducer.
const (
	// TriggerProvisionConfidence seeds CANDIDATE -> PROVISIONAL when initial
	// confidence clears the provisional bar.
	TriggerProvisionConfidence = "auto_provision_confidence"

	// TriggerPromoteRollingWindow is PROVISIONAL -> VALIDATED on rolling
	// window evidence.
	TriggerPromoteRollingWindow = "auto_promote_rolling_window"

	// TriggerDemoteRollingWindow is demotion to DEPRECATED on rolling window
	// evidence (failure streak or low success rate).
	TriggerDemoteRollingWindow = "auto_demote_rolling_window"

	// TriggerManualOverride is an administrative demotion to DEPRECATED from
	// any status, bypassing the demotion cooldown.
	TriggerManualOverride = "manual_override"
)

// Observation is one raw pattern observation from a discovery event. Multiple
// overlapping observations merge into a single PatternCandidate during
// aggregation.
type Observation struct {
	// DiscoveryID is the externally supplied idempotency key for the
	// discovery event this observation arrived in.
	DiscoveryID string `json:"discovery_id"`

	// Domain scopes the pattern lineage (e.g. "go", "sql", "http-retry").
	Domain string `json:"domain"`

	// Identifiers are the identifier tokens observed in the structure.
	Identifiers []string `json:"identifiers"`

	// ControlFlow is the control-flow shape, outermost first
	// (e.g. ["for", "if", "return"]).
	ControlFlow []string `json:"control_flow,omitempty"`

	// Imports are the imported packages or modules referenced.
	Imports []string `json:"imports,omitempty"`

	// Confidence is the observer's confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// EvidenceCount is how many raw sightings back this observation.
	// Zero is normalized to one.
	EvidenceCount int `json:"evidence_count,omitempty"`
}

// PatternCandidate is a deduplicated, confidence-scored pattern produced by
// the aggregator. Candidates are immutable; the store assigns identity.
type PatternCandidate struct {
	// Signature is the canonical signature string of the representative.
	Signature string `json:"signature"`

	// SignatureHash is the stable hash identifying this structure within
	// a domain. (domain, signature_hash) keys the lineage.
	SignatureHash string `json:"signature_hash"`

	// Domain scopes the lineage.
	Domain string `json:"domain"`

	// Confidence is the evidence-weighted cluster score, clamped to [0,1].
	Confidence float64 `json:"confidence"`

	// EvidenceCount is the summed evidence across the merged observations.
	EvidenceCount int `json:"evidence_count"`
}

// LearnedPattern is one persisted version of a pattern lineage.
//
// Invariants (enforced by the store schema and transactions):
//   - UNIQUE(domain, signature_hash, version)
//   - exactly one row per lineage has IsCurrent set
type LearnedPattern struct {
	// PatternID identifies this row. It is a deterministic UUIDv5 of the
	// discovery ID, which makes discovery replays idempotent.
	PatternID string `json:"pattern_id"`

	// Domain and SignatureHash form the lineage key.
	Domain        string `json:"domain"`
	SignatureHash string `json:"signature_hash"`

	// Signature is the canonical signature string.
	Signature string `json:"signature"`

	// Version is monotonic per lineage, starting at 1.
	Version int `json:"version"`

	// Status is the lifecycle status.
	Status Status `json:"status"`

	// IsCurrent marks the single live version of the lineage.
	IsCurrent bool `json:"is_current"`

	// Confidence is the aggregation-time confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// EvidenceCount is the aggregation-time evidence total.
	EvidenceCount int `json:"evidence_count"`

	// StatusChangedAt is when Status last changed (promotion cooldowns key
	// off this). Set to CreatedAt on insert.
	StatusChangedAt time.Time `json:"status_changed_at"`

	// CreatedAt is when this version row was inserted.
	CreatedAt time.Time `json:"created_at"`
}

// Outcome is the result type of a single pattern usage event.
type Outcome string

const (
	// OutcomeSuccess means the injected pattern helped.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure means the injected pattern failed or was reverted.
	OutcomeFailure Outcome = "failure"

	// OutcomeNeutral means the pattern was injected but no verdict arrived.
	// Neutral events count toward injections, not toward the success rate.
	OutcomeNeutral Outcome = "neutral"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure || o == OutcomeNeutral
}

// UsageOutcome is one append-only usage event for a pattern.
type UsageOutcome struct {
	PatternID  string    `json:"pattern_id"`
	Outcome    Outcome   `json:"outcome"`
	SessionID  string    `json:"session_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RollingMetrics is derived from the most recent N usage outcomes of a
// pattern. It is computed, never independently persisted.
type RollingMetrics struct {
	// WindowSize is the N used for this computation.
	WindowSize int `json:"window_size"`

	// InjectionCount is the number of usage events in the window.
	InjectionCount int `json:"injection_count"`

	// SuccessCount and FailureCount partition the decided events.
	SuccessCount int `json:"success_count"`
	FailureCount int `json:"failure_count"`

	// FailureStreak is the run of consecutive failures counting back from
	// the most recent decided event.
	FailureStreak int `json:"failure_streak"`
}

// SuccessRate returns success/(success+failure), or 0 when no event in the
// window carries a verdict.
func (m RollingMetrics) SuccessRate() float64 {
	decided := m.SuccessCount + m.FailureCount
	if decided == 0 {
		return 0
	}
	return float64(m.SuccessCount) / float64(decided)
}

// TransitionRequest asks the reducer to authorize one lifecycle change.
type TransitionRequest struct {
	// RequestID is the caller-supplied idempotency key. Retrying a request
	// with the same RequestID is safe.
	RequestID string `json:"request_id"`

	// PatternID is the pattern to transition.
	PatternID string `json:"pattern_id"`

	// FromStatus is the status the caller observed; the reducer rejects the
	// request with a conflict if the current status differs.
	FromStatus Status `json:"from_status"`

	// ToStatus is the requested status.
	ToStatus Status `json:"to_status"`

	// Trigger selects the reducer's validation rules.
	Trigger string `json:"trigger"`

	// Actor is who asked (gate name or admin principal).
	Actor string `json:"actor"`

	// Reason is a human-readable justification recorded in the audit log.
	Reason string `json:"reason"`

	// GateSnapshot carries the rolling metrics observed at evaluation time,
	// when a gate originated the request.
	GateSnapshot *RollingMetrics `json:"gate_snapshot,omitempty"`
}

// TransitionAuditRecord is one append-only row in the transition audit log.
type TransitionAuditRecord struct {
	TransitionID string  `json:"transition_id"`
	RequestID    string  `json:"request_id"`
	PatternID    string  `json:"pattern_id"`
	FromStatus   Status  `json:"from_status"`
	ToStatus     Status  `json:"to_status"`
	Trigger      string  `json:"trigger"`
	Actor        string  `json:"actor"`
	Reason       string  `json:"reason"`

	// GateSnapshot is the metrics snapshot serialized with the record,
	// nil for manual transitions.
	GateSnapshot *RollingMetrics `json:"gate_snapshot,omitempty"`

	// AppliedAt is set by the store when the status write commits.
	AppliedAt *time.Time `json:"applied_at,omitempty"`

	// TransitionedAt is when the reducer accepted the request.
	TransitionedAt time.Time `json:"transitioned_at"`
}

// ApplyIntent is the reducer's instruction to apply an authorized transition.
// Exactly one intent is emitted per accepted request; the dispatcher applies
// it through the store and publishes the lifecycle event after commit.
type ApplyIntent struct {
	TransitionID string `json:"transition_id"`
	PatternID    string `json:"pattern_id"`
	ToStatus     Status `json:"to_status"`
	Trigger      string `json:"trigger"`
	Reason       string `json:"reason"`
}

// NamespacePattern is the UUIDv5 namespace for deriving pattern IDs from
// discovery IDs.
var NamespacePattern = uuid.MustParse("7f1c6c55-9b3e-4c57-8e0e-2a3f5d1b9c44")

// PatternIDFor maps an externally supplied discovery ID to its deterministic
// pattern ID. Replaying the same discovery ID always yields the same ID.
func PatternIDFor(discoveryID string) string {
	return uuid.NewSHA1(NamespacePattern, []byte("discovery:"+discoveryID)).String()
}
