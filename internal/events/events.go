package events

import (
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// Subjects. The patternd instances of a deployment share one queue group on
// the inbound subjects, so each message is handled once.
const (
	// SubjectDiscovered carries observation batches from discovery agents.
	SubjectDiscovered = "patterns.discovered"

	// SubjectUsage carries usage outcomes from injection sites.
	SubjectUsage = "patterns.usage"

	// SubjectDisable carries operator disable and re-enable commands.
	SubjectDisable = "patterns.disable"

	// SubjectStored announces stored pattern versions.
	SubjectStored = "patterns.stored"

	// SubjectLifecycle is the canonical transition feed, published only
	// after the transition is durable. At-least-once; dedupe on
	// transition_id.
	SubjectLifecycle = "patterns.lifecycle"

	// SubjectPromoted and SubjectDeprecated are best-effort notifications
	// for cache invalidation. Losing one is acceptable.
	SubjectPromoted   = "patterns.promoted"
	SubjectDeprecated = "patterns.deprecated"

	// queueGroup load-balances inbound subjects across instances.
	queueGroup = "patternd"
)

// DiscoveredEvent is one observation batch from a discovery agent. The
// discovery ID is the batch's idempotency key; replaying the same event
// produces no new pattern versions.
type DiscoveredEvent struct {
	DiscoveryID  string                `json:"discovery_id"`
	Observations []pattern.Observation `json:"observations"`
}

// UsageEvent is one usage outcome report.
type UsageEvent struct {
	PatternID  string    `json:"pattern_id"`
	Outcome    string    `json:"outcome"`
	SessionID  string    `json:"session_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at,omitempty"`
}

// DisableEvent is an operator command. Clear false sets a disable, Clear
// true lifts it.
type DisableEvent struct {
	PatternID string `json:"pattern_id"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason,omitempty"`
	Clear     bool   `json:"clear,omitempty"`
}

// StoredEvent announces that a pattern version became current.
type StoredEvent struct {
	DiscoveryID string                 `json:"discovery_id"`
	Pattern     pattern.LearnedPattern `json:"pattern"`
	Created     bool                   `json:"created"`
}

// LifecycleEvent announces one applied status transition.
type LifecycleEvent struct {
	TransitionID string         `json:"transition_id"`
	PatternID    string         `json:"pattern_id"`
	Status       pattern.Status `json:"status"`
	Trigger      string         `json:"trigger"`
	Reason       string         `json:"reason,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// Notification is the slim promoted/deprecated payload.
type Notification struct {
	PatternID  string         `json:"pattern_id"`
	Status     pattern.Status `json:"status"`
	Trigger    string         `json:"trigger"`
	OccurredAt time.Time      `json:"occurred_at"`
}
