package gate

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/reducer"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

// Submitter accepts transition requests. Satisfied by *reducer.Reducer.
type Submitter interface {
	Receive(ctx context.Context, req pattern.TransitionRequest) (*reducer.Decision, error)
}

// MetricsStore is the slice of the store the gates read. Gates never write
// through it.
type MetricsStore interface {
	ListByStatus(ctx context.Context, status pattern.Status, limit int) ([]pattern.LearnedPattern, error)
	RollingMetrics(ctx context.Context, patternID string, n int) (pattern.RollingMetrics, error)
	ActiveDisable(ctx context.Context, patternID string) (*store.Disable, error)
}

// PromotionConfig holds the promotion thresholds. All gates must pass.
type PromotionConfig struct {
	// WindowSize is the rolling window N (default 20).
	WindowSize int

	// MinInjections is the evidence floor within the window (default 5).
	MinInjections int

	// MinSuccessRate is the success/(success+failure) floor (default 0.60).
	MinSuccessRate float64

	// MaxFailureStreak blocks promotion at this streak or above (default 3).
	MaxFailureStreak int

	// ProvisionalConfidence is the confidence bar for seeding
	// CANDIDATE -> PROVISIONAL (default 0.7).
	ProvisionalConfidence float64
}

// DefaultPromotionConfig returns the default promotion thresholds.
func DefaultPromotionConfig() PromotionConfig {
	return PromotionConfig{
		WindowSize:            20,
		MinInjections:         5,
		MinSuccessRate:        0.60,
		MaxFailureStreak:      3,
		ProvisionalConfidence: 0.7,
	}
}

// DemotionConfig holds the demotion thresholds. Any one trigger suffices.
type DemotionConfig struct {
	// WindowSize is the rolling window N (default 20).
	WindowSize int

	// FailureStreak demotes at this many consecutive failures (default 5).
	FailureStreak int

	// MaxSuccessRate demotes below this rate (default 0.40) provided the
	// injection floor is met.
	MaxSuccessRate float64

	// MinInjections is the evidence floor for the success-rate trigger
	// (default 10, stricter than promotion's floor).
	MinInjections int

	// Cooldown is how long a pattern must have held VALIDATED before
	// rule-based demotion applies (default 24h). Manual overrides bypass it.
	Cooldown time.Duration
}

// DefaultDemotionConfig returns the default demotion thresholds.
func DefaultDemotionConfig() DemotionConfig {
	return DemotionConfig{
		WindowSize:     20,
		FailureStreak:  5,
		MaxSuccessRate: 0.40,
		MinInjections:  10,
		Cooldown:       24 * time.Hour,
	}
}

// ScanReport summarizes one gate scan.
type ScanReport struct {
	// Evaluated is how many patterns the scan looked at.
	Evaluated int

	// Submitted is how many transition requests were accepted.
	Submitted int

	// Conflicts counts submissions that lost a race and will re-evaluate
	// next scan.
	Conflicts int
}
