package gate

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

const promotionInstrumentationName = "github.com/fyrsmithlabs/patternd/internal/gate/promotion"

// PromotionGate promotes patterns on accumulated positive evidence.
//
// PROVISIONAL patterns with no active manual disable are promoted to
// VALIDATED when every rolling-window gate passes. CANDIDATE patterns whose
// aggregation confidence clears the provisional bar are seeded into
// PROVISIONAL so the rolling window can start accumulating.
type PromotionGate struct {
	// mu guards config, which the config watcher can swap at runtime.
	mu     sync.RWMutex
	config PromotionConfig

	store     MetricsStore
	submitter Submitter
	logger    *zap.Logger

	promoteCounter metric.Int64Counter
}

// NewPromotionGate creates the promotion gate. A nil logger falls back to a
// no-op logger.
func NewPromotionGate(cfg PromotionConfig, ms MetricsStore, submitter Submitter, logger *zap.Logger) (*PromotionGate, error) {
	if ms == nil {
		return nil, fmt.Errorf("metrics store is required")
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultPromotionConfig().WindowSize
	}

	g := &PromotionGate{
		config:    cfg,
		store:     ms,
		submitter: submitter,
		logger:    logger.Named("promotion-gate"),
	}

	var err error
	g.promoteCounter, err = otel.Meter(promotionInstrumentationName).Int64Counter(
		"patternd.gate.promotions_submitted_total",
		metric.WithDescription("Total promotion requests submitted"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		g.logger.Warn("failed to create promotion counter", zap.Error(err))
	}
	return g, nil
}

// UpdateConfig swaps the thresholds at runtime. A scan in flight finishes
// with the snapshot it started with.
func (g *PromotionGate) UpdateConfig(cfg PromotionConfig) {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultPromotionConfig().WindowSize
	}
	g.mu.Lock()
	g.config = cfg
	g.mu.Unlock()
}

func (g *PromotionGate) cfg() PromotionConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// Scan evaluates one bounded batch of candidates and provisional patterns.
// No eligible patterns is success with zero actions.
func (g *PromotionGate) Scan(ctx context.Context, limit int) (*ScanReport, error) {
	report := &ScanReport{}

	if err := g.scanCandidates(ctx, limit, report); err != nil {
		return report, err
	}
	if err := g.scanProvisional(ctx, limit, report); err != nil {
		return report, err
	}
	return report, nil
}

// scanCandidates seeds CANDIDATE -> PROVISIONAL on aggregation confidence.
func (g *PromotionGate) scanCandidates(ctx context.Context, limit int, report *ScanReport) error {
	candidates, err := g.store.ListByStatus(ctx, pattern.StatusCandidate, limit)
	if err != nil {
		return fmt.Errorf("list candidates: %w", err)
	}

	bar := g.cfg().ProvisionalConfidence
	for _, p := range candidates {
		report.Evaluated++
		if p.Confidence < bar {
			continue
		}
		if disabled, err := g.isDisabled(ctx, p.PatternID); err != nil {
			return err
		} else if disabled {
			continue
		}

		g.submit(ctx, report, pattern.TransitionRequest{
			RequestID:  uuid.New().String(),
			PatternID:  p.PatternID,
			FromStatus: pattern.StatusCandidate,
			ToStatus:   pattern.StatusProvisional,
			Trigger:    pattern.TriggerProvisionConfidence,
			Actor:      "promotion-gate",
			Reason: fmt.Sprintf("confidence %.3f >= provisional bar %.3f",
				p.Confidence, bar),
		})
	}
	return nil
}

// scanProvisional promotes PROVISIONAL -> VALIDATED when all gates pass.
func (g *PromotionGate) scanProvisional(ctx context.Context, limit int, report *ScanReport) error {
	provisional, err := g.store.ListByStatus(ctx, pattern.StatusProvisional, limit)
	if err != nil {
		return fmt.Errorf("list provisional: %w", err)
	}

	for _, p := range provisional {
		report.Evaluated++

		if disabled, err := g.isDisabled(ctx, p.PatternID); err != nil {
			return err
		} else if disabled {
			continue
		}

		metrics, err := g.store.RollingMetrics(ctx, p.PatternID, g.cfg().WindowSize)
		if err != nil {
			return fmt.Errorf("rolling metrics for %s: %w", p.PatternID, err)
		}
		if !g.Eligible(metrics) {
			continue
		}

		snapshot := metrics
		g.submit(ctx, report, pattern.TransitionRequest{
			RequestID:  uuid.New().String(),
			PatternID:  p.PatternID,
			FromStatus: pattern.StatusProvisional,
			ToStatus:   pattern.StatusValidated,
			Trigger:    pattern.TriggerPromoteRollingWindow,
			Actor:      "promotion-gate",
			Reason: fmt.Sprintf("injections=%d success_rate=%.2f failure_streak=%d",
				metrics.InjectionCount, metrics.SuccessRate(), metrics.FailureStreak),
			GateSnapshot: &snapshot,
		})
	}
	return nil
}

// Eligible reports whether the rolling metrics pass every promotion gate:
// injection floor, success-rate floor, and failure-streak cap. ALL must hold;
// a high success rate never compensates for thin evidence.
func (g *PromotionGate) Eligible(m pattern.RollingMetrics) bool {
	cfg := g.cfg()
	if m.InjectionCount < cfg.MinInjections {
		return false
	}
	if m.SuccessRate() < cfg.MinSuccessRate {
		return false
	}
	if m.FailureStreak >= cfg.MaxFailureStreak {
		return false
	}
	return true
}

func (g *PromotionGate) isDisabled(ctx context.Context, patternID string) (bool, error) {
	d, err := g.store.ActiveDisable(ctx, patternID)
	if err != nil {
		return false, fmt.Errorf("lookup disable for %s: %w", patternID, err)
	}
	return d != nil, nil
}

// submit sends one request to the reducer. A conflict means another writer
// got there first; the pattern is re-evaluated with fresh metrics on the
// next scan.
func (g *PromotionGate) submit(ctx context.Context, report *ScanReport, req pattern.TransitionRequest) {
	_, err := g.submitter.Receive(ctx, req)
	switch {
	case err == nil:
		report.Submitted++
		if g.promoteCounter != nil {
			g.promoteCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("trigger", req.Trigger),
			))
		}
		g.logger.Info("promotion submitted",
			zap.String("pattern_id", req.PatternID),
			zap.String("trigger", req.Trigger),
			zap.String("reason", req.Reason),
		)
	case pattern.IsConflict(err):
		report.Conflicts++
		g.logger.Debug("promotion lost race, will re-evaluate",
			zap.String("pattern_id", req.PatternID),
			zap.Error(err),
		)
	default:
		g.logger.Warn("promotion submission failed",
			zap.String("pattern_id", req.PatternID),
			zap.Error(err),
		)
	}
}
