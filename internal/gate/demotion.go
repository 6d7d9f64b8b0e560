package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

const demotionInstrumentationName = "github.com/fyrsmithlabs/patternd/internal/gate/demotion"

// liveStatuses are the statuses a manual disable can demote from.
var liveStatuses = []pattern.Status{
	pattern.StatusValidated,
	pattern.StatusProvisional,
	pattern.StatusCandidate,
}

// DemotionGate deprecates patterns on failure signals or manual disables.
//
// Manual disables demote from any live status immediately. Rule-based
// demotion applies only after the cooldown since the last status change, so
// a pattern promoted moments ago is not whipsawed back down by the tail of
// an old window.
type DemotionGate struct {
	// mu guards config, which the config watcher can swap at runtime.
	mu     sync.RWMutex
	config DemotionConfig

	store     MetricsStore
	submitter Submitter
	logger    *zap.Logger
	now       func() time.Time

	demoteCounter metric.Int64Counter
}

// NewDemotionGate creates the demotion gate. A nil logger falls back to a
// no-op logger.
func NewDemotionGate(cfg DemotionConfig, ms MetricsStore, submitter Submitter, logger *zap.Logger) (*DemotionGate, error) {
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
		cfg.WindowSize = DefaultDemotionConfig().WindowSize
	}

	g := &DemotionGate{
		config:    cfg,
		store:     ms,
		submitter: submitter,
		logger:    logger.Named("demotion-gate"),
		now:       time.Now,
	}

	var err error
	g.demoteCounter, err = otel.Meter(demotionInstrumentationName).Int64Counter(
		"patternd.gate.demotions_submitted_total",
		metric.WithDescription("Total demotion requests submitted"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		g.logger.Warn("failed to create demotion counter", zap.Error(err))
	}
	return g, nil
}

// UpdateConfig swaps the thresholds at runtime. A scan in flight finishes
// with the snapshot it started with.
func (g *DemotionGate) UpdateConfig(cfg DemotionConfig) {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultDemotionConfig().WindowSize
	}
	g.mu.Lock()
	g.config = cfg
	g.mu.Unlock()
}

func (g *DemotionGate) cfg() DemotionConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// Scan evaluates one bounded batch. Manual disables are applied first so an
// operator action always wins over a concurrent rule evaluation of the same
// pattern.
func (g *DemotionGate) Scan(ctx context.Context, limit int) (*ScanReport, error) {
	report := &ScanReport{}

	if err := g.scanDisables(ctx, limit, report); err != nil {
		return report, err
	}
	if err := g.scanRules(ctx, limit, report); err != nil {
		return report, err
	}
	return report, nil
}

// scanDisables demotes every live pattern carrying an active manual disable.
// No cooldown and no metrics check: the operator's decision is final.
func (g *DemotionGate) scanDisables(ctx context.Context, limit int, report *ScanReport) error {
	for _, status := range liveStatuses {
		patterns, err := g.store.ListByStatus(ctx, status, limit)
		if err != nil {
			return fmt.Errorf("list %s: %w", status, err)
		}
		for _, p := range patterns {
			report.Evaluated++

			d, err := g.store.ActiveDisable(ctx, p.PatternID)
			if err != nil {
				return fmt.Errorf("lookup disable for %s: %w", p.PatternID, err)
			}
			if d == nil {
				continue
			}

			g.submit(ctx, report, pattern.TransitionRequest{
				RequestID:  uuid.New().String(),
				PatternID:  p.PatternID,
				FromStatus: status,
				ToStatus:   pattern.StatusDeprecated,
				Trigger:    pattern.TriggerManualOverride,
				Actor:      d.Actor,
				Reason:     d.Reason,
			})
		}
	}
	return nil
}

// scanRules demotes VALIDATED and PROVISIONAL patterns on rolling-window
// failure signals, after the cooldown has elapsed.
func (g *DemotionGate) scanRules(ctx context.Context, limit int, report *ScanReport) error {
	for _, status := range []pattern.Status{pattern.StatusValidated, pattern.StatusProvisional} {
		patterns, err := g.store.ListByStatus(ctx, status, limit)
		if err != nil {
			return fmt.Errorf("list %s: %w", status, err)
		}
		cooldown := g.cfg().Cooldown
		for _, p := range patterns {
			report.Evaluated++

			if g.now().Sub(p.StatusChangedAt) < cooldown {
				continue
			}

			// Already handled by the disable pass this scan, or about to be
			// on the next one.
			d, err := g.store.ActiveDisable(ctx, p.PatternID)
			if err != nil {
				return fmt.Errorf("lookup disable for %s: %w", p.PatternID, err)
			}
			if d != nil {
				continue
			}

			metrics, err := g.store.RollingMetrics(ctx, p.PatternID, g.cfg().WindowSize)
			if err != nil {
				return fmt.Errorf("rolling metrics for %s: %w", p.PatternID, err)
			}
			reason, tripped := g.Tripped(metrics)
			if !tripped {
				continue
			}

			snapshot := metrics
			g.submit(ctx, report, pattern.TransitionRequest{
				RequestID:    uuid.New().String(),
				PatternID:    p.PatternID,
				FromStatus:   status,
				ToStatus:     pattern.StatusDeprecated,
				Trigger:      pattern.TriggerDemoteRollingWindow,
				Actor:        "demotion-gate",
				Reason:       reason,
				GateSnapshot: &snapshot,
			})
		}
	}
	return nil
}

// Tripped reports whether the rolling metrics trip a demotion rule and, if
// so, which one. A failure streak trips regardless of injection count; the
// low-success-rate rule needs the injection floor so sparse early windows
// cannot demote on their own.
func (g *DemotionGate) Tripped(m pattern.RollingMetrics) (string, bool) {
	cfg := g.cfg()
	if m.FailureStreak >= cfg.FailureStreak {
		return fmt.Sprintf("failure_streak=%d >= %d", m.FailureStreak, cfg.FailureStreak), true
	}
	if m.InjectionCount >= cfg.MinInjections && m.SuccessRate() < cfg.MaxSuccessRate {
		return fmt.Sprintf("success_rate=%.2f < %.2f over %d injections",
			m.SuccessRate(), cfg.MaxSuccessRate, m.InjectionCount), true
	}
	return "", false
}

func (g *DemotionGate) submit(ctx context.Context, report *ScanReport, req pattern.TransitionRequest) {
	_, err := g.submitter.Receive(ctx, req)
	switch {
	case err == nil:
		report.Submitted++
		if g.demoteCounter != nil {
			g.demoteCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("trigger", req.Trigger),
			))
		}
		g.logger.Info("demotion submitted",
			zap.String("pattern_id", req.PatternID),
			zap.String("trigger", req.Trigger),
			zap.String("reason", req.Reason),
		)
	case pattern.IsConflict(err):
		report.Conflicts++
		g.logger.Debug("demotion lost race, will re-evaluate",
			zap.String("pattern_id", req.PatternID),
			zap.Error(err),
		)
	default:
		g.logger.Warn("demotion submission failed",
			zap.String("pattern_id", req.PatternID),
			zap.Error(err),
		)
	}
}
