package reducer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

const instrumentationName = "github.com/fyrsmithlabs/patternd/internal/reducer"

// StatusStore is the slice of the store the reducer needs: reading current
// status, reading the audit log for idempotency, and appending to it.
type StatusStore interface {
	CurrentStatus(ctx context.Context, patternID string) (pattern.Status, error)
	AuditByRequestID(ctx context.Context, requestID string) (*pattern.TransitionAuditRecord, error)
	UnappliedTransition(ctx context.Context, patternID string) (*pattern.TransitionAuditRecord, error)
	AppendAudit(ctx context.Context, rec pattern.TransitionAuditRecord) error
}

// IntentSink receives the apply-intents the reducer emits. Implementations
// must be safe for concurrent use.
type IntentSink interface {
	Emit(ctx context.Context, intent pattern.ApplyIntent) error
}

// IntentSinkFunc adapts a function to IntentSink.
type IntentSinkFunc func(ctx context.Context, intent pattern.ApplyIntent) error

// Emit calls f.
func (f IntentSinkFunc) Emit(ctx context.Context, intent pattern.ApplyIntent) error {
	return f(ctx, intent)
}

// Decision reports how the reducer disposed of a request.
type Decision struct {
	// TransitionID identifies the audit record, for both fresh acceptances
	// and recognized duplicates.
	TransitionID string

	// Duplicate is true when the request matched a previously applied
	// request ID and no new intent was emitted.
	Duplicate bool
}

// Reducer validates transition requests against the lifecycle FSM.
type Reducer struct {
	store  StatusStore
	sink   IntentSink
	logger *zap.Logger

	// mu serializes Receive. Per-lineage mutation is funneled through this
	// one point, which is what makes the optimistic check race-free against
	// concurrent gate submissions.
	mu sync.Mutex

	tracer          trace.Tracer
	meter           metric.Meter
	acceptCounter   metric.Int64Counter
	conflictCounter metric.Int64Counter
}

// New creates a reducer. A nil logger falls back to a no-op logger.
func New(store StatusStore, sink IntentSink, logger *zap.Logger) (*Reducer, error) {
	if store == nil {
		return nil, errors.New("status store is required")
	}
	if sink == nil {
		return nil, errors.New("intent sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Reducer{
		store:  store,
		sink:   sink,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	r.initMetrics()
	return r, nil
}

// initMetrics initializes OpenTelemetry counters.
func (r *Reducer) initMetrics() {
	var err error

	r.acceptCounter, err = r.meter.Int64Counter(
		"patternd.reducer.transitions_accepted_total",
		metric.WithDescription("Total transition requests accepted"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		r.logger.Warn("failed to create accept counter", zap.Error(err))
	}

	r.conflictCounter, err = r.meter.Int64Counter(
		"patternd.reducer.conflicts_total",
		metric.WithDescription("Total transition requests rejected on conflict"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		r.logger.Warn("failed to create conflict counter", zap.Error(err))
	}
}

// Receive validates and disposes of one transition request.
//
// Order of checks:
//  1. Request shape and FSM validity for the request's trigger.
//  2. Optimistic check: stored status must equal the request's from-status.
//     On mismatch, a prior audit record with the same request ID and the
//     same to-status makes the call an idempotent duplicate (success,
//     no-op); anything else is a ConflictError.
//  3. Recovery: an accepted transition that never applied is re-dispatched
//     from its audit record before the request is decided.
//  4. On acceptance: append the audit record, then emit exactly one
//     apply-intent.
func (r *Reducer) Receive(ctx context.Context, req pattern.TransitionRequest) (*Decision, error) {
	ctx, span := r.tracer.Start(ctx, "reducer.receive")
	defer span.End()
	span.SetAttributes(
		attribute.String("pattern_id", req.PatternID),
		attribute.String("trigger", req.Trigger),
		attribute.String("from_status", string(req.FromStatus)),
		attribute.String("to_status", string(req.ToStatus)),
	)

	if err := validateRequest(req); err != nil {
		span.RecordError(err)
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.store.CurrentStatus(ctx, req.PatternID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if current != req.FromStatus {
		// A retried request whose transition already applied shows up here:
		// the stored status moved on, but the audit log remembers it.
		prior, auditErr := r.store.AuditByRequestID(ctx, req.RequestID)
		if auditErr == nil && prior.ToStatus == req.ToStatus {
			r.logger.Debug("duplicate transition request, treating as no-op",
				zap.String("request_id", req.RequestID),
				zap.String("transition_id", prior.TransitionID),
			)
			return &Decision{TransitionID: prior.TransitionID, Duplicate: true}, nil
		}
		if auditErr != nil && !pattern.IsNotFound(auditErr) {
			return nil, auditErr
		}

		if r.conflictCounter != nil {
			r.conflictCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("trigger", req.Trigger),
			))
		}
		conflict := &pattern.ConflictError{
			PatternID: req.PatternID,
			Expected:  req.FromStatus,
			Actual:    current,
		}
		span.RecordError(conflict)
		r.logger.Warn("transition request conflicts with current status",
			zap.String("pattern_id", req.PatternID),
			zap.String("expected", string(req.FromStatus)),
			zap.String("actual", string(current)),
			zap.String("trigger", req.Trigger),
		)
		return nil, conflict
	}

	// An accepted transition whose apply never landed means the process
	// crashed, or the dispatch failed, between the audit append and the
	// status apply. The audit record is durable, so re-derive its intent and
	// dispatch it again before deciding this request; ApplyStatus is
	// idempotent, so a half-completed dispatch is safe to replay. Without
	// this the pattern wedges: every later request, manual overrides
	// included, would bounce off the stale pending record forever.
	if pending, pendErr := r.store.UnappliedTransition(ctx, req.PatternID); pendErr != nil {
		return nil, pendErr
	} else if pending != nil {
		recovered := pattern.ApplyIntent{
			TransitionID: pending.TransitionID,
			PatternID:    pending.PatternID,
			ToStatus:     pending.ToStatus,
			Trigger:      pending.Trigger,
			Reason:       pending.Reason,
		}
		emitErr := r.sink.Emit(ctx, recovered)
		if emitErr != nil {
			span.RecordError(emitErr)
			r.logger.Warn("failed to re-dispatch unapplied transition",
				zap.String("pattern_id", req.PatternID),
				zap.String("transition_id", pending.TransitionID),
				zap.Error(emitErr),
			)
		} else {
			r.logger.Info("re-dispatched unapplied transition",
				zap.String("pattern_id", req.PatternID),
				zap.String("transition_id", pending.TransitionID),
				zap.String("to_status", string(pending.ToStatus)),
			)
		}

		if pending.RequestID == req.RequestID && pending.ToStatus == req.ToStatus {
			if emitErr != nil {
				return nil, fmt.Errorf("re-dispatch pending transition %s: %w",
					pending.TransitionID, emitErr)
			}
			return &Decision{TransitionID: pending.TransitionID, Duplicate: true}, nil
		}
		if r.conflictCounter != nil {
			r.conflictCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("trigger", req.Trigger),
			))
		}
		return nil, &pattern.ConflictError{
			PatternID: req.PatternID,
			Expected:  req.FromStatus,
			Actual:    pending.ToStatus,
			Pending:   emitErr != nil,
		}
	}

	// Same request ID resubmitted while the status still matches: return
	// the prior transition rather than double-appending.
	if prior, auditErr := r.store.AuditByRequestID(ctx, req.RequestID); auditErr == nil {
		if prior.ToStatus == req.ToStatus {
			return &Decision{TransitionID: prior.TransitionID, Duplicate: true}, nil
		}
		return nil, pattern.NewValidationError(
			fmt.Sprintf("request ID %s reused with different target status", req.RequestID), nil)
	} else if !pattern.IsNotFound(auditErr) {
		return nil, auditErr
	}

	rec := pattern.TransitionAuditRecord{
		TransitionID:   uuid.New().String(),
		RequestID:      req.RequestID,
		PatternID:      req.PatternID,
		FromStatus:     req.FromStatus,
		ToStatus:       req.ToStatus,
		Trigger:        req.Trigger,
		Actor:          req.Actor,
		Reason:         req.Reason,
		GateSnapshot:   req.GateSnapshot,
		TransitionedAt: time.Now().UTC(),
	}
	if err := r.store.AppendAudit(ctx, rec); err != nil {
		span.RecordError(err)
		return nil, err
	}

	intent := pattern.ApplyIntent{
		TransitionID: rec.TransitionID,
		PatternID:    rec.PatternID,
		ToStatus:     rec.ToStatus,
		Trigger:      rec.Trigger,
		Reason:       rec.Reason,
	}
	if err := r.sink.Emit(ctx, intent); err != nil {
		// The audit record is durable; the intent can be re-derived from
		// it. Surface the failure so the caller retries.
		span.RecordError(err)
		return nil, fmt.Errorf("emit apply intent: %w", err)
	}

	if r.acceptCounter != nil {
		r.acceptCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("trigger", req.Trigger),
			attribute.String("to_status", string(req.ToStatus)),
		))
	}
	r.logger.Info("transition accepted",
		zap.String("pattern_id", req.PatternID),
		zap.String("transition_id", rec.TransitionID),
		zap.String("from_status", string(req.FromStatus)),
		zap.String("to_status", string(req.ToStatus)),
		zap.String("trigger", req.Trigger),
		zap.String("actor", req.Actor),
	)
	return &Decision{TransitionID: rec.TransitionID}, nil
}

// validateRequest checks request shape and FSM validity. The trigger tag
// selects the rules: automatic triggers each permit exactly one edge, the
// manual override permits demotion from any live status.
func validateRequest(req pattern.TransitionRequest) error {
	if req.RequestID == "" {
		return pattern.NewValidationError("missing request ID", pattern.ErrEmptyRequestID)
	}
	if req.PatternID == "" {
		return pattern.NewValidationError("missing pattern ID", pattern.ErrEmptyPatternID)
	}
	if !req.FromStatus.Valid() || !req.ToStatus.Valid() {
		return pattern.NewValidationError(
			fmt.Sprintf("unknown status in transition %s -> %s", req.FromStatus, req.ToStatus), nil)
	}

	switch req.Trigger {
	case pattern.TriggerProvisionConfidence:
		if req.FromStatus != pattern.StatusCandidate || req.ToStatus != pattern.StatusProvisional {
			return invalidEdge(req)
		}
	case pattern.TriggerPromoteRollingWindow:
		if req.FromStatus != pattern.StatusProvisional || req.ToStatus != pattern.StatusValidated {
			return invalidEdge(req)
		}
	case pattern.TriggerDemoteRollingWindow:
		if req.ToStatus != pattern.StatusDeprecated {
			return invalidEdge(req)
		}
		if req.FromStatus != pattern.StatusValidated && req.FromStatus != pattern.StatusProvisional {
			return invalidEdge(req)
		}
	case pattern.TriggerManualOverride:
		if req.ToStatus != pattern.StatusDeprecated {
			return invalidEdge(req)
		}
		if req.FromStatus == pattern.StatusDeprecated {
			return invalidEdge(req)
		}
		if req.Actor == "" {
			return pattern.NewValidationError("manual override requires an actor", nil)
		}
	default:
		return pattern.NewValidationError("unknown trigger "+req.Trigger, nil)
	}
	return nil
}

func invalidEdge(req pattern.TransitionRequest) error {
	return pattern.NewValidationError(
		fmt.Sprintf("transition %s -> %s not permitted for trigger %s",
			req.FromStatus, req.ToStatus, req.Trigger), nil)
}
