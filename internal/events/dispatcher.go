package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// ApplyStore is the slice of the store the dispatcher writes through.
type ApplyStore interface {
	ApplyStatus(ctx context.Context, intent pattern.ApplyIntent) error
}

// Dispatcher applies reducer intents and publishes the results. It is the
// reducer's intent sink.
//
// Ordering invariant: the lifecycle event for a transition is published only
// after ApplyStatus commits. A failed lifecycle publish is logged, not
// rolled back; the audit log remains the source of truth and the feed is
// at-least-once, not exactly-once.
type Dispatcher struct {
	store  ApplyStore
	pub    *Publisher
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher. A nil logger falls back to a no-op
// logger.
func NewDispatcher(store ApplyStore, pub *Publisher, logger *zap.Logger) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("apply store is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: store, pub: pub, logger: logger.Named("dispatcher")}, nil
}

// Emit applies one intent and publishes the lifecycle event plus, for
// promotions and deprecations, the matching notification.
func (d *Dispatcher) Emit(ctx context.Context, intent pattern.ApplyIntent) error {
	if err := d.store.ApplyStatus(ctx, intent); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := d.pub.PublishLifecycle(ctx, LifecycleEvent{
		TransitionID: intent.TransitionID,
		PatternID:    intent.PatternID,
		Status:       intent.ToStatus,
		Trigger:      intent.Trigger,
		Reason:       intent.Reason,
		OccurredAt:   now,
	}); err != nil {
		d.logger.Error("lifecycle publish failed after apply",
			zap.String("transition_id", intent.TransitionID),
			zap.String("pattern_id", intent.PatternID),
			zap.Error(err),
		)
	}

	var subject string
	switch intent.ToStatus {
	case pattern.StatusValidated:
		subject = SubjectPromoted
	case pattern.StatusDeprecated:
		subject = SubjectDeprecated
	default:
		return nil
	}
	d.pub.Notify(ctx, subject, Notification{
		PatternID:  intent.PatternID,
		Status:     intent.ToStatus,
		Trigger:    intent.Trigger,
		OccurredAt: now,
	})
	return nil
}
