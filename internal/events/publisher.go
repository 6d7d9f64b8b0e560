package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

const publisherInstrumentationName = "github.com/fyrsmithlabs/patternd/internal/events/publisher"

// Publisher emits outbound pattern events over a NATS connection.
type Publisher struct {
	conn   *nats.Conn
	logger *zap.Logger

	publishCounter metric.Int64Counter
	dropCounter    metric.Int64Counter
}

// NewPublisher creates a publisher. A nil logger falls back to a no-op
// logger.
func NewPublisher(conn *nats.Conn, logger *zap.Logger) (*Publisher, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Publisher{
		conn:   conn,
		logger: logger.Named("publisher"),
	}

	meter := otel.Meter(publisherInstrumentationName)
	var err error
	p.publishCounter, err = meter.Int64Counter(
		"patternd.events.published_total",
		metric.WithDescription("Total events published"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		p.logger.Warn("failed to create publish counter", zap.Error(err))
	}
	p.dropCounter, err = meter.Int64Counter(
		"patternd.events.dropped_total",
		metric.WithDescription("Total best-effort events dropped on publish failure"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		p.logger.Warn("failed to create drop counter", zap.Error(err))
	}
	return p, nil
}

// PublishStored announces a stored pattern version. Broker failures come
// back as TransientError so the caller can retry the whole handling.
func (p *Publisher) PublishStored(ctx context.Context, ev StoredEvent) error {
	return p.publish(ctx, SubjectStored, ev)
}

// PublishLifecycle emits the canonical transition event. Callers must only
// invoke this after the transition is durable.
func (p *Publisher) PublishLifecycle(ctx context.Context, ev LifecycleEvent) error {
	return p.publish(ctx, SubjectLifecycle, ev)
}

// Notify emits a best-effort promoted or deprecated notification. Failures
// are counted and logged, never returned.
func (p *Publisher) Notify(ctx context.Context, subject string, n Notification) {
	if err := p.publish(ctx, subject, n); err != nil {
		if p.dropCounter != nil {
			p.dropCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("subject", subject),
			))
		}
		p.logger.Warn("dropped best-effort notification",
			zap.String("subject", subject),
			zap.String("pattern_id", n.PatternID),
			zap.Error(err),
		)
	}
}

func (p *Publisher) publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return &pattern.TransientError{Op: "publish " + subject, Err: err}
	}
	if p.publishCounter != nil {
		p.publishCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("subject", subject),
		))
	}
	return nil
}
