package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/aggregate"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

const consumerInstrumentationName = "github.com/fyrsmithlabs/patternd/internal/events/consumer"

// handleTimeout bounds the work done for a single inbound message.
const handleTimeout = 30 * time.Second

// Batcher deduplicates observation batches. Satisfied by
// *aggregate.Aggregator.
type Batcher interface {
	Aggregate(ctx context.Context, batch []pattern.Observation) (*aggregate.Result, error)
}

// WriteStore is the slice of the store the consumer writes through.
type WriteStore interface {
	Store(ctx context.Context, input store.Input) (*store.Result, error)
	RecordOutcome(ctx context.Context, out pattern.UsageOutcome) error
	SetManualDisable(ctx context.Context, patternID, actor, reason string) error
	ClearManualDisable(ctx context.Context, patternID string) error
}

// Consumer subscribes to the inbound subjects and turns messages into store
// writes. All patternd instances share one queue group, so each message is
// handled by exactly one instance.
type Consumer struct {
	conn    *nats.Conn
	batcher Batcher
	store   WriteStore
	pub     *Publisher
	logger  *zap.Logger

	subs []*nats.Subscription

	handledCounter metric.Int64Counter
	rejectCounter  metric.Int64Counter
}

// NewConsumer creates a consumer. Subscriptions start on Start.
func NewConsumer(conn *nats.Conn, batcher Batcher, ws WriteStore, pub *Publisher, logger *zap.Logger) (*Consumer, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if batcher == nil {
		return nil, errors.New("batcher is required")
	}
	if ws == nil {
		return nil, errors.New("write store is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Consumer{
		conn:    conn,
		batcher: batcher,
		store:   ws,
		pub:     pub,
		logger:  logger.Named("consumer"),
	}

	meter := otel.Meter(consumerInstrumentationName)
	var err error
	c.handledCounter, err = meter.Int64Counter(
		"patternd.events.handled_total",
		metric.WithDescription("Total inbound events handled"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		c.logger.Warn("failed to create handled counter", zap.Error(err))
	}
	c.rejectCounter, err = meter.Int64Counter(
		"patternd.events.rejected_total",
		metric.WithDescription("Total inbound events rejected as malformed or invalid"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		c.logger.Warn("failed to create reject counter", zap.Error(err))
	}
	return c, nil
}

// Start subscribes to the inbound subjects.
func (c *Consumer) Start() error {
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{SubjectDiscovered, c.handleDiscovered},
		{SubjectUsage, c.handleUsage},
		{SubjectDisable, c.handleDisable},
	}
	for _, h := range handlers {
		sub, err := c.conn.QueueSubscribe(h.subject, queueGroup, h.handler)
		if err != nil {
			c.stopSubs()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	c.logger.Info("consumer subscriptions started",
		zap.Int("subjects", len(c.subs)),
	)
	return nil
}

// Stop unsubscribes from all subjects. In-flight handlers finish on their
// own.
func (c *Consumer) Stop() {
	c.stopSubs()
	c.logger.Info("consumer subscriptions stopped")
}

func (c *Consumer) stopSubs() {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("unsubscribe failed",
				zap.String("subject", sub.Subject),
				zap.Error(err),
			)
		}
	}
	c.subs = nil
}

// handleDiscovered aggregates the batch and stores one candidate per
// cluster. Each candidate gets a discovery key derived from the event's
// discovery ID and the candidate's lineage, so replays of the same event
// are idempotent end to end.
func (c *Consumer) handleDiscovered(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	var ev DiscoveredEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		c.reject(ctx, msg.Subject, "malformed payload", err)
		return
	}
	if ev.DiscoveryID == "" {
		c.reject(ctx, msg.Subject, "missing discovery ID", pattern.ErrEmptyDiscoveryID)
		return
	}

	result, err := c.batcher.Aggregate(ctx, ev.Observations)
	if err != nil {
		if pattern.IsValidation(err) {
			c.reject(ctx, msg.Subject, "unusable batch", err)
			return
		}
		c.logger.Error("aggregation failed",
			zap.String("discovery_id", ev.DiscoveryID),
			zap.Error(err),
		)
		return
	}

	for _, cand := range result.Candidates {
		key := fmt.Sprintf("%s/%s/%s", ev.DiscoveryID, cand.Domain, cand.SignatureHash)
		res, err := c.store.Store(ctx, store.Input{DiscoveryID: key, Candidate: cand})
		if err != nil {
			if pattern.IsValidation(err) {
				// Governance gate: below-minimum confidence is a policy
				// rejection, not an error.
				c.logger.Info("candidate rejected by governance gate",
					zap.String("discovery_id", ev.DiscoveryID),
					zap.String("domain", cand.Domain),
					zap.Float64("confidence", cand.Confidence),
				)
				continue
			}
			c.logger.Error("store failed",
				zap.String("discovery_id", ev.DiscoveryID),
				zap.String("domain", cand.Domain),
				zap.Error(err),
			)
			continue
		}

		if err := c.pub.PublishStored(ctx, StoredEvent{
			DiscoveryID: ev.DiscoveryID,
			Pattern:     res.Pattern,
			Created:     res.Created,
		}); err != nil {
			c.logger.Error("stored publish failed",
				zap.String("pattern_id", res.Pattern.PatternID),
				zap.Error(err),
			)
		}
	}

	c.handled(ctx, msg.Subject)
	c.logger.Debug("discovery batch handled",
		zap.String("discovery_id", ev.DiscoveryID),
		zap.Int("observed", result.Observed),
		zap.Int("candidates", len(result.Candidates)),
	)
}

func (c *Consumer) handleUsage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	var ev UsageEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		c.reject(ctx, msg.Subject, "malformed payload", err)
		return
	}

	recordedAt := ev.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	err := c.store.RecordOutcome(ctx, pattern.UsageOutcome{
		PatternID:  ev.PatternID,
		Outcome:    pattern.Outcome(ev.Outcome),
		SessionID:  ev.SessionID,
		RecordedAt: recordedAt,
	})
	switch {
	case err == nil:
		c.handled(ctx, msg.Subject)
	case pattern.IsValidation(err) || pattern.IsNotFound(err):
		c.reject(ctx, msg.Subject, "invalid usage outcome", err)
	default:
		c.logger.Error("record outcome failed",
			zap.String("pattern_id", ev.PatternID),
			zap.Error(err),
		)
	}
}

func (c *Consumer) handleDisable(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	var ev DisableEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		c.reject(ctx, msg.Subject, "malformed payload", err)
		return
	}

	var err error
	if ev.Clear {
		err = c.store.ClearManualDisable(ctx, ev.PatternID)
	} else {
		err = c.store.SetManualDisable(ctx, ev.PatternID, ev.Actor, ev.Reason)
	}
	switch {
	case err == nil:
		c.handled(ctx, msg.Subject)
		c.logger.Info("disable command handled",
			zap.String("pattern_id", ev.PatternID),
			zap.String("actor", ev.Actor),
			zap.Bool("clear", ev.Clear),
		)
	case pattern.IsValidation(err) || pattern.IsNotFound(err):
		c.reject(ctx, msg.Subject, "invalid disable command", err)
	default:
		c.logger.Error("disable command failed",
			zap.String("pattern_id", ev.PatternID),
			zap.Error(err),
		)
	}
}

func (c *Consumer) handled(ctx context.Context, subject string) {
	if c.handledCounter != nil {
		c.handledCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("subject", subject),
		))
	}
}

func (c *Consumer) reject(ctx context.Context, subject, detail string, err error) {
	if c.rejectCounter != nil {
		c.rejectCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("subject", subject),
		))
	}
	c.logger.Warn("rejecting inbound event",
		zap.String("subject", subject),
		zap.String("detail", detail),
		zap.Error(err),
	)
}
