package events

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patternd/internal/aggregate"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/reducer"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

// startNATS runs an embedded server on a random port for the test.
func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "embedded NATS server did not start")
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

type fixture struct {
	conn     *nats.Conn
	store    *store.Store
	pub      *Publisher
	consumer *Consumer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := startNATS(t)

	s, err := store.Open(store.Config{
		Path:          filepath.Join(t.TempDir(), "patterns.db"),
		MinConfidence: 0.5,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	pub, err := NewPublisher(conn, nil)
	require.NoError(t, err)

	agg := aggregate.New(aggregate.DefaultConfig(), nil)
	consumer, err := NewConsumer(conn, agg, s, pub, nil)
	require.NoError(t, err)
	require.NoError(t, consumer.Start())
	t.Cleanup(consumer.Stop)

	return &fixture{conn: conn, store: s, pub: pub, consumer: consumer}
}

func (f *fixture) publishJSON(t *testing.T, subject string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, f.conn.Publish(subject, data))
	require.NoError(t, f.conn.Flush())
}

func (f *fixture) seedPattern(t *testing.T, confidence float64) string {
	t.Helper()
	res, err := f.store.Store(context.Background(), store.Input{
		DiscoveryID: uuid.New().String(),
		Candidate: pattern.PatternCandidate{
			Signature:     "backoff|retry",
			SignatureHash: uuid.New().String(),
			Domain:        "go",
			Confidence:    confidence,
			EvidenceCount: 2,
		},
	})
	require.NoError(t, err)
	return res.Pattern.PatternID
}

func TestConsumer_DiscoveredBatchStoresPatterns(t *testing.T) {
	f := newFixture(t)

	storedSub, err := f.conn.SubscribeSync(SubjectStored)
	require.NoError(t, err)

	f.publishJSON(t, SubjectDiscovered, DiscoveredEvent{
		DiscoveryID: "disc-001",
		Observations: []pattern.Observation{
			{Domain: "go", Identifiers: []string{"retry", "backoff", "attempt"}, Confidence: 0.9, EvidenceCount: 3},
			{Domain: "go", Identifiers: []string{"retry", "backoff", "attempt"}, Confidence: 0.8, EvidenceCount: 1},
			{Domain: "sql", Identifiers: []string{"upsert", "conflict"}, Confidence: 0.85, EvidenceCount: 2},
		},
	})

	// One candidate per domain, so two stored events.
	seen := map[string]StoredEvent{}
	for i := 0; i < 2; i++ {
		msg, err := storedSub.NextMsg(5 * time.Second)
		require.NoError(t, err)
		var ev StoredEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		seen[ev.Pattern.Domain] = ev
	}

	require.Contains(t, seen, "go")
	require.Contains(t, seen, "sql")
	assert.True(t, seen["go"].Created)
	assert.Equal(t, 4, seen["go"].Pattern.EvidenceCount)
	assert.Equal(t, pattern.StatusCandidate, seen["go"].Pattern.Status)

	candidates, err := f.store.ListByStatus(context.Background(), pattern.StatusCandidate, 10)
	require.NoError(t, err)
	assert.Len(t, candidates, 2)
}

func TestConsumer_DiscoveredReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)

	ev := DiscoveredEvent{
		DiscoveryID: "disc-replay",
		Observations: []pattern.Observation{
			{Domain: "go", Identifiers: []string{"mutex", "lock"}, Confidence: 0.9, EvidenceCount: 1},
		},
	}
	f.publishJSON(t, SubjectDiscovered, ev)
	f.publishJSON(t, SubjectDiscovered, ev)

	require.Eventually(t, func() bool {
		rows, err := f.store.ListByStatus(context.Background(), pattern.StatusCandidate, 10)
		return err == nil && len(rows) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Give the second message time to land, then confirm nothing new.
	time.Sleep(200 * time.Millisecond)
	rows, err := f.store.ListByStatus(context.Background(), pattern.StatusCandidate, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Version)
}

func TestConsumer_GovernanceGateRejectsLowConfidence(t *testing.T) {
	f := newFixture(t)

	f.publishJSON(t, SubjectDiscovered, DiscoveredEvent{
		DiscoveryID: "disc-low",
		Observations: []pattern.Observation{
			{Domain: "go", Identifiers: []string{"sketchy"}, Confidence: 0.2, EvidenceCount: 1},
		},
	})

	time.Sleep(300 * time.Millisecond)
	rows, err := f.store.ListByStatus(context.Background(), pattern.StatusCandidate, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestConsumer_UsageOutcomesRecorded(t *testing.T) {
	f := newFixture(t)
	id := f.seedPattern(t, 0.85)

	for _, outcome := range []string{"success", "success", "failure"} {
		f.publishJSON(t, SubjectUsage, UsageEvent{PatternID: id, Outcome: outcome})
	}

	require.Eventually(t, func() bool {
		m, err := f.store.RollingMetrics(context.Background(), id, 20)
		return err == nil && m.InjectionCount == 3
	}, 5*time.Second, 20*time.Millisecond)

	m, err := f.store.RollingMetrics(context.Background(), id, 20)
	require.NoError(t, err)
	assert.Equal(t, 2, m.SuccessCount)
	assert.Equal(t, 1, m.FailureCount)
}

func TestConsumer_DisableSetAndClear(t *testing.T) {
	f := newFixture(t)
	id := f.seedPattern(t, 0.85)

	f.publishJSON(t, SubjectDisable, DisableEvent{
		PatternID: id,
		Actor:     "ops@example.com",
		Reason:    "incident 4411",
	})
	require.Eventually(t, func() bool {
		d, err := f.store.ActiveDisable(context.Background(), id)
		return err == nil && d != nil
	}, 5*time.Second, 20*time.Millisecond)

	d, err := f.store.ActiveDisable(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", d.Actor)
	assert.Equal(t, "incident 4411", d.Reason)

	f.publishJSON(t, SubjectDisable, DisableEvent{PatternID: id, Actor: "ops@example.com", Clear: true})
	require.Eventually(t, func() bool {
		d, err := f.store.ActiveDisable(context.Background(), id)
		return err == nil && d == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDispatcher_PublishesLifecycleAfterApply(t *testing.T) {
	f := newFixture(t)
	id := f.seedPattern(t, 0.85)

	lifecycleSub, err := f.conn.SubscribeSync(SubjectLifecycle)
	require.NoError(t, err)
	promotedSub, err := f.conn.SubscribeSync(SubjectPromoted)
	require.NoError(t, err)

	dispatcher, err := NewDispatcher(f.store, f.pub, nil)
	require.NoError(t, err)
	red, err := reducer.New(f.store, dispatcher, nil)
	require.NoError(t, err)

	ctx := context.Background()
	decision, err := red.Receive(ctx, pattern.TransitionRequest{
		RequestID:  uuid.New().String(),
		PatternID:  id,
		FromStatus: pattern.StatusCandidate,
		ToStatus:   pattern.StatusProvisional,
		Trigger:    pattern.TriggerProvisionConfidence,
		Actor:      "promotion-gate",
	})
	require.NoError(t, err)

	// The status was applied before the lifecycle event went out.
	status, err := f.store.CurrentStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pattern.StatusProvisional, status)

	msg, err := lifecycleSub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var ev LifecycleEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, decision.TransitionID, ev.TransitionID)
	assert.Equal(t, id, ev.PatternID)
	assert.Equal(t, pattern.StatusProvisional, ev.Status)

	// No promoted notification for a provisional seed.
	_, err = promotedSub.NextMsg(300 * time.Millisecond)
	assert.Error(t, err)
}

func TestDispatcher_NotifiesOnPromotionAndDeprecation(t *testing.T) {
	f := newFixture(t)
	id := f.seedPattern(t, 0.85)

	promotedSub, err := f.conn.SubscribeSync(SubjectPromoted)
	require.NoError(t, err)
	deprecatedSub, err := f.conn.SubscribeSync(SubjectDeprecated)
	require.NoError(t, err)

	dispatcher, err := NewDispatcher(f.store, f.pub, nil)
	require.NoError(t, err)
	red, err := reducer.New(f.store, dispatcher, nil)
	require.NoError(t, err)

	ctx := context.Background()
	steps := []struct {
		from, to pattern.Status
		trigger  string
	}{
		{pattern.StatusCandidate, pattern.StatusProvisional, pattern.TriggerProvisionConfidence},
		{pattern.StatusProvisional, pattern.StatusValidated, pattern.TriggerPromoteRollingWindow},
		{pattern.StatusValidated, pattern.StatusDeprecated, pattern.TriggerDemoteRollingWindow},
	}
	for _, step := range steps {
		_, err := red.Receive(ctx, pattern.TransitionRequest{
			RequestID:  uuid.New().String(),
			PatternID:  id,
			FromStatus: step.from,
			ToStatus:   step.to,
			Trigger:    step.trigger,
			Actor:      "gate",
		})
		require.NoError(t, err)
	}

	msg, err := promotedSub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var promoted Notification
	require.NoError(t, json.Unmarshal(msg.Data, &promoted))
	assert.Equal(t, id, promoted.PatternID)
	assert.Equal(t, pattern.StatusValidated, promoted.Status)

	msg, err = deprecatedSub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var deprecated Notification
	require.NoError(t, json.Unmarshal(msg.Data, &deprecated))
	assert.Equal(t, id, deprecated.PatternID)
	assert.Equal(t, pattern.StatusDeprecated, deprecated.Status)
}
