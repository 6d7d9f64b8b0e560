package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:          filepath.Join(t.TempDir(), "patterns.db"),
		MinConfidence: 0.5,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testInput(discoveryID string) Input {
	return Input{
		DiscoveryID: discoveryID,
		Candidate: pattern.PatternCandidate{
			Signature:     "backoff|jitter|retry",
			SignatureHash: "a1b2c3",
			Domain:        "go",
			Confidence:    0.85,
			EvidenceCount: 3,
		},
	}
}

func TestStore_FirstVersionIsCandidate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Store(ctx, testInput("disc-1"))
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.Equal(t, 1, res.Pattern.Version)
	assert.Equal(t, pattern.StatusCandidate, res.Pattern.Status)
	assert.True(t, res.Pattern.IsCurrent)
	assert.InDelta(t, 0.85, res.Pattern.Confidence, 0.001)
}

func TestStore_GovernanceRejectsLowConfidence(t *testing.T) {
	s := newTestStore(t)

	input := testInput("disc-low")
	input.Candidate.Confidence = 0.4

	_, err := s.Store(context.Background(), input)
	require.Error(t, err)
	assert.True(t, pattern.IsValidation(err))

	// Rejected before any write: the pattern must not exist.
	_, err = s.Get(context.Background(), pattern.PatternIDFor("disc-low"))
	assert.True(t, pattern.IsNotFound(err))
}

func TestStore_DiscoveryReplayIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Store(ctx, testInput("disc-replay"))
	require.NoError(t, err)

	second, err := s.Store(ctx, testInput("disc-replay"))
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Pattern.PatternID, second.Pattern.PatternID)
	assert.Equal(t, first.Pattern.Version, second.Pattern.Version)

	// No second row for the lineage.
	patterns, err := s.ListByStatus(ctx, pattern.StatusCandidate, 10)
	require.NoError(t, err)
	assert.Len(t, patterns, 1)
}

func TestStore_NewVersionFlipsCurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1, err := s.Store(ctx, testInput("disc-v1"))
	require.NoError(t, err)

	// Same lineage, new discovery: version 2 takes over currency.
	v2in := testInput("disc-v2")
	v2in.Candidate.Confidence = 0.9
	v2, err := s.Store(ctx, v2in)
	require.NoError(t, err)

	assert.Equal(t, 2, v2.Pattern.Version)
	assert.True(t, v2.Pattern.IsCurrent)

	prior, err := s.Get(ctx, v1.Pattern.PatternID)
	require.NoError(t, err)
	assert.False(t, prior.IsCurrent)

	// Exactly one current row for the lineage.
	current, err := s.ListByStatus(ctx, pattern.StatusCandidate, 10)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, v2.Pattern.PatternID, current[0].PatternID)
}

func TestStore_NewVersionCarriesStatusForward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1, err := s.Store(ctx, testInput("disc-cf-1"))
	require.NoError(t, err)

	applyTransition(t, s, v1.Pattern.PatternID, pattern.StatusCandidate, pattern.StatusProvisional)

	v2, err := s.Store(ctx, testInput("disc-cf-2"))
	require.NoError(t, err)
	assert.Equal(t, pattern.StatusProvisional, v2.Pattern.Status)

	// ResetStatus forces the lineage back to CANDIDATE.
	v3in := testInput("disc-cf-3")
	v3in.ResetStatus = true
	v3, err := s.Store(ctx, v3in)
	require.NoError(t, err)
	assert.Equal(t, pattern.StatusCandidate, v3.Pattern.Status)
	assert.Equal(t, 3, v3.Pattern.Version)
}

// applyTransition drives the audit-then-apply sequence the reducer and
// dispatcher normally perform.
func applyTransition(t *testing.T, s *Store, patternID string, from, to pattern.Status) string {
	t.Helper()
	transitionID := uuid.New().String()
	err := s.AppendAudit(context.Background(), pattern.TransitionAuditRecord{
		TransitionID:   transitionID,
		RequestID:      uuid.New().String(),
		PatternID:      patternID,
		FromStatus:     from,
		ToStatus:       to,
		Trigger:        pattern.TriggerPromoteRollingWindow,
		Actor:          "test",
		TransitionedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, s.ApplyStatus(context.Background(), pattern.ApplyIntent{
		TransitionID: transitionID,
		PatternID:    patternID,
		ToStatus:     to,
	}))
	return transitionID
}

func TestApplyStatus_UpdatesPatternAndMarksAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Store(ctx, testInput("disc-apply"))
	require.NoError(t, err)
	id := res.Pattern.PatternID

	transitionID := applyTransition(t, s, id, pattern.StatusCandidate, pattern.StatusProvisional)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pattern.StatusProvisional, got.Status)

	trail, err := s.AuditTrail(ctx, id)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, transitionID, trail[0].TransitionID)
	require.NotNil(t, trail[0].AppliedAt)
}

func TestApplyStatus_ReplayIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Store(ctx, testInput("disc-apply-replay"))
	require.NoError(t, err)
	id := res.Pattern.PatternID

	transitionID := applyTransition(t, s, id, pattern.StatusCandidate, pattern.StatusProvisional)

	// Re-delivering the same intent must not error or change anything.
	err = s.ApplyStatus(ctx, pattern.ApplyIntent{
		TransitionID: transitionID,
		PatternID:    id,
		ToStatus:     pattern.StatusProvisional,
	})
	require.NoError(t, err)
}

func TestApplyStatus_UnknownPattern(t *testing.T) {
	s := newTestStore(t)

	err := s.ApplyStatus(context.Background(), pattern.ApplyIntent{
		TransitionID: uuid.New().String(),
		PatternID:    uuid.New().String(),
		ToStatus:     pattern.StatusProvisional,
	})
	assert.True(t, pattern.IsNotFound(err))
}

func TestAppendAudit_DuplicateRequestIDRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Store(ctx, testInput("disc-dup-req"))
	require.NoError(t, err)

	rec := pattern.TransitionAuditRecord{
		TransitionID:   uuid.New().String(),
		RequestID:      "req-1",
		PatternID:      res.Pattern.PatternID,
		FromStatus:     pattern.StatusCandidate,
		ToStatus:       pattern.StatusProvisional,
		Trigger:        pattern.TriggerProvisionConfidence,
		Actor:          "test",
		TransitionedAt: time.Now().UTC(),
	}
	require.NoError(t, s.AppendAudit(ctx, rec))

	rec.TransitionID = uuid.New().String()
	assert.Error(t, s.AppendAudit(ctx, rec))
}

func TestRollingMetrics_WindowAndStreak(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Store(ctx, testInput("disc-metrics"))
	require.NoError(t, err)
	id := res.Pattern.PatternID

	record := func(o pattern.Outcome) {
		require.NoError(t, s.RecordOutcome(ctx, pattern.UsageOutcome{
			PatternID: id,
			Outcome:   o,
		}))
	}

	// Oldest to newest: S S F N F F
	record(pattern.OutcomeSuccess)
	record(pattern.OutcomeSuccess)
	record(pattern.OutcomeFailure)
	record(pattern.OutcomeNeutral)
	record(pattern.OutcomeFailure)
	record(pattern.OutcomeFailure)

	m, err := s.RollingMetrics(ctx, id, 20)
	require.NoError(t, err)

	assert.Equal(t, 6, m.InjectionCount)
	assert.Equal(t, 2, m.SuccessCount)
	assert.Equal(t, 3, m.FailureCount)
	// Streak counts back from newest: F F, then neutral is skipped, then F.
	assert.Equal(t, 3, m.FailureStreak)
	assert.InDelta(t, 0.4, m.SuccessRate(), 0.001)
}

func TestRollingMetrics_WindowBound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Store(ctx, testInput("disc-window"))
	require.NoError(t, err)
	id := res.Pattern.PatternID

	// 25 successes then 3 failures; a window of 20 sees only the tail.
	for i := 0; i < 25; i++ {
		require.NoError(t, s.RecordOutcome(ctx, pattern.UsageOutcome{
			PatternID: id, Outcome: pattern.OutcomeSuccess,
		}))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordOutcome(ctx, pattern.UsageOutcome{
			PatternID: id, Outcome: pattern.OutcomeFailure,
		}))
	}

	m, err := s.RollingMetrics(ctx, id, 20)
	require.NoError(t, err)
	assert.Equal(t, 20, m.InjectionCount)
	assert.Equal(t, 17, m.SuccessCount)
	assert.Equal(t, 3, m.FailureCount)
	assert.Equal(t, 3, m.FailureStreak)
}

func TestRecordOutcome_UnknownPattern(t *testing.T) {
	s := newTestStore(t)

	err := s.RecordOutcome(context.Background(), pattern.UsageOutcome{
		PatternID: uuid.New().String(),
		Outcome:   pattern.OutcomeSuccess,
	})
	assert.True(t, pattern.IsNotFound(err))
}

func TestManualDisable_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Store(ctx, testInput("disc-disable"))
	require.NoError(t, err)
	id := res.Pattern.PatternID

	has, err := s.HasActiveDisable(ctx, id)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.SetManualDisable(ctx, id, "admin", "observed regression"))

	d, err := s.ActiveDisable(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "admin", d.Actor)

	require.NoError(t, s.ClearManualDisable(ctx, id))
	has, err = s.HasActiveDisable(ctx, id)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestListByStatus_BoundsScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		in := testInput("disc-list-" + string(rune('a'+i)))
		in.Candidate.SignatureHash = "hash-" + string(rune('a'+i))
		_, err := s.Store(ctx, in)
		require.NoError(t, err)
	}

	patterns, err := s.ListByStatus(ctx, pattern.StatusCandidate, 3)
	require.NoError(t, err)
	assert.Len(t, patterns, 3)
}
