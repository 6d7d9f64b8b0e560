package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// RecordOutcome appends one usage-outcome event to the append-only log.
// Outcomes for unknown pattern IDs are rejected with a NotFoundError so a
// misrouted event cannot seed phantom metrics.
func (s *Store) RecordOutcome(ctx context.Context, out pattern.UsageOutcome) error {
	if out.PatternID == "" {
		return pattern.NewValidationError("missing pattern ID", pattern.ErrEmptyPatternID)
	}
	if !out.Outcome.Valid() {
		return pattern.NewValidationError("unknown outcome "+string(out.Outcome), nil)
	}
	if _, err := s.Get(ctx, out.PatternID); err != nil {
		return err
	}

	recordedAt := out.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_outcomes (pattern_id, outcome, session_id, recorded_at)
		 VALUES (?, ?, ?, ?)`,
		out.PatternID, string(out.Outcome), out.SessionID,
		recordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// RollingMetrics computes the rolling-window metrics of a pattern from its
// most recent n usage outcomes. The metrics are derived on demand, never
// persisted.
//
// The failure streak counts consecutive failures back from the most recent
// event; neutral events (injections without a verdict) neither extend nor
// break the streak.
func (s *Store) RollingMetrics(ctx context.Context, patternID string, n int) (pattern.RollingMetrics, error) {
	if n <= 0 {
		n = 20
	}
	m := pattern.RollingMetrics{WindowSize: n}

	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome FROM usage_outcomes
		 WHERE pattern_id = ? ORDER BY id DESC LIMIT ?`, patternID, n)
	if err != nil {
		return m, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	streakOpen := true
	for rows.Next() {
		var out pattern.Outcome
		if err := rows.Scan(&out); err != nil {
			return m, fmt.Errorf("scan outcome: %w", err)
		}
		m.InjectionCount++
		switch out {
		case pattern.OutcomeSuccess:
			m.SuccessCount++
			streakOpen = false
		case pattern.OutcomeFailure:
			m.FailureCount++
			if streakOpen {
				m.FailureStreak++
			}
		}
	}
	return m, rows.Err()
}
