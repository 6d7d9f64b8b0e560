package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// Disable is one governance override row.
type Disable struct {
	PatternID string    `json:"pattern_id"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// SetManualDisable records a manual-disable override for a pattern. The
// demotion gate picks it up on its next scan; nothing here writes status.
func (s *Store) SetManualDisable(ctx context.Context, patternID, actor, reason string) error {
	if patternID == "" {
		return pattern.NewValidationError("missing pattern ID", pattern.ErrEmptyPatternID)
	}
	if actor == "" {
		return pattern.NewValidationError("missing actor", nil)
	}
	if _, err := s.Get(ctx, patternID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO manual_disables (pattern_id, actor, reason, active, created_at)
		 VALUES (?, ?, ?, 1, ?)`,
		patternID, actor, reason, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set manual disable: %w", err)
	}

	s.logger.Info("manual disable recorded",
		zap.String("pattern_id", patternID),
		zap.String("actor", actor),
	)
	return nil
}

// ClearManualDisable deactivates all disable rows for a pattern.
func (s *Store) ClearManualDisable(ctx context.Context, patternID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE manual_disables SET active = 0 WHERE pattern_id = ?`, patternID)
	if err != nil {
		return fmt.Errorf("clear manual disable: %w", err)
	}
	return nil
}

// ActiveDisable returns the most recent active disable for a pattern, or nil.
func (s *Store) ActiveDisable(ctx context.Context, patternID string) (*Disable, error) {
	var d Disable
	var active int
	var reason sql.NullString
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT pattern_id, actor, reason, active, created_at
		 FROM manual_disables
		 WHERE pattern_id = ? AND active = 1
		 ORDER BY id DESC LIMIT 1`, patternID,
	).Scan(&d.PatternID, &d.Actor, &reason, &active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup disable: %w", err)
	}
	d.Reason = reason.String
	d.Active = active == 1
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &d, nil
}

// HasActiveDisable reports whether a pattern has an active manual disable.
func (s *Store) HasActiveDisable(ctx context.Context, patternID string) (bool, error) {
	d, err := s.ActiveDisable(ctx, patternID)
	if err != nil {
		return false, err
	}
	return d != nil, nil
}
