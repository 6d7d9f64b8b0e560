package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// Input is one candidate to persist, keyed by its discovery ID.
type Input struct {
	// DiscoveryID is the externally supplied idempotency key.
	DiscoveryID string

	// Candidate is the aggregated pattern candidate.
	Candidate pattern.PatternCandidate

	// ResetStatus forces the new version back to CANDIDATE instead of
	// carrying the lineage's current status forward.
	ResetStatus bool
}

// Result reports what Store did with an input.
type Result struct {
	// Pattern is the row now current for the input, or the prior row when
	// the discovery ID was a replay.
	Pattern pattern.LearnedPattern

	// Created is false when the discovery ID had been stored before and
	// the call was an idempotent no-op.
	Created bool
}

// Store persists one candidate.
//
// Governance gate: confidence below the configured minimum is rejected with a
// ValidationError before any write. Replaying a known discovery ID returns
// the prior result without touching the database. Otherwise the insert and
// the is_current flip of the prior version run in one transaction, so no two
// versions of a lineage can simultaneously claim currency.
func (s *Store) Store(ctx context.Context, input Input) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "store.store")
	defer span.End()

	if input.DiscoveryID == "" {
		return nil, pattern.NewValidationError("missing discovery ID", pattern.ErrEmptyDiscoveryID)
	}
	cand := input.Candidate
	if cand.Domain == "" {
		return nil, pattern.NewValidationError("missing domain", pattern.ErrEmptyDomain)
	}
	if cand.SignatureHash == "" {
		return nil, pattern.NewValidationError("missing signature hash", nil)
	}
	if cand.Confidence < 0 || cand.Confidence > 1 {
		return nil, pattern.NewValidationError(
			fmt.Sprintf("confidence %v outside [0,1]", cand.Confidence), nil)
	}
	if cand.Confidence < s.config.MinConfidence {
		return nil, pattern.NewValidationError(
			fmt.Sprintf("confidence %.3f below governance minimum %.3f",
				cand.Confidence, s.config.MinConfidence), nil)
	}

	patternID := pattern.PatternIDFor(input.DiscoveryID)
	span.SetAttributes(
		attribute.String("pattern_id", patternID),
		attribute.String("domain", cand.Domain),
	)

	// Idempotency: check before insert, never a duplicate row.
	if prior, err := s.Get(ctx, patternID); err == nil {
		if s.replayCounter != nil {
			s.replayCounter.Add(ctx, 1)
		}
		s.logger.Debug("discovery replay, returning prior result",
			zap.String("pattern_id", patternID),
			zap.String("discovery_id", input.DiscoveryID),
		)
		return &Result{Pattern: *prior, Created: false}, nil
	} else if !pattern.IsNotFound(err) {
		span.RecordError(err)
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &pattern.TransientError{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()

	// Look up the lineage's current row inside the transaction.
	var prevID string
	var prevVersion int
	var prevStatus pattern.Status
	hasPrev := true
	err = tx.QueryRowContext(ctx,
		`SELECT pattern_id, version, status FROM learned_patterns
		 WHERE domain = ? AND signature_hash = ? AND is_current = 1`,
		cand.Domain, cand.SignatureHash,
	).Scan(&prevID, &prevVersion, &prevStatus)
	if errors.Is(err, sql.ErrNoRows) {
		hasPrev = false
	} else if err != nil {
		return nil, fmt.Errorf("lookup current version: %w", err)
	}

	now := time.Now().UTC()
	row := pattern.LearnedPattern{
		PatternID:       patternID,
		Domain:          cand.Domain,
		SignatureHash:   cand.SignatureHash,
		Signature:       cand.Signature,
		Version:         1,
		Status:          pattern.StatusCandidate,
		IsCurrent:       true,
		Confidence:      cand.Confidence,
		EvidenceCount:   cand.EvidenceCount,
		StatusChangedAt: now,
		CreatedAt:       now,
	}
	if hasPrev {
		row.Version = prevVersion + 1
		if !input.ResetStatus {
			row.Status = prevStatus
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE learned_patterns SET is_current = 0 WHERE pattern_id = ?`,
			prevID,
		); err != nil {
			return nil, fmt.Errorf("flip previous current: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO learned_patterns
		 (pattern_id, discovery_id, domain, signature, signature_hash, version,
		  status, is_current, confidence, evidence_count, status_changed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		row.PatternID, input.DiscoveryID, row.Domain, row.Signature,
		row.SignatureHash, row.Version, string(row.Status),
		row.Confidence, row.EvidenceCount,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, &pattern.TransientError{Op: "commit store", Err: err}
	}

	if s.storeCounter != nil {
		s.storeCounter.Add(ctx, 1)
	}
	s.logger.Info("stored pattern version",
		zap.String("pattern_id", row.PatternID),
		zap.String("domain", row.Domain),
		zap.Int("version", row.Version),
		zap.String("status", string(row.Status)),
		zap.Float64("confidence", row.Confidence),
	)
	return &Result{Pattern: row, Created: true}, nil
}

// Get retrieves one pattern row by ID.
func (s *Store) Get(ctx context.Context, patternID string) (*pattern.LearnedPattern, error) {
	if patternID == "" {
		return nil, pattern.NewValidationError("missing pattern ID", pattern.ErrEmptyPatternID)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT pattern_id, domain, signature, signature_hash, version, status,
		        is_current, confidence, evidence_count, status_changed_at, created_at
		 FROM learned_patterns WHERE pattern_id = ?`, patternID)

	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pattern.NotFoundError{PatternID: patternID}
	}
	if err != nil {
		return nil, fmt.Errorf("get pattern %s: %w", patternID, err)
	}
	return p, nil
}

// CurrentStatus returns the status of a pattern row. The reducer uses this
// for its optimistic check.
func (s *Store) CurrentStatus(ctx context.Context, patternID string) (pattern.Status, error) {
	p, err := s.Get(ctx, patternID)
	if err != nil {
		return "", err
	}
	return p.Status, nil
}

// ListByStatus returns current pattern rows holding the given status, oldest
// status change first, bounded by limit. Gates use the bound to cap
// worst-case scan latency.
func (s *Store) ListByStatus(ctx context.Context, status pattern.Status, limit int) ([]pattern.LearnedPattern, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT pattern_id, domain, signature, signature_hash, version, status,
		        is_current, confidence, evidence_count, status_changed_at, created_at
		 FROM learned_patterns
		 WHERE status = ? AND is_current = 1
		 ORDER BY status_changed_at ASC
		 LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	defer rows.Close()

	var out []pattern.LearnedPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ApplyStatus applies a reducer-authorized status change. It is invoked only
// by the apply-intent dispatcher, never directly by gates.
//
// The status write and the audit applied-mark commit in the same transaction.
// Replaying an intent whose audit row is already applied and whose pattern
// already holds the target status is a no-op.
func (s *Store) ApplyStatus(ctx context.Context, intent pattern.ApplyIntent) error {
	ctx, span := s.tracer.Start(ctx, "store.apply_status")
	defer span.End()
	span.SetAttributes(
		attribute.String("pattern_id", intent.PatternID),
		attribute.String("to_status", string(intent.ToStatus)),
	)

	if !intent.ToStatus.Valid() {
		return pattern.NewValidationError("unknown status "+string(intent.ToStatus), nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &pattern.TransientError{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()

	var current pattern.Status
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM learned_patterns WHERE pattern_id = ?`,
		intent.PatternID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return &pattern.NotFoundError{PatternID: intent.PatternID}
	}
	if err != nil {
		return fmt.Errorf("lookup pattern: %w", err)
	}

	var applied sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT applied_at FROM transition_audit WHERE transition_id = ?`,
		intent.TransitionID,
	).Scan(&applied)
	if errors.Is(err, sql.ErrNoRows) {
		return pattern.NewValidationError(
			"apply intent references unknown transition "+intent.TransitionID, nil)
	}
	if err != nil {
		return fmt.Errorf("lookup audit record: %w", err)
	}
	if applied.Valid && current == intent.ToStatus {
		s.logger.Debug("apply intent replay, already applied",
			zap.String("transition_id", intent.TransitionID))
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`UPDATE learned_patterns SET status = ?, status_changed_at = ?
		 WHERE pattern_id = ?`,
		string(intent.ToStatus), now, intent.PatternID,
	); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE transition_audit SET applied_at = ? WHERE transition_id = ?`,
		now, intent.TransitionID,
	); err != nil {
		return fmt.Errorf("mark audit applied: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return &pattern.TransientError{Op: "commit apply", Err: err}
	}

	if s.applyCounter != nil {
		s.applyCounter.Add(ctx, 1, metricAttr("to_status", string(intent.ToStatus)))
	}
	s.logger.Info("applied status change",
		zap.String("pattern_id", intent.PatternID),
		zap.String("from_status", string(current)),
		zap.String("to_status", string(intent.ToStatus)),
		zap.String("trigger", intent.Trigger),
	)
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(r rowScanner) (*pattern.LearnedPattern, error) {
	var p pattern.LearnedPattern
	var isCurrent int
	var statusChanged, created string
	if err := r.Scan(
		&p.PatternID, &p.Domain, &p.Signature, &p.SignatureHash, &p.Version,
		&p.Status, &isCurrent, &p.Confidence, &p.EvidenceCount,
		&statusChanged, &created,
	); err != nil {
		return nil, err
	}
	p.IsCurrent = isCurrent == 1
	p.StatusChangedAt, _ = time.Parse(time.RFC3339Nano, statusChanged)
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &p, nil
}
