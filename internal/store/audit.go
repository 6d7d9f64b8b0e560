package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// AppendAudit appends one transition audit record. The audit log is
// append-only and UNIQUE on request_id; this is the reducer's only write
// path into the store.
func (s *Store) AppendAudit(ctx context.Context, rec pattern.TransitionAuditRecord) error {
	if rec.RequestID == "" {
		return pattern.NewValidationError("missing request ID", pattern.ErrEmptyRequestID)
	}
	if rec.TransitionID == "" {
		return pattern.NewValidationError("missing transition ID", nil)
	}

	var snapshot sql.NullString
	if rec.GateSnapshot != nil {
		raw, err := json.Marshal(rec.GateSnapshot)
		if err != nil {
			return fmt.Errorf("marshal gate snapshot: %w", err)
		}
		snapshot = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transition_audit
		 (transition_id, request_id, pattern_id, from_status, to_status,
		  trigger_type, actor, reason, gate_snapshot, transitioned_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TransitionID, rec.RequestID, rec.PatternID,
		string(rec.FromStatus), string(rec.ToStatus),
		rec.Trigger, rec.Actor, rec.Reason, snapshot,
		rec.TransitionedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// AuditByRequestID retrieves the audit record for an idempotency key, or a
// NotFoundError when the request has never been accepted.
func (s *Store) AuditByRequestID(ctx context.Context, requestID string) (*pattern.TransitionAuditRecord, error) {
	if requestID == "" {
		return nil, pattern.NewValidationError("missing request ID", pattern.ErrEmptyRequestID)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT transition_id, request_id, pattern_id, from_status, to_status,
		        trigger_type, actor, reason, gate_snapshot, applied_at, transitioned_at
		 FROM transition_audit WHERE request_id = ?`, requestID)

	rec, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pattern.NotFoundError{PatternID: requestID}
	}
	if err != nil {
		return nil, fmt.Errorf("get audit by request: %w", err)
	}
	return rec, nil
}

// UnappliedTransition returns the most recent accepted-but-unapplied
// transition of a pattern, or nil when none is in flight. The reducer uses
// this to refuse a second transition while one is pending.
func (s *Store) UnappliedTransition(ctx context.Context, patternID string) (*pattern.TransitionAuditRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT transition_id, request_id, pattern_id, from_status, to_status,
		        trigger_type, actor, reason, gate_snapshot, applied_at, transitioned_at
		 FROM transition_audit
		 WHERE pattern_id = ? AND applied_at IS NULL
		 ORDER BY transitioned_at DESC LIMIT 1`, patternID)

	rec, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup pending transition: %w", err)
	}
	return rec, nil
}

// AuditTrail returns the transition history of a pattern, oldest first.
// DEPRECATED patterns stay queryable through this trail.
func (s *Store) AuditTrail(ctx context.Context, patternID string) ([]pattern.TransitionAuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT transition_id, request_id, pattern_id, from_status, to_status,
		        trigger_type, actor, reason, gate_snapshot, applied_at, transitioned_at
		 FROM transition_audit WHERE pattern_id = ?
		 ORDER BY transitioned_at ASC`, patternID)
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	defer rows.Close()

	var out []pattern.TransitionAuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanAudit(r rowScanner) (*pattern.TransitionAuditRecord, error) {
	var rec pattern.TransitionAuditRecord
	var reason, snapshot, applied sql.NullString
	var transitioned string
	if err := r.Scan(
		&rec.TransitionID, &rec.RequestID, &rec.PatternID,
		&rec.FromStatus, &rec.ToStatus, &rec.Trigger, &rec.Actor,
		&reason, &snapshot, &applied, &transitioned,
	); err != nil {
		return nil, err
	}
	rec.Reason = reason.String
	if snapshot.Valid {
		var m pattern.RollingMetrics
		if err := json.Unmarshal([]byte(snapshot.String), &m); err != nil {
			return nil, fmt.Errorf("unmarshal gate snapshot: %w", err)
		}
		rec.GateSnapshot = &m
	}
	if applied.Valid {
		if t, err := time.Parse(time.RFC3339Nano, applied.String); err == nil {
			rec.AppliedAt = &t
		}
	}
	rec.TransitionedAt, _ = time.Parse(time.RFC3339Nano, transitioned)
	return &rec, nil
}
