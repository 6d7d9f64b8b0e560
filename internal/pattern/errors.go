package pattern

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	ErrEmptyBatch       = errors.New("observation batch has no valid items")
	ErrEmptyDiscoveryID = errors.New("discovery ID cannot be empty")
	ErrEmptyDomain      = errors.New("domain cannot be empty")
	ErrEmptyPatternID   = errors.New("pattern ID cannot be empty")
	ErrEmptyRequestID   = errors.New("request ID cannot be empty")
)

// ValidationError marks malformed or ungoverned input. Retrying without
// fixing the input will fail again.
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation: %s: %v", e.Msg, e.Err)
	}
	return "validation: " + e.Msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError wraps err as a validation failure.
func NewValidationError(msg string, err error) *ValidationError {
	return &ValidationError{Msg: msg, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConflictError marks an optimistic transition check failure that is not a
// recognized idempotent duplicate. The caller must re-read state before
// resubmitting.
type ConflictError struct {
	PatternID string
	Expected  Status
	Actual    Status

	// Pending is true when the conflict is an accepted-but-unapplied
	// transition already in flight for the pattern.
	Pending bool
}

func (e *ConflictError) Error() string {
	if e.Pending {
		return fmt.Sprintf("conflict: pattern %s has a pending transition to %s",
			e.PatternID, e.Actual)
	}
	return fmt.Sprintf("conflict: pattern %s is %s, request expected %s",
		e.PatternID, e.Actual, e.Expected)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// NotFoundError marks an operation against an unknown pattern ID.
type NotFoundError struct {
	PatternID string
}

func (e *NotFoundError) Error() string {
	return "pattern not found: " + e.PatternID
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

// TransientError marks infrastructure unavailability (database, event bus).
// Safe to retry with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
