/*
errors.go - Centralized error taxonomy for the lifecycle engine

PURPOSE:
  All caller-visible error types in one place. Every operation of the
  lifecycle service returns one of these; nothing is silently swallowed.
  The only exception is audit/notification dispatch, which is fire-and-forget
  and logged internally.

ERROR CATEGORIES:
  1. Validation errors   - Missing fields, blank reasons
  2. Business rejections - Period lock, duplicate primary, delete-request state
  3. Concurrency errors  - Serial races, stale-revision edits (retryable)
  4. Collaborator errors - Directory/catalog lookups failed

USAGE:
  Callers match with errors.Is/errors.As:

    if errors.Is(err, engine.ErrPeriodLocked) { ... }

    var dup *engine.DuplicatePrimaryError
    if errors.As(err, &dup) {
        // dup.SuggestedCategory tells the UI what to offer instead
    }
*/
package engine

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a record id does not resolve. Hard-deleted
	// records also surface as ErrNotFound.
	ErrNotFound = errors.New("allocation record not found")

	// ErrValidationFailed is returned for missing/invalid input fields,
	// including blank edit and delete reasons.
	ErrValidationFailed = errors.New("validation failed")

	// ErrPeriodLocked is returned when the record's month has closed or the
	// record carries an explicit lock.
	ErrPeriodLocked = errors.New("period locked")

	// ErrForbidden is returned when a non-admin actor operates on a record
	// they do not own, or a resource lacks a grant for the target location.
	ErrForbidden = errors.New("forbidden")

	// ErrDuplicatePrimaryRequest is returned when a primary entry already
	// exists for the external request identifier within the client's scope.
	ErrDuplicatePrimaryRequest = errors.New("duplicate primary request")

	// ErrDeleteAlreadyPending is returned when a record already has an active
	// delete request. One active request per record.
	ErrDeleteAlreadyPending = errors.New("delete request already pending")

	// ErrNoPendingDeleteRequest is returned when reviewing a record with no
	// pending delete request, including the loser of a two-reviewer race.
	ErrNoPendingDeleteRequest = errors.New("no pending delete request")

	// ErrConcurrencyConflict is returned on a serial-number race or a
	// stale-revision write. Retryable.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrCollaboratorUnavailable is returned when the resource directory or
	// master catalog cannot be reached. Fatal to the operation in flight.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry context a UI can render without a second trip
// =============================================================================

// ValidationError identifies which field failed and why.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// PeriodLockedError reports which date is locked and the boundary after
// which the month closed.
type PeriodLockedError struct {
	Date         time.Time
	LockBoundary time.Time // last instant of the month, business zone
	Explicit     bool      // true when the record carries an explicit lock
}

func (e *PeriodLockedError) Error() string {
	if e.Explicit {
		return fmt.Sprintf("record for %s is explicitly locked", e.Date.Format("2006-01-02"))
	}
	return fmt.Sprintf("period containing %s closed at %s",
		e.Date.Format("2006-01-02"), e.LockBoundary.Format(time.RFC3339))
}

func (e *PeriodLockedError) Unwrap() error { return ErrPeriodLocked }

// DuplicatePrimaryError reports the conflicting entry and a non-primary
// category the caller may use instead of rejecting outright.
type DuplicatePrimaryError struct {
	RequestID         string
	ConflictingID     RecordID
	SuggestedCategory string
}

func (e *DuplicatePrimaryError) Error() string {
	return fmt.Sprintf("primary entry already exists for request %q (record %s); suggested category %q",
		e.RequestID, e.ConflictingID, e.SuggestedCategory)
}

func (e *DuplicatePrimaryError) Unwrap() error { return ErrDuplicatePrimaryRequest }

// ConflictError wraps a store-level concurrency failure with what was raced.
type ConflictError struct {
	RecordID RecordID
	Op       string // "insert" or "update"
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s of record %s", e.Op, e.RecordID)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid or conflicting
// client input rather than an engine/store failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidationFailed) ||
		errors.Is(err, ErrPeriodLocked) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrDuplicatePrimaryRequest) ||
		errors.Is(err, ErrDeleteAlreadyPending) ||
		errors.Is(err, ErrNoPendingDeleteRequest)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
