/*
store.go - Persistence interface for allocation records

PURPOSE:
  The record store is the only shared mutable resource in the engine. The
  engine holds no caches over it; every operation reads fresh state.

CONCURRENCY CONTRACT:
  - Insert MUST enforce uniqueness on (resource, day, sr_no) among
    non-deleted records and return ErrConcurrencyConflict on violation.
    The "read max, add one" serial computation is only a hint.
  - Update MUST be optimistic: the write succeeds only if the stored
    revision matches the record's revision, then bumps it. A stale write
    returns ErrConcurrencyConflict. This resolves both lost-update edits
    and two-reviewer delete races — exactly one writer wins.

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory (tests/dev)
  - store/sqlite:           SQLite with constraint-backed uniqueness
*/
package engine

import (
	"context"
	"time"
)

// RecordStore persists allocation records.
type RecordStore interface {
	// Insert persists a new record. Returns ErrConcurrencyConflict when the
	// (resource, day, sr_no) slot is already taken by a non-deleted record.
	Insert(ctx context.Context, rec *AllocationRecord) error

	// Get returns the record or ErrNotFound. Soft-deleted records are still
	// returned; hard-deleted ones are gone.
	Get(ctx context.Context, id RecordID) (*AllocationRecord, error)

	// Update overwrites the record iff the stored revision matches
	// rec.Revision, then increments the revision. Stale writes return
	// ErrConcurrencyConflict.
	Update(ctx context.Context, rec *AllocationRecord) error

	// Remove physically deletes the record (admin-approved hard delete).
	Remove(ctx context.Context, id RecordID) error

	// MaxSerial returns the highest sr_no among non-deleted records for the
	// resource within [start, end], or 0 if none exist.
	MaxSerial(ctx context.Context, resource ResourceID, start, end time.Time) (int, error)

	// FindPrimary returns the non-deleted record holding primary status for
	// requestID under the given scope, or nil. client is only consulted for
	// ScopeClient. exclude removes the record being edited from the search.
	FindPrimary(ctx context.Context, requestID, client string, scope DuplicateScope, primaryCategories []string, exclude RecordID) (*AllocationRecord, error)

	// ListByResourceDay returns non-deleted records for a resource within
	// [start, end], ordered by sr_no.
	ListByResourceDay(ctx context.Context, resource ResourceID, start, end time.Time) ([]*AllocationRecord, error)

	// ListByLocationMonth returns non-deleted records for a business key in
	// a month/year, for reporting.
	ListByLocationMonth(ctx context.Context, key string, month, year int) ([]*AllocationRecord, error)

	// ListPendingDeletes returns records whose delete sub-record is pending,
	// oldest request first. Backs the admin review queue.
	ListPendingDeletes(ctx context.Context) ([]*AllocationRecord, error)
}
