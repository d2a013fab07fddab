/*
record.go - The AllocationRecord entity

PURPOSE:
  One logged unit of case-processing work. The record owns:
  - Billing computation from a rate frozen at creation
  - The append-only edit-history trail
  - The delete-request sub-record state machine

FROZEN RATE:
  RateAtLogging is written exactly once, at creation, and is the rate used
  for every billing-amount recalculation afterwards — even if the master
  catalog changes. This keeps edits auditable against the original terms.

EDIT DIFFING:
  Edits arrive as an EditFields struct with one pointer per editable field.
  Nil means "leave unchanged". The diff step compares each set pointer
  against the current value and records {field, old, new} tuples. An empty
  diff is an idempotent no-op: no history entry, no revision bump, no
  timestamps touched.

DELETE SUB-RECORD:
  none → pending → {approved-soft, approved-hard, rejected}
  At most one active (pending) request per record. Approved-hard removes
  the record physically and is terminal.

SEE ALSO:
  - service.go: Enforces lock/ownership rules around these mutations
  - policy.go: Per-client billing mode feeding ComputeBillingAmount
*/
package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EDIT HISTORY
// =============================================================================

// FieldChange is one {field, old, new} tuple inside an edit entry.
type FieldChange struct {
	Field    string
	OldValue string
	NewValue string
}

// EditEntry is one append-only audit entry. Entries are never mutated or
// reordered once appended.
type EditEntry struct {
	At        time.Time
	ActorID   string
	ActorName string
	ActorRole ActorRole
	Reason    string
	Notes     string
	Changes   []FieldChange
}

// =============================================================================
// DELETE SUB-RECORD
// =============================================================================

type DeleteRequestStatus string

const (
	DeletePending  DeleteRequestStatus = "pending"
	DeleteApproved DeleteRequestStatus = "approved"
	DeleteRejected DeleteRequestStatus = "rejected"
)

type DeleteType string

const (
	DeleteSoft DeleteType = "soft"
	DeleteHard DeleteType = "hard"
)

// DeleteRequest is the in-flight (or most recently resolved) delete
// approval attached to a record. Reviewer metadata is stamped on every
// outcome, including rejection, for history.
type DeleteRequest struct {
	Status      DeleteRequestStatus
	Reason      string
	RequestedBy string
	RequestedAt time.Time

	Type            DeleteType // set when approved
	ReviewedBy      string
	ReviewerComment string
	ReviewedAt      time.Time
}

// =============================================================================
// ALLOCATION RECORD
// =============================================================================

type AllocationRecord struct {
	ID RecordID

	// Serial: per-resource, per-day sequence starting at 1 among non-deleted
	// entries. Unique within (resource, day); the store constraint is the
	// source of truth under concurrency.
	ResourceID ResourceID
	SrNo       int

	// Temporal
	AllocationDate   time.Time // business date the work covers
	LoggedDate       time.Time // defaults to AllocationDate
	SystemCapturedAt time.Time // wall-clock submission instant
	Day              int
	Month            int
	Year             int

	// Classification
	Client        string
	Project       string
	LocationID    LocationID
	LocationName  string
	SubprojectKey string // immutable once set

	// Business fields
	RequestID     string // external dedup key
	Category      string // request type; client-specific enumeration
	SubCategory   string // requestor/process sub-type
	Remark        string
	Facility      string
	Count         int // unit multiplier, default 1

	// Billing
	BillingRate   decimal.Decimal
	BillingAmount decimal.Decimal
	RateAtLogging decimal.Decimal // frozen snapshot; set once at creation

	// Lateness (computed once at creation)
	IsLateLog bool
	DaysLate  int

	// Lock override, independent from the dynamic month-closed check.
	IsLocked bool

	// Soft delete
	IsDeleted bool
	DeletedAt time.Time
	DeletedBy string

	// Delete approval flow
	HasPendingDeleteRequest bool
	DeleteRequest           *DeleteRequest

	// Edit trail
	EditHistory  []EditEntry
	EditCount    int
	LastEditedAt time.Time

	// Optimistic concurrency: bumped by the store on every committed update.
	Revision int64

	CreatedAt time.Time
}

// ComputeBillingAmount derives the amount from a rate and count under the
// client's billing mode.
func ComputeBillingAmount(rate decimal.Decimal, count int, mode BillingMode) decimal.Decimal {
	if mode == BillFlatEntry {
		return rate
	}
	if count <= 0 {
		count = 1
	}
	return rate.Mul(decimal.NewFromInt(int64(count)))
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate persisted state in place.
func (r *AllocationRecord) Clone() *AllocationRecord {
	cp := *r
	if r.DeleteRequest != nil {
		dr := *r.DeleteRequest
		cp.DeleteRequest = &dr
	}
	cp.EditHistory = make([]EditEntry, len(r.EditHistory))
	copy(cp.EditHistory, r.EditHistory)
	for i := range cp.EditHistory {
		changes := make([]FieldChange, len(r.EditHistory[i].Changes))
		copy(changes, r.EditHistory[i].Changes)
		cp.EditHistory[i].Changes = changes
	}
	return &cp
}

// =============================================================================
// EDITABLE FIELDS - explicit enumeration, no reflection
// =============================================================================

// EditFields carries the editable business fields. Nil pointers are left
// unchanged; set pointers are diffed against current values.
type EditFields struct {
	RequestID   *string
	Category    *string
	SubCategory *string
	Remark      *string
	Facility    *string
	Count       *int
	LoggedDate  *time.Time
}

// Diff compares the requested updates against the record and returns the
// changes that would apply. Fields equal to their current value produce no
// change tuple.
func (f EditFields) Diff(r *AllocationRecord, tp *TemporalPolicy) []FieldChange {
	var changes []FieldChange
	str := func(field, old, new string) {
		if old != new {
			changes = append(changes, FieldChange{Field: field, OldValue: old, NewValue: new})
		}
	}
	if f.RequestID != nil {
		str("request_id", r.RequestID, *f.RequestID)
	}
	if f.Category != nil {
		str("category", r.Category, *f.Category)
	}
	if f.SubCategory != nil {
		str("sub_category", r.SubCategory, *f.SubCategory)
	}
	if f.Remark != nil {
		str("remark", r.Remark, *f.Remark)
	}
	if f.Facility != nil {
		str("facility", r.Facility, *f.Facility)
	}
	if f.Count != nil && *f.Count != r.Count {
		changes = append(changes, FieldChange{
			Field:    "count",
			OldValue: fmt.Sprintf("%d", r.Count),
			NewValue: fmt.Sprintf("%d", *f.Count),
		})
	}
	if f.LoggedDate != nil {
		old := tp.DateOnly(r.LoggedDate)
		new := tp.DateOnly(*f.LoggedDate)
		if !old.Equal(new) {
			changes = append(changes, FieldChange{
				Field:    "logged_date",
				OldValue: old.Format("2006-01-02"),
				NewValue: new.Format("2006-01-02"),
			})
		}
	}
	return changes
}

// Apply writes the set fields onto the record. Callers must have diffed
// first; Apply itself does not touch history or billing.
func (f EditFields) Apply(r *AllocationRecord, tp *TemporalPolicy) {
	if f.RequestID != nil {
		r.RequestID = *f.RequestID
	}
	if f.Category != nil {
		r.Category = *f.Category
	}
	if f.SubCategory != nil {
		r.SubCategory = *f.SubCategory
	}
	if f.Remark != nil {
		r.Remark = *f.Remark
	}
	if f.Facility != nil {
		r.Facility = *f.Facility
	}
	if f.Count != nil {
		r.Count = *f.Count
	}
	if f.LoggedDate != nil {
		r.LoggedDate = tp.DateOnly(*f.LoggedDate)
	}
}
