/*
service.go - Entry lifecycle orchestration

PURPOSE:
  The single entry point for mutating allocation records. Each operation
  consults the temporal policy (lock check), the duplicate guard (request-id
  check), the catalog (rate resolution) and the serial allocator, then
  mutates or creates a record through the store.

OPERATION FLOW (create):

  validate ──▶ directory ──▶ lock ──▶ duplicate ──▶ serial/rate ──▶ insert
                 (grant)     check      guard          lateness      (retry)

CONCURRENCY:
  The service is stateless; many request-handling workers call it
  concurrently against the shared store. Serial races surface from the
  store's uniqueness constraint and are retried here (bounded). Review
  races resolve through optimistic revisions: exactly one reviewer's
  decision takes effect, the loser observes ErrNoPendingDeleteRequest.

SIDE EFFECTS:
  Audit events and delete-request notifications are fire-and-forget:
  failures are logged, never surfaced, never rolled back.

SEE ALSO:
  - record.go: Diff/apply rules and billing computation
  - dupguard.go, serial.go, time.go: The consulted components
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// serialRetryAttempts bounds the create retry loop on serial races.
const serialRetryAttempts = 3

// =============================================================================
// SERVICE
// =============================================================================

// Service orchestrates the allocation entry lifecycle.
type Service struct {
	Store     RecordStore
	Catalog   Catalog
	Directory Directory
	Policies  *PolicyTable
	Temporal  *TemporalPolicy
	Audit     AuditSink
	Notifier  Notifier

	// ReviewerRecipients receive delete-request notifications.
	ReviewerRecipients []string

	serials *SerialAllocator
	guard   *DuplicateGuard
}

// NewService wires the service. Audit and Notifier default to the logging
// sink and the no-op dispatcher when nil.
func NewService(store RecordStore, catalog Catalog, directory Directory, policies *PolicyTable, temporal *TemporalPolicy) *Service {
	if policies == nil {
		policies = NewPolicyTable()
	}
	if temporal == nil {
		temporal = NewTemporalPolicy(SystemClock{})
	}
	return &Service{
		Store:     store,
		Catalog:   catalog,
		Directory: directory,
		Policies:  policies,
		Temporal:  temporal,
		Audit:     LogAuditSink{},
		Notifier:  NopNotifier{},
		serials:   &SerialAllocator{Store: store, Temporal: temporal},
		guard:     &DuplicateGuard{Store: store, Policies: policies},
	}
}

// =============================================================================
// CREATE
// =============================================================================

// CreateInput is the plain input struct for Create.
type CreateInput struct {
	ResourceEmail  string
	LocationID     LocationID
	AllocationDate time.Time
	LoggedDate     time.Time // zero value defaults to AllocationDate
	RequestID      string
	Category       string
	SubCategory    string
	Remark         string
	Facility       string
	Count          int // <=0 defaults to 1
}

// Create validates, numbers, prices and persists a new allocation record.
func (s *Service) Create(ctx context.Context, in CreateInput) (*AllocationRecord, error) {
	if in.LocationID == "" {
		return nil, &ValidationError{Field: "location", Message: "location is required"}
	}
	if in.AllocationDate.IsZero() {
		return nil, &ValidationError{Field: "allocation_date", Message: "allocation date is required"}
	}
	if strings.TrimSpace(in.Category) == "" {
		return nil, &ValidationError{Field: "category", Message: "request category is required"}
	}

	resource, err := s.Directory.FindResourceByEmail(ctx, in.ResourceEmail)
	if err != nil {
		return nil, fmt.Errorf("%w: resource directory: %v", ErrCollaboratorUnavailable, err)
	}
	if resource == nil {
		return nil, fmt.Errorf("%w: no resource for email %q", ErrForbidden, in.ResourceEmail)
	}

	if s.Temporal.IsPeriodLocked(in.AllocationDate) {
		return nil, &PeriodLockedError{
			Date:         s.Temporal.DateOnly(in.AllocationDate),
			LockBoundary: s.Temporal.MonthEnd(in.AllocationDate),
		}
	}

	loc, err := s.Catalog.GetLocation(ctx, in.LocationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &ValidationError{Field: "location", Message: fmt.Sprintf("unknown location %s", in.LocationID)}
		}
		return nil, fmt.Errorf("%w: master catalog: %v", ErrCollaboratorUnavailable, err)
	}

	if !resource.HasGrant(loc.Client, loc.ID) {
		return nil, fmt.Errorf("%w: resource %s holds no grant for location %s", ErrForbidden, resource.ID, loc.ID)
	}

	policy := s.Policies.For(loc.Client)
	if policy.IsPrimaryCategory(in.Category) {
		check, err := s.guard.CheckPrimary(ctx, in.RequestID, loc.Client, "")
		if err != nil {
			return nil, err
		}
		if check.Exists {
			return nil, &DuplicatePrimaryError{
				RequestID:         in.RequestID,
				ConflictingID:     check.Conflicting.ID,
				SuggestedCategory: check.SuggestedCategory,
			}
		}
	}

	now := s.Temporal.Clock.Now()
	allocDate := s.Temporal.DateOnly(in.AllocationDate)
	loggedDate := allocDate
	if !in.LoggedDate.IsZero() {
		loggedDate = s.Temporal.DateOnly(in.LoggedDate)
	}
	count := in.Count
	if count <= 0 {
		count = 1
	}
	isLate, daysLate := s.Temporal.Lateness(allocDate, now)
	rate := loc.ResolveRate(in.Category, in.SubCategory)

	rec := &AllocationRecord{
		ID:               RecordID(uuid.NewString()),
		ResourceID:       resource.ID,
		AllocationDate:   allocDate,
		LoggedDate:       loggedDate,
		SystemCapturedAt: now,
		Day:              allocDate.Day(),
		Month:            int(allocDate.Month()),
		Year:             allocDate.Year(),
		Client:           loc.Client,
		Project:          loc.Project,
		LocationID:       loc.ID,
		LocationName:     loc.Name,
		SubprojectKey:    loc.BusinessKey(),
		RequestID:        strings.TrimSpace(in.RequestID),
		Category:         in.Category,
		SubCategory:      in.SubCategory,
		Remark:           in.Remark,
		Facility:         in.Facility,
		Count:            count,
		BillingRate:      rate,
		BillingAmount:    ComputeBillingAmount(rate, count, policy.BillingMode),
		RateAtLogging:    rate,
		IsLateLog:        isLate,
		DaysLate:         daysLate,
		CreatedAt:        now,
	}

	// The serial is a hint; the store constraint is the source of truth.
	// A losing racer recomputes and retries.
	var lastErr error
	for attempt := 0; attempt < serialRetryAttempts; attempt++ {
		serial, err := s.serials.Next(ctx, resource.ID, allocDate)
		if err != nil {
			return nil, err
		}
		rec.SrNo = serial
		err = s.Store.Insert(ctx, rec)
		if err == nil {
			s.emit(ctx, AuditEntryCreated, Actor{ID: string(resource.ID), Name: resource.Name, Email: resource.Email, Role: RoleResource}, rec.ID, map[string]string{
				"sr_no":    fmt.Sprintf("%d", rec.SrNo),
				"location": string(rec.LocationID),
			})
			return rec.Clone(), nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("serial allocation exhausted after %d attempts: %w", serialRetryAttempts, lastErr)
}

// =============================================================================
// EDIT
// =============================================================================

// Edit applies field updates with a mandatory reason. Empty diffs are
// idempotent no-ops. Billing recomputes from the FROZEN rate only.
// Soft-deleted records reject edits.
func (s *Service) Edit(ctx context.Context, id RecordID, updates EditFields, actor Actor, reason, notes string) (*AllocationRecord, error) {
	return s.edit(ctx, id, updates, actor, reason, notes, false)
}

// AdminDirectEdit is Edit minus the ownership check: an admin may edit any
// resource's record. The reason stays mandatory.
func (s *Service) AdminDirectEdit(ctx context.Context, id RecordID, updates EditFields, actor Actor, reason, notes string) (*AllocationRecord, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: direct edit requires admin role", ErrForbidden)
	}
	return s.edit(ctx, id, updates, actor, reason, notes, true)
}

func (s *Service) edit(ctx context.Context, id RecordID, updates EditFields, actor Actor, reason, notes string, bypassOwnership bool) (*AllocationRecord, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, &ValidationError{Field: "reason", Message: "edit reason is required"}
	}
	if updates.Count != nil && *updates.Count <= 0 {
		return nil, &ValidationError{Field: "count", Message: "count must be positive"}
	}

	rec, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !bypassOwnership && !actor.IsAdmin() && actor.ID != string(rec.ResourceID) {
		return nil, fmt.Errorf("%w: record %s belongs to resource %s", ErrForbidden, id, rec.ResourceID)
	}
	if rec.IsDeleted {
		return nil, &ValidationError{Field: "record", Message: "record is already deleted"}
	}
	if err := s.lockCheck(rec); err != nil {
		return nil, err
	}

	changes := updates.Diff(rec, s.Temporal)
	if len(changes) == 0 {
		// Idempotent no-op: nothing persisted, no audit entry.
		return rec, nil
	}

	// Re-run the duplicate guard when the dedup key or category moves,
	// excluding the record being edited from the conflict search.
	newRequestID := rec.RequestID
	if updates.RequestID != nil {
		newRequestID = *updates.RequestID
	}
	newCategory := rec.Category
	if updates.Category != nil {
		newCategory = *updates.Category
	}
	policy := s.Policies.For(rec.Client)
	if policy.IsPrimaryCategory(newCategory) && (updates.RequestID != nil || updates.Category != nil) {
		check, err := s.guard.CheckPrimary(ctx, newRequestID, rec.Client, rec.ID)
		if err != nil {
			return nil, err
		}
		if check.Exists {
			return nil, &DuplicatePrimaryError{
				RequestID:         newRequestID,
				ConflictingID:     check.Conflicting.ID,
				SuggestedCategory: check.SuggestedCategory,
			}
		}
	}

	now := s.Temporal.Clock.Now()
	updates.Apply(rec, s.Temporal)
	// Never re-resolve the rate: the snapshot frozen at creation prices
	// every subsequent recalculation.
	rec.BillingAmount = ComputeBillingAmount(rec.RateAtLogging, rec.Count, policy.BillingMode)
	rec.EditHistory = append(rec.EditHistory, EditEntry{
		At:        now,
		ActorID:   actor.ID,
		ActorName: actor.Name,
		ActorRole: actor.Role,
		Reason:    reason,
		Notes:     notes,
		Changes:   changes,
	})
	rec.EditCount++
	rec.LastEditedAt = now

	if err := s.Store.Update(ctx, rec); err != nil {
		return nil, err
	}

	s.emit(ctx, AuditEntryEdited, actor, rec.ID, map[string]string{
		"changed_fields": fmt.Sprintf("%d", len(changes)),
		"reason":         reason,
	})
	return rec.Clone(), nil
}

// =============================================================================
// DELETE REQUEST
// =============================================================================

// RequestDelete opens the two-phase delete flow. One active request per
// record. The reviewer notification is fire-and-forget.
func (s *Service) RequestDelete(ctx context.Context, id RecordID, requester Actor, reason string) (*AllocationRecord, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, &ValidationError{Field: "reason", Message: "delete reason is required"}
	}

	rec, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !requester.IsAdmin() && requester.ID != string(rec.ResourceID) {
		return nil, fmt.Errorf("%w: record %s belongs to resource %s", ErrForbidden, id, rec.ResourceID)
	}
	if err := s.lockCheck(rec); err != nil {
		return nil, err
	}
	if rec.IsDeleted {
		return nil, &ValidationError{Field: "record", Message: "record is already deleted"}
	}
	if rec.HasPendingDeleteRequest {
		return nil, fmt.Errorf("%w: record %s", ErrDeleteAlreadyPending, id)
	}

	now := s.Temporal.Clock.Now()
	rec.DeleteRequest = &DeleteRequest{
		Status:      DeletePending,
		Reason:      reason,
		RequestedBy: requester.ID,
		RequestedAt: now,
	}
	rec.HasPendingDeleteRequest = true

	if err := s.Store.Update(ctx, rec); err != nil {
		return nil, err
	}

	// State is committed; notification failure must not roll it back.
	s.notifyDeleteRequested(ctx, rec, requester, reason)
	s.emit(ctx, AuditDeleteRequested, requester, rec.ID, map[string]string{"reason": reason})
	return rec.Clone(), nil
}

// =============================================================================
// REVIEW
// =============================================================================

type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
)

// ReviewOutcome is the terminal confirmation of a review. Record is nil
// after a hard delete.
type ReviewOutcome struct {
	Decision   ReviewDecision
	DeleteType DeleteType
	Record     *AllocationRecord
}

// ReviewDelete resolves a pending delete request. Approve+hard physically
// removes the record; approve+soft (the default) marks it deleted but keeps
// it queryable; reject leaves it fully usable. All branches clear the
// pending flag and stamp reviewer identity/time/comment on the sub-record.
func (s *Service) ReviewDelete(ctx context.Context, id RecordID, reviewer Actor, decision ReviewDecision, comment string, deleteType DeleteType) (*ReviewOutcome, error) {
	if !reviewer.IsAdmin() {
		return nil, fmt.Errorf("%w: delete review requires admin role", ErrForbidden)
	}
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, &ValidationError{Field: "decision", Message: fmt.Sprintf("unknown decision %q", decision)}
	}
	if deleteType == "" {
		deleteType = DeleteSoft
	}
	if deleteType != DeleteSoft && deleteType != DeleteHard {
		return nil, &ValidationError{Field: "delete_type", Message: fmt.Sprintf("unknown delete type %q", deleteType)}
	}

	// Two reviewers racing on the same request both read the pending state;
	// the optimistic update lets exactly one win. The loser reloads, finds
	// no pending request, and reports it.
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := s.Store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !rec.HasPendingDeleteRequest || rec.DeleteRequest == nil || rec.DeleteRequest.Status != DeletePending {
			return nil, fmt.Errorf("%w: record %s", ErrNoPendingDeleteRequest, id)
		}

		now := s.Temporal.Clock.Now()
		dr := rec.DeleteRequest
		dr.ReviewedBy = reviewer.ID
		dr.ReviewerComment = comment
		dr.ReviewedAt = now
		rec.HasPendingDeleteRequest = false

		switch decision {
		case DecisionApprove:
			dr.Status = DeleteApproved
			dr.Type = deleteType
			if deleteType == DeleteSoft {
				rec.IsDeleted = true
				rec.DeletedAt = now
				rec.DeletedBy = reviewer.ID
			}
		case DecisionReject:
			dr.Status = DeleteRejected
		}

		if err := s.Store.Update(ctx, rec); err != nil {
			if IsRetryable(err) {
				continue
			}
			return nil, err
		}

		if decision == DecisionApprove && deleteType == DeleteHard {
			if err := s.Store.Remove(ctx, id); err != nil {
				return nil, err
			}
			s.emit(ctx, AuditDeleteReviewed, reviewer, id, map[string]string{"decision": "approve", "type": "hard"})
			return &ReviewOutcome{Decision: decision, DeleteType: DeleteHard}, nil
		}

		s.emit(ctx, AuditDeleteReviewed, reviewer, rec.ID, map[string]string{
			"decision": string(decision),
			"type":     string(deleteType),
		})
		out := &ReviewOutcome{Decision: decision, Record: rec.Clone()}
		if decision == DecisionApprove {
			out.DeleteType = DeleteSoft
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: record %s", ErrNoPendingDeleteRequest, id)
}

// =============================================================================
// READS
// =============================================================================

// Get returns a record by id; soft-deleted records remain retrievable,
// hard-deleted ones return ErrNotFound.
func (s *Service) Get(ctx context.Context, id RecordID) (*AllocationRecord, error) {
	return s.Store.Get(ctx, id)
}

// ListDay returns a resource's non-deleted entries for the business day
// containing date, ordered by serial.
func (s *Service) ListDay(ctx context.Context, resource ResourceID, date time.Time) ([]*AllocationRecord, error) {
	start, end := s.Temporal.DayWindow(date)
	return s.Store.ListByResourceDay(ctx, resource, start, end)
}

// PendingDeleteQueue returns records awaiting delete review, oldest first.
func (s *Service) PendingDeleteQueue(ctx context.Context) ([]*AllocationRecord, error) {
	return s.Store.ListPendingDeletes(ctx)
}

// =============================================================================
// INTERNAL
// =============================================================================

// lockCheck rejects mutation of explicitly locked records and records whose
// month has closed. Evaluated dynamically on every call.
func (s *Service) lockCheck(rec *AllocationRecord) error {
	if rec.IsLocked {
		return &PeriodLockedError{Date: rec.AllocationDate, Explicit: true}
	}
	if s.Temporal.IsPeriodLocked(rec.AllocationDate) {
		return &PeriodLockedError{
			Date:         rec.AllocationDate,
			LockBoundary: s.Temporal.MonthEnd(rec.AllocationDate),
		}
	}
	return nil
}

// emit is fire-and-forget audit dispatch.
func (s *Service) emit(ctx context.Context, typ AuditEventType, actor Actor, id RecordID, details map[string]string) {
	if s.Audit == nil {
		return
	}
	ev := AuditEvent{Type: typ, Actor: actor, RecordID: id, At: s.Temporal.Clock.Now(), Details: details}
	if err := s.Audit.Record(ctx, ev); err != nil {
		log.Printf("[Audit] dropped %s for record %s: %v", typ, id, err)
	}
}

func (s *Service) notifyDeleteRequested(ctx context.Context, rec *AllocationRecord, requester Actor, reason string) {
	if s.Notifier == nil || len(s.ReviewerRecipients) == 0 {
		return
	}
	n := Notification{
		Recipients: s.ReviewerRecipients,
		Subject:    fmt.Sprintf("Delete request for entry %s (sr %d)", rec.ID, rec.SrNo),
		Body: fmt.Sprintf("%s requested deletion of entry %s dated %s. Reason: %s",
			requester.Name, rec.ID, rec.AllocationDate.Format("2006-01-02"), reason),
	}
	if err := s.Notifier.Notify(ctx, n); err != nil {
		log.Printf("[Notify] delete-request notification failed for record %s: %v", rec.ID, err)
	}
}
