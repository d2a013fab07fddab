package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/allocation-engine/engine"
	"github.com/warp/allocation-engine/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var ist = engine.NewTemporalPolicy(engine.SystemClock{}).Zone

// testEnv bundles the service with its seeded in-memory collaborators.
type testEnv struct {
	svc       *engine.Service
	mem       *store.Memory
	catalog   *store.MemoryCatalog
	directory *store.MemoryDirectory
}

// newTestEnv wires a service on in-memory collaborators with the clock
// frozen at now. One location ("loc-1", client "Acme Legal") and one
// resource ("res-1", asha@example.com) with a client-wide grant are seeded.
func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()

	mem := store.NewMemory()
	catalog := store.NewMemoryCatalog()
	directory := store.NewMemoryDirectory()

	catalog.Put(engine.Location{
		ID:      "loc-1",
		Client:  "Acme Legal",
		Project: "Intake",
		Name:    "Mumbai Processing",
		Rates: []engine.CategoryRate{
			{Category: "New Request", Rate: engine.MustDecimal("150.00")},
			{Category: "Follow-Up", Rate: engine.MustDecimal("75.50")},
		},
	})
	directory.Put(engine.Resource{
		ID:    "res-1",
		Name:  "Asha",
		Email: "asha@example.com",
		Assignments: []engine.Assignment{
			{Client: "Acme Legal"}, // client-wide grant
		},
	})

	tp := engine.NewTemporalPolicy(engine.FixedClock{At: now})
	svc := engine.NewService(mem, catalog, directory, engine.NewPolicyTable(), tp)
	return &testEnv{svc: svc, mem: mem, catalog: catalog, directory: directory}
}

func resourceActor() engine.Actor {
	return engine.Actor{ID: "res-1", Name: "Asha", Email: "asha@example.com", Role: engine.RoleResource}
}

func adminActor() engine.Actor {
	return engine.Actor{ID: "adm-1", Name: "Priya", Role: engine.RoleAdmin}
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

// =============================================================================
// SERIAL NUMBERING
// =============================================================================

func TestCreate_SerialSequence_SameDay(t *testing.T) {
	// GIVEN: A resource logging three entries for the same business day
	// WHEN: Each is created
	// THEN: Serials run 1, 2, 3

	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	in := engine.CreateInput{
		ResourceEmail:  "asha@example.com",
		LocationID:     "loc-1",
		AllocationDate: now,
		Category:       "Follow-Up",
	}
	for want := 1; want <= 3; want++ {
		rec, err := env.svc.Create(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, want, rec.SrNo)
	}
}

func TestCreate_SerialSequence_ResetsPerDay(t *testing.T) {
	// GIVEN: Entries exist for June 10
	// WHEN: An entry is logged for June 11
	// THEN: Its serial starts back at 1

	now := time.Date(2025, time.June, 11, 9, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	june10 := time.Date(2025, time.June, 10, 0, 0, 0, 0, ist)
	_, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: june10, Category: "Follow-Up",
	})
	require.NoError(t, err)

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SrNo)
}

func TestCreate_SerialSequence_IndependentPerResource(t *testing.T) {
	// GIVEN: res-1 already holds serial 1 for the day
	// WHEN: A second resource logs the same day
	// THEN: The second resource also gets serial 1

	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	env.directory.Put(engine.Resource{
		ID: "res-2", Name: "Ravi", Email: "ravi@example.com",
		Assignments: []engine.Assignment{{Client: "Acme Legal"}},
	})
	ctx := context.Background()

	_, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	require.NoError(t, err)

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "ravi@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SrNo)
}

// =============================================================================
// LATENESS
// =============================================================================

func TestCreate_LateLog_Flagged(t *testing.T) {
	// GIVEN: Today is June 13
	// WHEN: An entry is logged for June 10
	// THEN: It is flagged late with a three-day gap

	now := time.Date(2025, time.June, 13, 10, 0, 0, 0, ist)
	env := newTestEnv(t, now)

	rec, err := env.svc.Create(context.Background(), engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: time.Date(2025, time.June, 10, 0, 0, 0, 0, ist),
		Category:       "Follow-Up",
	})
	require.NoError(t, err)
	assert.True(t, rec.IsLateLog)
	assert.Equal(t, 3, rec.DaysLate)
}

func TestCreate_SameDayLog_NotLate(t *testing.T) {
	now := time.Date(2025, time.June, 10, 23, 0, 0, 0, ist)
	env := newTestEnv(t, now)

	rec, err := env.svc.Create(context.Background(), engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	require.NoError(t, err)
	assert.False(t, rec.IsLateLog)
	assert.Equal(t, 0, rec.DaysLate)
}

// =============================================================================
// BILLING
// =============================================================================

func TestCreate_Billing_PerUnit(t *testing.T) {
	// GIVEN: Follow-Up rate is 75.50 at loc-1
	// WHEN: An entry with count 4 is logged
	// THEN: Amount is 302.00 and the rate snapshot matches the catalog

	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)

	rec, err := env.svc.Create(context.Background(), engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up", Count: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, "302", rec.BillingAmount.String())
	assert.Equal(t, "75.5", rec.RateAtLogging.String())
}

func TestCreate_Billing_UnknownCategoryRate_Zero(t *testing.T) {
	// A category absent from the catalog prices at zero rather than failing.
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)

	rec, err := env.svc.Create(context.Background(), engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Escalation",
	})
	require.NoError(t, err)
	assert.True(t, rec.BillingAmount.IsZero())
}

func TestEdit_Billing_FrozenRateSurvivesCatalogChange(t *testing.T) {
	// GIVEN: An entry priced at 75.50 per unit
	// WHEN: The catalog rate doubles and then the entry's count is edited
	// THEN: The recomputed amount still uses the frozen original rate

	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up", Count: 2,
	})
	require.NoError(t, err)

	env.catalog.Put(engine.Location{
		ID: "loc-1", Client: "Acme Legal", Project: "Intake", Name: "Mumbai Processing",
		Rates: []engine.CategoryRate{{Category: "Follow-Up", Rate: engine.MustDecimal("151.00")}},
	})

	edited, err := env.svc.Edit(ctx, rec.ID, engine.EditFields{Count: intPtr(5)},
		resourceActor(), "count correction", "")
	require.NoError(t, err)
	assert.Equal(t, "377.5", edited.BillingAmount.String(), "5 x 75.50, not 5 x 151.00")
	assert.Equal(t, "75.5", edited.RateAtLogging.String())
}

// =============================================================================
// DUPLICATE PRIMARY GUARD
// =============================================================================

func TestCreate_DuplicatePrimaryRequest_Rejected(t *testing.T) {
	// GIVEN: Request REQ-100 already has a "New Request" entry for the client
	// WHEN: A second "New Request" entry cites REQ-100
	// THEN: It is rejected with the follow-up suggestion

	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	first, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, RequestID: "REQ-100", Category: "New Request",
	})
	require.NoError(t, err)

	_, err = env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, RequestID: "REQ-100", Category: "New Request",
	})
	require.Error(t, err)

	var dup *engine.DuplicatePrimaryError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ConflictingID)
	assert.Equal(t, "follow-up", dup.SuggestedCategory)
	assert.True(t, errors.Is(err, engine.ErrDuplicatePrimaryRequest))
}

func TestCreate_DuplicateRequestID_NonPrimaryCategory_Allowed(t *testing.T) {
	// Follow-up work against an already-opened request is normal.
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, RequestID: "REQ-100", Category: "New Request",
	})
	require.NoError(t, err)

	_, err = env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, RequestID: "REQ-100", Category: "Follow-Up",
	})
	assert.NoError(t, err)
}

func TestCreate_BlankRequestID_NeverConflicts(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := env.svc.Create(ctx, engine.CreateInput{
			ResourceEmail: "asha@example.com", LocationID: "loc-1",
			AllocationDate: now, Category: "New Request",
		})
		require.NoError(t, err)
	}
}

func TestEdit_RecategorizeToPrimary_ChecksDuplicate(t *testing.T) {
	// GIVEN: REQ-100 holds a primary entry, plus a follow-up entry on REQ-100
	// WHEN: The follow-up is edited to the primary category
	// THEN: The guard fires on the edit path too

	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, RequestID: "REQ-100", Category: "New Request",
	})
	require.NoError(t, err)

	followUp, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, RequestID: "REQ-100", Category: "Follow-Up",
	})
	require.NoError(t, err)

	_, err = env.svc.Edit(ctx, followUp.ID, engine.EditFields{Category: strPtr("New Request")},
		resourceActor(), "miscategorized", "")
	assert.True(t, errors.Is(err, engine.ErrDuplicatePrimaryRequest))
}

func TestEdit_PrimaryEntry_UnrelatedField_NoGuard(t *testing.T) {
	// Editing a remark on the primary holder itself must not self-conflict.
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, RequestID: "REQ-100", Category: "New Request",
	})
	require.NoError(t, err)

	_, err = env.svc.Edit(ctx, rec.ID, engine.EditFields{Remark: strPtr("expedited")},
		resourceActor(), "add context", "")
	assert.NoError(t, err)
}

// =============================================================================
// EDITS AND HISTORY
// =============================================================================

func TestEdit_AppendsHistoryEntry(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up", Remark: "initial",
	})
	require.NoError(t, err)

	edited, err := env.svc.Edit(ctx, rec.ID,
		engine.EditFields{Remark: strPtr("updated"), Count: intPtr(3)},
		resourceActor(), "client clarification", "per call with ops")
	require.NoError(t, err)

	assert.Equal(t, 1, edited.EditCount)
	require.Len(t, edited.EditHistory, 1)
	entry := edited.EditHistory[0]
	assert.Equal(t, "client clarification", entry.Reason)
	assert.Equal(t, "per call with ops", entry.Notes)
	assert.Len(t, entry.Changes, 2)
}

func TestEdit_EmptyDiff_IsNoOp(t *testing.T) {
	// GIVEN: An entry with remark "initial"
	// WHEN: An edit sets the remark to the identical value
	// THEN: No history entry, no revision bump

	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up", Remark: "initial",
	})
	require.NoError(t, err)

	edited, err := env.svc.Edit(ctx, rec.ID, engine.EditFields{Remark: strPtr("initial")},
		resourceActor(), "no-op attempt", "")
	require.NoError(t, err)
	assert.Equal(t, 0, edited.EditCount)
	assert.Empty(t, edited.EditHistory)
	assert.Equal(t, rec.Revision, edited.Revision)
}

func TestEdit_MissingReason_Rejected(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	require.NoError(t, err)

	_, err = env.svc.Edit(ctx, rec.ID, engine.EditFields{Remark: strPtr("x")},
		resourceActor(), "   ", "")
	assert.True(t, errors.Is(err, engine.ErrValidationFailed))
}

func TestEdit_OtherResourcesRecord_Forbidden(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	require.NoError(t, err)

	intruder := engine.Actor{ID: "res-2", Name: "Ravi", Role: engine.RoleResource}
	_, err = env.svc.Edit(ctx, rec.ID, engine.EditFields{Remark: strPtr("x")},
		intruder, "reason", "")
	assert.True(t, errors.Is(err, engine.ErrForbidden))
}

func TestAdminDirectEdit_BypassesOwnership(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	require.NoError(t, err)

	edited, err := env.svc.AdminDirectEdit(ctx, rec.ID,
		engine.EditFields{Facility: strPtr("Night Desk")},
		adminActor(), "ops correction", "")
	require.NoError(t, err)
	assert.Equal(t, "Night Desk", edited.Facility)
	assert.Equal(t, engine.RoleAdmin, edited.EditHistory[0].ActorRole)
}

func TestAdminDirectEdit_NonAdmin_Forbidden(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)

	_, err := env.svc.AdminDirectEdit(context.Background(), "whatever",
		engine.EditFields{}, resourceActor(), "reason", "")
	assert.True(t, errors.Is(err, engine.ErrForbidden))
}

// =============================================================================
// PERIOD LOCK
// =============================================================================

func TestCreate_ClosedMonth_Rejected(t *testing.T) {
	// GIVEN: The clock sits in early July
	// WHEN: An entry is logged for a June date
	// THEN: The June period is closed and the create is rejected

	july := time.Date(2025, time.July, 1, 0, 0, 1, 0, ist)
	env := newTestEnv(t, july)

	_, err := env.svc.Create(context.Background(), engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: time.Date(2025, time.June, 30, 0, 0, 0, 0, ist),
		Category:       "Follow-Up",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrPeriodLocked))

	var locked *engine.PeriodLockedError
	require.ErrorAs(t, err, &locked)
	assert.False(t, locked.Explicit)
}

func TestEdit_AfterMonthClose_Rejected(t *testing.T) {
	// GIVEN: An entry created on June 30
	// WHEN: The month rolls over and an edit arrives
	// THEN: The edit is rejected; the lock is evaluated dynamically

	june30 := time.Date(2025, time.June, 30, 18, 0, 0, 0, ist)
	env := newTestEnv(t, june30)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: june30, Category: "Follow-Up",
	})
	require.NoError(t, err)

	env.svc.Temporal = engine.NewTemporalPolicy(engine.FixedClock{
		At: time.Date(2025, time.July, 1, 0, 0, 1, 0, ist),
	})

	_, err = env.svc.Edit(ctx, rec.ID, engine.EditFields{Remark: strPtr("x")},
		resourceActor(), "late fix", "")
	assert.True(t, errors.Is(err, engine.ErrPeriodLocked))
}

func TestEdit_LastInstantOfMonth_StillOpen(t *testing.T) {
	// Boundary: 23:59:59 on the last day is not yet locked.
	lastInstant := time.Date(2025, time.June, 30, 23, 59, 59, 0, ist)
	env := newTestEnv(t, lastInstant)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: time.Date(2025, time.June, 1, 0, 0, 0, 0, ist),
		Category:       "Follow-Up",
	})
	require.NoError(t, err)

	_, err = env.svc.Edit(ctx, rec.ID, engine.EditFields{Remark: strPtr("x")},
		resourceActor(), "still open", "")
	assert.NoError(t, err)
}

func TestEdit_ExplicitLock_Rejected(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	require.NoError(t, err)

	// Flag the record locked directly in the store.
	stored, err := env.mem.Get(ctx, rec.ID)
	require.NoError(t, err)
	stored.IsLocked = true
	require.NoError(t, env.mem.Update(ctx, stored))

	_, err = env.svc.Edit(ctx, rec.ID, engine.EditFields{Remark: strPtr("x")},
		resourceActor(), "reason", "")
	require.Error(t, err)
	var locked *engine.PeriodLockedError
	require.ErrorAs(t, err, &locked)
	assert.True(t, locked.Explicit)
}

// =============================================================================
// DELETE FLOW
// =============================================================================

func TestRequestDelete_OpensPendingRequest(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	require.NoError(t, err)

	pending, err := env.svc.RequestDelete(ctx, rec.ID, resourceActor(), "logged against wrong location")
	require.NoError(t, err)
	assert.True(t, pending.HasPendingDeleteRequest)
	require.NotNil(t, pending.DeleteRequest)
	assert.Equal(t, engine.DeletePending, pending.DeleteRequest.Status)
	assert.Equal(t, "res-1", pending.DeleteRequest.RequestedBy)
	assert.False(t, pending.IsDeleted, "record stays live until reviewed")
}

func TestRequestDelete_SecondRequest_Rejected(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	require.NoError(t, err)

	_, err = env.svc.RequestDelete(ctx, rec.ID, resourceActor(), "first")
	require.NoError(t, err)

	_, err = env.svc.RequestDelete(ctx, rec.ID, resourceActor(), "second")
	assert.True(t, errors.Is(err, engine.ErrDeleteAlreadyPending))
}

func TestRequestDelete_MissingReason_Rejected(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)

	_, err := env.svc.RequestDelete(context.Background(), "any", resourceActor(), "")
	assert.True(t, errors.Is(err, engine.ErrValidationFailed))
}

func TestRequestDelete_ClosedMonth_Rejected(t *testing.T) {
	// GIVEN: An entry from June
	// WHEN: A delete request arrives after the month closed
	// THEN: Even the delete path honors the period lock

	june := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, june)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: june, Category: "Follow-Up",
	})
	require.NoError(t, err)

	env.svc.Temporal = engine.NewTemporalPolicy(engine.FixedClock{
		At: time.Date(2025, time.July, 2, 0, 0, 0, 0, ist),
	})

	_, err = env.svc.RequestDelete(ctx, rec.ID, resourceActor(), "cleanup")
	assert.True(t, errors.Is(err, engine.ErrPeriodLocked))
}

func TestReviewDelete_ApproveSoft_KeepsHistory(t *testing.T) {
	// GIVEN: A pending delete request
	// WHEN: An admin approves with the default (soft) type
	// THEN: The record is marked deleted but stays retrievable with its trail

	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	require.NoError(t, err)
	_, err = env.svc.RequestDelete(ctx, rec.ID, resourceActor(), "wrong location")
	require.NoError(t, err)

	out, err := env.svc.ReviewDelete(ctx, rec.ID, adminActor(), engine.DecisionApprove, "confirmed", "")
	require.NoError(t, err)
	assert.Equal(t, engine.DeleteSoft, out.DeleteType)
	require.NotNil(t, out.Record)
	assert.True(t, out.Record.IsDeleted)
	assert.Equal(t, "adm-1", out.Record.DeletedBy)

	// Still retrievable, with the resolved sub-record stamped.
	got, err := env.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.False(t, got.HasPendingDeleteRequest)
	require.NotNil(t, got.DeleteRequest)
	assert.Equal(t, engine.DeleteApproved, got.DeleteRequest.Status)
	assert.Equal(t, "confirmed", got.DeleteRequest.ReviewerComment)
}

func TestReviewDelete_ApproveHard_RemovesRecord(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	require.NoError(t, err)
	_, err = env.svc.RequestDelete(ctx, rec.ID, resourceActor(), "test data")
	require.NoError(t, err)

	out, err := env.svc.ReviewDelete(ctx, rec.ID, adminActor(), engine.DecisionApprove, "", engine.DeleteHard)
	require.NoError(t, err)
	assert.Equal(t, engine.DeleteHard, out.DeleteType)
	assert.Nil(t, out.Record)

	_, err = env.svc.Get(ctx, rec.ID)
	assert.True(t, errors.Is(err, engine.ErrNotFound))
}

func TestReviewDelete_Reject_RecordStaysUsable(t *testing.T) {
	// GIVEN: A rejected delete request
	// WHEN: The owner edits the record afterwards
	// THEN: The edit succeeds; rejection left the record fully live

	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	require.NoError(t, err)
	_, err = env.svc.RequestDelete(ctx, rec.ID, resourceActor(), "second thoughts")
	require.NoError(t, err)

	out, err := env.svc.ReviewDelete(ctx, rec.ID, adminActor(), engine.DecisionReject, "entry looks valid", "")
	require.NoError(t, err)
	require.NotNil(t, out.Record)
	assert.False(t, out.Record.IsDeleted)
	assert.False(t, out.Record.HasPendingDeleteRequest)
	assert.Equal(t, engine.DeleteRejected, out.Record.DeleteRequest.Status)

	_, err = env.svc.Edit(ctx, rec.ID, engine.EditFields{Remark: strPtr("kept after review")},
		resourceActor(), "post-review note", "")
	assert.NoError(t, err)
}

func TestReviewDelete_SecondReviewer_NothingPending(t *testing.T) {
	// GIVEN: Two admins racing on the same request
	// WHEN: The first decision lands
	// THEN: The second reviewer finds nothing pending

	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	require.NoError(t, err)
	_, err = env.svc.RequestDelete(ctx, rec.ID, resourceActor(), "cleanup")
	require.NoError(t, err)

	_, err = env.svc.ReviewDelete(ctx, rec.ID, adminActor(), engine.DecisionReject, "", "")
	require.NoError(t, err)

	second := engine.Actor{ID: "adm-2", Name: "Dev", Role: engine.RoleAdmin}
	_, err = env.svc.ReviewDelete(ctx, rec.ID, second, engine.DecisionApprove, "", "")
	assert.True(t, errors.Is(err, engine.ErrNoPendingDeleteRequest))
}

func TestReviewDelete_NonAdmin_Forbidden(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)

	_, err := env.svc.ReviewDelete(context.Background(), "any", resourceActor(), engine.DecisionApprove, "", "")
	assert.True(t, errors.Is(err, engine.ErrForbidden))
}

func TestReviewDelete_UnknownDecision_Rejected(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)

	_, err := env.svc.ReviewDelete(context.Background(), "any", adminActor(), "defer", "", "")
	assert.True(t, errors.Is(err, engine.ErrValidationFailed))
}

func TestCreate_SerialAfterSoftDelete_SkipsNothing(t *testing.T) {
	// GIVEN: Serials 1 and 2 exist and serial 2 is soft-deleted
	// WHEN: A new entry is logged the same day
	// THEN: It takes serial 2 again; the uniqueness constraint ignores
	//       deleted rows, so max+1 over live entries reuses the freed slot

	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	in := engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	}
	_, err := env.svc.Create(ctx, in)
	require.NoError(t, err)
	second, err := env.svc.Create(ctx, in)
	require.NoError(t, err)

	_, err = env.svc.RequestDelete(ctx, second.ID, resourceActor(), "dup entry")
	require.NoError(t, err)
	_, err = env.svc.ReviewDelete(ctx, second.ID, adminActor(), engine.DecisionApprove, "", "")
	require.NoError(t, err)

	third, err := env.svc.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 2, third.SrNo, "max over live entries is 1, so the next serial is 2")
}

func TestEdit_SoftDeletedRecord_Rejected(t *testing.T) {
	// GIVEN: A record soft-deleted through the approval flow
	// WHEN: The owner (and then an admin) tries to edit it
	// THEN: Both edits are rejected; the retained record's fields and
	//       billing amount stay exactly as they were at deletion

	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up", Count: 2,
	})
	require.NoError(t, err)
	_, err = env.svc.RequestDelete(ctx, rec.ID, resourceActor(), "wrong location")
	require.NoError(t, err)
	_, err = env.svc.ReviewDelete(ctx, rec.ID, adminActor(), engine.DecisionApprove, "", "")
	require.NoError(t, err)

	_, err = env.svc.Edit(ctx, rec.ID, engine.EditFields{Count: intPtr(9)},
		resourceActor(), "post-delete rewrite", "")
	assert.True(t, errors.Is(err, engine.ErrValidationFailed))

	_, err = env.svc.AdminDirectEdit(ctx, rec.ID, engine.EditFields{Count: intPtr(9)},
		adminActor(), "post-delete rewrite", "")
	assert.True(t, errors.Is(err, engine.ErrValidationFailed))

	got, err := env.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, "151", got.BillingAmount.String())
	assert.Equal(t, 0, got.EditCount)
}

func TestEdit_NonPositiveCount_Rejected(t *testing.T) {
	// Create normalizes count <= 0 to 1; an edit that explicitly sets a
	// non-positive count is an input error, not something to normalize away.
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up", Count: 2,
	})
	require.NoError(t, err)

	for _, count := range []int{0, -3} {
		_, err = env.svc.Edit(ctx, rec.ID, engine.EditFields{Count: intPtr(count)},
			resourceActor(), "bad correction", "")
		assert.True(t, errors.Is(err, engine.ErrValidationFailed), "count %d must be rejected", count)
	}

	got, err := env.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Count)
}

// =============================================================================
// CONCURRENT LIFECYCLE RACES
// =============================================================================

// racingStore lets a rival claim the computed serial just before the first
// insert lands, forcing the uniqueness constraint to reject it once.
type racingStore struct {
	*store.Memory
	raced bool
	rival func(srNo int) *engine.AllocationRecord
}

func (s *racingStore) Insert(ctx context.Context, rec *engine.AllocationRecord) error {
	if !s.raced {
		s.raced = true
		if err := s.Memory.Insert(ctx, s.rival(rec.SrNo)); err != nil {
			return err
		}
	}
	return s.Memory.Insert(ctx, rec)
}

// contestedStore lets a rival resolve the pending delete request between
// this writer's read and write, so the first update arrives stale.
type contestedStore struct {
	*store.Memory
	armed     bool
	interfere func(ctx context.Context, m *store.Memory) error
}

func (s *contestedStore) Update(ctx context.Context, rec *engine.AllocationRecord) error {
	if s.armed {
		s.armed = false
		if err := s.interfere(ctx, s.Memory); err != nil {
			return err
		}
	}
	return s.Memory.Update(ctx, rec)
}

func newRacedEnv(t *testing.T, now time.Time, wrap func(*store.Memory) engine.RecordStore) *testEnv {
	t.Helper()

	mem := store.NewMemory()
	catalog := store.NewMemoryCatalog()
	directory := store.NewMemoryDirectory()

	catalog.Put(engine.Location{
		ID: "loc-1", Client: "Acme Legal", Project: "Intake", Name: "Mumbai Processing",
		Rates: []engine.CategoryRate{{Category: "Follow-Up", Rate: engine.MustDecimal("75.50")}},
	})
	directory.Put(engine.Resource{
		ID: "res-1", Name: "Asha", Email: "asha@example.com",
		Assignments: []engine.Assignment{{Client: "Acme Legal"}},
	})

	tp := engine.NewTemporalPolicy(engine.FixedClock{At: now})
	svc := engine.NewService(wrap(mem), catalog, directory, engine.NewPolicyTable(), tp)
	return &testEnv{svc: svc, mem: mem, catalog: catalog, directory: directory}
}

func TestCreate_SerialRace_LoserRetriesWithNextSerial(t *testing.T) {
	// GIVEN: A rival entry claims serial 1 between this creation's
	//        read-max and insert
	// WHEN: The insert conflicts on the uniqueness constraint
	// THEN: The creation retries, recomputes, and lands serial 2

	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newRacedEnv(t, now, func(mem *store.Memory) engine.RecordStore {
		return &racingStore{
			Memory: mem,
			rival: func(srNo int) *engine.AllocationRecord {
				return &engine.AllocationRecord{
					ID:             "rival",
					ResourceID:     "res-1",
					SrNo:           srNo,
					AllocationDate: now,
					Month:          int(now.Month()),
					Year:           now.Year(),
					Category:       "Follow-Up",
					Count:          1,
					CreatedAt:      now,
				}
			},
		}
	})

	rec, err := env.svc.Create(context.Background(), engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	require.NoError(t, err, "one serial conflict must be absorbed by the retry loop")
	assert.Equal(t, 2, rec.SrNo)

	recs, err := env.svc.ListDay(context.Background(), "res-1", now)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].SrNo)
	assert.Equal(t, 2, recs[1].SrNo)
}

// alwaysConflictStore rejects every insert as a serial race.
type alwaysConflictStore struct {
	*store.Memory
	attempts int
}

func (s *alwaysConflictStore) Insert(_ context.Context, rec *engine.AllocationRecord) error {
	s.attempts++
	return &engine.ConflictError{RecordID: rec.ID, Op: "insert"}
}

func TestCreate_SerialRace_BoundedRetryExhausts(t *testing.T) {
	// The retry loop is bounded: a store that conflicts forever yields a
	// conflict error after three attempts, never an infinite loop.
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	conflicting := &alwaysConflictStore{}
	env := newRacedEnv(t, now, func(mem *store.Memory) engine.RecordStore {
		conflicting.Memory = mem
		return conflicting
	})

	_, err := env.svc.Create(context.Background(), engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrConcurrencyConflict))
	assert.Equal(t, 3, conflicting.attempts)
}

func TestReviewDelete_StaleUpdate_LoserSeesNothingPending(t *testing.T) {
	// GIVEN: Two reviewers read the same pending request; the rival's
	//        rejection commits between this reviewer's read and write
	// WHEN: This reviewer's update arrives with a stale revision
	// THEN: The conflict is retried, the reload finds nothing pending, and
	//       the loser reports it; the rival's decision stands

	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	contested := &contestedStore{
		interfere: func(ctx context.Context, m *store.Memory) error {
			recs, err := m.ListPendingDeletes(ctx)
			if err != nil || len(recs) == 0 {
				return err
			}
			rival := recs[0]
			rival.HasPendingDeleteRequest = false
			rival.DeleteRequest.Status = engine.DeleteRejected
			rival.DeleteRequest.ReviewedBy = "adm-rival"
			rival.DeleteRequest.ReviewedAt = now
			return m.Update(ctx, rival)
		},
	}
	env := newRacedEnv(t, now, func(mem *store.Memory) engine.RecordStore {
		contested.Memory = mem
		return contested
	})
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	require.NoError(t, err)
	_, err = env.svc.RequestDelete(ctx, rec.ID, resourceActor(), "cleanup")
	require.NoError(t, err)

	// Arm only now: the delete-request update above must pass untouched.
	contested.armed = true

	_, err = env.svc.ReviewDelete(ctx, rec.ID, adminActor(), engine.DecisionApprove, "", "")
	assert.True(t, errors.Is(err, engine.ErrNoPendingDeleteRequest))

	got, err := env.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDeleted, "the rival's rejection must stand")
	assert.Equal(t, engine.DeleteRejected, got.DeleteRequest.Status)
	assert.Equal(t, "adm-rival", got.DeleteRequest.ReviewedBy)
}

// =============================================================================
// ACCESS CONTROL ON CREATE
// =============================================================================

func TestCreate_UnknownResource_Forbidden(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)

	_, err := env.svc.Create(context.Background(), engine.CreateInput{
		ResourceEmail: "stranger@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	})
	assert.True(t, errors.Is(err, engine.ErrForbidden))
}

func TestCreate_UnknownLocation_ValidationError(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)

	_, err := env.svc.Create(context.Background(), engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-999",
		AllocationDate: now, Category: "Follow-Up",
	})
	assert.True(t, errors.Is(err, engine.ErrValidationFailed))
}

func TestCreate_NoGrantForClient_Forbidden(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	env.catalog.Put(engine.Location{
		ID: "loc-2", Client: "Other Corp", Project: "Audit", Name: "Pune Desk",
	})

	_, err := env.svc.Create(context.Background(), engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-2",
		AllocationDate: now, Category: "Follow-Up",
	})
	assert.True(t, errors.Is(err, engine.ErrForbidden))
}

// =============================================================================
// READS AND REPORTING
// =============================================================================

func TestListDay_SerialOrder_ExcludesDeleted(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	in := engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	}
	first, err := env.svc.Create(ctx, in)
	require.NoError(t, err)
	_, err = env.svc.Create(ctx, in)
	require.NoError(t, err)

	_, err = env.svc.RequestDelete(ctx, first.ID, resourceActor(), "dup")
	require.NoError(t, err)
	_, err = env.svc.ReviewDelete(ctx, first.ID, adminActor(), engine.DecisionApprove, "", "")
	require.NoError(t, err)

	recs, err := env.svc.ListDay(ctx, "res-1", now)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].SrNo)
}

func TestPendingDeleteQueue_OldestFirst(t *testing.T) {
	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	in := engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up",
	}
	first, err := env.svc.Create(ctx, in)
	require.NoError(t, err)
	second, err := env.svc.Create(ctx, in)
	require.NoError(t, err)

	_, err = env.svc.RequestDelete(ctx, first.ID, resourceActor(), "r1")
	require.NoError(t, err)

	// Advance the clock so the second request is strictly later.
	env.svc.Temporal = engine.NewTemporalPolicy(engine.FixedClock{At: now.Add(time.Minute)})
	_, err = env.svc.RequestDelete(ctx, second.ID, resourceActor(), "r2")
	require.NoError(t, err)

	queue, err := env.svc.PendingDeleteQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, first.ID, queue[0].ID)
	assert.Equal(t, second.ID, queue[1].ID)
}

func TestSummarizeMonth_TotalsLiveEntriesOnly(t *testing.T) {
	// GIVEN: Two live entries and one soft-deleted entry in June
	// WHEN: The month is summarized for the location key
	// THEN: Totals cover only the live entries

	now := time.Date(2025, time.June, 10, 14, 0, 0, 0, ist)
	env := newTestEnv(t, now)
	ctx := context.Background()

	in := engine.CreateInput{
		ResourceEmail: "asha@example.com", LocationID: "loc-1",
		AllocationDate: now, Category: "Follow-Up", Count: 2,
	}
	a, err := env.svc.Create(ctx, in)
	require.NoError(t, err)
	_, err = env.svc.Create(ctx, in)
	require.NoError(t, err)
	victim, err := env.svc.Create(ctx, in)
	require.NoError(t, err)

	_, err = env.svc.RequestDelete(ctx, victim.ID, resourceActor(), "dup")
	require.NoError(t, err)
	_, err = env.svc.ReviewDelete(ctx, victim.ID, adminActor(), engine.DecisionApprove, "", "")
	require.NoError(t, err)

	sum, err := env.svc.SummarizeMonth(ctx, a.SubprojectKey, 6, 2025)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.EntryCount)
	assert.Equal(t, 4, sum.TotalCount)
	assert.Equal(t, "302", sum.TotalAmount.String())
}
