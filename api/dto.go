/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

DATE FORMATS:
  Business dates (allocation_date, logged_date) travel as "2006-01-02".
  System instants (captured_at, created_at, reviewed_at) travel as RFC3339.
  Money travels as decimal strings to avoid float drift in clients.

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - engine/record.go: The domain entity these project
*/
package api

import (
	"time"

	"github.com/warp/allocation-engine/engine"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateEntryRequest is the request to log a new allocation entry.
type CreateEntryRequest struct {
	ResourceEmail  string `json:"resource_email"`
	LocationID     string `json:"location_id"`
	AllocationDate string `json:"allocation_date"` // YYYY-MM-DD
	LoggedDate     string `json:"logged_date,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
	Category       string `json:"category"`
	SubCategory    string `json:"sub_category,omitempty"`
	Remark         string `json:"remark,omitempty"`
	Facility       string `json:"facility,omitempty"`
	Count          int    `json:"count,omitempty"`
}

// EditEntryRequest carries field updates. Absent fields are left unchanged.
type EditEntryRequest struct {
	RequestID   *string `json:"request_id,omitempty"`
	Category    *string `json:"category,omitempty"`
	SubCategory *string `json:"sub_category,omitempty"`
	Remark      *string `json:"remark,omitempty"`
	Facility    *string `json:"facility,omitempty"`
	Count       *int    `json:"count,omitempty"`
	LoggedDate  *string `json:"logged_date,omitempty"` // YYYY-MM-DD

	Actor  ActorDTO `json:"actor"`
	Reason string   `json:"reason"`
	Notes  string   `json:"notes,omitempty"`
}

// DeleteRequestBody opens a delete approval flow on an entry.
type DeleteRequestBody struct {
	Actor  ActorDTO `json:"actor"`
	Reason string   `json:"reason"`
}

// ReviewRequest resolves a pending delete request.
type ReviewRequest struct {
	Reviewer   ActorDTO `json:"reviewer"`
	Decision   string   `json:"decision"`              // approve | reject
	DeleteType string   `json:"delete_type,omitempty"` // soft (default) | hard
	Comment    string   `json:"comment,omitempty"`
}

// ActorDTO identifies who performs a mutation.
type ActorDTO struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"` // resource | admin
}

func (a ActorDTO) toActor() engine.Actor {
	return engine.Actor{
		ID:    a.ID,
		Name:  a.Name,
		Email: a.Email,
		Role:  engine.ActorRole(a.Role),
	}
}

// SaveLocationRequest upserts a master catalog entry.
type SaveLocationRequest struct {
	ID             string            `json:"id"`
	Client         string            `json:"client"`
	Project        string            `json:"project"`
	Name           string            `json:"name"`
	FlatRate       string            `json:"flat_rate,omitempty"`
	FlatCategories []string          `json:"flat_categories,omitempty"`
	Rates          []CategoryRateDTO `json:"rates,omitempty"`
}

// CategoryRateDTO is one catalog rate row.
type CategoryRateDTO struct {
	Category    string `json:"category"`
	SubCategory string `json:"sub_category,omitempty"`
	Rate        string `json:"rate"`
}

// SaveResourceRequest upserts a directory entry with its grants.
type SaveResourceRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Email       string          `json:"email"`
	Assignments []AssignmentDTO `json:"assignments,omitempty"`
}

// AssignmentDTO is one access grant. An empty location_id grants the whole
// client.
type AssignmentDTO struct {
	Client     string `json:"client"`
	LocationID string `json:"location_id,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// EntryDTO represents an allocation entry in API responses.
type EntryDTO struct {
	ID             string `json:"id"`
	ResourceID     string `json:"resource_id"`
	SrNo           int    `json:"sr_no"`
	AllocationDate string `json:"allocation_date"`
	LoggedDate     string `json:"logged_date"`
	CapturedAt     string `json:"captured_at"`

	Client        string `json:"client"`
	Project       string `json:"project"`
	LocationID    string `json:"location_id"`
	LocationName  string `json:"location_name"`
	SubprojectKey string `json:"subproject_key"`

	RequestID   string `json:"request_id,omitempty"`
	Category    string `json:"category"`
	SubCategory string `json:"sub_category,omitempty"`
	Remark      string `json:"remark,omitempty"`
	Facility    string `json:"facility,omitempty"`
	Count       int    `json:"count"`

	BillingRate   string `json:"billing_rate"`
	BillingAmount string `json:"billing_amount"`

	IsLateLog bool `json:"is_late_log"`
	DaysLate  int  `json:"days_late,omitempty"`
	IsLocked  bool `json:"is_locked"`
	IsDeleted bool `json:"is_deleted"`

	HasPendingDeleteRequest bool              `json:"has_pending_delete_request"`
	DeleteRequest           *DeleteRequestDTO `json:"delete_request,omitempty"`

	EditCount   int            `json:"edit_count"`
	EditHistory []EditEntryDTO `json:"edit_history,omitempty"`

	CreatedAt string `json:"created_at"`
}

// DeleteRequestDTO is the delete approval sub-record.
type DeleteRequestDTO struct {
	Status          string `json:"status"`
	Reason          string `json:"reason"`
	RequestedBy     string `json:"requested_by"`
	RequestedAt     string `json:"requested_at"`
	Type            string `json:"type,omitempty"`
	ReviewedBy      string `json:"reviewed_by,omitempty"`
	ReviewerComment string `json:"reviewer_comment,omitempty"`
	ReviewedAt      string `json:"reviewed_at,omitempty"`
}

// EditEntryDTO is one history entry in responses.
type EditEntryDTO struct {
	At      string           `json:"at"`
	ActorID string           `json:"actor_id"`
	Actor   string           `json:"actor,omitempty"`
	Role    string           `json:"role"`
	Reason  string           `json:"reason"`
	Notes   string           `json:"notes,omitempty"`
	Changes []FieldChangeDTO `json:"changes"`
}

// FieldChangeDTO is one {field, old, new} tuple.
type FieldChangeDTO struct {
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// ReviewOutcomeDTO confirms a resolved delete review.
type ReviewOutcomeDTO struct {
	Decision   string    `json:"decision"`
	DeleteType string    `json:"delete_type,omitempty"`
	Entry      *EntryDTO `json:"entry,omitempty"` // absent after a hard delete
}

// SummaryDTO is a per-location monthly billing rollup.
type SummaryDTO struct {
	SubprojectKey string `json:"subproject_key"`
	Month         int    `json:"month"`
	Year          int    `json:"year"`
	EntryCount    int    `json:"entry_count"`
	TotalCount    int    `json:"total_count"`
	TotalAmount   string `json:"total_amount"`
	LateCount     int    `json:"late_count"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error             string `json:"error"`
	Details           string `json:"details,omitempty"`
	SuggestedCategory string `json:"suggested_category,omitempty"`
}

// =============================================================================
// MAPPERS
// =============================================================================

func toEntryDTO(r *engine.AllocationRecord) EntryDTO {
	dto := EntryDTO{
		ID:                      string(r.ID),
		ResourceID:              string(r.ResourceID),
		SrNo:                    r.SrNo,
		AllocationDate:          r.AllocationDate.Format("2006-01-02"),
		LoggedDate:              r.LoggedDate.Format("2006-01-02"),
		CapturedAt:              r.SystemCapturedAt.Format(time.RFC3339),
		Client:                  r.Client,
		Project:                 r.Project,
		LocationID:              string(r.LocationID),
		LocationName:            r.LocationName,
		SubprojectKey:           r.SubprojectKey,
		RequestID:               r.RequestID,
		Category:                r.Category,
		SubCategory:             r.SubCategory,
		Remark:                  r.Remark,
		Facility:                r.Facility,
		Count:                   r.Count,
		BillingRate:             r.BillingRate.String(),
		BillingAmount:           r.BillingAmount.String(),
		IsLateLog:               r.IsLateLog,
		DaysLate:                r.DaysLate,
		IsLocked:                r.IsLocked,
		IsDeleted:               r.IsDeleted,
		HasPendingDeleteRequest: r.HasPendingDeleteRequest,
		EditCount:               r.EditCount,
		CreatedAt:               r.CreatedAt.Format(time.RFC3339),
	}

	if r.DeleteRequest != nil {
		dr := &DeleteRequestDTO{
			Status:          string(r.DeleteRequest.Status),
			Reason:          r.DeleteRequest.Reason,
			RequestedBy:     r.DeleteRequest.RequestedBy,
			RequestedAt:     r.DeleteRequest.RequestedAt.Format(time.RFC3339),
			Type:            string(r.DeleteRequest.Type),
			ReviewedBy:      r.DeleteRequest.ReviewedBy,
			ReviewerComment: r.DeleteRequest.ReviewerComment,
		}
		if !r.DeleteRequest.ReviewedAt.IsZero() {
			dr.ReviewedAt = r.DeleteRequest.ReviewedAt.Format(time.RFC3339)
		}
		dto.DeleteRequest = dr
	}

	for _, e := range r.EditHistory {
		ed := EditEntryDTO{
			At:      e.At.Format(time.RFC3339),
			ActorID: e.ActorID,
			Actor:   e.ActorName,
			Role:    string(e.ActorRole),
			Reason:  e.Reason,
			Notes:   e.Notes,
			Changes: make([]FieldChangeDTO, len(e.Changes)),
		}
		for i, c := range e.Changes {
			ed.Changes[i] = FieldChangeDTO{Field: c.Field, OldValue: c.OldValue, NewValue: c.NewValue}
		}
		dto.EditHistory = append(dto.EditHistory, ed)
	}

	return dto
}

func toEntryDTOs(recs []*engine.AllocationRecord) []EntryDTO {
	dtos := make([]EntryDTO, len(recs))
	for i, r := range recs {
		dtos[i] = toEntryDTO(r)
	}
	return dtos
}
