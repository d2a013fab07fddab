/*
handlers.go - HTTP API handlers for the allocation engine

PURPOSE:
  Exposes the allocation entry lifecycle via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Entries:
    POST   /api/entries                       Log a new entry
    GET    /api/entries?resource=&date=       List a resource's day
    GET    /api/entries/{id}                  Get entry details
    PATCH  /api/entries/{id}                  Audited edit
    POST   /api/entries/{id}/delete-request   Request deletion
    POST   /api/entries/{id}/review           Resolve a delete request

  Admin:
    GET    /api/admin/delete-requests         Pending review queue
    POST   /api/admin/locations               Upsert catalog location
    POST   /api/admin/resources               Upsert directory resource

  Reports:
    GET    /api/reports/monthly?key=&month=&year=

ERROR HANDLING:
  Domain errors map to HTTP status via the sentinel taxonomy:
  - 400: validation failures
  - 403: ownership/role violations
  - 404: unknown record
  - 409: duplicate primary request, already-pending or missing delete
         request, optimistic write conflicts
  - 423: period locked (month closed or explicit lock)
  - 502: collaborator (directory/catalog) unavailable
  - 500: everything else

SECURITY NOTE:
  Actor identity is caller-asserted in request bodies. Authentication
  belongs in a gateway in front of this service.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - engine/service.go: The domain logic all of this delegates to
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/allocation-engine/engine"
	"github.com/warp/allocation-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *engine.Service
	Store   *sqlite.Store // admin seeding of locations/resources
}

// NewHandler creates a new handler around the lifecycle service.
func NewHandler(svc *engine.Service, store *sqlite.Store) *Handler {
	return &Handler{Service: svc, Store: store}
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

// CreateEntry logs a new allocation entry.
// POST /api/entries
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req CreateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	allocDate, err := time.Parse("2006-01-02", req.AllocationDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid allocation_date format (use YYYY-MM-DD)", err)
		return
	}
	var loggedDate time.Time
	if req.LoggedDate != "" {
		loggedDate, err = time.Parse("2006-01-02", req.LoggedDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid logged_date format (use YYYY-MM-DD)", err)
			return
		}
	}

	rec, err := h.Service.Create(r.Context(), engine.CreateInput{
		ResourceEmail:  req.ResourceEmail,
		LocationID:     engine.LocationID(req.LocationID),
		AllocationDate: allocDate,
		LoggedDate:     loggedDate,
		RequestID:      req.RequestID,
		Category:       req.Category,
		SubCategory:    req.SubCategory,
		Remark:         req.Remark,
		Facility:       req.Facility,
		Count:          req.Count,
	})
	if err != nil {
		writeDomainError(w, "Failed to create entry", err)
		return
	}

	writeJSON(w, http.StatusCreated, toEntryDTO(rec))
}

// GetEntry returns a single entry. Soft-deleted entries remain visible.
// GET /api/entries/{id}
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id := engine.RecordID(chi.URLParam(r, "id"))

	rec, err := h.Service.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(rec))
}

// ListEntries returns a resource's entries for one business day in serial
// order.
// GET /api/entries?resource={id}&date={YYYY-MM-DD}
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	dateStr := r.URL.Query().Get("date")
	if resource == "" || dateStr == "" {
		writeError(w, http.StatusBadRequest, "resource and date query parameters are required", nil)
		return
	}
	date, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}

	recs, err := h.Service.ListDay(r.Context(), engine.ResourceID(resource), date)
	if err != nil {
		writeDomainError(w, "Failed to list entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(recs))
}

// EditEntry applies an audited field update.
// PATCH /api/entries/{id}
func (h *Handler) EditEntry(w http.ResponseWriter, r *http.Request) {
	id := engine.RecordID(chi.URLParam(r, "id"))

	var req EditEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	updates := engine.EditFields{
		RequestID:   req.RequestID,
		Category:    req.Category,
		SubCategory: req.SubCategory,
		Remark:      req.Remark,
		Facility:    req.Facility,
		Count:       req.Count,
	}
	if req.LoggedDate != nil {
		d, err := time.Parse("2006-01-02", *req.LoggedDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid logged_date format (use YYYY-MM-DD)", err)
			return
		}
		updates.LoggedDate = &d
	}

	actor := req.Actor.toActor()
	var (
		rec *engine.AllocationRecord
		err error
	)
	if actor.IsAdmin() {
		rec, err = h.Service.AdminDirectEdit(r.Context(), id, updates, actor, req.Reason, req.Notes)
	} else {
		rec, err = h.Service.Edit(r.Context(), id, updates, actor, req.Reason, req.Notes)
	}
	if err != nil {
		writeDomainError(w, "Failed to edit entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(rec))
}

// RequestDelete opens the two-phase delete flow.
// POST /api/entries/{id}/delete-request
func (h *Handler) RequestDelete(w http.ResponseWriter, r *http.Request) {
	id := engine.RecordID(chi.URLParam(r, "id"))

	var req DeleteRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rec, err := h.Service.RequestDelete(r.Context(), id, req.Actor.toActor(), req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to request deletion", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toEntryDTO(rec))
}

// ReviewDelete resolves a pending delete request.
// POST /api/entries/{id}/review
func (h *Handler) ReviewDelete(w http.ResponseWriter, r *http.Request) {
	id := engine.RecordID(chi.URLParam(r, "id"))

	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	out, err := h.Service.ReviewDelete(r.Context(), id, req.Reviewer.toActor(),
		engine.ReviewDecision(req.Decision), req.Comment, engine.DeleteType(req.DeleteType))
	if err != nil {
		writeDomainError(w, "Failed to review delete request", err)
		return
	}

	dto := ReviewOutcomeDTO{
		Decision:   string(out.Decision),
		DeleteType: string(out.DeleteType),
	}
	if out.Record != nil {
		entry := toEntryDTO(out.Record)
		dto.Entry = &entry
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ListPendingDeletes returns the review queue, oldest request first.
// GET /api/admin/delete-requests
func (h *Handler) ListPendingDeletes(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Service.PendingDeleteQueue(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list delete requests", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(recs))
}

// SaveLocation upserts a master catalog entry.
// POST /api/admin/locations
func (h *Handler) SaveLocation(w http.ResponseWriter, r *http.Request) {
	var req SaveLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Client == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id, client and name are required", nil)
		return
	}

	loc := engine.Location{
		ID:             engine.LocationID(req.ID),
		Client:         req.Client,
		Project:        req.Project,
		Name:           req.Name,
		FlatCategories: req.FlatCategories,
	}
	if req.FlatRate != "" {
		rate, err := decimalFromString(req.FlatRate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid flat_rate", err)
			return
		}
		loc.FlatRate = rate
	}
	for _, cr := range req.Rates {
		rate, err := decimalFromString(cr.Rate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid rate for category "+cr.Category, err)
			return
		}
		loc.Rates = append(loc.Rates, engine.CategoryRate{
			Category:    cr.Category,
			SubCategory: cr.SubCategory,
			Rate:        rate,
		})
	}

	if err := h.Store.SaveLocation(r.Context(), loc); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save location", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID, "key": loc.BusinessKey()})
}

// SaveResource upserts a directory entry.
// POST /api/admin/resources
func (h *Handler) SaveResource(w http.ResponseWriter, r *http.Request) {
	var req SaveResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "id and email are required", nil)
		return
	}

	res := engine.Resource{
		ID:    engine.ResourceID(req.ID),
		Name:  req.Name,
		Email: req.Email,
	}
	for _, a := range req.Assignments {
		res.Assignments = append(res.Assignments, engine.Assignment{
			Client:     a.Client,
			LocationID: engine.LocationID(a.LocationID),
		})
	}

	if err := h.Store.SaveResource(r.Context(), res); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save resource", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// MonthlySummary returns a per-location billing rollup.
// GET /api/reports/monthly?key={subproject_key}&month={1-12}&year={yyyy}
func (h *Handler) MonthlySummary(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	month, merr := strconv.Atoi(r.URL.Query().Get("month"))
	year, yerr := strconv.Atoi(r.URL.Query().Get("year"))
	if key == "" || merr != nil || yerr != nil || month < 1 || month > 12 {
		writeError(w, http.StatusBadRequest, "key, month (1-12) and year query parameters are required", nil)
		return
	}

	sum, err := h.Service.SummarizeMonth(r.Context(), key, month, year)
	if err != nil {
		writeDomainError(w, "Failed to summarize month", err)
		return
	}
	writeJSON(w, http.StatusOK, SummaryDTO{
		SubprojectKey: sum.SubprojectKey,
		Month:         sum.Month,
		Year:          sum.Year,
		EntryCount:    sum.EntryCount,
		TotalCount:    sum.TotalCount,
		TotalAmount:   sum.TotalAmount.String(),
		LateCount:     sum.LateCount,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// writeDomainError maps the engine's error taxonomy to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	var dup *engine.DuplicatePrimaryError
	if errors.As(err, &dup) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:             message,
			Details:           dup.Error(),
			SuggestedCategory: dup.SuggestedCategory,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrValidationFailed):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrPeriodLocked):
		status = http.StatusLocked
	case errors.Is(err, engine.ErrDeleteAlreadyPending),
		errors.Is(err, engine.ErrNoPendingDeleteRequest),
		errors.Is(err, engine.ErrConcurrencyConflict):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrCollaboratorUnavailable):
		status = http.StatusBadGateway
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func decimalFromString(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}
