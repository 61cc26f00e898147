/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the reconciliation and settlement engine via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to domain
  logic.

ENDPOINTS:
  Weeks:
    GET    /api/weeks                   List the calendar
    POST   /api/weeks                   Create a week
    GET    /api/weeks/{id}              Get one week
    PUT    /api/weeks/{id}/dates        Shift a week's date range
    POST   /api/weeks/{id}/compute      Recompute payout snapshots
    POST   /api/weeks/{id}/close        Close the week (loans + snapshots)
    POST   /api/weeks/{id}/pay          Mark the week paid
    GET    /api/weeks/{id}/payouts      Payout snapshots for export
    GET    /api/weeks/{id}/ledger       Ledger entries of the week

  Couriers:
    GET    /api/couriers                List roster
    POST   /api/couriers                Register courier
    GET    /api/couriers/{id}           Get courier
    PUT    /api/couriers/{id}           Update courier
    GET    /api/couriers/{id}/aliases   List known spellings
    POST   /api/couriers/{id}/aliases   Teach a spelling
    PUT    /api/couriers/{id}/payment   Set PIX payment info
    GET    /api/couriers/{id}/loans     Loan plans of the courier

  Imports and rides:
    POST   /api/imports                 Ingest a tokenized batch
    GET    /api/imports/{id}            Get import record
    GET    /api/rides                   List rides (status/week/source)
    GET    /api/rides/{id}              Get one ride

  Pending queues:
    GET    /api/pendings/assignment            Assignment queue
    POST   /api/pendings/assignment/{rideID}   Assign a courier
    GET    /api/pendings/review                Review groups
    GET    /api/pendings/review/{groupID}      Group members
    POST   /api/pendings/review/{groupID}/resolve  Apply a decision

  Ledger:
    POST   /api/ledger                  Append EXTRA/VALE entry
    GET    /api/ledger                  List entries (week, courier)

  Loans:
    POST   /api/loans                   Create amortized plan
    GET    /api/loans                   List plans (courier)
    GET    /api/loans/{id}              Get plan
    GET    /api/loans/{id}/installments Schedule
    POST   /api/loans/{id}/pause        Pause plan
    POST   /api/loans/{id}/resume       Resume plan
    POST   /api/loans/{id}/cancel       Cancel plan
    POST   /api/loans/installments/{id}/pause   Pause one installment
    POST   /api/loans/installments/{id}/resume  Resume one installment

ERROR HANDLING:
  Domain error categories map to HTTP status:
  - 400: Validation errors, invalid input
  - 404: Unknown ids
  - 409: Conflict (duplicates, overlaps, frozen payouts, double resolve)
  - 422: Invariant failures (no week covers a date, no open week)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetpay/settlement-engine/engine"
	"github.com/fleetpay/settlement-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Calendar   *engine.WeekCalendar
	Couriers   *engine.Couriers
	Ingestor   *engine.Ingestor
	Pending    *engine.PendingWorkflow
	Ledger     *engine.LedgerAccount
	Loans      *engine.LoanAmortizer
	Settlement *engine.SettlementCalculator
}

// NewHandler wires the domain services over the given store.
func NewHandler(store *sqlite.Store) *Handler {
	audit := sqlite.NewAuditSink(store)
	calendar := engine.NewWeekCalendar(store, audit)
	matcher := engine.NewIdentityMatcher(store)
	loans := engine.NewLoanAmortizer(store, audit)

	return &Handler{
		Store:      store,
		Calendar:   calendar,
		Couriers:   engine.NewCouriers(store, audit),
		Ingestor:   engine.NewIngestor(store, matcher, audit),
		Pending:    engine.NewPendingWorkflow(store, audit),
		Ledger:     engine.NewLedgerAccount(store, audit),
		Loans:      loans,
		Settlement: engine.NewSettlementCalculator(store, loans, audit),
	}
}

// =============================================================================
// WEEK HANDLERS
// =============================================================================

// ListWeeks returns the whole calendar.
func (h *Handler) ListWeeks(w http.ResponseWriter, r *http.Request) {
	weeks, err := h.Calendar.List(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list weeks", err)
		return
	}
	dtos := make([]WeekDTO, len(weeks))
	for i, wk := range weeks {
		dtos[i] = toWeekDTO(wk)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateWeek creates a new OPEN week.
func (h *Handler) CreateWeek(w http.ResponseWriter, r *http.Request) {
	var req CreateWeekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	start, err := engine.ParseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date format (use YYYY-MM-DD)", err)
		return
	}
	end, err := engine.ParseDate(req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end_date format (use YYYY-MM-DD)", err)
		return
	}

	week, err := h.Calendar.CreateWeek(r.Context(), start, end, req.Note)
	if err != nil {
		writeDomainError(w, "Failed to create week", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWeekDTO(week))
}

// GetWeek returns one week.
func (h *Handler) GetWeek(w http.ResponseWriter, r *http.Request) {
	week, err := h.Calendar.Get(r.Context(), engine.WeekID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get week", err)
		return
	}
	writeJSON(w, http.StatusOK, toWeekDTO(week))
}

// UpdateWeekDates shifts a week's range.
func (h *Handler) UpdateWeekDates(w http.ResponseWriter, r *http.Request) {
	var req UpdateWeekDatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	start, err := engine.ParseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date format (use YYYY-MM-DD)", err)
		return
	}
	end, err := engine.ParseDate(req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end_date format (use YYYY-MM-DD)", err)
		return
	}

	id := engine.WeekID(chi.URLParam(r, "id"))
	if err := h.Calendar.UpdateDates(r.Context(), id, start, end); err != nil {
		writeDomainError(w, "Failed to update week dates", err)
		return
	}
	week, err := h.Calendar.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get week", err)
		return
	}
	writeJSON(w, http.StatusOK, toWeekDTO(week))
}

// ComputeWeek recomputes every payout snapshot of the week.
func (h *Handler) ComputeWeek(w http.ResponseWriter, r *http.Request) {
	payouts, err := h.Settlement.ComputeWeek(r.Context(), engine.WeekID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to compute week", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTOs(payouts))
}

// CloseWeek transitions the week to CLOSED and returns the final snapshots.
func (h *Handler) CloseWeek(w http.ResponseWriter, r *http.Request) {
	payouts, err := h.Settlement.CloseWeek(r.Context(), engine.WeekID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to close week", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTOs(payouts))
}

// PayWeek stamps the week's snapshots and transitions it to PAID.
func (h *Handler) PayWeek(w http.ResponseWriter, r *http.Request) {
	var req PayWeekRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	paidAt := time.Now().UTC()
	if req.PaidAt != "" {
		t, err := time.Parse(time.RFC3339, req.PaidAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid paid_at format (use RFC3339)", err)
			return
		}
		paidAt = t
	}

	if err := h.Settlement.PayWeek(r.Context(), engine.WeekID(chi.URLParam(r, "id")), paidAt); err != nil {
		writeDomainError(w, "Failed to pay week", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListWeekPayouts returns the week's snapshots.
func (h *Handler) ListWeekPayouts(w http.ResponseWriter, r *http.Request) {
	payouts, err := h.Settlement.Payouts(r.Context(), engine.WeekID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to list payouts", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTOs(payouts))
}

// ListWeekLedger returns the week's ledger entries.
func (h *Handler) ListWeekLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Ledger.ListWeekEntries(r.Context(),
		engine.WeekID(chi.URLParam(r, "id")),
		engine.CourierID(r.URL.Query().Get("courier_id")))
	if err != nil {
		writeDomainError(w, "Failed to list ledger entries", err)
		return
	}
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// COURIER HANDLERS
// =============================================================================

// ListCouriers returns the roster. ?active=true narrows to active couriers.
func (h *Handler) ListCouriers(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	couriers, err := h.Couriers.List(r.Context(), activeOnly)
	if err != nil {
		writeDomainError(w, "Failed to list couriers", err)
		return
	}
	dtos := make([]CourierDTO, len(couriers))
	for i, c := range couriers {
		dtos[i] = toCourierDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCourier registers a courier.
func (h *Handler) CreateCourier(w http.ResponseWriter, r *http.Request) {
	var req CreateCourierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	c, err := h.Couriers.Create(r.Context(), req.ShortName, req.FullName, engine.CourierCategory(req.Category))
	if err != nil {
		writeDomainError(w, "Failed to create courier", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCourierDTO(c))
}

// GetCourier returns one courier.
func (h *Handler) GetCourier(w http.ResponseWriter, r *http.Request) {
	c, err := h.Couriers.Get(r.Context(), engine.CourierID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get courier", err)
		return
	}
	writeJSON(w, http.StatusOK, toCourierDTO(c))
}

// UpdateCourier rewrites the mutable courier fields.
func (h *Handler) UpdateCourier(w http.ResponseWriter, r *http.Request) {
	var req UpdateCourierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	c := engine.Courier{
		ID:        engine.CourierID(chi.URLParam(r, "id")),
		ShortName: req.ShortName,
		FullName:  req.FullName,
		Category:  engine.CourierCategory(req.Category),
		Active:    req.Active,
	}
	if err := h.Couriers.Update(r.Context(), c); err != nil {
		writeDomainError(w, "Failed to update courier", err)
		return
	}
	updated, err := h.Couriers.Get(r.Context(), c.ID)
	if err != nil {
		writeDomainError(w, "Failed to get courier", err)
		return
	}
	writeJSON(w, http.StatusOK, toCourierDTO(updated))
}

// ListAliases returns a courier's known spellings.
func (h *Handler) ListAliases(w http.ResponseWriter, r *http.Request) {
	aliases, err := h.Couriers.Aliases(r.Context(), engine.CourierID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to list aliases", err)
		return
	}
	dtos := make([]AliasDTO, len(aliases))
	for i, a := range aliases {
		dtos[i] = toAliasDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AddAlias teaches the matcher a vendor spelling.
func (h *Handler) AddAlias(w http.ResponseWriter, r *http.Request) {
	var req AddAliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	a, err := h.Couriers.AddAlias(r.Context(), engine.CourierID(chi.URLParam(r, "id")), req.Alias)
	if err != nil {
		writeDomainError(w, "Failed to add alias", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAliasDTO(a))
}

// SetPaymentInfo stores the courier's PIX destination.
func (h *Handler) SetPaymentInfo(w http.ResponseWriter, r *http.Request) {
	var req SetPaymentInfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p := engine.PaymentInfo{
		CourierID: engine.CourierID(chi.URLParam(r, "id")),
		KeyType:   engine.PaymentKeyType(req.KeyType),
		KeyValue:  req.KeyValue,
		Bank:      req.Bank,
	}
	if err := h.Couriers.SetPaymentInfo(r.Context(), p); err != nil {
		writeDomainError(w, "Failed to set payment info", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListCourierLoans returns the courier's loan plans.
func (h *Handler) ListCourierLoans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Loans.Plans(r.Context(), engine.CourierID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to list loan plans", err)
		return
	}
	dtos := make([]LoanPlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = toLoanPlanDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// IMPORT AND RIDE HANDLERS
// =============================================================================

// Ingest processes one tokenized vendor batch.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rows := make([]engine.RawRow, len(req.Rows))
	for i, row := range req.Rows {
		orderDT, err := time.Parse(time.RFC3339, row.OrderDT)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid order_dt format (use RFC3339)", err)
			return
		}
		raw := engine.RawRow{
			ExternalID:      row.ExternalID,
			SourceRowNumber: row.SourceRowNumber,
			OrderDT:         orderDT,
			CourierNameRaw:  row.CourierName,
			Value:           row.Value,
		}
		if row.DeliveryDT != "" {
			deliveryDT, err := time.Parse(time.RFC3339, row.DeliveryDT)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid delivery_dt format (use RFC3339)", err)
				return
			}
			raw.DeliveryDT = &deliveryDT
		}
		rows[i] = raw
	}

	result, err := h.Ingestor.Ingest(r.Context(), engine.Source(req.Source), req.Filename, req.FileHash, rows)
	if err != nil {
		writeDomainError(w, "Failed to ingest batch", err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyProcessed {
		status = http.StatusOK
	}
	writeJSON(w, status, toImportResultDTO(result))
}

// GetImport returns one import record.
func (h *Handler) GetImport(w http.ResponseWriter, r *http.Request) {
	imp, err := h.Store.GetImport(r.Context(), engine.ImportID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get import", err)
		return
	}
	if imp == nil {
		writeError(w, http.StatusNotFound, "Import not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         string(imp.ID),
		"source":     string(imp.Source),
		"filename":   imp.Filename,
		"file_hash":  imp.FileHash,
		"status":     string(imp.Status),
		"meta":       imp.Meta,
		"created_at": imp.CreatedAt.Format(time.RFC3339),
	})
}

// ListRides filters rides by status, week and source.
func (h *Handler) ListRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rides, err := h.Store.ListRides(r.Context(), engine.RideFilter{
		Status: engine.RideStatus(q.Get("status")),
		WeekID: engine.WeekID(q.Get("week_id")),
		Source: engine.Source(q.Get("source")),
	})
	if err != nil {
		writeDomainError(w, "Failed to list rides", err)
		return
	}
	writeJSON(w, http.StatusOK, toRideDTOs(rides))
}

// GetRide returns one ride.
func (h *Handler) GetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := h.Store.GetRide(r.Context(), engine.RideID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get ride", err)
		return
	}
	if ride == nil {
		writeError(w, http.StatusNotFound, "Ride not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRideDTO(*ride))
}

// =============================================================================
// PENDING QUEUE HANDLERS
// =============================================================================

// ListAssignmentQueue returns rides awaiting a courier.
func (h *Handler) ListAssignmentQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rides, err := h.Pending.ListAssignment(r.Context(),
		engine.WeekID(q.Get("week_id")), engine.Source(q.Get("source")))
	if err != nil {
		writeDomainError(w, "Failed to list assignment queue", err)
		return
	}
	writeJSON(w, http.StatusOK, toRideDTOs(rides))
}

// AssignRide hands a pending ride to a courier.
func (h *Handler) AssignRide(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ride, err := h.Pending.Assign(r.Context(),
		engine.RideID(chi.URLParam(r, "rideID")), engine.CourierID(req.CourierID))
	if err != nil {
		writeDomainError(w, "Failed to assign ride", err)
		return
	}
	writeJSON(w, http.StatusOK, toRideDTO(ride))
}

// ListReviewQueue returns pending review groups.
func (h *Handler) ListReviewQueue(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Pending.ListReviewGroups(r.Context(), engine.WeekID(r.URL.Query().Get("week_id")))
	if err != nil {
		writeDomainError(w, "Failed to list review groups", err)
		return
	}
	dtos := make([]GroupSummaryDTO, len(groups))
	for i, g := range groups {
		dtos[i] = toGroupSummaryDTO(g)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReviewGroup returns the group's member rides.
func (h *Handler) GetReviewGroup(w http.ResponseWriter, r *http.Request) {
	rides, err := h.Pending.ReviewGroupItems(r.Context(), engine.GroupID(chi.URLParam(r, "groupID")))
	if err != nil {
		writeDomainError(w, "Failed to get review group", err)
		return
	}
	writeJSON(w, http.StatusOK, toRideDTOs(rides))
}

// ResolveReviewGroup applies one decision to a collision group.
func (h *Handler) ResolveReviewGroup(w http.ResponseWriter, r *http.Request) {
	var req ResolveReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	decision := engine.ReviewDecision{
		ApproveAll: req.ApproveAll,
		KeepRideID: engine.RideID(req.KeepRideID),
	}
	if len(req.Assignments) > 0 {
		decision.Assignments = make(map[engine.RideID]engine.CourierID, len(req.Assignments))
		for rideID, courierID := range req.Assignments {
			decision.Assignments[engine.RideID(rideID)] = engine.CourierID(courierID)
		}
	}
	for _, id := range req.Discards {
		decision.Discards = append(decision.Discards, engine.RideID(id))
	}

	if err := h.Pending.ResolveReview(r.Context(), engine.GroupID(chi.URLParam(r, "groupID")), decision); err != nil {
		writeDomainError(w, "Failed to resolve review group", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// AddLedgerEntry appends one EXTRA or VALE.
func (h *Handler) AddLedgerEntry(w http.ResponseWriter, r *http.Request) {
	var req AddLedgerEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	effDate, err := engine.ParseDate(req.EffectiveDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective_date format (use YYYY-MM-DD)", err)
		return
	}

	entry, err := h.Ledger.AddEntry(r.Context(), engine.LedgerEntry{
		CourierID:     engine.CourierID(req.CourierID),
		WeekID:        engine.WeekID(req.WeekID),
		EffectiveDate: effDate,
		Type:          engine.LedgerType(req.Type),
		Amount:        req.Amount,
		RelatedRideID: engine.RideID(req.RelatedRideID),
		Note:          req.Note,
	})
	if err != nil {
		writeDomainError(w, "Failed to add ledger entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(entry))
}

// ListLedgerEntries lists entries by week and optional courier.
func (h *Handler) ListLedgerEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	weekID := engine.WeekID(q.Get("week_id"))
	if weekID == "" {
		writeError(w, http.StatusBadRequest, "week_id query parameter is required", nil)
		return
	}

	entries, err := h.Ledger.ListWeekEntries(r.Context(), weekID, engine.CourierID(q.Get("courier_id")))
	if err != nil {
		writeDomainError(w, "Failed to list ledger entries", err)
		return
	}
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// CreateLoanPlan builds a plan with its installment schedule.
func (h *Handler) CreateLoanPlan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	plan, err := h.Loans.CreatePlan(r.Context(),
		engine.CourierID(req.CourierID), req.TotalAmount, req.NInstallments,
		engine.RoundingMode(req.Rounding), req.StartClosingSeq, req.Note)
	if err != nil {
		writeDomainError(w, "Failed to create loan plan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanPlanDTO(plan))
}

// ListLoanPlans lists plans, optionally narrowed to one courier.
func (h *Handler) ListLoanPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Loans.Plans(r.Context(), engine.CourierID(r.URL.Query().Get("courier_id")))
	if err != nil {
		writeDomainError(w, "Failed to list loan plans", err)
		return
	}
	dtos := make([]LoanPlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = toLoanPlanDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLoanPlan returns one plan.
func (h *Handler) GetLoanPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Loans.Plan(r.Context(), engine.LoanPlanID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get loan plan", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanPlanDTO(plan))
}

// ListInstallments returns the plan's schedule.
func (h *Handler) ListInstallments(w http.ResponseWriter, r *http.Request) {
	installments, err := h.Loans.Installments(r.Context(), engine.LoanPlanID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to list installments", err)
		return
	}
	dtos := make([]InstallmentDTO, len(installments))
	for i, inst := range installments {
		dtos[i] = toInstallmentDTO(inst)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// PauseLoanPlan suspends collection on the whole plan.
func (h *Handler) PauseLoanPlan(w http.ResponseWriter, r *http.Request) {
	if err := h.Loans.PausePlan(r.Context(), engine.LoanPlanID(chi.URLParam(r, "id"))); err != nil {
		writeDomainError(w, "Failed to pause loan plan", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResumeLoanPlan reactivates a paused plan.
func (h *Handler) ResumeLoanPlan(w http.ResponseWriter, r *http.Request) {
	if err := h.Loans.ResumePlan(r.Context(), engine.LoanPlanID(chi.URLParam(r, "id"))); err != nil {
		writeDomainError(w, "Failed to resume loan plan", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelLoanPlan cancels the plan and its open installments.
func (h *Handler) CancelLoanPlan(w http.ResponseWriter, r *http.Request) {
	if err := h.Loans.CancelPlan(r.Context(), engine.LoanPlanID(chi.URLParam(r, "id"))); err != nil {
		writeDomainError(w, "Failed to cancel loan plan", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PauseInstallment suspends one installment.
func (h *Handler) PauseInstallment(w http.ResponseWriter, r *http.Request) {
	if err := h.Loans.PauseInstallment(r.Context(), engine.InstallmentID(chi.URLParam(r, "id"))); err != nil {
		writeDomainError(w, "Failed to pause installment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResumeInstallment puts a paused installment back in the queue.
func (h *Handler) ResumeInstallment(w http.ResponseWriter, r *http.Request) {
	if err := h.Loans.ResumeInstallment(r.Context(), engine.InstallmentID(chi.URLParam(r, "id"))); err != nil {
		writeDomainError(w, "Failed to resume installment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

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

// writeDomainError maps the engine's error taxonomy to HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, httpStatus(err), message, err)
}

func httpStatus(err error) int {
	switch {
	case engine.IsValidation(err):
		return http.StatusBadRequest
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case engine.IsConflict(err):
		return http.StatusConflict
	case engine.IsInvariant(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
