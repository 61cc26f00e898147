/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

DATA ENCODING:
  Money fields ride on decimal.Decimal, which unmarshals both JSON
  numbers and strings exactly - float64 never touches an amount.
  Calendar dates are "YYYY-MM-DD" strings, timestamps RFC3339.

VALIDATION:
  Validation is done in handlers and the domain layer, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fleetpay/settlement-engine/engine"
)

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// WEEKS
// =============================================================================

type CreateWeekRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Note      string `json:"note,omitempty"`
}

type UpdateWeekDatesRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type PayWeekRequest struct {
	PaidAt string `json:"paid_at,omitempty"` // RFC3339; defaults to now
}

type WeekDTO struct {
	ID         string `json:"id"`
	ClosingSeq int    `json:"closing_seq"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	Status     string `json:"status"`
	Note       string `json:"note,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func toWeekDTO(w engine.Week) WeekDTO {
	return WeekDTO{
		ID:         string(w.ID),
		ClosingSeq: w.ClosingSeq,
		StartDate:  w.StartDate.String(),
		EndDate:    w.EndDate.String(),
		Status:     string(w.Status),
		Note:       w.Note,
		CreatedAt:  w.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// COURIERS
// =============================================================================

type CreateCourierRequest struct {
	ShortName string `json:"short_name"`
	FullName  string `json:"full_name,omitempty"`
	Category  string `json:"category"`
}

type UpdateCourierRequest struct {
	ShortName string `json:"short_name"`
	FullName  string `json:"full_name,omitempty"`
	Category  string `json:"category"`
	Active    bool   `json:"active"`
}

type AddAliasRequest struct {
	Alias string `json:"alias"`
}

type SetPaymentInfoRequest struct {
	KeyType  string `json:"key_type"`
	KeyValue string `json:"key_value"`
	Bank     string `json:"bank,omitempty"`
}

type CourierDTO struct {
	ID        string `json:"id"`
	ShortName string `json:"short_name"`
	FullName  string `json:"full_name,omitempty"`
	Category  string `json:"category"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

func toCourierDTO(c engine.Courier) CourierDTO {
	return CourierDTO{
		ID:        string(c.ID),
		ShortName: c.ShortName,
		FullName:  c.FullName,
		Category:  string(c.Category),
		Active:    c.Active,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
	}
}

type AliasDTO struct {
	ID        string `json:"id"`
	CourierID string `json:"courier_id"`
	AliasRaw  string `json:"alias_raw"`
	AliasNorm string `json:"alias_norm"`
}

func toAliasDTO(a engine.Alias) AliasDTO {
	return AliasDTO{
		ID:        a.ID,
		CourierID: string(a.CourierID),
		AliasRaw:  a.AliasRaw,
		AliasNorm: a.AliasNorm,
	}
}

// =============================================================================
// IMPORTS AND RIDES
// =============================================================================

// ImportRowDTO is one already-tokenized vendor row. order_dt and
// delivery_dt are RFC3339.
type ImportRowDTO struct {
	ExternalID      string          `json:"external_id,omitempty"`
	SourceRowNumber int             `json:"source_row_number,omitempty"`
	OrderDT         string          `json:"order_dt"`
	DeliveryDT      string          `json:"delivery_dt,omitempty"`
	CourierName     string          `json:"courier_name"`
	Value           decimal.Decimal `json:"value"`
}

type IngestRequest struct {
	Source   string         `json:"source"`
	Filename string         `json:"filename,omitempty"`
	FileHash string         `json:"file_hash"`
	Rows     []ImportRowDTO `json:"rows"`
}

type ImportResultDTO struct {
	ImportID          string   `json:"import_id"`
	AlreadyProcessed  bool     `json:"already_processed"`
	Inserted          int      `json:"inserted"`
	SkippedDuplicates int      `json:"skipped_duplicates"`
	PendingAssignment int      `json:"pending_assignment"`
	PendingReview     int      `json:"pending_review"`
	WeeksTouched      []string `json:"weeks_touched"`
}

func toImportResultDTO(r engine.ImportResult) ImportResultDTO {
	weeks := make([]string, len(r.WeeksTouched))
	for i, w := range r.WeeksTouched {
		weeks[i] = string(w)
	}
	return ImportResultDTO{
		ImportID:          string(r.ImportID),
		AlreadyProcessed:  r.AlreadyProcessed,
		Inserted:          r.Inserted,
		SkippedDuplicates: r.SkippedDuplicates,
		PendingAssignment: r.PendingAssignment,
		PendingReview:     r.PendingReview,
		WeeksTouched:      weeks,
	}
}

type RideDTO struct {
	ID             string          `json:"id"`
	Source         string          `json:"source"`
	ImportID       string          `json:"import_id"`
	ExternalID     string          `json:"external_id,omitempty"`
	OrderDT        string          `json:"order_dt"`
	DeliveryDT     string          `json:"delivery_dt,omitempty"`
	OrderDate      string          `json:"order_date"`
	WeekID         string          `json:"week_id"`
	CourierID      string          `json:"courier_id,omitempty"`
	CourierNameRaw string          `json:"courier_name_raw,omitempty"`
	Value          decimal.Decimal `json:"value"`
	FeeType        int             `json:"fee_type"`
	Status         string          `json:"status"`
	PendingReason  string          `json:"pending_reason,omitempty"`
	PaidInWeekID   string          `json:"paid_in_week_id,omitempty"`
}

func toRideDTO(r engine.Ride) RideDTO {
	dto := RideDTO{
		ID:             string(r.ID),
		Source:         string(r.Source),
		ImportID:       string(r.ImportID),
		ExternalID:     r.ExternalID,
		OrderDT:        r.OrderDT.Format(time.RFC3339),
		OrderDate:      r.OrderDate.String(),
		WeekID:         string(r.WeekID),
		CourierID:      string(r.CourierID),
		CourierNameRaw: r.CourierNameRaw,
		Value:          r.Value,
		FeeType:        int(r.FeeType),
		Status:         string(r.Status),
		PendingReason:  string(r.PendingReason),
		PaidInWeekID:   string(r.PaidInWeekID),
	}
	if r.DeliveryDT != nil {
		dto.DeliveryDT = r.DeliveryDT.Format(time.RFC3339)
	}
	return dto
}

func toRideDTOs(rides []engine.Ride) []RideDTO {
	dtos := make([]RideDTO, len(rides))
	for i, r := range rides {
		dtos[i] = toRideDTO(r)
	}
	return dtos
}

// =============================================================================
// PENDING QUEUES
// =============================================================================

type AssignRequest struct {
	CourierID string `json:"courier_id"`
}

// ResolveReviewRequest carries exactly one decision mode.
type ResolveReviewRequest struct {
	ApproveAll  bool              `json:"approve_all,omitempty"`
	KeepRideID  string            `json:"keep_ride_id,omitempty"`
	Assignments map[string]string `json:"assignments,omitempty"` // ride id -> courier id
	Discards    []string          `json:"discards,omitempty"`
}

type GroupSummaryDTO struct {
	ID           string `json:"id"`
	WeekID       string `json:"week_id"`
	SignatureKey string `json:"signature_key"`
	Status       string `json:"status"`
	Items        int    `json:"items"`
	CreatedAt    string `json:"created_at"`
}

func toGroupSummaryDTO(g engine.GroupSummary) GroupSummaryDTO {
	return GroupSummaryDTO{
		ID:           string(g.Group.ID),
		WeekID:       string(g.Group.WeekID),
		SignatureKey: g.Group.SignatureKey,
		Status:       string(g.Group.Status),
		Items:        g.Items,
		CreatedAt:    g.Group.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// LEDGER
// =============================================================================

type AddLedgerEntryRequest struct {
	CourierID     string          `json:"courier_id"`
	WeekID        string          `json:"week_id"`
	EffectiveDate string          `json:"effective_date"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	RelatedRideID string          `json:"related_ride_id,omitempty"`
	Note          string          `json:"note,omitempty"`
}

type LedgerEntryDTO struct {
	ID            string          `json:"id"`
	CourierID     string          `json:"courier_id"`
	WeekID        string          `json:"week_id"`
	EffectiveDate string          `json:"effective_date"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	RelatedRideID string          `json:"related_ride_id,omitempty"`
	Note          string          `json:"note,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

func toLedgerEntryDTO(e engine.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:            string(e.ID),
		CourierID:     string(e.CourierID),
		WeekID:        string(e.WeekID),
		EffectiveDate: e.EffectiveDate.String(),
		Type:          string(e.Type),
		Amount:        e.Amount,
		RelatedRideID: string(e.RelatedRideID),
		Note:          e.Note,
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// LOANS
// =============================================================================

type CreateLoanPlanRequest struct {
	CourierID       string          `json:"courier_id"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	NInstallments   int             `json:"n_installments"`
	Rounding        string          `json:"rounding"`
	StartClosingSeq int             `json:"start_closing_seq"`
	Note            string          `json:"note,omitempty"`
}

type LoanPlanDTO struct {
	ID              string          `json:"id"`
	CourierID       string          `json:"courier_id"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	NInstallments   int             `json:"n_installments"`
	Rounding        string          `json:"rounding"`
	Status          string          `json:"status"`
	StartClosingSeq int             `json:"start_closing_seq"`
	Note            string          `json:"note,omitempty"`
	CreatedAt       string          `json:"created_at"`
}

func toLoanPlanDTO(p engine.LoanPlan) LoanPlanDTO {
	return LoanPlanDTO{
		ID:              string(p.ID),
		CourierID:       string(p.CourierID),
		TotalAmount:     p.TotalAmount,
		NInstallments:   p.NInstallments,
		Rounding:        string(p.Rounding),
		Status:          string(p.Status),
		StartClosingSeq: p.StartClosingSeq,
		Note:            p.Note,
		CreatedAt:       p.CreatedAt.Format(time.RFC3339),
	}
}

type InstallmentDTO struct {
	ID            string          `json:"id"`
	PlanID        string          `json:"plan_id"`
	InstallmentNo int             `json:"installment_no"`
	DueClosingSeq int             `json:"due_closing_seq"`
	Amount        decimal.Decimal `json:"amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	Status        string          `json:"status"`
}

func toInstallmentDTO(i engine.LoanInstallment) InstallmentDTO {
	return InstallmentDTO{
		ID:            string(i.ID),
		PlanID:        string(i.PlanID),
		InstallmentNo: i.InstallmentNo,
		DueClosingSeq: i.DueClosingSeq,
		Amount:        i.Amount,
		PaidAmount:    i.PaidAmount,
		Status:        string(i.Status),
	}
}

// =============================================================================
// PAYOUTS
// =============================================================================

type PayoutDTO struct {
	WeekID             string          `json:"week_id"`
	CourierID          string          `json:"courier_id"`
	RidesCount         int             `json:"rides_count"`
	RidesAmount        decimal.Decimal `json:"rides_amount"`
	ExtrasAmount       decimal.Decimal `json:"extras_amount"`
	ValesAmount        decimal.Decimal `json:"vales_amount"`
	InstallmentsAmount decimal.Decimal `json:"installments_amount"`
	NetAmount          decimal.Decimal `json:"net_amount"`
	PendingCount       int             `json:"pending_count"`
	IsFlagRed          bool            `json:"is_flag_red"`
	ComputedAt         string          `json:"computed_at"`
	PaidAt             string          `json:"paid_at,omitempty"`
}

func toPayoutDTO(p engine.WeekPayout) PayoutDTO {
	dto := PayoutDTO{
		WeekID:             string(p.WeekID),
		CourierID:          string(p.CourierID),
		RidesCount:         p.RidesCount,
		RidesAmount:        p.RidesAmount,
		ExtrasAmount:       p.ExtrasAmount,
		ValesAmount:        p.ValesAmount,
		InstallmentsAmount: p.InstallmentsAmount,
		NetAmount:          p.NetAmount,
		PendingCount:       p.PendingCount,
		IsFlagRed:          p.IsFlagRed,
		ComputedAt:         p.ComputedAt.Format(time.RFC3339),
	}
	if p.PaidAt != nil {
		dto.PaidAt = p.PaidAt.Format(time.RFC3339)
	}
	return dto
}

func toPayoutDTOs(payouts []engine.WeekPayout) []PayoutDTO {
	dtos := make([]PayoutDTO, len(payouts))
	for i, p := range payouts {
		dtos[i] = toPayoutDTO(p)
	}
	return dtos
}
