/*
Package engine implements the import reconciliation and weekly settlement
core for courier payouts.

PURPOSE:
  Raw per-delivery rows imported from two delivery platforms (SAIPOS and
  YOOGA) are deduplicated, classified into a fee tier, matched against the
  courier roster and assigned to an accounting week. Rows that cannot be
  resolved automatically land in one of two human pending queues. When a
  week closes, ride earnings are netted against manual ledger entries and
  loan installments into one payout snapshot per courier.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: exact cent-precision amounts (decimal.Decimal, never float64)
  - Week: a non-overlapping accounting period with a permanent closing
    sequence number used as the time axis for loan schedules
  - Ride: the central fact record produced by ingestion
  - LoanPlan / LoanInstallment: amortized deductions with carry-forward
  - WeekPayout: the computed, replaceable-until-paid settlement snapshot

DESIGN PRINCIPLES:
  1. Exactness: all money flows through decimal at cent precision so two
     runs over the same inputs produce byte-identical results
  2. Type safety: typed string IDs prevent mixing courier/week/ride IDs
  3. Closed enums: statuses and pending reasons are fixed constant sets,
     never free text
  4. Auditability: pendings, loan applications and ledger entries keep a
     full trail of how each payout number came to be

SEE ALSO:
  - week.go: week calendar and status lifecycle
  - ingest.go: batch ingestion pipeline
  - settlement.go: payout computation and week close/pay
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Cent-exact amounts
// =============================================================================

// Money is a monetary amount in the house currency, exact to the cent.
type Money = decimal.Decimal

// Cents normalizes an amount to cent precision (banker-free, half-up).
func Cents(d decimal.Decimal) Money { return d.Round(2) }

// MoneyFromFloat converts a raw float (as delivered by vendor exports)
// into a cent-exact amount.
func MoneyFromFloat(f float64) Money { return decimal.NewFromFloat(f).Round(2) }

// MustMoney parses a decimal string. Invalid input yields zero; callers
// validate amounts separately.
func MustMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d.Round(2)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	WeekID        string
	CourierID     string
	ImportID      string
	RideID        string
	GroupID       string
	LedgerEntryID string
	LoanPlanID    string
	InstallmentID string
)

// =============================================================================
// ENUMERATIONS
// =============================================================================

// Source identifies the delivery platform an import came from.
type Source string

const (
	SourceSaipos Source = "SAIPOS"
	SourceYooga  Source = "YOOGA"
)

// WeekStatus is the forward-only week lifecycle.
type WeekStatus string

const (
	WeekOpen   WeekStatus = "OPEN"
	WeekClosed WeekStatus = "CLOSED"
	WeekPaid   WeekStatus = "PAID"
)

// RideStatus tracks a ride through ingestion and resolution.
type RideStatus string

const (
	RideOK                RideStatus = "OK"
	RidePendingAssignment RideStatus = "PENDENTE_ATRIBUICAO"
	RidePendingReview     RideStatus = "PENDENTE_REVISAO"
	RidePendingMatch      RideStatus = "PENDENTE_MATCH"
	RideDiscarded         RideStatus = "DESCARTADO"
)

// IsPending reports whether the status still needs human resolution.
func (s RideStatus) IsPending() bool {
	return s == RidePendingAssignment || s == RidePendingReview || s == RidePendingMatch
}

// PendingReason is the closed set of reasons a ride can be pending.
type PendingReason string

const (
	ReasonEmptyName          PendingReason = "NOME_VAZIO"
	ReasonNameNotRegistered  PendingReason = "NOME_NAO_CADASTRADO"
	ReasonSignatureCollision PendingReason = "YOOGA_ASSINATURA_COLISAO"
)

// FeeType is the payout tier of a ride, derived solely from its value.
type FeeType int

const (
	Fee6  FeeType = 6
	Fee10 FeeType = 10
)

// feeTierValue is the single ride value that maps to the higher tier.
var feeTierValue = decimal.New(1000, -2) // 10.00

// FeeTypeFor classifies a ride value: exactly 10.00 at cent precision is
// tier 10, everything else is tier 6. No tolerance band.
func FeeTypeFor(value Money) FeeType {
	if Cents(value).Equal(feeTierValue) {
		return Fee10
	}
	return Fee6
}

// CourierCategory distinguishes weekly-settled from per-day couriers.
type CourierCategory string

const (
	CategorySemanal  CourierCategory = "SEMANAL"
	CategoryDiarista CourierCategory = "DIARISTA"
)

// PaymentKeyType enumerates PIX key kinds carried on payment info.
type PaymentKeyType string

const (
	KeyCPF      PaymentKeyType = "CPF"
	KeyCNPJ     PaymentKeyType = "CNPJ"
	KeyTelefone PaymentKeyType = "TELEFONE"
	KeyEmail    PaymentKeyType = "EMAIL"
	KeyAleatory PaymentKeyType = "ALEATORIA"
	KeyOther    PaymentKeyType = "OUTRO"
)

// LedgerType carries the direction of a ledger entry; amounts are always
// positive.
type LedgerType string

const (
	LedgerExtra LedgerType = "EXTRA" // credit to the courier
	LedgerVale  LedgerType = "VALE"  // debit (advance) against the courier
)

// ReviewStatus is the two-state review group machine.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "PENDING"
	ReviewResolved ReviewStatus = "RESOLVED"
)

// ImportStatus marks the terminal state of an import record.
type ImportStatus string

const (
	ImportDone ImportStatus = "DONE"
)

// RoundingMode selects how installment schedules split the total.
type RoundingMode string

const (
	RoundCent RoundingMode = "CENT" // cent-floor, last installment absorbs remainder
	RoundReal RoundingMode = "REAL" // whole-unit floor, same absorption rule
)

// LoanPlanStatus is the plan-level lifecycle.
type LoanPlanStatus string

const (
	PlanActive    LoanPlanStatus = "ACTIVE"
	PlanPaused    LoanPlanStatus = "PAUSED"
	PlanDone      LoanPlanStatus = "DONE"
	PlanCancelled LoanPlanStatus = "CANCELLED"
)

// InstallmentStatus is the per-installment machine:
//
//	DUE     -> PARTIAL | PAID | ROLLED | PAUSED | CANCELLED
//	PARTIAL -> PARTIAL | PAID | ROLLED
//	ROLLED  -> PARTIAL | PAID | ROLLED | PAUSED
//	PAUSED  -> DUE (resume)
//	PAID, CANCELLED are terminal.
type InstallmentStatus string

const (
	InstallmentDue       InstallmentStatus = "DUE"
	InstallmentPaused    InstallmentStatus = "PAUSED"
	InstallmentPartial   InstallmentStatus = "PARTIAL"
	InstallmentRolled    InstallmentStatus = "ROLLED"
	InstallmentPaid      InstallmentStatus = "PAID"
	InstallmentCancelled InstallmentStatus = "CANCELLED"
)

// Terminal reports whether no further application can touch the installment.
func (s InstallmentStatus) Terminal() bool {
	return s == InstallmentPaid || s == InstallmentCancelled
}

// Collectible reports whether apply-for-week may deduct against it.
func (s InstallmentStatus) Collectible() bool {
	return s == InstallmentDue || s == InstallmentPartial || s == InstallmentRolled
}

// =============================================================================
// DATE - Calendar day without time-of-day
// =============================================================================

// Date is a calendar day in UTC. Weeks are bounded by dates (inclusive),
// rides are bucketed by the date part of their order timestamp.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Year: year, Month: month, Day: day}
}

func DateOf(t time.Time) Date {
	u := t.UTC()
	return Date{Year: u.Year(), Month: u.Month(), Day: u.Day()}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) String() string         { return d.Time().Format("2006-01-02") }
func (d Date) Before(o Date) bool     { return d.Time().Before(o.Time()) }
func (d Date) After(o Date) bool      { return d.Time().After(o.Time()) }
func (d Date) Equal(o Date) bool      { return d == o }
func (d Date) AddDays(n int) Date     { return DateOf(d.Time().AddDate(0, 0, n)) }
func (d Date) OnOrAfter(o Date) bool  { return !d.Before(o) }
func (d Date) OnOrBefore(o Date) bool { return !d.After(o) }

// =============================================================================
// ENTITIES
// =============================================================================

// Week is one accounting period. Ranges are inclusive and never overlap.
// ClosingSeq is assigned once at creation and is the ordering axis for loan
// schedules; the date range may still be shifted while the week is not paid.
type Week struct {
	ID         WeekID
	ClosingSeq int
	StartDate  Date
	EndDate    Date
	Status     WeekStatus
	Note       string
	CreatedAt  time.Time
}

// Contains reports whether the date falls inside the week's range.
func (w Week) Contains(d Date) bool {
	return d.OnOrAfter(w.StartDate) && d.OnOrBefore(w.EndDate)
}

// Courier is one roster entry.
type Courier struct {
	ID        CourierID
	ShortName string
	FullName  string
	Category  CourierCategory
	Active    bool
	CreatedAt time.Time
}

// PaymentInfo is the courier's PIX destination (zero or one per courier).
type PaymentInfo struct {
	CourierID CourierID
	KeyType   PaymentKeyType
	KeyValue  string
	Bank      string
}

// Alias is a vendor spelling of a courier name, matched after exact lookup
// fails. AliasNorm is unique per courier.
type Alias struct {
	ID        string
	CourierID CourierID
	AliasRaw  string
	AliasNorm string
}

// Import records one ingested batch. (Source, FileHash) is unique; a
// re-submission of the same file is detected here before any row work.
type Import struct {
	ID        ImportID
	Source    Source
	Filename  string
	FileHash  string
	Status    ImportStatus
	Meta      map[string]any
	CreatedAt time.Time
}

// Ride is the central fact record.
type Ride struct {
	ID              RideID
	Source          Source
	ImportID        ImportID
	ExternalID      string // SAIPOS order id; empty for YOOGA
	SourceRowNumber int    // YOOGA row position; 0 for SAIPOS
	SignatureKey    string // YOOGA duplicate-detection key; empty for SAIPOS
	OrderDT         time.Time
	DeliveryDT      *time.Time
	OrderDate       Date // derived: date part of OrderDT
	WeekID          WeekID
	CourierID       CourierID // empty until matched or assigned
	CourierNameRaw  string
	CourierNameNorm string
	Value           Money
	FeeType         FeeType
	Status          RideStatus
	PendingReason   PendingReason // empty unless pending
	PaidInWeekID    WeekID        // set when a ride pays out in a later week
	Meta            map[string]any
	CreatedAt       time.Time
}

// PayableWeek is the week this ride settles in: the redirect target when a
// late assignment moved it, otherwise its calendar week.
func (r Ride) PayableWeek() WeekID {
	if r.PaidInWeekID != "" {
		return r.PaidInWeekID
	}
	return r.WeekID
}

// ReviewGroup collects same-signature YOOGA rides of one week awaiting a
// human decision. Unique per (week, signature).
type ReviewGroup struct {
	ID           GroupID
	WeekID       WeekID
	SignatureKey string
	Status       ReviewStatus
	CreatedAt    time.Time
}

// LedgerEntry is one manual credit (EXTRA) or debit (VALE). Immutable;
// corrections are offsetting entries.
type LedgerEntry struct {
	ID            LedgerEntryID
	CourierID     CourierID
	WeekID        WeekID
	EffectiveDate Date
	Type          LedgerType
	Amount        Money // strictly positive; direction carried by Type
	RelatedRideID RideID
	Note          string
	CreatedAt     time.Time
}

// LoanPlan is an amortized advance to a courier.
type LoanPlan struct {
	ID              LoanPlanID
	CourierID       CourierID
	TotalAmount     Money
	NInstallments   int
	Rounding        RoundingMode
	Status          LoanPlanStatus
	StartClosingSeq int
	Note            string
	CreatedAt       time.Time
}

// LoanInstallment is one scheduled deduction. DueClosingSeq moves forward
// when a shortfall rolls; InstallmentNo never changes.
type LoanInstallment struct {
	ID            InstallmentID
	PlanID        LoanPlanID
	InstallmentNo int
	DueClosingSeq int
	Amount        Money
	PaidAmount    Money
	Status        InstallmentStatus
}

// Remainder is the part of the installment still owed.
func (i LoanInstallment) Remainder() Money { return i.Amount.Sub(i.PaidAmount) }

// LoanApplication is the audit record of one deduction applied to one week.
// Unique per (installment, week): recomputation never double-applies.
type LoanApplication struct {
	ID            string
	InstallmentID InstallmentID
	PlanID        LoanPlanID
	CourierID     CourierID
	WeekID        WeekID
	AppliedAmount Money
	CreatedAt     time.Time
}

// WeekPayout is the settlement snapshot for one (week, courier) pair.
// Regenerated whenever inputs change, frozen once PaidAt is set.
type WeekPayout struct {
	WeekID             WeekID
	CourierID          CourierID
	RidesCount         int
	RidesAmount        Money
	ExtrasAmount       Money
	ValesAmount        Money
	InstallmentsAmount Money
	NetAmount          Money
	PendingCount       int
	IsFlagRed          bool
	ComputedAt         time.Time
	PaidAt             *time.Time
}

// =============================================================================
// INGESTION INPUT/OUTPUT
// =============================================================================

// RawRow is one already-tokenized vendor row. File parsing happens upstream;
// the engine only sees field values.
type RawRow struct {
	ExternalID      string     // SAIPOS partner order id
	SourceRowNumber int        // YOOGA position in the export
	OrderDT         time.Time
	DeliveryDT      *time.Time // YOOGA only, participates in the signature
	CourierNameRaw  string
	Value           Money
}

// ImportResult summarizes one ingestion call.
type ImportResult struct {
	ImportID          ImportID
	AlreadyProcessed  bool // duplicate (source, file_hash): successful no-op
	Inserted          int
	SkippedDuplicates int
	PendingAssignment int
	PendingReview     int
	WeeksTouched      []WeekID
}
