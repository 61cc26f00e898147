/*
store.go - Persistence interfaces for the settlement engine

PURPOSE:
  Defines the contract between domain logic and the database. The store is
  the source of truth for the invariants that must hold even under
  concurrent writers:

  - (source, file_hash) unique on imports
  - (source, external_id) unique on SAIPOS rides
  - (import_id, source_row_number) unique on YOOGA rides
  - week date ranges never overlap
  - one review group per (week, signature)
  - one application per (installment, week)
  - one payout per (week, courier)

  Violations surface as engine conflict errors (ErrDuplicateRow,
  WeekOverlapError), never as generic SQL errors. Check-then-act in the
  service layer is not trusted; the constraint is.

APPEND-ONLY CONTRACT:
  Ledger entries and loan applications have no update or delete
  operations. Corrections are new offsetting records.

ATOMICITY:
  TxStore.WithTx brackets multi-entity operations (an import batch, a week
  close). Everything inside either fully commits or leaves no trace.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite store (use ":memory:" in tests)
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// PER-ENTITY STORES
// =============================================================================

// WeekStore persists the accounting calendar.
type WeekStore interface {
	// CreateWeek assigns the next closing_seq and inserts the week.
	// Overlapping ranges fail with *WeekOverlapError and change nothing.
	CreateWeek(ctx context.Context, w Week) (Week, error)

	// GetWeek returns nil when the id is unknown.
	GetWeek(ctx context.Context, id WeekID) (*Week, error)

	// WeekForDate returns the week whose inclusive range contains d,
	// or nil.
	WeekForDate(ctx context.Context, d Date) (*Week, error)

	// OpenWeekOnOrAfter returns the earliest OPEN week whose end date is
	// on/after d, or nil.
	OpenWeekOnOrAfter(ctx context.Context, d Date) (*Week, error)

	// UpdateWeekDates shifts the range, re-checking overlap against all
	// other weeks. ClosingSeq is never touched.
	UpdateWeekDates(ctx context.Context, id WeekID, start, end Date) error

	// UpdateWeekStatus persists a status transition already validated by
	// the calendar.
	UpdateWeekStatus(ctx context.Context, id WeekID, status WeekStatus) error

	ListWeeks(ctx context.Context) ([]Week, error)
}

// CourierStore persists the roster, aliases and payment info.
type CourierStore interface {
	SaveCourier(ctx context.Context, c Courier) error
	GetCourier(ctx context.Context, id CourierID) (*Courier, error)
	ListCouriers(ctx context.Context, activeOnly bool) ([]Courier, error)

	// FindCourierByNorm matches the normalized short or full name of an
	// active courier.
	FindCourierByNorm(ctx context.Context, norm string) (*Courier, error)

	// AddAlias inserts a vendor spelling; duplicate alias_norm for the
	// same courier fails with ErrDuplicateRow.
	AddAlias(ctx context.Context, a Alias) error
	FindAliasByNorm(ctx context.Context, norm string) (*Alias, error)
	ListAliases(ctx context.Context, courierID CourierID) ([]Alias, error)

	SetPaymentInfo(ctx context.Context, p PaymentInfo) error
	GetPaymentInfo(ctx context.Context, courierID CourierID) (*PaymentInfo, error)
}

// ImportStore persists batch records.
type ImportStore interface {
	// CreateImport inserts the batch record; a duplicate
	// (source, file_hash) fails with ErrDuplicateRow.
	CreateImport(ctx context.Context, imp Import) error
	GetImport(ctx context.Context, id ImportID) (*Import, error)
	GetImportByHash(ctx context.Context, source Source, fileHash string) (*Import, error)
	UpdateImportMeta(ctx context.Context, id ImportID, meta map[string]any) error
}

// RideFilter narrows ride listings. Zero values mean "any".
type RideFilter struct {
	Status RideStatus
	WeekID WeekID
	Source Source
}

// RideStore persists the central fact records.
type RideStore interface {
	// InsertRide fails with ErrDuplicateRow when the row-granularity
	// uniqueness keys collide.
	InsertRide(ctx context.Context, r Ride) error
	GetRide(ctx context.Context, id RideID) (*Ride, error)

	// UpdateRideResolution persists the mutable resolution fields:
	// courier, status, pending reason, payable-week redirect, meta.
	UpdateRideResolution(ctx context.Context, r Ride) error

	ListRides(ctx context.Context, f RideFilter) ([]Ride, error)

	// ListPayableRides returns rides settling in the week: redirected
	// there, or belonging to it with no redirect.
	ListPayableRides(ctx context.Context, weekID WeekID) ([]Ride, error)

	// ExternalIDExists checks the SAIPOS per-source row key.
	ExternalIDExists(ctx context.Context, source Source, externalID string) (bool, error)

	// ExistingSignatures reports which of the given YOOGA signature keys
	// already exist on persisted rides.
	ExistingSignatures(ctx context.Context, source Source, sigs []string) (map[string]bool, error)

	// RidesBySignature returns the week's rides sharing a signature key,
	// ordered by order_dt.
	RidesBySignature(ctx context.Context, source Source, weekID WeekID, sig string) ([]Ride, error)
}

// GroupSummary is a pending review group with its member count.
type GroupSummary struct {
	Group ReviewGroup
	Items int
}

// ReviewStore persists YOOGA collision groups.
type ReviewStore interface {
	CreateGroup(ctx context.Context, g ReviewGroup) error
	GetGroup(ctx context.Context, id GroupID) (*ReviewGroup, error)
	GetGroupByKey(ctx context.Context, weekID WeekID, signature string) (*ReviewGroup, error)

	// AddGroupItem links a ride to a group; duplicates are no-ops.
	AddGroupItem(ctx context.Context, groupID GroupID, rideID RideID) error
	GroupItems(ctx context.Context, groupID GroupID) ([]Ride, error)
	ListPendingGroups(ctx context.Context, weekID WeekID) ([]GroupSummary, error)

	// ResolveGroup flips PENDING -> RESOLVED exactly once. A second call
	// fails with ErrGroupAlreadyResolved (compare-and-swap on status).
	ResolveGroup(ctx context.Context, id GroupID) error

	// ReopenGroup puts a group back in PENDING. Used when a later import
	// grows the membership of an already-resolved collision.
	ReopenGroup(ctx context.Context, id GroupID) error
}

// LedgerStore persists manual credits and debits. Append-only.
type LedgerStore interface {
	AppendLedgerEntry(ctx context.Context, e LedgerEntry) error

	// ListLedgerEntries filters by week; an empty courierID means all
	// couriers.
	ListLedgerEntries(ctx context.Context, weekID WeekID, courierID CourierID) ([]LedgerEntry, error)
}

// LoanStore persists plans, installments and applications.
type LoanStore interface {
	// CreateLoanPlan inserts the plan with its full schedule atomically.
	CreateLoanPlan(ctx context.Context, p LoanPlan, schedule []LoanInstallment) error
	GetLoanPlan(ctx context.Context, id LoanPlanID) (*LoanPlan, error)
	ListLoanPlans(ctx context.Context, courierID CourierID) ([]LoanPlan, error)
	ActivePlansForCourier(ctx context.Context, courierID CourierID) ([]LoanPlan, error)
	UpdatePlanStatus(ctx context.Context, id LoanPlanID, status LoanPlanStatus) error

	GetInstallment(ctx context.Context, id InstallmentID) (*LoanInstallment, error)
	ListInstallments(ctx context.Context, planID LoanPlanID) ([]LoanInstallment, error)
	UpdateInstallment(ctx context.Context, i LoanInstallment) error

	// EarliestOpenInstallment returns the lowest
	// (due_closing_seq, installment_no) non-terminal installment of the
	// plan due at or before maxSeq, or nil. PAUSED installments are
	// included: a paused installment blocks collection rather than
	// letting a later one jump the queue.
	EarliestOpenInstallment(ctx context.Context, planID LoanPlanID, maxSeq int) (*LoanInstallment, error)

	// InsertLoanApplication records one deduction; a duplicate
	// (installment, week) fails with ErrDuplicateRow.
	InsertLoanApplication(ctx context.Context, a LoanApplication) error
	GetLoanApplication(ctx context.Context, installmentID InstallmentID, weekID WeekID) (*LoanApplication, error)

	// GetPlanApplicationForWeek returns the plan's application recorded
	// against the week, or nil. At most one exists: a week close charges
	// one installment per plan.
	GetPlanApplicationForWeek(ctx context.Context, planID LoanPlanID, weekID WeekID) (*LoanApplication, error)

	// ListLoanApplications filters by week; an empty courierID means all
	// couriers.
	ListLoanApplications(ctx context.Context, weekID WeekID, courierID CourierID) ([]LoanApplication, error)
}

// PayoutStore persists settlement snapshots.
type PayoutStore interface {
	// UpsertPayout replaces the snapshot for (week, courier). The caller
	// has already verified the snapshot is not frozen.
	UpsertPayout(ctx context.Context, p WeekPayout) error
	GetPayout(ctx context.Context, weekID WeekID, courierID CourierID) (*WeekPayout, error)
	ListPayouts(ctx context.Context, weekID WeekID) ([]WeekPayout, error)

	// MarkPayoutsPaid stamps paid_at on every unfrozen snapshot of the
	// week.
	MarkPayoutsPaid(ctx context.Context, weekID WeekID, paidAt time.Time) error
}

// =============================================================================
// COMBINED STORE
// =============================================================================

// Store is everything the engine persists.
type Store interface {
	WeekStore
	CourierStore
	ImportStore
	RideStore
	ReviewStore
	LedgerStore
	LoanStore
	PayoutStore
}

// TxStore adds transaction bracketing. If fn returns an error the
// transaction rolls back; otherwise it commits. The Store passed to fn
// must not escape fn.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
