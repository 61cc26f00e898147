/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All engine error types in one place. The taxonomy mirrors how callers
  must react:

  1. Validation  - malformed input; correct and retry
  2. Conflict    - duplicates, overlaps, already-resolved items, frozen
                   payouts; the record already exists or moved on
  3. Not found   - unknown courier/week/ride/group/plan ids
  4. Invariant   - no week covers a date, broken schedule; fatal to the
                   operation, never auto-corrected

  Duplicate imports are deliberately NOT errors: re-submitting the same
  file is a successful no-op flagged on the ImportResult.

USAGE:
  Structured errors wrap sentinels, so both forms work:

    if errors.Is(err, engine.ErrWeekOverlap) { ... }
    var overlap *engine.WeekOverlapError
    if errors.As(err, &overlap) { ... overlap.ConflictWeekID ... }
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoWeekForDate is returned when no week's range contains a ride's
	// order date. The operator must create the week; the engine never
	// fabricates one.
	ErrNoWeekForDate = errors.New("no week covers date")

	// ErrWeekOverlap is returned when a proposed week range intersects an
	// existing week. The calendar is left unchanged.
	ErrWeekOverlap = errors.New("week range overlaps existing week")

	// ErrInvalidWeekTransition is returned for anything other than
	// OPEN->CLOSED and CLOSED->PAID.
	ErrInvalidWeekTransition = errors.New("invalid week status transition")

	// ErrWeekHasPendings blocks closing a week while rides payable in it
	// still await resolution.
	ErrWeekHasPendings = errors.New("week has pending rides")

	// ErrNoOpenWeek is returned when a late assignment needs an open week
	// to pay out in and the calendar has none.
	ErrNoOpenWeek = errors.New("no open week available")

	// ErrRideNotPending is returned when assigning a ride that is not in
	// the assignment-pending state.
	ErrRideNotPending = errors.New("ride is not pending assignment")

	// ErrGroupAlreadyResolved is returned when resolving a review group a
	// second time. Resolutions never double-apply.
	ErrGroupAlreadyResolved = errors.New("review group already resolved")

	// ErrPayoutFrozen is returned when recomputing a payout whose paid_at
	// is already set. Paid records are never overwritten.
	ErrPayoutFrozen = errors.New("payout is frozen")

	// ErrDuplicateRow signals a storage-level uniqueness violation on a
	// ride row. Non-retryable: it marks a genuine duplicate.
	ErrDuplicateRow = errors.New("duplicate ride row")

	// Not-found sentinels.
	ErrWeekNotFound        = errors.New("week not found")
	ErrCourierNotFound     = errors.New("courier not found")
	ErrRideNotFound        = errors.New("ride not found")
	ErrGroupNotFound       = errors.New("review group not found")
	ErrImportNotFound      = errors.New("import not found")
	ErrPlanNotFound        = errors.New("loan plan not found")
	ErrInstallmentNotFound = errors.New("loan installment not found")
	ErrPayoutNotFound      = errors.New("payout not found")

	// ErrValidation is the base for malformed-input failures.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// WeekOverlapError identifies the conflicting week.
type WeekOverlapError struct {
	Start          Date
	End            Date
	ConflictWeekID WeekID
	ConflictStart  Date
	ConflictEnd    Date
}

func (e *WeekOverlapError) Error() string {
	return fmt.Sprintf("week [%s, %s] overlaps week %s [%s, %s]",
		e.Start, e.End, e.ConflictWeekID, e.ConflictStart, e.ConflictEnd)
}

func (e *WeekOverlapError) Unwrap() error { return ErrWeekOverlap }

// NoWeekForDateError names the uncovered date so the operator can create
// the right week.
type NoWeekForDateError struct {
	Date Date
}

func (e *NoWeekForDateError) Error() string {
	return fmt.Sprintf("no week covers %s", e.Date)
}

func (e *NoWeekForDateError) Unwrap() error { return ErrNoWeekForDate }

// InvalidTransitionError reports the rejected status move.
type InvalidTransitionError struct {
	WeekID WeekID
	From   WeekStatus
	To     WeekStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("week %s: cannot transition %s -> %s", e.WeekID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidWeekTransition }

// ValidationError carries the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validationf builds a field-scoped validation error.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// ERROR HELPERS - Category tests driving HTTP status mapping
// =============================================================================

// IsValidation reports malformed input (caller corrects and retries).
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflict reports duplicate/overlap/already-done failures. These are
// non-retryable as-is: the correct remedial action is to skip or edit.
func IsConflict(err error) bool {
	return errors.Is(err, ErrWeekOverlap) ||
		errors.Is(err, ErrInvalidWeekTransition) ||
		errors.Is(err, ErrWeekHasPendings) ||
		errors.Is(err, ErrRideNotPending) ||
		errors.Is(err, ErrGroupAlreadyResolved) ||
		errors.Is(err, ErrPayoutFrozen) ||
		errors.Is(err, ErrDuplicateRow)
}

// IsNotFound reports unknown-reference failures with no partial effect.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWeekNotFound) ||
		errors.Is(err, ErrCourierNotFound) ||
		errors.Is(err, ErrRideNotFound) ||
		errors.Is(err, ErrGroupNotFound) ||
		errors.Is(err, ErrImportNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrInstallmentNotFound) ||
		errors.Is(err, ErrPayoutNotFound)
}

// IsInvariant reports fatal invariant violations (uncovered dates and the
// like). Never auto-corrected.
func IsInvariant(err error) bool {
	return errors.Is(err, ErrNoWeekForDate) || errors.Is(err, ErrNoOpenWeek)
}
