/*
loan.go - Amortized loan deductions with carry-forward

PURPOSE:
  A loan plan splits a total into installments due on successive week
  closings. The closing sequence number - not the calendar range - is the
  time axis, so shifting a week's dates never moves a due-date.

SCHEDULE GENERATION:
  CENT rounding: every installment is the cent-floor of total/n except
  the last, which absorbs the remainder. REAL rounding: same rule at
  whole currency units. Either way the schedule sums exactly to the
  total.

APPLY SEMANTICS (per week close):
  The earliest collectible installment due at or before the closing week
  is charged min(available, remainder). Fully covered -> PAID. Partially
  covered -> the shortfall rolls forward: status ROLLED, due moved to the
  next closing. Nothing applied -> the installment stays as it was.
  Deduction never exceeds what the courier is owed that week.

  Every application is recorded against (installment, week) exactly once;
  re-invocation during settlement recomputation is a no-op returning the
  previously applied amount.

PAUSE SEMANTICS:
  A paused plan applies nothing. A paused installment applies nothing
  even when its plan is ACTIVE - the per-installment state is
  authoritative for that installment.
*/
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// LoanAmortizer manages plans and their week-by-week collection.
type LoanAmortizer struct {
	store TxStore
	audit AuditSink
}

func NewLoanAmortizer(store TxStore, audit AuditSink) *LoanAmortizer {
	if audit == nil {
		audit = NopAuditSink{}
	}
	return &LoanAmortizer{store: store, audit: audit}
}

// =============================================================================
// SCHEDULE GENERATION
// =============================================================================

// SplitInstallments divides total into n parts under the rounding mode.
// The last part absorbs the remainder so the sum is always exact.
func SplitInstallments(total Money, n int, rounding RoundingMode) []Money {
	var base Money
	switch rounding {
	case RoundReal:
		base = total.Div(decimal.NewFromInt(int64(n))).RoundDown(0)
	default: // CENT
		base = total.Div(decimal.NewFromInt(int64(n))).RoundDown(2)
	}

	parts := make([]Money, n)
	running := decimal.Zero
	for i := 0; i < n-1; i++ {
		parts[i] = base
		running = running.Add(base)
	}
	parts[n-1] = total.Sub(running)
	return parts
}

// CreatePlan builds and persists a plan with its full schedule.
// Installment k (1-based) is due at start_closing_seq + k.
func (l *LoanAmortizer) CreatePlan(ctx context.Context, courierID CourierID, total Money, n int, rounding RoundingMode, startClosingSeq int, note string) (LoanPlan, error) {
	total = Cents(total)
	if !total.IsPositive() {
		return LoanPlan{}, Validationf("total_amount", "must be strictly positive, got %s", total)
	}
	if n < 1 {
		return LoanPlan{}, Validationf("n_installments", "must be at least 1, got %d", n)
	}
	if rounding != RoundCent && rounding != RoundReal {
		return LoanPlan{}, Validationf("rounding", "unknown rounding mode %q", rounding)
	}

	courier, err := l.store.GetCourier(ctx, courierID)
	if err != nil {
		return LoanPlan{}, err
	}
	if courier == nil {
		return LoanPlan{}, ErrCourierNotFound
	}

	plan := LoanPlan{
		ID:              LoanPlanID(newID()),
		CourierID:       courierID,
		TotalAmount:     total,
		NInstallments:   n,
		Rounding:        rounding,
		Status:          PlanActive,
		StartClosingSeq: startClosingSeq,
		Note:            note,
		CreatedAt:       time.Now().UTC(),
	}

	parts := SplitInstallments(total, n, rounding)
	schedule := make([]LoanInstallment, n)
	for i, amount := range parts {
		schedule[i] = LoanInstallment{
			ID:            InstallmentID(newID()),
			PlanID:        plan.ID,
			InstallmentNo: i + 1,
			DueClosingSeq: startClosingSeq + i + 1,
			Amount:        amount,
			PaidAmount:    decimal.Zero,
			Status:        InstallmentDue,
		}
	}

	if err := l.store.CreateLoanPlan(ctx, plan, schedule); err != nil {
		return LoanPlan{}, err
	}

	l.audit.Record(ctx, AuditEvent{
		Action:     "loan_plan_created",
		EntityType: "loan_plan",
		EntityID:   string(plan.ID),
		Meta: map[string]any{
			"courier_id":     string(courierID),
			"total_amount":   total.StringFixed(2),
			"n_installments": n,
			"rounding":       string(rounding),
		},
	})
	return plan, nil
}

// =============================================================================
// PLAN / INSTALLMENT LIFECYCLE
// =============================================================================

// PausePlan suspends collection for the whole plan.
func (l *LoanAmortizer) PausePlan(ctx context.Context, id LoanPlanID) error {
	return l.setPlanStatus(ctx, id, PlanActive, PlanPaused, "loan_plan_paused")
}

// ResumePlan re-enables collection.
func (l *LoanAmortizer) ResumePlan(ctx context.Context, id LoanPlanID) error {
	return l.setPlanStatus(ctx, id, PlanPaused, PlanActive, "loan_plan_resumed")
}

func (l *LoanAmortizer) setPlanStatus(ctx context.Context, id LoanPlanID, from, to LoanPlanStatus, action string) error {
	plan, err := l.store.GetLoanPlan(ctx, id)
	if err != nil {
		return err
	}
	if plan == nil {
		return ErrPlanNotFound
	}
	if plan.Status != from {
		return Validationf("status", "plan is %s, expected %s", plan.Status, from)
	}
	if err := l.store.UpdatePlanStatus(ctx, id, to); err != nil {
		return err
	}
	l.audit.Record(ctx, AuditEvent{Action: action, EntityType: "loan_plan", EntityID: string(id)})
	return nil
}

// CancelPlan terminates the plan and every non-terminal installment.
func (l *LoanAmortizer) CancelPlan(ctx context.Context, id LoanPlanID) error {
	err := l.store.WithTx(ctx, func(st Store) error {
		plan, err := st.GetLoanPlan(ctx, id)
		if err != nil {
			return err
		}
		if plan == nil {
			return ErrPlanNotFound
		}
		if plan.Status == PlanDone || plan.Status == PlanCancelled {
			return Validationf("status", "plan is already %s", plan.Status)
		}

		installments, err := st.ListInstallments(ctx, id)
		if err != nil {
			return err
		}
		for _, inst := range installments {
			if inst.Status.Terminal() {
				continue
			}
			inst.Status = InstallmentCancelled
			if err := st.UpdateInstallment(ctx, inst); err != nil {
				return err
			}
		}
		return st.UpdatePlanStatus(ctx, id, PlanCancelled)
	})
	if err != nil {
		return err
	}
	l.audit.Record(ctx, AuditEvent{Action: "loan_plan_cancelled", EntityType: "loan_plan", EntityID: string(id)})
	return nil
}

// PauseInstallment suspends one installment. Authoritative over the plan
// status for that installment.
func (l *LoanAmortizer) PauseInstallment(ctx context.Context, id InstallmentID) error {
	inst, err := l.store.GetInstallment(ctx, id)
	if err != nil {
		return err
	}
	if inst == nil {
		return ErrInstallmentNotFound
	}
	if !inst.Status.Collectible() {
		return Validationf("status", "installment is %s, cannot pause", inst.Status)
	}
	inst.Status = InstallmentPaused
	if err := l.store.UpdateInstallment(ctx, *inst); err != nil {
		return err
	}
	l.audit.Record(ctx, AuditEvent{Action: "installment_paused", EntityType: "loan_installment", EntityID: string(id)})
	return nil
}

// ResumeInstallment puts a paused installment back in collection.
func (l *LoanAmortizer) ResumeInstallment(ctx context.Context, id InstallmentID) error {
	inst, err := l.store.GetInstallment(ctx, id)
	if err != nil {
		return err
	}
	if inst == nil {
		return ErrInstallmentNotFound
	}
	if inst.Status != InstallmentPaused {
		return Validationf("status", "installment is %s, expected PAUSED", inst.Status)
	}
	inst.Status = InstallmentDue
	if err := l.store.UpdateInstallment(ctx, *inst); err != nil {
		return err
	}
	l.audit.Record(ctx, AuditEvent{Action: "installment_resumed", EntityType: "loan_installment", EntityID: string(id)})
	return nil
}

// =============================================================================
// WEEK-CLOSE APPLICATION
// =============================================================================

// ApplyForWeek charges the plan's earliest collectible installment against
// the amount the courier is owed in the closing week. Returns the applied
// amount (possibly zero). Idempotent per (installment, week).
func (l *LoanAmortizer) ApplyForWeek(ctx context.Context, planID LoanPlanID, weekID WeekID, available Money) (Money, error) {
	var applied Money = decimal.Zero
	err := l.store.WithTx(ctx, func(st Store) error {
		var err error
		applied, err = l.applyForWeek(ctx, st, planID, weekID, available)
		return err
	})
	if err != nil {
		return applied, err
	}

	if applied.IsPositive() {
		l.audit.Record(ctx, AuditEvent{
			Action:     "installment_applied",
			EntityType: "loan_plan",
			EntityID:   string(planID),
			Meta: map[string]any{
				"week_id": string(weekID),
				"applied": applied.StringFixed(2),
			},
		})
	}
	return applied, nil
}

// applyForWeek is the store-parametrized form used inside the settlement
// transaction.
func (l *LoanAmortizer) applyForWeek(ctx context.Context, st Store, planID LoanPlanID, weekID WeekID, available Money) (Money, error) {
	zero := decimal.Zero

	plan, err := st.GetLoanPlan(ctx, planID)
	if err != nil {
		return zero, err
	}
	if plan == nil {
		return zero, ErrPlanNotFound
	}

	// Recomputation path: the plan was already charged against this week.
	// Looked up by plan, not by installment - the first application may
	// have paid its installment or rolled it past this closing, hiding it
	// from the open-installment query below.
	if prior, err := st.GetPlanApplicationForWeek(ctx, planID, weekID); err != nil {
		return zero, err
	} else if prior != nil {
		return prior.AppliedAmount, nil
	}

	if plan.Status != PlanActive {
		return zero, nil
	}

	week, err := st.GetWeek(ctx, weekID)
	if err != nil {
		return zero, err
	}
	if week == nil {
		return zero, ErrWeekNotFound
	}

	inst, err := st.EarliestOpenInstallment(ctx, planID, week.ClosingSeq)
	if err != nil {
		return zero, err
	}
	if inst == nil {
		return zero, nil
	}
	// Per-installment pause is authoritative even on an ACTIVE plan, and
	// it blocks the queue: nothing is collected this week.
	if inst.Status == InstallmentPaused {
		return zero, nil
	}

	applied := decimal.Min(Cents(available), inst.Remainder())
	if !applied.IsPositive() {
		return zero, nil
	}

	app := LoanApplication{
		ID:            newID(),
		InstallmentID: inst.ID,
		PlanID:        planID,
		CourierID:     plan.CourierID,
		WeekID:        weekID,
		AppliedAmount: applied,
		CreatedAt:     time.Now().UTC(),
	}
	if err := st.InsertLoanApplication(ctx, app); err != nil {
		if errors.Is(err, ErrDuplicateRow) {
			// Concurrent recomputation won the race; honor its record.
			prior, gerr := st.GetLoanApplication(ctx, inst.ID, weekID)
			if gerr != nil {
				return zero, gerr
			}
			return prior.AppliedAmount, nil
		}
		return zero, err
	}

	inst.PaidAmount = inst.PaidAmount.Add(applied)
	switch {
	case inst.Remainder().IsZero():
		inst.Status = InstallmentPaid
	default:
		// Partially covered. The apply and the roll-forward are one
		// atomic step here, so the installment lands directly on ROLLED
		// with the remainder due at the next closing.
		inst.Status = InstallmentRolled
		inst.DueClosingSeq = week.ClosingSeq + 1
	}
	if err := st.UpdateInstallment(ctx, *inst); err != nil {
		return zero, err
	}

	if inst.Status == InstallmentPaid {
		if err := l.finishPlanIfDone(ctx, st, planID); err != nil {
			return zero, err
		}
	}
	return applied, nil
}

// finishPlanIfDone marks the plan DONE once every installment is terminal.
func (l *LoanAmortizer) finishPlanIfDone(ctx context.Context, st Store, planID LoanPlanID) error {
	installments, err := st.ListInstallments(ctx, planID)
	if err != nil {
		return err
	}
	for _, inst := range installments {
		if !inst.Status.Terminal() {
			return nil
		}
	}
	return st.UpdatePlanStatus(ctx, planID, PlanDone)
}

// =============================================================================
// QUERIES
// =============================================================================

// Plan returns a plan or ErrPlanNotFound.
func (l *LoanAmortizer) Plan(ctx context.Context, id LoanPlanID) (LoanPlan, error) {
	p, err := l.store.GetLoanPlan(ctx, id)
	if err != nil {
		return LoanPlan{}, err
	}
	if p == nil {
		return LoanPlan{}, ErrPlanNotFound
	}
	return *p, nil
}

// Plans lists plans, optionally for one courier.
func (l *LoanAmortizer) Plans(ctx context.Context, courierID CourierID) ([]LoanPlan, error) {
	return l.store.ListLoanPlans(ctx, courierID)
}

// Installments lists a plan's schedule in order.
func (l *LoanAmortizer) Installments(ctx context.Context, planID LoanPlanID) ([]LoanInstallment, error) {
	p, err := l.store.GetLoanPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPlanNotFound
	}
	return l.store.ListInstallments(ctx, planID)
}
