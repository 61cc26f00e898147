/*
settlement.go - Week payout snapshots and the close/pay lifecycle

PURPOSE:
  Combines rides, ledger entries and loan applications for a
  (week, courier) pair into one WeekPayout snapshot:

    net = rides + extras - vales - installments

  Snapshots are computed, never hand-edited; recomputing replaces the
  prior row until paid_at is set, after which the record is frozen and
  recomputation fails instead of silently overwriting a paid number.

WHICH RIDES COUNT:
  A ride settles in its redirect week (paid_in_week_id) when late
  assignment moved it, otherwise in its calendar week. Only status OK
  contributes money; pending rides contribute 0 but raise pending_count,
  discarded rides contribute nothing at all.

WEEK CLOSE:
  CloseWeek refuses to run while any ride payable in the week is still
  pending (the operator resolves queues first). It then advances the week
  to CLOSED, charges each courier's active loan plans against what the
  week owes them - bounded below by zero, a courier is never driven
  negative by a deduction - and writes the final snapshots.

PAY:
  PayWeek stamps paid_at on every snapshot and advances CLOSED -> PAID.
  Everything about the week is frozen from then on.
*/
package engine

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// SettlementCalculator produces payout snapshots.
type SettlementCalculator struct {
	store     TxStore
	amortizer *LoanAmortizer
	audit     AuditSink
}

func NewSettlementCalculator(store TxStore, amortizer *LoanAmortizer, audit AuditSink) *SettlementCalculator {
	if audit == nil {
		audit = NopAuditSink{}
	}
	return &SettlementCalculator{store: store, amortizer: amortizer, audit: audit}
}

// =============================================================================
// SNAPSHOT COMPUTATION
// =============================================================================

// Compute recomputes the snapshot for one (week, courier) pair. Idempotent:
// unchanged inputs yield an identical snapshot. Fails with ErrPayoutFrozen
// once the snapshot is paid.
func (s *SettlementCalculator) Compute(ctx context.Context, weekID WeekID, courierID CourierID) (WeekPayout, error) {
	var payout WeekPayout
	err := s.store.WithTx(ctx, func(st Store) error {
		var err error
		payout, err = s.computeOne(ctx, st, weekID, courierID)
		return err
	})
	if err != nil {
		return WeekPayout{}, err
	}
	return payout, nil
}

func (s *SettlementCalculator) computeOne(ctx context.Context, st Store, weekID WeekID, courierID CourierID) (WeekPayout, error) {
	week, err := st.GetWeek(ctx, weekID)
	if err != nil {
		return WeekPayout{}, err
	}
	if week == nil {
		return WeekPayout{}, ErrWeekNotFound
	}
	courier, err := st.GetCourier(ctx, courierID)
	if err != nil {
		return WeekPayout{}, err
	}
	if courier == nil {
		return WeekPayout{}, ErrCourierNotFound
	}

	prior, err := st.GetPayout(ctx, weekID, courierID)
	if err != nil {
		return WeekPayout{}, err
	}
	if prior != nil && prior.PaidAt != nil {
		return WeekPayout{}, ErrPayoutFrozen
	}

	payout, err := s.assemble(ctx, st, *week, courierID)
	if err != nil {
		return WeekPayout{}, err
	}
	if err := st.UpsertPayout(ctx, payout); err != nil {
		return WeekPayout{}, err
	}
	return payout, nil
}

// assemble gathers the four legs of the formula without writing anything.
func (s *SettlementCalculator) assemble(ctx context.Context, st Store, week Week, courierID CourierID) (WeekPayout, error) {
	rides, err := st.ListPayableRides(ctx, week.ID)
	if err != nil {
		return WeekPayout{}, err
	}

	ridesAmount := decimal.Zero
	ridesCount := 0
	pendingCount := 0
	for _, r := range rides {
		switch {
		case r.Status == RideOK && r.CourierID == courierID:
			ridesAmount = ridesAmount.Add(r.Value)
			ridesCount++
		case r.Status.IsPending() && r.CourierID == courierID:
			pendingCount++
		}
	}

	entries, err := st.ListLedgerEntries(ctx, week.ID, courierID)
	if err != nil {
		return WeekPayout{}, err
	}
	extras := decimal.Zero
	vales := decimal.Zero
	for _, e := range entries {
		switch e.Type {
		case LedgerExtra:
			extras = extras.Add(e.Amount)
		case LedgerVale:
			vales = vales.Add(e.Amount)
		}
	}

	apps, err := st.ListLoanApplications(ctx, week.ID, courierID)
	if err != nil {
		return WeekPayout{}, err
	}
	installments := decimal.Zero
	for _, a := range apps {
		installments = installments.Add(a.AppliedAmount)
	}

	net := ridesAmount.Add(extras).Sub(vales).Sub(installments)

	return WeekPayout{
		WeekID:             week.ID,
		CourierID:          courierID,
		RidesCount:         ridesCount,
		RidesAmount:        Cents(ridesAmount),
		ExtrasAmount:       Cents(extras),
		ValesAmount:        Cents(vales),
		InstallmentsAmount: Cents(installments),
		NetAmount:          Cents(net),
		PendingCount:       pendingCount,
		IsFlagRed:          pendingCount > 0 || net.IsNegative(),
		ComputedAt:         time.Now().UTC(),
	}, nil
}

// ComputeWeek recomputes snapshots for every courier with activity in the
// week (rides, ledger entries or loan applications).
func (s *SettlementCalculator) ComputeWeek(ctx context.Context, weekID WeekID) ([]WeekPayout, error) {
	var payouts []WeekPayout
	err := s.store.WithTx(ctx, func(st Store) error {
		week, err := st.GetWeek(ctx, weekID)
		if err != nil {
			return err
		}
		if week == nil {
			return ErrWeekNotFound
		}

		couriers, err := s.activeCouriers(ctx, st, weekID)
		if err != nil {
			return err
		}
		for _, cid := range couriers {
			p, err := s.computeOne(ctx, st, weekID, cid)
			if err != nil {
				return err
			}
			payouts = append(payouts, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payouts, nil
}

// activeCouriers lists courier ids with anything payable in the week.
func (s *SettlementCalculator) activeCouriers(ctx context.Context, st Store, weekID WeekID) ([]CourierID, error) {
	set := make(map[CourierID]bool)

	rides, err := st.ListPayableRides(ctx, weekID)
	if err != nil {
		return nil, err
	}
	for _, r := range rides {
		if r.CourierID != "" && r.Status != RideDiscarded {
			set[r.CourierID] = true
		}
	}

	entries, err := st.ListLedgerEntries(ctx, weekID, "")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		set[e.CourierID] = true
	}

	apps, err := st.ListLoanApplications(ctx, weekID, "")
	if err != nil {
		return nil, err
	}
	for _, a := range apps {
		set[a.CourierID] = true
	}

	out := make([]CourierID, 0, len(set))
	for cid := range set {
		out = append(out, cid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// =============================================================================
// WEEK LIFECYCLE
// =============================================================================

// CloseWeek transitions OPEN -> CLOSED, charges loan installments and
// writes final snapshots. Refuses while payable rides are still pending.
func (s *SettlementCalculator) CloseWeek(ctx context.Context, weekID WeekID) ([]WeekPayout, error) {
	var payouts []WeekPayout
	err := s.store.WithTx(ctx, func(st Store) error {
		week, err := st.GetWeek(ctx, weekID)
		if err != nil {
			return err
		}
		if week == nil {
			return ErrWeekNotFound
		}
		if week.Status != WeekOpen {
			return &InvalidTransitionError{WeekID: weekID, From: week.Status, To: WeekClosed}
		}

		rides, err := st.ListPayableRides(ctx, weekID)
		if err != nil {
			return err
		}
		for _, r := range rides {
			if r.Status.IsPending() {
				return ErrWeekHasPendings
			}
		}

		if err := st.UpdateWeekStatus(ctx, weekID, WeekClosed); err != nil {
			return err
		}

		couriers, err := s.activeCouriers(ctx, st, weekID)
		if err != nil {
			return err
		}
		for _, cid := range couriers {
			// What the week owes before deductions bounds how much the
			// loans may take: a deduction never drives the courier
			// negative.
			base, err := s.assemble(ctx, st, *week, cid)
			if err != nil {
				return err
			}
			available := base.RidesAmount.Add(base.ExtrasAmount).Sub(base.ValesAmount).Sub(base.InstallmentsAmount)

			plans, err := st.ActivePlansForCourier(ctx, cid)
			if err != nil {
				return err
			}
			for _, plan := range plans {
				if !available.IsPositive() {
					break
				}
				applied, err := s.amortizer.applyForWeek(ctx, st, plan.ID, weekID, available)
				if err != nil {
					return err
				}
				available = available.Sub(applied)
			}

			final, err := s.computeOne(ctx, st, weekID, cid)
			if err != nil {
				return err
			}
			payouts = append(payouts, final)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, AuditEvent{
		Action:     "week_closed",
		EntityType: "week",
		EntityID:   string(weekID),
		Meta:       map[string]any{"payouts": len(payouts)},
	})
	return payouts, nil
}

// PayWeek stamps paid_at on the week's snapshots and advances the week to
// PAID. Frozen thereafter.
func (s *SettlementCalculator) PayWeek(ctx context.Context, weekID WeekID, paidAt time.Time) error {
	err := s.store.WithTx(ctx, func(st Store) error {
		week, err := st.GetWeek(ctx, weekID)
		if err != nil {
			return err
		}
		if week == nil {
			return ErrWeekNotFound
		}
		if week.Status != WeekClosed {
			return &InvalidTransitionError{WeekID: weekID, From: week.Status, To: WeekPaid}
		}

		if err := st.MarkPayoutsPaid(ctx, weekID, paidAt.UTC()); err != nil {
			return err
		}
		return st.UpdateWeekStatus(ctx, weekID, WeekPaid)
	})
	if err != nil {
		return err
	}

	s.audit.Record(ctx, AuditEvent{
		Action:     "week_paid",
		EntityType: "week",
		EntityID:   string(weekID),
	})
	return nil
}

// Payouts returns the week's snapshots for export.
func (s *SettlementCalculator) Payouts(ctx context.Context, weekID WeekID) ([]WeekPayout, error) {
	week, err := s.store.GetWeek(ctx, weekID)
	if err != nil {
		return nil, err
	}
	if week == nil {
		return nil, ErrWeekNotFound
	}
	return s.store.ListPayouts(ctx, weekID)
}
