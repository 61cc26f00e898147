package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetpay/settlement-engine/engine"
)

// ingestOK ingests matched SAIPOS rows for the given courier name.
func ingestOK(t *testing.T, f *fixture, fileHash, name string, values ...string) {
	t.Helper()
	rows := make([]engine.RawRow, len(values))
	for i, v := range values {
		rows[i] = saiposRow(fmt.Sprintf("%s-ord-%d", fileHash, i+1), name, v, monday.Add(time.Duration(i)*time.Minute))
	}
	_, err := f.ingestor.Ingest(context.Background(), engine.SourceSaipos, fileHash+".xlsx", fileHash, rows)
	require.NoError(t, err)
}

// =============================================================================
// SNAPSHOT FORMULA
// =============================================================================

func TestCompute_Formula(t *testing.T) {
	// net = rides + extras - vales - installments
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	c := f.courier(t, "João", "")
	ingestOK(t, f, "hash-1", "joão", "10.00", "6.00", "6.00")

	_, err := f.ledger.AddEntry(ctx, engine.LedgerEntry{
		CourierID:     c.ID,
		WeekID:        w.ID,
		EffectiveDate: date(2025, time.March, 5),
		Type:          engine.LedgerExtra,
		Amount:        money("15.00"),
		Note:          "chuva",
	})
	require.NoError(t, err)
	_, err = f.ledger.AddEntry(ctx, engine.LedgerEntry{
		CourierID:     c.ID,
		WeekID:        w.ID,
		EffectiveDate: date(2025, time.March, 6),
		Type:          engine.LedgerVale,
		Amount:        money("8.00"),
	})
	require.NoError(t, err)

	p, err := f.settlement.Compute(ctx, w.ID, c.ID)
	require.NoError(t, err)

	assert.Equal(t, 3, p.RidesCount)
	assertMoney(t, "22.00", p.RidesAmount)
	assertMoney(t, "15.00", p.ExtrasAmount)
	assertMoney(t, "8.00", p.ValesAmount)
	assertMoney(t, "0.00", p.InstallmentsAmount)
	assertMoney(t, "29.00", p.NetAmount)
	assert.Equal(t, 0, p.PendingCount)
	assert.False(t, p.IsFlagRed)
}

func TestCompute_RedFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	c := f.courier(t, "João", "")
	ingestOK(t, f, "hash-1", "joão", "6.00")

	// A vale larger than the earnings drives the net negative.
	_, err := f.ledger.AddEntry(ctx, engine.LedgerEntry{
		CourierID:     c.ID,
		WeekID:        w.ID,
		EffectiveDate: date(2025, time.March, 5),
		Type:          engine.LedgerVale,
		Amount:        money("50.00"),
	})
	require.NoError(t, err)

	p, err := f.settlement.Compute(ctx, w.ID, c.ID)
	require.NoError(t, err)
	assertMoney(t, "-44.00", p.NetAmount)
	assert.True(t, p.IsFlagRed, "negative net flags the snapshot")
}

func TestCompute_ReviewPendingRidesFlagButDoNotPay(t *testing.T) {
	// Rides in review contribute 0 money but raise pending_count, so the
	// operator sees a red flag instead of a silently short payout.
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	maria := f.courier(t, "Maria", "")

	_, err := f.ingestor.Ingest(ctx, engine.SourceYooga, "yooga.xlsx", "hash-1", []engine.RawRow{
		yoogaRow(1, "maria", "6.00", monday, nil),
		yoogaRow(2, "maria", "6.00", monday, nil),
		yoogaRow(3, "maria", "8.00", tuesday, nil),
	})
	require.NoError(t, err)

	p, err := f.settlement.Compute(ctx, w.ID, maria.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.RidesCount, "only the clean ride pays")
	assertMoney(t, "8.00", p.NetAmount)
	assert.Equal(t, 2, p.PendingCount)
	assert.True(t, p.IsFlagRed)

	// Resolving the collision clears the flag.
	groups, err := f.pending.ListReviewGroups(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.NoError(t, f.pending.ResolveReview(ctx, groups[0].Group.ID, engine.ReviewDecision{ApproveAll: true}))

	p, err = f.settlement.Compute(ctx, w.ID, maria.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.RidesCount)
	assertMoney(t, "20.00", p.NetAmount)
	assert.Equal(t, 0, p.PendingCount)
	assert.False(t, p.IsFlagRed)
}

func TestCompute_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	c := f.courier(t, "João", "")
	ingestOK(t, f, "hash-1", "joão", "6.00", "6.00")

	p1, err := f.settlement.Compute(ctx, w.ID, c.ID)
	require.NoError(t, err)
	p2, err := f.settlement.Compute(ctx, w.ID, c.ID)
	require.NoError(t, err)

	assert.Equal(t, p1.RidesCount, p2.RidesCount)
	assertMoney(t, p1.NetAmount.StringFixed(2), p2.NetAmount)

	payouts, err := f.settlement.Payouts(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, payouts, 1, "recompute replaces, never duplicates")
}

func TestCompute_UnknownReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	c := f.courier(t, "João", "")

	_, err := f.settlement.Compute(ctx, "ghost-week", c.ID)
	assert.ErrorIs(t, err, engine.ErrWeekNotFound)

	_, err = f.settlement.Compute(ctx, w.ID, "ghost-courier")
	assert.ErrorIs(t, err, engine.ErrCourierNotFound)
}

func TestComputeWeek_CoversEveryActiveCourier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	f.courier(t, "João", "")
	maria := f.courier(t, "Maria", "")
	ingestOK(t, f, "hash-1", "joão", "6.00")

	// Maria has no rides, only an extra: still an active courier.
	_, err := f.ledger.AddEntry(ctx, engine.LedgerEntry{
		CourierID:     maria.ID,
		WeekID:        w.ID,
		EffectiveDate: date(2025, time.March, 5),
		Type:          engine.LedgerExtra,
		Amount:        money("20.00"),
	})
	require.NoError(t, err)

	payouts, err := f.settlement.ComputeWeek(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, payouts, 2)
}

// =============================================================================
// CLOSE AND PAY
// =============================================================================

func TestCloseWeek_RefusesWithPendings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	c := f.courier(t, "João", "")

	_, err := f.ingestor.Ingest(ctx, engine.SourceSaipos, "x.xlsx", "hash-1", []engine.RawRow{
		saiposRow("ord-1", "Stranger", "6.00", monday),
	})
	require.NoError(t, err)

	_, err = f.settlement.CloseWeek(ctx, w.ID)
	assert.ErrorIs(t, err, engine.ErrWeekHasPendings)

	got, err := f.calendar.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.WeekOpen, got.Status, "the refused close changed nothing")

	// Resolve the queue; the close goes through.
	rides, err := f.pending.ListAssignment(ctx, w.ID, "")
	require.NoError(t, err)
	_, err = f.pending.Assign(ctx, rides[0].ID, c.ID)
	require.NoError(t, err)

	payouts, err := f.settlement.CloseWeek(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assertMoney(t, "6.00", payouts[0].NetAmount)
}

func TestCloseWeek_ChargesLoans_BoundedByEarnings(t *testing.T) {
	// GIVEN: A courier owed 20.00 with a 30.00 installment due
	// WHEN: The week closes
	// THEN: Only 20.00 is collected; net is 0, never negative

	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	c := f.courier(t, "João", "")
	ingestOK(t, f, "hash-1", "joão", "10.00", "10.00")

	plan, err := f.loans.CreatePlan(ctx, c.ID, money("90.00"), 3, engine.RoundCent, 0, "")
	require.NoError(t, err)

	payouts, err := f.settlement.CloseWeek(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)

	p := payouts[0]
	assertMoney(t, "20.00", p.RidesAmount)
	assertMoney(t, "20.00", p.InstallmentsAmount, "deduction capped at what the week owes")
	assertMoney(t, "0.00", p.NetAmount)
	assert.False(t, p.NetAmount.IsNegative())

	installments, err := f.loans.Installments(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.InstallmentRolled, installments[0].Status)
	assertMoney(t, "10.00", installments[0].Remainder())

	got, err := f.calendar.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.WeekClosed, got.Status)
}

func TestCloseWeek_FullInstallmentWhenCovered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	c := f.courier(t, "João", "")
	ingestOK(t, f, "hash-1", "joão", "10.00", "10.00", "10.00", "10.00", "10.00")

	_, err := f.loans.CreatePlan(ctx, c.ID, money("90.00"), 3, engine.RoundCent, 0, "")
	require.NoError(t, err)

	payouts, err := f.settlement.CloseWeek(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assertMoney(t, "50.00", payouts[0].RidesAmount)
	assertMoney(t, "30.00", payouts[0].InstallmentsAmount)
	assertMoney(t, "20.00", payouts[0].NetAmount)
}

func TestCloseWeek_OnlyFromOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))

	_, err := f.settlement.CloseWeek(ctx, w.ID)
	require.NoError(t, err)

	_, err = f.settlement.CloseWeek(ctx, w.ID)
	assert.ErrorIs(t, err, engine.ErrInvalidWeekTransition)
}

func TestPayWeek_FreezesSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	c := f.courier(t, "João", "")
	ingestOK(t, f, "hash-1", "joão", "6.00")

	// Paying an OPEN week is rejected.
	err := f.settlement.PayWeek(ctx, w.ID, time.Now())
	assert.ErrorIs(t, err, engine.ErrInvalidWeekTransition)

	_, err = f.settlement.CloseWeek(ctx, w.ID)
	require.NoError(t, err)

	paidAt := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	require.NoError(t, f.settlement.PayWeek(ctx, w.ID, paidAt))

	payouts, err := f.settlement.Payouts(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	require.NotNil(t, payouts[0].PaidAt)
	assert.Equal(t, paidAt, payouts[0].PaidAt.UTC())

	// Frozen: recomputation fails instead of overwriting a paid number.
	_, err = f.settlement.Compute(ctx, w.ID, c.ID)
	assert.ErrorIs(t, err, engine.ErrPayoutFrozen)

	got, err := f.calendar.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.WeekPaid, got.Status)
}

func TestSettlement_LateAssignedRide_PaysInRedirectWeek(t *testing.T) {
	// A ride assigned after its week closed settles in the redirect week and
	// never double-pays in its calendar week.
	f := newFixture(t)
	ctx := context.Background()
	past := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	c := f.courier(t, "João", "")

	_, err := f.ingestor.Ingest(ctx, engine.SourceSaipos, "x.xlsx", "hash-1", []engine.RawRow{
		saiposRow("ord-late", "Stranger", "6.00", monday),
	})
	require.NoError(t, err)

	yesterday := engine.DateOf(time.Now().AddDate(0, 0, -1))
	weekEnd := engine.DateOf(time.Now().AddDate(0, 0, 5))
	current := f.week(t, yesterday, weekEnd)

	require.NoError(t, f.calendar.AdvanceStatus(ctx, past.ID, engine.WeekClosed))

	rides, err := f.pending.ListAssignment(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, rides, 1)
	_, err = f.pending.Assign(ctx, rides[0].ID, c.ID)
	require.NoError(t, err)

	redirect, err := f.settlement.Compute(ctx, current.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, redirect.RidesCount, "ride pays in the redirect week")
	assertMoney(t, "6.00", redirect.RidesAmount)

	original, err := f.settlement.Compute(ctx, past.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, original.RidesCount, "no double payment in the calendar week")
}
