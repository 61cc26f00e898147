package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetpay/settlement-engine/engine"
	"github.com/fleetpay/settlement-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedWeek(t *testing.T, store *sqlite.Store) engine.Week {
	t.Helper()
	w, err := store.CreateWeek(context.Background(), engine.Week{
		ID:        "week-1",
		StartDate: engine.NewDate(2025, time.March, 3),
		EndDate:   engine.NewDate(2025, time.March, 9),
		Status:    engine.WeekOpen,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return w
}

func seedRide(id, externalID string, week engine.Week) engine.Ride {
	return engine.Ride{
		ID:              engine.RideID(id),
		Source:          engine.SourceSaipos,
		ImportID:        "imp-1",
		ExternalID:      externalID,
		OrderDT:         time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC),
		OrderDate:       engine.NewDate(2025, time.March, 3),
		WeekID:          week.ID,
		CourierNameRaw:  "João",
		CourierNameNorm: "JOAO",
		Value:           decimal.RequireFromString("6.00"),
		FeeType:         engine.Fee6,
		Status:          engine.RideOK,
		CreatedAt:       time.Now().UTC(),
	}
}

// =============================================================================
// SCHEMA-ENFORCED UNIQUENESS
// =============================================================================

func TestInsertRide_SaiposExternalIDUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	w := seedWeek(t, store)

	require.NoError(t, store.InsertRide(ctx, seedRide("ride-1", "ord-1", w)))

	err := store.InsertRide(ctx, seedRide("ride-2", "ord-1", w))
	assert.ErrorIs(t, err, engine.ErrDuplicateRow)

	// Rides without external ids never collide on that index.
	require.NoError(t, store.InsertRide(ctx, seedRide("ride-3", "", w)))
	require.NoError(t, store.InsertRide(ctx, seedRide("ride-4", "", w)))
}

func TestCreateImport_HashUniquePerSource(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	imp := engine.Import{
		ID: "imp-1", Source: engine.SourceSaipos,
		Filename: "a.xlsx", FileHash: "hash-1",
		Status: engine.ImportDone, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateImport(ctx, imp))

	dup := imp
	dup.ID = "imp-2"
	assert.ErrorIs(t, store.CreateImport(ctx, dup), engine.ErrDuplicateRow)

	// Same hash under the other source is a different file.
	other := imp
	other.ID = "imp-3"
	other.Source = engine.SourceYooga
	assert.NoError(t, store.CreateImport(ctx, other))
}

func TestCreateWeek_OverlapDetectedInStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedWeek(t, store)

	_, err := store.CreateWeek(ctx, engine.Week{
		ID:        "week-2",
		StartDate: engine.NewDate(2025, time.March, 7),
		EndDate:   engine.NewDate(2025, time.March, 13),
		Status:    engine.WeekOpen,
		CreatedAt: time.Now().UTC(),
	})
	var overlap *engine.WeekOverlapError
	require.ErrorAs(t, err, &overlap)
	assert.Equal(t, engine.WeekID("week-1"), overlap.ConflictWeekID)
}

// =============================================================================
// PAYOUT FREEZE AT THE STORE LEVEL
// =============================================================================

func TestMarkPayoutsPaid_NeverRestamps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	w := seedWeek(t, store)

	payout := engine.WeekPayout{
		WeekID: w.ID, CourierID: "courier-1",
		RidesAmount: decimal.RequireFromString("6.00"), ExtrasAmount: decimal.Zero,
		ValesAmount: decimal.Zero, InstallmentsAmount: decimal.Zero,
		NetAmount: decimal.RequireFromString("6.00"), RidesCount: 1,
		ComputedAt: time.Now().UTC(),
	}
	require.NoError(t, store.UpsertPayout(ctx, payout))

	first := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkPayoutsPaid(ctx, w.ID, first))

	// A second stamp only touches rows whose paid_at is still null.
	require.NoError(t, store.MarkPayoutsPaid(ctx, w.ID, first.Add(48*time.Hour)))

	got, err := store.GetPayout(ctx, w.ID, "courier-1")
	require.NoError(t, err)
	require.NotNil(t, got.PaidAt)
	assert.Equal(t, first, got.PaidAt.UTC())
}

func TestUpsertPayout_ReplacesWithoutTouchingPaidAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	w := seedWeek(t, store)

	payout := engine.WeekPayout{
		WeekID: w.ID, CourierID: "courier-1",
		RidesAmount: decimal.RequireFromString("6.00"), ExtrasAmount: decimal.Zero,
		ValesAmount: decimal.Zero, InstallmentsAmount: decimal.Zero,
		NetAmount: decimal.RequireFromString("6.00"), RidesCount: 1,
		ComputedAt: time.Now().UTC(),
	}
	require.NoError(t, store.UpsertPayout(ctx, payout))
	require.NoError(t, store.MarkPayoutsPaid(ctx, w.ID, time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)))

	payout.NetAmount = decimal.RequireFromString("999.00")
	require.NoError(t, store.UpsertPayout(ctx, payout))

	got, err := store.GetPayout(ctx, w.ID, "courier-1")
	require.NoError(t, err)
	assert.NotNil(t, got.PaidAt, "the upsert never clears paid_at")
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	w := seedWeek(t, store)

	boom := assert.AnError
	err := store.WithTx(ctx, func(st engine.Store) error {
		if err := st.InsertRide(ctx, seedRide("ride-1", "ord-1", w)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.GetRide(ctx, "ride-1")
	require.NoError(t, err)
	assert.Nil(t, got, "the insert was rolled back")
}

// =============================================================================
// AUDIT SINK
// =============================================================================

func TestAuditSink_RecordNeverFails(t *testing.T) {
	store := newTestStore(t)
	sink := sqlite.NewAuditSink(store)

	// No assertion hook: Record must simply not panic or deadlock, even
	// with an empty event.
	sink.Record(context.Background(), engine.AuditEvent{})
	sink.Record(context.Background(), engine.AuditEvent{
		Actor: "operator", Action: "week_created",
		EntityType: "week", EntityID: "week-1",
		Meta: map[string]any{"closing_seq": 1},
	})
}
