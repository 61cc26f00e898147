package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fleetpay/settlement-engine/engine"
	"github.com/fleetpay/settlement-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// fixture bundles the full service graph over one in-memory store.
type fixture struct {
	store      *sqlite.Store
	calendar   *engine.WeekCalendar
	couriers   *engine.Couriers
	matcher    *engine.IdentityMatcher
	ingestor   *engine.Ingestor
	pending    *engine.PendingWorkflow
	ledger     *engine.LedgerAccount
	loans      *engine.LoanAmortizer
	settlement *engine.SettlementCalculator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	calendar := engine.NewWeekCalendar(store, nil)
	matcher := engine.NewIdentityMatcher(store)
	loans := engine.NewLoanAmortizer(store, nil)

	return &fixture{
		store:      store,
		calendar:   calendar,
		couriers:   engine.NewCouriers(store, nil),
		matcher:    matcher,
		ingestor:   engine.NewIngestor(store, matcher, nil),
		pending:    engine.NewPendingWorkflow(store, nil),
		ledger:     engine.NewLedgerAccount(store, nil),
		loans:      loans,
		settlement: engine.NewSettlementCalculator(store, loans, nil),
	}
}

func money(s string) engine.Money {
	return decimal.RequireFromString(s)
}

func date(y int, m time.Month, d int) engine.Date {
	return engine.NewDate(y, m, d)
}

// week creates an OPEN week over [start, end] and fails the test on error.
func (f *fixture) week(t *testing.T, start, end engine.Date) engine.Week {
	t.Helper()
	w, err := f.calendar.CreateWeek(context.Background(), start, end, "")
	require.NoError(t, err)
	return w
}

// courier registers a SEMANAL courier.
func (f *fixture) courier(t *testing.T, shortName, fullName string) engine.Courier {
	t.Helper()
	c, err := f.couriers.Create(context.Background(), shortName, fullName, engine.CategorySemanal)
	require.NoError(t, err)
	return c
}

// saiposRow builds a SAIPOS row; the external id doubles as the order id.
func saiposRow(externalID, name, value string, orderDT time.Time) engine.RawRow {
	return engine.RawRow{
		ExternalID:     externalID,
		OrderDT:        orderDT,
		CourierNameRaw: name,
		Value:          money(value),
	}
}

// yoogaRow builds a YOOGA row; identity comes from the signature fields.
func yoogaRow(rowNo int, name, value string, orderDT time.Time, deliveryDT *time.Time) engine.RawRow {
	return engine.RawRow{
		SourceRowNumber: rowNo,
		OrderDT:         orderDT,
		DeliveryDT:      deliveryDT,
		CourierNameRaw:  name,
		Value:           money(value),
	}
}

// ridesOf lists every ride of a week keyed by courier name (raw).
func (f *fixture) ridesOf(t *testing.T, weekID engine.WeekID) []engine.Ride {
	t.Helper()
	rides, err := f.store.ListRides(context.Background(), engine.RideFilter{WeekID: weekID})
	require.NoError(t, err)
	return rides
}

// assertMoney compares at cent precision so 6 == 6.00.
func assertMoney(t *testing.T, want string, got engine.Money, msgAndArgs ...any) {
	t.Helper()
	require.True(t, money(want).Equal(got), "want %s, got %s (%v)", want, got.StringFixed(2), msgAndArgs)
}
