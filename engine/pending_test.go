package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetpay/settlement-engine/engine"
)

// pendingRide ingests one unmatched SAIPOS row and returns the pending ride.
func pendingRide(t *testing.T, f *fixture, externalID string, orderDT time.Time) engine.Ride {
	t.Helper()
	ctx := context.Background()
	_, err := f.ingestor.Ingest(ctx, engine.SourceSaipos, externalID+".xlsx", "hash-"+externalID, []engine.RawRow{
		saiposRow(externalID, "Unknown Name", "6.00", orderDT),
	})
	require.NoError(t, err)

	rides, err := f.store.ListRides(ctx, engine.RideFilter{Status: engine.RidePendingAssignment})
	require.NoError(t, err)
	for _, r := range rides {
		if r.ExternalID == externalID {
			return r
		}
	}
	t.Fatalf("pending ride %s not found", externalID)
	return engine.Ride{}
}

// =============================================================================
// ASSIGNMENT QUEUE
// =============================================================================

func TestAssign_PendingRide(t *testing.T) {
	// GIVEN: A ride pending assignment in an open week
	// WHEN: The operator assigns a courier
	// THEN: The ride settles in its own week, no redirect

	f := newFixture(t)
	ctx := context.Background()
	f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	c := f.courier(t, "João", "")
	ride := pendingRide(t, f, "ord-1", monday)

	assigned, err := f.pending.Assign(ctx, ride.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.RideOK, assigned.Status)
	assert.Equal(t, c.ID, assigned.CourierID)
	assert.Empty(t, assigned.PendingReason)
	assert.Empty(t, assigned.PaidInWeekID, "open week: no redirect")

	queue, err := f.pending.ListAssignment(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestAssign_LateAssignment_RedirectsToOpenWeek(t *testing.T) {
	// GIVEN: A pending ride whose week has already been closed
	// WHEN: The operator assigns it
	// THEN: It is redirected to the earliest open week covering today

	f := newFixture(t)
	ctx := context.Background()
	past := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	c := f.courier(t, "João", "")
	ride := pendingRide(t, f, "ord-1", monday)

	// The current open week: spans today so the redirect target exists.
	yesterday := engine.DateOf(time.Now().AddDate(0, 0, -1))
	weekEnd := engine.DateOf(time.Now().AddDate(0, 0, 5))
	current := f.week(t, yesterday, weekEnd)

	require.NoError(t, f.calendar.AdvanceStatus(ctx, past.ID, engine.WeekClosed))

	assigned, err := f.pending.Assign(ctx, ride.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.RideOK, assigned.Status)
	assert.Equal(t, past.ID, assigned.WeekID, "calendar week is preserved")
	assert.Equal(t, current.ID, assigned.PaidInWeekID, "payment redirected")
	assert.Equal(t, current.ID, assigned.PayableWeek())
}

func TestAssign_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	c := f.courier(t, "João", "")
	ride := pendingRide(t, f, "ord-1", monday)

	_, err := f.pending.Assign(ctx, "no-such-ride", c.ID)
	assert.ErrorIs(t, err, engine.ErrRideNotFound)

	_, err = f.pending.Assign(ctx, ride.ID, "no-such-courier")
	assert.ErrorIs(t, err, engine.ErrCourierNotFound)

	_, err = f.pending.Assign(ctx, ride.ID, c.ID)
	require.NoError(t, err)

	// Already assigned: not pending anymore.
	_, err = f.pending.Assign(ctx, ride.ID, c.ID)
	assert.ErrorIs(t, err, engine.ErrRideNotPending)
}

// =============================================================================
// REVIEW QUEUE
// =============================================================================

// collisionGroup ingests two colliding YOOGA rows and returns the group id
// and member rides.
func collisionGroup(t *testing.T, f *fixture, w engine.Week) (engine.GroupID, []engine.Ride) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ingestor.Ingest(ctx, engine.SourceYooga, "yooga.xlsx", "hash-collision", []engine.RawRow{
		yoogaRow(1, "maria", "6.00", monday, nil),
		yoogaRow(2, "maria", "6.00", monday, nil),
	})
	require.NoError(t, err)

	groups, err := f.pending.ListReviewGroups(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	items, err := f.pending.ReviewGroupItems(ctx, groups[0].Group.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	return groups[0].Group.ID, items
}

func TestResolveReview_ApproveAll(t *testing.T) {
	// Both members keep their match outcome: the name matched, so both
	// settle as two real deliveries.
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	maria := f.courier(t, "Maria", "")
	groupID, _ := collisionGroup(t, f, w)

	err := f.pending.ResolveReview(ctx, groupID, engine.ReviewDecision{ApproveAll: true})
	require.NoError(t, err)

	for _, r := range f.ridesOf(t, w.ID) {
		assert.Equal(t, engine.RideOK, r.Status)
		assert.Equal(t, maria.ID, r.CourierID)
	}

	groups, err := f.pending.ListReviewGroups(ctx, w.ID)
	require.NoError(t, err)
	assert.Empty(t, groups, "resolved group left the queue")
}

func TestResolveReview_KeepOne(t *testing.T) {
	// Confirm-as-single: the kept ride settles, the other is discarded.
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	f.courier(t, "Maria", "")
	groupID, items := collisionGroup(t, f, w)

	err := f.pending.ResolveReview(ctx, groupID, engine.ReviewDecision{KeepRideID: items[0].ID})
	require.NoError(t, err)

	statuses := map[engine.RideID]engine.RideStatus{}
	for _, r := range f.ridesOf(t, w.ID) {
		statuses[r.ID] = r.Status
	}
	assert.Equal(t, engine.RideOK, statuses[items[0].ID])
	assert.Equal(t, engine.RideDiscarded, statuses[items[1].ID])
}

func TestResolveReview_Split(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	f.courier(t, "Maria", "")
	pedro := f.courier(t, "Pedro", "")
	groupID, items := collisionGroup(t, f, w)

	err := f.pending.ResolveReview(ctx, groupID, engine.ReviewDecision{
		Assignments: map[engine.RideID]engine.CourierID{items[0].ID: pedro.ID},
		Discards:    []engine.RideID{items[1].ID},
	})
	require.NoError(t, err)

	byID := map[engine.RideID]engine.Ride{}
	for _, r := range f.ridesOf(t, w.ID) {
		byID[r.ID] = r
	}
	assert.Equal(t, engine.RideOK, byID[items[0].ID].Status)
	assert.Equal(t, pedro.ID, byID[items[0].ID].CourierID, "assignment overrides the match")
	assert.Equal(t, engine.RideDiscarded, byID[items[1].ID].Status)
}

func TestResolveReview_SecondResolveFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	f.courier(t, "Maria", "")
	groupID, _ := collisionGroup(t, f, w)

	require.NoError(t, f.pending.ResolveReview(ctx, groupID, engine.ReviewDecision{ApproveAll: true}))

	err := f.pending.ResolveReview(ctx, groupID, engine.ReviewDecision{ApproveAll: true})
	assert.ErrorIs(t, err, engine.ErrGroupAlreadyResolved)
}

func TestResolveReview_DecisionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.week(t, date(2025, time.March, 3), date(2025, time.March, 9))
	f.courier(t, "Maria", "")
	groupID, items := collisionGroup(t, f, w)

	// No decision at all.
	err := f.pending.ResolveReview(ctx, groupID, engine.ReviewDecision{})
	assert.True(t, engine.IsValidation(err), "got %v", err)

	// Two decisions at once.
	err = f.pending.ResolveReview(ctx, groupID, engine.ReviewDecision{
		ApproveAll: true,
		KeepRideID: items[0].ID,
	})
	assert.True(t, engine.IsValidation(err), "got %v", err)

	// Keeping a ride that is not a member.
	err = f.pending.ResolveReview(ctx, groupID, engine.ReviewDecision{KeepRideID: "stranger"})
	assert.True(t, engine.IsValidation(err), "got %v", err)
}
