/*
pending.go - Human-in-the-loop resolution queues

Two independent queues, each a PENDING -> RESOLVED machine with different
scope:

  Assignment queue: per ride. Rows whose courier name was empty or
  unregistered wait here; the operator picks the courier and is the final
  arbiter - assignment bypasses the matcher entirely.

  Review queue: per group. YOOGA rides sharing a signature within a week
  wait here; the operator decides whether the collision is two real
  deliveries, one delivery exported twice, or rows to discard.

Resolutions are compare-and-swap on status: resolving an already-resolved
item fails cleanly and never double-applies.
*/
package engine

import (
	"context"
	"time"
)

// PendingWorkflow resolves both queues.
type PendingWorkflow struct {
	store TxStore
	audit AuditSink

	// today is injectable for tests; defaults to the wall clock.
	today func() Date
}

func NewPendingWorkflow(store TxStore, audit AuditSink) *PendingWorkflow {
	if audit == nil {
		audit = NopAuditSink{}
	}
	return &PendingWorkflow{
		store: store,
		audit: audit,
		today: func() Date { return DateOf(time.Now()) },
	}
}

// =============================================================================
// ASSIGNMENT QUEUE
// =============================================================================

// ListAssignment returns rides awaiting assignment, optionally narrowed by
// week and source, ordered by order timestamp.
func (p *PendingWorkflow) ListAssignment(ctx context.Context, weekID WeekID, source Source) ([]Ride, error) {
	return p.store.ListRides(ctx, RideFilter{Status: RidePendingAssignment, WeekID: weekID, Source: source})
}

// Assign hands a pending ride to a courier. If the ride's calendar week has
// already closed, the ride is redirected to the earliest open week so the
// courier still gets paid (late assignment).
func (p *PendingWorkflow) Assign(ctx context.Context, rideID RideID, courierID CourierID) (Ride, error) {
	var assigned Ride
	err := p.store.WithTx(ctx, func(st Store) error {
		ride, err := st.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		if ride == nil {
			return ErrRideNotFound
		}
		if ride.Status != RidePendingAssignment {
			return ErrRideNotPending
		}

		courier, err := st.GetCourier(ctx, courierID)
		if err != nil {
			return err
		}
		if courier == nil {
			return ErrCourierNotFound
		}

		ride.CourierID = courierID
		ride.Status = RideOK
		ride.PendingReason = ""

		week, err := st.GetWeek(ctx, ride.WeekID)
		if err != nil {
			return err
		}
		if week == nil {
			return ErrWeekNotFound
		}
		if week.Status != WeekOpen {
			open, err := st.OpenWeekOnOrAfter(ctx, p.today())
			if err != nil {
				return err
			}
			if open == nil {
				return ErrNoOpenWeek
			}
			ride.PaidInWeekID = open.ID
			if ride.Meta == nil {
				ride.Meta = map[string]any{}
			}
			ride.Meta["late_assignment"] = map[string]any{
				"original_week_id": string(ride.WeekID),
				"paid_in_week_id":  string(open.ID),
				"at":               time.Now().UTC().Format(time.RFC3339),
			}
		}

		if err := st.UpdateRideResolution(ctx, *ride); err != nil {
			return err
		}
		assigned = *ride
		return nil
	})
	if err != nil {
		return Ride{}, err
	}

	p.audit.Record(ctx, AuditEvent{
		Action:     "ride_assigned",
		EntityType: "ride",
		EntityID:   string(rideID),
		Meta:       map[string]any{"courier_id": string(courierID)},
	})
	return assigned, nil
}

// =============================================================================
// REVIEW QUEUE
// =============================================================================

// ReviewDecision is the operator's verdict on a collision group. Exactly
// one of the fields drives the resolution:
//
//   ApproveAll: every member keeps its identity-match outcome (matched
//     rides settle, unmatched ones fall to the assignment queue).
//   KeepRideID: confirm-as-single - the named ride is kept, every other
//     member is discarded.
//   Assignments/Discards: split the collision item by item. Rides in
//     Assignments get that courier and settle; rides in Discards are
//     excluded from settlement; remaining members fall back to their
//     match outcome.
type ReviewDecision struct {
	ApproveAll  bool
	KeepRideID  RideID
	Assignments map[RideID]CourierID
	Discards    []RideID
}

func (d ReviewDecision) validate() error {
	set := 0
	if d.ApproveAll {
		set++
	}
	if d.KeepRideID != "" {
		set++
	}
	if len(d.Assignments) > 0 || len(d.Discards) > 0 {
		set++
	}
	if set != 1 {
		return Validationf("decision", "exactly one of approve_all, keep_ride_id, assignments/discards must be set")
	}
	return nil
}

// ListReviewGroups returns pending groups with member counts.
func (p *PendingWorkflow) ListReviewGroups(ctx context.Context, weekID WeekID) ([]GroupSummary, error) {
	return p.store.ListPendingGroups(ctx, weekID)
}

// ReviewGroupItems returns a group's member rides.
func (p *PendingWorkflow) ReviewGroupItems(ctx context.Context, groupID GroupID) ([]Ride, error) {
	g, err := p.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrGroupNotFound
	}
	return p.store.GroupItems(ctx, groupID)
}

// ResolveReview applies the operator's decision to every member ride and
// retires the group. A resolved group cannot be resolved again.
func (p *PendingWorkflow) ResolveReview(ctx context.Context, groupID GroupID, decision ReviewDecision) error {
	if err := decision.validate(); err != nil {
		return err
	}

	err := p.store.WithTx(ctx, func(st Store) error {
		group, err := st.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if group == nil {
			return ErrGroupNotFound
		}
		if group.Status == ReviewResolved {
			return ErrGroupAlreadyResolved
		}

		rides, err := st.GroupItems(ctx, groupID)
		if err != nil {
			return err
		}

		if decision.KeepRideID != "" {
			found := false
			for _, r := range rides {
				if r.ID == decision.KeepRideID {
					found = true
					break
				}
			}
			if !found {
				return Validationf("keep_ride_id", "ride %s is not a member of group %s", decision.KeepRideID, groupID)
			}
		}
		for id := range decision.Assignments {
			if !memberOf(rides, id) {
				return Validationf("assignments", "ride %s is not a member of group %s", id, groupID)
			}
		}
		for _, id := range decision.Discards {
			if !memberOf(rides, id) {
				return Validationf("discards", "ride %s is not a member of group %s", id, groupID)
			}
		}
		for _, cid := range decision.Assignments {
			c, err := st.GetCourier(ctx, cid)
			if err != nil {
				return err
			}
			if c == nil {
				return ErrCourierNotFound
			}
		}

		for _, ride := range rides {
			if ride.Status != RidePendingReview {
				continue // already settled by an earlier partial state
			}
			next := decideMember(ride, decision)
			if err := st.UpdateRideResolution(ctx, next); err != nil {
				return err
			}
		}

		return st.ResolveGroup(ctx, groupID)
	})
	if err != nil {
		return err
	}

	p.audit.Record(ctx, AuditEvent{
		Action:     "review_group_resolved",
		EntityType: "review_group",
		EntityID:   string(groupID),
	})
	return nil
}

// decideMember computes a member ride's post-resolution state.
func decideMember(ride Ride, d ReviewDecision) Ride {
	switch {
	case d.ApproveAll:
		keepMatchOutcome(&ride)

	case d.KeepRideID != "":
		if ride.ID == d.KeepRideID {
			keepMatchOutcome(&ride)
		} else {
			ride.Status = RideDiscarded
			ride.PendingReason = ""
		}

	default: // split
		if cid, ok := d.Assignments[ride.ID]; ok {
			ride.CourierID = cid
			ride.Status = RideOK
			ride.PendingReason = ""
		} else if containsRide(d.Discards, ride.ID) {
			ride.Status = RideDiscarded
			ride.PendingReason = ""
		} else {
			keepMatchOutcome(&ride)
		}
	}
	return ride
}

// keepMatchOutcome settles a ride that already has a matched courier and
// queues the rest for assignment.
func keepMatchOutcome(ride *Ride) {
	if ride.CourierID != "" {
		ride.Status = RideOK
		ride.PendingReason = ""
	} else {
		ride.Status = RidePendingAssignment
		ride.PendingReason = ReasonNameNotRegistered
	}
}

func memberOf(rides []Ride, id RideID) bool {
	for _, r := range rides {
		if r.ID == id {
			return true
		}
	}
	return false
}

func containsRide(ids []RideID, id RideID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
