/*
week.go - The accounting calendar

PURPOSE:
  Weeks are the periods everything settles against. Two invariants rule
  this file:

  1. No two weeks' inclusive [start, end] ranges ever overlap. The store
     enforces this inside its write transaction; creation treats the
     store's overlap signal as authoritative instead of pre-checking.
  2. closing_seq is assigned once at creation, monotonic and gap-free,
     and never changes. Loan schedules order by it, so the (editable)
     date range can shift without moving loan due-dates.

STATUS LIFECYCLE:
  OPEN -> CLOSED -> PAID, forward only. Everything else is rejected with
  InvalidTransitionError.
*/
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// WeekCalendar manages the set of accounting periods.
type WeekCalendar struct {
	store Store
	audit AuditSink
}

func NewWeekCalendar(store Store, audit AuditSink) *WeekCalendar {
	if audit == nil {
		audit = NopAuditSink{}
	}
	return &WeekCalendar{store: store, audit: audit}
}

// CreateWeek inserts a new OPEN week covering [start, end]. The range must
// not intersect any existing week.
func (c *WeekCalendar) CreateWeek(ctx context.Context, start, end Date, note string) (Week, error) {
	if end.Before(start) {
		return Week{}, Validationf("end_date", "%s is before start_date %s", end, start)
	}

	w := Week{
		ID:        WeekID(uuid.NewString()),
		StartDate: start,
		EndDate:   end,
		Status:    WeekOpen,
		Note:      note,
		CreatedAt: time.Now().UTC(),
	}

	created, err := c.store.CreateWeek(ctx, w)
	if err != nil {
		return Week{}, err
	}

	c.audit.Record(ctx, AuditEvent{
		Action:     "week_created",
		EntityType: "week",
		EntityID:   string(created.ID),
		Meta:       map[string]any{"start": start.String(), "end": end.String(), "closing_seq": created.ClosingSeq},
	})
	return created, nil
}

// AssignWeek returns the week containing the date. Rows whose date matches
// no week are an operator problem, not something the engine papers over.
func (c *WeekCalendar) AssignWeek(ctx context.Context, d Date) (Week, error) {
	w, err := c.store.WeekForDate(ctx, d)
	if err != nil {
		return Week{}, err
	}
	if w == nil {
		return Week{}, &NoWeekForDateError{Date: d}
	}
	return *w, nil
}

// AdvanceStatus moves a week forward: OPEN->CLOSED or CLOSED->PAID.
func (c *WeekCalendar) AdvanceStatus(ctx context.Context, id WeekID, target WeekStatus) error {
	w, err := c.store.GetWeek(ctx, id)
	if err != nil {
		return err
	}
	if w == nil {
		return ErrWeekNotFound
	}

	ok := (w.Status == WeekOpen && target == WeekClosed) ||
		(w.Status == WeekClosed && target == WeekPaid)
	if !ok {
		return &InvalidTransitionError{WeekID: id, From: w.Status, To: target}
	}

	if err := c.store.UpdateWeekStatus(ctx, id, target); err != nil {
		return err
	}

	c.audit.Record(ctx, AuditEvent{
		Action:     "week_status_advanced",
		EntityType: "week",
		EntityID:   string(id),
		Meta:       map[string]any{"from": string(w.Status), "to": string(target)},
	})
	return nil
}

// UpdateDates shifts a week's range ("ajuste futuro"). Allowed while the
// week is not PAID; the overlap invariant is re-checked, closing_seq is
// untouched.
func (c *WeekCalendar) UpdateDates(ctx context.Context, id WeekID, start, end Date) error {
	if end.Before(start) {
		return Validationf("end_date", "%s is before start_date %s", end, start)
	}

	w, err := c.store.GetWeek(ctx, id)
	if err != nil {
		return err
	}
	if w == nil {
		return ErrWeekNotFound
	}
	if w.Status == WeekPaid {
		return &InvalidTransitionError{WeekID: id, From: w.Status, To: w.Status}
	}

	if err := c.store.UpdateWeekDates(ctx, id, start, end); err != nil {
		return err
	}

	c.audit.Record(ctx, AuditEvent{
		Action:     "week_dates_updated",
		EntityType: "week",
		EntityID:   string(id),
		Meta:       map[string]any{"start": start.String(), "end": end.String()},
	})
	return nil
}

// OpenWeekOnOrAfter finds the earliest OPEN week still payable for the
// given date. Late assignments redirect into it.
func (c *WeekCalendar) OpenWeekOnOrAfter(ctx context.Context, d Date) (Week, error) {
	w, err := c.store.OpenWeekOnOrAfter(ctx, d)
	if err != nil {
		return Week{}, err
	}
	if w == nil {
		return Week{}, ErrNoOpenWeek
	}
	return *w, nil
}

// Get returns a week or ErrWeekNotFound.
func (c *WeekCalendar) Get(ctx context.Context, id WeekID) (Week, error) {
	w, err := c.store.GetWeek(ctx, id)
	if err != nil {
		return Week{}, err
	}
	if w == nil {
		return Week{}, ErrWeekNotFound
	}
	return *w, nil
}

// List returns all weeks ordered by closing_seq.
func (c *WeekCalendar) List(ctx context.Context) ([]Week, error) {
	return c.store.ListWeeks(ctx)
}
