/*
ledger.go - Manual credits and debits per courier per week

CRITICAL INVARIANTS:
  1. APPEND-ONLY: no update, no delete. Corrections are new offsetting
     entries, so the trail of how a payout number came to be survives.
  2. POSITIVE AMOUNTS: direction is carried by the type (EXTRA credits,
     VALE debits), never by sign.
*/
package engine

import (
	"context"
	"time"
)

// LedgerAccount records manual adjustments.
type LedgerAccount struct {
	store Store
	audit AuditSink
}

func NewLedgerAccount(store Store, audit AuditSink) *LedgerAccount {
	if audit == nil {
		audit = NopAuditSink{}
	}
	return &LedgerAccount{store: store, audit: audit}
}

// AddEntry appends one credit or debit. Amount must be strictly positive
// at cent precision; courier and week must exist.
func (l *LedgerAccount) AddEntry(ctx context.Context, e LedgerEntry) (LedgerEntry, error) {
	if e.Type != LedgerExtra && e.Type != LedgerVale {
		return LedgerEntry{}, Validationf("type", "unknown ledger type %q", e.Type)
	}
	e.Amount = Cents(e.Amount)
	if !e.Amount.IsPositive() {
		return LedgerEntry{}, Validationf("amount", "must be strictly positive, got %s", e.Amount)
	}

	courier, err := l.store.GetCourier(ctx, e.CourierID)
	if err != nil {
		return LedgerEntry{}, err
	}
	if courier == nil {
		return LedgerEntry{}, ErrCourierNotFound
	}
	week, err := l.store.GetWeek(ctx, e.WeekID)
	if err != nil {
		return LedgerEntry{}, err
	}
	if week == nil {
		return LedgerEntry{}, ErrWeekNotFound
	}

	e.ID = LedgerEntryID(newID())
	e.CreatedAt = time.Now().UTC()
	if err := l.store.AppendLedgerEntry(ctx, e); err != nil {
		return LedgerEntry{}, err
	}

	l.audit.Record(ctx, AuditEvent{
		Action:     "ledger_entry_added",
		EntityType: "ledger_entry",
		EntityID:   string(e.ID),
		Meta: map[string]any{
			"courier_id": string(e.CourierID),
			"week_id":    string(e.WeekID),
			"type":       string(e.Type),
			"amount":     e.Amount.StringFixed(2),
		},
	})
	return e, nil
}

// ListWeekEntries returns a week's entries, optionally for one courier.
func (l *LedgerAccount) ListWeekEntries(ctx context.Context, weekID WeekID, courierID CourierID) ([]LedgerEntry, error) {
	return l.store.ListLedgerEntries(ctx, weekID, courierID)
}
