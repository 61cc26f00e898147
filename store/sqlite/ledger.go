/*
ledger.go - Manual ledger entries and payout snapshot persistence

PURPOSE:
  ledger_entries is append-only; there is no update or delete function in
  this file on purpose. week_payouts is a keyed upsert that refuses
  nothing - the freeze rule (paid_at set means read-only) is enforced by
  the settlement calculator before it writes, and by MarkPayoutsPaid only
  stamping rows that are not yet stamped.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fleetpay/settlement-engine/engine"
)

// =============================================================================
// LEDGER
// =============================================================================

func appendLedgerEntry(ctx context.Context, q dbtx, e engine.LedgerEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, courier_id, week_id, effective_date, type, amount, related_ride_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(e.ID), string(e.CourierID), string(e.WeekID), e.EffectiveDate.String(),
		e.Type, e.Amount.String(), string(e.RelatedRideID), e.Note,
		e.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateRow
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func listLedgerEntries(ctx context.Context, q dbtx, weekID engine.WeekID, courierID engine.CourierID) ([]engine.LedgerEntry, error) {
	query := `
		SELECT id, courier_id, week_id, effective_date, type, amount, related_ride_id, note, created_at
		FROM ledger_entries WHERE week_id = ?`
	args := []any{string(weekID)}
	if courierID != "" {
		query += " AND courier_id = ?"
		args = append(args, string(courierID))
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []engine.LedgerEntry
	for rows.Next() {
		var (
			e               engine.LedgerEntry
			effDate, amount string
			created         string
		)
		err := rows.Scan(&e.ID, &e.CourierID, &e.WeekID, &effDate, &e.Type, &amount,
			&e.RelatedRideID, &e.Note, &created)
		if err != nil {
			return nil, err
		}
		e.EffectiveDate = mustDate(effDate)
		e.Amount = engine.MustMoney(amount)
		e.CreatedAt = mustTime(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// PAYOUT SNAPSHOTS
// =============================================================================

func upsertPayout(ctx context.Context, q dbtx, p engine.WeekPayout) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO week_payouts
			(week_id, courier_id, rides_count, rides_amount, extras_amount, vales_amount,
			 installments_amount, net_amount, pending_count, is_flag_red, computed_at, paid_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(week_id, courier_id) DO UPDATE SET
			rides_count = excluded.rides_count,
			rides_amount = excluded.rides_amount,
			extras_amount = excluded.extras_amount,
			vales_amount = excluded.vales_amount,
			installments_amount = excluded.installments_amount,
			net_amount = excluded.net_amount,
			pending_count = excluded.pending_count,
			is_flag_red = excluded.is_flag_red,
			computed_at = excluded.computed_at
	`,
		string(p.WeekID), string(p.CourierID), p.RidesCount,
		p.RidesAmount.String(), p.ExtrasAmount.String(), p.ValesAmount.String(),
		p.InstallmentsAmount.String(), p.NetAmount.String(),
		p.PendingCount, p.IsFlagRed, p.ComputedAt.UTC().Format(time.RFC3339),
		nullTime(p.PaidAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert payout: %w", err)
	}
	return nil
}

const payoutColumns = `week_id, courier_id, rides_count, rides_amount, extras_amount, vales_amount,
	installments_amount, net_amount, pending_count, is_flag_red, computed_at, paid_at`

func scanPayout(row interface{ Scan(...any) error }) (engine.WeekPayout, error) {
	var (
		p                              engine.WeekPayout
		rides, extras, vales, inst, nt string
		computed                       string
		paid                           sql.NullString
	)
	err := row.Scan(&p.WeekID, &p.CourierID, &p.RidesCount, &rides, &extras, &vales,
		&inst, &nt, &p.PendingCount, &p.IsFlagRed, &computed, &paid)
	if err != nil {
		return p, err
	}
	p.RidesAmount = engine.MustMoney(rides)
	p.ExtrasAmount = engine.MustMoney(extras)
	p.ValesAmount = engine.MustMoney(vales)
	p.InstallmentsAmount = engine.MustMoney(inst)
	p.NetAmount = engine.MustMoney(nt)
	p.ComputedAt = mustTime(computed)
	p.PaidAt = scanNullTime(paid)
	return p, nil
}

func getPayout(ctx context.Context, q dbtx, weekID engine.WeekID, courierID engine.CourierID) (*engine.WeekPayout, error) {
	p, err := scanPayout(q.QueryRowContext(ctx,
		"SELECT "+payoutColumns+" FROM week_payouts WHERE week_id = ? AND courier_id = ?",
		string(weekID), string(courierID)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payout: %w", err)
	}
	return &p, nil
}

func listPayouts(ctx context.Context, q dbtx, weekID engine.WeekID) ([]engine.WeekPayout, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+payoutColumns+" FROM week_payouts WHERE week_id = ? ORDER BY courier_id ASC",
		string(weekID))
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer rows.Close()

	var payouts []engine.WeekPayout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

func markPayoutsPaid(ctx context.Context, q dbtx, weekID engine.WeekID, paidAt time.Time) error {
	_, err := q.ExecContext(ctx,
		"UPDATE week_payouts SET paid_at = ? WHERE week_id = ? AND paid_at IS NULL",
		paidAt.UTC().Format(time.RFC3339), string(weekID))
	if err != nil {
		return fmt.Errorf("failed to mark payouts paid: %w", err)
	}
	return nil
}

// =============================================================================
// INTERFACE WIRING
// =============================================================================

func (s *Store) AppendLedgerEntry(ctx context.Context, e engine.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLedgerEntry(ctx, s.db, e)
}

func (s *Store) ListLedgerEntries(ctx context.Context, weekID engine.WeekID, courierID engine.CourierID) ([]engine.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listLedgerEntries(ctx, s.db, weekID, courierID)
}

func (s *Store) UpsertPayout(ctx context.Context, p engine.WeekPayout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertPayout(ctx, s.db, p)
}

func (s *Store) GetPayout(ctx context.Context, weekID engine.WeekID, courierID engine.CourierID) (*engine.WeekPayout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPayout(ctx, s.db, weekID, courierID)
}

func (s *Store) ListPayouts(ctx context.Context, weekID engine.WeekID) ([]engine.WeekPayout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPayouts(ctx, s.db, weekID)
}

func (s *Store) MarkPayoutsPaid(ctx context.Context, weekID engine.WeekID, paidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markPayoutsPaid(ctx, s.db, weekID, paidAt)
}

func (ts *txStore) AppendLedgerEntry(ctx context.Context, e engine.LedgerEntry) error {
	return appendLedgerEntry(ctx, ts.tx, e)
}

func (ts *txStore) ListLedgerEntries(ctx context.Context, weekID engine.WeekID, courierID engine.CourierID) ([]engine.LedgerEntry, error) {
	return listLedgerEntries(ctx, ts.tx, weekID, courierID)
}

func (ts *txStore) UpsertPayout(ctx context.Context, p engine.WeekPayout) error {
	return upsertPayout(ctx, ts.tx, p)
}

func (ts *txStore) GetPayout(ctx context.Context, weekID engine.WeekID, courierID engine.CourierID) (*engine.WeekPayout, error) {
	return getPayout(ctx, ts.tx, weekID, courierID)
}

func (ts *txStore) ListPayouts(ctx context.Context, weekID engine.WeekID) ([]engine.WeekPayout, error) {
	return listPayouts(ctx, ts.tx, weekID)
}

func (ts *txStore) MarkPayoutsPaid(ctx context.Context, weekID engine.WeekID, paidAt time.Time) error {
	return markPayoutsPaid(ctx, ts.tx, weekID, paidAt)
}
