/*
couriers.go - Roster, alias and payment info persistence

PURPOSE:
  Couriers are matched against vendor name spellings, so the normalized
  forms of short name, full name and every alias are stored as their own
  columns, computed at write time with the same normalizer ingestion uses.
  An alias_norm may appear once per courier (schema constraint).
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fleetpay/settlement-engine/engine"
)

const courierColumns = "id, short_name, full_name, category, active, created_at"

func saveCourier(ctx context.Context, q dbtx, c engine.Courier) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO couriers (id, short_name, full_name, short_name_norm, full_name_norm, category, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			short_name = excluded.short_name,
			full_name = excluded.full_name,
			short_name_norm = excluded.short_name_norm,
			full_name_norm = excluded.full_name_norm,
			category = excluded.category,
			active = excluded.active
	`,
		string(c.ID), c.ShortName, c.FullName,
		engine.Normalize(c.ShortName), engine.Normalize(c.FullName),
		c.Category, c.Active, c.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save courier: %w", err)
	}
	return nil
}

func scanCourier(row interface{ Scan(...any) error }) (engine.Courier, error) {
	var (
		c       engine.Courier
		created string
	)
	if err := row.Scan(&c.ID, &c.ShortName, &c.FullName, &c.Category, &c.Active, &created); err != nil {
		return c, err
	}
	c.CreatedAt = mustTime(created)
	return c, nil
}

func getCourier(ctx context.Context, q dbtx, id engine.CourierID) (*engine.Courier, error) {
	c, err := scanCourier(q.QueryRowContext(ctx,
		"SELECT "+courierColumns+" FROM couriers WHERE id = ?", string(id)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get courier: %w", err)
	}
	return &c, nil
}

func listCouriers(ctx context.Context, q dbtx, activeOnly bool) ([]engine.Courier, error) {
	query := "SELECT " + courierColumns + " FROM couriers"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY short_name ASC"

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list couriers: %w", err)
	}
	defer rows.Close()

	var couriers []engine.Courier
	for rows.Next() {
		c, err := scanCourier(rows)
		if err != nil {
			return nil, err
		}
		couriers = append(couriers, c)
	}
	return couriers, rows.Err()
}

func findCourierByNorm(ctx context.Context, q dbtx, norm string) (*engine.Courier, error) {
	c, err := scanCourier(q.QueryRowContext(ctx,
		"SELECT "+courierColumns+" FROM couriers WHERE active = 1 AND (short_name_norm = ? OR full_name_norm = ?) LIMIT 1",
		norm, norm))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find courier by name: %w", err)
	}
	return &c, nil
}

func addAlias(ctx context.Context, q dbtx, a engine.Alias) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO aliases (id, courier_id, alias_raw, alias_norm) VALUES (?, ?, ?, ?)",
		a.ID, string(a.CourierID), a.AliasRaw, a.AliasNorm)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateRow
		}
		return fmt.Errorf("failed to add alias: %w", err)
	}
	return nil
}

func findAliasByNorm(ctx context.Context, q dbtx, norm string) (*engine.Alias, error) {
	var a engine.Alias
	err := q.QueryRowContext(ctx,
		"SELECT id, courier_id, alias_raw, alias_norm FROM aliases WHERE alias_norm = ? LIMIT 1",
		norm,
	).Scan(&a.ID, &a.CourierID, &a.AliasRaw, &a.AliasNorm)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find alias: %w", err)
	}
	return &a, nil
}

func listAliases(ctx context.Context, q dbtx, courierID engine.CourierID) ([]engine.Alias, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, courier_id, alias_raw, alias_norm FROM aliases WHERE courier_id = ? ORDER BY alias_norm ASC",
		string(courierID))
	if err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	defer rows.Close()

	var aliases []engine.Alias
	for rows.Next() {
		var a engine.Alias
		if err := rows.Scan(&a.ID, &a.CourierID, &a.AliasRaw, &a.AliasNorm); err != nil {
			return nil, err
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

func setPaymentInfo(ctx context.Context, q dbtx, p engine.PaymentInfo) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO payment_info (courier_id, key_type, key_value, bank)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(courier_id) DO UPDATE SET
			key_type = excluded.key_type,
			key_value = excluded.key_value,
			bank = excluded.bank
	`, string(p.CourierID), p.KeyType, p.KeyValue, p.Bank)
	if err != nil {
		return fmt.Errorf("failed to set payment info: %w", err)
	}
	return nil
}

func getPaymentInfo(ctx context.Context, q dbtx, courierID engine.CourierID) (*engine.PaymentInfo, error) {
	var p engine.PaymentInfo
	err := q.QueryRowContext(ctx,
		"SELECT courier_id, key_type, key_value, bank FROM payment_info WHERE courier_id = ?",
		string(courierID),
	).Scan(&p.CourierID, &p.KeyType, &p.KeyValue, &p.Bank)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment info: %w", err)
	}
	return &p, nil
}

// =============================================================================
// INTERFACE WIRING
// =============================================================================

func (s *Store) SaveCourier(ctx context.Context, c engine.Courier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveCourier(ctx, s.db, c)
}

func (s *Store) GetCourier(ctx context.Context, id engine.CourierID) (*engine.Courier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCourier(ctx, s.db, id)
}

func (s *Store) ListCouriers(ctx context.Context, activeOnly bool) ([]engine.Courier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listCouriers(ctx, s.db, activeOnly)
}

func (s *Store) FindCourierByNorm(ctx context.Context, norm string) (*engine.Courier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findCourierByNorm(ctx, s.db, norm)
}

func (s *Store) AddAlias(ctx context.Context, a engine.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addAlias(ctx, s.db, a)
}

func (s *Store) FindAliasByNorm(ctx context.Context, norm string) (*engine.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findAliasByNorm(ctx, s.db, norm)
}

func (s *Store) ListAliases(ctx context.Context, courierID engine.CourierID) ([]engine.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAliases(ctx, s.db, courierID)
}

func (s *Store) SetPaymentInfo(ctx context.Context, p engine.PaymentInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setPaymentInfo(ctx, s.db, p)
}

func (s *Store) GetPaymentInfo(ctx context.Context, courierID engine.CourierID) (*engine.PaymentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPaymentInfo(ctx, s.db, courierID)
}

func (ts *txStore) SaveCourier(ctx context.Context, c engine.Courier) error {
	return saveCourier(ctx, ts.tx, c)
}

func (ts *txStore) GetCourier(ctx context.Context, id engine.CourierID) (*engine.Courier, error) {
	return getCourier(ctx, ts.tx, id)
}

func (ts *txStore) ListCouriers(ctx context.Context, activeOnly bool) ([]engine.Courier, error) {
	return listCouriers(ctx, ts.tx, activeOnly)
}

func (ts *txStore) FindCourierByNorm(ctx context.Context, norm string) (*engine.Courier, error) {
	return findCourierByNorm(ctx, ts.tx, norm)
}

func (ts *txStore) AddAlias(ctx context.Context, a engine.Alias) error {
	return addAlias(ctx, ts.tx, a)
}

func (ts *txStore) FindAliasByNorm(ctx context.Context, norm string) (*engine.Alias, error) {
	return findAliasByNorm(ctx, ts.tx, norm)
}

func (ts *txStore) ListAliases(ctx context.Context, courierID engine.CourierID) ([]engine.Alias, error) {
	return listAliases(ctx, ts.tx, courierID)
}

func (ts *txStore) SetPaymentInfo(ctx context.Context, p engine.PaymentInfo) error {
	return setPaymentInfo(ctx, ts.tx, p)
}

func (ts *txStore) GetPaymentInfo(ctx context.Context, courierID engine.CourierID) (*engine.PaymentInfo, error) {
	return getPaymentInfo(ctx, ts.tx, courierID)
}
