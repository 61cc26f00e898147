/*
rides.go - Import batch and ride persistence

PURPOSE:
  Imports hold the (source, file_hash) whole-file dedup key; rides hold
  the two per-row identity keys (SAIPOS external_id, YOOGA import
  position). All three are schema constraints surfacing as
  engine.ErrDuplicateRow, so concurrent re-ingestion cannot double-insert
  no matter what the service layer checked first.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fleetpay/settlement-engine/engine"
)

// =============================================================================
// IMPORTS
// =============================================================================

func createImport(ctx context.Context, q dbtx, imp engine.Import) error {
	if imp.CreatedAt.IsZero() {
		imp.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO imports (id, source, filename, file_hash, status, meta_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		string(imp.ID), imp.Source, imp.Filename, imp.FileHash, imp.Status,
		metaJSON(imp.Meta), imp.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateRow
		}
		return fmt.Errorf("failed to create import: %w", err)
	}
	return nil
}

func scanImport(row interface{ Scan(...any) error }) (engine.Import, error) {
	var (
		imp     engine.Import
		meta    sql.NullString
		created string
	)
	if err := row.Scan(&imp.ID, &imp.Source, &imp.Filename, &imp.FileHash, &imp.Status, &meta, &created); err != nil {
		return imp, err
	}
	imp.Meta = scanMeta(meta)
	imp.CreatedAt = mustTime(created)
	return imp, nil
}

func getImport(ctx context.Context, q dbtx, id engine.ImportID) (*engine.Import, error) {
	imp, err := scanImport(q.QueryRowContext(ctx,
		"SELECT id, source, filename, file_hash, status, meta_json, created_at FROM imports WHERE id = ?",
		string(id)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get import: %w", err)
	}
	return &imp, nil
}

func getImportByHash(ctx context.Context, q dbtx, source engine.Source, fileHash string) (*engine.Import, error) {
	imp, err := scanImport(q.QueryRowContext(ctx,
		"SELECT id, source, filename, file_hash, status, meta_json, created_at FROM imports WHERE source = ? AND file_hash = ?",
		source, fileHash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get import by hash: %w", err)
	}
	return &imp, nil
}

func updateImportMeta(ctx context.Context, q dbtx, id engine.ImportID, meta map[string]any) error {
	res, err := q.ExecContext(ctx,
		"UPDATE imports SET meta_json = ? WHERE id = ?", metaJSON(meta), string(id))
	if err != nil {
		return fmt.Errorf("failed to update import meta: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrImportNotFound
	}
	return nil
}

// =============================================================================
// RIDES
// =============================================================================

const rideColumns = `id, source, import_id, external_id, source_row_number, signature_key,
	order_dt, delivery_dt, order_date, week_id, courier_id, courier_name_raw, courier_name_norm,
	value, fee_type, status, pending_reason, paid_in_week_id, meta_json, created_at`

func insertRide(ctx context.Context, q dbtx, r engine.Ride) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO rides (`+rideColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(r.ID), r.Source, string(r.ImportID), r.ExternalID, r.SourceRowNumber, r.SignatureKey,
		r.OrderDT.UTC().Format(time.RFC3339), nullTime(r.DeliveryDT), r.OrderDate.String(),
		string(r.WeekID), string(r.CourierID), r.CourierNameRaw, r.CourierNameNorm,
		r.Value.String(), int(r.FeeType), r.Status, string(r.PendingReason), string(r.PaidInWeekID),
		metaJSON(r.Meta), r.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateRow
		}
		return fmt.Errorf("failed to insert ride: %w", err)
	}
	return nil
}

func scanRide(row interface{ Scan(...any) error }) (engine.Ride, error) {
	var (
		r          engine.Ride
		orderDT    string
		deliveryDT sql.NullString
		orderDate  string
		value      string
		meta       sql.NullString
		created    string
	)
	err := row.Scan(
		&r.ID, &r.Source, &r.ImportID, &r.ExternalID, &r.SourceRowNumber, &r.SignatureKey,
		&orderDT, &deliveryDT, &orderDate, &r.WeekID, &r.CourierID, &r.CourierNameRaw, &r.CourierNameNorm,
		&value, &r.FeeType, &r.Status, &r.PendingReason, &r.PaidInWeekID, &meta, &created,
	)
	if err != nil {
		return r, err
	}
	r.OrderDT = mustTime(orderDT)
	r.DeliveryDT = scanNullTime(deliveryDT)
	r.OrderDate = mustDate(orderDate)
	r.Value = engine.MustMoney(value)
	r.Meta = scanMeta(meta)
	r.CreatedAt = mustTime(created)
	return r, nil
}

func getRide(ctx context.Context, q dbtx, id engine.RideID) (*engine.Ride, error) {
	r, err := scanRide(q.QueryRowContext(ctx,
		"SELECT "+rideColumns+" FROM rides WHERE id = ?", string(id)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ride: %w", err)
	}
	return &r, nil
}

func updateRideResolution(ctx context.Context, q dbtx, r engine.Ride) error {
	res, err := q.ExecContext(ctx, `
		UPDATE rides
		SET courier_id = ?, status = ?, pending_reason = ?, paid_in_week_id = ?, meta_json = ?
		WHERE id = ?
	`,
		string(r.CourierID), r.Status, string(r.PendingReason), string(r.PaidInWeekID),
		metaJSON(r.Meta), string(r.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update ride: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrRideNotFound
	}
	return nil
}

func queryRides(ctx context.Context, q dbtx, query string, args ...any) ([]engine.Ride, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rides: %w", err)
	}
	defer rows.Close()

	var rides []engine.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		rides = append(rides, r)
	}
	return rides, rows.Err()
}

func listRides(ctx context.Context, q dbtx, f engine.RideFilter) ([]engine.Ride, error) {
	query := "SELECT " + rideColumns + " FROM rides WHERE 1=1"
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.WeekID != "" {
		query += " AND week_id = ?"
		args = append(args, string(f.WeekID))
	}
	if f.Source != "" {
		query += " AND source = ?"
		args = append(args, f.Source)
	}
	query += " ORDER BY order_dt ASC, id ASC"
	return queryRides(ctx, q, query, args...)
}

func listPayableRides(ctx context.Context, q dbtx, weekID engine.WeekID) ([]engine.Ride, error) {
	return queryRides(ctx, q,
		"SELECT "+rideColumns+` FROM rides
		 WHERE paid_in_week_id = ? OR (week_id = ? AND paid_in_week_id = '')
		 ORDER BY order_dt ASC, id ASC`,
		string(weekID), string(weekID))
}

func externalIDExists(ctx context.Context, q dbtx, source engine.Source, externalID string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rides WHERE source = ? AND external_id = ?",
		source, externalID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check external id: %w", err)
	}
	return count > 0, nil
}

func existingSignatures(ctx context.Context, q dbtx, source engine.Source, sigs []string) (map[string]bool, error) {
	found := make(map[string]bool, len(sigs))
	if len(sigs) == 0 {
		return found, nil
	}

	placeholders := strings.Repeat("?,", len(sigs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(sigs)+1)
	args = append(args, source)
	for _, sig := range sigs {
		args = append(args, sig)
	}

	rows, err := q.QueryContext(ctx,
		"SELECT DISTINCT signature_key FROM rides WHERE source = ? AND signature_key IN ("+placeholders+")",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to check signatures: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sig string
		if err := rows.Scan(&sig); err != nil {
			return nil, err
		}
		found[sig] = true
	}
	return found, rows.Err()
}

func ridesBySignature(ctx context.Context, q dbtx, source engine.Source, weekID engine.WeekID, sig string) ([]engine.Ride, error) {
	return queryRides(ctx, q,
		"SELECT "+rideColumns+` FROM rides
		 WHERE source = ? AND week_id = ? AND signature_key = ?
		 ORDER BY order_dt ASC, id ASC`,
		source, string(weekID), sig)
}

// =============================================================================
// INTERFACE WIRING
// =============================================================================

func (s *Store) CreateImport(ctx context.Context, imp engine.Import) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createImport(ctx, s.db, imp)
}

func (s *Store) GetImport(ctx context.Context, id engine.ImportID) (*engine.Import, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getImport(ctx, s.db, id)
}

func (s *Store) GetImportByHash(ctx context.Context, source engine.Source, fileHash string) (*engine.Import, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getImportByHash(ctx, s.db, source, fileHash)
}

func (s *Store) UpdateImportMeta(ctx context.Context, id engine.ImportID, meta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateImportMeta(ctx, s.db, id, meta)
}

func (s *Store) InsertRide(ctx context.Context, r engine.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertRide(ctx, s.db, r)
}

func (s *Store) GetRide(ctx context.Context, id engine.RideID) (*engine.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRide(ctx, s.db, id)
}

func (s *Store) UpdateRideResolution(ctx context.Context, r engine.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateRideResolution(ctx, s.db, r)
}

func (s *Store) ListRides(ctx context.Context, f engine.RideFilter) ([]engine.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRides(ctx, s.db, f)
}

func (s *Store) ListPayableRides(ctx context.Context, weekID engine.WeekID) ([]engine.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPayableRides(ctx, s.db, weekID)
}

func (s *Store) ExternalIDExists(ctx context.Context, source engine.Source, externalID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return externalIDExists(ctx, s.db, source, externalID)
}

func (s *Store) ExistingSignatures(ctx context.Context, source engine.Source, sigs []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return existingSignatures(ctx, s.db, source, sigs)
}

func (s *Store) RidesBySignature(ctx context.Context, source engine.Source, weekID engine.WeekID, sig string) ([]engine.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ridesBySignature(ctx, s.db, source, weekID, sig)
}

func (ts *txStore) CreateImport(ctx context.Context, imp engine.Import) error {
	return createImport(ctx, ts.tx, imp)
}

func (ts *txStore) GetImport(ctx context.Context, id engine.ImportID) (*engine.Import, error) {
	return getImport(ctx, ts.tx, id)
}

func (ts *txStore) GetImportByHash(ctx context.Context, source engine.Source, fileHash string) (*engine.Import, error) {
	return getImportByHash(ctx, ts.tx, source, fileHash)
}

func (ts *txStore) UpdateImportMeta(ctx context.Context, id engine.ImportID, meta map[string]any) error {
	return updateImportMeta(ctx, ts.tx, id, meta)
}

func (ts *txStore) InsertRide(ctx context.Context, r engine.Ride) error {
	return insertRide(ctx, ts.tx, r)
}

func (ts *txStore) GetRide(ctx context.Context, id engine.RideID) (*engine.Ride, error) {
	return getRide(ctx, ts.tx, id)
}

func (ts *txStore) UpdateRideResolution(ctx context.Context, r engine.Ride) error {
	return updateRideResolution(ctx, ts.tx, r)
}

func (ts *txStore) ListRides(ctx context.Context, f engine.RideFilter) ([]engine.Ride, error) {
	return listRides(ctx, ts.tx, f)
}

func (ts *txStore) ListPayableRides(ctx context.Context, weekID engine.WeekID) ([]engine.Ride, error) {
	return listPayableRides(ctx, ts.tx, weekID)
}

func (ts *txStore) ExternalIDExists(ctx context.Context, source engine.Source, externalID string) (bool, error) {
	return externalIDExists(ctx, ts.tx, source, externalID)
}

func (ts *txStore) ExistingSignatures(ctx context.Context, source engine.Source, sigs []string) (map[string]bool, error) {
	return existingSignatures(ctx, ts.tx, source, sigs)
}

func (ts *txStore) RidesBySignature(ctx context.Context, source engine.Source, weekID engine.WeekID, sig string) ([]engine.Ride, error) {
	return ridesBySignature(ctx, ts.tx, source, weekID, sig)
}
