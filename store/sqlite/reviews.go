/*
reviews.go - YOOGA collision group persistence

PURPOSE:
  One group per (week, signature_key), membership held in review_items
  with an INSERT OR IGNORE so re-ingestion can re-link rides freely.
  ResolveGroup is a compare-and-swap on status: the second resolver loses
  with ErrGroupAlreadyResolved instead of silently double-applying a
  decision.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fleetpay/settlement-engine/engine"
)

func createGroup(ctx context.Context, q dbtx, g engine.ReviewGroup) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx,
		"INSERT INTO review_groups (id, week_id, signature_key, status, created_at) VALUES (?, ?, ?, ?, ?)",
		string(g.ID), string(g.WeekID), g.SignatureKey, g.Status, g.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateRow
		}
		return fmt.Errorf("failed to create review group: %w", err)
	}
	return nil
}

func scanGroup(row interface{ Scan(...any) error }) (engine.ReviewGroup, error) {
	var (
		g       engine.ReviewGroup
		created string
	)
	if err := row.Scan(&g.ID, &g.WeekID, &g.SignatureKey, &g.Status, &created); err != nil {
		return g, err
	}
	g.CreatedAt = mustTime(created)
	return g, nil
}

func getGroup(ctx context.Context, q dbtx, id engine.GroupID) (*engine.ReviewGroup, error) {
	g, err := scanGroup(q.QueryRowContext(ctx,
		"SELECT id, week_id, signature_key, status, created_at FROM review_groups WHERE id = ?",
		string(id)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review group: %w", err)
	}
	return &g, nil
}

func getGroupByKey(ctx context.Context, q dbtx, weekID engine.WeekID, signature string) (*engine.ReviewGroup, error) {
	g, err := scanGroup(q.QueryRowContext(ctx,
		"SELECT id, week_id, signature_key, status, created_at FROM review_groups WHERE week_id = ? AND signature_key = ?",
		string(weekID), signature))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review group by key: %w", err)
	}
	return &g, nil
}

func addGroupItem(ctx context.Context, q dbtx, groupID engine.GroupID, rideID engine.RideID) error {
	_, err := q.ExecContext(ctx,
		"INSERT OR IGNORE INTO review_items (group_id, ride_id) VALUES (?, ?)",
		string(groupID), string(rideID))
	if err != nil {
		return fmt.Errorf("failed to add review item: %w", err)
	}
	return nil
}

func groupItems(ctx context.Context, q dbtx, groupID engine.GroupID) ([]engine.Ride, error) {
	return queryRides(ctx, q,
		"SELECT "+rideColumns+` FROM rides
		 JOIN review_items ON review_items.ride_id = rides.id
		 WHERE review_items.group_id = ?
		 ORDER BY rides.order_dt ASC, rides.id ASC`,
		string(groupID))
}

func listPendingGroups(ctx context.Context, q dbtx, weekID engine.WeekID) ([]engine.GroupSummary, error) {
	query := `
		SELECT g.id, g.week_id, g.signature_key, g.status, g.created_at,
		       (SELECT COUNT(*) FROM review_items i WHERE i.group_id = g.id)
		FROM review_groups g
		WHERE g.status = ?`
	args := []any{engine.ReviewPending}
	if weekID != "" {
		query += " AND g.week_id = ?"
		args = append(args, string(weekID))
	}
	query += " ORDER BY g.created_at ASC, g.id ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending groups: %w", err)
	}
	defer rows.Close()

	var groups []engine.GroupSummary
	for rows.Next() {
		var (
			g       engine.ReviewGroup
			created string
			items   int
		)
		if err := rows.Scan(&g.ID, &g.WeekID, &g.SignatureKey, &g.Status, &created, &items); err != nil {
			return nil, err
		}
		g.CreatedAt = mustTime(created)
		groups = append(groups, engine.GroupSummary{Group: g, Items: items})
	}
	return groups, rows.Err()
}

func resolveGroup(ctx context.Context, q dbtx, id engine.GroupID) error {
	res, err := q.ExecContext(ctx,
		"UPDATE review_groups SET status = ? WHERE id = ? AND status = ?",
		engine.ReviewResolved, string(id), engine.ReviewPending)
	if err != nil {
		return fmt.Errorf("failed to resolve review group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		g, err := getGroup(ctx, q, id)
		if err != nil {
			return err
		}
		if g == nil {
			return engine.ErrGroupNotFound
		}
		return engine.ErrGroupAlreadyResolved
	}
	return nil
}

func reopenGroup(ctx context.Context, q dbtx, id engine.GroupID) error {
	res, err := q.ExecContext(ctx,
		"UPDATE review_groups SET status = ? WHERE id = ?",
		engine.ReviewPending, string(id))
	if err != nil {
		return fmt.Errorf("failed to reopen review group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrGroupNotFound
	}
	return nil
}

// =============================================================================
// INTERFACE WIRING
// =============================================================================

func (s *Store) CreateGroup(ctx context.Context, g engine.ReviewGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createGroup(ctx, s.db, g)
}

func (s *Store) GetGroup(ctx context.Context, id engine.GroupID) (*engine.ReviewGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getGroup(ctx, s.db, id)
}

func (s *Store) GetGroupByKey(ctx context.Context, weekID engine.WeekID, signature string) (*engine.ReviewGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getGroupByKey(ctx, s.db, weekID, signature)
}

func (s *Store) AddGroupItem(ctx context.Context, groupID engine.GroupID, rideID engine.RideID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addGroupItem(ctx, s.db, groupID, rideID)
}

func (s *Store) GroupItems(ctx context.Context, groupID engine.GroupID) ([]engine.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return groupItems(ctx, s.db, groupID)
}

func (s *Store) ListPendingGroups(ctx context.Context, weekID engine.WeekID) ([]engine.GroupSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPendingGroups(ctx, s.db, weekID)
}

func (s *Store) ResolveGroup(ctx context.Context, id engine.GroupID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return resolveGroup(ctx, s.db, id)
}

func (s *Store) ReopenGroup(ctx context.Context, id engine.GroupID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return reopenGroup(ctx, s.db, id)
}

func (ts *txStore) CreateGroup(ctx context.Context, g engine.ReviewGroup) error {
	return createGroup(ctx, ts.tx, g)
}

func (ts *txStore) GetGroup(ctx context.Context, id engine.GroupID) (*engine.ReviewGroup, error) {
	return getGroup(ctx, ts.tx, id)
}

func (ts *txStore) GetGroupByKey(ctx context.Context, weekID engine.WeekID, signature string) (*engine.ReviewGroup, error) {
	return getGroupByKey(ctx, ts.tx, weekID, signature)
}

func (ts *txStore) AddGroupItem(ctx context.Context, groupID engine.GroupID, rideID engine.RideID) error {
	return addGroupItem(ctx, ts.tx, groupID, rideID)
}

func (ts *txStore) GroupItems(ctx context.Context, groupID engine.GroupID) ([]engine.Ride, error) {
	return groupItems(ctx, ts.tx, groupID)
}

func (ts *txStore) ListPendingGroups(ctx context.Context, weekID engine.WeekID) ([]engine.GroupSummary, error) {
	return listPendingGroups(ctx, ts.tx, weekID)
}

func (ts *txStore) ResolveGroup(ctx context.Context, id engine.GroupID) error {
	return resolveGroup(ctx, ts.tx, id)
}

func (ts *txStore) ReopenGroup(ctx context.Context, id engine.GroupID) error {
	return reopenGroup(ctx, ts.tx, id)
}
