/*
weeks.go - Week calendar persistence

PURPOSE:
  CRUD for the accounting calendar. Two write paths carry invariants that
  the schema cannot express:
  - CreateWeek assigns closing_seq = MAX+1 and rejects overlapping ranges
  - UpdateWeekDates re-checks overlap against every other week
  Both run under the writer lock (or inside an open transaction), so the
  check-then-insert pair is atomic within the process.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fleetpay/settlement-engine/engine"
)

const weekColumns = "id, closing_seq, start_date, end_date, status, note, created_at"

func createWeek(ctx context.Context, q dbtx, w engine.Week) (engine.Week, error) {
	if err := checkWeekOverlap(ctx, q, w.ID, w.StartDate, w.EndDate); err != nil {
		return engine.Week{}, err
	}

	var maxSeq int
	err := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(closing_seq), 0) FROM weeks").Scan(&maxSeq)
	if err != nil {
		return engine.Week{}, fmt.Errorf("failed to read closing sequence: %w", err)
	}
	w.ClosingSeq = maxSeq + 1
	w.CreatedAt = time.Now().UTC()

	_, err = q.ExecContext(ctx,
		"INSERT INTO weeks ("+weekColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		w.ID, w.ClosingSeq, w.StartDate.String(), w.EndDate.String(),
		w.Status, w.Note, w.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.Week{}, engine.ErrDuplicateRow
		}
		return engine.Week{}, fmt.Errorf("failed to insert week: %w", err)
	}
	return w, nil
}

// checkWeekOverlap fails with *engine.WeekOverlapError when any week other
// than selfID intersects [start, end].
func checkWeekOverlap(ctx context.Context, q dbtx, selfID engine.WeekID, start, end engine.Date) error {
	var id, cs, ce string
	err := q.QueryRowContext(ctx,
		"SELECT id, start_date, end_date FROM weeks WHERE id <> ? AND start_date <= ? AND end_date >= ? LIMIT 1",
		string(selfID), end.String(), start.String(),
	).Scan(&id, &cs, &ce)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check week overlap: %w", err)
	}
	return &engine.WeekOverlapError{
		Start:          start,
		End:            end,
		ConflictWeekID: engine.WeekID(id),
		ConflictStart:  mustDate(cs),
		ConflictEnd:    mustDate(ce),
	}
}

func scanWeek(row interface{ Scan(...any) error }) (engine.Week, error) {
	var (
		w                   engine.Week
		start, end, created string
	)
	err := row.Scan(&w.ID, &w.ClosingSeq, &start, &end, &w.Status, &w.Note, &created)
	if err != nil {
		return w, err
	}
	w.StartDate = mustDate(start)
	w.EndDate = mustDate(end)
	w.CreatedAt = mustTime(created)
	return w, nil
}

func getWeek(ctx context.Context, q dbtx, id engine.WeekID) (*engine.Week, error) {
	w, err := scanWeek(q.QueryRowContext(ctx,
		"SELECT "+weekColumns+" FROM weeks WHERE id = ?", string(id)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get week: %w", err)
	}
	return &w, nil
}

func weekForDate(ctx context.Context, q dbtx, d engine.Date) (*engine.Week, error) {
	w, err := scanWeek(q.QueryRowContext(ctx,
		"SELECT "+weekColumns+" FROM weeks WHERE start_date <= ? AND end_date >= ? LIMIT 1",
		d.String(), d.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find week for date: %w", err)
	}
	return &w, nil
}

func openWeekOnOrAfter(ctx context.Context, q dbtx, d engine.Date) (*engine.Week, error) {
	w, err := scanWeek(q.QueryRowContext(ctx,
		"SELECT "+weekColumns+" FROM weeks WHERE status = ? AND end_date >= ? ORDER BY start_date ASC LIMIT 1",
		engine.WeekOpen, d.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open week: %w", err)
	}
	return &w, nil
}

func updateWeekDates(ctx context.Context, q dbtx, id engine.WeekID, start, end engine.Date) error {
	if err := checkWeekOverlap(ctx, q, id, start, end); err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		"UPDATE weeks SET start_date = ?, end_date = ? WHERE id = ?",
		start.String(), end.String(), string(id))
	if err != nil {
		return fmt.Errorf("failed to update week dates: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrWeekNotFound
	}
	return nil
}

func updateWeekStatus(ctx context.Context, q dbtx, id engine.WeekID, status engine.WeekStatus) error {
	res, err := q.ExecContext(ctx,
		"UPDATE weeks SET status = ? WHERE id = ?", status, string(id))
	if err != nil {
		return fmt.Errorf("failed to update week status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrWeekNotFound
	}
	return nil
}

func listWeeks(ctx context.Context, q dbtx) ([]engine.Week, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+weekColumns+" FROM weeks ORDER BY start_date ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list weeks: %w", err)
	}
	defer rows.Close()

	var weeks []engine.Week
	for rows.Next() {
		w, err := scanWeek(rows)
		if err != nil {
			return nil, err
		}
		weeks = append(weeks, w)
	}
	return weeks, rows.Err()
}

// =============================================================================
// INTERFACE WIRING
// =============================================================================

func (s *Store) CreateWeek(ctx context.Context, w engine.Week) (engine.Week, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createWeek(ctx, s.db, w)
}

func (s *Store) GetWeek(ctx context.Context, id engine.WeekID) (*engine.Week, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getWeek(ctx, s.db, id)
}

func (s *Store) WeekForDate(ctx context.Context, d engine.Date) (*engine.Week, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return weekForDate(ctx, s.db, d)
}

func (s *Store) OpenWeekOnOrAfter(ctx context.Context, d engine.Date) (*engine.Week, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return openWeekOnOrAfter(ctx, s.db, d)
}

func (s *Store) UpdateWeekDates(ctx context.Context, id engine.WeekID, start, end engine.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateWeekDates(ctx, s.db, id, start, end)
}

func (s *Store) UpdateWeekStatus(ctx context.Context, id engine.WeekID, status engine.WeekStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateWeekStatus(ctx, s.db, id, status)
}

func (s *Store) ListWeeks(ctx context.Context) ([]engine.Week, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listWeeks(ctx, s.db)
}

func (ts *txStore) CreateWeek(ctx context.Context, w engine.Week) (engine.Week, error) {
	return createWeek(ctx, ts.tx, w)
}

func (ts *txStore) GetWeek(ctx context.Context, id engine.WeekID) (*engine.Week, error) {
	return getWeek(ctx, ts.tx, id)
}

func (ts *txStore) WeekForDate(ctx context.Context, d engine.Date) (*engine.Week, error) {
	return weekForDate(ctx, ts.tx, d)
}

func (ts *txStore) OpenWeekOnOrAfter(ctx context.Context, d engine.Date) (*engine.Week, error) {
	return openWeekOnOrAfter(ctx, ts.tx, d)
}

func (ts *txStore) UpdateWeekDates(ctx context.Context, id engine.WeekID, start, end engine.Date) error {
	return updateWeekDates(ctx, ts.tx, id, start, end)
}

func (ts *txStore) UpdateWeekStatus(ctx context.Context, id engine.WeekID, status engine.WeekStatus) error {
	return updateWeekStatus(ctx, ts.tx, id, status)
}

func (ts *txStore) ListWeeks(ctx context.Context) ([]engine.Week, error) {
	return listWeeks(ctx, ts.tx)
}
