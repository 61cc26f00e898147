/*
loans.go - Loan plan, installment and application persistence

PURPOSE:
  A plan is inserted together with its full installment schedule; the
  public CreateLoanPlan wraps its own transaction so half-written
  schedules cannot exist. loan_applications is append-only with a
  UNIQUE(installment_id, week_id) key - the constraint, not the caller,
  is what stops a recomputed week close from deducting twice.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fleetpay/settlement-engine/engine"
)

const planColumns = "id, courier_id, total_amount, n_installments, rounding, status, start_closing_seq, note, created_at"

const installmentColumns = "id, plan_id, installment_no, due_closing_seq, amount, paid_amount, status"

func createLoanPlan(ctx context.Context, q dbtx, p engine.LoanPlan, schedule []engine.LoanInstallment) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx,
		"INSERT INTO loan_plans ("+planColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		string(p.ID), string(p.CourierID), p.TotalAmount.String(), p.NInstallments,
		p.Rounding, p.Status, p.StartClosingSeq, p.Note, p.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateRow
		}
		return fmt.Errorf("failed to create loan plan: %w", err)
	}

	for _, inst := range schedule {
		_, err := q.ExecContext(ctx,
			"INSERT INTO loan_installments ("+installmentColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
			string(inst.ID), string(inst.PlanID), inst.InstallmentNo, inst.DueClosingSeq,
			inst.Amount.String(), inst.PaidAmount.String(), inst.Status,
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return engine.ErrDuplicateRow
			}
			return fmt.Errorf("failed to create installment: %w", err)
		}
	}
	return nil
}

func scanPlan(row interface{ Scan(...any) error }) (engine.LoanPlan, error) {
	var (
		p              engine.LoanPlan
		total, created string
	)
	err := row.Scan(&p.ID, &p.CourierID, &total, &p.NInstallments, &p.Rounding,
		&p.Status, &p.StartClosingSeq, &p.Note, &created)
	if err != nil {
		return p, err
	}
	p.TotalAmount = engine.MustMoney(total)
	p.CreatedAt = mustTime(created)
	return p, nil
}

func getLoanPlan(ctx context.Context, q dbtx, id engine.LoanPlanID) (*engine.LoanPlan, error) {
	p, err := scanPlan(q.QueryRowContext(ctx,
		"SELECT "+planColumns+" FROM loan_plans WHERE id = ?", string(id)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loan plan: %w", err)
	}
	return &p, nil
}

func queryPlans(ctx context.Context, q dbtx, query string, args ...any) ([]engine.LoanPlan, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query loan plans: %w", err)
	}
	defer rows.Close()

	var plans []engine.LoanPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func listLoanPlans(ctx context.Context, q dbtx, courierID engine.CourierID) ([]engine.LoanPlan, error) {
	query := "SELECT " + planColumns + " FROM loan_plans"
	var args []any
	if courierID != "" {
		query += " WHERE courier_id = ?"
		args = append(args, string(courierID))
	}
	query += " ORDER BY created_at ASC, id ASC"
	return queryPlans(ctx, q, query, args...)
}

func activePlansForCourier(ctx context.Context, q dbtx, courierID engine.CourierID) ([]engine.LoanPlan, error) {
	return queryPlans(ctx, q,
		"SELECT "+planColumns+" FROM loan_plans WHERE courier_id = ? AND status = ? ORDER BY created_at ASC, id ASC",
		string(courierID), engine.PlanActive)
}

func updatePlanStatus(ctx context.Context, q dbtx, id engine.LoanPlanID, status engine.LoanPlanStatus) error {
	res, err := q.ExecContext(ctx,
		"UPDATE loan_plans SET status = ? WHERE id = ?", status, string(id))
	if err != nil {
		return fmt.Errorf("failed to update plan status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrPlanNotFound
	}
	return nil
}

func scanInstallment(row interface{ Scan(...any) error }) (engine.LoanInstallment, error) {
	var (
		i            engine.LoanInstallment
		amount, paid string
	)
	err := row.Scan(&i.ID, &i.PlanID, &i.InstallmentNo, &i.DueClosingSeq, &amount, &paid, &i.Status)
	if err != nil {
		return i, err
	}
	i.Amount = engine.MustMoney(amount)
	i.PaidAmount = engine.MustMoney(paid)
	return i, nil
}

func getInstallment(ctx context.Context, q dbtx, id engine.InstallmentID) (*engine.LoanInstallment, error) {
	i, err := scanInstallment(q.QueryRowContext(ctx,
		"SELECT "+installmentColumns+" FROM loan_installments WHERE id = ?", string(id)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installment: %w", err)
	}
	return &i, nil
}

func listInstallments(ctx context.Context, q dbtx, planID engine.LoanPlanID) ([]engine.LoanInstallment, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+installmentColumns+" FROM loan_installments WHERE plan_id = ? ORDER BY installment_no ASC",
		string(planID))
	if err != nil {
		return nil, fmt.Errorf("failed to list installments: %w", err)
	}
	defer rows.Close()

	var installments []engine.LoanInstallment
	for rows.Next() {
		i, err := scanInstallment(rows)
		if err != nil {
			return nil, err
		}
		installments = append(installments, i)
	}
	return installments, rows.Err()
}

func updateInstallment(ctx context.Context, q dbtx, i engine.LoanInstallment) error {
	res, err := q.ExecContext(ctx, `
		UPDATE loan_installments
		SET due_closing_seq = ?, paid_amount = ?, status = ?
		WHERE id = ?
	`, i.DueClosingSeq, i.PaidAmount.String(), i.Status, string(i.ID))
	if err != nil {
		return fmt.Errorf("failed to update installment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrInstallmentNotFound
	}
	return nil
}

func earliestOpenInstallment(ctx context.Context, q dbtx, planID engine.LoanPlanID, maxSeq int) (*engine.LoanInstallment, error) {
	i, err := scanInstallment(q.QueryRowContext(ctx, `
		SELECT `+installmentColumns+` FROM loan_installments
		WHERE plan_id = ? AND due_closing_seq <= ? AND status NOT IN (?, ?)
		ORDER BY due_closing_seq ASC, installment_no ASC
		LIMIT 1
	`, string(planID), maxSeq, engine.InstallmentPaid, engine.InstallmentCancelled))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open installment: %w", err)
	}
	return &i, nil
}

func insertLoanApplication(ctx context.Context, q dbtx, a engine.LoanApplication) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO loan_applications (id, installment_id, plan_id, courier_id, week_id, applied_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, string(a.InstallmentID), string(a.PlanID), string(a.CourierID),
		string(a.WeekID), a.AppliedAmount.String(), a.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateRow
		}
		return fmt.Errorf("failed to insert loan application: %w", err)
	}
	return nil
}

func scanApplication(row interface{ Scan(...any) error }) (engine.LoanApplication, error) {
	var (
		a               engine.LoanApplication
		applied, create string
	)
	err := row.Scan(&a.ID, &a.InstallmentID, &a.PlanID, &a.CourierID, &a.WeekID, &applied, &create)
	if err != nil {
		return a, err
	}
	a.AppliedAmount = engine.MustMoney(applied)
	a.CreatedAt = mustTime(create)
	return a, nil
}

func getLoanApplication(ctx context.Context, q dbtx, installmentID engine.InstallmentID, weekID engine.WeekID) (*engine.LoanApplication, error) {
	a, err := scanApplication(q.QueryRowContext(ctx, `
		SELECT id, installment_id, plan_id, courier_id, week_id, applied_amount, created_at
		FROM loan_applications WHERE installment_id = ? AND week_id = ?
	`, string(installmentID), string(weekID)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loan application: %w", err)
	}
	return &a, nil
}

func getPlanApplicationForWeek(ctx context.Context, q dbtx, planID engine.LoanPlanID, weekID engine.WeekID) (*engine.LoanApplication, error) {
	a, err := scanApplication(q.QueryRowContext(ctx, `
		SELECT id, installment_id, plan_id, courier_id, week_id, applied_amount, created_at
		FROM loan_applications WHERE plan_id = ? AND week_id = ?
	`, string(planID), string(weekID)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan application: %w", err)
	}
	return &a, nil
}

func listLoanApplications(ctx context.Context, q dbtx, weekID engine.WeekID, courierID engine.CourierID) ([]engine.LoanApplication, error) {
	query := `
		SELECT id, installment_id, plan_id, courier_id, week_id, applied_amount, created_at
		FROM loan_applications WHERE week_id = ?`
	args := []any{string(weekID)}
	if courierID != "" {
		query += " AND courier_id = ?"
		args = append(args, string(courierID))
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loan applications: %w", err)
	}
	defer rows.Close()

	var apps []engine.LoanApplication
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// =============================================================================
// INTERFACE WIRING
// =============================================================================

// CreateLoanPlan runs in its own transaction so the plan and its schedule
// land together or not at all.
func (s *Store) CreateLoanPlan(ctx context.Context, p engine.LoanPlan, schedule []engine.LoanInstallment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := createLoanPlan(ctx, sqlTx, p, schedule); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) GetLoanPlan(ctx context.Context, id engine.LoanPlanID) (*engine.LoanPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLoanPlan(ctx, s.db, id)
}

func (s *Store) ListLoanPlans(ctx context.Context, courierID engine.CourierID) ([]engine.LoanPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listLoanPlans(ctx, s.db, courierID)
}

func (s *Store) ActivePlansForCourier(ctx context.Context, courierID engine.CourierID) ([]engine.LoanPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return activePlansForCourier(ctx, s.db, courierID)
}

func (s *Store) UpdatePlanStatus(ctx context.Context, id engine.LoanPlanID, status engine.LoanPlanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updatePlanStatus(ctx, s.db, id, status)
}

func (s *Store) GetInstallment(ctx context.Context, id engine.InstallmentID) (*engine.LoanInstallment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getInstallment(ctx, s.db, id)
}

func (s *Store) ListInstallments(ctx context.Context, planID engine.LoanPlanID) ([]engine.LoanInstallment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listInstallments(ctx, s.db, planID)
}

func (s *Store) UpdateInstallment(ctx context.Context, i engine.LoanInstallment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateInstallment(ctx, s.db, i)
}

func (s *Store) EarliestOpenInstallment(ctx context.Context, planID engine.LoanPlanID, maxSeq int) (*engine.LoanInstallment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return earliestOpenInstallment(ctx, s.db, planID, maxSeq)
}

func (s *Store) InsertLoanApplication(ctx context.Context, a engine.LoanApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertLoanApplication(ctx, s.db, a)
}

func (s *Store) GetLoanApplication(ctx context.Context, installmentID engine.InstallmentID, weekID engine.WeekID) (*engine.LoanApplication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLoanApplication(ctx, s.db, installmentID, weekID)
}

func (s *Store) GetPlanApplicationForWeek(ctx context.Context, planID engine.LoanPlanID, weekID engine.WeekID) (*engine.LoanApplication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPlanApplicationForWeek(ctx, s.db, planID, weekID)
}

func (s *Store) ListLoanApplications(ctx context.Context, weekID engine.WeekID, courierID engine.CourierID) ([]engine.LoanApplication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listLoanApplications(ctx, s.db, weekID, courierID)
}

func (ts *txStore) CreateLoanPlan(ctx context.Context, p engine.LoanPlan, schedule []engine.LoanInstallment) error {
	return createLoanPlan(ctx, ts.tx, p, schedule)
}

func (ts *txStore) GetLoanPlan(ctx context.Context, id engine.LoanPlanID) (*engine.LoanPlan, error) {
	return getLoanPlan(ctx, ts.tx, id)
}

func (ts *txStore) ListLoanPlans(ctx context.Context, courierID engine.CourierID) ([]engine.LoanPlan, error) {
	return listLoanPlans(ctx, ts.tx, courierID)
}

func (ts *txStore) ActivePlansForCourier(ctx context.Context, courierID engine.CourierID) ([]engine.LoanPlan, error) {
	return activePlansForCourier(ctx, ts.tx, courierID)
}

func (ts *txStore) UpdatePlanStatus(ctx context.Context, id engine.LoanPlanID, status engine.LoanPlanStatus) error {
	return updatePlanStatus(ctx, ts.tx, id, status)
}

func (ts *txStore) GetInstallment(ctx context.Context, id engine.InstallmentID) (*engine.LoanInstallment, error) {
	return getInstallment(ctx, ts.tx, id)
}

func (ts *txStore) ListInstallments(ctx context.Context, planID engine.LoanPlanID) ([]engine.LoanInstallment, error) {
	return listInstallments(ctx, ts.tx, planID)
}

func (ts *txStore) UpdateInstallment(ctx context.Context, i engine.LoanInstallment) error {
	return updateInstallment(ctx, ts.tx, i)
}

func (ts *txStore) EarliestOpenInstallment(ctx context.Context, planID engine.LoanPlanID, maxSeq int) (*engine.LoanInstallment, error) {
	return earliestOpenInstallment(ctx, ts.tx, planID, maxSeq)
}

func (ts *txStore) InsertLoanApplication(ctx context.Context, a engine.LoanApplication) error {
	return insertLoanApplication(ctx, ts.tx, a)
}

func (ts *txStore) GetLoanApplication(ctx context.Context, installmentID engine.InstallmentID, weekID engine.WeekID) (*engine.LoanApplication, error) {
	return getLoanApplication(ctx, ts.tx, installmentID, weekID)
}

func (ts *txStore) GetPlanApplicationForWeek(ctx context.Context, planID engine.LoanPlanID, weekID engine.WeekID) (*engine.LoanApplication, error) {
	return getPlanApplicationForWeek(ctx, ts.tx, planID, weekID)
}

func (ts *txStore) ListLoanApplications(ctx context.Context, weekID engine.WeekID, courierID engine.CourierID) ([]engine.LoanApplication, error) {
	return listLoanApplications(ctx, ts.tx, weekID, courierID)
}
