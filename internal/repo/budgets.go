package repo

import (
	"context"
	"database/sql"
	"time"

	"practiceflow/internal/domain"
)

const budgetCols = `org_id,id,project_id,threshold_percentage,budget_amount,current_spend,is_triggered,triggered_at,created_at,updated_at`

func scanBudget(s scanner) (domain.BudgetThreshold, error) {
	var b domain.BudgetThreshold
	var triggered int
	var triggeredAt sql.NullString
	var created, updated string
	err := s.Scan(&b.OrgID, &b.ID, &b.ProjectID, &b.ThresholdPercentage, &b.BudgetAmount, &b.CurrentSpend, &triggered, &triggeredAt, &created, &updated)
	if err != nil {
		return b, err
	}
	b.IsTriggered = triggered == 1
	b.TriggeredAt = parseTSPtr(triggeredAt)
	b.CreatedAt = parseTS(created)
	b.UpdatedAt = parseTS(updated)
	return b, nil
}

func (r Repo) InsertBudgetThreshold(ctx context.Context, b domain.BudgetThreshold) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO budget_thresholds(`+budgetCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		b.OrgID, b.ID, b.ProjectID, b.ThresholdPercentage, b.BudgetAmount, b.CurrentSpend, boolInt(b.IsTriggered),
		formatTSPtr(b.TriggeredAt), formatTS(b.CreatedAt), formatTS(b.UpdatedAt))
	return err
}

func (r Repo) GetBudgetThreshold(ctx context.Context, orgID, id string) (domain.BudgetThreshold, error) {
	b, err := scanBudget(r.q().QueryRowContext(ctx, `SELECT `+budgetCols+` FROM budget_thresholds WHERE org_id=? AND id=?`, orgID, id))
	return b, notFound(err)
}

func (r Repo) ListBudgetThresholds(ctx context.Context, orgID, projectID string) ([]domain.BudgetThreshold, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+budgetCols+` FROM budget_thresholds WHERE org_id=? AND project_id=? ORDER BY threshold_percentage, id`, orgID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BudgetThreshold
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// AddSpend adds amount to every threshold of the project.
func (r Repo) AddSpend(ctx context.Context, orgID, projectID string, amount float64, at time.Time) error {
	_, err := r.q().ExecContext(ctx, `UPDATE budget_thresholds SET current_spend=current_spend+?, updated_at=? WHERE org_id=? AND project_id=?`,
		amount, formatTS(at), orgID, projectID)
	return err
}

// MarkBudgetTriggered flips is_triggered from 0 to 1. It reports false when
// another writer already did.
func (r Repo) MarkBudgetTriggered(ctx context.Context, orgID, id string, at time.Time) (bool, error) {
	ts := formatTS(at)
	res, err := r.q().ExecContext(ctx, `UPDATE budget_thresholds SET is_triggered=1, triggered_at=?, updated_at=? WHERE org_id=? AND id=? AND is_triggered=0`,
		ts, ts, orgID, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReviseBudget sets a new budget amount and re-arms the threshold.
func (r Repo) ReviseBudget(ctx context.Context, orgID, id string, amount float64, at time.Time) error {
	return expectOne(r.q().ExecContext(ctx, `UPDATE budget_thresholds SET budget_amount=?, is_triggered=0, triggered_at=NULL, updated_at=? WHERE org_id=? AND id=?`,
		amount, formatTS(at), orgID, id))
}
