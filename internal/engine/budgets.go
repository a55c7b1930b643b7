package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"practiceflow/internal/automation"
	"practiceflow/internal/domain"
	"practiceflow/internal/eventlog"
	"practiceflow/internal/repo"
)

// CreateBudgetThreshold tracks spend on an assignment against a budget.
func (e *Engine) CreateBudgetThreshold(ctx context.Context, b domain.BudgetThreshold) (domain.BudgetThreshold, error) {
	if b.OrgID == "" || b.ProjectID == "" {
		return domain.BudgetThreshold{}, errors.New("org and project are required")
	}
	if b.BudgetAmount <= 0 || b.ThresholdPercentage <= 0 {
		return domain.BudgetThreshold{}, errors.New("budget amount and threshold percentage must be positive")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := e.now()
	b.IsTriggered, b.TriggeredAt = false, nil
	b.CreatedAt, b.UpdatedAt = now, now
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		if _, err := r.GetAssignment(ctx, b.OrgID, b.ProjectID); err != nil {
			return fmt.Errorf("project %s: %w", b.ProjectID, err)
		}
		if err := r.InsertBudgetThreshold(ctx, b); err != nil {
			return fmt.Errorf("insert budget threshold: %w", err)
		}
		return e.Activity.Append(ctx, tx, b.OrgID, "budget.created", "assignment", b.ProjectID, "", eventlog.Payload{
			"threshold_id": b.ID, "budget_amount": b.BudgetAmount, "threshold_percentage": b.ThresholdPercentage,
		})
	})
	if err != nil {
		return domain.BudgetThreshold{}, err
	}
	return b, nil
}

// RecordSpend adds spend to every threshold of a project. A threshold that
// is crossed for the first time is marked triggered and fires
// budget_threshold; later spend does not fire it again.
func (e *Engine) RecordSpend(ctx context.Context, orgID, projectID string, amount float64) ([]domain.BudgetThreshold, error) {
	var reqs []domain.FireRequest
	var out []domain.BudgetThreshold
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		now := e.now()
		if err := r.AddSpend(ctx, orgID, projectID, amount, now); err != nil {
			return fmt.Errorf("add spend: %w", err)
		}
		thresholds, err := r.ListBudgetThresholds(ctx, orgID, projectID)
		if err != nil {
			return fmt.Errorf("list thresholds: %w", err)
		}
		for _, b := range thresholds {
			pct := b.SpendPercentage()
			if !b.IsTriggered && pct >= b.ThresholdPercentage {
				ok, err := r.MarkBudgetTriggered(ctx, orgID, b.ID, now)
				if err != nil {
					return fmt.Errorf("mark threshold %s: %w", b.ID, err)
				}
				if ok {
					b.IsTriggered = true
					b.TriggeredAt = &now
					reqs = append(reqs, domain.FireRequest{
						Type:       string(automation.BudgetThreshold),
						EntityType: domain.EntityAssignment,
						EntityID:   projectID,
						OrgID:      orgID,
						FieldName:  "current_spend",
						NewValue:   fmt.Sprintf("%.2f", b.CurrentSpend),
						Metadata: map[string]any{
							"percentage": pct, "thresholdId": b.ID, "thresholdPercentage": b.ThresholdPercentage,
							"budgetAmount": b.BudgetAmount, "currentSpend": b.CurrentSpend,
						},
					})
				}
			}
			out = append(out, b)
		}
		return e.Activity.Append(ctx, tx, orgID, "budget.spend", "assignment", projectID, "", eventlog.Payload{"amount": amount})
	})
	if err != nil {
		return nil, err
	}
	e.dispatch(ctx, reqs)
	return out, nil
}

// ReviseBudget changes the budget amount and re-arms the threshold.
func (e *Engine) ReviseBudget(ctx context.Context, orgID, id string, amount float64) (domain.BudgetThreshold, error) {
	if amount <= 0 {
		return domain.BudgetThreshold{}, errors.New("budget amount must be positive")
	}
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		if err := r.ReviseBudget(ctx, orgID, id, amount, e.now()); err != nil {
			return fmt.Errorf("revise budget %s: %w", id, err)
		}
		return e.Activity.Append(ctx, tx, orgID, "budget.revised", "budget", id, "", eventlog.Payload{"budget_amount": amount})
	})
	if err != nil {
		return domain.BudgetThreshold{}, err
	}
	return e.Repo.GetBudgetThreshold(ctx, orgID, id)
}
