package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"practiceflow/internal/automation"
	"practiceflow/internal/eventlog"
	"practiceflow/internal/repo"
)

// CreateTrigger validates and stores a trigger on a workflow template. New
// triggers start enabled.
func (e *Engine) CreateTrigger(ctx context.Context, t automation.Trigger) (automation.Trigger, error) {
	if t.OrgID == "" || t.WorkflowID == "" {
		return automation.Trigger{}, errors.New("org and workflow are required")
	}
	if err := t.Definition.Validate(); err != nil {
		return automation.Trigger{}, fmt.Errorf("invalid trigger: %w", err)
	}
	if err := e.Conditions.Validate(t.Definition.Conditions); err != nil {
		return automation.Trigger{}, fmt.Errorf("invalid trigger conditions: %w", err)
	}
	for i, a := range t.Definition.Actions {
		if err := e.Conditions.Validate(a.Conditions); err != nil {
			return automation.Trigger{}, fmt.Errorf("invalid conditions on action %d: %w", i, err)
		}
	}
	if t.Scope == "" {
		t.Scope = automation.ScopeWorkflow
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := e.now()
	t.Enabled = true
	t.CreatedAt, t.UpdatedAt = now, now
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		if _, err := r.GetWorkflow(ctx, t.OrgID, t.WorkflowID); err != nil {
			return fmt.Errorf("workflow %s: %w", t.WorkflowID, err)
		}
		switch t.Scope {
		case automation.ScopeWorkflow:
			t.ScopeID = ""
		case automation.ScopeStage:
			st, err := r.GetStage(ctx, t.OrgID, t.ScopeID)
			if err != nil {
				return fmt.Errorf("scope stage %s: %w", t.ScopeID, err)
			}
			if st.WorkflowID != t.WorkflowID {
				return fmt.Errorf("stage %s is not part of workflow %s", t.ScopeID, t.WorkflowID)
			}
		case automation.ScopeStep:
			if _, err := r.GetStep(ctx, t.OrgID, t.ScopeID); err != nil {
				return fmt.Errorf("scope step %s: %w", t.ScopeID, err)
			}
		default:
			return fmt.Errorf("unknown scope %q", t.Scope)
		}
		if err := r.InsertTrigger(ctx, t); err != nil {
			return fmt.Errorf("insert trigger: %w", err)
		}
		return e.Activity.Append(ctx, tx, t.OrgID, "trigger.created", "trigger", t.ID, "", eventlog.Payload{"type": string(t.Type())})
	})
	if err != nil {
		return automation.Trigger{}, err
	}
	return t, nil
}

// SetTriggerEnabled toggles a trigger. Only future matches see the change.
func (e *Engine) SetTriggerEnabled(ctx context.Context, orgID, id string, enabled bool) (automation.Trigger, error) {
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		if err := r.SetTriggerEnabled(ctx, orgID, id, enabled, e.now()); err != nil {
			return fmt.Errorf("trigger %s: %w", id, err)
		}
		return e.Activity.Append(ctx, tx, orgID, "trigger.enabled", "trigger", id, "", eventlog.Payload{"enabled": enabled})
	})
	if err != nil {
		return automation.Trigger{}, err
	}
	return e.Repo.GetTrigger(ctx, orgID, id)
}

func (e *Engine) ListTriggers(ctx context.Context, f repo.TriggerFilters) ([]automation.Trigger, error) {
	return e.Repo.ListTriggers(ctx, f)
}
