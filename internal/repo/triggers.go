package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"practiceflow/internal/automation"
)

const triggerCols = `org_id,id,workflow_id,scope,COALESCE(scope_id,''),COALESCE(name,''),config_json,enabled,created_at,updated_at`

func scanTrigger(s scanner) (automation.Trigger, error) {
	var t automation.Trigger
	var cfg, created, updated string
	var enabled int
	if err := s.Scan(&t.OrgID, &t.ID, &t.WorkflowID, &t.Scope, &t.ScopeID, &t.Name, &cfg, &enabled, &created, &updated); err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(cfg), &t.Definition); err != nil {
		return t, fmt.Errorf("decode trigger %s: %w", t.ID, err)
	}
	t.Enabled = enabled == 1
	t.CreatedAt = parseTS(created)
	t.UpdatedAt = parseTS(updated)
	return t, nil
}

func (r Repo) InsertTrigger(ctx context.Context, t automation.Trigger) error {
	cfg, err := json.Marshal(t.Definition)
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	_, err = r.q().ExecContext(ctx, `INSERT INTO triggers(org_id,id,workflow_id,scope,scope_id,type,name,config_json,enabled,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.OrgID, t.ID, t.WorkflowID, string(t.Scope), nullable(t.ScopeID), string(t.Type()), nullable(t.Name), string(cfg),
		boolInt(t.Enabled), formatTS(t.CreatedAt), formatTS(t.UpdatedAt))
	return err
}

func (r Repo) GetTrigger(ctx context.Context, orgID, id string) (automation.Trigger, error) {
	t, err := scanTrigger(r.q().QueryRowContext(ctx, `SELECT `+triggerCols+` FROM triggers WHERE org_id=? AND id=?`, orgID, id))
	return t, notFound(err)
}

func (r Repo) SetTriggerEnabled(ctx context.Context, orgID, id string, enabled bool, at time.Time) error {
	return expectOne(r.q().ExecContext(ctx, `UPDATE triggers SET enabled=?, updated_at=? WHERE org_id=? AND id=?`,
		boolInt(enabled), formatTS(at), orgID, id))
}

type TriggerFilters struct {
	OrgID       string
	WorkflowID  string
	Type        automation.TriggerType
	EnabledOnly bool
}

func (r Repo) ListTriggers(ctx context.Context, f TriggerFilters) ([]automation.Trigger, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, string(f.Type))
	}
	if f.EnabledOnly {
		clauses = append(clauses, "enabled=1")
	}
	rows, err := r.q().QueryContext(ctx, `SELECT `+triggerCols+` FROM triggers WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []automation.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// EnabledTriggersOfType returns the enabled triggers of one type across all
// organizations. The scheduler walks these per scan kind.
func (r Repo) EnabledTriggersOfType(ctx context.Context, typ automation.TriggerType) ([]automation.Trigger, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+triggerCols+` FROM triggers WHERE type=? AND enabled=1 ORDER BY org_id, created_at, id`, string(typ))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []automation.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

