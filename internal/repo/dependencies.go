package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"practiceflow/internal/domain"
)

const depCols = `org_id,id,COALESCE(assignment_id,''),COALESCE(workflow_id,''),task_id,depends_on_task_id,type,lag_days,is_blocking,is_satisfied,satisfied_at,created_at`

func scanDependency(s scanner) (domain.TaskDependency, error) {
	var d domain.TaskDependency
	var blocking, satisfied int
	var satisfiedAt sql.NullString
	var created string
	err := s.Scan(&d.OrgID, &d.ID, &d.AssignmentID, &d.WorkflowID, &d.TaskID, &d.DependsOnTaskID, &d.Type, &d.LagDays,
		&blocking, &satisfied, &satisfiedAt, &created)
	if err != nil {
		return d, err
	}
	d.IsBlocking = blocking == 1
	d.IsSatisfied = satisfied == 1
	d.SatisfiedAt = parseTSPtr(satisfiedAt)
	d.CreatedAt = parseTS(created)
	return d, nil
}

func (r Repo) queryDependencies(ctx context.Context, where string, args ...any) ([]domain.TaskDependency, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+depCols+` FROM task_dependencies WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskDependency
	for rows.Next() {
		d, err := scanDependency(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ListDependencies returns the edges of one assignment. With an empty
// assignmentID it returns the template edges of workflowID.
func (r Repo) ListDependencies(ctx context.Context, orgID, assignmentID, workflowID string) ([]domain.TaskDependency, error) {
	if assignmentID == "" {
		return r.queryDependencies(ctx, `org_id=? AND assignment_id IS NULL AND workflow_id=?`, orgID, workflowID)
	}
	return r.queryDependencies(ctx, `org_id=? AND assignment_id=?`, orgID, assignmentID)
}

func (r Repo) InsertDependency(ctx context.Context, d domain.TaskDependency) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO task_dependencies(org_id,id,assignment_id,workflow_id,task_id,depends_on_task_id,type,lag_days,is_blocking,is_satisfied,satisfied_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.OrgID, d.ID, nullable(d.AssignmentID), nullable(d.WorkflowID), d.TaskID, d.DependsOnTaskID, string(d.Type), d.LagDays,
		boolInt(d.IsBlocking), boolInt(d.IsSatisfied), formatTSPtr(d.SatisfiedAt), formatTS(d.CreatedAt))
	return err
}

// SatisfyDependencies marks the unsatisfied edges on prerequisiteID of the
// given types satisfied. Run it on a transaction-bound Repo: the select and
// the update must see the same rows.
func (r Repo) SatisfyDependencies(ctx context.Context, orgID, prerequisiteID string, types []domain.DependencyType, at time.Time) ([]domain.TaskDependency, error) {
	if len(types) == 0 {
		return nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")
	args := []any{orgID, prerequisiteID}
	for _, t := range types {
		args = append(args, string(t))
	}
	where := `org_id=? AND depends_on_task_id=? AND is_satisfied=0 AND type IN (` + marks + `)`
	deps, err := r.queryDependencies(ctx, where, args...)
	if err != nil || len(deps) == 0 {
		return nil, err
	}
	ts := formatTS(at)
	for i := range deps {
		if _, err := r.q().ExecContext(ctx, `UPDATE task_dependencies SET is_satisfied=1, satisfied_at=? WHERE org_id=? AND id=? AND is_satisfied=0`,
			ts, orgID, deps[i].ID); err != nil {
			return nil, err
		}
		t := at.UTC()
		deps[i].IsSatisfied = true
		deps[i].SatisfiedAt = &t
	}
	return deps, nil
}

// DependenciesOf returns the edges where taskID is the dependent.
func (r Repo) DependenciesOf(ctx context.Context, orgID, taskID string) ([]domain.TaskDependency, error) {
	return r.queryDependencies(ctx, `org_id=? AND task_id=?`, orgID, taskID)
}

