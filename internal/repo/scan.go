package repo

import (
	"context"
	"strings"
	"time"

	"practiceflow/internal/domain"
)

// Candidate queries used by the scheduler. Each one is scoped to an
// organization and workflow and bounded by limit.

// AssignmentsDueOn returns open assignments of a workflow due on day.
func (r Repo) AssignmentsDueOn(ctx context.Context, orgID, workflowID string, day time.Time, limit int) ([]domain.Assignment, error) {
	return r.queryAssignments(ctx, `SELECT `+assignmentCols+` FROM assignments
WHERE org_id=? AND workflow_id=? AND due_date=? AND status<>'completed' ORDER BY id LIMIT ?`,
		orgID, workflowID, day.Format(dateLayout), limitOrMax(limit))
}

// AssignmentsOverdue returns open assignments of a workflow due before today.
func (r Repo) AssignmentsOverdue(ctx context.Context, orgID, workflowID string, today time.Time, limit int) ([]domain.Assignment, error) {
	return r.queryAssignments(ctx, `SELECT `+assignmentCols+` FROM assignments
WHERE org_id=? AND workflow_id=? AND due_date IS NOT NULL AND due_date<? AND status<>'completed' ORDER BY due_date, id LIMIT ?`,
		orgID, workflowID, today.Format(dateLayout), limitOrMax(limit))
}

// ActiveAssignments returns the open assignments of a workflow.
func (r Repo) ActiveAssignments(ctx context.Context, orgID, workflowID string, limit int) ([]domain.Assignment, error) {
	return r.queryAssignments(ctx, `SELECT `+assignmentCols+` FROM assignments
WHERE org_id=? AND workflow_id=? AND status<>'completed' ORDER BY created_at, id LIMIT ?`,
		orgID, workflowID, limitOrMax(limit))
}

// StaleAssignments returns assignments of a workflow not updated since cutoff
// whose status is one of statuses.
func (r Repo) StaleAssignments(ctx context.Context, orgID, workflowID string, cutoff time.Time, statuses []domain.Status, limit int) ([]domain.Assignment, error) {
	marks, sargs := statusArgs(statuses)
	args := append([]any{orgID, workflowID, formatTS(cutoff)}, sargs...)
	args = append(args, limitOrMax(limit))
	return r.queryAssignments(ctx, `SELECT `+assignmentCols+` FROM assignments
WHERE org_id=? AND workflow_id=? AND updated_at<=? AND status IN (`+marks+`) ORDER BY updated_at, id LIMIT ?`, args...)
}

// StaleTasks is StaleAssignments for the tasks of a workflow's assignments.
func (r Repo) StaleTasks(ctx context.Context, orgID, workflowID string, cutoff time.Time, statuses []domain.Status, limit int) ([]domain.Task, error) {
	marks, sargs := statusArgs(statuses)
	args := append([]any{orgID, orgID, workflowID, formatTS(cutoff)}, sargs...)
	args = append(args, limitOrMax(limit))
	return r.listTasks(ctx, `WHERE org_id=? AND assignment_id IN (SELECT id FROM assignments WHERE org_id=? AND workflow_id=?)
AND updated_at<=? AND status IN (`+marks+`) ORDER BY updated_at, id LIMIT ?`, args...)
}

// TasksEligibleBy returns tasks whose pending eligibility time has passed and
// that have not started yet.
func (r Repo) TasksEligibleBy(ctx context.Context, orgID string, now time.Time, limit int) ([]domain.Task, error) {
	return r.listTasks(ctx, `WHERE org_id=? AND eligible_at IS NOT NULL AND eligible_at<=? AND status IN ('not_started','blocked')
ORDER BY eligible_at, id LIMIT ?`, orgID, formatTS(now), limitOrMax(limit))
}

// OrgsWithEligibleTasks lists organizations holding tasks eligible by now.
func (r Repo) OrgsWithEligibleTasks(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT DISTINCT org_id FROM tasks WHERE eligible_at IS NOT NULL AND eligible_at<=? AND status IN ('not_started','blocked') ORDER BY org_id`,
		formatTS(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func statusArgs(statuses []domain.Status) (string, []any) {
	if len(statuses) == 0 {
		statuses = []domain.Status{domain.StatusNotStarted, domain.StatusInProgress}
	}
	args := make([]any, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ","), args
}

func limitOrMax(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
