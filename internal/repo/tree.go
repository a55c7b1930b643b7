package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"practiceflow/internal/domain"
)

const nodeCols = `org_id,id,COALESCE(assignment_id,''),COALESCE(source_id,''),position,name,auto_progress,status,created_at,updated_at,started_at,completed_at`

func scanNode(s scanner, n *domain.Node, extra ...any) error {
	var auto int
	var created, updated string
	var started, completed sql.NullString
	dest := append([]any{&n.OrgID, &n.ID, &n.AssignmentID, &n.SourceID, &n.Position, &n.Name, &auto, &n.Status, &created, &updated, &started, &completed}, extra...)
	if err := s.Scan(dest...); err != nil {
		return err
	}
	n.AutoProgress = auto == 1
	n.CreatedAt = parseTS(created)
	n.UpdatedAt = parseTS(updated)
	n.StartedAt = parseTSPtr(started)
	n.CompletedAt = parseTSPtr(completed)
	return nil
}

func nodeArgs(n domain.Node) []any {
	return []any{n.OrgID, n.ID, nullable(n.AssignmentID), nullable(n.SourceID), n.Position, n.Name, boolInt(n.AutoProgress), string(n.Status),
		formatTS(n.CreatedAt), formatTS(n.UpdatedAt), formatTSPtr(n.StartedAt), formatTSPtr(n.CompletedAt)}
}

const nodeInsertCols = `org_id,id,assignment_id,source_id,position,name,auto_progress,status,created_at,updated_at,started_at,completed_at`

func (r Repo) InsertStage(ctx context.Context, s domain.Stage) error {
	args := append(nodeArgs(s.Node), s.WorkflowID)
	_, err := r.q().ExecContext(ctx, `INSERT INTO stages(`+nodeInsertCols+`,workflow_id) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (r Repo) InsertStep(ctx context.Context, s domain.Step) error {
	args := append(nodeArgs(s.Node), s.StageID)
	_, err := r.q().ExecContext(ctx, `INSERT INTO steps(`+nodeInsertCols+`,stage_id) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	fields, err := encodeMap(t.Fields)
	if err != nil {
		return err
	}
	args := append(nodeArgs(t.Node), t.StepID, nullable(t.Description), nullable(t.AssignedTo), priorityOrDefault(t.Priority),
		formatDatePtr(t.DueDate), encodeTags(t.Tags), fields, formatTSPtr(t.EligibleAt))
	_, err = r.q().ExecContext(ctx, `INSERT INTO tasks(`+nodeInsertCols+`,step_id,description,assigned_to,priority,due_date,tags_json,fields_json,eligible_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func priorityOrDefault(p string) string {
	if p == "" {
		return domain.PriorityNormal
	}
	return p
}

func scanStage(s scanner) (domain.Stage, error) {
	var st domain.Stage
	err := scanNode(s, &st.Node, &st.WorkflowID)
	return st, err
}

func scanStep(s scanner) (domain.Step, error) {
	var st domain.Step
	err := scanNode(s, &st.Node, &st.StageID)
	return st, err
}

const taskExtraCols = `step_id,COALESCE(description,''),COALESCE(assigned_to,''),priority,due_date,tags_json,fields_json,eligible_at`

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var due, eligible sql.NullString
	var tags, fields string
	if err := scanNode(s, &t.Node, &t.StepID, &t.Description, &t.AssignedTo, &t.Priority, &due, &tags, &fields, &eligible); err != nil {
		return t, err
	}
	t.DueDate = parseDatePtr(due)
	t.Tags = decodeTags(tags)
	t.Fields = decodeMap(fields)
	t.EligibleAt = parseTSPtr(eligible)
	return t, nil
}

func (r Repo) GetStage(ctx context.Context, orgID, id string) (domain.Stage, error) {
	st, err := scanStage(r.q().QueryRowContext(ctx, `SELECT `+nodeCols+`,workflow_id FROM stages WHERE org_id=? AND id=?`, orgID, id))
	return st, notFound(err)
}

func (r Repo) GetStep(ctx context.Context, orgID, id string) (domain.Step, error) {
	st, err := scanStep(r.q().QueryRowContext(ctx, `SELECT `+nodeCols+`,stage_id FROM steps WHERE org_id=? AND id=?`, orgID, id))
	return st, notFound(err)
}

func (r Repo) GetTask(ctx context.Context, orgID, id string) (domain.Task, error) {
	t, err := scanTask(r.q().QueryRowContext(ctx, `SELECT `+nodeCols+`,`+taskExtraCols+` FROM tasks WHERE org_id=? AND id=?`, orgID, id))
	return t, notFound(err)
}

// ListStages lists the stages of a template (assignmentID empty) or of an assignment.
func (r Repo) ListStages(ctx context.Context, orgID, workflowID, assignmentID string) ([]domain.Stage, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+nodeCols+`,workflow_id FROM stages WHERE org_id=? AND workflow_id=? AND COALESCE(assignment_id,'')=? ORDER BY position, id`,
		orgID, workflowID, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

func (r Repo) ListSteps(ctx context.Context, orgID, stageID string) ([]domain.Step, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+nodeCols+`,stage_id FROM steps WHERE org_id=? AND stage_id=? ORDER BY position, id`, orgID, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

func (r Repo) ListStepTasks(ctx context.Context, orgID, stepID string) ([]domain.Task, error) {
	return r.listTasks(ctx, `WHERE org_id=? AND step_id=? ORDER BY position, id`, orgID, stepID)
}

func (r Repo) ListAssignmentTasks(ctx context.Context, orgID, assignmentID string) ([]domain.Task, error) {
	return r.listTasks(ctx, `WHERE org_id=? AND assignment_id=? ORDER BY created_at, id`, orgID, assignmentID)
}

func (r Repo) listTasks(ctx context.Context, where string, args ...any) ([]domain.Task, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+nodeCols+`,`+taskExtraCols+` FROM tasks `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// Tree loads the nested stage/step/task hierarchy of a template or assignment.
func (r Repo) Tree(ctx context.Context, orgID, workflowID, assignmentID string) ([]domain.Stage, error) {
	stages, err := r.ListStages(ctx, orgID, workflowID, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	for i := range stages {
		steps, err := r.ListSteps(ctx, orgID, stages[i].ID)
		if err != nil {
			return nil, fmt.Errorf("list steps: %w", err)
		}
		for j := range steps {
			tasks, err := r.ListStepTasks(ctx, orgID, steps[j].ID)
			if err != nil {
				return nil, fmt.Errorf("list tasks: %w", err)
			}
			steps[j].Tasks = tasks
		}
		stages[i].Steps = steps
	}
	return stages, nil
}

func tableFor(kind domain.EntityType) (string, error) {
	switch kind {
	case domain.EntityStage:
		return "stages", nil
	case domain.EntityStep:
		return "steps", nil
	case domain.EntityTask:
		return "tasks", nil
	case domain.EntityAssignment:
		return "assignments", nil
	}
	return "", fmt.Errorf("no status table for %q", kind)
}

// TransitionStatus is a compare-and-swap on the status column: the row moves
// to `to` only while its status is one of `from` (any other status than `to`
// when from is empty). It reports whether this call performed the move.
func (r Repo) TransitionStatus(ctx context.Context, kind domain.EntityType, orgID, id string, from []domain.Status, to domain.Status, at time.Time) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	ts := formatTS(at)
	args := []any{string(to), ts, string(to), ts, string(to), ts}
	extra := ""
	if kind == domain.EntityTask {
		extra = ",\neligible_at=CASE WHEN ? IN ('in_progress','completed') THEN NULL ELSE eligible_at END"
		args = append(args, string(to))
	}
	args = append(args, orgID, id)
	cond := "status<>?"
	if len(from) == 0 {
		args = append(args, string(to))
	} else {
		marks := make([]string, len(from))
		for i, st := range from {
			marks[i] = "?"
			args = append(args, string(st))
		}
		cond = "status IN (" + strings.Join(marks, ",") + ")"
	}
	query := fmt.Sprintf(`UPDATE %s SET status=?, updated_at=?,
started_at=CASE WHEN ?='in_progress' THEN COALESCE(started_at, ?) ELSE started_at END,
completed_at=CASE WHEN ?='completed' THEN ? ELSE NULL END%s
WHERE org_id=? AND id=? AND %s`, table, extra, cond)
	res, err := r.q().ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// UpdateTask writes the mutable non-status columns of a task.
func (r Repo) UpdateTask(ctx context.Context, t domain.Task) error {
	fields, err := encodeMap(t.Fields)
	if err != nil {
		return err
	}
	return expectOne(r.q().ExecContext(ctx, `UPDATE tasks SET name=?, description=?, assigned_to=?, priority=?, due_date=?, tags_json=?, fields_json=?, updated_at=?
WHERE org_id=? AND id=?`,
		t.Name, nullable(t.Description), nullable(t.AssignedTo), priorityOrDefault(t.Priority), formatDatePtr(t.DueDate), encodeTags(t.Tags), fields,
		formatTS(t.UpdatedAt), t.OrgID, t.ID))
}

// SetTaskEligibleAt records when a blocked task may auto-start; nil clears it.
func (r Repo) SetTaskEligibleAt(ctx context.Context, orgID, id string, at *time.Time) error {
	return expectOne(r.q().ExecContext(ctx, `UPDATE tasks SET eligible_at=? WHERE org_id=? AND id=?`, formatTSPtr(at), orgID, id))
}

// TaskCounts reports total and completed tasks below a step or stage.
func (r Repo) TaskCounts(ctx context.Context, kind domain.EntityType, orgID, id string) (total, completed int, err error) {
	var query string
	switch kind {
	case domain.EntityStep:
		query = `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END),0) FROM tasks WHERE org_id=? AND step_id=?`
	case domain.EntityStage:
		query = `SELECT COUNT(*), COALESCE(SUM(CASE WHEN t.status='completed' THEN 1 ELSE 0 END),0)
FROM tasks t JOIN steps s ON s.org_id=t.org_id AND s.id=t.step_id WHERE t.org_id=? AND s.stage_id=?`
	case domain.EntityAssignment:
		query = `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END),0) FROM tasks WHERE org_id=? AND assignment_id=?`
	default:
		return 0, 0, fmt.Errorf("no task counts for %q", kind)
	}
	err = r.q().QueryRowContext(ctx, query, orgID, id).Scan(&total, &completed)
	return total, completed, err
}

// StageCounts reports total and completed stages of an assignment.
func (r Repo) StageCounts(ctx context.Context, orgID, assignmentID string) (total, completed int, err error) {
	err = r.q().QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END),0) FROM stages WHERE org_id=? AND assignment_id=?`,
		orgID, assignmentID).Scan(&total, &completed)
	return total, completed, err
}

func (r Repo) NextTaskPosition(ctx context.Context, orgID, stepID string) (int, error) {
	var pos int
	err := r.q().QueryRowContext(ctx, `SELECT COALESCE(MAX(position),-1)+1 FROM tasks WHERE org_id=? AND step_id=?`, orgID, stepID).Scan(&pos)
	return pos, err
}

// CountActiveTasks counts open assignment tasks held by a user.
func (r Repo) CountActiveTasks(ctx context.Context, orgID, userID string) (int, error) {
	var n int
	err := r.q().QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE org_id=? AND assigned_to=? AND assignment_id IS NOT NULL AND status IN ('not_started','in_progress','blocked')`,
		orgID, userID).Scan(&n)
	return n, err
}

// Status reads the status column of a stage, step, task or assignment.
func (r Repo) Status(ctx context.Context, kind domain.EntityType, orgID, id string) (domain.Status, error) {
	table, err := tableFor(kind)
	if err != nil {
		return "", err
	}
	var st string
	err = r.q().QueryRowContext(ctx, `SELECT status FROM `+table+` WHERE org_id=? AND id=?`, orgID, id).Scan(&st)
	if err != nil {
		return "", notFound(err)
	}
	return domain.Status(st), nil
}
