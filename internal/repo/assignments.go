package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"practiceflow/internal/domain"
)

const assignmentCols = `org_id,id,workflow_id,COALESCE(client_id,''),name,due_date,priority,COALESCE(assigned_to,''),status,tags_json,fields_json,created_at,updated_at,started_at,completed_at`

func scanAssignment(s scanner) (domain.Assignment, error) {
	var a domain.Assignment
	var due, started, completed sql.NullString
	var tags, fields, created, updated string
	err := s.Scan(&a.OrgID, &a.ID, &a.WorkflowID, &a.ClientID, &a.Name, &due, &a.Priority, &a.AssignedTo, &a.Status,
		&tags, &fields, &created, &updated, &started, &completed)
	if err != nil {
		return a, err
	}
	a.DueDate = parseDatePtr(due)
	a.Tags = decodeTags(tags)
	a.Fields = decodeMap(fields)
	a.CreatedAt = parseTS(created)
	a.UpdatedAt = parseTS(updated)
	a.StartedAt = parseTSPtr(started)
	a.CompletedAt = parseTSPtr(completed)
	return a, nil
}

func (r Repo) InsertAssignment(ctx context.Context, a domain.Assignment) error {
	fields, err := encodeMap(a.Fields)
	if err != nil {
		return err
	}
	_, err = r.q().ExecContext(ctx, `INSERT INTO assignments(org_id,id,workflow_id,client_id,name,due_date,priority,assigned_to,status,tags_json,fields_json,created_at,updated_at,started_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.OrgID, a.ID, a.WorkflowID, nullable(a.ClientID), a.Name, formatDatePtr(a.DueDate), priorityOrDefault(a.Priority), nullable(a.AssignedTo),
		string(a.Status), encodeTags(a.Tags), fields, formatTS(a.CreatedAt), formatTS(a.UpdatedAt), formatTSPtr(a.StartedAt), formatTSPtr(a.CompletedAt))
	return err
}

func (r Repo) GetAssignment(ctx context.Context, orgID, id string) (domain.Assignment, error) {
	a, err := scanAssignment(r.q().QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE org_id=? AND id=?`, orgID, id))
	return a, notFound(err)
}

// UpdateAssignment writes the mutable non-status columns of an assignment.
func (r Repo) UpdateAssignment(ctx context.Context, a domain.Assignment) error {
	fields, err := encodeMap(a.Fields)
	if err != nil {
		return err
	}
	return expectOne(r.q().ExecContext(ctx, `UPDATE assignments SET name=?, due_date=?, priority=?, assigned_to=?, tags_json=?, fields_json=?, updated_at=?
WHERE org_id=? AND id=?`,
		a.Name, formatDatePtr(a.DueDate), priorityOrDefault(a.Priority), nullable(a.AssignedTo), encodeTags(a.Tags), fields, formatTS(a.UpdatedAt), a.OrgID, a.ID))
}

// TouchAssignment bumps updated_at, resetting the inactivity clock.
func (r Repo) TouchAssignment(ctx context.Context, orgID, id string, at time.Time) error {
	return expectOne(r.q().ExecContext(ctx, `UPDATE assignments SET updated_at=? WHERE org_id=? AND id=?`, formatTS(at), orgID, id))
}

type AssignmentFilters struct {
	OrgID      string
	WorkflowID string
	ClientID   string
	Status     domain.Status
	// ActiveOnly excludes completed assignments.
	ActiveOnly bool
	Limit      int
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters) ([]domain.Assignment, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.ActiveOnly {
		clauses = append(clauses, "status<>'completed'")
	}
	query := `SELECT ` + assignmentCols + ` FROM assignments WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryAssignments(ctx, query, args...)
}

func (r Repo) queryAssignments(ctx context.Context, query string, args ...any) ([]domain.Assignment, error) {
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
