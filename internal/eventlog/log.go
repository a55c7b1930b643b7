// Package eventlog appends and reads the trigger event audit log and the
// activity stream written by engine mutations.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"practiceflow/internal/domain"
)

const tsLayout = "2006-01-02T15:04:05.000000000Z"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Log reads and appends trigger_events rows. Rows are never updated or
// deleted; the schema rejects both.
type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Log) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// Append writes evt, filling ID and FiredAt when empty. It runs on tx when
// given, otherwise on the database.
func (l Log) Append(ctx context.Context, tx *sql.Tx, evt domain.TriggerEvent) (domain.TriggerEvent, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.FiredAt.IsZero() {
		evt.FiredAt = l.now()
	}
	if evt.ActionsExecuted == nil {
		evt.ActionsExecuted = []domain.ActionOutcome{}
	}
	actions, err := json.Marshal(evt.ActionsExecuted)
	if err != nil {
		return evt, fmt.Errorf("marshal actions: %w", err)
	}
	var ex execer = l.DB
	if tx != nil {
		ex = tx
	}
	res, err := ex.ExecContext(ctx, `INSERT INTO trigger_events(id,org_id,workflow_id,assignment_id,trigger_id,trigger_type,trigger_config,entity_type,entity_id,field_name,old_value,new_value,scheduled_for,fired_at,actions_json,execution_status,execution_error,chain_id,depth)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		evt.ID, evt.OrgID, nullable(evt.WorkflowID), nullable(evt.AssignmentID), nullable(evt.TriggerID), evt.TriggerType, nullable(evt.TriggerConfig),
		string(evt.EntityType), evt.EntityID, nullable(evt.FieldName), nullable(evt.OldValue), nullable(evt.NewValue), nullable(evt.ScheduledFor),
		evt.FiredAt.UTC().Format(tsLayout), string(actions), string(evt.ExecutionStatus), nullable(evt.ExecutionError), nullable(evt.ChainID), evt.Depth)
	if err != nil {
		return evt, fmt.Errorf("append trigger event: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		evt.Seq = seq
	}
	return evt, nil
}

// HasSuccessfulFire reports whether the trigger already fired successfully
// for the same entity transition.
func (l Log) HasSuccessfulFire(ctx context.Context, orgID, triggerID, triggerType, entityID, fieldName, newValue string) (bool, error) {
	return l.exists(ctx, `SELECT 1 FROM trigger_events WHERE org_id=? AND trigger_id=? AND trigger_type=? AND entity_id=?
AND COALESCE(field_name,'')=? AND COALESCE(new_value,'')=? AND execution_status='success' LIMIT 1`,
		orgID, triggerID, triggerType, entityID, fieldName, newValue)
}

// HasFireFor reports whether the trigger fired for the entity in the given
// scheduled slot, whatever the outcome.
func (l Log) HasFireFor(ctx context.Context, orgID, triggerID, entityID, scheduledFor string) (bool, error) {
	return l.exists(ctx, `SELECT 1 FROM trigger_events WHERE org_id=? AND trigger_id=? AND entity_id=? AND scheduled_for=? LIMIT 1`,
		orgID, triggerID, entityID, scheduledFor)
}

// HasFireWithValue reports whether the trigger fired for the entity with newValue.
func (l Log) HasFireWithValue(ctx context.Context, orgID, triggerID, entityID, newValue string) (bool, error) {
	return l.exists(ctx, `SELECT 1 FROM trigger_events WHERE org_id=? AND trigger_id=? AND entity_id=? AND COALESCE(new_value,'')=? LIMIT 1`,
		orgID, triggerID, entityID, newValue)
}

// LastFire returns the time of the trigger's latest fire for the entity.
func (l Log) LastFire(ctx context.Context, orgID, triggerID, entityID string) (time.Time, bool, error) {
	var ts sql.NullString
	err := l.DB.QueryRowContext(ctx, `SELECT MAX(fired_at) FROM trigger_events WHERE org_id=? AND trigger_id=? AND entity_id=?`,
		orgID, triggerID, entityID).Scan(&ts)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ts.Valid || ts.String == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(tsLayout, ts.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (l Log) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := l.DB.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type Filter struct {
	OrgID        string
	TriggerID    string
	EntityID     string
	AssignmentID string
	ChainID      string
	Status       domain.ExecutionStatus
	// AfterSeq returns only rows appended after this cursor.
	AfterSeq int64
	Limit    int
}

const eventCols = `seq,id,org_id,COALESCE(workflow_id,''),COALESCE(assignment_id,''),COALESCE(trigger_id,''),trigger_type,COALESCE(trigger_config,''),
entity_type,entity_id,COALESCE(field_name,''),COALESCE(old_value,''),COALESCE(new_value,''),COALESCE(scheduled_for,''),fired_at,actions_json,
execution_status,COALESCE(execution_error,''),COALESCE(chain_id,''),depth`

// List returns events in append order. An empty OrgID lists every
// organization; only the forwarder does that.
func (l Log) List(ctx context.Context, f Filter) ([]domain.TriggerEvent, error) {
	clauses := []string{"seq>?"}
	args := []any{f.AfterSeq}
	add := func(col, v string) {
		if v != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, v)
		}
	}
	add("org_id", f.OrgID)
	add("trigger_id", f.TriggerID)
	add("entity_id", f.EntityID)
	add("assignment_id", f.AssignmentID)
	add("chain_id", f.ChainID)
	add("execution_status", string(f.Status))
	query := `SELECT ` + eventCols + ` FROM trigger_events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return l.query(ctx, l.DB, query, args...)
}

// LatestSeq returns the newest cursor, 0 for an empty log.
func (l Log) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM trigger_events`).Scan(&seq)
	return seq, err
}

func (l Log) query(ctx context.Context, q querier, query string, args ...any) ([]domain.TriggerEvent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TriggerEvent
	for rows.Next() {
		var e domain.TriggerEvent
		var fired, actions string
		if err := rows.Scan(&e.Seq, &e.ID, &e.OrgID, &e.WorkflowID, &e.AssignmentID, &e.TriggerID, &e.TriggerType, &e.TriggerConfig,
			&e.EntityType, &e.EntityID, &e.FieldName, &e.OldValue, &e.NewValue, &e.ScheduledFor, &fired, &actions,
			&e.ExecutionStatus, &e.ExecutionError, &e.ChainID, &e.Depth); err != nil {
			return nil, err
		}
		e.FiredAt, _ = time.Parse(tsLayout, fired)
		e.ActionsExecuted = []domain.ActionOutcome{}
		_ = json.Unmarshal([]byte(actions), &e.ActionsExecuted)
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
