package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Activity records entity mutations in the same transaction as the change.
type Activity struct {
	Now func() time.Time
}

type Payload map[string]any

type Entry struct {
	Seq        int64          `json:"seq"`
	TS         time.Time      `json:"ts"`
	OrgID      string         `json:"org_id"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

func (a Activity) Append(ctx context.Context, tx *sql.Tx, orgID, evtType, entityKind, entityID, actorID string, payload Payload) error {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal activity payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activity(ts,org_id,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(tsLayout), orgID, evtType, entityKind, nullable(entityID), nullable(actorID), string(data))
	return err
}

// ListActivity returns the newest entries of an organization first.
func ListActivity(ctx context.Context, db *sql.DB, orgID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT seq,ts,org_id,type,entity_kind,COALESCE(entity_id,''),COALESCE(actor_id,''),payload_json
FROM activity WHERE org_id=? ORDER BY seq DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		var e Entry
		var ts, payload string
		if err := rows.Scan(&e.Seq, &ts, &e.OrgID, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.TS, _ = time.Parse(tsLayout, ts)
		e.Payload = map[string]any{}
		_ = json.Unmarshal([]byte(payload), &e.Payload)
		res = append(res, e)
	}
	return res, rows.Err()
}
