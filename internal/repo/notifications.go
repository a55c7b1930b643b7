package repo

import (
	"context"
	"database/sql"

	"practiceflow/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	meta, err := encodeMap(n.Metadata)
	if err != nil {
		return err
	}
	_, err = r.q().ExecContext(ctx, `INSERT INTO notifications(org_id,id,user_id,title,message,type,metadata_json,read_at,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		n.OrgID, n.ID, n.UserID, n.Title, n.Message, n.Type, meta, formatTSPtr(n.ReadAt), formatTS(n.CreatedAt))
	return err
}

// ListNotifications returns the notifications of an organization, newest
// first, optionally restricted to one user.
func (r Repo) ListNotifications(ctx context.Context, orgID, userID string, limit int) ([]domain.Notification, error) {
	query := `SELECT org_id,id,user_id,title,message,type,metadata_json,read_at,created_at FROM notifications WHERE org_id=?`
	args := []any{orgID}
	if userID != "" {
		query += " AND user_id=?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at DESC, id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var meta, created string
		var read sql.NullString
		if err := rows.Scan(&n.OrgID, &n.ID, &n.UserID, &n.Title, &n.Message, &n.Type, &meta, &read, &created); err != nil {
			return nil, err
		}
		n.Metadata = decodeMap(meta)
		n.ReadAt = parseTSPtr(read)
		n.CreatedAt = parseTS(created)
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) InsertSentEmail(ctx context.Context, e domain.SentEmail) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO sent_emails(org_id,id,message_id,to_addr,subject,body,trigger_id,sent_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.OrgID, e.ID, e.MessageID, e.To, e.Subject, e.Body, nullable(e.TriggerID), formatTS(e.SentAt))
	return err
}

func (r Repo) ListSentEmails(ctx context.Context, orgID string) ([]domain.SentEmail, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT org_id,id,message_id,to_addr,subject,body,COALESCE(trigger_id,''),sent_at FROM sent_emails WHERE org_id=? ORDER BY sent_at, id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SentEmail
	for rows.Next() {
		var e domain.SentEmail
		var sent string
		if err := rows.Scan(&e.OrgID, &e.ID, &e.MessageID, &e.To, &e.Subject, &e.Body, &e.TriggerID, &sent); err != nil {
			return nil, err
		}
		e.SentAt = parseTS(sent)
		res = append(res, e)
	}
	return res, rows.Err()
}
