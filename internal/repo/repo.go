package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"practiceflow/internal/domain"
)

// Repo runs hand-written SQL against the database, or against one
// transaction after WithTx. Every method takes the organization id and
// filters on it.
type Repo struct {
	DB *sql.DB
	tx *sql.Tx
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// WithTx returns a copy of r whose queries run inside tx.
func (r Repo) WithTx(tx *sql.Tx) Repo {
	r.tx = tx
	return r
}

func (r Repo) q() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.DB
}

// Timestamps are stored as fixed-width UTC strings so they order lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const dateLayout = "2006-01-02"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func formatTSPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTS(*t)
}

func formatDatePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(dateLayout)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseTSPtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTS(s.String)
	return &t
}

func parseDatePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func decodeTags(s string) []string {
	tags := []string{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &tags)
	}
	return tags
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(b), nil
}

func decodeMap(s string) map[string]any {
	m := map[string]any{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &m)
	}
	return m
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertClient(ctx context.Context, c domain.Client) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO clients(org_id,id,name,email,tags_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		c.OrgID, c.ID, c.Name, nullable(c.Email), encodeTags(c.Tags), formatTS(c.CreatedAt), formatTS(c.UpdatedAt))
	return err
}

func (r Repo) GetClient(ctx context.Context, orgID, id string) (domain.Client, error) {
	var c domain.Client
	var email sql.NullString
	var tags, created, updated string
	err := r.q().QueryRowContext(ctx, `SELECT org_id,id,name,email,tags_json,created_at,updated_at FROM clients WHERE org_id=? AND id=?`, orgID, id).
		Scan(&c.OrgID, &c.ID, &c.Name, &email, &tags, &created, &updated)
	if err != nil {
		return c, notFound(err)
	}
	c.Email = email.String
	c.Tags = decodeTags(tags)
	c.CreatedAt = parseTS(created)
	c.UpdatedAt = parseTS(updated)
	return c, nil
}

func (r Repo) UpdateClientTags(ctx context.Context, orgID, id string, tags []string, at time.Time) error {
	return expectOne(r.q().ExecContext(ctx, `UPDATE clients SET tags_json=?, updated_at=? WHERE org_id=? AND id=?`,
		encodeTags(tags), formatTS(at), orgID, id))
}

func (r Repo) InsertClientContact(ctx context.Context, c domain.ClientContact) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO client_contacts(org_id,id,client_id,name,email,role,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.OrgID, c.ID, c.ClientID, c.Name, nullable(c.Email), nullable(c.Role), formatTS(c.CreatedAt))
	return err
}

func (r Repo) InsertWorkflow(ctx context.Context, w domain.Workflow) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO workflows(org_id,id,name,description,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		w.OrgID, w.ID, w.Name, nullable(w.Description), formatTS(w.CreatedAt), formatTS(w.UpdatedAt))
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, orgID, id string) (domain.Workflow, error) {
	var w domain.Workflow
	var desc sql.NullString
	var created, updated string
	err := r.q().QueryRowContext(ctx, `SELECT org_id,id,name,description,created_at,updated_at FROM workflows WHERE org_id=? AND id=?`, orgID, id).
		Scan(&w.OrgID, &w.ID, &w.Name, &desc, &created, &updated)
	if err != nil {
		return w, notFound(err)
	}
	w.Description = desc.String
	w.CreatedAt = parseTS(created)
	w.UpdatedAt = parseTS(updated)
	return w, nil
}

func (r Repo) ListWorkflows(ctx context.Context, orgID string) ([]domain.Workflow, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT org_id,id,name,COALESCE(description,''),created_at,updated_at FROM workflows WHERE org_id=? ORDER BY name, id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		var w domain.Workflow
		var created, updated string
		if err := rows.Scan(&w.OrgID, &w.ID, &w.Name, &w.Description, &created, &updated); err != nil {
			return nil, err
		}
		w.CreatedAt = parseTS(created)
		w.UpdatedAt = parseTS(updated)
		res = append(res, w)
	}
	return res, rows.Err()
}
