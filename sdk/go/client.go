package practiceflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal practiceflow HTTP API client scoped to one org.
type Client struct {
	BaseURL    string
	OrgID      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, orgID string) *Client {
	return &Client{
		BaseURL: baseURL,
		OrgID:   orgID,
		Timeout: 10 * time.Second,
	}
}

// FireRequest describes an entity change to match triggers against.
type FireRequest struct {
	Type         string         `json:"type"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	TriggerID    string         `json:"trigger_id,omitempty"`
	FieldName    string         `json:"field_name,omitempty"`
	OldValue     string         `json:"old_value,omitempty"`
	NewValue     string         `json:"new_value,omitempty"`
	ScheduledFor string         `json:"scheduled_for,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ActionOutcome is the result of one action of a fire.
type ActionOutcome struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TriggerEvent is one row of the append-only execution log.
type TriggerEvent struct {
	Seq             int64           `json:"seq"`
	ID              string          `json:"id"`
	OrgID           string          `json:"org_id"`
	TriggerID       string          `json:"trigger_id,omitempty"`
	TriggerType     string          `json:"trigger_type"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	FiredAt         time.Time       `json:"fired_at"`
	ActionsExecuted []ActionOutcome `json:"actions_executed"`
	ExecutionStatus string          `json:"execution_status"`
	ExecutionError  string          `json:"execution_error,omitempty"`
	ChainID         string          `json:"chain_id,omitempty"`
	Depth           int             `json:"depth"`
}

// Trigger is a stored trigger with its raw definition.
type Trigger struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Scope      string         `json:"scope"`
	ScopeID    string         `json:"scope_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Type       string         `json:"type"`
	Enabled    bool           `json:"enabled"`
	Definition map[string]any `json:"definition"`
}

// Task represents the API task model (partial).
type Task struct {
	ID           string `json:"id"`
	AssignmentID string `json:"assignment_id"`
	SourceID     string `json:"source_id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
}

// Dependency is a task dependency edge.
type Dependency struct {
	ID              string `json:"id"`
	TaskID          string `json:"task_id"`
	DependsOnTaskID string `json:"depends_on_task_id"`
	Type            string `json:"type"`
	LagDays         int    `json:"lag_days"`
	IsSatisfied     bool   `json:"is_satisfied"`
}

// Assignment is an instantiated workflow with its task tree.
type Assignment struct {
	ID         string  `json:"id"`
	WorkflowID string  `json:"workflow_id"`
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	Stages     []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Steps  []struct {
			ID    string `json:"id"`
			Tasks []Task `json:"tasks"`
		} `json:"steps"`
	} `json:"stages"`
}

// Tasks flattens the assignment tree.
func (a Assignment) Tasks() []Task {
	var out []Task
	for _, st := range a.Stages {
		for _, sp := range st.Steps {
			out = append(out, sp.Tasks...)
		}
	}
	return out
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []TriggerEvent `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// Fire dispatches a fire request and returns the events it appended.
func (c *Client) Fire(ctx context.Context, req FireRequest) ([]TriggerEvent, error) {
	var resp struct {
		Events []TriggerEvent `json:"events"`
	}
	err := c.do(ctx, http.MethodPost, c.orgPath("fire"), req, &resp)
	return resp.Events, err
}

// CreateTrigger stores a trigger on a workflow template.
func (c *Client) CreateTrigger(ctx context.Context, t Trigger) (Trigger, error) {
	body := map[string]any{
		"id":          t.ID,
		"workflow_id": t.WorkflowID,
		"scope":       t.Scope,
		"scope_id":    t.ScopeID,
		"name":        t.Name,
		"definition":  t.Definition,
	}
	var resp Trigger
	err := c.do(ctx, http.MethodPost, c.orgPath("triggers"), body, &resp)
	return resp, err
}

// SetTriggerEnabled toggles a trigger.
func (c *Client) SetTriggerEnabled(ctx context.Context, id string, enabled bool) (Trigger, error) {
	var resp Trigger
	endpoint := c.orgPath(fmt.Sprintf("triggers/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"enabled": enabled}, &resp)
	return resp, err
}

// AddDependency makes taskID depend on dependsOn.
func (c *Client) AddDependency(ctx context.Context, taskID, dependsOn, depType string, lagDays int) (Dependency, error) {
	body := map[string]any{
		"task_id":            taskID,
		"depends_on_task_id": dependsOn,
		"type":               depType,
		"lag_days":           lagDays,
	}
	var resp Dependency
	err := c.do(ctx, http.MethodPost, c.orgPath("dependencies"), body, &resp)
	return resp, err
}

// StartTask moves a task to in_progress.
func (c *Client) StartTask(ctx context.Context, id string) (Task, error) {
	return c.taskAction(ctx, id, "start")
}

// CompleteTask completes a task.
func (c *Client) CompleteTask(ctx context.Context, id string) (Task, error) {
	return c.taskAction(ctx, id, "complete")
}

func (c *Client) taskAction(ctx context.Context, id, verb string) (Task, error) {
	var resp Task
	endpoint := c.orgPath(fmt.Sprintf("tasks/%s/%s", url.PathEscape(id), verb))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Assignment fetches an assignment with its tree.
func (c *Client) Assignment(ctx context.Context, id string) (Assignment, error) {
	var resp Assignment
	endpoint := c.orgPath(fmt.Sprintf("assignments/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// TriggerEventsPage returns one page of the event log. Pass the previous
// page's NextCursor to continue.
func (c *Client) TriggerEventsPage(ctx context.Context, triggerID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if triggerID != "" {
		q.Set("trigger_id", triggerID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.orgPath("trigger-events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) orgPath(p string) string {
	org := url.PathEscape(c.OrgID)
	return fmt.Sprintf("v0/orgs/%s/%s", org, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
