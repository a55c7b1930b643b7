package server

import (
	"encoding/json"
	"fmt"
	"time"

	"practiceflow/internal/automation"
	"practiceflow/internal/domain"
)

// Request payloads

type FireRequestBody struct {
	Type         string         `json:"type" doc:"Trigger type to fire"`
	EntityType   string         `json:"entity_type" enum:"task,step,stage,assignment,workflow,client"`
	EntityID     string         `json:"entity_id"`
	TriggerID    string         `json:"trigger_id,omitempty"`
	FieldName    string         `json:"field_name,omitempty"`
	OldValue     string         `json:"old_value,omitempty"`
	NewValue     string         `json:"new_value,omitempty"`
	ScheduledFor string         `json:"scheduled_for,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type CreateTriggerRequest struct {
	ID         string `json:"id,omitempty"`
	WorkflowID string `json:"workflow_id"`
	Scope      string `json:"scope,omitempty" enum:"workflow,stage,step"`
	ScopeID    string `json:"scope_id,omitempty"`
	Name       string `json:"name,omitempty"`
	// Definition is decoded by the automation codec; its shape depends on
	// the trigger and action types it names.
	Definition map[string]any `json:"definition"`
}

type UpdateTriggerRequest struct {
	Enabled *bool `json:"enabled,omitempty"`
}

type CreateDependencyRequest struct {
	TaskID          string `json:"task_id"`
	DependsOnTaskID string `json:"depends_on_task_id"`
	Type            string `json:"type,omitempty" enum:"finish_to_start,start_to_start,finish_to_finish,start_to_finish"`
	LagDays         int    `json:"lag_days,omitempty" minimum:"0"`
	NonBlocking     bool   `json:"non_blocking,omitempty"`
}

type InstantiateRequest struct {
	ID         string     `json:"id,omitempty"`
	WorkflowID string     `json:"workflow_id"`
	ClientID   string     `json:"client_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	DueDate    *time.Time `json:"due_date,omitempty"`
	Priority   string     `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	AssignedTo string     `json:"assigned_to,omitempty"`
}

type WebhookRequest struct {
	EntityType string         `json:"entity_type" enum:"task,step,stage,assignment,workflow,client"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Response payloads

type TriggerResponse struct {
	ID         string         `json:"id"`
	OrgID      string         `json:"org_id"`
	WorkflowID string         `json:"workflow_id"`
	Scope      string         `json:"scope"`
	ScopeID    string         `json:"scope_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Type       string         `json:"type"`
	Enabled    bool           `json:"enabled"`
	Definition map[string]any `json:"definition"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

type FireResponse struct {
	Events []domain.TriggerEvent `json:"events"`
}

type paginatedTriggerEvents struct {
	Items      []domain.TriggerEvent `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type listTriggersResponse struct {
	Items []TriggerResponse `json:"items"`
}

func triggerResponse(t automation.Trigger) (TriggerResponse, error) {
	raw, err := json.Marshal(t.Definition)
	if err != nil {
		return TriggerResponse{}, fmt.Errorf("encode definition: %w", err)
	}
	var def map[string]any
	if err := json.Unmarshal(raw, &def); err != nil {
		return TriggerResponse{}, fmt.Errorf("encode definition: %w", err)
	}
	return TriggerResponse{
		ID:         t.ID,
		OrgID:      t.OrgID,
		WorkflowID: t.WorkflowID,
		Scope:      string(t.Scope),
		ScopeID:    t.ScopeID,
		Name:       t.Name,
		Type:       string(t.Type()),
		Enabled:    t.Enabled,
		Definition: def,
		CreatedAt:  t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  t.UpdatedAt.UTC().Format(time.RFC3339),
	}, nil
}

// decodeDefinition runs a loosely typed definition through the automation
// codec so unknown trigger and action types are rejected.
func decodeDefinition(def map[string]any) (automation.Definition, error) {
	var out automation.Definition
	if def == nil {
		return out, fmt.Errorf("definition is required")
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return out, fmt.Errorf("invalid definition: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("invalid definition: %w", err)
	}
	return out, nil
}

func (b FireRequestBody) toDomain(orgID string) domain.FireRequest {
	return domain.FireRequest{
		Type:         b.Type,
		EntityType:   domain.EntityType(b.EntityType),
		EntityID:     b.EntityID,
		OrgID:        orgID,
		TriggerID:    b.TriggerID,
		FieldName:    b.FieldName,
		OldValue:     b.OldValue,
		NewValue:     b.NewValue,
		ScheduledFor: b.ScheduledFor,
		Metadata:     b.Metadata,
	}
}
