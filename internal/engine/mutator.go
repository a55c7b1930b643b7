package engine

import (
	"context"
	"time"

	"practiceflow/internal/action"
	"practiceflow/internal/automation"
	"practiceflow/internal/domain"
)

// mutator lets actions change entities without dispatching: the requests
// go back to the running chain.
type mutator struct{ e *Engine }

var _ action.Mutator = mutator{}

func (m mutator) UpdateField(ctx context.Context, orgID string, kind domain.EntityType, id, field string, value any) ([]domain.FireRequest, error) {
	return m.e.updateField(ctx, orgID, kind, id, field, value)
}

func (m mutator) SetStatus(ctx context.Context, orgID string, kind domain.EntityType, id string, status domain.Status) ([]domain.FireRequest, error) {
	return m.e.setStatus(ctx, orgID, kind, id, status)
}

func (m mutator) ApplyTags(ctx context.Context, orgID string, kind domain.EntityType, id string, tags []string) ([]domain.FireRequest, error) {
	return m.e.applyTags(ctx, orgID, kind, id, tags)
}

func (m mutator) RemoveTags(ctx context.Context, orgID string, kind domain.EntityType, id string, tags []string) ([]domain.FireRequest, error) {
	return m.e.removeTags(ctx, orgID, kind, id, tags)
}

func (m mutator) AssignUser(ctx context.Context, orgID string, kind domain.EntityType, id, userID string) ([]domain.FireRequest, error) {
	return m.e.assignUser(ctx, orgID, kind, id, userID)
}

func (m mutator) SetDueDate(ctx context.Context, orgID string, kind domain.EntityType, id string, due time.Time) ([]domain.FireRequest, error) {
	return m.e.setDueDate(ctx, orgID, kind, id, due)
}

func (m mutator) SetPriority(ctx context.Context, orgID string, kind domain.EntityType, id, priority string) ([]domain.FireRequest, error) {
	return m.e.setPriority(ctx, orgID, kind, id, priority)
}

func (m mutator) CreateTask(ctx context.Context, orgID string, t action.NewTask) (domain.Task, []domain.FireRequest, error) {
	task, err := m.e.createTask(ctx, orgID, t)
	if err != nil {
		return domain.Task{}, nil, err
	}
	return task, []domain.FireRequest{createdTask(task)}, nil
}

func (m mutator) Instantiate(ctx context.Context, orgID string, a action.NewAssignment) (domain.Assignment, []domain.FireRequest, error) {
	return m.e.instantiate(ctx, InstantiateOptions{
		OrgID: orgID, WorkflowID: a.WorkflowID, ClientID: a.ClientID, Name: a.Name, DueDate: a.DueDate,
	})
}

func (m mutator) AdvanceStage(ctx context.Context, orgID string, kind domain.EntityType, id string) ([]domain.FireRequest, error) {
	return m.e.advanceStage(ctx, orgID, kind, id)
}

// ManualFire is the request a user-initiated run of a manual trigger sends.
func ManualFire(orgID string, kind domain.EntityType, id, triggerID string) domain.FireRequest {
	return domain.FireRequest{Type: string(automation.Manual), EntityType: kind, EntityID: id, OrgID: orgID, TriggerID: triggerID}
}
