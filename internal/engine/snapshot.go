package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"practiceflow/internal/automation"
	"practiceflow/internal/conditions"
	"practiceflow/internal/domain"
	"practiceflow/internal/repo"
)

// scope is a fired entity with its ancestors, all from one organization.
type scope struct {
	kind         domain.EntityType
	orgID        string
	workflowID   string
	assignmentID string

	task       *domain.Task
	step       *domain.Step
	stage      *domain.Stage
	assignment *domain.Assignment
	client     *domain.Client
	workflow   *domain.Workflow
}

// resolve walks from the entity up to its workflow. A client resolves to one
// scope per active assignment it has.
func (e *Engine) resolve(ctx context.Context, orgID string, kind domain.EntityType, id string) ([]scope, error) {
	r := e.Repo
	sc := scope{kind: kind, orgID: orgID}
	switch kind {
	case domain.EntityTask:
		t, err := r.GetTask(ctx, orgID, id)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", id, err)
		}
		sc.task = &t
		if err := e.resolveStep(ctx, &sc, t.StepID); err != nil {
			return nil, err
		}
	case domain.EntityStep:
		if err := e.resolveStep(ctx, &sc, id); err != nil {
			return nil, err
		}
	case domain.EntityStage:
		if err := e.resolveStage(ctx, &sc, id); err != nil {
			return nil, err
		}
	case domain.EntityAssignment:
		if err := e.resolveAssignment(ctx, &sc, id); err != nil {
			return nil, err
		}
	case domain.EntityWorkflow:
		wf, err := r.GetWorkflow(ctx, orgID, id)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", id, err)
		}
		sc.workflow = &wf
		sc.workflowID = wf.ID
	case domain.EntityClient:
		c, err := r.GetClient(ctx, orgID, id)
		if err != nil {
			return nil, fmt.Errorf("client %s: %w", id, err)
		}
		active, err := r.ListAssignments(ctx, repo.AssignmentFilters{OrgID: orgID, ClientID: id, ActiveOnly: true})
		if err != nil {
			return nil, fmt.Errorf("assignments of client %s: %w", id, err)
		}
		var out []scope
		for _, a := range active {
			asc := scope{kind: kind, orgID: orgID, client: &c}
			if err := e.resolveAssignment(ctx, &asc, a.ID); err != nil {
				return nil, err
			}
			out = append(out, asc)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidRequest, kind)
	}
	return []scope{sc}, nil
}

func (e *Engine) resolveStep(ctx context.Context, sc *scope, id string) error {
	st, err := e.Repo.GetStep(ctx, sc.orgID, id)
	if err != nil {
		return fmt.Errorf("step %s: %w", id, err)
	}
	sc.step = &st
	return e.resolveStage(ctx, sc, st.StageID)
}

func (e *Engine) resolveStage(ctx context.Context, sc *scope, id string) error {
	st, err := e.Repo.GetStage(ctx, sc.orgID, id)
	if err != nil {
		return fmt.Errorf("stage %s: %w", id, err)
	}
	sc.stage = &st
	sc.workflowID = st.WorkflowID
	if st.AssignmentID != "" {
		return e.resolveAssignment(ctx, sc, st.AssignmentID)
	}
	return e.resolveWorkflow(ctx, sc)
}

func (e *Engine) resolveAssignment(ctx context.Context, sc *scope, id string) error {
	a, err := e.Repo.GetAssignment(ctx, sc.orgID, id)
	if err != nil {
		return fmt.Errorf("assignment %s: %w", id, err)
	}
	a.Progress, err = e.assignmentProgress(ctx, a)
	if err != nil {
		return err
	}
	sc.assignment = &a
	sc.assignmentID = a.ID
	sc.workflowID = a.WorkflowID
	if a.ClientID != "" && sc.client == nil {
		c, err := e.Repo.GetClient(ctx, sc.orgID, a.ClientID)
		switch {
		case err == nil:
			sc.client = &c
		case !errors.Is(err, repo.ErrNotFound):
			return fmt.Errorf("client %s: %w", a.ClientID, err)
		}
	}
	return e.resolveWorkflow(ctx, sc)
}

func (e *Engine) assignmentProgress(ctx context.Context, a domain.Assignment) (float64, error) {
	stages, err := e.Repo.Tree(ctx, a.OrgID, a.WorkflowID, a.ID)
	if err != nil {
		return 0, fmt.Errorf("assignment tree: %w", err)
	}
	return domain.AssignmentProgress(stages), nil
}

func (e *Engine) resolveWorkflow(ctx context.Context, sc *scope) error {
	wf, err := e.Repo.GetWorkflow(ctx, sc.orgID, sc.workflowID)
	if err != nil {
		return fmt.Errorf("workflow %s: %w", sc.workflowID, err)
	}
	sc.workflow = &wf
	return nil
}

// covers reports whether the trigger's scope includes the entity. Stage and
// step scopes name template nodes, so clones match through their source.
func (sc scope) covers(t automation.Trigger) bool {
	switch t.Scope {
	case automation.ScopeStage:
		return sc.stage != nil && (sc.stage.ID == t.ScopeID || sc.stage.SourceID == t.ScopeID)
	case automation.ScopeStep:
		return sc.step != nil && (sc.step.ID == t.ScopeID || sc.step.SourceID == t.ScopeID)
	}
	return true
}

// snapshot is the document conditions and templates read: the entity, its
// ancestors and the fire request under "event".
func (sc scope) snapshot(req domain.FireRequest) conditions.Snapshot {
	snap := conditions.Snapshot{
		"event": map[string]any{
			"type":       req.Type,
			"entityType": string(req.EntityType),
			"entityId":   req.EntityID,
			"fieldName":  req.FieldName,
			"oldValue":   req.OldValue,
			"newValue":   req.NewValue,
			"metadata":   req.Metadata,
		},
	}
	put := func(key string, v any, present bool) {
		if !present {
			return
		}
		if m := toMap(v); m != nil {
			snap[key] = m
		}
	}
	put("task", sc.task, sc.task != nil)
	put("step", sc.step, sc.step != nil)
	put("stage", sc.stage, sc.stage != nil)
	put("assignment", sc.assignment, sc.assignment != nil)
	put("client", sc.client, sc.client != nil)
	put("workflow", sc.workflow, sc.workflow != nil)
	if ent, ok := snap[string(sc.kind)]; ok {
		snap["entity"] = ent
	}
	return snap
}

func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
