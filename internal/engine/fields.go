package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"practiceflow/internal/action"
	"practiceflow/internal/automation"
	"practiceflow/internal/domain"
	"practiceflow/internal/eventlog"
	"practiceflow/internal/repo"
)

// fieldSet points at the editable fields of a task, an assignment or a
// client. Nil pointers are fields the entity does not have.
type fieldSet struct {
	Priority   *string
	AssignedTo *string
	DueDate    **time.Time
	Tags       *[]string
	Fields     map[string]any
}

func (f fieldSet) values() map[string]string {
	out := make(map[string]string)
	if f.Priority != nil {
		out["priority"] = *f.Priority
	}
	if f.AssignedTo != nil {
		out["assigned_to"] = *f.AssignedTo
	}
	if f.DueDate != nil {
		out["due_date"] = ""
		if *f.DueDate != nil {
			out["due_date"] = domain.DateKey(**f.DueDate)
		}
	}
	if f.Tags != nil {
		tags := slices.Clone(*f.Tags)
		sort.Strings(tags)
		out["tags"] = strings.Join(tags, ",")
	}
	for k, v := range f.Fields {
		out[k] = valueString(v)
	}
	return out
}

func valueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool, int, int64, float64:
		return fmt.Sprint(t)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

var builtinFields = map[string]bool{"priority": true, "assigned_to": true, "due_date": true, "tags": true}

// edit loads an entity, lets apply change it and writes it back. It returns
// field_change requests for every field that changed, plus
// conditional_section requests for custom fields.
func (e *Engine) edit(ctx context.Context, orgID string, kind domain.EntityType, id string, apply func(fieldSet) error) ([]domain.FireRequest, error) {
	var reqs []domain.FireRequest
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		now := e.now()
		var before, after map[string]string
		switch kind {
		case domain.EntityTask:
			t, err := r.GetTask(ctx, orgID, id)
			if err != nil {
				return fmt.Errorf("task %s: %w", id, err)
			}
			if t.Fields == nil {
				t.Fields = map[string]any{}
			}
			fs := fieldSet{Priority: &t.Priority, AssignedTo: &t.AssignedTo, DueDate: &t.DueDate, Tags: &t.Tags, Fields: t.Fields}
			before = fs.values()
			if err := apply(fs); err != nil {
				return err
			}
			after = fs.values()
			t.UpdatedAt = now
			if err := r.UpdateTask(ctx, t); err != nil {
				return fmt.Errorf("update task: %w", err)
			}
			if err := e.touchAssignment(ctx, r, t, now); err != nil {
				return err
			}
		case domain.EntityAssignment:
			a, err := r.GetAssignment(ctx, orgID, id)
			if err != nil {
				return fmt.Errorf("assignment %s: %w", id, err)
			}
			if a.Fields == nil {
				a.Fields = map[string]any{}
			}
			fs := fieldSet{Priority: &a.Priority, AssignedTo: &a.AssignedTo, DueDate: &a.DueDate, Tags: &a.Tags, Fields: a.Fields}
			before = fs.values()
			if err := apply(fs); err != nil {
				return err
			}
			after = fs.values()
			a.UpdatedAt = now
			if err := r.UpdateAssignment(ctx, a); err != nil {
				return fmt.Errorf("update assignment: %w", err)
			}
		case domain.EntityClient:
			c, err := r.GetClient(ctx, orgID, id)
			if err != nil {
				return fmt.Errorf("client %s: %w", id, err)
			}
			fs := fieldSet{Tags: &c.Tags}
			before = fs.values()
			if err := apply(fs); err != nil {
				return err
			}
			after = fs.values()
			if err := r.UpdateClientTags(ctx, orgID, id, c.Tags, now); err != nil {
				return fmt.Errorf("update client tags: %w", err)
			}
		default:
			return fmt.Errorf("%s has no editable fields", kind)
		}
		names := make([]string, 0, len(after))
		for k := range after {
			names = append(names, k)
		}
		for k := range before {
			if _, ok := after[k]; !ok {
				names = append(names, k)
			}
		}
		sort.Strings(names)
		changed := map[string]any{}
		for _, name := range names {
			if before[name] == after[name] {
				continue
			}
			changed[name] = after[name]
			req := domain.FireRequest{Type: string(automation.FieldChange), EntityType: kind, EntityID: id, OrgID: orgID,
				FieldName: name, OldValue: before[name], NewValue: after[name]}
			reqs = append(reqs, req)
			if !builtinFields[name] {
				req.Type = string(automation.ConditionalSection)
				reqs = append(reqs, req)
			}
		}
		if len(changed) == 0 {
			return nil
		}
		return e.Activity.Append(ctx, tx, orgID, "entity.updated", string(kind), id, "", eventlog.Payload(changed))
	})
	if err != nil {
		return nil, err
	}
	return reqs, nil
}

func (e *Engine) updateField(ctx context.Context, orgID string, kind domain.EntityType, id, field string, value any) ([]domain.FireRequest, error) {
	if field == "" {
		return nil, errors.New("field is required")
	}
	switch field {
	case "priority":
		return e.setPriority(ctx, orgID, kind, id, valueString(value))
	case "assigned_to":
		return e.assignUser(ctx, orgID, kind, id, valueString(value))
	case "due_date":
		due, err := time.ParseInLocation("2006-01-02", valueString(value), e.location())
		if err != nil {
			return nil, fmt.Errorf("due_date: %w", err)
		}
		return e.setDueDate(ctx, orgID, kind, id, due)
	}
	return e.edit(ctx, orgID, kind, id, func(fs fieldSet) error {
		if fs.Fields == nil {
			return fmt.Errorf("%s has no custom fields", kind)
		}
		if value == nil {
			delete(fs.Fields, field)
			return nil
		}
		fs.Fields[field] = value
		return nil
	})
}

func (e *Engine) applyTags(ctx context.Context, orgID string, kind domain.EntityType, id string, tags []string) ([]domain.FireRequest, error) {
	return e.edit(ctx, orgID, kind, id, func(fs fieldSet) error {
		for _, t := range tags {
			t = strings.TrimSpace(t)
			if t != "" && !slices.Contains(*fs.Tags, t) {
				*fs.Tags = append(*fs.Tags, t)
			}
		}
		return nil
	})
}

func (e *Engine) removeTags(ctx context.Context, orgID string, kind domain.EntityType, id string, tags []string) ([]domain.FireRequest, error) {
	return e.edit(ctx, orgID, kind, id, func(fs fieldSet) error {
		*fs.Tags = slices.DeleteFunc(*fs.Tags, func(t string) bool { return slices.Contains(tags, t) })
		return nil
	})
}

func (e *Engine) setPriority(ctx context.Context, orgID string, kind domain.EntityType, id, priority string) ([]domain.FireRequest, error) {
	switch priority {
	case domain.PriorityLow, domain.PriorityNormal, domain.PriorityHigh, domain.PriorityUrgent:
	default:
		return nil, fmt.Errorf("unknown priority %q", priority)
	}
	return e.edit(ctx, orgID, kind, id, func(fs fieldSet) error {
		if fs.Priority == nil {
			return fmt.Errorf("%s has no priority", kind)
		}
		*fs.Priority = priority
		return nil
	})
}

func (e *Engine) setDueDate(ctx context.Context, orgID string, kind domain.EntityType, id string, due time.Time) ([]domain.FireRequest, error) {
	d := startOfDay(due.In(e.location()))
	return e.edit(ctx, orgID, kind, id, func(fs fieldSet) error {
		if fs.DueDate == nil {
			return fmt.Errorf("%s has no due date", kind)
		}
		*fs.DueDate = &d
		return nil
	})
}

// assignUser sets the assignee and fires team_capacity with the user's
// open task count.
func (e *Engine) assignUser(ctx context.Context, orgID string, kind domain.EntityType, id, userID string) ([]domain.FireRequest, error) {
	reqs, err := e.edit(ctx, orgID, kind, id, func(fs fieldSet) error {
		if fs.AssignedTo == nil {
			return fmt.Errorf("%s has no assignee", kind)
		}
		*fs.AssignedTo = userID
		return nil
	})
	if err != nil || userID == "" {
		return reqs, err
	}
	active, err := e.Repo.CountActiveTasks(ctx, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("count active tasks: %w", err)
	}
	return append(reqs, domain.FireRequest{
		Type:       string(automation.TeamCapacity),
		EntityType: kind,
		EntityID:   id,
		OrgID:      orgID,
		FieldName:  "assigned_to",
		NewValue:   userID,
		Metadata:   map[string]any{"userId": userID, "activeTasks": active},
	}), nil
}

// setStatus applies a status on behalf of an action. Tasks go through the
// validated task transitions; other nodes move directly.
func (e *Engine) setStatus(ctx context.Context, orgID string, kind domain.EntityType, id string, status domain.Status) ([]domain.FireRequest, error) {
	if kind == domain.EntityTask {
		return e.setTaskStatus(ctx, orgID, id, status)
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	var reqs []domain.FireRequest
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		req, err := move(ctx, r, kind, orgID, id, nil, status, e.now())
		if err != nil || req == nil {
			return err
		}
		reqs = append(reqs, *req)
		return e.Activity.Append(ctx, tx, orgID, "entity.status", string(kind), id, "", eventlog.Payload{"from": req.OldValue, "to": req.NewValue})
	})
	return reqs, err
}

func (e *Engine) createTask(ctx context.Context, orgID string, nt action.NewTask) (domain.Task, error) {
	if strings.TrimSpace(nt.Name) == "" {
		return domain.Task{}, errors.New("task name is required")
	}
	var task domain.Task
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		now := e.now()
		step, err := r.GetStep(ctx, orgID, nt.StepID)
		if err != nil {
			return fmt.Errorf("step %s: %w", nt.StepID, err)
		}
		pos, err := r.NextTaskPosition(ctx, orgID, step.ID)
		if err != nil {
			return fmt.Errorf("task position: %w", err)
		}
		task = domain.Task{
			Node: domain.Node{ID: uuid.NewString(), OrgID: orgID, AssignmentID: step.AssignmentID, Position: pos, Name: nt.Name,
				Status: domain.StatusNotStarted, CreatedAt: now, UpdatedAt: now},
			StepID: step.ID, Description: nt.Description, AssignedTo: nt.AssignedTo, Priority: nt.Priority,
			Fields: map[string]any{},
		}
		if task.Priority == "" {
			task.Priority = domain.PriorityNormal
		}
		if nt.DueDate != nil {
			d := startOfDay(nt.DueDate.In(e.location()))
			task.DueDate = &d
		}
		if err := r.InsertTask(ctx, task); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := e.touchAssignment(ctx, r, task, now); err != nil {
			return err
		}
		return e.Activity.Append(ctx, tx, orgID, "task.created", "task", task.ID, "", eventlog.Payload{"step_id": step.ID, "name": task.Name})
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// advanceStage completes the stage an entity belongs to and opens the next.
// For an assignment it is the first stage that is not completed.
func (e *Engine) advanceStage(ctx context.Context, orgID string, kind domain.EntityType, id string) ([]domain.FireRequest, error) {
	var reqs []domain.FireRequest
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		var stage domain.Stage
		var err error
		switch kind {
		case domain.EntityStage:
			stage, err = r.GetStage(ctx, orgID, id)
		case domain.EntityStep:
			var step domain.Step
			if step, err = r.GetStep(ctx, orgID, id); err == nil {
				stage, err = r.GetStage(ctx, orgID, step.StageID)
			}
		case domain.EntityTask:
			var task domain.Task
			var step domain.Step
			if task, err = r.GetTask(ctx, orgID, id); err == nil {
				if step, err = r.GetStep(ctx, orgID, task.StepID); err == nil {
					stage, err = r.GetStage(ctx, orgID, step.StageID)
				}
			}
		case domain.EntityAssignment:
			var a domain.Assignment
			if a, err = r.GetAssignment(ctx, orgID, id); err == nil {
				var stages []domain.Stage
				if stages, err = r.ListStages(ctx, orgID, a.WorkflowID, a.ID); err == nil {
					i := slices.IndexFunc(stages, func(s domain.Stage) bool { return s.Status != domain.StatusCompleted })
					if i < 0 {
						return nil
					}
					stage = stages[i]
				}
			}
		default:
			return fmt.Errorf("cannot advance the stage of a %s", kind)
		}
		if err != nil {
			return fmt.Errorf("resolve stage of %s %s: %w", kind, id, err)
		}
		reqs, err = e.completeStage(ctx, r, stage, e.now())
		if err != nil || len(reqs) == 0 {
			return err
		}
		return e.Activity.Append(ctx, tx, orgID, "stage.advanced", "stage", stage.ID, "", nil)
	})
	return reqs, err
}

// UpdateField sets a field of a task or an assignment. Custom fields also
// fire conditional_section.
func (e *Engine) UpdateField(ctx context.Context, orgID string, kind domain.EntityType, id, field string, value any) error {
	return e.commitAndDispatch(ctx)(e.updateField(ctx, orgID, kind, id, field, value))
}

func (e *Engine) ApplyTags(ctx context.Context, orgID string, kind domain.EntityType, id string, tags ...string) error {
	return e.commitAndDispatch(ctx)(e.applyTags(ctx, orgID, kind, id, tags))
}

func (e *Engine) RemoveTags(ctx context.Context, orgID string, kind domain.EntityType, id string, tags ...string) error {
	return e.commitAndDispatch(ctx)(e.removeTags(ctx, orgID, kind, id, tags))
}

func (e *Engine) AssignUser(ctx context.Context, orgID string, kind domain.EntityType, id, userID string) error {
	return e.commitAndDispatch(ctx)(e.assignUser(ctx, orgID, kind, id, userID))
}

func (e *Engine) SetDueDate(ctx context.Context, orgID string, kind domain.EntityType, id string, due time.Time) error {
	return e.commitAndDispatch(ctx)(e.setDueDate(ctx, orgID, kind, id, due))
}

func (e *Engine) SetPriority(ctx context.Context, orgID string, kind domain.EntityType, id, priority string) error {
	return e.commitAndDispatch(ctx)(e.setPriority(ctx, orgID, kind, id, priority))
}

func (e *Engine) AdvanceStage(ctx context.Context, orgID string, kind domain.EntityType, id string) error {
	return e.commitAndDispatch(ctx)(e.advanceStage(ctx, orgID, kind, id))
}

// CreateTask adds a task to a step of an assignment or template.
func (e *Engine) CreateTask(ctx context.Context, orgID string, nt action.NewTask) (domain.Task, error) {
	task, err := e.createTask(ctx, orgID, nt)
	if err != nil {
		return domain.Task{}, err
	}
	e.dispatch(ctx, []domain.FireRequest{createdTask(task)})
	return task, nil
}

// createdTask announces a new task as a status change from no status to
// not_started.
func createdTask(t domain.Task) domain.FireRequest {
	return statusChange(t.OrgID, domain.EntityTask, t.ID, "", t.Status)
}

func (e *Engine) commitAndDispatch(ctx context.Context) func([]domain.FireRequest, error) error {
	return func(reqs []domain.FireRequest, err error) error {
		if err != nil {
			return err
		}
		e.dispatch(ctx, reqs)
		return nil
	}
}
