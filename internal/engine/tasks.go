package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"practiceflow/internal/automation"
	"practiceflow/internal/depgraph"
	"practiceflow/internal/domain"
	"practiceflow/internal/eventlog"
	"practiceflow/internal/repo"
)

var ErrStartBlocked = errors.New("task start is blocked by a dependency")

func statusChange(orgID string, kind domain.EntityType, id string, from, to domain.Status) domain.FireRequest {
	return domain.FireRequest{
		Type:       string(automation.StatusChange),
		EntityType: kind,
		EntityID:   id,
		OrgID:      orgID,
		FieldName:  "status",
		OldValue:   string(from),
		NewValue:   string(to),
	}
}

// move performs a status CAS and, when it happened, returns the status_change
// request for it.
func move(ctx context.Context, r repo.Repo, kind domain.EntityType, orgID, id string, from []domain.Status, to domain.Status, now time.Time) (*domain.FireRequest, error) {
	prev, err := r.Status(ctx, kind, orgID, id)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, id, err)
	}
	ok, err := r.TransitionStatus(ctx, kind, orgID, id, from, to, now)
	if err != nil {
		return nil, fmt.Errorf("transition %s %s: %w", kind, id, err)
	}
	if !ok {
		return nil, nil
	}
	req := statusChange(orgID, kind, id, prev, to)
	return &req, nil
}

// StartTask moves a task to in_progress once its start-gating dependencies
// allow it.
func (e *Engine) StartTask(ctx context.Context, orgID, taskID string) (domain.Task, error) {
	return e.SetTaskStatus(ctx, orgID, taskID, domain.StatusInProgress)
}

// CompleteTask completes a task, releases its dependents and rolls the
// completion up through step, stage and assignment.
func (e *Engine) CompleteTask(ctx context.Context, orgID, taskID string) (domain.Task, error) {
	return e.SetTaskStatus(ctx, orgID, taskID, domain.StatusCompleted)
}

// ReopenTask moves a completed task back to in_progress.
func (e *Engine) ReopenTask(ctx context.Context, orgID, taskID string) (domain.Task, error) {
	return e.SetTaskStatus(ctx, orgID, taskID, domain.StatusInProgress)
}

// SetTaskStatus validates and applies a task status transition.
func (e *Engine) SetTaskStatus(ctx context.Context, orgID, taskID string, to domain.Status) (domain.Task, error) {
	reqs, err := e.setTaskStatus(ctx, orgID, taskID, to)
	if err != nil {
		return domain.Task{}, err
	}
	e.dispatch(ctx, reqs)
	return e.Repo.GetTask(ctx, orgID, taskID)
}

func validTaskTransition(from, to domain.Status) bool {
	switch from {
	case domain.StatusNotStarted:
		return to == domain.StatusInProgress || to == domain.StatusBlocked || to == domain.StatusCompleted
	case domain.StatusInProgress:
		return to == domain.StatusCompleted || to == domain.StatusBlocked || to == domain.StatusNotStarted
	case domain.StatusBlocked:
		return to == domain.StatusNotStarted || to == domain.StatusInProgress
	case domain.StatusCompleted:
		return to == domain.StatusInProgress || to == domain.StatusNotStarted
	}
	return false
}

func (e *Engine) setTaskStatus(ctx context.Context, orgID, taskID string, to domain.Status) ([]domain.FireRequest, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	var reqs []domain.FireRequest
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		now := e.now()
		task, err := r.GetTask(ctx, orgID, taskID)
		if err != nil {
			return fmt.Errorf("task %s: %w", taskID, err)
		}
		if !validTaskTransition(task.Status, to) {
			return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, taskID, task.Status, to)
		}
		deps, err := r.DependenciesOf(ctx, orgID, taskID)
		if err != nil {
			return fmt.Errorf("dependencies of %s: %w", taskID, err)
		}
		switch {
		case task.Status == domain.StatusCompleted:
			reqs, err = e.reopen(ctx, r, task, to, now)
		case to == domain.StatusInProgress:
			if err := startAllowed(task, deps, now); err != nil {
				return err
			}
			var started bool
			started, reqs, err = e.applyStart(ctx, r, task, now)
			if err == nil && !started {
				err = fmt.Errorf("%w: task %s changed concurrently", ErrInvalidTransition, taskID)
			}
		case to == domain.StatusCompleted:
			reqs, err = e.applyComplete(ctx, r, task, deps, now)
		default:
			var req *domain.FireRequest
			req, err = move(ctx, r, domain.EntityTask, orgID, taskID, []domain.Status{task.Status}, to, now)
			if req != nil {
				reqs = append(reqs, *req)
			}
		}
		if err != nil {
			return err
		}
		if err := e.touchAssignment(ctx, r, task, now); err != nil {
			return err
		}
		return e.Activity.Append(ctx, tx, orgID, "task.status", "task", taskID, "", eventlog.Payload{"from": string(task.Status), "to": string(to)})
	})
	if err != nil {
		return nil, err
	}
	return reqs, nil
}

func startAllowed(task domain.Task, deps []domain.TaskDependency, now time.Time) error {
	if depgraph.StartBlocked(deps) {
		return fmt.Errorf("%w: task %s", ErrStartBlocked, task.ID)
	}
	if task.EligibleAt != nil && task.EligibleAt.After(now) {
		return fmt.Errorf("%w: task %s is eligible at %s", ErrStartBlocked, task.ID, task.EligibleAt.Format(time.RFC3339))
	}
	return nil
}

func (e *Engine) touchAssignment(ctx context.Context, r repo.Repo, task domain.Task, now time.Time) error {
	if task.AssignmentID == "" {
		return nil
	}
	if err := r.TouchAssignment(ctx, task.OrgID, task.AssignmentID, now); err != nil {
		return fmt.Errorf("touch assignment: %w", err)
	}
	return nil
}

// applyStart moves a not_started or blocked task to in_progress, propagates
// in_progress to its ancestors and satisfies start-side edges. started is
// false when another writer won the CAS.
func (e *Engine) applyStart(ctx context.Context, r repo.Repo, task domain.Task, now time.Time) (started bool, reqs []domain.FireRequest, err error) {
	req, err := move(ctx, r, domain.EntityTask, task.OrgID, task.ID, []domain.Status{domain.StatusNotStarted, domain.StatusBlocked}, domain.StatusInProgress, now)
	if err != nil || req == nil {
		return false, nil, err
	}
	reqs = append(reqs, *req)

	up, err := e.propagateStart(ctx, r, task, now)
	if err != nil {
		return true, nil, err
	}
	reqs = append(reqs, up...)

	elig, err := e.Resolver.OnTaskStarted(ctx, r, task.OrgID, task.ID)
	if err != nil {
		return true, nil, err
	}
	released, err := e.release(ctx, r, task.OrgID, elig, now)
	if err != nil {
		return true, nil, err
	}
	return true, append(reqs, released...), nil
}

func (e *Engine) propagateStart(ctx context.Context, r repo.Repo, task domain.Task, now time.Time) ([]domain.FireRequest, error) {
	step, err := r.GetStep(ctx, task.OrgID, task.StepID)
	if err != nil {
		return nil, fmt.Errorf("step of %s: %w", task.ID, err)
	}
	stage, err := r.GetStage(ctx, task.OrgID, step.StageID)
	if err != nil {
		return nil, fmt.Errorf("stage of %s: %w", task.ID, err)
	}
	chain := []struct {
		kind domain.EntityType
		id   string
	}{{domain.EntityStep, step.ID}, {domain.EntityStage, stage.ID}}
	if task.AssignmentID != "" {
		chain = append(chain, struct {
			kind domain.EntityType
			id   string
		}{domain.EntityAssignment, task.AssignmentID})
	}
	var reqs []domain.FireRequest
	for _, n := range chain {
		req, err := move(ctx, r, n.kind, task.OrgID, n.id, []domain.Status{domain.StatusNotStarted, domain.StatusBlocked}, domain.StatusInProgress, now)
		if err != nil {
			return nil, err
		}
		if req != nil {
			reqs = append(reqs, *req)
		}
	}
	return reqs, nil
}

// release starts the dependents whose eligibility time has passed and
// records the eligibility time of the rest.
func (e *Engine) release(ctx context.Context, r repo.Repo, orgID string, elig []depgraph.Eligibility, now time.Time) ([]domain.FireRequest, error) {
	var reqs []domain.FireRequest
	for _, el := range elig {
		dep, err := r.GetTask(ctx, orgID, el.TaskID)
		if err != nil {
			return nil, fmt.Errorf("dependent %s: %w", el.TaskID, err)
		}
		if dep.Status == domain.StatusInProgress || dep.Status == domain.StatusCompleted {
			continue
		}
		if el.EligibleAt.After(now) {
			at := el.EligibleAt
			if err := r.SetTaskEligibleAt(ctx, orgID, dep.ID, &at); err != nil {
				return nil, fmt.Errorf("set eligible_at: %w", err)
			}
			req, err := move(ctx, r, domain.EntityTask, orgID, dep.ID, []domain.Status{domain.StatusNotStarted}, domain.StatusBlocked, now)
			if err != nil {
				return nil, err
			}
			if req != nil {
				reqs = append(reqs, *req)
			}
			continue
		}
		started, sub, err := e.applyStart(ctx, r, dep, now)
		if err != nil {
			return nil, err
		}
		if !started {
			continue
		}
		reqs = append(reqs, dependencyReady(dep, el.DependencyType, el.Prerequisite))
		reqs = append(reqs, sub...)
	}
	return reqs, nil
}

func dependencyReady(task domain.Task, typ domain.DependencyType, prerequisite string) domain.FireRequest {
	return domain.FireRequest{
		Type:       string(automation.TaskDependency),
		EntityType: domain.EntityTask,
		EntityID:   task.ID,
		OrgID:      task.OrgID,
		FieldName:  "status",
		OldValue:   string(task.Status),
		NewValue:   string(domain.StatusInProgress),
		Metadata:   map[string]any{"dependencyType": string(typ), "prerequisiteTaskId": prerequisite},
	}
}

func (e *Engine) applyComplete(ctx context.Context, r repo.Repo, task domain.Task, deps []domain.TaskDependency, now time.Time) ([]domain.FireRequest, error) {
	if depgraph.CompletionBlocked(deps) {
		return nil, fmt.Errorf("task %s: %w", task.ID, depgraph.ErrCompletionBlocked)
	}
	var reqs []domain.FireRequest
	if task.Status != domain.StatusInProgress {
		if err := startAllowed(task, deps, now); err != nil {
			return nil, err
		}
		started, sub, err := e.applyStart(ctx, r, task, now)
		if err != nil {
			return nil, err
		}
		if !started {
			return nil, fmt.Errorf("%w: task %s changed concurrently", ErrInvalidTransition, task.ID)
		}
		reqs = append(reqs, sub...)
	}
	req, err := move(ctx, r, domain.EntityTask, task.OrgID, task.ID, []domain.Status{domain.StatusInProgress}, domain.StatusCompleted, now)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: task %s changed concurrently", ErrInvalidTransition, task.ID)
	}
	reqs = append(reqs, *req)

	elig, err := e.Resolver.OnTaskCompleted(ctx, r, task.OrgID, task.ID)
	if err != nil {
		return nil, err
	}
	released, err := e.release(ctx, r, task.OrgID, elig, now)
	if err != nil {
		return nil, err
	}
	reqs = append(reqs, released...)

	up, err := e.rollup(ctx, r, task, now)
	if err != nil {
		return nil, err
	}
	return append(reqs, up...), nil
}

func allTasksComplete(orgID string, kind domain.EntityType, id string, prev domain.Status, total int) domain.FireRequest {
	return domain.FireRequest{
		Type:       string(automation.AllTasksComplete),
		EntityType: kind,
		EntityID:   id,
		OrgID:      orgID,
		FieldName:  "status",
		OldValue:   string(prev),
		NewValue:   string(domain.StatusCompleted),
		Metadata:   map[string]any{"taskCount": total},
	}
}

// rollup fires all_tasks_complete on the step and stage of a completed task,
// completes autoProgress parents and finally the assignment.
func (e *Engine) rollup(ctx context.Context, r repo.Repo, task domain.Task, now time.Time) ([]domain.FireRequest, error) {
	step, err := r.GetStep(ctx, task.OrgID, task.StepID)
	if err != nil {
		return nil, fmt.Errorf("step of %s: %w", task.ID, err)
	}
	var reqs []domain.FireRequest
	total, done, err := r.TaskCounts(ctx, domain.EntityStep, task.OrgID, step.ID)
	if err != nil {
		return nil, fmt.Errorf("step counts: %w", err)
	}
	if total == 0 || done < total {
		return nil, nil
	}
	reqs = append(reqs, allTasksComplete(task.OrgID, domain.EntityStep, step.ID, step.Status, total))
	if step.AutoProgress {
		req, err := move(ctx, r, domain.EntityStep, task.OrgID, step.ID, nil, domain.StatusCompleted, now)
		if err != nil {
			return nil, err
		}
		if req != nil {
			reqs = append(reqs, *req)
		}
	}

	stage, err := r.GetStage(ctx, task.OrgID, step.StageID)
	if err != nil {
		return nil, fmt.Errorf("stage of %s: %w", step.ID, err)
	}
	total, done, err = r.TaskCounts(ctx, domain.EntityStage, task.OrgID, stage.ID)
	if err != nil {
		return nil, fmt.Errorf("stage counts: %w", err)
	}
	if done < total {
		return reqs, nil
	}
	reqs = append(reqs, allTasksComplete(task.OrgID, domain.EntityStage, stage.ID, stage.Status, total))
	if !stage.AutoProgress {
		return reqs, nil
	}
	// Every task of the stage is complete, so its open steps close with it.
	steps, err := r.ListSteps(ctx, task.OrgID, stage.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	for _, st := range steps {
		if st.Status == domain.StatusCompleted {
			continue
		}
		req, err := move(ctx, r, domain.EntityStep, task.OrgID, st.ID, nil, domain.StatusCompleted, now)
		if err != nil {
			return nil, err
		}
		if req != nil {
			reqs = append(reqs, *req)
		}
	}
	more, err := e.completeStage(ctx, r, stage, now)
	if err != nil {
		return nil, err
	}
	return append(reqs, more...), nil
}

// completeStage completes a stage, starts the next one and completes the
// assignment once every stage is done.
func (e *Engine) completeStage(ctx context.Context, r repo.Repo, stage domain.Stage, now time.Time) ([]domain.FireRequest, error) {
	var reqs []domain.FireRequest
	req, err := move(ctx, r, domain.EntityStage, stage.OrgID, stage.ID, nil, domain.StatusCompleted, now)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, nil
	}
	reqs = append(reqs, *req)
	if stage.AssignmentID == "" {
		return reqs, nil
	}
	stages, err := r.ListStages(ctx, stage.OrgID, stage.WorkflowID, stage.AssignmentID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	for _, next := range stages {
		if next.Position <= stage.Position || next.Status != domain.StatusNotStarted {
			continue
		}
		req, err := move(ctx, r, domain.EntityStage, stage.OrgID, next.ID, []domain.Status{domain.StatusNotStarted}, domain.StatusInProgress, now)
		if err != nil {
			return nil, err
		}
		if req != nil {
			reqs = append(reqs, *req)
		}
		break
	}
	total, done, err := r.StageCounts(ctx, stage.OrgID, stage.AssignmentID)
	if err != nil {
		return nil, fmt.Errorf("stage counts: %w", err)
	}
	if total == 0 || done < total {
		return reqs, nil
	}
	areq, err := move(ctx, r, domain.EntityAssignment, stage.OrgID, stage.AssignmentID, nil, domain.StatusCompleted, now)
	if err != nil {
		return nil, err
	}
	if areq == nil {
		return reqs, nil
	}
	reqs = append(reqs, *areq, domain.FireRequest{
		Type:       string(automation.Completion),
		EntityType: domain.EntityAssignment,
		EntityID:   stage.AssignmentID,
		OrgID:      stage.OrgID,
		FieldName:  "status",
		OldValue:   areq.OldValue,
		NewValue:   string(domain.StatusCompleted),
	})
	return reqs, nil
}

// reopen moves a completed task back and reopens completed ancestors.
func (e *Engine) reopen(ctx context.Context, r repo.Repo, task domain.Task, to domain.Status, now time.Time) ([]domain.FireRequest, error) {
	req, err := move(ctx, r, domain.EntityTask, task.OrgID, task.ID, []domain.Status{domain.StatusCompleted}, to, now)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: task %s changed concurrently", ErrInvalidTransition, task.ID)
	}
	reqs := []domain.FireRequest{*req}
	step, err := r.GetStep(ctx, task.OrgID, task.StepID)
	if err != nil {
		return nil, fmt.Errorf("step of %s: %w", task.ID, err)
	}
	ancestors := []struct {
		kind domain.EntityType
		id   string
	}{{domain.EntityStep, step.ID}, {domain.EntityStage, step.StageID}}
	if task.AssignmentID != "" {
		ancestors = append(ancestors, struct {
			kind domain.EntityType
			id   string
		}{domain.EntityAssignment, task.AssignmentID})
	}
	for _, n := range ancestors {
		req, err := move(ctx, r, n.kind, task.OrgID, n.id, []domain.Status{domain.StatusCompleted}, domain.StatusInProgress, now)
		if err != nil {
			return nil, err
		}
		if req != nil {
			reqs = append(reqs, *req)
		}
	}
	return reqs, nil
}

// StartEligibleTask auto-starts a task whose lag has elapsed. It reports
// whether this call started it.
func (e *Engine) StartEligibleTask(ctx context.Context, orgID, taskID string) (bool, error) {
	var reqs []domain.FireRequest
	started := false
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		now := e.now()
		task, err := r.GetTask(ctx, orgID, taskID)
		if err != nil {
			return fmt.Errorf("task %s: %w", taskID, err)
		}
		if task.Status != domain.StatusNotStarted && task.Status != domain.StatusBlocked {
			return nil
		}
		deps, err := r.DependenciesOf(ctx, orgID, taskID)
		if err != nil {
			return fmt.Errorf("dependencies of %s: %w", taskID, err)
		}
		at, ok := depgraph.StartEligibility(deps)
		if !ok || at.After(now) {
			return nil
		}
		var sub []domain.FireRequest
		started, sub, err = e.applyStart(ctx, r, task, now)
		if err != nil || !started {
			return err
		}
		typ, prereq := lastSatisfied(deps)
		reqs = append([]domain.FireRequest{dependencyReady(task, typ, prereq)}, sub...)
		if err := e.touchAssignment(ctx, r, task, now); err != nil {
			return err
		}
		return e.Activity.Append(ctx, tx, orgID, "task.auto_started", "task", taskID, "", eventlog.Payload{"eligible_at": at.Format(time.RFC3339)})
	})
	if err != nil {
		return false, err
	}
	e.dispatch(ctx, reqs)
	return started, nil
}

// lastSatisfied picks the start-gating edge that released the task last.
func lastSatisfied(deps []domain.TaskDependency) (domain.DependencyType, string) {
	var best domain.TaskDependency
	var bestAt time.Time
	for _, d := range deps {
		if !d.IsBlocking || !d.Type.GatesStart() || d.SatisfiedAt == nil {
			continue
		}
		if at := d.SatisfiedAt.AddDate(0, 0, d.LagDays); !at.Before(bestAt) {
			best, bestAt = d, at
		}
	}
	return best.Type, best.DependsOnTaskID
}
