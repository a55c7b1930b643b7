package engine

import (
	"context"
	"database/sql"
	"fmt"

	"practiceflow/internal/depgraph"
	"practiceflow/internal/domain"
	"practiceflow/internal/eventlog"
	"practiceflow/internal/repo"
)

// AddDependency links two tasks of the same assignment (or template) so that
// spec.TaskID depends on spec.DependsOnTaskID. An edge whose prerequisite
// already moved far enough is satisfied on insert; a not_started dependent
// that is now gated becomes blocked.
func (e *Engine) AddDependency(ctx context.Context, orgID string, spec DependencySpec) (domain.TaskDependency, error) {
	var dep domain.TaskDependency
	var reqs []domain.FireRequest
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		now := e.now()
		task, err := r.GetTask(ctx, orgID, spec.TaskID)
		if err != nil {
			return fmt.Errorf("task %s: %w", spec.TaskID, err)
		}
		prereq, err := r.GetTask(ctx, orgID, spec.DependsOnTaskID)
		if err != nil {
			return fmt.Errorf("prerequisite %s: %w", spec.DependsOnTaskID, err)
		}
		if task.AssignmentID != prereq.AssignmentID {
			return depgraph.ErrCrossAssignment
		}
		wf, err := workflowOf(ctx, r, task)
		if err != nil {
			return err
		}
		if pwf, err := workflowOf(ctx, r, prereq); err != nil {
			return err
		} else if pwf != wf {
			return depgraph.ErrCrossAssignment
		}
		dep, err = e.Resolver.AddDependency(ctx, r, domain.TaskDependency{
			OrgID: orgID, AssignmentID: task.AssignmentID, WorkflowID: wf,
			TaskID: task.ID, DependsOnTaskID: prereq.ID, Type: spec.Type, LagDays: spec.LagDays, IsBlocking: !spec.NonBlocking,
		})
		if err != nil {
			return err
		}

		var already []domain.DependencyType
		switch prereq.Status {
		case domain.StatusCompleted:
			already = []domain.DependencyType{domain.FinishToStart, domain.FinishToFinish, domain.StartToStart, domain.StartToFinish}
		case domain.StatusInProgress:
			already = []domain.DependencyType{domain.StartToStart, domain.StartToFinish}
		}
		if len(already) > 0 {
			if _, err := r.SatisfyDependencies(ctx, orgID, prereq.ID, already, now); err != nil {
				return fmt.Errorf("satisfy dependencies: %w", err)
			}
		}
		deps, err := r.DependenciesOf(ctx, orgID, task.ID)
		if err != nil {
			return fmt.Errorf("dependencies of %s: %w", task.ID, err)
		}
		for _, d := range deps {
			if d.ID == dep.ID {
				dep = d
			}
		}
		if task.Status == domain.StatusNotStarted && task.AssignmentID != "" {
			gate := depgraph.StartBlocked(deps)
			if at, ok := depgraph.StartEligibility(deps); ok && at.After(now) {
				if err := r.SetTaskEligibleAt(ctx, orgID, task.ID, &at); err != nil {
					return fmt.Errorf("set eligible_at: %w", err)
				}
				gate = true
			}
			if gate {
				req, err := move(ctx, r, domain.EntityTask, orgID, task.ID, []domain.Status{domain.StatusNotStarted}, domain.StatusBlocked, now)
				if err != nil {
					return err
				}
				if req != nil {
					reqs = append(reqs, *req)
				}
			}
		}
		return e.Activity.Append(ctx, tx, orgID, "dependency.added", "task", task.ID, "", eventlog.Payload{
			"depends_on": prereq.ID, "type": string(dep.Type), "lag_days": dep.LagDays,
		})
	})
	if err != nil {
		return domain.TaskDependency{}, err
	}
	e.dispatch(ctx, reqs)
	return dep, nil
}

// Dependencies lists the edges of an assignment, or of a template when
// assignmentID is empty.
func (e *Engine) Dependencies(ctx context.Context, orgID, assignmentID, workflowID string) ([]domain.TaskDependency, error) {
	return e.Repo.ListDependencies(ctx, orgID, assignmentID, workflowID)
}

func workflowOf(ctx context.Context, r repo.Repo, task domain.Task) (string, error) {
	step, err := r.GetStep(ctx, task.OrgID, task.StepID)
	if err != nil {
		return "", fmt.Errorf("step of %s: %w", task.ID, err)
	}
	stage, err := r.GetStage(ctx, task.OrgID, step.StageID)
	if err != nil {
		return "", fmt.Errorf("stage of %s: %w", task.ID, err)
	}
	return stage.WorkflowID, nil
}
