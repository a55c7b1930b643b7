package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"practiceflow/internal/action"
	"practiceflow/internal/automation"
	"practiceflow/internal/domain"
	"practiceflow/internal/repo"
)

type job struct {
	req   domain.FireRequest
	depth int
}

// FireTrigger dispatches one event: every enabled trigger of the event's type
// that covers the entity is matched, executed and logged. Follow-up events
// produced by mutating actions are dispatched in the same chain, breadth
// first, up to the configured depth. It returns the events of the whole
// chain, root first. The error reports an invalid request or a failure to
// resolve the root entity; automation failures are recorded in the events.
func (e *Engine) FireTrigger(ctx context.Context, req domain.FireRequest) ([]domain.TriggerEvent, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return e.run(ctx, []domain.FireRequest{req})
}

func validateRequest(req domain.FireRequest) error {
	switch {
	case req.OrgID == "":
		return fmt.Errorf("%w: organization is required", ErrInvalidRequest)
	case req.EntityID == "" || req.EntityType == "":
		return fmt.Errorf("%w: entity is required", ErrInvalidRequest)
	case !slices.Contains(automation.TriggerTypes, automation.TriggerType(req.Type)):
		return fmt.Errorf("%w: unknown trigger type %q", ErrInvalidRequest, req.Type)
	}
	return nil
}

// dispatch runs the requests a committed mutation produced. Failures are
// logged; the mutation already stands.
func (e *Engine) dispatch(ctx context.Context, reqs []domain.FireRequest) {
	if len(reqs) == 0 {
		return
	}
	if _, err := e.run(ctx, reqs); err != nil {
		e.Logger.Warn("dispatch failed", "org", reqs[0].OrgID, "trigger_type", reqs[0].Type, "entity_id", reqs[0].EntityID, "err", err)
	}
}

func (e *Engine) run(ctx context.Context, roots []domain.FireRequest) ([]domain.TriggerEvent, error) {
	chainID := uuid.NewString()
	queue := make([]job, 0, len(roots))
	for _, r := range roots {
		queue = append(queue, job{req: r})
	}
	var (
		out     []domain.TriggerEvent
		rootErr error
	)
	for len(queue) > 0 {
		j := queue[0]
		queue = queue[1:]
		if j.depth > e.maxDepth() {
			evt, err := e.Log.Append(ctx, nil, domain.TriggerEvent{
				OrgID:           j.req.OrgID,
				TriggerType:     j.req.Type,
				EntityType:      j.req.EntityType,
				EntityID:        j.req.EntityID,
				FieldName:       j.req.FieldName,
				OldValue:        j.req.OldValue,
				NewValue:        j.req.NewValue,
				ScheduledFor:    j.req.ScheduledFor,
				ExecutionStatus: domain.ExecutionFailed,
				ExecutionError:  fmt.Errorf("%w: depth %d exceeds %d", ErrCascadeDepthExceeded, j.depth, e.maxDepth()).Error(),
				ChainID:         chainID,
				Depth:           j.depth,
			})
			if err != nil {
				return out, err
			}
			e.Logger.Warn("cascade abandoned", "org", j.req.OrgID, "trigger_type", j.req.Type, "entity_id", j.req.EntityID, "depth", j.depth)
			return append(out, evt), rootErr
		}
		events, followups, err := e.fireOne(ctx, j, chainID)
		out = append(out, events...)
		if err != nil {
			if j.depth == 0 && rootErr == nil {
				rootErr = err
			}
			e.Logger.Warn("fire failed", "org", j.req.OrgID, "trigger_type", j.req.Type, "entity_id", j.req.EntityID, "depth", j.depth, "err", err)
			continue
		}
		for _, f := range followups {
			queue = append(queue, job{req: f, depth: j.depth + 1})
		}
	}
	return out, rootErr
}

func (e *Engine) fireOne(ctx context.Context, j job, chainID string) ([]domain.TriggerEvent, []domain.FireRequest, error) {
	req := j.req
	scopes, err := e.resolve(ctx, req.OrgID, req.EntityType, req.EntityID)
	if err != nil {
		return nil, nil, err
	}
	var (
		events    []domain.TriggerEvent
		followups []domain.FireRequest
	)
	for _, sc := range scopes {
		triggers, err := e.Repo.ListTriggers(ctx, repo.TriggerFilters{
			OrgID: req.OrgID, WorkflowID: sc.workflowID, Type: automation.TriggerType(req.Type), EnabledOnly: true,
		})
		if err != nil {
			return events, followups, fmt.Errorf("list triggers: %w", err)
		}
		for _, t := range triggers {
			if req.TriggerID != "" && t.ID != req.TriggerID {
				continue
			}
			if !sc.covers(t) || !t.Definition.Spec.Match(req) {
				continue
			}
			treq := req
			if t.Type().DateDeduped() && treq.ScheduledFor == "" {
				treq.ScheduledFor = domain.DateKey(e.Today())
			}
			snap := sc.snapshot(treq)
			ok, err := e.Conditions.Check(t.Definition.Conditions, snap)
			if err != nil {
				e.Logger.Warn("trigger conditions failed", "org", req.OrgID, "trigger_id", t.ID, "err", err)
				continue
			}
			if !ok {
				continue
			}
			evt, more, fired, err := e.execute(ctx, t, sc, treq, action.Context{
				OrgID: req.OrgID, TriggerID: t.ID, WorkflowID: sc.workflowID, AssignmentID: sc.assignmentID,
				Request: treq, Snapshot: snap,
			}, j.depth, chainID)
			if err != nil {
				return events, followups, err
			}
			if fired {
				events = append(events, evt)
				followups = append(followups, more...)
			}
		}
	}
	return events, followups, nil
}

// execute runs one matched trigger under its dedupe lock and appends the
// event. fired is false when an earlier fire already covers this one.
func (e *Engine) execute(ctx context.Context, t automation.Trigger, sc scope, req domain.FireRequest, actx action.Context, depth int, chainID string) (domain.TriggerEvent, []domain.FireRequest, bool, error) {
	unlock := e.fireLocks.lock(req.OrgID + "\x00" + t.ID + "\x00" + req.EntityID)
	defer unlock()

	dup, err := e.alreadyFired(ctx, t, req)
	if err != nil {
		return domain.TriggerEvent{}, nil, false, fmt.Errorf("dedupe lookup: %w", err)
	}
	if dup {
		return domain.TriggerEvent{}, nil, false, nil
	}

	var (
		outcomes  []domain.ActionOutcome
		followups []domain.FireRequest
		errs      []error
		stopped   bool
	)
	for _, a := range t.Definition.Actions {
		if stopped {
			outcomes = append(outcomes, domain.ActionOutcome{Type: string(a.Type()), Skipped: true, Detail: "skipped after an earlier failure"})
			continue
		}
		res := e.Executor.Execute(ctx, a, actx)
		outcomes = append(outcomes, res.Outcome(a.Type()))
		followups = append(followups, res.Followups...)
		if res.Err != nil {
			errs = append(errs, res.Err)
			e.Logger.Warn("action failed", "org", req.OrgID, "trigger_id", t.ID, "trigger_type", req.Type, "entity_id", req.EntityID, "depth", depth, "err", res.Err)
		}
		if !res.Success && !res.Skipped && t.Definition.Mode() == automation.ModeStopOnFailure {
			stopped = true
		}
	}

	cfg, err := json.Marshal(t.Definition)
	if err != nil {
		return domain.TriggerEvent{}, nil, false, fmt.Errorf("marshal trigger config: %w", err)
	}
	evt := domain.TriggerEvent{
		OrgID:           req.OrgID,
		WorkflowID:      sc.workflowID,
		AssignmentID:    sc.assignmentID,
		TriggerID:       t.ID,
		TriggerType:     req.Type,
		TriggerConfig:   string(cfg),
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		FieldName:       req.FieldName,
		OldValue:        req.OldValue,
		NewValue:        req.NewValue,
		ScheduledFor:    req.ScheduledFor,
		ActionsExecuted: outcomes,
		ExecutionStatus: domain.StatusFromOutcomes(outcomes),
		ChainID:         chainID,
		Depth:           depth,
	}
	if err := errors.Join(errs...); err != nil {
		evt.ExecutionError = err.Error()
	}
	evt, err = e.Log.Append(ctx, nil, evt)
	if err != nil {
		return domain.TriggerEvent{}, nil, false, err
	}
	return evt, followups, true, nil
}

// alreadyFired applies the idempotence rule of the trigger's type.
func (e *Engine) alreadyFired(ctx context.Context, t automation.Trigger, req domain.FireRequest) (bool, error) {
	typ := t.Type()
	switch {
	case typ == automation.AllTasksComplete || typ == automation.TaskDependency:
		return e.Log.HasSuccessfulFire(ctx, req.OrgID, t.ID, string(typ), req.EntityID, req.FieldName, req.NewValue)
	case typ.DateDeduped():
		return e.Log.HasFireFor(ctx, req.OrgID, t.ID, req.EntityID, req.ScheduledFor)
	case typ == automation.TimeThreshold:
		return e.Log.HasFireWithValue(ctx, req.OrgID, t.ID, req.EntityID, req.NewValue)
	case typ == automation.Overdue:
		last, ok, err := e.Log.LastFire(ctx, req.OrgID, t.ID, req.EntityID)
		if err != nil || !ok {
			return false, err
		}
		spec, _ := t.Definition.Spec.(automation.OverdueTrigger)
		if spec.RepeatEveryDays <= 0 {
			return true, nil
		}
		loc := e.location()
		return domain.DaysBetween(last.In(loc), e.now().In(loc)) < spec.RepeatEveryDays, nil
	}
	return false, nil
}
