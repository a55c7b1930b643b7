// Package action runs the actions of a matched trigger. Every action is
// bounded by a timeout and fails on its own; an action that mutates entities
// hands back the fire requests its mutation produced instead of dispatching
// them.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"practiceflow/internal/automation"
	"practiceflow/internal/collab"
	"practiceflow/internal/conditions"
	"practiceflow/internal/config"
	"practiceflow/internal/domain"
)

const defaultTimeout = 5 * time.Second

// ActionExecutionError wraps the failure of one action.
type ActionExecutionError struct {
	Type automation.ActionType
	Err  error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("action %s: %v", e.Type, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// Context is what an action knows about the fire that triggered it.
type Context struct {
	OrgID        string
	TriggerID    string
	WorkflowID   string
	AssignmentID string
	Request      domain.FireRequest
	Snapshot     conditions.Snapshot
}

// Result is the outcome of one action.
type Result struct {
	Success   bool
	Skipped   bool
	Detail    string
	Err       error
	Followups []domain.FireRequest
}

// Outcome converts r for the trigger event log.
func (r Result) Outcome(t automation.ActionType) domain.ActionOutcome {
	o := domain.ActionOutcome{Type: string(t), Success: r.Success, Skipped: r.Skipped, Detail: r.Detail}
	if r.Err != nil {
		o.Error = r.Err.Error()
	}
	return o
}

// NewTask describes a task created by an action.
type NewTask struct {
	StepID      string
	Name        string
	Description string
	AssignedTo  string
	Priority    string
	DueDate     *time.Time
}

// NewAssignment describes an assignment instantiated by an action.
type NewAssignment struct {
	WorkflowID string
	ClientID   string
	Name       string
	DueDate    *time.Time
}

// Mutator applies entity changes on behalf of actions. Each method commits
// its own change and returns the fire requests it produced.
type Mutator interface {
	UpdateField(ctx context.Context, orgID string, kind domain.EntityType, id, field string, value any) ([]domain.FireRequest, error)
	SetStatus(ctx context.Context, orgID string, kind domain.EntityType, id string, status domain.Status) ([]domain.FireRequest, error)
	ApplyTags(ctx context.Context, orgID string, kind domain.EntityType, id string, tags []string) ([]domain.FireRequest, error)
	RemoveTags(ctx context.Context, orgID string, kind domain.EntityType, id string, tags []string) ([]domain.FireRequest, error)
	AssignUser(ctx context.Context, orgID string, kind domain.EntityType, id, userID string) ([]domain.FireRequest, error)
	SetDueDate(ctx context.Context, orgID string, kind domain.EntityType, id string, due time.Time) ([]domain.FireRequest, error)
	SetPriority(ctx context.Context, orgID string, kind domain.EntityType, id, priority string) ([]domain.FireRequest, error)
	CreateTask(ctx context.Context, orgID string, t NewTask) (domain.Task, []domain.FireRequest, error)
	Instantiate(ctx context.Context, orgID string, a NewAssignment) (domain.Assignment, []domain.FireRequest, error)
	AdvanceStage(ctx context.Context, orgID string, kind domain.EntityType, id string) ([]domain.FireRequest, error)
}

// EmailRecorder stores delivered emails.
type EmailRecorder interface {
	InsertSentEmail(ctx context.Context, e domain.SentEmail) error
}

type Executor struct {
	Email         collab.EmailSender
	Notifications collab.NotificationStore
	Agents        collab.AgentInvoker
	Mutator       Mutator
	Emails        EmailRecorder
	Conditions    *conditions.Evaluator
	HTTP          *http.Client
	Timeout       time.Duration
	Retry         config.RetryConfig
	Now           func() time.Time
	Logger        *slog.Logger

	// FallbackUserID receives email fallback notifications when neither the
	// action nor the snapshot names a user.
	FallbackUserID string
}

func (x *Executor) timeout() time.Duration {
	if x.Timeout <= 0 {
		return defaultTimeout
	}
	return x.Timeout
}

func (x *Executor) now() time.Time {
	if x.Now == nil {
		return time.Now().UTC()
	}
	return x.Now()
}

func (x *Executor) logger() *slog.Logger {
	if x.Logger == nil {
		return slog.Default()
	}
	return x.Logger
}

// Execute runs one action. It never returns an error; failures are carried
// in the Result so sibling actions keep running.
func (x *Executor) Execute(ctx context.Context, a automation.Action, actx Context) Result {
	if a.Spec == nil {
		return failed(a.Type(), errors.New("missing action type"))
	}
	if len(a.Conditions) > 0 {
		ev := x.Conditions
		if ev == nil {
			ev = conditions.NewEvaluator()
		}
		ok, err := ev.Check(a.Conditions, actx.Snapshot)
		if err != nil {
			x.logger().Warn("action condition error", "org", actx.OrgID, "trigger_id", actx.TriggerID, "action", a.Type(), "err", err)
		}
		if !ok {
			return Result{Skipped: true, Detail: "conditions not met"}
		}
	}
	ctx, cancel := context.WithTimeout(ctx, x.timeout())
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- failed(a.Type(), fmt.Errorf("panic: %v", p))
			}
		}()
		done <- x.run(ctx, a.Spec, actx)
	}()
	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		if a.Type() == automation.SendEmail {
			// The email path always reports after its fallback ran.
			return <-done
		}
		return failed(a.Type(), ctx.Err())
	}
}

func (x *Executor) run(ctx context.Context, spec automation.ActionSpec, actx Context) Result {
	switch s := spec.(type) {
	case automation.SendEmailAction:
		return x.sendEmail(ctx, s, actx)
	case automation.SendNotificationAction:
		return x.sendNotification(ctx, s, actx)
	case automation.CreateTaskAction:
		return x.createTask(ctx, s, actx)
	case automation.UpdateFieldAction:
		return x.mutate(s.Type(), s.Target, actx, func(kind domain.EntityType, id string) (string, []domain.FireRequest, error) {
			f, err := x.Mutator.UpdateField(ctx, actx.OrgID, kind, id, s.Field, s.Value)
			return fmt.Sprintf("%s.%s updated", kind, s.Field), f, err
		})
	case automation.UpdateStatusAction:
		return x.mutate(s.Type(), s.Target, actx, func(kind domain.EntityType, id string) (string, []domain.FireRequest, error) {
			f, err := x.Mutator.SetStatus(ctx, actx.OrgID, kind, id, s.Status)
			return fmt.Sprintf("%s status set to %s", kind, s.Status), f, err
		})
	case automation.ApplyTagsAction:
		return x.mutate(s.Type(), s.Target, actx, func(kind domain.EntityType, id string) (string, []domain.FireRequest, error) {
			f, err := x.Mutator.ApplyTags(ctx, actx.OrgID, kind, id, s.Tags)
			return fmt.Sprintf("%d tags applied", len(s.Tags)), f, err
		})
	case automation.RemoveTagsAction:
		return x.mutate(s.Type(), s.Target, actx, func(kind domain.EntityType, id string) (string, []domain.FireRequest, error) {
			f, err := x.Mutator.RemoveTags(ctx, actx.OrgID, kind, id, s.Tags)
			return fmt.Sprintf("%d tags removed", len(s.Tags)), f, err
		})
	case automation.AssignUserAction:
		return x.mutate(s.Type(), s.Target, actx, func(kind domain.EntityType, id string) (string, []domain.FireRequest, error) {
			f, err := x.Mutator.AssignUser(ctx, actx.OrgID, kind, id, s.UserID)
			return "assigned to " + s.UserID, f, err
		})
	case automation.SetDueDateAction:
		return x.mutate(s.Type(), s.Target, actx, func(kind domain.EntityType, id string) (string, []domain.FireRequest, error) {
			due := domain.StartOfDay(x.now()).AddDate(0, 0, s.DaysFromNow)
			f, err := x.Mutator.SetDueDate(ctx, actx.OrgID, kind, id, due)
			return "due " + domain.DateKey(due), f, err
		})
	case automation.SetPriorityAction:
		return x.mutate(s.Type(), s.Target, actx, func(kind domain.EntityType, id string) (string, []domain.FireRequest, error) {
			f, err := x.Mutator.SetPriority(ctx, actx.OrgID, kind, id, s.Priority)
			return "priority " + s.Priority, f, err
		})
	case automation.RunAIAgentAction:
		return x.runAgent(ctx, s, actx)
	case automation.TriggerWorkflowAction:
		return x.triggerWorkflow(ctx, s, actx)
	case automation.CallWebhookAction:
		return x.callWebhook(ctx, s, actx)
	case automation.AdvanceStageAction:
		return x.mutate(s.Type(), automation.TargetEntity, actx, func(kind domain.EntityType, id string) (string, []domain.FireRequest, error) {
			f, err := x.Mutator.AdvanceStage(ctx, actx.OrgID, kind, id)
			return "stage advanced", f, err
		})
	case automation.EscalateAction:
		return x.escalate(ctx, s, actx)
	}
	return failed(spec.Type(), fmt.Errorf("unsupported action type %q", spec.Type()))
}

// target resolves the entity a mutating action writes to.
func target(t automation.Target, actx Context) (domain.EntityType, string, error) {
	if t == automation.TargetAssignment {
		if actx.AssignmentID == "" {
			return "", "", errors.New("fire has no assignment")
		}
		return domain.EntityAssignment, actx.AssignmentID, nil
	}
	return actx.Request.EntityType, actx.Request.EntityID, nil
}

func (x *Executor) mutate(t automation.ActionType, tgt automation.Target, actx Context, fn func(kind domain.EntityType, id string) (string, []domain.FireRequest, error)) Result {
	if x.Mutator == nil {
		return failed(t, errors.New("no mutator configured"))
	}
	kind, id, err := target(tgt, actx)
	if err != nil {
		return failed(t, err)
	}
	detail, followups, err := fn(kind, id)
	if err != nil {
		return failed(t, err)
	}
	return Result{Success: true, Detail: detail, Followups: followups}
}

func failed(t automation.ActionType, err error) Result {
	var ae *ActionExecutionError
	if !errors.As(err, &ae) {
		err = &ActionExecutionError{Type: t, Err: err}
	}
	return Result{Err: err}
}

// call runs fn under ctx in its own goroutine so a collaborator that ignores
// cancellation still cannot hold the caller past the deadline.
func call[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type res struct {
		v   T
		err error
	}
	ch := make(chan res, 1)
	go func() {
		v, err := fn(ctx)
		ch <- res{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
