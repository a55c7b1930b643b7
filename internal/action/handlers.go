package action

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"practiceflow/internal/automation"
	"practiceflow/internal/conditions"
	"practiceflow/internal/domain"
)

func (x *Executor) sendNotification(ctx context.Context, s automation.SendNotificationAction, actx Context) Result {
	userID := s.UserID
	if userID == "" {
		userID = firstString(actx.Snapshot, s.UserField)
	}
	if userID == "" {
		return failed(s.Type(), fmt.Errorf("no user at %s", s.UserField))
	}
	title, err := render("title", s.Title, actx.Snapshot)
	if err != nil {
		return failed(s.Type(), err)
	}
	msg, err := render("message", s.Message, actx.Snapshot)
	if err != nil {
		return failed(s.Type(), err)
	}
	if x.Notifications == nil {
		return failed(s.Type(), errors.New("no notification store configured"))
	}
	typ := s.NotificationType
	if typ == "" {
		typ = "automation"
	}
	n := domain.Notification{
		OrgID: actx.OrgID, UserID: userID, Title: title, Message: msg, Type: typ,
		Metadata:  map[string]any{"triggerId": actx.TriggerID, "entityType": string(actx.Request.EntityType), "entityId": actx.Request.EntityID},
		CreatedAt: x.now(),
	}
	if _, err := call(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, x.Notifications.Create(ctx, n)
	}); err != nil {
		return failed(s.Type(), err)
	}
	return Result{Success: true, Detail: "notified " + userID}
}

func (x *Executor) createTask(ctx context.Context, s automation.CreateTaskAction, actx Context) Result {
	if x.Mutator == nil {
		return failed(s.Type(), errors.New("no mutator configured"))
	}
	stepID := s.StepID
	if stepID == "" {
		switch actx.Request.EntityType {
		case domain.EntityStep:
			stepID = actx.Request.EntityID
		default:
			stepID = firstString(actx.Snapshot, "step.id")
		}
	}
	if stepID == "" {
		return failed(s.Type(), errors.New("no step to create the task in"))
	}
	name, err := render("name", s.Name, actx.Snapshot)
	if err != nil {
		return failed(s.Type(), err)
	}
	nt := NewTask{StepID: stepID, Name: name, Description: s.Description, AssignedTo: s.AssignTo, Priority: s.Priority}
	if s.DueInDays != nil {
		due := domain.StartOfDay(x.now()).AddDate(0, 0, *s.DueInDays)
		nt.DueDate = &due
	}
	task, followups, err := x.Mutator.CreateTask(ctx, actx.OrgID, nt)
	if err != nil {
		return failed(s.Type(), err)
	}
	return Result{Success: true, Detail: "created task " + task.ID, Followups: followups}
}

func (x *Executor) runAgent(ctx context.Context, s automation.RunAIAgentAction, actx Context) Result {
	if x.Agents == nil {
		return failed(s.Type(), errors.New("no agent invoker configured"))
	}
	input := make(map[string]any, len(s.Input)+1)
	for k, v := range s.Input {
		input[k] = v
	}
	input["event"] = map[string]any{
		"organizationId": actx.OrgID,
		"triggerId":      actx.TriggerID,
		"entityType":     string(actx.Request.EntityType),
		"entityId":       actx.Request.EntityID,
		"type":           actx.Request.Type,
	}
	out, err := call(ctx, func(ctx context.Context) (map[string]any, error) {
		return x.Agents.Invoke(ctx, s.AgentSlug, input)
	})
	if err != nil {
		return failed(s.Type(), err)
	}
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Result{Success: true, Detail: fmt.Sprintf("agent %s returned [%s]", s.AgentSlug, strings.Join(keys, ","))}
}

func (x *Executor) triggerWorkflow(ctx context.Context, s automation.TriggerWorkflowAction, actx Context) Result {
	if x.Mutator == nil {
		return failed(s.Type(), errors.New("no mutator configured"))
	}
	na := NewAssignment{WorkflowID: s.WorkflowID, ClientID: s.ClientID, Name: s.Name}
	if na.ClientID == "" {
		na.ClientID = firstString(actx.Snapshot, "client.id")
	}
	if s.DueInDays != nil {
		due := domain.StartOfDay(x.now()).AddDate(0, 0, *s.DueInDays)
		na.DueDate = &due
	}
	a, followups, err := x.Mutator.Instantiate(ctx, actx.OrgID, na)
	if err != nil {
		return failed(s.Type(), err)
	}
	return Result{Success: true, Detail: "instantiated assignment " + a.ID, Followups: followups}
}

// escalate notifies the escalation contact and raises the entity's priority.
func (x *Executor) escalate(ctx context.Context, s automation.EscalateAction, actx Context) Result {
	if x.Notifications == nil || x.Mutator == nil {
		return failed(s.Type(), errors.New("escalation needs notifications and a mutator"))
	}
	msg := s.Message
	if msg == "" {
		msg = fmt.Sprintf("%s %s needs attention", actx.Request.EntityType, entityName(actx.Snapshot))
	}
	msg, err := render("message", msg, actx.Snapshot)
	if err != nil {
		return failed(s.Type(), err)
	}
	n := domain.Notification{
		OrgID: actx.OrgID, UserID: s.UserID, Title: "Escalation", Message: msg, Type: "escalation",
		Metadata:  map[string]any{"triggerId": actx.TriggerID, "entityId": actx.Request.EntityID, "priority": s.EscalationPriority()},
		CreatedAt: x.now(),
	}
	if err := x.Notifications.Create(ctx, n); err != nil {
		return failed(s.Type(), err)
	}
	kind, id := actx.Request.EntityType, actx.Request.EntityID
	if kind != domain.EntityTask && kind != domain.EntityAssignment {
		if actx.AssignmentID == "" {
			return Result{Success: true, Detail: "escalated to " + s.UserID}
		}
		kind, id = domain.EntityAssignment, actx.AssignmentID
	}
	followups, err := x.Mutator.SetPriority(ctx, actx.OrgID, kind, id, s.EscalationPriority())
	if err != nil {
		return failed(s.Type(), err)
	}
	return Result{Success: true, Detail: "escalated to " + s.UserID, Followups: followups}
}

func entityName(snap conditions.Snapshot) string {
	if n := firstString(snap, "entity.name"); n != "" {
		return n
	}
	return firstString(snap, "entity.id")
}
