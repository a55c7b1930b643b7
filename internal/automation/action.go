package automation

import (
	"errors"
	"fmt"
	"net/url"

	"practiceflow/internal/conditions"
	"practiceflow/internal/domain"
)

type ActionType string

const (
	SendEmail        ActionType = "send_email"
	SendNotification ActionType = "send_notification"
	CreateTask       ActionType = "create_task"
	UpdateField      ActionType = "update_field"
	UpdateStatus     ActionType = "update_status"
	ApplyTags        ActionType = "apply_tags"
	RemoveTags       ActionType = "remove_tags"
	AssignUser       ActionType = "assign_user"
	SetDueDate       ActionType = "set_due_date"
	SetPriority      ActionType = "set_priority"
	RunAIAgent       ActionType = "run_ai_agent"
	TriggerWorkflow  ActionType = "trigger_workflow"
	CallWebhook      ActionType = "call_webhook"
	AdvanceStage     ActionType = "advance_stage"
	Escalate         ActionType = "escalate"
)

var ActionTypes = []ActionType{
	SendEmail, SendNotification, CreateTask, UpdateField, UpdateStatus, ApplyTags,
	RemoveTags, AssignUser, SetDueDate, SetPriority, RunAIAgent, TriggerWorkflow,
	CallWebhook, AdvanceStage, Escalate,
}

// ActionSpec is the type-specific part of an action configuration.
type ActionSpec interface {
	Type() ActionType
	Validate() error
}

// Action is one configured action with its action-local conditions.
type Action struct {
	Spec       ActionSpec
	Conditions []conditions.Condition
}

func (a Action) Type() ActionType {
	if a.Spec == nil {
		return ""
	}
	return a.Spec.Type()
}

// Target selects the entity a mutating action writes to.
type Target string

const (
	// TargetEntity is the entity that fired the trigger.
	TargetEntity     Target = "entity"
	TargetAssignment Target = "assignment"
)

func validTarget(t Target) error {
	switch t {
	case "", TargetEntity, TargetAssignment:
		return nil
	}
	return fmt.Errorf("unknown target %q", t)
}

type SendEmailAction struct {
	To string `json:"to,omitempty"`
	// ToField resolves the recipient from the snapshot, e.g. client.email.
	ToField        string `json:"toField,omitempty"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	FallbackUserID string `json:"fallbackUserId,omitempty"`
}

func (SendEmailAction) Type() ActionType { return SendEmail }
func (s SendEmailAction) Validate() error {
	if s.To == "" && s.ToField == "" {
		return errors.New("to or toField is required")
	}
	if s.Subject == "" {
		return errors.New("subject is required")
	}
	return nil
}

type SendNotificationAction struct {
	UserID           string `json:"userId,omitempty"`
	UserField        string `json:"userField,omitempty"`
	Title            string `json:"title"`
	Message          string `json:"message"`
	NotificationType string `json:"notificationType,omitempty"`
}

func (SendNotificationAction) Type() ActionType { return SendNotification }
func (s SendNotificationAction) Validate() error {
	if s.UserID == "" && s.UserField == "" {
		return errors.New("userId or userField is required")
	}
	if s.Title == "" {
		return errors.New("title is required")
	}
	return nil
}

type CreateTaskAction struct {
	// StepID defaults to the step of the firing task.
	StepID      string `json:"stepId,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	AssignTo    string `json:"assignTo,omitempty"`
	Priority    string `json:"priority,omitempty"`
	DueInDays   *int   `json:"dueInDays,omitempty"`
}

func (CreateTaskAction) Type() ActionType { return CreateTask }
func (c CreateTaskAction) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	return validPriority(c.Priority)
}

type UpdateFieldAction struct {
	Target Target `json:"target,omitempty"`
	Field  string `json:"field"`
	Value  any    `json:"value"`
}

func (UpdateFieldAction) Type() ActionType { return UpdateField }
func (u UpdateFieldAction) Validate() error {
	if u.Field == "" {
		return errors.New("field is required")
	}
	return validTarget(u.Target)
}

type UpdateStatusAction struct {
	Target Target        `json:"target,omitempty"`
	Status domain.Status `json:"status"`
}

func (UpdateStatusAction) Type() ActionType { return UpdateStatus }
func (u UpdateStatusAction) Validate() error {
	if !u.Status.Valid() {
		return fmt.Errorf("unknown status %q", u.Status)
	}
	return validTarget(u.Target)
}

type ApplyTagsAction struct {
	Target Target   `json:"target,omitempty"`
	Tags   []string `json:"tags"`
}

func (ApplyTagsAction) Type() ActionType { return ApplyTags }
func (a ApplyTagsAction) Validate() error {
	if len(a.Tags) == 0 {
		return errors.New("tags are required")
	}
	return validTarget(a.Target)
}

type RemoveTagsAction struct {
	Target Target   `json:"target,omitempty"`
	Tags   []string `json:"tags"`
}

func (RemoveTagsAction) Type() ActionType { return RemoveTags }
func (r RemoveTagsAction) Validate() error {
	if len(r.Tags) == 0 {
		return errors.New("tags are required")
	}
	return validTarget(r.Target)
}

type AssignUserAction struct {
	Target Target `json:"target,omitempty"`
	UserID string `json:"userId"`
}

func (AssignUserAction) Type() ActionType { return AssignUser }
func (a AssignUserAction) Validate() error {
	if a.UserID == "" {
		return errors.New("userId is required")
	}
	return validTarget(a.Target)
}

type SetDueDateAction struct {
	Target      Target `json:"target,omitempty"`
	DaysFromNow int    `json:"daysFromNow"`
}

func (SetDueDateAction) Type() ActionType  { return SetDueDate }
func (s SetDueDateAction) Validate() error { return validTarget(s.Target) }

type SetPriorityAction struct {
	Target   Target `json:"target,omitempty"`
	Priority string `json:"priority"`
}

func (SetPriorityAction) Type() ActionType { return SetPriority }
func (s SetPriorityAction) Validate() error {
	if s.Priority == "" {
		return errors.New("priority is required")
	}
	if err := validPriority(s.Priority); err != nil {
		return err
	}
	return validTarget(s.Target)
}

type RunAIAgentAction struct {
	AgentSlug string         `json:"agentSlug"`
	Input     map[string]any `json:"input,omitempty"`
}

func (RunAIAgentAction) Type() ActionType { return RunAIAgent }
func (r RunAIAgentAction) Validate() error {
	if r.AgentSlug == "" {
		return errors.New("agentSlug is required")
	}
	return nil
}

type TriggerWorkflowAction struct {
	WorkflowID string `json:"workflowId"`
	// ClientID defaults to the client of the firing assignment.
	ClientID  string `json:"clientId,omitempty"`
	Name      string `json:"name,omitempty"`
	DueInDays *int   `json:"dueInDays,omitempty"`
}

func (TriggerWorkflowAction) Type() ActionType { return TriggerWorkflow }
func (t TriggerWorkflowAction) Validate() error {
	if t.WorkflowID == "" {
		return errors.New("workflowId is required")
	}
	return nil
}

type CallWebhookAction struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload map[string]any    `json:"payload,omitempty"`
}

func (CallWebhookAction) Type() ActionType { return CallWebhook }
func (c CallWebhookAction) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid url %q", c.URL)
	}
	return nil
}

type AdvanceStageAction struct{}

func (AdvanceStageAction) Type() ActionType { return AdvanceStage }
func (AdvanceStageAction) Validate() error  { return nil }

type EscalateAction struct {
	UserID   string `json:"userId"`
	Priority string `json:"priority,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (EscalateAction) Type() ActionType { return Escalate }
func (e EscalateAction) Validate() error {
	if e.UserID == "" {
		return errors.New("userId is required")
	}
	return validPriority(e.Priority)
}

// EscalationPriority is the priority applied when none is configured.
func (e EscalateAction) EscalationPriority() string {
	if e.Priority == "" {
		return domain.PriorityUrgent
	}
	return e.Priority
}

func validPriority(p string) error {
	switch p {
	case "", domain.PriorityLow, domain.PriorityNormal, domain.PriorityHigh, domain.PriorityUrgent:
		return nil
	}
	return fmt.Errorf("unknown priority %q", p)
}
