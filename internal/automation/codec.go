package automation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"practiceflow/internal/conditions"
)

type wireDefinition struct {
	Type          TriggerType            `json:"type"`
	Config        json.RawMessage        `json:"config,omitempty"`
	Conditions    []conditions.Condition `json:"conditions,omitempty"`
	Actions       []Action               `json:"actions"`
	ExecutionMode ExecutionMode          `json:"executionMode,omitempty"`
}

type wireAction struct {
	Type       ActionType             `json:"type"`
	Config     json.RawMessage        `json:"config,omitempty"`
	Conditions []conditions.Condition `json:"conditions,omitempty"`
}

func (d Definition) MarshalJSON() ([]byte, error) {
	if d.Spec == nil {
		return nil, fmt.Errorf("marshal trigger definition: missing type")
	}
	cfg, err := json.Marshal(d.Spec)
	if err != nil {
		return nil, err
	}
	actions := d.Actions
	if actions == nil {
		actions = []Action{}
	}
	return json.Marshal(wireDefinition{
		Type:          d.Spec.Type(),
		Config:        cfg,
		Conditions:    d.Conditions,
		Actions:       actions,
		ExecutionMode: d.ExecutionMode,
	})
}

func (d *Definition) UnmarshalJSON(data []byte) error {
	var w wireDefinition
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	spec, err := DecodeTrigger(w.Type, w.Config)
	if err != nil {
		return err
	}
	*d = Definition{
		Spec:          spec,
		Conditions:    w.Conditions,
		Actions:       w.Actions,
		ExecutionMode: w.ExecutionMode,
	}
	return nil
}

func (a Action) MarshalJSON() ([]byte, error) {
	if a.Spec == nil {
		return nil, fmt.Errorf("marshal action: missing type")
	}
	cfg, err := json.Marshal(a.Spec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireAction{Type: a.Spec.Type(), Config: cfg, Conditions: a.Conditions})
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	spec, err := DecodeAction(w.Type, w.Config)
	if err != nil {
		return err
	}
	*a = Action{Spec: spec, Conditions: w.Conditions}
	return nil
}

// DecodeTrigger builds the typed spec for a trigger type from its JSON config.
func DecodeTrigger(t TriggerType, cfg json.RawMessage) (TriggerSpec, error) {
	var spec TriggerSpec
	var err error
	switch t {
	case StatusChange:
		spec, err = decodeInto[StatusChangeTrigger](cfg)
	case FieldChange:
		spec, err = decodeInto[FieldChangeTrigger](cfg)
	case DueDateApproaching:
		spec, err = decodeInto[DueDateApproachingTrigger](cfg)
	case Overdue:
		spec, err = decodeInto[OverdueTrigger](cfg)
	case TaskDependency:
		spec, err = decodeInto[TaskDependencyTrigger](cfg)
	case AllTasksComplete:
		spec, err = decodeInto[AllTasksCompleteTrigger](cfg)
	case TemplateInstantiated:
		spec, err = decodeInto[TemplateInstantiatedTrigger](cfg)
	case ClientContactAdded:
		spec, err = decodeInto[ClientContactAddedTrigger](cfg)
	case BudgetThreshold:
		spec, err = decodeInto[BudgetThresholdTrigger](cfg)
	case TeamCapacity:
		spec, err = decodeInto[TeamCapacityTrigger](cfg)
	case TimeThreshold:
		spec, err = decodeInto[TimeThresholdTrigger](cfg)
	case FiscalDeadline:
		spec, err = decodeInto[FiscalDeadlineTrigger](cfg)
	case ConditionalSection:
		spec, err = decodeInto[ConditionalSectionTrigger](cfg)
	case RelativeDate:
		spec, err = decodeInto[RelativeDateTrigger](cfg)
	case IntegrationEvent:
		spec, err = decodeInto[IntegrationEventTrigger](cfg)
	case Email:
		spec, err = decodeInto[EmailTrigger](cfg)
	case Form:
		spec, err = decodeInto[FormTrigger](cfg)
	case Webhook:
		spec, err = decodeInto[WebhookTrigger](cfg)
	case Schedule:
		spec, err = decodeInto[ScheduleTrigger](cfg)
	case Manual:
		spec, err = decodeInto[ManualTrigger](cfg)
	case Completion:
		spec, err = decodeInto[CompletionTrigger](cfg)
	default:
		return nil, fmt.Errorf("unknown trigger type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s config: %w", t, err)
	}
	return spec, nil
}

// DecodeAction builds the typed spec for an action type from its JSON config.
func DecodeAction(t ActionType, cfg json.RawMessage) (ActionSpec, error) {
	var spec ActionSpec
	var err error
	switch t {
	case SendEmail:
		spec, err = decodeInto[SendEmailAction](cfg)
	case SendNotification:
		spec, err = decodeInto[SendNotificationAction](cfg)
	case CreateTask:
		spec, err = decodeInto[CreateTaskAction](cfg)
	case UpdateField:
		spec, err = decodeInto[UpdateFieldAction](cfg)
	case UpdateStatus:
		spec, err = decodeInto[UpdateStatusAction](cfg)
	case ApplyTags:
		spec, err = decodeInto[ApplyTagsAction](cfg)
	case RemoveTags:
		spec, err = decodeInto[RemoveTagsAction](cfg)
	case AssignUser:
		spec, err = decodeInto[AssignUserAction](cfg)
	case SetDueDate:
		spec, err = decodeInto[SetDueDateAction](cfg)
	case SetPriority:
		spec, err = decodeInto[SetPriorityAction](cfg)
	case RunAIAgent:
		spec, err = decodeInto[RunAIAgentAction](cfg)
	case TriggerWorkflow:
		spec, err = decodeInto[TriggerWorkflowAction](cfg)
	case CallWebhook:
		spec, err = decodeInto[CallWebhookAction](cfg)
	case AdvanceStage:
		spec, err = decodeInto[AdvanceStageAction](cfg)
	case Escalate:
		spec, err = decodeInto[EscalateAction](cfg)
	default:
		return nil, fmt.Errorf("unknown action type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s config: %w", t, err)
	}
	return spec, nil
}

func decodeInto[T any](cfg json.RawMessage) (T, error) {
	var v T
	if len(bytes.TrimSpace(cfg)) == 0 || bytes.Equal(bytes.TrimSpace(cfg), []byte("null")) {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(cfg))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}
