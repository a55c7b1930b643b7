package automation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"practiceflow/internal/conditions"
	"practiceflow/internal/domain"
)

func TestDefinitionDecodesTaggedUnion(t *testing.T) {
	raw := `{
		"type": "all_tasks_complete",
		"config": {"entityType": "stage"},
		"conditions": [{"field": "client.tags", "operator": "contains", "value": "vip"}],
		"executionMode": "stop_on_failure",
		"actions": [
			{"type": "send_email", "config": {"toField": "client.email", "subject": "Done", "body": "All set"}},
			{"type": "apply_tags", "config": {"target": "assignment", "tags": ["collected"]},
			 "conditions": [{"field": "assignment.priority", "operator": "equals", "value": "high"}]}
		]
	}`
	var def Definition
	require.NoError(t, json.Unmarshal([]byte(raw), &def))
	require.NoError(t, def.Validate())

	spec, ok := def.Spec.(AllTasksCompleteTrigger)
	require.True(t, ok)
	assert.Equal(t, domain.EntityStage, spec.EntityType)
	assert.Equal(t, ModeStopOnFailure, def.Mode())
	require.Len(t, def.Actions, 2)
	email, ok := def.Actions[0].Spec.(SendEmailAction)
	require.True(t, ok)
	assert.Equal(t, "client.email", email.ToField)
	tags, ok := def.Actions[1].Spec.(ApplyTagsAction)
	require.True(t, ok)
	assert.Equal(t, TargetAssignment, tags.Target)
	assert.Equal(t, []conditions.Condition{{Field: "assignment.priority", Operator: conditions.Equals, Value: "high"}}, def.Actions[1].Conditions)

	out, err := json.Marshal(def)
	require.NoError(t, err)
	var again Definition
	require.NoError(t, json.Unmarshal(out, &again))
	assert.Equal(t, def.Spec, again.Spec)
}

func TestDecodeRejectsUnknownTypesAndFields(t *testing.T) {
	_, err := DecodeTrigger("on_full_moon", nil)
	assert.Error(t, err)
	_, err = DecodeAction("launch_rocket", nil)
	assert.Error(t, err)
	_, err = DecodeTrigger(StatusChange, json.RawMessage(`{"toValu": "completed"}`))
	assert.Error(t, err)
}

func TestEveryTypeDecodes(t *testing.T) {
	for _, tt := range TriggerTypes {
		spec, err := DecodeTrigger(tt, nil)
		require.NoError(t, err, tt)
		assert.Equal(t, tt, spec.Type())
	}
	for _, at := range ActionTypes {
		spec, err := DecodeAction(at, json.RawMessage(`{}`))
		require.NoError(t, err, at)
		assert.Equal(t, at, spec.Type())
	}
	assert.Len(t, TriggerTypes, 21)
	assert.Len(t, ActionTypes, 15)
}

func TestDefinitionValidate(t *testing.T) {
	assert.Error(t, Definition{}.Validate())
	assert.Error(t, Definition{Spec: ScheduleTrigger{Cron: "not a cron"}}.Validate())
	assert.NoError(t, Definition{Spec: ScheduleTrigger{Cron: "0 9 * * 1"}}.Validate())
	assert.Error(t, Definition{Spec: ManualTrigger{}, ExecutionMode: "all_or_nothing"}.Validate())
	assert.Error(t, Definition{Spec: ManualTrigger{}, Actions: []Action{{Spec: SendEmailAction{Subject: "x"}}}}.Validate())
	assert.Error(t, Definition{Spec: ManualTrigger{}, Actions: []Action{{Spec: CallWebhookAction{URL: "nope"}}}}.Validate())
}

func TestStatusChangeMatch(t *testing.T) {
	req := domain.FireRequest{EntityType: domain.EntityTask, FieldName: "status", OldValue: "in_progress", NewValue: "completed"}
	assert.True(t, StatusChangeTrigger{ToValue: "completed"}.Match(req))
	assert.True(t, StatusChangeTrigger{FromValue: "in_progress", ToValue: "completed"}.Match(req))
	assert.False(t, StatusChangeTrigger{FromValue: "not_started", ToValue: "completed"}.Match(req))
	assert.True(t, StatusChangeTrigger{FromValue: "not_started", AnyChange: true}.Match(req))
	assert.False(t, StatusChangeTrigger{ToValue: "completed", EntityType: domain.EntityStage}.Match(req))
}

func TestFieldTriggersMatch(t *testing.T) {
	req := domain.FireRequest{FieldName: "filing_type", OldValue: "1040", NewValue: "1120S"}
	assert.True(t, FieldChangeTrigger{FieldName: "filing_type", ToValue: "1120S"}.Match(req))
	assert.False(t, FieldChangeTrigger{FieldName: "priority", AnyChange: true}.Match(req))
	assert.True(t, ConditionalSectionTrigger{FieldName: "filing_type", Equals: "1120S"}.Match(req))
	assert.False(t, ConditionalSectionTrigger{FieldName: "filing_type", Equals: "1065"}.Match(req))
}

func TestScheduledTriggersMatchMetadata(t *testing.T) {
	due := domain.FireRequest{Metadata: map[string]any{"daysUntilDue": 3}}
	assert.True(t, DueDateApproachingTrigger{DaysBeforeDue: 3}.Match(due))
	assert.False(t, DueDateApproachingTrigger{DaysBeforeDue: 2}.Match(due))

	overdue := domain.FireRequest{Metadata: map[string]any{"daysOverdue": 2.0}}
	assert.True(t, OverdueTrigger{}.Match(overdue))
	assert.True(t, OverdueTrigger{GracePeriodDays: 1}.Match(overdue))
	assert.False(t, OverdueTrigger{GracePeriodDays: 2}.Match(overdue))

	idle := domain.FireRequest{EntityType: domain.EntityTask, Metadata: map[string]any{"inactiveHours": 49.5}}
	assert.True(t, TimeThresholdTrigger{InactivityHours: 48}.Match(idle))
	assert.False(t, TimeThresholdTrigger{InactivityHours: 72}.Match(idle))
	assert.False(t, TimeThresholdTrigger{InactivityHours: 48, EntityType: domain.EntityAssignment}.Match(idle))

	budget := domain.FireRequest{Metadata: map[string]any{"percentage": 80.0}}
	assert.True(t, BudgetThresholdTrigger{ThresholdPercentage: 75}.Match(budget))
	assert.False(t, BudgetThresholdTrigger{ThresholdPercentage: 90}.Match(budget))

	capacity := domain.FireRequest{Metadata: map[string]any{"activeTasks": 6}}
	assert.True(t, TeamCapacityTrigger{MaxActiveTasks: 5}.Match(capacity))
	assert.False(t, TeamCapacityTrigger{MaxActiveTasks: 6}.Match(capacity))
}

func TestExternalTriggersMatchMetadata(t *testing.T) {
	req := domain.FireRequest{Metadata: map[string]any{
		"source": "quickbooks", "eventName": "invoice.paid",
		"from": "Client@Example.com", "subject": "Re: W-2 forms",
		"formId": "intake", "key": "k-123", "contactRole": "Spouse",
	}}
	assert.True(t, IntegrationEventTrigger{Source: "quickbooks"}.Match(req))
	assert.False(t, IntegrationEventTrigger{Source: "quickbooks", EventName: "invoice.voided"}.Match(req))
	assert.True(t, EmailTrigger{FromContains: "example.com", SubjectContains: "w-2"}.Match(req))
	assert.True(t, FormTrigger{FormID: "intake"}.Match(req))
	assert.False(t, WebhookTrigger{Key: "other"}.Match(req))
	assert.True(t, ClientContactAddedTrigger{ContactRole: "spouse"}.Match(req))
}

func TestFiscalDeadlineNext(t *testing.T) {
	f := FiscalDeadlineTrigger{Month: 4, Day: 15, DaysBefore: 10}
	today := time.Date(2024, 4, 5, 13, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC), f.NextDeadline(today))
	later := time.Date(2024, 4, 16, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC), f.NextDeadline(later))
}
