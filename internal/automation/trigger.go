// Package automation holds the typed trigger and action configurations that
// are persisted as JSON on workflows, stages and steps.
package automation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"practiceflow/internal/conditions"
	"practiceflow/internal/domain"
)

type TriggerType string

const (
	StatusChange         TriggerType = "status_change"
	FieldChange          TriggerType = "field_change"
	DueDateApproaching   TriggerType = "due_date_approaching"
	Overdue              TriggerType = "overdue"
	TaskDependency       TriggerType = "task_dependency"
	AllTasksComplete     TriggerType = "all_tasks_complete"
	TemplateInstantiated TriggerType = "template_instantiated"
	ClientContactAdded   TriggerType = "client_contact_added"
	BudgetThreshold      TriggerType = "budget_threshold"
	TeamCapacity         TriggerType = "team_capacity"
	TimeThreshold        TriggerType = "time_threshold"
	FiscalDeadline       TriggerType = "fiscal_deadline"
	ConditionalSection   TriggerType = "conditional_section"
	RelativeDate         TriggerType = "relative_date"
	IntegrationEvent     TriggerType = "integration_event"
	Email                TriggerType = "email"
	Form                 TriggerType = "form"
	Webhook              TriggerType = "webhook"
	Schedule             TriggerType = "schedule"
	Manual               TriggerType = "manual"
	Completion           TriggerType = "completion"
)

// TriggerTypes lists every supported kind.
var TriggerTypes = []TriggerType{
	StatusChange, FieldChange, DueDateApproaching, Overdue, TaskDependency,
	AllTasksComplete, TemplateInstantiated, ClientContactAdded, BudgetThreshold,
	TeamCapacity, TimeThreshold, FiscalDeadline, ConditionalSection, RelativeDate,
	IntegrationEvent, Email, Form, Webhook, Schedule, Manual, Completion,
}

// Scheduled reports whether fires of this type are synthesized by the scheduler.
func (t TriggerType) Scheduled() bool {
	switch t {
	case DueDateApproaching, Overdue, TimeThreshold, FiscalDeadline, RelativeDate, Schedule:
		return true
	}
	return false
}

// DateDeduped reports whether at most one fire per entity and scheduled slot
// (a calendar day, or a cron tick for schedule triggers) is allowed.
func (t TriggerType) DateDeduped() bool {
	switch t {
	case DueDateApproaching, RelativeDate, FiscalDeadline, Schedule:
		return true
	}
	return false
}

type Scope string

const (
	ScopeWorkflow Scope = "workflow"
	ScopeStage    Scope = "stage"
	ScopeStep     Scope = "step"
)

type ExecutionMode string

const (
	// ModeIndependent runs every action regardless of sibling failures.
	ModeIndependent ExecutionMode = "independent"
	// ModeStopOnFailure skips the remaining actions after the first failure.
	ModeStopOnFailure ExecutionMode = "stop_on_failure"
)

// TriggerSpec is the type-specific part of a trigger configuration.
type TriggerSpec interface {
	Type() TriggerType
	// Match applies the type-specific check to a fire request of the same type.
	Match(req domain.FireRequest) bool
	Validate() error
}

// Trigger is a persisted TriggerConfig.
type Trigger struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"org_id"`
	WorkflowID string     `json:"workflow_id"`
	Scope      Scope      `json:"scope" enum:"workflow,stage,step"`
	ScopeID    string     `json:"scope_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Enabled    bool       `json:"enabled"`
	Definition Definition `json:"definition"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (t Trigger) Type() TriggerType {
	if t.Definition.Spec == nil {
		return ""
	}
	return t.Definition.Spec.Type()
}

// Definition is the JSON blob stored with a trigger.
type Definition struct {
	Spec          TriggerSpec
	Conditions    []conditions.Condition
	Actions       []Action
	ExecutionMode ExecutionMode
}

func (d Definition) Mode() ExecutionMode {
	if d.ExecutionMode == "" {
		return ModeIndependent
	}
	return d.ExecutionMode
}

func (d Definition) Validate() error {
	if d.Spec == nil {
		return errors.New("trigger type is required")
	}
	if err := d.Spec.Validate(); err != nil {
		return fmt.Errorf("%s: %w", d.Spec.Type(), err)
	}
	switch d.ExecutionMode {
	case "", ModeIndependent, ModeStopOnFailure:
	default:
		return fmt.Errorf("unknown execution mode %q", d.ExecutionMode)
	}
	for i, a := range d.Actions {
		if a.Spec == nil {
			return fmt.Errorf("action %d: type is required", i)
		}
		if err := a.Spec.Validate(); err != nil {
			return fmt.Errorf("action %d (%s): %w", i, a.Spec.Type(), err)
		}
	}
	return nil
}

type StatusChangeTrigger struct {
	FromValue  string            `json:"fromValue,omitempty"`
	ToValue    string            `json:"toValue,omitempty"`
	AnyChange  bool              `json:"anyChange,omitempty"`
	EntityType domain.EntityType `json:"entityType,omitempty"`
}

func (StatusChangeTrigger) Type() TriggerType { return StatusChange }
func (s StatusChangeTrigger) Validate() error {
	if s.FromValue != "" && !domain.Status(s.FromValue).Valid() {
		return fmt.Errorf("unknown fromValue %q", s.FromValue)
	}
	if s.ToValue != "" && !domain.Status(s.ToValue).Valid() {
		return fmt.Errorf("unknown toValue %q", s.ToValue)
	}
	return nil
}
func (s StatusChangeTrigger) Match(req domain.FireRequest) bool {
	if s.EntityType != "" && s.EntityType != req.EntityType {
		return false
	}
	return matchValues(s.AnyChange, s.FromValue, s.ToValue, req)
}

type FieldChangeTrigger struct {
	FieldName string `json:"fieldName"`
	FromValue string `json:"fromValue,omitempty"`
	ToValue   string `json:"toValue,omitempty"`
	AnyChange bool   `json:"anyChange,omitempty"`
}

func (FieldChangeTrigger) Type() TriggerType { return FieldChange }
func (f FieldChangeTrigger) Validate() error {
	if f.FieldName == "" {
		return errors.New("fieldName is required")
	}
	return nil
}
func (f FieldChangeTrigger) Match(req domain.FireRequest) bool {
	if req.FieldName != f.FieldName {
		return false
	}
	return matchValues(f.AnyChange, f.FromValue, f.ToValue, req)
}

func matchValues(anyChange bool, from, to string, req domain.FireRequest) bool {
	if anyChange {
		return true
	}
	if from != "" && from != req.OldValue {
		return false
	}
	if to != "" && to != req.NewValue {
		return false
	}
	return true
}

type DueDateApproachingTrigger struct {
	DaysBeforeDue int `json:"daysBeforeDue"`
}

func (DueDateApproachingTrigger) Type() TriggerType { return DueDateApproaching }
func (d DueDateApproachingTrigger) Validate() error {
	if d.DaysBeforeDue < 0 {
		return errors.New("daysBeforeDue must not be negative")
	}
	return nil
}
func (d DueDateApproachingTrigger) Match(req domain.FireRequest) bool {
	n, ok := metaInt(req, "daysUntilDue")
	return ok && n == d.DaysBeforeDue
}

type OverdueTrigger struct {
	GracePeriodDays int `json:"gracePeriodDays,omitempty"`
	// RepeatEveryDays re-fires while the assignment stays overdue. Zero fires once.
	RepeatEveryDays int `json:"repeatEveryDays,omitempty"`
}

func (OverdueTrigger) Type() TriggerType { return Overdue }
func (o OverdueTrigger) Validate() error {
	if o.GracePeriodDays < 0 || o.RepeatEveryDays < 0 {
		return errors.New("gracePeriodDays and repeatEveryDays must not be negative")
	}
	return nil
}
func (o OverdueTrigger) Match(req domain.FireRequest) bool {
	n, ok := metaInt(req, "daysOverdue")
	return ok && n > 0 && n > o.GracePeriodDays
}

type TaskDependencyTrigger struct {
	DependencyType domain.DependencyType `json:"dependencyType,omitempty"`
}

func (TaskDependencyTrigger) Type() TriggerType { return TaskDependency }
func (t TaskDependencyTrigger) Validate() error {
	if t.DependencyType != "" && !t.DependencyType.Valid() {
		return fmt.Errorf("unknown dependencyType %q", t.DependencyType)
	}
	return nil
}
func (t TaskDependencyTrigger) Match(req domain.FireRequest) bool {
	if t.DependencyType == "" {
		return true
	}
	return metaString(req, "dependencyType") == string(t.DependencyType)
}

type AllTasksCompleteTrigger struct {
	EntityType domain.EntityType `json:"entityType,omitempty"`
}

func (AllTasksCompleteTrigger) Type() TriggerType { return AllTasksComplete }
func (a AllTasksCompleteTrigger) Validate() error {
	switch a.EntityType {
	case "", domain.EntityStage, domain.EntityStep:
		return nil
	}
	return fmt.Errorf("entityType must be stage or step, got %q", a.EntityType)
}
func (a AllTasksCompleteTrigger) Match(req domain.FireRequest) bool {
	return a.EntityType == "" || a.EntityType == req.EntityType
}

type TemplateInstantiatedTrigger struct {
	TemplateID string `json:"templateId,omitempty"`
}

func (TemplateInstantiatedTrigger) Type() TriggerType { return TemplateInstantiated }
func (TemplateInstantiatedTrigger) Validate() error   { return nil }
func (t TemplateInstantiatedTrigger) Match(req domain.FireRequest) bool {
	return t.TemplateID == "" || metaString(req, "workflowId") == t.TemplateID
}

type ClientContactAddedTrigger struct {
	ContactRole string `json:"contactRole,omitempty"`
}

func (ClientContactAddedTrigger) Type() TriggerType { return ClientContactAdded }
func (ClientContactAddedTrigger) Validate() error   { return nil }
func (c ClientContactAddedTrigger) Match(req domain.FireRequest) bool {
	return c.ContactRole == "" || strings.EqualFold(metaString(req, "contactRole"), c.ContactRole)
}

type BudgetThresholdTrigger struct {
	ThresholdPercentage float64 `json:"thresholdPercentage,omitempty"`
}

func (BudgetThresholdTrigger) Type() TriggerType { return BudgetThreshold }
func (b BudgetThresholdTrigger) Validate() error {
	if b.ThresholdPercentage < 0 {
		return errors.New("thresholdPercentage must not be negative")
	}
	return nil
}
func (b BudgetThresholdTrigger) Match(req domain.FireRequest) bool {
	pct, ok := metaFloat(req, "percentage")
	return ok && pct >= b.ThresholdPercentage
}

type TeamCapacityTrigger struct {
	MaxActiveTasks int `json:"maxActiveTasks"`
}

func (TeamCapacityTrigger) Type() TriggerType { return TeamCapacity }
func (t TeamCapacityTrigger) Validate() error {
	if t.MaxActiveTasks <= 0 {
		return errors.New("maxActiveTasks must be positive")
	}
	return nil
}
func (t TeamCapacityTrigger) Match(req domain.FireRequest) bool {
	n, ok := metaInt(req, "activeTasks")
	return ok && n > t.MaxActiveTasks
}

type TimeThresholdTrigger struct {
	InactivityHours int               `json:"inactivityHours"`
	Statuses        []domain.Status   `json:"statuses,omitempty"`
	EntityType      domain.EntityType `json:"entityType,omitempty"`
}

func (TimeThresholdTrigger) Type() TriggerType { return TimeThreshold }
func (t TimeThresholdTrigger) Validate() error {
	if t.InactivityHours <= 0 {
		return errors.New("inactivityHours must be positive")
	}
	switch t.EntityType {
	case "", domain.EntityTask, domain.EntityAssignment:
	default:
		return fmt.Errorf("entityType must be task or assignment, got %q", t.EntityType)
	}
	return nil
}

// Target is the entity kind scanned for inactivity.
func (t TimeThresholdTrigger) Target() domain.EntityType {
	if t.EntityType == "" {
		return domain.EntityTask
	}
	return t.EntityType
}

// WatchList is the set of statuses considered inactive when stale.
func (t TimeThresholdTrigger) WatchList() []domain.Status {
	if len(t.Statuses) == 0 {
		return []domain.Status{domain.StatusNotStarted, domain.StatusInProgress}
	}
	return t.Statuses
}

func (t TimeThresholdTrigger) Match(req domain.FireRequest) bool {
	if req.EntityType != t.Target() {
		return false
	}
	hours, ok := metaFloat(req, "inactiveHours")
	return ok && hours >= float64(t.InactivityHours)
}

type FiscalDeadlineTrigger struct {
	Month      int `json:"month"`
	Day        int `json:"day"`
	DaysBefore int `json:"daysBefore"`
}

func (FiscalDeadlineTrigger) Type() TriggerType { return FiscalDeadline }
func (f FiscalDeadlineTrigger) Validate() error {
	if f.Month < 1 || f.Month > 12 || f.Day < 1 || f.Day > 31 {
		return errors.New("month and day must form a calendar date")
	}
	if f.DaysBefore < 0 {
		return errors.New("daysBefore must not be negative")
	}
	return nil
}

// NextDeadline is the first occurrence of the deadline on or after today.
func (f FiscalDeadlineTrigger) NextDeadline(today time.Time) time.Time {
	today = domain.StartOfDay(today)
	d := time.Date(today.Year(), time.Month(f.Month), f.Day, 0, 0, 0, 0, today.Location())
	if d.Before(today) {
		d = d.AddDate(1, 0, 0)
	}
	return d
}

func (f FiscalDeadlineTrigger) Match(req domain.FireRequest) bool {
	n, ok := metaInt(req, "daysUntilDeadline")
	return ok && n == f.DaysBefore
}

type ConditionalSectionTrigger struct {
	FieldName string `json:"fieldName"`
	Equals    any    `json:"equals,omitempty"`
}

func (ConditionalSectionTrigger) Type() TriggerType { return ConditionalSection }
func (c ConditionalSectionTrigger) Validate() error {
	if c.FieldName == "" {
		return errors.New("fieldName is required")
	}
	return nil
}
func (c ConditionalSectionTrigger) Match(req domain.FireRequest) bool {
	if req.FieldName != c.FieldName {
		return false
	}
	return c.Equals == nil || fmt.Sprint(c.Equals) == req.NewValue
}

type RelativeDateTrigger struct {
	// Field is one of due_date, created_at or started_at on the assignment.
	Field      string `json:"field"`
	OffsetDays int    `json:"offsetDays"`
}

func (RelativeDateTrigger) Type() TriggerType { return RelativeDate }
func (r RelativeDateTrigger) Validate() error {
	switch r.Field {
	case "due_date", "created_at", "started_at":
		return nil
	}
	return fmt.Errorf("unknown field %q", r.Field)
}
func (r RelativeDateTrigger) Match(req domain.FireRequest) bool {
	n, ok := metaInt(req, "offsetDays")
	return ok && n == r.OffsetDays && metaString(req, "field") == r.Field
}

type IntegrationEventTrigger struct {
	Source    string `json:"source,omitempty"`
	EventName string `json:"eventName,omitempty"`
}

func (IntegrationEventTrigger) Type() TriggerType { return IntegrationEvent }
func (IntegrationEventTrigger) Validate() error   { return nil }
func (i IntegrationEventTrigger) Match(req domain.FireRequest) bool {
	if i.Source != "" && metaString(req, "source") != i.Source {
		return false
	}
	return i.EventName == "" || metaString(req, "eventName") == i.EventName
}

type EmailTrigger struct {
	FromContains    string `json:"fromContains,omitempty"`
	SubjectContains string `json:"subjectContains,omitempty"`
}

func (EmailTrigger) Type() TriggerType { return Email }
func (EmailTrigger) Validate() error   { return nil }
func (e EmailTrigger) Match(req domain.FireRequest) bool {
	if e.FromContains != "" && !containsFold(metaString(req, "from"), e.FromContains) {
		return false
	}
	return e.SubjectContains == "" || containsFold(metaString(req, "subject"), e.SubjectContains)
}

type FormTrigger struct {
	FormID string `json:"formId,omitempty"`
}

func (FormTrigger) Type() TriggerType { return Form }
func (FormTrigger) Validate() error   { return nil }
func (f FormTrigger) Match(req domain.FireRequest) bool {
	return f.FormID == "" || metaString(req, "formId") == f.FormID
}

type WebhookTrigger struct {
	Key string `json:"key"`
}

func (WebhookTrigger) Type() TriggerType { return Webhook }
func (w WebhookTrigger) Validate() error {
	if w.Key == "" {
		return errors.New("key is required")
	}
	return nil
}
func (w WebhookTrigger) Match(req domain.FireRequest) bool {
	return metaString(req, "key") == w.Key
}

type ScheduleTrigger struct {
	Cron string `json:"cron"`
}

func (ScheduleTrigger) Type() TriggerType { return Schedule }
func (s ScheduleTrigger) Validate() error {
	_, err := s.Parse()
	return err
}

// Parse parses the standard five-field cron expression.
func (s ScheduleTrigger) Parse() (cron.Schedule, error) {
	if s.Cron == "" {
		return nil, errors.New("cron is required")
	}
	sched, err := cron.ParseStandard(s.Cron)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", s.Cron, err)
	}
	return sched, nil
}

func (ScheduleTrigger) Match(domain.FireRequest) bool { return true }

type ManualTrigger struct{}

func (ManualTrigger) Type() TriggerType             { return Manual }
func (ManualTrigger) Validate() error               { return nil }
func (ManualTrigger) Match(domain.FireRequest) bool { return true }

type CompletionTrigger struct{}

func (CompletionTrigger) Type() TriggerType             { return Completion }
func (CompletionTrigger) Validate() error               { return nil }
func (CompletionTrigger) Match(domain.FireRequest) bool { return true }

func metaString(req domain.FireRequest, key string) string {
	v := req.Meta(key)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func metaFloat(req domain.FireRequest, key string) (float64, bool) {
	switch n := req.Meta(key).(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func metaInt(req domain.FireRequest, key string) (int, bool) {
	f, ok := metaFloat(req, key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
