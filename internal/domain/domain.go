package domain

import "time"

type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted, StatusBlocked:
		return true
	}
	return false
}

type EntityType string

const (
	EntityTask       EntityType = "task"
	EntityStep       EntityType = "step"
	EntityStage      EntityType = "stage"
	EntityAssignment EntityType = "assignment"
	EntityWorkflow   EntityType = "workflow"
	EntityClient     EntityType = "client"
)

const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

type Client struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ClientContact struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	ClientID  string    `json:"client_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Workflow is a template. Its tree is cloned into every Assignment.
type Workflow struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Stages      []Stage   `json:"stages,omitempty"`
}

// Node holds the fields shared by stages, steps and tasks.
type Node struct {
	ID           string     `json:"id"`
	OrgID        string     `json:"org_id"`
	AssignmentID string     `json:"assignment_id,omitempty"`
	SourceID     string     `json:"source_id,omitempty"`
	Position     int        `json:"position"`
	Name         string     `json:"name"`
	AutoProgress bool       `json:"auto_progress"`
	Status       Status     `json:"status" enum:"not_started,in_progress,completed,blocked"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type Stage struct {
	Node
	WorkflowID string `json:"workflow_id"`
	Steps      []Step `json:"steps,omitempty"`
}

type Step struct {
	Node
	StageID string `json:"stage_id"`
	Tasks   []Task `json:"tasks,omitempty"`
}

type Task struct {
	Node
	StepID      string         `json:"step_id"`
	Description string         `json:"description,omitempty"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	Priority    string         `json:"priority"`
	DueDate     *time.Time     `json:"due_date,omitempty"`
	Tags        []string       `json:"tags"`
	Fields      map[string]any `json:"fields"`
	EligibleAt  *time.Time     `json:"eligible_at,omitempty"`
}

type Assignment struct {
	ID          string         `json:"id"`
	OrgID       string         `json:"org_id"`
	WorkflowID  string         `json:"workflow_id"`
	ClientID    string         `json:"client_id,omitempty"`
	Name        string         `json:"name"`
	DueDate     *time.Time     `json:"due_date,omitempty"`
	Priority    string         `json:"priority"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	Status      Status         `json:"status" enum:"not_started,in_progress,completed,blocked"`
	Tags        []string       `json:"tags"`
	Fields      map[string]any `json:"fields"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Progress    float64        `json:"progress"`
	Stages      []Stage        `json:"stages,omitempty"`
}

type DependencyType string

const (
	FinishToStart  DependencyType = "finish_to_start"
	StartToStart   DependencyType = "start_to_start"
	FinishToFinish DependencyType = "finish_to_finish"
	StartToFinish  DependencyType = "start_to_finish"
)

func (t DependencyType) Valid() bool {
	switch t {
	case FinishToStart, StartToStart, FinishToFinish, StartToFinish:
		return true
	}
	return false
}

// GatesStart reports whether the edge holds back the dependent's start.
// The other two types hold back its completion.
func (t DependencyType) GatesStart() bool {
	return t == FinishToStart || t == StartToStart
}

// SatisfiedByFinish reports whether the prerequisite finishing satisfies the edge.
func (t DependencyType) SatisfiedByFinish() bool {
	return t == FinishToStart || t == FinishToFinish
}

type TaskDependency struct {
	ID              string         `json:"id"`
	OrgID           string         `json:"org_id"`
	AssignmentID    string         `json:"assignment_id,omitempty"`
	WorkflowID      string         `json:"workflow_id,omitempty"`
	TaskID          string         `json:"task_id"`
	DependsOnTaskID string         `json:"depends_on_task_id"`
	Type            DependencyType `json:"type" enum:"finish_to_start,start_to_start,finish_to_finish,start_to_finish"`
	LagDays         int            `json:"lag_days"`
	IsBlocking      bool           `json:"is_blocking"`
	IsSatisfied     bool           `json:"is_satisfied"`
	SatisfiedAt     *time.Time     `json:"satisfied_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionPartial ExecutionStatus = "partial"
)

// ActionOutcome is one entry of TriggerEvent.ActionsExecuted.
type ActionOutcome struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TriggerEvent is the append-only audit row written once per matched trigger.
type TriggerEvent struct {
	Seq             int64           `json:"seq"`
	ID              string          `json:"id"`
	OrgID           string          `json:"org_id"`
	WorkflowID      string          `json:"workflow_id,omitempty"`
	AssignmentID    string          `json:"assignment_id,omitempty"`
	TriggerID       string          `json:"trigger_id,omitempty"`
	TriggerType     string          `json:"trigger_type"`
	TriggerConfig   string          `json:"trigger_config,omitempty"`
	EntityType      EntityType      `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	FieldName       string          `json:"field_name,omitempty"`
	OldValue        string          `json:"old_value,omitempty"`
	NewValue        string          `json:"new_value,omitempty"`
	ScheduledFor    string          `json:"scheduled_for,omitempty"`
	FiredAt         time.Time       `json:"fired_at"`
	ActionsExecuted []ActionOutcome `json:"actions_executed"`
	ExecutionStatus ExecutionStatus `json:"execution_status" enum:"success,failed,partial"`
	ExecutionError  string          `json:"execution_error,omitempty"`
	ChainID         string          `json:"chain_id,omitempty"`
	Depth           int             `json:"depth"`
}

// StatusFromOutcomes derives the execution status of one fire. Skipped
// actions count neither way.
func StatusFromOutcomes(outcomes []ActionOutcome) ExecutionStatus {
	ok, failed := 0, 0
	for _, o := range outcomes {
		switch {
		case o.Skipped:
		case o.Success:
			ok++
		default:
			failed++
		}
	}
	switch {
	case failed == 0:
		return ExecutionSuccess
	case ok == 0:
		return ExecutionFailed
	default:
		return ExecutionPartial
	}
}

type Notification struct {
	ID        string         `json:"id"`
	OrgID     string         `json:"org_id"`
	UserID    string         `json:"user_id"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Type      string         `json:"type"`
	Metadata  map[string]any `json:"metadata"`
	ReadAt    *time.Time     `json:"read_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type SentEmail struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	MessageID string    `json:"message_id"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	TriggerID string    `json:"trigger_id,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

type BudgetThreshold struct {
	ID                  string     `json:"id"`
	OrgID               string     `json:"org_id"`
	ProjectID           string     `json:"project_id"`
	ThresholdPercentage float64    `json:"threshold_percentage"`
	BudgetAmount        float64    `json:"budget_amount"`
	CurrentSpend        float64    `json:"current_spend"`
	IsTriggered         bool       `json:"is_triggered"`
	TriggeredAt         *time.Time `json:"triggered_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// SpendPercentage is current spend as a percentage of the budget.
func (b BudgetThreshold) SpendPercentage() float64 {
	if b.BudgetAmount <= 0 {
		return 0
	}
	return b.CurrentSpend / b.BudgetAmount * 100
}
