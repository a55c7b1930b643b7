package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDaysBetweenCountsCalendarDays(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	a := time.Date(2024, 3, 9, 23, 30, 0, 0, ny)
	b := time.Date(2024, 3, 10, 0, 15, 0, 0, ny)
	assert.Equal(t, 1, DaysBetween(a, b))
	assert.Equal(t, -1, DaysBetween(b, a))
	// Spans the DST change without losing a day.
	assert.Equal(t, 7, DaysBetween(time.Date(2024, 3, 5, 12, 0, 0, 0, ny), time.Date(2024, 3, 12, 1, 0, 0, 0, ny)))
	assert.Equal(t, 0, DaysBetween(a, a.Add(10*time.Minute)))
}

func TestProgressRollsUp(t *testing.T) {
	done := Task{Node: Node{Status: StatusCompleted}}
	open := Task{Node: Node{Status: StatusInProgress}}
	half := Step{Tasks: []Task{done, open}}
	full := Step{Tasks: []Task{done}}
	empty := Step{}

	assert.InDelta(t, 0.5, StepProgress(half), 1e-9)
	assert.InDelta(t, 0, StepProgress(empty), 1e-9)
	assert.InDelta(t, 1, StepProgress(Step{Node: Node{Status: StatusCompleted}}), 1e-9)

	stage := Stage{Steps: []Step{half, full}}
	assert.InDelta(t, 0.75, StageProgress(stage), 1e-9)
	assert.InDelta(t, 0.375, AssignmentProgress([]Stage{stage, {}}), 1e-9)
	assert.Zero(t, AssignmentProgress(nil))
}

func TestStatusFromOutcomes(t *testing.T) {
	ok := ActionOutcome{Success: true}
	bad := ActionOutcome{}
	skip := ActionOutcome{Skipped: true}
	assert.Equal(t, ExecutionSuccess, StatusFromOutcomes(nil))
	assert.Equal(t, ExecutionSuccess, StatusFromOutcomes([]ActionOutcome{ok, skip}))
	assert.Equal(t, ExecutionFailed, StatusFromOutcomes([]ActionOutcome{bad, skip}))
	assert.Equal(t, ExecutionPartial, StatusFromOutcomes([]ActionOutcome{ok, bad}))
}

func TestDependencyTypeSemantics(t *testing.T) {
	assert.True(t, FinishToStart.GatesStart())
	assert.True(t, StartToStart.GatesStart())
	assert.False(t, FinishToFinish.GatesStart())
	assert.True(t, FinishToFinish.SatisfiedByFinish())
	assert.False(t, StartToFinish.SatisfiedByFinish())
	assert.False(t, DependencyType("lag").Valid())
}

func TestSpendPercentage(t *testing.T) {
	assert.InDelta(t, 80, BudgetThreshold{BudgetAmount: 1000, CurrentSpend: 800}.SpendPercentage(), 1e-9)
	assert.Zero(t, BudgetThreshold{CurrentSpend: 10}.SpendPercentage())
}
