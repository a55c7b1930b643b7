package conditions

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot() Snapshot {
	return Snapshot{
		"client": map[string]any{
			"name":  "Acme LLC",
			"tags":  []string{"vip", "quarterly"},
			"email": "owner@acme.test",
		},
		"assignment": map[string]any{
			"priority": "high",
			"fields":   map[string]any{"revenue": 125000.0, "filing_type": "1120S"},
			"due_date": "2024-04-15",
		},
		"task": map[string]any{
			"status":   "in_progress",
			"estimate": 3,
		},
	}
}

func TestOperators(t *testing.T) {
	ev := NewEvaluator()
	snap := snapshot()
	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals string", Condition{Field: "assignment.priority", Operator: Equals, Value: "high"}, true},
		{"equals number across types", Condition{Field: "task.estimate", Operator: Equals, Value: 3.0}, true},
		{"not equals", Condition{Field: "task.status", Operator: NotEquals, Value: "completed"}, true},
		{"contains slice", Condition{Field: "client.tags", Operator: Contains, Value: "vip"}, true},
		{"contains substring", Condition{Field: "client.name", Operator: Contains, Value: "Acme"}, true},
		{"contains miss", Condition{Field: "client.tags", Operator: Contains, Value: "annual"}, false},
		{"greater than", Condition{Field: "assignment.fields.revenue", Operator: GreaterThan, Value: 100000}, true},
		{"less than", Condition{Field: "assignment.fields.revenue", Operator: LessThan, Value: 100000}, false},
		{"date less than", Condition{Field: "assignment.due_date", Operator: LessThan, Value: "2024-05-01"}, true},
		{"in", Condition{Field: "assignment.fields.filing_type", Operator: In, Value: []any{"1040", "1120S"}}, true},
		{"in with slice field", Condition{Field: "client.tags", Operator: In, Value: []any{"quarterly"}}, true},
		{"not in", Condition{Field: "task.status", Operator: NotIn, Value: []any{"completed", "blocked"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ev.Evaluate([]Condition{tc.cond}, snap))
		})
	}
}

func TestMissingFieldFailsClosed(t *testing.T) {
	ev := NewEvaluator()
	snap := snapshot()
	for _, op := range []Operator{Equals, NotEquals, Contains, GreaterThan, LessThan, In, NotIn} {
		cond := Condition{Field: "client.missing.deeper", Operator: op, Value: []any{"x"}}
		ok, err := ev.Check([]Condition{cond}, snap)
		require.NoError(t, err, op)
		assert.False(t, ok, op)
	}
}

func TestConditionsAreANDed(t *testing.T) {
	ev := NewEvaluator()
	conds := []Condition{
		{Field: "assignment.priority", Operator: Equals, Value: "high"},
		{Field: "client.tags", Operator: Contains, Value: "annual"},
	}
	assert.False(t, ev.Evaluate(conds, snapshot()))
	assert.True(t, ev.Evaluate(conds[:1], snapshot()))
	assert.True(t, ev.Evaluate(nil, snapshot()))
}

func TestUnknownOperatorIsEvaluationError(t *testing.T) {
	ev := NewEvaluator()
	ok, err := ev.Check([]Condition{{Field: "task.status", Operator: "matches", Value: "x"}}, snapshot())
	assert.False(t, ok)
	var evalErr *ConditionEvaluationError
	require.True(t, errors.As(err, &evalErr))
	assert.False(t, ev.Evaluate([]Condition{{Field: "task.status", Operator: "matches"}}, snapshot()))
}

func TestExpressionConditions(t *testing.T) {
	ev := NewEvaluator()
	snap := snapshot()
	assert.True(t, ev.Evaluate([]Condition{{Expression: `assignment.priority == "high" && "vip" in client.tags`}}, snap))
	assert.False(t, ev.Evaluate([]Condition{{Expression: `assignment.fields.revenue < 1000`}}, snap))
	// Cached program reused against a different snapshot shape.
	assert.False(t, ev.Evaluate([]Condition{{Expression: `assignment.priority == "high" && "vip" in client.tags`}}, Snapshot{}))

	_, err := ev.Check([]Condition{{Expression: `assignment.priority ==`}}, snap)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	ev := NewEvaluator()
	assert.NoError(t, ev.Validate([]Condition{{Field: "a", Operator: Equals}}))
	assert.Error(t, ev.Validate([]Condition{{Operator: Equals}}))
	assert.Error(t, ev.Validate([]Condition{{Field: "a", Operator: "like"}}))
}

func TestEvaluateIsDeterministic(t *testing.T) {
	ev := NewEvaluator()
	conds := []Condition{{Field: "client.tags", Operator: Contains, Value: "vip"}}
	snap := snapshot()
	first := ev.Evaluate(conds, snap)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ev.Evaluate(conds, snap))
	}
}
