// Package conditions evaluates trigger and action conditions against an
// entity snapshot. Evaluation is pure: the same snapshot always yields the
// same answer, and a field that cannot be resolved makes its condition false.
package conditions

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

type Operator string

const (
	Equals      Operator = "equals"
	NotEquals   Operator = "not_equals"
	Contains    Operator = "contains"
	GreaterThan Operator = "greater_than"
	LessThan    Operator = "less_than"
	In          Operator = "in"
	NotIn       Operator = "not_in"
)

// Condition compares one snapshot field against a value. When Expression is
// set the condition is an expr-lang boolean expression instead and the other
// fields are ignored.
type Condition struct {
	Field      string   `json:"field,omitempty" yaml:"field,omitempty"`
	Operator   Operator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value      any      `json:"value,omitempty" yaml:"value,omitempty"`
	Expression string   `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Snapshot is the read-only view of entity state a condition is tested against.
type Snapshot map[string]any

// ConditionEvaluationError reports a malformed condition. Callers treat it as
// a non-match.
type ConditionEvaluationError struct {
	Condition Condition
	Err       error
}

func (e *ConditionEvaluationError) Error() string {
	if e.Condition.Expression != "" {
		return fmt.Sprintf("evaluate expression %q: %v", e.Condition.Expression, e.Err)
	}
	return fmt.Sprintf("evaluate %s %s: %v", e.Condition.Field, e.Condition.Operator, e.Err)
}

func (e *ConditionEvaluationError) Unwrap() error { return e.Err }

// Evaluator is safe for concurrent use. It only caches compiled expressions.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate AND-combines conds. Malformed conditions count as false.
func (e *Evaluator) Evaluate(conds []Condition, snap Snapshot) bool {
	ok, err := e.Check(conds, snap)
	return ok && err == nil
}

// Check is Evaluate with the first evaluation error reported.
func (e *Evaluator) Check(conds []Condition, snap Snapshot) (bool, error) {
	for _, c := range conds {
		ok, err := e.one(c, snap)
		if err != nil {
			return false, &ConditionEvaluationError{Condition: c, Err: err}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Validate reports the first condition that can never be evaluated.
func (e *Evaluator) Validate(conds []Condition) error {
	for _, c := range conds {
		if c.Expression != "" {
			if _, err := e.program(c.Expression); err != nil {
				return &ConditionEvaluationError{Condition: c, Err: err}
			}
			continue
		}
		if c.Field == "" {
			return &ConditionEvaluationError{Condition: c, Err: fmt.Errorf("field is required")}
		}
		if !c.Operator.valid() {
			return &ConditionEvaluationError{Condition: c, Err: fmt.Errorf("unknown operator")}
		}
	}
	return nil
}

func (op Operator) valid() bool {
	switch op {
	case Equals, NotEquals, Contains, GreaterThan, LessThan, In, NotIn:
		return true
	}
	return false
}

func (e *Evaluator) one(c Condition, snap Snapshot) (bool, error) {
	if c.Expression != "" {
		return e.expression(c.Expression, snap)
	}
	if !c.Operator.valid() {
		return false, fmt.Errorf("unknown operator")
	}
	field, ok := Lookup(snap, c.Field)
	if !ok || field == nil {
		return false, nil
	}
	switch c.Operator {
	case Equals:
		return equal(field, c.Value), nil
	case NotEquals:
		return !equal(field, c.Value), nil
	case Contains:
		return contains(field, c.Value), nil
	case GreaterThan:
		cmp, ok := compare(field, c.Value)
		return ok && cmp > 0, nil
	case LessThan:
		cmp, ok := compare(field, c.Value)
		return ok && cmp < 0, nil
	case In:
		list, ok := asList(c.Value)
		if !ok {
			return false, fmt.Errorf("in requires a list value")
		}
		return anyMatch(field, list), nil
	case NotIn:
		list, ok := asList(c.Value)
		if !ok {
			return false, fmt.Errorf("not_in requires a list value")
		}
		return !anyMatch(field, list), nil
	}
	return false, nil
}

func (e *Evaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

func (e *Evaluator) expression(expression string, snap Snapshot) (result bool, err error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}
	defer func() {
		if r := recover(); r != nil {
			result, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	out, err := expr.Run(program, map[string]any(snap))
	if err != nil {
		// Runtime errors come from paths missing in the snapshot: no match.
		return false, nil
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not evaluate to a boolean, got %T", out)
	}
	return b, nil
}

// Lookup resolves a dotted path through nested maps.
func Lookup(snap Snapshot, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = map[string]any(snap)
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case Snapshot:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := toBool(b); ok {
			return ab == bb
		}
		return false
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
		return as == fmt.Sprint(b)
	}
	if _, ok := asList(a); ok {
		return reflect.DeepEqual(a, b)
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func contains(field, value any) bool {
	if list, ok := asList(field); ok {
		for _, item := range list {
			if equal(item, value) {
				return true
			}
		}
		return false
	}
	s, ok := field.(string)
	if !ok {
		return false
	}
	return strings.Contains(s, fmt.Sprint(value))
}

func anyMatch(field any, list []any) bool {
	if items, ok := asList(field); ok {
		for _, item := range items {
			for _, v := range list {
				if equal(item, v) {
					return true
				}
			}
		}
		return false
	}
	for _, v := range list {
		if equal(field, v) {
			return true
		}
	}
	return false
}

// compare orders numbers numerically and RFC3339 strings chronologically.
func compare(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	at, ok := toTime(a)
	if !ok {
		return 0, false
	}
	bt, ok := toTime(b)
	if !ok {
		return 0, false
	}
	return at.Compare(bt), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
