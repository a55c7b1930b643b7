// Package depgraph resolves task dependency edges: it keeps the graph of one
// assignment acyclic and decides when dependents become eligible to start.
//
// Every Resolver method runs against a Store bound to the caller's
// transaction. Marking edges satisfied and reading the dependents back happen
// in that same transaction, so two completions racing on a shared dependent
// see each other's writes.
package depgraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"practiceflow/internal/domain"
)

var (
	ErrCycle             = errors.New("dependency cycle")
	ErrSelfDependency    = errors.New("task cannot depend on itself")
	ErrCrossAssignment   = errors.New("dependency must stay within one assignment")
	ErrCompletionBlocked = errors.New("task completion is blocked by a dependency")
)

// CycleError is returned when an edge would close a cycle. Path lists the
// task ids of the cycle starting and ending at TaskID.
type CycleError struct {
	TaskID          string
	DependsOnTaskID string
	Path            []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle: %s", e.TaskID, e.DependsOnTaskID, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCycle }

// Store is the persistence the resolver needs. Implementations must be bound
// to a single transaction for the duration of one resolver call.
type Store interface {
	// ListDependencies returns every edge in the assignment, or in the
	// template when assignmentID is empty.
	ListDependencies(ctx context.Context, orgID, assignmentID, workflowID string) ([]domain.TaskDependency, error)
	InsertDependency(ctx context.Context, dep domain.TaskDependency) error
	// SatisfyDependencies marks unsatisfied edges on prerequisiteID of the
	// given types satisfied at `at`, returning the edges it changed.
	SatisfyDependencies(ctx context.Context, orgID, prerequisiteID string, types []domain.DependencyType, at time.Time) ([]domain.TaskDependency, error)
	// DependenciesOf returns the edges where taskID is the dependent.
	DependenciesOf(ctx context.Context, orgID, taskID string) ([]domain.TaskDependency, error)
}

type Resolver struct {
	Now func() time.Time
}

func New() Resolver {
	return Resolver{Now: func() time.Time { return time.Now().UTC() }}
}

func (r Resolver) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now()
}

// Eligibility says a dependent's start-gating edges are all satisfied and it
// may start at EligibleAt.
type Eligibility struct {
	TaskID         string
	EligibleAt     time.Time
	DependencyType domain.DependencyType
	Prerequisite   string
}

// AddDependency validates and inserts dep. The caller fills AssignmentID and
// WorkflowID from the two tasks; both tasks must share them. An existing edge
// between the same pair is returned unchanged.
func (r Resolver) AddDependency(ctx context.Context, store Store, dep domain.TaskDependency) (domain.TaskDependency, error) {
	if dep.TaskID == "" || dep.DependsOnTaskID == "" {
		return domain.TaskDependency{}, errors.New("task and prerequisite are required")
	}
	if dep.TaskID == dep.DependsOnTaskID {
		return domain.TaskDependency{}, ErrSelfDependency
	}
	if dep.Type == "" {
		dep.Type = domain.FinishToStart
	}
	if !dep.Type.Valid() {
		return domain.TaskDependency{}, fmt.Errorf("unknown dependency type %q", dep.Type)
	}
	if dep.LagDays < 0 {
		return domain.TaskDependency{}, errors.New("lag days must not be negative")
	}
	edges, err := store.ListDependencies(ctx, dep.OrgID, dep.AssignmentID, dep.WorkflowID)
	if err != nil {
		return domain.TaskDependency{}, fmt.Errorf("list dependencies: %w", err)
	}
	for _, e := range edges {
		if e.TaskID == dep.TaskID && e.DependsOnTaskID == dep.DependsOnTaskID {
			return e, nil
		}
	}
	if path := DetectCycle(edges, dep.TaskID, dep.DependsOnTaskID); path != nil {
		return domain.TaskDependency{}, &CycleError{TaskID: dep.TaskID, DependsOnTaskID: dep.DependsOnTaskID, Path: path}
	}
	if dep.ID == "" {
		dep.ID = uuid.NewString()
	}
	dep.IsSatisfied = false
	dep.SatisfiedAt = nil
	dep.CreatedAt = r.now()
	if err := store.InsertDependency(ctx, dep); err != nil {
		return domain.TaskDependency{}, fmt.Errorf("insert dependency: %w", err)
	}
	return dep, nil
}

// DetectCycle reports the cycle that adding taskID -> dependsOnTaskID would
// close, or nil. It walks from the prerequisite along "depends on" edges
// looking for the dependent.
func DetectCycle(edges []domain.TaskDependency, taskID, dependsOnTaskID string) []string {
	if taskID == dependsOnTaskID {
		return []string{taskID, taskID}
	}
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.TaskID] = append(adj[e.TaskID], e.DependsOnTaskID)
	}
	visited := make(map[string]bool)
	var path []string
	var dfs func(node string) bool
	dfs = func(node string) bool {
		if node == taskID {
			path = append(path, node)
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		path = append(path, node)
		for _, next := range adj[node] {
			if dfs(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if !dfs(dependsOnTaskID) {
		return nil
	}
	return append([]string{taskID}, path...)
}

// OnTaskCompleted satisfies the finish-side edges of taskID and returns the
// dependents whose start is no longer gated.
func (r Resolver) OnTaskCompleted(ctx context.Context, store Store, orgID, taskID string) ([]Eligibility, error) {
	return r.satisfy(ctx, store, orgID, taskID, []domain.DependencyType{domain.FinishToStart, domain.FinishToFinish})
}

// OnTaskStarted is OnTaskCompleted for start-side edges.
func (r Resolver) OnTaskStarted(ctx context.Context, store Store, orgID, taskID string) ([]Eligibility, error) {
	return r.satisfy(ctx, store, orgID, taskID, []domain.DependencyType{domain.StartToStart, domain.StartToFinish})
}

func (r Resolver) satisfy(ctx context.Context, store Store, orgID, taskID string, types []domain.DependencyType) ([]Eligibility, error) {
	changed, err := store.SatisfyDependencies(ctx, orgID, taskID, types, r.now())
	if err != nil {
		return nil, fmt.Errorf("satisfy dependencies: %w", err)
	}
	seen := make(map[string]bool)
	var out []Eligibility
	for _, edge := range changed {
		// Only a blocking start-gating edge can release a dependent's start.
		if !edge.IsBlocking || !edge.Type.GatesStart() || seen[edge.TaskID] {
			continue
		}
		seen[edge.TaskID] = true
		deps, err := store.DependenciesOf(ctx, orgID, edge.TaskID)
		if err != nil {
			return nil, fmt.Errorf("dependencies of %s: %w", edge.TaskID, err)
		}
		at, ok := StartEligibility(deps)
		if !ok {
			continue
		}
		out = append(out, Eligibility{TaskID: edge.TaskID, EligibleAt: at, DependencyType: edge.Type, Prerequisite: taskID})
	}
	return out, nil
}

// StartEligibility computes max(satisfiedAt + lagDays) over the blocking
// start-gating edges. ok is false while any of them is unsatisfied or when
// there are none.
func StartEligibility(deps []domain.TaskDependency) (time.Time, bool) {
	var at time.Time
	gated := false
	for _, d := range deps {
		if !d.IsBlocking || !d.Type.GatesStart() {
			continue
		}
		gated = true
		if !d.IsSatisfied || d.SatisfiedAt == nil {
			return time.Time{}, false
		}
		t := d.SatisfiedAt.AddDate(0, 0, d.LagDays)
		if t.After(at) {
			at = t
		}
	}
	return at, gated
}

// StartBlocked reports whether a blocking start-gating edge is still unsatisfied.
func StartBlocked(deps []domain.TaskDependency) bool {
	for _, d := range deps {
		if d.IsBlocking && d.Type.GatesStart() && !d.IsSatisfied {
			return true
		}
	}
	return false
}

// CompletionBlocked reports whether a blocking finish-gating edge is still unsatisfied.
func CompletionBlocked(deps []domain.TaskDependency) bool {
	for _, d := range deps {
		if d.IsBlocking && !d.Type.GatesStart() && !d.IsSatisfied {
			return true
		}
	}
	return false
}
