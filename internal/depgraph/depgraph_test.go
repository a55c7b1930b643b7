package depgraph

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"practiceflow/internal/domain"
)

type memStore struct {
	edges []domain.TaskDependency
}

func (m *memStore) ListDependencies(_ context.Context, orgID, assignmentID, workflowID string) ([]domain.TaskDependency, error) {
	var out []domain.TaskDependency
	for _, e := range m.edges {
		if e.OrgID == orgID && e.AssignmentID == assignmentID && e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) InsertDependency(_ context.Context, dep domain.TaskDependency) error {
	m.edges = append(m.edges, dep)
	return nil
}

func (m *memStore) SatisfyDependencies(_ context.Context, orgID, prerequisiteID string, types []domain.DependencyType, at time.Time) ([]domain.TaskDependency, error) {
	var out []domain.TaskDependency
	for i, e := range m.edges {
		if e.OrgID != orgID || e.DependsOnTaskID != prerequisiteID || e.IsSatisfied {
			continue
		}
		for _, t := range types {
			if e.Type == t {
				ts := at
				m.edges[i].IsSatisfied = true
				m.edges[i].SatisfiedAt = &ts
				out = append(out, m.edges[i])
			}
		}
	}
	return out, nil
}

func (m *memStore) DependenciesOf(_ context.Context, orgID, taskID string) ([]domain.TaskDependency, error) {
	var out []domain.TaskDependency
	for _, e := range m.edges {
		if e.OrgID == orgID && e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func fixedResolver(t time.Time) Resolver {
	return Resolver{Now: func() time.Time { return t }}
}

func edge(task, on string) domain.TaskDependency {
	return domain.TaskDependency{OrgID: "org", AssignmentID: "a1", TaskID: task, DependsOnTaskID: on, Type: domain.FinishToStart, IsBlocking: true}
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	r := fixedResolver(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	_, err := r.AddDependency(ctx, store, edge("b", "a"))
	require.NoError(t, err)
	_, err = r.AddDependency(ctx, store, edge("c", "b"))
	require.NoError(t, err)

	_, err = r.AddDependency(ctx, store, edge("a", "c"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycle))
	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "c", "b", "a"}, cycle.Path)
	assert.Len(t, store.edges, 2, "rejected edge must not be persisted")

	_, err = r.AddDependency(ctx, store, edge("a", "a"))
	assert.ErrorIs(t, err, ErrSelfDependency)
}

func TestAddDependencyIsIdempotentPerPair(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	r := fixedResolver(time.Now())
	first, err := r.AddDependency(ctx, store, edge("b", "a"))
	require.NoError(t, err)
	second, err := r.AddDependency(ctx, store, edge("b", "a"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.edges, 1)
}

func TestCycleScopeIsPerAssignment(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	r := fixedResolver(time.Now())
	_, err := r.AddDependency(ctx, store, edge("b", "a"))
	require.NoError(t, err)
	other := edge("a", "b")
	other.AssignmentID = "a2"
	_, err = r.AddDependency(ctx, store, other)
	assert.NoError(t, err)
}

// Random insertion sequences never leave a cycle behind.
func TestGraphStaysAcyclic(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		store := &memStore{}
		r := fixedResolver(time.Now())
		for i := 0; i < 40; i++ {
			a := fmt.Sprintf("t%d", rng.Intn(8))
			b := fmt.Sprintf("t%d", rng.Intn(8))
			before := len(store.edges)
			_, err := r.AddDependency(ctx, store, edge(a, b))
			if err != nil {
				assert.Equal(t, before, len(store.edges))
			}
		}
		assert.True(t, acyclic(store.edges), "round %d", round)
	}
}

func acyclic(edges []domain.TaskDependency) bool {
	indeg := map[string]int{}
	adj := map[string][]string{}
	for _, e := range edges {
		adj[e.DependsOnTaskID] = append(adj[e.DependsOnTaskID], e.TaskID)
		indeg[e.TaskID]++
		if _, ok := indeg[e.DependsOnTaskID]; !ok {
			indeg[e.DependsOnTaskID] = 0
		}
	}
	var queue []string
	for n, d := range indeg {
		if d == 0 {
			queue = append(queue, n)
		}
	}
	seen := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		seen++
		for _, m := range adj[n] {
			indeg[m]--
			if indeg[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	return seen == len(indeg)
}

func TestOnTaskCompletedAppliesLag(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	completedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r := fixedResolver(completedAt)
	dep := edge("b", "a")
	dep.LagDays = 2
	_, err := r.AddDependency(ctx, store, dep)
	require.NoError(t, err)

	elig, err := r.OnTaskCompleted(ctx, store, "org", "a")
	require.NoError(t, err)
	require.Len(t, elig, 1)
	assert.Equal(t, "b", elig[0].TaskID)
	assert.Equal(t, completedAt.AddDate(0, 0, 2), elig[0].EligibleAt)
}

func TestEligibilityWaitsForAllBlockingEdges(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	r := fixedResolver(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	_, err := r.AddDependency(ctx, store, edge("c", "a"))
	require.NoError(t, err)
	_, err = r.AddDependency(ctx, store, edge("c", "b"))
	require.NoError(t, err)
	info := edge("c", "x")
	info.IsBlocking = false
	_, err = r.AddDependency(ctx, store, info)
	require.NoError(t, err)

	elig, err := r.OnTaskCompleted(ctx, store, "org", "a")
	require.NoError(t, err)
	assert.Empty(t, elig)

	elig, err = r.OnTaskCompleted(ctx, store, "org", "b")
	require.NoError(t, err)
	require.Len(t, elig, 1)
	assert.Equal(t, "c", elig[0].TaskID)

	// Completing a prerequisite twice satisfies nothing new.
	elig, err = r.OnTaskCompleted(ctx, store, "org", "b")
	require.NoError(t, err)
	assert.Empty(t, elig)
}

func TestStartToStartAndCompletionGating(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	r := fixedResolver(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	ss := edge("b", "a")
	ss.Type = domain.StartToStart
	_, err := r.AddDependency(ctx, store, ss)
	require.NoError(t, err)
	ff := edge("c", "a")
	ff.Type = domain.FinishToFinish
	_, err = r.AddDependency(ctx, store, ff)
	require.NoError(t, err)

	elig, err := r.OnTaskStarted(ctx, store, "org", "a")
	require.NoError(t, err)
	require.Len(t, elig, 1)
	assert.Equal(t, domain.StartToStart, elig[0].DependencyType)

	deps, _ := store.DependenciesOf(ctx, "org", "c")
	assert.True(t, CompletionBlocked(deps))
	assert.False(t, StartBlocked(deps))

	elig, err = r.OnTaskCompleted(ctx, store, "org", "a")
	require.NoError(t, err)
	assert.Empty(t, elig, "finish_to_finish never gates start")
	deps, _ = store.DependenciesOf(ctx, "org", "c")
	assert.False(t, CompletionBlocked(deps))
}
