package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"practiceflow/internal/automation"
	"practiceflow/internal/config"
	"practiceflow/internal/db"
	"practiceflow/internal/domain"
	"practiceflow/internal/engine"
	"practiceflow/internal/eventlog"
	"practiceflow/internal/lock"
	"practiceflow/internal/migrate"
	"practiceflow/internal/scheduler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	ctx    context.Context
	clock  *clock
	engine *engine.Engine
	locker *lock.Local
	sched  *scheduler.Scheduler
}

func newEnv(t *testing.T) env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	cfg := config.Default()
	cfg.Scheduler.Workers = 2
	eng := engine.New(conn, cfg, engine.WithClock(clk.Now))
	locker := lock.NewLocal(clk.Now)
	e := env{ctx: context.Background(), clock: clk, engine: eng, locker: locker, sched: scheduler.New(eng, locker, nil)}

	_, err = eng.CreateClient(e.ctx, domain.Client{ID: "client-1", OrgID: "org-1", Name: "Acme"})
	require.NoError(t, err)
	_, err = eng.CreateWorkflow(e.ctx, engine.WorkflowSpec{
		ID: "wf-1", OrgID: "org-1", Name: "Bookkeeping",
		Stages: []engine.StageSpec{{ID: "s1", Name: "Monthly", Steps: []engine.StepSpec{{ID: "p1", Name: "Close", Tasks: []engine.TaskSpec{
			{ID: "t-a", Name: "Reconcile"}, {ID: "t-b", Name: "Report"},
		}}}}},
		Dependencies: []engine.DependencySpec{{TaskID: "t-b", DependsOnTaskID: "t-a", LagDays: 2}},
	})
	require.NoError(t, err)
	return e
}

func (e env) assignment(t *testing.T, id string, due *time.Time) domain.Assignment {
	t.Helper()
	a, err := e.engine.Instantiate(e.ctx, engine.InstantiateOptions{ID: id, OrgID: "org-1", WorkflowID: "wf-1", ClientID: "client-1", DueDate: due, AssignedTo: "u-lead"})
	require.NoError(t, err)
	return a
}

func (e env) trigger(t *testing.T, spec automation.TriggerSpec) automation.Trigger {
	t.Helper()
	trg, err := e.engine.CreateTrigger(e.ctx, automation.Trigger{
		OrgID: "org-1", WorkflowID: "wf-1",
		Definition: automation.Definition{
			Spec:    spec,
			Actions: []automation.Action{{Spec: automation.SendNotificationAction{UserID: "u-ops", Title: "{{.event.type}}"}}},
		},
	})
	require.NoError(t, err)
	return trg
}

func (e env) fires(t *testing.T, trg automation.Trigger) []domain.TriggerEvent {
	t.Helper()
	evts, err := e.engine.Log.List(e.ctx, eventlog.Filter{OrgID: "org-1", TriggerID: trg.ID})
	require.NoError(t, err)
	return evts
}

func (e env) runOnce(t *testing.T) scheduler.Report {
	t.Helper()
	rep := e.sched.RunOnce(e.ctx)
	require.NoError(t, rep.Err())
	return rep
}

func taskBySource(t *testing.T, a domain.Assignment, source string) domain.Task {
	t.Helper()
	for _, st := range a.Stages {
		for _, sp := range st.Steps {
			for _, tk := range sp.Tasks {
				if tk.SourceID == source {
					return tk
				}
			}
		}
	}
	t.Fatalf("no clone of %s", source)
	return domain.Task{}
}

func TestDueDateApproachingFiresOncePerDay(t *testing.T) {
	e := newEnv(t)
	due := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	e.assignment(t, "asg-1", &due)
	trg := e.trigger(t, automation.DueDateApproachingTrigger{DaysBeforeDue: 3})

	rep := e.runOnce(t)
	scan, ok := rep.Scan(scheduler.DueDate)
	require.True(t, ok)
	assert.Equal(t, 1, scan.Candidates)
	require.Len(t, e.fires(t, trg), 1)
	evt := e.fires(t, trg)[0]
	assert.Equal(t, domain.ExecutionSuccess, evt.ExecutionStatus)
	assert.Equal(t, "2024-03-01", evt.ScheduledFor)
	assert.Equal(t, "asg-1", evt.EntityID)

	e.runOnce(t)
	assert.Len(t, e.fires(t, trg), 1, "second run on the same day must not fire again")

	e.clock.Advance(24 * time.Hour)
	e.runOnce(t)
	assert.Len(t, e.fires(t, trg), 1, "two days out no longer matches daysBeforeDue 3")
}

func TestOverdueGraceAndRepeat(t *testing.T) {
	e := newEnv(t)
	due := time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC)
	e.assignment(t, "asg-1", &due)
	trg := e.trigger(t, automation.OverdueTrigger{GracePeriodDays: 2, RepeatEveryDays: 2})

	e.runOnce(t)
	assert.Empty(t, e.fires(t, trg), "one day overdue is inside the grace period")

	e.clock.Advance(48 * time.Hour)
	e.runOnce(t)
	require.Len(t, e.fires(t, trg), 1)

	e.clock.Advance(24 * time.Hour)
	e.runOnce(t)
	assert.Len(t, e.fires(t, trg), 1, "repeat interval not reached")

	e.clock.Advance(24 * time.Hour)
	e.runOnce(t)
	assert.Len(t, e.fires(t, trg), 2)
}

func TestOverdueWithoutRepeatFiresOnce(t *testing.T) {
	e := newEnv(t)
	due := time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)
	e.assignment(t, "asg-1", &due)
	trg := e.trigger(t, automation.OverdueTrigger{})

	for range 3 {
		e.runOnce(t)
		e.clock.Advance(24 * time.Hour)
	}
	assert.Len(t, e.fires(t, trg), 1)
}

func TestTimeThresholdFiresOncePerUpdate(t *testing.T) {
	e := newEnv(t)
	a := e.assignment(t, "asg-1", nil)
	trg := e.trigger(t, automation.TimeThresholdTrigger{
		InactivityHours: 24,
		Statuses:        []domain.Status{domain.StatusNotStarted, domain.StatusBlocked},
	})

	e.clock.Advance(23 * time.Hour)
	e.runOnce(t)
	assert.Empty(t, e.fires(t, trg))

	e.clock.Advance(2 * time.Hour)
	e.runOnce(t)
	e.runOnce(t)
	assert.Len(t, e.fires(t, trg), 2, "each stale task fires once")

	reconcile := taskBySource(t, a, "t-a")
	require.NoError(t, e.engine.SetPriority(e.ctx, "org-1", domain.EntityTask, reconcile.ID, domain.PriorityHigh))
	e.clock.Advance(25 * time.Hour)
	e.runOnce(t)
	evts := e.fires(t, trg)
	require.Len(t, evts, 3, "only the updated task fires again")
	assert.Equal(t, reconcile.ID, evts[2].EntityID)
}

func TestScheduleFiresOncePerSlot(t *testing.T) {
	e := newEnv(t)
	e.assignment(t, "asg-1", nil)
	e.assignment(t, "asg-2", nil)
	trg := e.trigger(t, automation.ScheduleTrigger{Cron: "0 9 * * *"})

	e.clock.Advance(time.Minute)
	e.runOnce(t)
	require.Len(t, e.fires(t, trg), 2)
	assert.Equal(t, "2024-03-01T09:00:00Z", e.fires(t, trg)[0].ScheduledFor)

	e.clock.Advance(time.Hour)
	e.runOnce(t)
	assert.Len(t, e.fires(t, trg), 2)

	e.clock.Advance(24 * time.Hour)
	e.runOnce(t)
	assert.Len(t, e.fires(t, trg), 4)
}

func TestRelativeDateAndFiscalDeadline(t *testing.T) {
	e := newEnv(t)
	due := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	e.assignment(t, "asg-1", &due)
	rel := e.trigger(t, automation.RelativeDateTrigger{Field: "due_date", OffsetDays: -7})
	fiscal := e.trigger(t, automation.FiscalDeadlineTrigger{Month: 4, Day: 15, DaysBefore: 43})

	e.runOnce(t)
	assert.Empty(t, e.fires(t, rel))
	assert.Empty(t, e.fires(t, fiscal))

	// 2024-03-03 is seven days before the due date and 43 days before April 15.
	e.clock.Advance(48 * time.Hour)
	e.runOnce(t)
	e.runOnce(t)
	assert.Len(t, e.fires(t, rel), 1)
	assert.Len(t, e.fires(t, fiscal), 1)
}

func TestEligibilityScanStartsDelayedDependents(t *testing.T) {
	e := newEnv(t)
	a := e.assignment(t, "asg-1", nil)
	first, second := taskBySource(t, a, "t-a"), taskBySource(t, a, "t-b")
	_, err := e.engine.CompleteTask(e.ctx, "org-1", first.ID)
	require.NoError(t, err)

	e.clock.Advance(47 * time.Hour)
	rep := e.runOnce(t)
	scan, _ := rep.Scan(scheduler.Eligibility)
	assert.Equal(t, 0, scan.Started)

	e.clock.Advance(time.Hour)
	rep = e.runOnce(t)
	scan, _ = rep.Scan(scheduler.Eligibility)
	assert.Equal(t, 1, scan.Started)
	got, err := e.engine.Repo.GetTask(e.ctx, "org-1", second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)

	rep = e.runOnce(t)
	scan, _ = rep.Scan(scheduler.Eligibility)
	assert.Equal(t, 0, scan.Candidates)
}

func TestScanSkipsWhenLeaseHeld(t *testing.T) {
	e := newEnv(t)
	due := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	e.assignment(t, "asg-1", &due)
	trg := e.trigger(t, automation.DueDateApproachingTrigger{DaysBeforeDue: 3})

	lease, err := e.locker.Acquire(e.ctx, string(scheduler.DueDate), time.Minute)
	require.NoError(t, err)
	scan, err := e.sched.Scan(e.ctx, scheduler.DueDate)
	require.NoError(t, err)
	assert.True(t, scan.Skipped)
	assert.Empty(t, e.fires(t, trg))

	require.NoError(t, lease.Release(e.ctx))
	scan, err = e.sched.Scan(e.ctx, scheduler.DueDate)
	require.NoError(t, err)
	assert.False(t, scan.Skipped)
	assert.Len(t, e.fires(t, trg), 1)
}

func TestScanErrorsAreReportedPerKind(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.engine.DB.Close())

	rep := e.sched.RunOnce(e.ctx)
	require.Len(t, rep.Errors, len(scheduler.Kinds), "every kind still runs")
	var scanErr *scheduler.ScheduleScanError
	require.True(t, errors.As(rep.Errors[0], &scanErr))
	assert.Equal(t, scheduler.Kinds[0], scanErr.Kind)

	_, err := e.sched.Scan(e.ctx, scheduler.Kind("bogus"))
	assert.True(t, errors.As(err, &scanErr))
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.sched.Start(e.ctx))
	assert.Error(t, e.sched.Start(e.ctx))
	e.sched.Stop()
	e.sched.Stop()
}
