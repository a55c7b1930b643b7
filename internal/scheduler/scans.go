package scheduler

import (
	"context"
	"fmt"
	"time"

	"practiceflow/internal/automation"
	"practiceflow/internal/domain"
)

type emitFunc func(candidate) error

type enumerator func(ctx context.Context, s *Scheduler, emit emitFunc) error

var enumerators = map[Kind]enumerator{
	DueDate:       scanDueDates,
	Overdue:       scanOverdue,
	TimeThreshold: scanInactivity,
	RelativeDate:  scanRelativeDates,
	Fiscal:        scanFiscalDeadlines,
	Schedule:      scanSchedules,
	Eligibility:   scanEligibility,
}

// onDay reads a date-only value as that calendar day in loc.
func onDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func fire(t automation.Trigger, kind domain.EntityType, id string) domain.FireRequest {
	return domain.FireRequest{
		Type:       string(t.Type()),
		EntityType: kind,
		EntityID:   id,
		OrgID:      t.OrgID,
		TriggerID:  t.ID,
	}
}

// eachTrigger walks the enabled triggers of typ across organizations.
func eachTrigger(ctx context.Context, s *Scheduler, typ automation.TriggerType, fn func(automation.Trigger) error) error {
	triggers, err := s.Engine.Repo.EnabledTriggersOfType(ctx, typ)
	if err != nil {
		return fmt.Errorf("list %s triggers: %w", typ, err)
	}
	for _, t := range triggers {
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

func scanDueDates(ctx context.Context, s *Scheduler, emit emitFunc) error {
	today := s.Engine.Today()
	return eachTrigger(ctx, s, automation.DueDateApproaching, func(t automation.Trigger) error {
		spec, ok := t.Definition.Spec.(automation.DueDateApproachingTrigger)
		if !ok {
			return nil
		}
		day := today.AddDate(0, 0, spec.DaysBeforeDue)
		due, err := s.Engine.Repo.AssignmentsDueOn(ctx, t.OrgID, t.WorkflowID, day, s.batch())
		if err != nil {
			return fmt.Errorf("assignments due %s: %w", domain.DateKey(day), err)
		}
		for _, a := range due {
			req := fire(t, domain.EntityAssignment, a.ID)
			req.FieldName = "due_date"
			req.NewValue = domain.DateKey(day)
			req.ScheduledFor = domain.DateKey(today)
			req.Metadata = map[string]any{"daysUntilDue": spec.DaysBeforeDue, "dueDate": domain.DateKey(day)}
			if err := emit(candidate{req: req}); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanOverdue(ctx context.Context, s *Scheduler, emit emitFunc) error {
	today := s.Engine.Today()
	return eachTrigger(ctx, s, automation.Overdue, func(t automation.Trigger) error {
		late, err := s.Engine.Repo.AssignmentsOverdue(ctx, t.OrgID, t.WorkflowID, today, s.batch())
		if err != nil {
			return fmt.Errorf("overdue assignments: %w", err)
		}
		for _, a := range late {
			if a.DueDate == nil {
				continue
			}
			due := onDay(*a.DueDate, today.Location())
			req := fire(t, domain.EntityAssignment, a.ID)
			req.FieldName = "due_date"
			req.NewValue = domain.DateKey(due)
			req.ScheduledFor = domain.DateKey(today)
			req.Metadata = map[string]any{"daysOverdue": domain.DaysBetween(due, today), "dueDate": domain.DateKey(due)}
			if err := emit(candidate{req: req}); err != nil {
				return err
			}
		}
		return nil
	})
}

// scanInactivity fires time_threshold once per updated_at stamp: the stamp
// is the fire's new value and the dedupe key.
func scanInactivity(ctx context.Context, s *Scheduler, emit emitFunc) error {
	now := s.Engine.Clock()
	return eachTrigger(ctx, s, automation.TimeThreshold, func(t automation.Trigger) error {
		spec, ok := t.Definition.Spec.(automation.TimeThresholdTrigger)
		if !ok {
			return nil
		}
		cutoff := now.Add(-time.Duration(spec.InactivityHours) * time.Hour)
		type stale struct {
			id      string
			status  domain.Status
			updated time.Time
		}
		var found []stale
		switch spec.Target() {
		case domain.EntityAssignment:
			items, err := s.Engine.Repo.StaleAssignments(ctx, t.OrgID, t.WorkflowID, cutoff, spec.WatchList(), s.batch())
			if err != nil {
				return fmt.Errorf("stale assignments: %w", err)
			}
			for _, a := range items {
				found = append(found, stale{a.ID, a.Status, a.UpdatedAt})
			}
		default:
			items, err := s.Engine.Repo.StaleTasks(ctx, t.OrgID, t.WorkflowID, cutoff, spec.WatchList(), s.batch())
			if err != nil {
				return fmt.Errorf("stale tasks: %w", err)
			}
			for _, tk := range items {
				found = append(found, stale{tk.ID, tk.Status, tk.UpdatedAt})
			}
		}
		for _, f := range found {
			req := fire(t, spec.Target(), f.id)
			req.FieldName = "updated_at"
			req.NewValue = f.updated.UTC().Format(time.RFC3339Nano)
			req.Metadata = map[string]any{"inactiveHours": now.Sub(f.updated).Hours(), "status": string(f.status)}
			if err := emit(candidate{req: req}); err != nil {
				return err
			}
		}
		return nil
	})
}

func relativeBase(a domain.Assignment, field string, loc *time.Location) (time.Time, bool) {
	switch field {
	case "due_date":
		if a.DueDate != nil {
			return onDay(*a.DueDate, loc), true
		}
	case "created_at":
		return domain.StartOfDay(a.CreatedAt.In(loc)), true
	case "started_at":
		if a.StartedAt != nil {
			return domain.StartOfDay(a.StartedAt.In(loc)), true
		}
	}
	return time.Time{}, false
}

// scanRelativeDates fires on the day that is offsetDays after the field's
// date. Negative offsets fire before it.
func scanRelativeDates(ctx context.Context, s *Scheduler, emit emitFunc) error {
	today := s.Engine.Today()
	return eachTrigger(ctx, s, automation.RelativeDate, func(t automation.Trigger) error {
		spec, ok := t.Definition.Spec.(automation.RelativeDateTrigger)
		if !ok {
			return nil
		}
		active, err := s.Engine.Repo.ActiveAssignments(ctx, t.OrgID, t.WorkflowID, s.batch())
		if err != nil {
			return fmt.Errorf("active assignments: %w", err)
		}
		for _, a := range active {
			base, ok := relativeBase(a, spec.Field, today.Location())
			if !ok || domain.DaysBetween(base, today) != spec.OffsetDays {
				continue
			}
			req := fire(t, domain.EntityAssignment, a.ID)
			req.FieldName = spec.Field
			req.NewValue = domain.DateKey(base)
			req.ScheduledFor = domain.DateKey(today)
			req.Metadata = map[string]any{"offsetDays": spec.OffsetDays, "field": spec.Field}
			if err := emit(candidate{req: req}); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanFiscalDeadlines(ctx context.Context, s *Scheduler, emit emitFunc) error {
	today := s.Engine.Today()
	return eachTrigger(ctx, s, automation.FiscalDeadline, func(t automation.Trigger) error {
		spec, ok := t.Definition.Spec.(automation.FiscalDeadlineTrigger)
		if !ok {
			return nil
		}
		deadline := spec.NextDeadline(today)
		days := domain.DaysBetween(today, deadline)
		if days != spec.DaysBefore {
			return nil
		}
		active, err := s.Engine.Repo.ActiveAssignments(ctx, t.OrgID, t.WorkflowID, s.batch())
		if err != nil {
			return fmt.Errorf("active assignments: %w", err)
		}
		for _, a := range active {
			req := fire(t, domain.EntityAssignment, a.ID)
			req.ScheduledFor = domain.DateKey(today)
			req.Metadata = map[string]any{"daysUntilDeadline": days, "deadline": domain.DateKey(deadline)}
			if err := emit(candidate{req: req}); err != nil {
				return err
			}
		}
		return nil
	})
}

// scheduleLookback bounds how far back the latest missed slot is searched.
const scheduleLookback = 7 * 24 * time.Hour

// lastSlot is the latest activation of sched at or before now, searched from
// the later of from and now minus the lookback. Earlier missed slots are not
// replayed.
func lastSlot(next func(time.Time) time.Time, from, now time.Time) (time.Time, bool) {
	if floor := now.Add(-scheduleLookback); from.Before(floor) {
		from = floor
	}
	var last time.Time
	found := false
	for t := next(from.Add(-time.Nanosecond)); !t.IsZero() && !t.After(now); t = next(t) {
		last, found = t, true
	}
	return last, found
}

func scanSchedules(ctx context.Context, s *Scheduler, emit emitFunc) error {
	now := s.Engine.Clock().In(s.Engine.Location())
	return eachTrigger(ctx, s, automation.Schedule, func(t automation.Trigger) error {
		spec, ok := t.Definition.Spec.(automation.ScheduleTrigger)
		if !ok {
			return nil
		}
		sched, err := spec.Parse()
		if err != nil {
			s.Logger.Warn("skipping schedule trigger", "org", t.OrgID, "trigger_id", t.ID, "err", err)
			return nil
		}
		slot, ok := lastSlot(sched.Next, t.CreatedAt.In(now.Location()), now)
		if !ok {
			return nil
		}
		key := slot.Format(time.RFC3339)
		active, err := s.Engine.Repo.ActiveAssignments(ctx, t.OrgID, t.WorkflowID, s.batch())
		if err != nil {
			return fmt.Errorf("active assignments: %w", err)
		}
		for _, a := range active {
			req := fire(t, domain.EntityAssignment, a.ID)
			req.ScheduledFor = key
			req.Metadata = map[string]any{"slot": key, "cron": spec.Cron}
			if err := emit(candidate{req: req}); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanEligibility(ctx context.Context, s *Scheduler, emit emitFunc) error {
	now := s.Engine.Clock()
	orgs, err := s.Engine.Repo.OrgsWithEligibleTasks(ctx, now)
	if err != nil {
		return fmt.Errorf("orgs with eligible tasks: %w", err)
	}
	for _, org := range orgs {
		tasks, err := s.Engine.Repo.TasksEligibleBy(ctx, org, now, s.batch())
		if err != nil {
			return fmt.Errorf("eligible tasks of %s: %w", org, err)
		}
		for _, t := range tasks {
			req := domain.FireRequest{Type: string(automation.TaskDependency), EntityType: domain.EntityTask, EntityID: t.ID, OrgID: org}
			if err := emit(candidate{req: req, start: true}); err != nil {
				return err
			}
		}
	}
	return nil
}
