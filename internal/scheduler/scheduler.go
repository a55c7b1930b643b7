// Package scheduler synthesizes the time-based fire requests: due dates,
// overdue assignments, inactivity, date offsets, fiscal deadlines, cron
// schedules and delayed dependency starts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"practiceflow/internal/config"
	"practiceflow/internal/domain"
	"practiceflow/internal/engine"
	"practiceflow/internal/lock"
)

// Kind names one scan.
type Kind string

const (
	DueDate       Kind = "due_date_approaching"
	Overdue       Kind = "overdue"
	TimeThreshold Kind = "time_threshold"
	RelativeDate  Kind = "relative_date"
	Fiscal        Kind = "fiscal_deadline"
	Schedule      Kind = "schedule"
	Eligibility   Kind = "eligibility"
)

// Kinds lists every scan in the order RunOnce runs them.
var Kinds = []Kind{Eligibility, DueDate, Overdue, TimeThreshold, RelativeDate, Fiscal, Schedule}

// ScheduleScanError reports a failure enumerating the candidates of one scan.
type ScheduleScanError struct {
	Kind Kind
	Err  error
}

func (e *ScheduleScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Kind, e.Err)
}

func (e *ScheduleScanError) Unwrap() error { return e.Err }

// ScanReport summarizes one scan.
type ScanReport struct {
	Kind       Kind `json:"kind"`
	Candidates int  `json:"candidates"`
	Events     int  `json:"events"`
	Started    int  `json:"started"`
	Failures   int  `json:"failures"`
	// Skipped is set when another holder owned the scan lease.
	Skipped bool `json:"skipped,omitempty"`
}

// Report summarizes a RunOnce pass.
type Report struct {
	Scans  []ScanReport `json:"scans"`
	Errors []error      `json:"-"`
}

// Err joins the scan errors of the pass.
func (r Report) Err() error { return errors.Join(r.Errors...) }

// Scan returns the report of one kind.
func (r Report) Scan(kind Kind) (ScanReport, bool) {
	for _, s := range r.Scans {
		if s.Kind == kind {
			return s, true
		}
	}
	return ScanReport{}, false
}

// candidate is one unit of dispatch work.
type candidate struct {
	req domain.FireRequest
	// start asks for an auto-start of req.EntityID instead of a fire.
	start bool
}

// Scheduler enumerates candidates and hands them to a bounded worker pool.
type Scheduler struct {
	Engine *engine.Engine
	Config config.SchedulerConfig
	Locker lock.Locker
	Logger *slog.Logger

	limiter *rate.Limiter

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// New builds a scheduler over eng using eng's scheduler config.
func New(eng *engine.Engine, locker lock.Locker, logger *slog.Logger) *Scheduler {
	cfg := config.Default().Scheduler
	if eng.Config != nil {
		cfg = eng.Config.Scheduler
	}
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = lock.NewLocal(eng.Clock)
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Scheduler{
		Engine:  eng,
		Config:  cfg,
		Locker:  locker,
		Logger:  logger,
		limiter: rate.NewLimiter(limit, max(1, cfg.Workers)),
	}
}

// RunOnce runs every scan kind once. A failing kind does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	var rep Report
	for _, k := range Kinds {
		sr, err := s.Scan(ctx, k)
		rep.Scans = append(rep.Scans, sr)
		if err != nil {
			rep.Errors = append(rep.Errors, err)
		}
	}
	return rep
}

// Scan runs one kind under its lease. The error is a *ScheduleScanError;
// dispatch failures of single candidates are only counted.
func (s *Scheduler) Scan(ctx context.Context, kind Kind) (ScanReport, error) {
	rep := ScanReport{Kind: kind}
	enumerate, ok := enumerators[kind]
	if !ok {
		return rep, &ScheduleScanError{Kind: kind, Err: errors.New("unknown scan kind")}
	}
	lease, err := s.Locker.Acquire(ctx, string(kind), s.leaseTTL())
	if errors.Is(err, lock.ErrHeld) {
		rep.Skipped = true
		return rep, nil
	}
	if err != nil {
		return rep, &ScheduleScanError{Kind: kind, Err: err}
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.Logger.Warn("release scan lease failed", "kind", kind, "err", err)
		}
	}()

	if s.Config.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Config.ScanTimeout)
		defer cancel()
	}

	var (
		mu   sync.Mutex
		jobs = make(chan candidate, max(1, s.Config.QueueSize))
	)
	workers := max(1, s.Config.Workers)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers + 1)
	g.Go(func() error {
		defer close(jobs)
		return enumerate(gctx, s, func(c candidate) error {
			select {
			case jobs <- c:
				mu.Lock()
				rep.Candidates++
				mu.Unlock()
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})
	for range workers {
		g.Go(func() error {
			for c := range jobs {
				if err := s.limiter.Wait(gctx); err != nil {
					continue
				}
				events, started, err := s.dispatch(gctx, c)
				mu.Lock()
				rep.Events += events
				if started {
					rep.Started++
				}
				if err != nil {
					rep.Failures++
				}
				mu.Unlock()
				if err != nil {
					s.Logger.Warn("scheduled dispatch failed", "kind", kind, "org", c.req.OrgID, "trigger_id", c.req.TriggerID, "entity_id", c.req.EntityID, "err", err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		serr := &ScheduleScanError{Kind: kind, Err: err}
		s.Logger.Error("scan failed", "kind", kind, "err", err)
		return rep, serr
	}
	s.Logger.Debug("scan done", "kind", kind, "candidates", rep.Candidates, "events", rep.Events, "started", rep.Started)
	return rep, nil
}

func (s *Scheduler) dispatch(ctx context.Context, c candidate) (events int, started bool, err error) {
	if c.start {
		started, err = s.Engine.StartEligibleTask(ctx, c.req.OrgID, c.req.EntityID)
		return 0, started, err
	}
	evts, err := s.Engine.FireTrigger(ctx, c.req)
	return len(evts), false, err
}

func (s *Scheduler) leaseTTL() time.Duration {
	if s.Config.Lock.TTL > 0 {
		return s.Config.Lock.TTL
	}
	return 10 * time.Minute
}

func (s *Scheduler) batch() int {
	return s.Config.BatchSize
}

// Start registers the scans on their cadences and returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithLocation(s.Engine.Location()),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	cadences := []struct {
		spec  string
		kinds []Kind
	}{
		{s.Config.Daily, []Kind{DueDate, Overdue, RelativeDate, Fiscal}},
		{s.Config.Hourly, []Kind{TimeThreshold}},
		{s.Config.Frequent, []Kind{Schedule, Eligibility}},
	}
	for _, cd := range cadences {
		kinds := cd.kinds
		if _, err := c.AddFunc(cd.spec, func() { s.runKinds(ctx, kinds) }); err != nil {
			cancel()
			return fmt.Errorf("schedule %q: %w", cd.spec, err)
		}
	}
	c.Start()
	s.cron, s.cancel = c, cancel
	s.Logger.Info("scheduler started", "daily", s.Config.Daily, "hourly", s.Config.Hourly, "frequent", s.Config.Frequent)
	return nil
}

// Stop cancels running scans and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
}

func (s *Scheduler) runKinds(ctx context.Context, kinds []Kind) {
	for _, k := range kinds {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Scan(ctx, k); err != nil {
			s.Logger.Error("scheduled scan failed", "kind", k, "err", err)
		}
	}
}
