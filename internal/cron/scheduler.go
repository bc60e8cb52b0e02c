// Package cron runs the daemon's maintenance jobs (stale-task sweep, lease
// requeue, retention) on cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/panics"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 1m" or "@daily".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one maintenance routine and its schedule.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Jobs     []Job
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 second if zero
	Now      func() time.Time
}

type entry struct {
	job      Job
	schedule cronlib.Schedule
	next     time.Time
	runs     int
	lastErr  error
}

// Scheduler ticks at a fixed interval and fires every job whose next run time
// has passed. Jobs run one at a time on the scheduler goroutine.
type Scheduler struct {
	mu       sync.Mutex
	entries  []*entry
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler parses every job's schedule. A bad spec fails construction.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		logger:   logger.With("component", "cron"),
		interval: interval,
		now:      now,
	}
	start := now()
	for _, job := range cfg.Jobs {
		if job.Run == nil {
			return nil, fmt.Errorf("cron job %q has no body", job.Name)
		}
		sched, err := cronParser.Parse(job.Spec)
		if err != nil {
			return nil, fmt.Errorf("cron job %q: parse %q: %w", job.Name, job.Spec, err)
		}
		s.entries = append(s.entries, &entry{job: job, schedule: sched, next: sched.Next(start)})
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every due job once and schedules its next run from now, so a
// slow job never queues up missed runs.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !now.Before(e.next) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, e, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	begin := time.Now()
	var catcher panics.Catcher
	var err error
	catcher.Try(func() { err = e.job.Run(ctx) })
	if rerr := catcher.Recovered().AsError(); rerr != nil {
		err = rerr
	}

	s.mu.Lock()
	e.runs++
	e.lastErr = err
	e.next = e.schedule.Next(now)
	next := e.next
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron: job failed", "job", e.job.Name, "error", err, "next_run_at", next)
		return
	}
	s.logger.Debug("cron: job fired", "job", e.job.Name, "duration", time.Since(begin), "next_run_at", next)
}

// JobStatus is a point-in-time view of one job for health output.
type JobStatus struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Runs      int       `json:"runs"`
	NextRunAt time.Time `json:"next_run_at"`
	LastError string    `json:"last_error,omitempty"`
}

func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := JobStatus{Name: e.job.Name, Spec: e.job.Spec, Runs: e.runs, NextRunAt: e.next}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
