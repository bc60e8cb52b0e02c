package cron_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-studio/internal/cron"
	"github.com/basket/go-studio/internal/escrow"
	"github.com/basket/go-studio/internal/persistence"
	"github.com/basket/go-studio/internal/watchdog"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func TestScheduler_FiresWhenDue(t *testing.T) {
	c := newClock()
	var runs atomic.Int32
	sched, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{{Name: "sweep", Spec: "@every 1m", Run: func(context.Context) error {
			runs.Add(1)
			return nil
		}}},
		Interval: 10 * time.Millisecond,
		Now:      c.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	// Not due yet: asserting a negative needs a brief wait.
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("job fired early: %d runs", runs.Load())
	}

	c.Advance(61 * time.Second)
	waitFor(t, 3*time.Second, func() bool { return runs.Load() == 1 })

	// Next run is scheduled from the fire time, so no catch-up burst.
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != 1 {
		t.Fatalf("expected exactly one run, got %d", runs.Load())
	}
	st := sched.Status()
	if len(st) != 1 || st[0].Runs != 1 || !st[0].NextRunAt.After(c.Now()) {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestScheduler_FailingJobKeepsSchedule(t *testing.T) {
	c := newClock()
	var healthy atomic.Int32
	sched, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{
			{Name: "boom", Spec: "@every 1m", Run: func(context.Context) error { panic("bad state") }},
			{Name: "err", Spec: "@every 1m", Run: func(context.Context) error { return errors.New("store offline") }},
			{Name: "ok", Spec: "@every 1m", Run: func(context.Context) error {
				healthy.Add(1)
				return nil
			}},
		},
		Interval: 10 * time.Millisecond,
		Now:      c.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	c.Advance(2 * time.Minute)
	waitFor(t, 3*time.Second, func() bool { return healthy.Load() == 1 })
	sched.Stop()

	for _, st := range sched.Status() {
		switch st.Name {
		case "boom", "err":
			if st.LastError == "" || st.Runs != 1 {
				t.Fatalf("%s: expected a recorded failure, got %+v", st.Name, st)
			}
		case "ok":
			if st.LastError != "" {
				t.Fatalf("ok: unexpected error %q", st.LastError)
			}
		}
	}
}

func TestNewScheduler_RejectsBadSpec(t *testing.T) {
	_, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{{Name: "bad", Spec: "every minute", Run: func(context.Context) error { return nil }}},
	})
	if err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{Name: "empty", Spec: "@hourly"}}}); err == nil {
		t.Fatal("expected error for a job without a body")
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 5, 4, 10, 3, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/10 * * * *", base)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if next.Minute()%10 != 0 || !next.After(base) {
		t.Fatalf("unexpected next run %v", next)
	}
	next, err = cron.NextRunTime("@every 15s", base)
	if err != nil || next.Sub(base) != 15*time.Second {
		t.Fatalf("@every 15s: next=%v err=%v", next, err)
	}
}

type stubSweeper struct {
	mu        sync.Mutex
	threshold time.Duration
	limit     int
	exhausted []string
}

func (s *stubSweeper) SweepStale(_ context.Context, threshold time.Duration, limit int) (watchdog.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold, s.limit = threshold, limit
	return watchdog.SweepResult{}, nil
}

func (s *stubSweeper) FailExhausted(_ context.Context, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted = append(s.exhausted, ids...)
	return len(ids)
}

func TestWatchdogJob_ReadsSettingsPerRun(t *testing.T) {
	sw := &stubSweeper{}
	threshold := 2 * time.Minute
	job := cron.WatchdogJob("@every 1m", sw, func() (time.Duration, int) { return threshold, 25 })

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sw.threshold != 2*time.Minute || sw.limit != 25 {
		t.Fatalf("got threshold=%s limit=%d", sw.threshold, sw.limit)
	}
	threshold = 5 * time.Minute
	_ = job.Run(context.Background())
	if sw.threshold != 5*time.Minute {
		t.Fatalf("reloaded threshold not used: %s", sw.threshold)
	}
}

func TestLeaseRequeueJob_FailsExhaustedTasks(t *testing.T) {
	c := newClock()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "studio.db"), persistence.WithClock(c.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	if _, err := store.CreditAccount(ctx, "user-1", 20); err != nil {
		t.Fatalf("credit: %v", err)
	}
	for _, id := range []string{"retry-me", "last-try"} {
		if _, err := store.CreateTask(ctx, persistence.NewTask{
			ID: id, UserID: "user-1", ProjectID: "proj-1", Type: "image.generate",
			Payload: json.RawMessage(`{"prompt":"x"}`),
		}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		if _, err := escrow.New(store, store, nil, nil).Freeze(ctx, id, "user-1", 4); err != nil {
			t.Fatalf("freeze %s: %v", id, err)
		}
	}
	_ = store.InsertJob(ctx, persistence.Job{TaskID: "retry-me", TaskType: "image.generate", Partition: "media", MaxAttempts: 3})
	_ = store.InsertJob(ctx, persistence.Job{TaskID: "last-try", TaskType: "image.generate", Partition: "media", MaxAttempts: 1})
	for i := 0; i < 2; i++ {
		job, err := store.ClaimNextJob(ctx, "media", "crashed-worker", 10*time.Second)
		if err != nil || job == nil {
			t.Fatalf("claim: job=%v err=%v", job, err)
		}
		if ok, err := store.MarkProcessing(ctx, job.TaskID, job.Attempt); err != nil || !ok {
			t.Fatalf("mark processing %s: %v", job.TaskID, err)
		}
	}
	c.Advance(11 * time.Second)

	wd := watchdog.New(watchdog.Deps{Store: store, Escrow: escrow.New(store, store, nil, nil)})
	job := cron.LeaseRequeueJob("@every 15s", store, wd, nil)
	if err := job.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if j, _ := store.GetJob(ctx, "retry-me"); j.Status != persistence.JobStatusWaiting {
		t.Fatalf("retry-me job = %s", j.Status)
	}
	if task, _ := store.GetTask(ctx, "retry-me"); task.Status != persistence.TaskStatusProcessing {
		t.Fatalf("retry-me task = %s", task.Status)
	}
	task, _ := store.GetTask(ctx, "last-try")
	if task.Status != persistence.TaskStatusFailed || task.ErrorCode != persistence.ReasonAttemptsExhausted {
		t.Fatalf("last-try: status=%s code=%s", task.Status, task.ErrorCode)
	}
	if b, _ := store.Balance(ctx, "user-1"); b != 16 {
		t.Fatalf("balance = %d, want 16", b)
	}
}

func TestRetentionJob_UsesCurrentPolicy(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "studio.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	calls := 0
	job := cron.RetentionJob("@daily", store, func() persistence.RetentionPolicy {
		calls++
		return persistence.RetentionPolicy{TaskEventDays: 30, JobDays: 7}
	}, nil)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 1 || job.Name != "retention" {
		t.Fatalf("calls=%d name=%s", calls, job.Name)
	}
}
