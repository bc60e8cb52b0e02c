package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-studio/internal/persistence"
	"github.com/basket/go-studio/internal/watchdog"
)

// Sweeper is the watchdog surface the maintenance jobs drive.
type Sweeper interface {
	SweepStale(ctx context.Context, threshold time.Duration, limit int) (watchdog.SweepResult, error)
	FailExhausted(ctx context.Context, taskIDs []string) int
}

type LeaseStore interface {
	RequeueExpiredJobs(ctx context.Context) (persistence.RequeueResult, error)
}

type RetentionStore interface {
	RunRetention(ctx context.Context, policy persistence.RetentionPolicy) (persistence.RetentionResult, error)
}

// WatchdogJob sweeps stale PROCESSING tasks. settings is read on every run so
// a config reload takes effect without restarting the scheduler.
func WatchdogJob(spec string, wd Sweeper, settings func() (time.Duration, int)) Job {
	return Job{
		Name: "watchdog.sweep",
		Spec: spec,
		Run: func(ctx context.Context) error {
			threshold, limit := settings()
			_, err := wd.SweepStale(ctx, threshold, limit)
			return err
		},
	}
}

// LeaseRequeueJob redelivers jobs whose worker stopped renewing its lease and
// fails the tasks of jobs that had no attempts left.
func LeaseRequeueJob(spec string, store LeaseStore, wd Sweeper, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return Job{
		Name: "jobs.requeue_expired",
		Spec: spec,
		Run: func(ctx context.Context) error {
			res, err := store.RequeueExpiredJobs(ctx)
			if err != nil {
				return fmt.Errorf("requeue expired jobs: %w", err)
			}
			failed := 0
			if len(res.Exhausted) > 0 {
				failed = wd.FailExhausted(ctx, res.Exhausted)
			}
			if res.Requeued > 0 || failed > 0 {
				logger.Info("expired job leases reclaimed", "requeued", res.Requeued, "exhausted", len(res.Exhausted), "tasks_failed", failed)
			}
			return nil
		},
	}
}

func RetentionJob(spec string, store RetentionStore, policy func() persistence.RetentionPolicy, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return Job{
		Name: "retention",
		Spec: spec,
		Run: func(ctx context.Context) error {
			res, err := store.RunRetention(ctx, policy())
			if err != nil {
				return err
			}
			logger.Info("retention finished",
				"task_events", res.PurgedTaskEvents,
				"jobs", res.PurgedJobs,
				"audit_logs", res.PurgedAuditLogs,
			)
			return nil
		},
	}
}
