// Package engine runs bounded worker slots per queue partition. Each slot
// claims one job at a time, keeps its lease alive and hands it to the
// lifecycle executor, then acks, retries or fails the job.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/basket/go-studio/internal/lifecycle"
	"github.com/basket/go-studio/internal/otel"
	"github.com/basket/go-studio/internal/persistence"
	"github.com/basket/go-studio/internal/queue"
)

type Config struct {
	// Slots maps a partition to its worker count.
	Slots        map[string]int
	PollInterval time.Duration
	JobLease     time.Duration
	// Owner identifies this process on job leases. Defaults to a random id.
	Owner string
}

// Store is the job table surface the engine needs.
type Store interface {
	ClaimNextJob(ctx context.Context, partition, owner string, lease time.Duration) (*persistence.Job, error)
	RenewJobLease(ctx context.Context, jobID, owner string, lease time.Duration) (bool, error)
	CompleteJob(ctx context.Context, jobID, owner string) error
	FailJob(ctx context.Context, jobID, owner, errMsg string) error
	RetryJob(ctx context.Context, jobID, owner string, delay time.Duration, errMsg string) error
}

type Executor interface {
	Execute(ctx context.Context, job lifecycle.Job) error
}

type ExecutorFunc func(ctx context.Context, job lifecycle.Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job lifecycle.Job) error { return f(ctx, job) }

type Status struct {
	Owner      string         `json:"owner"`
	Slots      map[string]int `json:"slots"`
	ActiveJobs int32          `json:"active_jobs"`
	Processed  int64          `json:"processed"`
	LastError  string         `json:"last_error,omitempty"`
}

type Engine struct {
	store   Store
	exec    Executor
	config  Config
	logger  *slog.Logger
	metrics *otel.Metrics

	started atomic.Bool
	wg      *conc.WaitGroup

	activeJobs atomic.Int32
	processed  atomic.Int64
	lastError  atomic.Pointer[string]
}

func New(store Store, exec Executor, cfg Config, logger *slog.Logger, metrics *otel.Metrics) *Engine {
	if len(cfg.Slots) == 0 {
		cfg.Slots = map[string]int{"text": 4, "media": 2}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.JobLease <= 0 {
		cfg.JobLease = persistence.DefaultJobLease
	}
	if cfg.Owner == "" {
		cfg.Owner = "worker-" + uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		exec:    exec,
		config:  cfg,
		logger:  logger.With("component", "engine", "owner", cfg.Owner),
		metrics: metrics,
		wg:      conc.NewWaitGroup(),
	}
}

// Start launches the worker slots. Workers stop when ctx is cancelled; call
// Drain afterwards to wait for in-flight jobs.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	for _, partition := range e.partitions() {
		n := e.config.Slots[partition]
		for i := 0; i < n; i++ {
			e.wg.Go(func() { e.worker(ctx, partition) })
		}
		e.logger.Info("worker slots started", "partition", partition, "slots", n)
	}
}

// Drain waits up to timeout for the workers to return. Jobs still running
// when it gives up keep their leases; RequeueExpiredJobs redelivers them.
func (e *Engine) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine drained cleanly")
		return true
	case <-time.After(timeout):
		e.logger.Warn("engine drain timeout; in-flight jobs left for lease requeue", "timeout", timeout, "active", e.activeJobs.Load())
		return false
	}
}

func (e *Engine) Status() Status {
	slots := make(map[string]int, len(e.config.Slots))
	for k, v := range e.config.Slots {
		slots[k] = v
	}
	st := Status{
		Owner:      e.config.Owner,
		Slots:      slots,
		ActiveJobs: e.activeJobs.Load(),
		Processed:  e.processed.Load(),
	}
	if msg := e.lastError.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}

func (e *Engine) partitions() []string {
	out := make([]string, 0, len(e.config.Slots))
	for p, n := range e.config.Slots {
		if n > 0 {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (e *Engine) worker(ctx context.Context, partition string) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := e.store.ClaimNextJob(ctx, partition, e.config.Owner, e.config.JobLease)
		if err != nil && ctx.Err() == nil {
			e.setLastError(fmt.Errorf("claim job: %w", err))
		}
		if err != nil || job == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		e.runJob(ctx, partition, job)
	}
}

func (e *Engine) runJob(ctx context.Context, partition string, job *persistence.Job) {
	logger := e.logger.With("job_id", job.ID, "task_id", job.TaskID, "partition", partition, "attempt", job.Attempt)
	e.activeJobs.Add(1)
	if e.metrics != nil {
		e.metrics.ActiveWorkers.Add(ctx, 1)
	}
	defer func() {
		e.activeJobs.Add(-1)
		e.processed.Add(1)
		if e.metrics != nil {
			e.metrics.ActiveWorkers.Add(context.WithoutCancel(ctx), -1)
		}
	}()

	leaseCtx, stopLease := context.WithCancel(ctx)
	leaseDone := make(chan struct{})
	go func() {
		defer close(leaseDone)
		e.keepLease(leaseCtx, logger, job.ID)
	}()

	var (
		catcher panics.Catcher
		execErr error
	)
	catcher.Try(func() {
		execErr = e.exec.Execute(ctx, lifecycle.Job{
			TaskID:      job.TaskID,
			Attempt:     job.Attempt,
			MaxAttempts: job.MaxAttempts,
		})
	})
	if execErr == nil {
		execErr = catcher.Recovered().AsError()
	}
	stopLease()
	<-leaseDone

	// Acks must land even when shutdown has begun.
	actx := context.WithoutCancel(ctx)
	var ackErr error
	switch {
	case execErr == nil:
		ackErr = e.store.CompleteJob(actx, job.ID, e.config.Owner)
	case queue.IsUnrecoverable(execErr):
		logger.Info("job finished unrecoverable", "error", execErr)
		ackErr = e.store.FailJob(actx, job.ID, e.config.Owner, execErr.Error())
	case ctx.Err() != nil:
		// Interrupted by shutdown: make the job available again right away.
		logger.Info("job interrupted by shutdown; returning to queue")
		ackErr = e.store.RetryJob(actx, job.ID, e.config.Owner, 0, execErr.Error())
	case job.Attempt < job.MaxAttempts:
		delay := queue.Backoff(job.TaskID, job.Attempt)
		logger.Warn("job will retry", "error", execErr, "delay", delay)
		ackErr = e.store.RetryJob(actx, job.ID, e.config.Owner, delay, execErr.Error())
	default:
		e.setLastError(execErr)
		logger.Error("job attempts exhausted", "error", execErr)
		ackErr = e.store.FailJob(actx, job.ID, e.config.Owner, execErr.Error())
	}
	if ackErr != nil {
		e.setLastError(fmt.Errorf("ack job %s: %w", job.ID, ackErr))
		logger.Error("job ack failed", "error", ackErr)
	}
}

func (e *Engine) keepLease(ctx context.Context, logger *slog.Logger, jobID string) {
	ticker := time.NewTicker(e.config.JobLease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := e.store.RenewJobLease(ctx, jobID, e.config.Owner, e.config.JobLease)
			if err != nil {
				if ctx.Err() == nil {
					e.setLastError(fmt.Errorf("renew lease: %w", err))
				}
				continue
			}
			if !ok {
				logger.Warn("job lease lost")
				e.setLastError(fmt.Errorf("lease renewal rejected for job %s", jobID))
				return
			}
		}
	}
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}
