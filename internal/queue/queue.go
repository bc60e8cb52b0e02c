// Package queue is the job queue the orchestration core enqueues into. Jobs
// live in the store's jobs table; workers claim them through the engine.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-studio/internal/persistence"
)

// ErrUnrecoverable marks a job failure the queue must not retry, whatever
// attempts remain.
var ErrUnrecoverable = errors.New("unrecoverable job failure")

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return "unrecoverable: " + e.err.Error() }
func (e *unrecoverableError) Unwrap() []error {
	return []error{ErrUnrecoverable, e.err}
}

// Unrecoverable wraps err so errors.Is(err, ErrUnrecoverable) holds and the
// original error is still reachable.
func Unrecoverable(err error) error {
	if err == nil || errors.Is(err, ErrUnrecoverable) {
		return err
	}
	return &unrecoverableError{err: err}
}

func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrUnrecoverable)
}

// Store is the slice of persistence the queue needs.
type Store interface {
	InsertJob(ctx context.Context, job persistence.Job) error
	JobAliveForTask(ctx context.Context, taskID string) (bool, error)
	RemoveWaitingJobs(ctx context.Context, taskID string) (int64, error)
	QueueDepth(ctx context.Context, partition string) (int, error)
}

type Options struct {
	Partition   string
	Priority    int
	MaxAttempts int
}

type Queue struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, logger: logger.With("component", "queue")}
}

// Enqueue adds the job for taskID. The job id is the task id, so a task is
// enqueued at most once.
func (q *Queue) Enqueue(ctx context.Context, taskID, taskType string, opts Options) error {
	if opts.Partition == "" {
		return fmt.Errorf("enqueue %s: partition is required", taskID)
	}
	if err := q.store.InsertJob(ctx, persistence.Job{
		TaskID:      taskID,
		TaskType:    taskType,
		Partition:   opts.Partition,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
	}); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	q.logger.Debug("job enqueued", "task_id", taskID, "partition", opts.Partition, "priority", opts.Priority)
	return nil
}

// IsAlive reports whether taskID still has a live job. A failed probe
// answers true: a transient queue outage must not look like an orphan.
func (q *Queue) IsAlive(ctx context.Context, taskID string) bool {
	alive, err := q.store.JobAliveForTask(ctx, taskID)
	if err != nil {
		q.logger.Warn("job liveness probe failed; assuming alive", "task_id", taskID, "error", err)
		return true
	}
	return alive
}

// Remove drops any unclaimed job for taskID.
func (q *Queue) Remove(ctx context.Context, taskID string) error {
	n, err := q.store.RemoveWaitingJobs(ctx, taskID)
	if err != nil {
		return fmt.Errorf("remove job %s: %w", taskID, err)
	}
	if n > 0 {
		q.logger.Debug("waiting job removed", "task_id", taskID)
	}
	return nil
}

func (q *Queue) Depth(ctx context.Context, partition string) (int, error) {
	return q.store.QueueDepth(ctx, partition)
}

// Backoff is the delay before the next delivery after a failed attempt.
func Backoff(taskID string, attempt int) time.Duration {
	return persistence.RetryDelay(taskID, attempt)
}
