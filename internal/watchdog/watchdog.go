// Package watchdog reconciles tasks whose worker went quiet and evicts
// orphaned tasks that still hold a dedupe key without a live job.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-studio/internal/audit"
	"github.com/basket/go-studio/internal/escrow"
	"github.com/basket/go-studio/internal/events"
	"github.com/basket/go-studio/internal/otel"
	"github.com/basket/go-studio/internal/persistence"
)

const (
	DefaultThreshold   = 120 * time.Second
	DefaultLimit       = 50
	DefaultOrphanGrace = 30 * time.Second
)

type Store interface {
	Now() time.Time
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
	ListStaleProcessing(ctx context.Context, staleBefore time.Time, limit int) ([]persistence.Task, error)
	FailStaleTask(ctx context.Context, taskID string, staleBefore time.Time, code, message string) (bool, error)
	FailTask(ctx context.Context, taskID, code, message string) (bool, error)
	MarkCompensationFailed(ctx context.Context, taskID, message string) error
	TransitionRun(ctx context.Context, runID string, to persistence.RunStatus, code, message string) (bool, error)
}

// Queue is the liveness probe and cleanup surface of the job queue.
type Queue interface {
	IsAlive(ctx context.Context, taskID string) bool
	Remove(ctx context.Context, taskID string) error
}

type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

type Deps struct {
	Store   Store
	Escrow  *escrow.Escrow
	Events  *events.Publisher
	Queue   Queue
	Audit   Auditor
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	// OrphanGrace is how long a new task counts as alive without a job, which
	// covers the gap between task insert and enqueue.
	OrphanGrace time.Duration
}

type Watchdog struct {
	store   Store
	escrow  *escrow.Escrow
	events  *events.Publisher
	queue   Queue
	audit   Auditor
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
	grace   time.Duration
}

func New(deps Deps) *Watchdog {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	grace := deps.OrphanGrace
	if grace <= 0 {
		grace = DefaultOrphanGrace
	}
	return &Watchdog{
		store:   deps.Store,
		escrow:  deps.Escrow,
		events:  deps.Events,
		queue:   deps.Queue,
		audit:   deps.Audit,
		logger:  logger.With("component", "watchdog"),
		metrics: deps.Metrics,
		tracer:  tracer,
		grace:   grace,
	}
}

type SweepResult struct {
	Scanned            int `json:"scanned"`
	Failed             int `json:"failed"`
	Skipped            int `json:"skipped"`
	CompensationFailed int `json:"compensation_failed"`
}

// SweepStale fails PROCESSING tasks whose last heartbeat (or start, or update)
// is older than threshold, oldest first, at most limit per call. The FAILED
// write re-checks staleness, so a task that heartbeats after selection is left
// alone and keeps its escrow.
func (w *Watchdog) SweepStale(ctx context.Context, threshold time.Duration, limit int) (SweepResult, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	ctx, span := otel.StartSpan(ctx, w.tracer, "watchdog.sweep",
		attribute.Int64("studio.watchdog.threshold_ms", threshold.Milliseconds()),
		attribute.Int("studio.watchdog.limit", limit),
	)
	defer span.End()

	var res SweepResult
	staleBefore := w.store.Now().Add(-threshold)
	stale, err := w.store.ListStaleProcessing(ctx, staleBefore, limit)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("list stale tasks: %w", err)
	}
	res.Scanned = len(stale)

	for i := range stale {
		task := &stale[i]
		msg := fmt.Sprintf("no heartbeat for over %s", threshold)
		won, err := w.store.FailStaleTask(ctx, task.ID, staleBefore, persistence.ReasonWatchdogTimeout, msg)
		if err != nil {
			w.logger.Error("watchdog fail write", "task_id", task.ID, "error", err)
			res.Skipped++
			continue
		}
		if !won {
			// Heartbeat or terminal write landed since selection.
			res.Skipped++
			continue
		}
		res.Failed++
		code := persistence.ReasonWatchdogTimeout
		if !w.compensate(ctx, task.ID, persistence.ReasonWatchdogTimeout, &msg) {
			res.CompensationFailed++
			code = persistence.ReasonCompensationFailed
		}
		if w.metrics != nil {
			w.metrics.WatchdogSwept.Add(ctx, 1)
			w.metrics.TasksFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
		}
		w.record(ctx, audit.Entry{TaskID: task.ID, Action: audit.ActionWatchdogTimeout, Code: code, Detail: msg})
		w.finishRun(ctx, task, code, msg)
		w.logger.Warn("stale task failed", "task_id", task.ID, "code", code)
	}

	if res.Scanned > 0 {
		w.logger.Info("watchdog sweep finished", "scanned", res.Scanned, "failed", res.Failed, "skipped", res.Skipped)
	}
	span.SetAttributes(attribute.Int("studio.watchdog.failed", res.Failed))
	return res, nil
}

// Alive probes the queue for a task's job. Probe errors count as alive, and
// so does a task younger than the orphan grace period.
func (w *Watchdog) Alive(ctx context.Context, task *persistence.Task) bool {
	if w.queue == nil {
		return true
	}
	if w.store != nil && w.store.Now().Sub(task.CreatedAt) < w.grace {
		return true
	}
	return w.queue.IsAlive(ctx, task.ID)
}

// EvictOrphan fails an active task whose job is gone, releasing its dedupe
// key, and refunds its escrow. It reports false when the task had already
// left the active set.
func (w *Watchdog) EvictOrphan(ctx context.Context, task *persistence.Task) (bool, error) {
	msg := "queued job no longer exists"
	won, err := w.store.FailTask(ctx, task.ID, persistence.ReasonOrphanReconciled, msg)
	if err != nil {
		return false, fmt.Errorf("fail orphan: %w", err)
	}
	if !won {
		return false, nil
	}
	code := persistence.ReasonOrphanReconciled
	if !w.compensate(ctx, task.ID, persistence.ReasonOrphanReconciled, &msg) {
		code = persistence.ReasonCompensationFailed
	}
	if w.queue != nil {
		if err := w.queue.Remove(ctx, task.ID); err != nil {
			w.logger.Warn("remove orphan job", "task_id", task.ID, "error", err)
		}
	}
	if w.metrics != nil {
		w.metrics.TasksFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
	}
	w.record(ctx, audit.Entry{TaskID: task.ID, Action: audit.ActionOrphanEvicted, Code: code, Detail: msg})
	w.finishRun(ctx, task, code, msg)
	w.logger.Warn("orphan task evicted", "task_id", task.ID, "dedupe_key", task.DedupeKey, "code", code)
	return true, nil
}

// FailExhausted fails the tasks whose job ran out of attempts on a lapsed
// lease, so they do not wait for the stale sweep. It returns how many it failed.
func (w *Watchdog) FailExhausted(ctx context.Context, taskIDs []string) int {
	failed := 0
	for _, id := range taskIDs {
		task, err := w.store.GetTask(ctx, id)
		if err != nil {
			w.logger.Warn("load exhausted task", "task_id", id, "error", err)
			continue
		}
		msg := "job lease lapsed on its final attempt"
		won, err := w.store.FailTask(ctx, id, persistence.ReasonAttemptsExhausted, msg)
		if err != nil {
			w.logger.Error("fail exhausted task", "task_id", id, "error", err)
			continue
		}
		if !won {
			continue
		}
		failed++
		code := persistence.ReasonAttemptsExhausted
		if !w.compensate(ctx, id, code, &msg) {
			code = persistence.ReasonCompensationFailed
		}
		if w.metrics != nil {
			w.metrics.TasksFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
		}
		w.finishRun(ctx, task, code, msg)
		w.logger.Warn("exhausted task failed", "task_id", id, "code", code)
	}
	return failed
}

// compensate rolls back a task that was just failed. On a failed rollback the
// task's reason is rewritten and msg extended; it returns false in that case.
func (w *Watchdog) compensate(ctx context.Context, taskID, reason string, msg *string) bool {
	if w.escrow == nil {
		return true
	}
	var rb escrow.RollbackResult
	if fresh, err := w.store.GetTask(ctx, taskID); err != nil {
		w.logger.Warn("reload task for rollback; using the ledger", "task_id", taskID, "error", err)
		rb = w.escrow.Rollback(ctx, taskID, escrow.Info{})
	} else {
		rb = w.escrow.RollbackTask(ctx, fresh)
	}
	if !rb.CompensationFailed() {
		return true
	}
	*msg = fmt.Sprintf("%s; escrow rollback failed: %v", *msg, rb.Err)
	if err := w.store.MarkCompensationFailed(ctx, taskID, *msg); err != nil {
		w.logger.Error("mark compensation failed", "task_id", taskID, "error", err)
	}
	w.record(ctx, audit.Entry{TaskID: taskID, Action: audit.ActionCompensationFailed, Code: persistence.ReasonCompensationFailed, Detail: reason + ": " + rb.Err.Error()})
	return false
}

func (w *Watchdog) finishRun(ctx context.Context, task *persistence.Task, code, msg string) {
	if task.RunID != "" {
		if _, err := w.store.TransitionRun(ctx, task.RunID, persistence.RunStatusFailed, code, msg); err != nil {
			w.logger.Warn("run transition failed", "run_id", task.RunID, "error", err)
		}
	}
	if w.events == nil {
		return
	}
	if _, err := w.events.Lifecycle(ctx, events.RefOf(task), events.TypeFailed, map[string]any{"code": code, "message": msg}); err != nil {
		w.logger.Warn("publish failed event", "task_id", task.ID, "error", err)
	}
}

func (w *Watchdog) record(ctx context.Context, e audit.Entry) {
	if w.audit != nil {
		w.audit.Record(ctx, e)
	}
}
