// Package lifecycle wraps one handler invocation per job delivery: the guarded
// start, the heartbeat, the retry-or-terminal decision and escrow settlement.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-studio/internal/audit"
	"github.com/basket/go-studio/internal/escrow"
	"github.com/basket/go-studio/internal/events"
	"github.com/basket/go-studio/internal/otel"
	"github.com/basket/go-studio/internal/persistence"
	"github.com/basket/go-studio/internal/queue"
	"github.com/basket/go-studio/internal/shared"
	"github.com/basket/go-studio/internal/tasktype"
)

const defaultHeartbeatInterval = 10 * time.Second

// Store is the slice of persistence the executor writes through.
type Store interface {
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
	MarkProcessing(ctx context.Context, taskID string, attempt int) (bool, error)
	CompleteTask(ctx context.Context, taskID string, result json.RawMessage) (bool, error)
	FailTask(ctx context.Context, taskID, code, message string) (bool, error)
	TouchHeartbeat(ctx context.Context, taskID string) (bool, error)
	UpdateProgress(ctx context.Context, taskID string, progress int) (bool, error)
	SetExternalID(ctx context.Context, taskID, externalID string) error
	TransitionRun(ctx context.Context, runID string, to persistence.RunStatus, code, message string) (bool, error)
}

type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

type Deps struct {
	Store    Store
	Escrow   *escrow.Escrow
	Events   *events.Publisher
	Handlers *Registry
	Types    *tasktype.Registry
	Audit    Auditor
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
}

type Config struct {
	HeartbeatInterval time.Duration
}

// Job is one delivery of a task. Attempt is 1-based and already counts this
// delivery.
type Job struct {
	TaskID      string
	Attempt     int
	MaxAttempts int
}

type Executor struct {
	store    Store
	escrow   *escrow.Escrow
	events   *events.Publisher
	handlers *Registry
	types    *tasktype.Registry
	audit    Auditor
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
	config   Config
}

func NewExecutor(deps Deps, cfg Config) *Executor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	handlers := deps.Handlers
	if handlers == nil {
		handlers = NewRegistry()
	}
	return &Executor{
		store:    deps.Store,
		escrow:   deps.Escrow,
		events:   deps.Events,
		handlers: handlers,
		types:    deps.Types,
		audit:    deps.Audit,
		logger:   logger.With("component", "lifecycle"),
		metrics:  deps.Metrics,
		tracer:   tracer,
		config:   cfg,
	}
}

// Execute runs one delivery. It returns nil when the job is finished, an
// error wrapping queue.ErrUnrecoverable when the task reached a terminal
// state the queue must not retry, and any other error to ask for a retry.
func (x *Executor) Execute(ctx context.Context, job Job) error {
	task, err := x.store.GetTask(ctx, job.TaskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return queue.Unrecoverable(fmt.Errorf("task %s: %w", job.TaskID, err))
		}
		return fmt.Errorf("load task: %w", err)
	}

	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithProjectID(ctx, task.ProjectID)
	if task.RunID != "" {
		ctx = shared.WithRunID(ctx, task.RunID)
	}
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	logger := x.logger.With("task_id", task.ID, "task_type", task.Type, "attempt", job.Attempt, "trace_id", shared.TraceID(ctx))
	ref := events.RefOf(task)

	ctx, span := otel.StartSpan(ctx, x.tracer, "lifecycle.execute",
		otel.AttrTaskID.String(task.ID),
		otel.AttrTaskType.String(task.Type),
		otel.AttrAttempt.Int(job.Attempt),
	)
	defer span.End()

	// Guarded start: only an active task may become PROCESSING.
	started := false
	if task.Status.Active() {
		started, err = x.store.MarkProcessing(ctx, task.ID, job.Attempt)
		if err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
	}
	if !started {
		logger.Info("task no longer active; skipping handler", "status", task.Status)
		x.compensate(ctx, logger, task.ID, "guarded start lost")
		return nil
	}
	x.moveRun(ctx, logger, task.RunID, persistence.RunStatusRunning, "", "")
	x.publish(ctx, ref, events.TypeProcessing, map[string]any{"attempt": job.Attempt, "max_attempts": job.MaxAttempts})

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		x.heartbeat(hbCtx, logger, task.ID)
	}()

	begin := time.Now()
	result, runErr := x.invoke(ctx, task, job, ref, logger)
	stopHeartbeat()
	<-heartbeatDone
	if x.metrics != nil {
		x.metrics.TaskDuration.Record(ctx, time.Since(begin).Seconds(), metric.WithAttributes(otel.AttrTaskType.String(task.Type)))
	}

	// Post-handler writes must land even if shutdown begins now.
	wctx := context.WithoutCancel(ctx)
	if runErr == nil {
		return x.succeed(wctx, logger, task, ref, result)
	}
	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())

	// The worker is shutting down; leave the task for redelivery.
	if ctx.Err() != nil {
		logger.Warn("execution interrupted by shutdown", "error", runErr)
		return fmt.Errorf("interrupted: %w", runErr)
	}

	if errors.Is(runErr, ErrTerminated) {
		logger.Info("handler observed termination", "error", runErr)
		code := persistence.ReasonTaskCancelled
		var te *TaskError
		if errors.As(runErr, &te) && te.Code != "" {
			code = te.Code
		}
		x.terminate(wctx, logger, task, ref, job, code, runErr.Error())
		return queue.Unrecoverable(runErr)
	}

	te := Normalize(runErr)
	if te.Retryable && job.Attempt < job.MaxAttempts {
		backoff := queue.Backoff(task.ID, job.Attempt)
		logger.Warn("task attempt failed; retrying", "code", te.Code, "error", runErr, "next_backoff", backoff)
		x.publish(wctx, ref, events.TypeRetrying, map[string]any{
			"attempt":         job.Attempt,
			"max_attempts":    job.MaxAttempts,
			"code":            te.Code,
			"message":         shared.Redact(te.Message),
			"next_backoff_ms": backoff.Milliseconds(),
		})
		return runErr
	}

	msg := te.Message
	if te.Retryable {
		msg = fmt.Sprintf("%s (after %d attempts)", msg, job.Attempt)
	}
	x.terminate(wctx, logger, task, ref, job, te.Code, msg)
	return queue.Unrecoverable(runErr)
}

func (x *Executor) invoke(ctx context.Context, task *persistence.Task, job Job, ref events.TaskRef, logger *slog.Logger) (result Result, err error) {
	handler, ok := x.handlers.Lookup(task.Type)
	if !ok {
		return Result{}, Permanent(CodeHandlerMissing, fmt.Errorf("no handler for %s", task.Type))
	}
	hc := &HandlerContext{
		Task:    *task,
		Attempt: job.Attempt,
		Logger:  logger,
		x:       x,
		ref:     ref,
	}
	if x.types != nil {
		if spec, ok := x.types.Lookup(task.Type); ok {
			hc.Workflow = spec.Workflow
		}
	}
	payload, err := tasktype.Decode(task.Type, task.Payload)
	if err != nil {
		return Result{}, Permanent(CodeInvalidInput, err)
	}
	hc.Payload = payload

	defer func() {
		if r := recover(); r != nil {
			err = Permanent(persistence.ReasonExecutionFailed, fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler.Handle(ctx, hc)
}

func (x *Executor) heartbeat(ctx context.Context, logger *slog.Logger, taskID string) {
	ticker := time.NewTicker(x.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := x.store.TouchHeartbeat(ctx, taskID)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("heartbeat write failed", "error", err)
				}
				continue
			}
			if !ok {
				// Task left the active set; the next guarded write will notice.
				logger.Info("heartbeat rejected; task no longer active")
				return
			}
		}
	}
}

func (x *Executor) succeed(ctx context.Context, logger *slog.Logger, task *persistence.Task, ref events.TaskRef, result Result) error {
	output := result.Output
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	completed, err := x.store.CompleteTask(ctx, task.ID, output)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if !completed {
		// Cancelled while the handler ran: discard the result.
		logger.Info("task ended during execution; result discarded")
		x.compensate(ctx, logger, task.ID, "completion guard lost")
		return nil
	}

	fresh, err := x.store.GetTask(ctx, task.ID)
	if err != nil {
		logger.Error("reload completed task for settlement", "error", err)
		return nil
	}
	info, err := escrow.ParseInfo(fresh.BillingInfo)
	if err == nil && x.escrow != nil {
		usage := int64(-1)
		if result.Measured {
			usage = result.Usage
		}
		info, err = x.escrow.Settle(ctx, task.ID, info, usage)
	}
	if err != nil {
		logger.Error("escrow settlement failed", "error", err)
		x.record(ctx, audit.Entry{TaskID: task.ID, Action: audit.ActionSettlementFailed, Code: persistence.ReasonCompensationFailed, Detail: err.Error()})
	}

	x.moveRun(ctx, logger, task.RunID, persistence.RunStatusCompleted, "", "")
	payload := map[string]any{"result": json.RawMessage(output)}
	if info.Mode == escrow.ModeHold {
		payload["charged"] = info.Charged
	}
	x.publish(ctx, ref, events.TypeCompleted, payload)
	logger.Info("task completed")
	return nil
}

// terminate rolls the escrow back and writes FAILED. A failed rollback
// replaces code with the compensation-failed code and goes to the audit trail.
func (x *Executor) terminate(ctx context.Context, logger *slog.Logger, task *persistence.Task, ref events.TaskRef, job Job, code, message string) {
	if rb, ok := x.rollback(ctx, logger, task.ID); ok && rb.CompensationFailed() {
		message = fmt.Sprintf("%s; escrow rollback failed: %v", message, rb.Err)
		code = persistence.ReasonCompensationFailed
	}
	message = shared.Redact(message)

	failed, err := x.store.FailTask(ctx, task.ID, code, message)
	if err != nil {
		logger.Error("fail task write failed", "code", code, "error", err)
		return
	}
	if !failed {
		logger.Info("task already terminal; failure not recorded", "code", code)
		return
	}
	if x.metrics != nil {
		x.metrics.TasksFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
	}
	eventType, runStatus := events.TypeFailed, persistence.RunStatusFailed
	if code == persistence.ReasonTaskCancelled {
		eventType, runStatus = events.TypeCancelled, persistence.RunStatusCanceled
	}
	x.moveRun(ctx, logger, task.RunID, runStatus, code, message)
	x.publish(ctx, ref, eventType, map[string]any{"code": code, "message": message, "attempt": job.Attempt})
	logger.Warn("task failed", "code", code, "error", message)
}

// compensate rolls back whatever is still held for a task that this delivery
// will not finish.
func (x *Executor) compensate(ctx context.Context, logger *slog.Logger, taskID, why string) {
	if rb, ok := x.rollback(ctx, logger, taskID); ok && rb.CompensationFailed() {
		logger.Error("escrow rollback failed", "reason", why, "error", rb.Err)
	}
}

func (x *Executor) rollback(ctx context.Context, logger *slog.Logger, taskID string) (escrow.RollbackResult, bool) {
	if x.escrow == nil {
		return escrow.RollbackResult{}, false
	}
	var rb escrow.RollbackResult
	if fresh, err := x.store.GetTask(ctx, taskID); err != nil {
		logger.Warn("reload task for rollback; using the ledger", "error", err)
		rb = x.escrow.Rollback(ctx, taskID, escrow.Info{})
	} else {
		rb = x.escrow.RollbackTask(ctx, fresh)
	}
	if rb.CompensationFailed() {
		x.record(ctx, audit.Entry{TaskID: taskID, Action: audit.ActionCompensationFailed, Code: persistence.ReasonCompensationFailed, Detail: rb.Err.Error()})
	}
	return rb, true
}

func (x *Executor) moveRun(ctx context.Context, logger *slog.Logger, runID string, to persistence.RunStatus, code, message string) {
	if runID == "" {
		return
	}
	if _, err := x.store.TransitionRun(ctx, runID, to, code, message); err != nil {
		logger.Warn("run transition failed", "run_id", runID, "to", to, "error", err)
	}
}

func (x *Executor) publish(ctx context.Context, ref events.TaskRef, eventType string, payload any) {
	if x.events == nil {
		return
	}
	if _, err := x.events.Lifecycle(ctx, ref, eventType, payload); err != nil {
		x.logger.Warn("publish lifecycle event", "task_id", ref.TaskID, "type", eventType, "error", err)
	}
}

func (x *Executor) record(ctx context.Context, e audit.Entry) {
	if x.audit != nil {
		x.audit.Record(ctx, e)
	}
}
