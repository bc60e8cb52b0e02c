// Package submission accepts new tasks, folding duplicate submissions onto
// the live task that already holds their dedupe key, and owns the
// user-facing cancel and dismiss transitions.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
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
	"github.com/basket/go-studio/internal/pricing"
	"github.com/basket/go-studio/internal/queue"
	"github.com/basket/go-studio/internal/shared"
	"github.com/basket/go-studio/internal/tasktype"
)

// dedupeRetries bounds the lookup/evict/insert cycle under key races.
const dedupeRetries = 3

var (
	ErrValidation     = errors.New("invalid submission")
	ErrQueueSaturated = errors.New("queue saturated: backpressure applied")
)

type Store interface {
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
	CreateTask(ctx context.Context, in persistence.NewTask) (*persistence.Task, error)
	FindActiveByDedupeKey(ctx context.Context, dedupeKey string) (*persistence.Task, error)
	AttachRun(ctx context.Context, taskID, runID string, payload json.RawMessage) error
	FailTask(ctx context.Context, taskID, code, message string) (bool, error)
	DismissTask(ctx context.Context, taskID string) (bool, error)
	MarkCompensationFailed(ctx context.Context, taskID, message string) error
	CreateRun(ctx context.Context, run persistence.Run) (*persistence.Run, error)
	TransitionRun(ctx context.Context, runID string, to persistence.RunStatus, code, message string) (bool, error)
}

type Queue interface {
	Enqueue(ctx context.Context, taskID, taskType string, opts queue.Options) error
	Remove(ctx context.Context, taskID string) error
	Depth(ctx context.Context, partition string) (int, error)
}

// Reconciler decides whether a task holding a dedupe key still has a live job
// and evicts it when it does not.
type Reconciler interface {
	Alive(ctx context.Context, task *persistence.Task) bool
	EvictOrphan(ctx context.Context, task *persistence.Task) (bool, error)
}

type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

type Deps struct {
	Store      Store
	Types      *tasktype.Registry
	Escrow     *escrow.Escrow
	Queue      Queue
	Reconciler Reconciler
	Events     *events.Publisher
	Audit      Auditor
	Logger     *slog.Logger
	Metrics    *otel.Metrics
	Tracer     trace.Tracer
}

type Config struct {
	DefaultMaxAttempts int
	// MaxQueueDepth rejects submissions when a partition has this many
	// waiting jobs. Zero disables the check.
	MaxQueueDepth int
}

// Params is one submission request. Escrow is always quoted server-side.
type Params struct {
	UserID      string          `json:"user_id"`
	ProjectID   string          `json:"project_id"`
	EpisodeID   string          `json:"episode_id,omitempty"`
	Type        string          `json:"type"`
	TargetType  string          `json:"target_type,omitempty"`
	TargetID    string          `json:"target_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

type Result struct {
	TaskID    string                 `json:"task_id"`
	RunID     string                 `json:"run_id,omitempty"`
	Status    persistence.TaskStatus `json:"status"`
	Deduped   bool                   `json:"deduped"`
	ErrorCode string                 `json:"error_code,omitempty"`
}

type Service struct {
	store      Store
	types      *tasktype.Registry
	escrow     *escrow.Escrow
	queue      Queue
	reconciler Reconciler
	events     *events.Publisher
	audit      Auditor
	logger     *slog.Logger
	metrics    *otel.Metrics
	tracer     trace.Tracer
	config     Config
}

func New(deps Deps, cfg Config) *Service {
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = persistence.DefaultMaxAttempts
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Service{
		store:      deps.Store,
		types:      deps.Types,
		escrow:     deps.Escrow,
		queue:      deps.Queue,
		reconciler: deps.Reconciler,
		events:     deps.Events,
		audit:      deps.Audit,
		logger:     logger.With("component", "submission"),
		metrics:    deps.Metrics,
		tracer:     tracer,
		config:     cfg,
	}
}

// Submit validates, dedupes, persists, freezes escrow for and enqueues a
// task. A deduped submission returns the existing task and has no side
// effects. Validation failures create nothing. Insufficient balance and
// enqueue failures leave a FAILED task behind and are also returned as errors.
func (s *Service) Submit(ctx context.Context, p Params) (Result, error) {
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx, span := otel.StartSpan(ctx, s.tracer, "submission.submit",
		otel.AttrTaskType.String(p.Type),
		otel.AttrProjectID.String(p.ProjectID),
	)
	defer span.End()

	res, err := s.submit(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if res.TaskID != "" {
		span.SetAttributes(otel.AttrTaskID.String(res.TaskID), attribute.Bool("studio.task.deduped", res.Deduped))
	}
	return res, err
}

func (s *Service) submit(ctx context.Context, p Params) (Result, error) {
	if p.UserID == "" || p.ProjectID == "" {
		return Result{}, fmt.Errorf("%w: user_id and project_id are required", ErrValidation)
	}
	payload, err := s.types.Validate(p.Type, p.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	spec, _ := s.types.Lookup(p.Type)

	if s.config.MaxQueueDepth > 0 && s.queue != nil {
		depth, err := s.queue.Depth(ctx, string(spec.Partition))
		if err != nil {
			return Result{}, fmt.Errorf("check queue depth: %w", err)
		}
		if depth >= s.config.MaxQueueDepth {
			s.logger.Warn("queue backpressure applied", "partition", spec.Partition, "depth", depth, "max", s.config.MaxQueueDepth)
			return Result{}, ErrQueueSaturated
		}
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.config.DefaultMaxAttempts
	}
	in := persistence.NewTask{
		ID:          uuid.NewString(),
		UserID:      p.UserID,
		ProjectID:   p.ProjectID,
		EpisodeID:   p.EpisodeID,
		Type:        p.Type,
		TargetType:  p.TargetType,
		TargetID:    p.TargetID,
		MaxAttempts: maxAttempts,
		Priority:    p.Priority,
		DedupeKey:   p.DedupeKey,
		Payload:     p.Payload,
	}

	task, existing, err := s.createOrReuse(ctx, in)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		if s.metrics != nil {
			s.metrics.TasksDeduped.Add(ctx, 1, metric.WithAttributes(otel.AttrTaskType.String(p.Type)))
		}
		s.logger.Info("submission deduped", "task_id", existing.ID, "dedupe_key", p.DedupeKey)
		return Result{TaskID: existing.ID, RunID: existing.RunID, Status: existing.Status, Deduped: true}, nil
	}

	ctx = shared.WithTaskID(ctx, task.ID)
	logger := s.logger.With("task_id", task.ID, "task_type", task.Type, "trace_id", shared.TraceID(ctx))

	if spec.Workflow != "" {
		if err := s.attachRun(ctx, task, spec.Workflow); err != nil {
			return s.reject(ctx, logger, task, persistence.ReasonEnqueueFailed, err)
		}
	}

	if spec.Billable && s.escrow != nil {
		amount, err := pricing.Quote(payload)
		if err != nil {
			return s.reject(ctx, logger, task, persistence.ReasonValidationFailed, err)
		}
		if _, err := s.escrow.Freeze(ctx, task.ID, task.UserID, amount); err != nil {
			switch {
			case errors.Is(err, escrow.ErrInsufficientBalance):
				return s.reject(ctx, logger, task, persistence.ReasonInsufficientBalance, err)
			case errors.Is(err, escrow.ErrCompensationFailed):
				code := persistence.ReasonCompensationFailed
				s.record(ctx, audit.Entry{TaskID: task.ID, Action: audit.ActionCompensationFailed, Code: code, Detail: err.Error()})
				return s.reject(ctx, logger, task, code, fmt.Errorf("freeze escrow: %w", err))
			}
			return s.reject(ctx, logger, task, persistence.ReasonExecutionFailed, fmt.Errorf("freeze escrow: %w", err))
		}
	}

	// Published before the job exists so no worker event can precede it.
	s.publish(ctx, task, events.TypeCreated, map[string]any{
		"type":         task.Type,
		"max_attempts": task.MaxAttempts,
		"run_id":       task.RunID,
	})

	err = s.queue.Enqueue(ctx, task.ID, task.Type, queue.Options{
		Partition:   string(spec.Partition),
		Priority:    task.Priority,
		MaxAttempts: task.MaxAttempts,
	})
	if err != nil {
		code := persistence.ReasonEnqueueFailed
		if s.escrow != nil {
			if rb := s.rollbackEscrow(ctx, logger, task.ID); rb.CompensationFailed() {
				code = persistence.ReasonEnqueueCompensationFailed
				s.record(ctx, audit.Entry{TaskID: task.ID, Action: audit.ActionCompensationFailed, Code: code, Detail: rb.Err.Error()})
			}
		}
		return s.reject(ctx, logger, task, code, fmt.Errorf("enqueue: %w", err))
	}

	if s.metrics != nil {
		s.metrics.TasksSubmitted.Add(ctx, 1, metric.WithAttributes(otel.AttrTaskType.String(task.Type)))
	}
	logger.Info("task submitted", "partition", spec.Partition, "run_id", task.RunID)
	return Result{TaskID: task.ID, RunID: task.RunID, Status: persistence.TaskStatusQueued}, nil
}

// createOrReuse inserts the task, or returns the live task holding its dedupe
// key. A holder whose job is gone is evicted first. Insert races on the key
// are retried from the lookup.
func (s *Service) createOrReuse(ctx context.Context, in persistence.NewTask) (*persistence.Task, *persistence.Task, error) {
	for attempt := 0; attempt < dedupeRetries; attempt++ {
		if in.DedupeKey != "" {
			holder, err := s.store.FindActiveByDedupeKey(ctx, in.DedupeKey)
			switch {
			case err == nil:
				if s.reconciler == nil || s.reconciler.Alive(ctx, holder) {
					return nil, holder, nil
				}
				if _, err := s.reconciler.EvictOrphan(ctx, holder); err != nil {
					return nil, nil, fmt.Errorf("evict orphan %s: %w", holder.ID, err)
				}
			case !errors.Is(err, persistence.ErrNotFound):
				return nil, nil, fmt.Errorf("dedupe lookup: %w", err)
			}
		}
		task, err := s.store.CreateTask(ctx, in)
		if errors.Is(err, persistence.ErrDedupeConflict) {
			s.logger.Debug("dedupe key race; retrying", "dedupe_key", in.DedupeKey, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("create task: %w", err)
		}
		return task, nil, nil
	}
	return nil, nil, fmt.Errorf("dedupe key %q: %w", in.DedupeKey, persistence.ErrDedupeConflict)
}

func (s *Service) attachRun(ctx context.Context, task *persistence.Task, workflow string) error {
	run, err := s.store.CreateRun(ctx, persistence.Run{
		ID:           uuid.NewString(),
		UserID:       task.UserID,
		ProjectID:    task.ProjectID,
		EpisodeID:    task.EpisodeID,
		WorkflowType: workflow,
		TaskID:       task.ID,
	})
	if err != nil {
		return err
	}
	payload, err := tasktype.InjectRunID(task.Payload, run.ID)
	if err != nil {
		return err
	}
	if err := s.store.AttachRun(ctx, task.ID, run.ID, payload); err != nil {
		return err
	}
	task.RunID = run.ID
	task.Payload = payload
	return nil
}

// reject fails a freshly created task that never reached the queue.
func (s *Service) reject(ctx context.Context, logger *slog.Logger, task *persistence.Task, code string, cause error) (Result, error) {
	msg := shared.Redact(cause.Error())
	if _, err := s.store.FailTask(ctx, task.ID, code, msg); err != nil {
		logger.Error("fail rejected task", "code", code, "error", err)
	}
	if task.RunID != "" {
		if _, err := s.store.TransitionRun(ctx, task.RunID, persistence.RunStatusFailed, code, msg); err != nil {
			logger.Warn("run transition failed", "run_id", task.RunID, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.TasksFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
	}
	s.publish(ctx, task, events.TypeFailed, map[string]any{"code": code, "message": msg})
	logger.Warn("submission rejected", "code", code, "error", cause)
	return Result{TaskID: task.ID, RunID: task.RunID, Status: persistence.TaskStatusFailed, ErrorCode: code}, cause
}

// Cancel fails an active task with TASK_CANCELLED, refunds its escrow and
// drops its waiting job. A worker still running the task finds out at its
// next guarded write. It reports false when the task was already terminal.
func (s *Service) Cancel(ctx context.Context, taskID string) (bool, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	msg := "cancelled by request"
	won, err := s.store.FailTask(ctx, taskID, persistence.ReasonTaskCancelled, msg)
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}
	if !won {
		return false, nil
	}
	logger := s.logger.With("task_id", taskID)

	code := persistence.ReasonTaskCancelled
	if s.escrow != nil {
		if rb := s.rollbackEscrow(ctx, logger, taskID); rb.CompensationFailed() {
			code = persistence.ReasonCompensationFailed
			msg = fmt.Sprintf("%s; escrow rollback failed: %v", msg, rb.Err)
			if err := s.store.MarkCompensationFailed(ctx, taskID, msg); err != nil {
				logger.Error("mark compensation failed", "error", err)
			}
			s.record(ctx, audit.Entry{TaskID: taskID, Action: audit.ActionCompensationFailed, Code: code, Detail: rb.Err.Error()})
		}
	}
	if s.queue != nil {
		if err := s.queue.Remove(ctx, taskID); err != nil {
			logger.Warn("remove waiting job", "error", err)
		}
	}
	if task.RunID != "" {
		if _, err := s.store.TransitionRun(ctx, task.RunID, persistence.RunStatusCanceled, code, msg); err != nil {
			logger.Warn("run transition failed", "run_id", task.RunID, "error", err)
		}
	}
	s.publish(ctx, task, events.TypeCancelled, map[string]any{"code": code, "message": msg})
	logger.Info("task cancelled", "code", code)
	return true, nil
}

// rollbackEscrow refunds the task's hold using the snapshot on the task row,
// or straight from the ledger when the row cannot be read.
func (s *Service) rollbackEscrow(ctx context.Context, logger *slog.Logger, taskID string) escrow.RollbackResult {
	fresh, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		logger.Warn("reload task for escrow rollback; using the ledger", "error", err)
		return s.escrow.Rollback(ctx, taskID, escrow.Info{})
	}
	return s.escrow.RollbackTask(ctx, fresh)
}

// Dismiss hides a FAILED task. It reports false for any other status.
func (s *Service) Dismiss(ctx context.Context, taskID string) (bool, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	ok, err := s.store.DismissTask(ctx, taskID)
	if err != nil || !ok {
		return false, err
	}
	s.publish(ctx, task, events.TypeDismissed, map[string]any{})
	return true, nil
}

func (s *Service) publish(ctx context.Context, task *persistence.Task, eventType string, payload any) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Lifecycle(ctx, events.RefOf(task), eventType, payload); err != nil {
		s.logger.Warn("publish lifecycle event", "task_id", task.ID, "type", eventType, "error", err)
	}
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.audit != nil {
		s.audit.Record(ctx, e)
	}
}
