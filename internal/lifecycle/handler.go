package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/basket/go-studio/internal/events"
	"github.com/basket/go-studio/internal/persistence"
	"github.com/basket/go-studio/internal/tasktype"
)

// Result is what a handler returns on success.
type Result struct {
	Output json.RawMessage
	// Usage is the measured cost in credits. When Measured is false the
	// frozen estimate is charged in full.
	Usage    int64
	Measured bool
}

// Handler runs the business work for one task type. It must be safe to run
// again for the same task: delivery is at least once.
type Handler interface {
	Handle(ctx context.Context, hc *HandlerContext) (Result, error)
}

type HandlerFunc func(ctx context.Context, hc *HandlerContext) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, hc *HandlerContext) (Result, error) {
	return f(ctx, hc)
}

// Registry maps task types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

func (r *Registry) Lookup(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// StreamEvent is a handler's incremental output. Stage drives run mirroring.
type StreamEvent struct {
	Stage   string
	StepKey string
	Attempt int
	Lane    string
	Data    any
}

// HandlerContext is a handler's view of its task and its only way to write
// back to it.
type HandlerContext struct {
	Task     persistence.Task
	Payload  tasktype.Payload
	Attempt  int
	Workflow string
	Logger   *slog.Logger

	x   *Executor
	ref events.TaskRef
}

// ReportProgress records pct (clamped to 0-99) and publishes a progress event.
// It returns ErrTerminated once the task is no longer active.
func (hc *HandlerContext) ReportProgress(ctx context.Context, pct int) error {
	pct = max(0, min(pct, 99))
	ok, err := hc.x.store.UpdateProgress(ctx, hc.Task.ID, pct)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if !ok {
		return ErrTerminated
	}
	hc.x.publish(ctx, hc.ref, events.TypeProgress, map[string]any{"progress": pct, "attempt": hc.Attempt})
	return nil
}

// SetExternalID stores the provider's job handle. Setting the same id twice is
// a no-op; a different id is an error.
func (hc *HandlerContext) SetExternalID(ctx context.Context, externalID string) error {
	err := hc.x.store.SetExternalID(ctx, hc.Task.ID, externalID)
	if errors.Is(err, persistence.ErrTaskNotActive) {
		return ErrTerminated
	}
	if err != nil {
		return err
	}
	hc.Task.ExternalID = externalID
	return nil
}

// Stream publishes a stream event for the task.
func (hc *HandlerContext) Stream(ctx context.Context, ev StreamEvent) error {
	if hc.x.events == nil {
		return nil
	}
	payload := map[string]any{"stage": ev.Stage}
	if ev.StepKey != "" {
		payload["step_key"] = ev.StepKey
	}
	if ev.Attempt > 0 {
		payload["attempt"] = ev.Attempt
	}
	if ev.Lane != "" {
		payload["lane"] = ev.Lane
	}
	if ev.Data != nil {
		payload["data"] = ev.Data
	}
	_, err := hc.x.events.Stream(ctx, hc.ref, hc.Workflow, payload)
	return err
}
