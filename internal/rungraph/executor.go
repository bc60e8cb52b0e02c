// Package rungraph executes a run as an ordered list of nodes, each with its
// own attempt budget and per-attempt timeout.
package rungraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-studio/internal/events"
	"github.com/basket/go-studio/internal/otel"
)

// ErrNodeTimeout marks an attempt that lost the race against its timeout.
var ErrNodeTimeout = errors.New("node attempt timed out")

// Event is a step or run marker. Stage is one of the events.Stage* values.
type Event struct {
	Stage   string
	StepKey string
	Attempt int
	Title   string
	Data    any
}

type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

type EmitterFunc func(ctx context.Context, ev Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

type Executor struct {
	emitter Emitter
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
}

func NewExecutor(emitter Emitter, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Executor{
		emitter: emitter,
		logger:  logger.With("component", "rungraph"),
		metrics: metrics,
		tracer:  tracer,
	}
}

// Execute runs nodes strictly in order. A node's non-nil output is stored in
// state under its key. Failed attempts retry immediately; a node that runs out
// of attempts aborts the graph with a *NodeError. Cancelling ctx stops the
// graph without emitting a run marker.
func (x *Executor) Execute(ctx context.Context, runID string, nodes []Node, state State) (State, error) {
	if state == nil {
		state = State{}
	}
	if err := Validate(nodes); err != nil {
		return state, fmt.Errorf("invalid graph: %w", err)
	}
	logger := x.logger.With("run_id", runID)

	for _, n := range nodes {
		maxAttempts := n.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = defaultMaxAttempts
		}
		var lastErr error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			x.emit(ctx, Event{Stage: events.StageStepStart, StepKey: n.Key, Attempt: attempt, Title: n.Title})
			out, err := x.attempt(ctx, runID, n, attempt, state)
			if err == nil {
				lastErr = nil
				if out != nil {
					state[n.Key] = out
				}
				x.emit(ctx, Event{Stage: events.StageStepComplete, StepKey: n.Key, Attempt: attempt, Title: n.Title, Data: out})
				break
			}
			if ctx.Err() != nil {
				return state, ctx.Err()
			}
			lastErr = err
			logger.Warn("node attempt failed", "step_key", n.Key, "attempt", attempt, "max_attempts", maxAttempts, "error", err)
			x.emit(ctx, Event{Stage: events.StageStepError, StepKey: n.Key, Attempt: attempt, Title: n.Title, Data: map[string]any{"error": err.Error()}})
		}
		if lastErr != nil {
			nerr := &NodeError{Key: n.Key, Attempts: maxAttempts, Err: lastErr}
			x.emit(ctx, Event{Stage: events.StageRunError, StepKey: n.Key, Data: map[string]any{"error": nerr.Error()}})
			return state, nerr
		}
	}

	x.emit(ctx, Event{Stage: events.StageRunComplete})
	logger.Debug("run graph completed", "nodes", len(nodes))
	return state, nil
}

type outcome struct {
	out any
	err error
}

func (x *Executor) attempt(ctx context.Context, runID string, n Node, attempt int, state State) (any, error) {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, span := otel.StartSpan(ctx, x.tracer, "rungraph.node",
		otel.AttrRunID.String(runID),
		otel.AttrStepKey.String(n.Key),
		otel.AttrAttempt.Int(attempt),
	)
	defer span.End()

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		var (
			catcher panics.Catcher
			o       outcome
		)
		catcher.Try(func() {
			o.out, o.err = n.Run(actx, &NodeContext{RunID: runID, Key: n.Key, Attempt: attempt, State: state})
		})
		if o.err == nil {
			o.err = catcher.Recovered().AsError()
		}
		done <- o
	}()

	var o outcome
	select {
	case o = <-done:
	case <-actx.Done():
		if ctx.Err() != nil {
			o.err = ctx.Err()
		} else {
			o.err = fmt.Errorf("%w: %s after %s", ErrNodeTimeout, n.Key, timeout)
		}
		// The body shares state with the next attempt; it must be gone before
		// that starts. Whatever it returns late is discarded.
		<-done
	}

	result := "ok"
	if o.err != nil {
		result = "error"
		span.RecordError(o.err)
		span.SetStatus(codes.Error, o.err.Error())
	}
	if x.metrics != nil {
		x.metrics.RunGraphAttempts.Add(ctx, 1, metric.WithAttributes(
			otel.AttrStepKey.String(n.Key),
			attribute.String("outcome", result),
		))
	}
	return o.out, o.err
}

func (x *Executor) emit(ctx context.Context, ev Event) {
	if x.emitter == nil {
		return
	}
	if err := x.emitter.Emit(ctx, ev); err != nil {
		x.logger.Warn("run graph event not emitted", "stage", ev.Stage, "step_key", ev.StepKey, "error", err)
	}
}
