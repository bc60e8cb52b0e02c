// Package bridge runs task types on external async workers over HTTP. A
// worker accepts a job, hands back a job id and is polled until the job
// settles. Workflow types with steps call one worker endpoint per step.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-studio/internal/config"
	"github.com/basket/go-studio/internal/events"
	"github.com/basket/go-studio/internal/lifecycle"
	"github.com/basket/go-studio/internal/otel"
	"github.com/basket/go-studio/internal/persistence"
	"github.com/basket/go-studio/internal/rungraph"
	"github.com/basket/go-studio/internal/shared"
)

const maxResponseBytes = 4 << 20

// Worker job states reported by the status endpoint.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

type Step struct {
	Key         string
	Title       string
	MaxAttempts int
	Timeout     time.Duration
}

type Config struct {
	Endpoint       string
	AuthToken      string
	PollInterval   time.Duration
	PollTimeout    time.Duration
	RequestTimeout time.Duration
	Steps          []Step
}

// FromConfig converts a handlers.<type> block of config.yaml.
func FromConfig(hc config.HandlerConfig) Config {
	cfg := Config{
		Endpoint:       strings.TrimSuffix(hc.Endpoint, "/"),
		AuthToken:      hc.AuthToken,
		PollInterval:   time.Duration(hc.PollIntervalMillis) * time.Millisecond,
		PollTimeout:    time.Duration(hc.PollTimeoutSeconds) * time.Second,
		RequestTimeout: time.Duration(hc.RequestTimeoutSecs) * time.Second,
	}
	for _, s := range hc.Steps {
		cfg.Steps = append(cfg.Steps, Step{
			Key:         s.Key,
			Title:       s.Title,
			MaxAttempts: s.MaxAttempts,
			Timeout:     time.Duration(s.TimeoutSeconds) * time.Second,
		})
	}
	return cfg
}

// submitRequest is the body POSTed to a worker endpoint.
type submitRequest struct {
	TaskID  string          `json:"task_id"`
	Type    string          `json:"type"`
	Attempt int             `json:"attempt"`
	RunID   string          `json:"run_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type workerError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// statusResponse is the worker's view of a job.
type statusResponse struct {
	Status   string          `json:"status"`
	Progress int             `json:"progress"`
	Output   json.RawMessage `json:"output"`
	Usage    *int64          `json:"usage"`
	Error    *workerError    `json:"error"`
}

type stepRequest struct {
	TaskID  string          `json:"task_id"`
	RunID   string          `json:"run_id"`
	Step    string          `json:"step"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload"`
	State   rungraph.State  `json:"state"`
}

type stepResponse struct {
	Output json.RawMessage `json:"output"`
	Usage  *int64          `json:"usage"`
}

// Handler implements lifecycle.Handler for one configured task type.
type Handler struct {
	cfg     Config
	client  *http.Client
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
}

func New(cfg Config, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	return &Handler{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		logger:  logger.With("component", "bridge", "endpoint", cfg.Endpoint),
		metrics: metrics,
		tracer:  tracer,
	}
}

func (h *Handler) Handle(ctx context.Context, hc *lifecycle.HandlerContext) (lifecycle.Result, error) {
	if len(h.cfg.Steps) > 0 {
		return h.runSteps(ctx, hc)
	}
	return h.runJob(ctx, hc)
}

// runJob submits the task once and polls it to completion. A redelivered task
// that already has an external id resumes polling instead of resubmitting.
func (h *Handler) runJob(ctx context.Context, hc *lifecycle.HandlerContext) (lifecycle.Result, error) {
	task := hc.Task
	jobID := task.ExternalID
	if jobID == "" {
		var resp submitResponse
		err := h.call(ctx, http.MethodPost, h.cfg.Endpoint, submitRequest{
			TaskID:  task.ID,
			Type:    task.Type,
			Attempt: hc.Attempt,
			RunID:   task.RunID,
			Payload: task.Payload,
		}, &resp)
		if err != nil {
			return lifecycle.Result{}, err
		}
		if resp.JobID == "" {
			return lifecycle.Result{}, lifecycle.Retryable(lifecycle.CodeProviderUnavailable, errors.New("worker returned no job_id"))
		}
		if err := hc.SetExternalID(ctx, resp.JobID); err != nil {
			return lifecycle.Result{}, err
		}
		jobID = resp.JobID
	}
	hc.Logger.Debug("polling worker job", "external_id", jobID)

	var final statusResponse
	lastProgress := task.Progress
	statusURL := h.cfg.Endpoint + "/jobs/" + url.PathEscape(jobID)
	err := lifecycle.PollUntil(ctx, h.cfg.PollInterval, h.cfg.PollTimeout, func(ctx context.Context) (bool, error) {
		var st statusResponse
		if err := h.call(ctx, http.MethodGet, statusURL, nil, &st); err != nil {
			return false, err
		}
		switch st.Status {
		case StateSucceeded, StateFailed:
			final = st
			return true, nil
		case StatePending, StateRunning, "":
		default:
			return false, lifecycle.Permanent(persistence.ReasonExecutionFailed, fmt.Errorf("worker reported unknown status %q", st.Status))
		}
		if st.Progress > lastProgress {
			if err := hc.ReportProgress(ctx, st.Progress); err != nil {
				return false, err
			}
			lastProgress = st.Progress
		}
		return false, nil
	})
	if err != nil {
		return lifecycle.Result{}, err
	}

	if final.Status == StateFailed {
		return lifecycle.Result{}, fromWorkerError(final.Error)
	}
	res := lifecycle.Result{Output: final.Output}
	if final.Usage != nil {
		res.Usage, res.Measured = *final.Usage, true
	}
	return res, nil
}

// runSteps runs the configured steps as a run graph. Step outputs accumulate
// in the graph state, which becomes the task result.
func (h *Handler) runSteps(ctx context.Context, hc *lifecycle.HandlerContext) (lifecycle.Result, error) {
	task := hc.Task
	var (
		usage    int64
		measured bool
	)
	nodes := make([]rungraph.Node, 0, len(h.cfg.Steps))
	for _, step := range h.cfg.Steps {
		stepURL := h.cfg.Endpoint + "/" + url.PathEscape(step.Key)
		nodes = append(nodes, rungraph.Node{
			Key:         step.Key,
			Title:       step.Title,
			MaxAttempts: step.MaxAttempts,
			Timeout:     step.Timeout,
			Run: func(ctx context.Context, nc *rungraph.NodeContext) (any, error) {
				var resp stepResponse
				err := h.call(ctx, http.MethodPost, stepURL, stepRequest{
					TaskID:  task.ID,
					RunID:   nc.RunID,
					Step:    nc.Key,
					Attempt: nc.Attempt,
					Payload: task.Payload,
					State:   nc.State,
				}, &resp)
				if err != nil {
					return nil, err
				}
				if resp.Usage != nil {
					usage += *resp.Usage
					measured = true
				}
				if len(resp.Output) == 0 {
					return nil, nil
				}
				return resp.Output, nil
			},
		})
	}

	x := rungraph.NewExecutor(streamEmitter(hc), hc.Logger, h.metrics, h.tracer)
	state, err := x.Execute(ctx, task.RunID, nodes, nil)
	if err != nil {
		return lifecycle.Result{}, err
	}
	out, err := json.Marshal(state)
	if err != nil {
		return lifecycle.Result{}, lifecycle.Permanent(persistence.ReasonExecutionFailed, fmt.Errorf("encode workflow state: %w", err))
	}
	return lifecycle.Result{Output: out, Usage: usage, Measured: measured}, nil
}

// streamEmitter forwards step markers as task stream events. Run markers are
// left to the task's terminal lifecycle event, since a failed graph may still
// be retried at the task level.
func streamEmitter(hc *lifecycle.HandlerContext) rungraph.Emitter {
	return rungraph.EmitterFunc(func(ctx context.Context, ev rungraph.Event) error {
		if ev.StepKey == "" || ev.Stage == events.StageRunComplete || ev.Stage == events.StageRunError {
			return nil
		}
		data := map[string]any{}
		if ev.Title != "" {
			data["title"] = ev.Title
		}
		if ev.Data != nil {
			data["output"] = ev.Data
		}
		return hc.Stream(ctx, lifecycle.StreamEvent{
			Stage:   ev.Stage,
			StepKey: ev.StepKey,
			Attempt: ev.Attempt,
			Data:    data,
		})
	})
}

// call does one JSON round trip and classifies the outcome. in may be nil.
func (h *Handler) call(ctx context.Context, method, target string, in, out any) error {
	ctx, span := otel.StartClientSpan(ctx, h.tracer, "bridge."+strings.ToLower(method),
		attribute.String("http.request.method", method),
		attribute.String("url.full", target),
	)
	defer span.End()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return lifecycle.Permanent(lifecycle.CodeInvalidInput, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return lifecycle.Permanent(lifecycle.CodeInvalidInput, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.AuthToken)
	}
	if traceID := shared.TraceID(ctx); traceID != "-" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return lifecycle.Retryable(lifecycle.CodeProviderUnavailable, fmt.Errorf("%s %s: %w", method, target, err))
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := classifyStatus(resp.StatusCode, fmt.Errorf("worker returned %d: %s", resp.StatusCode, shared.Redact(strings.TrimSpace(string(snippet)))))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return lifecycle.Retryable(lifecycle.CodeProviderUnavailable, fmt.Errorf("read response: %w", err))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return lifecycle.Permanent(persistence.ReasonExecutionFailed, fmt.Errorf("decode worker response: %w", err))
	}
	return nil
}

func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return lifecycle.Retryable(lifecycle.CodeRateLimited, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return lifecycle.Retryable(lifecycle.CodeTimeout, err)
	case status >= 500:
		return lifecycle.Retryable(lifecycle.CodeProviderUnavailable, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return lifecycle.Permanent(lifecycle.CodeProviderAuth, err)
	case status == http.StatusPaymentRequired:
		return lifecycle.Permanent(lifecycle.CodeProviderBilling, err)
	default:
		return lifecycle.Permanent(lifecycle.CodeInvalidInput, err)
	}
}

func fromWorkerError(we *workerError) error {
	if we == nil {
		return lifecycle.Permanent(persistence.ReasonExecutionFailed, errors.New("worker reported failure without detail"))
	}
	code := we.Code
	if code == "" {
		code = persistence.ReasonExecutionFailed
	}
	err := errors.New(we.Message)
	if we.Message == "" {
		err = errors.New(code)
	}
	if we.Retryable {
		return lifecycle.Retryable(code, err)
	}
	return lifecycle.Permanent(code, err)
}
