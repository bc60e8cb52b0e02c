// Package gateway is the daemon's HTTP surface: task submission and control,
// run inspection, the replayable project event stream and the run websocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-studio/internal/audit"
	"github.com/basket/go-studio/internal/bus"
	"github.com/basket/go-studio/internal/config"
	"github.com/basket/go-studio/internal/cron"
	"github.com/basket/go-studio/internal/engine"
	"github.com/basket/go-studio/internal/events"
	"github.com/basket/go-studio/internal/otel"
	"github.com/basket/go-studio/internal/persistence"
	"github.com/basket/go-studio/internal/shared"
	"github.com/basket/go-studio/internal/submission"
)

const (
	maxBodyBytes    = 1 << 20
	defaultPageSize = 50
)

// Store is the read side of persistence the API serves from.
type Store interface {
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
	ListTasks(ctx context.Context, f persistence.TaskFilter) ([]persistence.Task, int, error)
	GetRun(ctx context.Context, runID string) (*persistence.Run, error)
	TaskCounts(ctx context.Context) (map[persistence.TaskStatus]int, error)
	TotalEventCount(ctx context.Context) (int64, error)
	CreditAccount(ctx context.Context, userID string, amount int64) (int64, error)
	Balance(ctx context.Context, userID string) (int64, error)
}

type Submitter interface {
	Submit(ctx context.Context, p submission.Params) (submission.Result, error)
	Cancel(ctx context.Context, taskID string) (bool, error)
	Dismiss(ctx context.Context, taskID string) (bool, error)
}

type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

type Config struct {
	Store      Store
	Submission Submitter
	Events     *events.Publisher
	Bus        *bus.Bus
	Audit      Auditor
	Logger     *slog.Logger
	Metrics    *otel.Metrics

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser clients,
	// websockets included. Empty means same-origin only.
	AllowOrigins []string
	RateLimit    config.RateLimitConfig

	// Fingerprint returns the hash of the active config; it changes on reload.
	Fingerprint  func() string
	EngineStatus func() engine.Status
	CronStatus   func() []cron.JobStatus

	// KeepAlive is the SSE comment interval. Zero means 15s.
	KeepAlive time.Duration
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimitMiddleware
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		limiter: NewRateLimitMiddleware(cfg.RateLimit),
	}
}

// Limiter exposes the submission rate limiter so the daemon can run its
// bucket eviction.
func (s *Server) Limiter() *RateLimitMiddleware {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.traceRequests)
	r.Use(middleware.Recoverer)
	r.Use(NewCORSMiddleware(s.cfg.AllowOrigins))
	r.Use(NewAuthMiddleware(s.cfg.AuthToken).Wrap)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/metrics/prometheus", s.handlePrometheusMetrics)

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.With(RequestSizeLimitMiddleware(maxBodyBytes), s.limiter.Wrap).Post("/", s.handleSubmit)
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleGetTask)
			r.Post("/{id}/cancel", s.handleCancel)
			r.Post("/{id}/dismiss", s.handleDismiss)
		})
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/events", s.handleRunEvents)
		r.Get("/projects/{id}/events", s.handleProjectEvents)
		r.Get("/accounts/{user}", s.handleBalance)
		r.With(RequestSizeLimitMiddleware(maxBodyBytes)).Post("/accounts/{user}/credit", s.handleCredit)
	})
	r.Get("/ws/runs/{id}", s.handleRunWS)
	return r
}

// traceRequests gives every request a trace id (honoring X-Trace-Id) and logs
// it once the handler returns.
func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set("X-Trace-Id", traceID)
		ctx := shared.WithTraceID(r.Context(), traceID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		elapsed := time.Since(start)
		if m := s.cfg.Metrics; m != nil {
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.RequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.status_code", ww.Status()),
			))
		}

		level := slog.LevelDebug
		switch {
		case ww.Status() >= 500:
			level = slog.LevelError
		case ww.Status() >= 400:
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes_written", ww.BytesWritten(),
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()),
			"trace_id", traceID,
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	if _, err := s.cfg.Store.TaskCounts(ctx); err != nil {
		dbOK = false
	}
	var replayBacklog int64
	if n, err := s.cfg.Store.TotalEventCount(ctx); err == nil {
		replayBacklog = n
	}
	payload := map[string]any{
		"healthy":               dbOK,
		"db_ok":                 dbOK,
		"replay_backlog_events": replayBacklog,
	}
	if s.cfg.Fingerprint != nil {
		payload["config_fingerprint"] = s.cfg.Fingerprint()
	}
	if s.cfg.EngineStatus != nil {
		payload["engine"] = s.cfg.EngineStatus()
	}
	if s.cfg.CronStatus != nil {
		payload["cron"] = s.cfg.CronStatus()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

type metricsSnapshot struct {
	Tasks          map[persistence.TaskStatus]int
	Events         int64
	ActiveJobs     int32
	ProcessedJobs  int64
	BusSubscribers int
	BusDropped     int64
	AllocBytes     uint64
}

func (s *Server) snapshot(ctx context.Context) metricsSnapshot {
	var snap metricsSnapshot
	snap.Tasks, _ = s.cfg.Store.TaskCounts(ctx)
	snap.Events, _ = s.cfg.Store.TotalEventCount(ctx)
	if s.cfg.EngineStatus != nil {
		st := s.cfg.EngineStatus()
		snap.ActiveJobs, snap.ProcessedJobs = st.ActiveJobs, st.Processed
	}
	if s.cfg.Bus != nil {
		snap.BusSubscribers, snap.BusDropped = s.cfg.Bus.SubscriberCount(), s.cfg.Bus.Dropped()
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	snap.AllocBytes = mem.Alloc
	return snap
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":           snap.Tasks,
		"task_events":     snap.Events,
		"active_jobs":     snap.ActiveJobs,
		"processed_jobs":  snap.ProcessedJobs,
		"bus_subscribers": snap.BusSubscribers,
		"bus_dropped":     snap.BusDropped,
		"alloc_bytes":     snap.AllocBytes,
	})
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(r.Context())
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP studio_tasks Number of tasks by status.\n")
	fmt.Fprintf(w, "# TYPE studio_tasks gauge\n")
	for _, status := range []persistence.TaskStatus{
		persistence.TaskStatusQueued, persistence.TaskStatusProcessing, persistence.TaskStatusCompleted,
		persistence.TaskStatusFailed, persistence.TaskStatusDismissed,
	} {
		fmt.Fprintf(w, "studio_tasks{status=%q} %d\n", status, snap.Tasks[status])
	}
	fmt.Fprintf(w, "# HELP studio_task_events Persisted task events.\n")
	fmt.Fprintf(w, "# TYPE studio_task_events gauge\n")
	fmt.Fprintf(w, "studio_task_events %d\n", snap.Events)
	fmt.Fprintf(w, "# HELP studio_active_jobs Jobs currently held by a worker slot.\n")
	fmt.Fprintf(w, "# TYPE studio_active_jobs gauge\n")
	fmt.Fprintf(w, "studio_active_jobs %d\n", snap.ActiveJobs)
	fmt.Fprintf(w, "# HELP studio_processed_jobs_total Jobs finished by this process.\n")
	fmt.Fprintf(w, "# TYPE studio_processed_jobs_total counter\n")
	fmt.Fprintf(w, "studio_processed_jobs_total %d\n", snap.ProcessedJobs)
	fmt.Fprintf(w, "# HELP studio_bus_dropped_total Live deliveries dropped for slow subscribers.\n")
	fmt.Fprintf(w, "# TYPE studio_bus_dropped_total counter\n")
	fmt.Fprintf(w, "studio_bus_dropped_total %d\n", snap.BusDropped)
	fmt.Fprintf(w, "# HELP studio_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE studio_alloc_bytes gauge\n")
	fmt.Fprintf(w, "studio_alloc_bytes %d\n", snap.AllocBytes)
}

// --- tasks ---

type submitResponse struct {
	submission.Result
	Error string `json:"error,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var p submission.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	res, err := s.cfg.Submission.Submit(r.Context(), p)
	switch {
	case err == nil:
		status := http.StatusAccepted
		if res.Deduped {
			status = http.StatusOK
		}
		writeJSON(w, status, submitResponse{Result: res})
	case errors.Is(err, submission.ErrValidation):
		res.ErrorCode = persistence.ReasonValidationFailed
		writeJSON(w, http.StatusBadRequest, submitResponse{Result: res, Error: err.Error()})
	case errors.Is(err, submission.ErrQueueSaturated):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusTooManyRequests, err.Error())
	case res.TaskID != "":
		// The task exists and already failed; the body says why.
		status := http.StatusServiceUnavailable
		if res.ErrorCode == persistence.ReasonInsufficientBalance {
			status = http.StatusPaymentRequired
		}
		writeJSON(w, status, submitResponse{Result: res, Error: err.Error()})
	default:
		s.logger.Error("submit failed", "error", err, "trace_id", shared.TraceID(r.Context()))
		writeError(w, http.StatusInternalServerError, "submission failed")
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := persistence.TaskFilter{
		ProjectID: q.Get("project_id"),
		UserID:    q.Get("user_id"),
		Status:    persistence.TaskStatus(q.Get("status")),
		Limit:     queryInt(q.Get("limit"), defaultPageSize),
		Offset:    queryInt(q.Get("offset"), 0),
	}
	tasks, total, err := s.cfg.Store.ListTasks(r.Context(), f)
	if err != nil {
		s.internalError(w, r, "list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lookupError(w, r, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	ok, err := s.cfg.Submission.Cancel(r.Context(), taskID)
	if err != nil {
		s.lookupError(w, r, "cancel task", err)
		return
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"task_id": taskID, "cancelled": ok})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	ok, err := s.cfg.Submission.Dismiss(r.Context(), taskID)
	if err != nil {
		s.lookupError(w, r, "dismiss task", err)
		return
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"task_id": taskID, "dismissed": ok})
}

// --- runs ---

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.cfg.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lookupError(w, r, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.cfg.Store.GetRun(r.Context(), runID); err != nil {
		s.lookupError(w, r, "get run", err)
		return
	}
	after := int64(queryInt(r.URL.Query().Get("after"), 0))
	limit := queryInt(r.URL.Query().Get("limit"), defaultPageSize)
	evs, err := s.cfg.Events.RunEventsAfter(r.Context(), runID, after, limit)
	if err != nil {
		s.internalError(w, r, "list run events", err)
		return
	}
	next := after
	if len(evs) > 0 {
		next = evs[len(evs)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "events": evs, "next_after": next})
}

// --- accounts ---

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	balance, err := s.cfg.Store.Balance(r.Context(), userID)
	if err != nil {
		s.internalError(w, r, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	var body struct {
		Amount int64  `json:"amount"`
		Note   string `json:"note,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	balance, err := s.cfg.Store.CreditAccount(r.Context(), userID, body.Amount)
	if err != nil {
		s.internalError(w, r, "credit account", err)
		return
	}
	if s.cfg.Audit != nil {
		s.cfg.Audit.Record(r.Context(), audit.Entry{
			Action: audit.ActionAccountCredited,
			Detail: fmt.Sprintf("user=%s amount=%d note=%q", userID, body.Amount, body.Note),
		})
	}
	s.logger.Info("account credited", "user_id", userID, "amount", body.Amount, "balance", balance)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}

// --- helpers ---

func (s *Server) lookupError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.internalError(w, r, op, err)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op, "error", err, "trace_id", shared.TraceID(r.Context()))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
