package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-studio/internal/audit"
	"github.com/basket/go-studio/internal/bridge"
	"github.com/basket/go-studio/internal/bus"
	"github.com/basket/go-studio/internal/config"
	"github.com/basket/go-studio/internal/cron"
	"github.com/basket/go-studio/internal/engine"
	"github.com/basket/go-studio/internal/escrow"
	"github.com/basket/go-studio/internal/events"
	"github.com/basket/go-studio/internal/gateway"
	"github.com/basket/go-studio/internal/lifecycle"
	"github.com/basket/go-studio/internal/otel"
	"github.com/basket/go-studio/internal/persistence"
	"github.com/basket/go-studio/internal/queue"
	"github.com/basket/go-studio/internal/submission"
	"github.com/basket/go-studio/internal/tasktype"
	"github.com/basket/go-studio/internal/telemetry"
	"github.com/basket/go-studio/internal/watchdog"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON:
  %s                          Start the task daemon (logs to stdout and <home>/logs)
  %s serve [--help]           Same as above

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  STUDIO_HOME             Data directory (default: ~/.studio)
  STUDIO_BIND_ADDR        Overrides bind_addr
  STUDIO_AUTH_TOKEN       Overrides auth_token and auth.token
  STUDIO_LOG_LEVEL        Overrides log_level

EXAMPLES:
  Start the daemon:       %s
  Check daemon health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	quiet := flag.Bool("quiet", false, "log to <home>/logs only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "serve":
			mode, err := parseServeArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == serveHelp {
				printServeUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, *quiet)
}

func runDaemon(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, nil, "E_CONFIG_LOAD", err)
	}
	genesis := cfg.NeedsGenesis
	if genesis {
		if err := config.WriteStarter(cfg.HomeDir); err != nil {
			fatalStartup(nil, nil, "E_CONFIG_WRITE", err)
		}
		cfg, err = config.LoadFrom(cfg.HomeDir)
		if err != nil {
			fatalStartup(nil, nil, "E_CONFIG_RELOAD", err)
		}
	}

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, quiet)
	if err != nil {
		fatalStartup(nil, nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint(), "version", Version)
	if genesis {
		logger.Info("config.yaml written with starter settings", "path", config.ConfigPath(cfg.HomeDir))
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser clients will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	authToken, err := loadAuthToken(cfg, logger)
	if err != nil {
		fatalStartup(logger, nil, "E_AUTH_TOKEN", err)
	}

	provider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, nil, "E_OTEL_INIT", err)
	}
	defer provider.Shutdown(context.Background())
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, nil, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, nil, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	trail, err := audit.Open(cfg.HomeDir, store)
	if err != nil {
		fatalStartup(logger, nil, "E_AUDIT_INIT", err)
	}
	defer trail.Close()

	types, err := tasktype.NewRegistry()
	if err != nil {
		fatalStartup(logger, trail, "E_TASKTYPE_INIT", err)
	}

	eventBus := bus.New()
	publisher := events.NewPublisher(store, eventBus, cfg.PersistStreamWorkflows, logger, metrics)
	esc := escrow.New(store, store, logger, metrics)
	jobs := queue.New(store, logger)
	wd := watchdog.New(watchdog.Deps{
		Store:   store,
		Escrow:  esc,
		Events:  publisher,
		Queue:   jobs,
		Audit:   trail,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  provider.Tracer,
	})

	// Jobs leased by a worker that died with the previous process.
	recovered, err := store.RequeueExpiredJobs(ctx)
	if err != nil {
		fatalStartup(logger, trail, "E_RECOVERY_SCAN", err)
	}
	exhausted := 0
	if len(recovered.Exhausted) > 0 {
		exhausted = wd.FailExhausted(ctx, recovered.Exhausted)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed",
		"requeued", recovered.Requeued,
		"tasks_failed", exhausted)

	handlers := lifecycle.NewRegistry()
	for taskType, hc := range cfg.Handlers {
		if _, ok := types.Lookup(taskType); !ok {
			logger.Warn("handler configured for unknown task type; ignored", "task_type", taskType)
			continue
		}
		handlers.Register(taskType, bridge.New(bridge.FromConfig(hc), logger, metrics, provider.Tracer))
	}
	for _, t := range types.Types() {
		if _, ok := handlers.Lookup(string(t)); !ok {
			logger.Warn("no handler bound; tasks of this type will fail", "task_type", t)
		}
	}

	executor := lifecycle.NewExecutor(lifecycle.Deps{
		Store:    store,
		Escrow:   esc,
		Events:   publisher,
		Handlers: handlers,
		Types:    types,
		Audit:    trail,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   provider.Tracer,
	}, lifecycle.Config{HeartbeatInterval: cfg.HeartbeatInterval()})

	eng := engine.New(store, executor, engine.Config{
		Slots: map[string]int{
			string(tasktype.PartitionText):  cfg.TextWorkers,
			string(tasktype.PartitionMedia): cfg.MediaWorkers,
		},
		JobLease: cfg.JobLease(),
	}, logger, metrics)

	submitter := submission.New(submission.Deps{
		Store:      store,
		Types:      types,
		Escrow:     esc,
		Queue:      jobs,
		Reconciler: wd,
		Events:     publisher,
		Audit:      trail,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     provider.Tracer,
	}, submission.Config{
		DefaultMaxAttempts: cfg.DefaultMaxAttempts,
		MaxQueueDepth:      cfg.MaxQueueDepth,
	})

	live := newLiveConfig(cfg, level, publisher)

	sched, err := cron.NewScheduler(cron.Config{
		Logger: logger,
		Jobs: []cron.Job{
			cron.WatchdogJob(cfg.Watchdog.Schedule, wd, live.watchdogSettings),
			cron.LeaseRequeueJob(cfg.LeaseRequeueSchedule, store, wd, logger),
			cron.RetentionJob(cfg.Retention.Schedule, store, live.retentionPolicy, logger),
		},
	})
	if err != nil {
		fatalStartup(logger, trail, "E_CRON_INIT", err)
	}

	gw := gateway.New(gateway.Config{
		Store:        store,
		Submission:   submitter,
		Events:       publisher,
		Bus:          eventBus,
		Audit:        trail,
		Logger:       logger,
		Metrics:      metrics,
		AuthToken:    authToken,
		AllowOrigins: cfg.AllowOrigins,
		RateLimit:    cfg.RateLimit,
		Fingerprint:  live.fingerprint,
		EngineStatus: eng.Status,
		CronStatus:   sched.Status,
	})
	gw.Limiter().StartEviction(ctx, 5*time.Minute, 30*time.Minute)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, trail, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "ops", ev.Ops.String())
			next, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Error("config.yaml reload rejected; keeping previous config", "error", err)
				continue
			}
			live.apply(next, logger)
		}
	}()

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  Another process is using %s. Stop it first or change bind_addr in config.yaml.", err, cfg.BindAddr)
		}
		fatalStartup(logger, trail, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	eng.Start(ctx)
	sched.Start(ctx)
	logger.Info("startup phase", "phase", "workers_started", "text", cfg.TextWorkers, "media", cfg.MediaWorkers)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then maintenance, then let in-flight jobs finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	sched.Stop()
	if !eng.Drain(live.current.Load().DrainTimeout()) {
		logger.Warn("shutdown left jobs in flight; their leases will be reclaimed on next start")
	}
	logger.Info("shutdown complete")
}

// liveConfig holds the config the daemon is running with. Only the log level,
// the stream persist allow-list, the watchdog settings and retention take
// effect on reload; everything else is read once at startup.
type liveConfig struct {
	current atomic.Pointer[config.Config]
	level   *slog.LevelVar
	events  *events.Publisher
}

func newLiveConfig(cfg config.Config, level *slog.LevelVar, publisher *events.Publisher) *liveConfig {
	l := &liveConfig{level: level, events: publisher}
	l.current.Store(&cfg)
	return l
}

func (l *liveConfig) apply(next config.Config, logger *slog.Logger) {
	prev := l.current.Load()
	if keys := config.RestartRequired(*prev, next); len(keys) > 0 {
		logger.Warn("config changes need a restart to take effect", "keys", keys)
	}
	if l.level != nil {
		l.level.Set(telemetry.ParseLevel(next.LogLevel))
	}
	if l.events != nil {
		l.events.SetStreamAllowList(next.PersistStreamWorkflows)
	}
	l.current.Store(&next)
	logger.Info("config.yaml hot-reloaded", "fingerprint", next.Fingerprint())
}

func (l *liveConfig) watchdogSettings() (time.Duration, int) {
	c := l.current.Load()
	return c.WatchdogThreshold(), c.Watchdog.BatchLimit
}

func (l *liveConfig) retentionPolicy() persistence.RetentionPolicy {
	r := l.current.Load().Retention
	return persistence.RetentionPolicy{
		TaskEventDays: r.TaskEventsDays,
		JobDays:       r.JobsDays,
		AuditLogDays:  r.AuditLogDays,
	}
}

func (l *liveConfig) fingerprint() string {
	return l.current.Load().Fingerprint()
}

func fatalStartup(logger *slog.Logger, trail *audit.Trail, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	trail.Record(context.Background(), audit.Entry{Action: audit.ActionStartupFailed, Code: reasonCode, Detail: message})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}

// loadAuthToken returns the configured token, or the one persisted in
// <home>/auth.token, generating it on first run.
func loadAuthToken(cfg config.Config, logger *slog.Logger) (string, error) {
	if tok := strings.TrimSpace(cfg.AuthToken); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	if logger != nil {
		logger.Info("auth.token generated", "path", tokenPath)
	}
	return token, nil
}

type serveMode int

const (
	serveRun serveMode = iota
	serveHelp
)

func parseServeArgs(args []string) (serveMode, error) {
	if len(args) == 0 {
		return serveRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return serveHelp, nil
	}
	return serveRun, fmt.Errorf("usage: studiod serve [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printServeUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: studiod serve [--help]")
	fmt.Fprintln(w, "       studiod [-quiet]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the task daemon: HTTP gateway, worker slots and maintenance jobs.")
}
