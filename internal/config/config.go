package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/basket/go-studio/internal/otel"
)

// StepConfig describes one node of a bridged workflow.
type StepConfig struct {
	Key            string `yaml:"key"`
	Title          string `yaml:"title"`
	MaxAttempts    int    `yaml:"max_attempts"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// HandlerConfig binds a task type to an external async worker.
type HandlerConfig struct {
	Endpoint           string       `yaml:"endpoint"`
	AuthToken          string       `yaml:"auth_token"`
	PollIntervalMillis int          `yaml:"poll_interval_ms"`
	PollTimeoutSeconds int          `yaml:"poll_timeout_seconds"`
	RequestTimeoutSecs int          `yaml:"request_timeout_seconds"`
	Steps              []StepConfig `yaml:"steps"`
}

type WatchdogConfig struct {
	ThresholdSeconds int    `yaml:"threshold_seconds"`
	BatchLimit       int    `yaml:"batch_limit"`
	Schedule         string `yaml:"schedule"`
}

type RetentionConfig struct {
	TaskEventsDays int    `yaml:"task_events_days"`
	JobsDays       int    `yaml:"jobs_days"`
	AuditLogDays   int    `yaml:"audit_log_days"`
	Schedule       string `yaml:"schedule"`
}

// RateLimitConfig throttles task submissions per bearer token or client address.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	DBPath    string `yaml:"db_path"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	TextWorkers              int    `yaml:"text_workers"`
	MediaWorkers             int    `yaml:"media_workers"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
	JobLeaseSeconds          int    `yaml:"job_lease_seconds"`
	LeaseRequeueSchedule     string `yaml:"lease_requeue_schedule"`
	DefaultMaxAttempts       int    `yaml:"default_max_attempts"`
	DrainTimeoutSeconds      int    `yaml:"drain_timeout_seconds"`
	// MaxQueueDepth rejects submissions once a partition has this many waiting jobs. Zero disables it.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// PersistStreamWorkflows lists workflow types whose stream events are stored for replay.
	PersistStreamWorkflows []string `yaml:"persist_stream_workflows"`

	Watchdog  WatchdogConfig           `yaml:"watchdog"`
	Retention RetentionConfig          `yaml:"retention"`
	RateLimit RateLimitConfig          `yaml:"rate_limit"`
	Handlers  map[string]HandlerConfig `yaml:"handlers"`
	OTel      otel.Config              `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// envOverrides is the STUDIO_* environment layer. Zero values leave the file setting alone.
type envOverrides struct {
	BindAddr                 string `envconfig:"BIND_ADDR"`
	LogLevel                 string `envconfig:"LOG_LEVEL"`
	DBPath                   string `envconfig:"DB_PATH"`
	AuthToken                string `envconfig:"AUTH_TOKEN"`
	TextWorkers              int    `envconfig:"TEXT_WORKERS"`
	MediaWorkers             int    `envconfig:"MEDIA_WORKERS"`
	WatchdogThresholdSeconds int    `envconfig:"WATCHDOG_THRESHOLD_SECONDS"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|text=%d|media=%d|hb=%d|wd=%d/%d|persist=%v|handlers=%v|origins=%v",
		c.BindAddr, c.LogLevel, c.DBPath, c.TextWorkers, c.MediaWorkers, c.HeartbeatIntervalSeconds,
		c.Watchdog.ThresholdSeconds, c.Watchdog.BatchLimit, c.PersistStreamWorkflows, c.handlerNames(), c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func (c Config) handlerNames() []string {
	names := make([]string, 0, len(c.Handlers))
	for name := range c.Handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c Config) WatchdogThreshold() time.Duration {
	return time.Duration(c.Watchdog.ThresholdSeconds) * time.Second
}

func (c Config) JobLease() time.Duration {
	return time.Duration(c.JobLeaseSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func defaultConfig() Config {
	return Config{
		BindAddr:                 "127.0.0.1:18790",
		LogLevel:                 "info",
		TextWorkers:              4,
		MediaWorkers:             2,
		HeartbeatIntervalSeconds: 10,
		JobLeaseSeconds:          30,
		LeaseRequeueSchedule:     "@every 15s",
		DefaultMaxAttempts:       3,
		DrainTimeoutSeconds:      5,
		PersistStreamWorkflows:   []string{"storyboard"},
		Watchdog: WatchdogConfig{
			ThresholdSeconds: 120,
			BatchLimit:       50,
			Schedule:         "@every 1m",
		},
		Retention: RetentionConfig{
			TaskEventsDays: 30,
			JobsDays:       7,
			AuditLogDays:   365,
			Schedule:       "@daily",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("STUDIO_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".studio")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, applies the environment layer and fills defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create studio home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("STUDIO", &env); err != nil {
		return fmt.Errorf("read STUDIO_* environment: %w", err)
	}
	if env.BindAddr != "" {
		cfg.BindAddr = env.BindAddr
	}
	if env.LogLevel != "" {
		cfg.LogLevel = env.LogLevel
	}
	if env.DBPath != "" {
		cfg.DBPath = env.DBPath
	}
	if env.AuthToken != "" {
		cfg.AuthToken = env.AuthToken
	}
	if env.TextWorkers > 0 {
		cfg.TextWorkers = env.TextWorkers
	}
	if env.MediaWorkers > 0 {
		cfg.MediaWorkers = env.MediaWorkers
	}
	if env.WatchdogThresholdSeconds > 0 {
		cfg.Watchdog.ThresholdSeconds = env.WatchdogThresholdSeconds
	}
	return nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "studio.db")
	}
	if cfg.TextWorkers <= 0 {
		cfg.TextWorkers = def.TextWorkers
	}
	if cfg.MediaWorkers <= 0 {
		cfg.MediaWorkers = def.MediaWorkers
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = def.HeartbeatIntervalSeconds
	}
	if cfg.JobLeaseSeconds <= 0 {
		cfg.JobLeaseSeconds = def.JobLeaseSeconds
	}
	if strings.TrimSpace(cfg.LeaseRequeueSchedule) == "" {
		cfg.LeaseRequeueSchedule = def.LeaseRequeueSchedule
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = def.DefaultMaxAttempts
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	if cfg.PersistStreamWorkflows == nil {
		cfg.PersistStreamWorkflows = def.PersistStreamWorkflows
	}
	if cfg.Watchdog.ThresholdSeconds <= 0 {
		cfg.Watchdog.ThresholdSeconds = def.Watchdog.ThresholdSeconds
	}
	if cfg.Watchdog.BatchLimit <= 0 {
		cfg.Watchdog.BatchLimit = def.Watchdog.BatchLimit
	}
	if strings.TrimSpace(cfg.Watchdog.Schedule) == "" {
		cfg.Watchdog.Schedule = def.Watchdog.Schedule
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = def.Retention.Schedule
	}
	for name, h := range cfg.Handlers {
		if h.PollIntervalMillis <= 0 {
			h.PollIntervalMillis = 2000
		}
		if h.PollTimeoutSeconds <= 0 {
			h.PollTimeoutSeconds = 600
		}
		if h.RequestTimeoutSecs <= 0 {
			h.RequestTimeoutSecs = 30
		}
		for i := range h.Steps {
			if h.Steps[i].MaxAttempts <= 0 {
				h.Steps[i].MaxAttempts = 1
			}
			if h.Steps[i].TimeoutSeconds <= 0 {
				h.Steps[i].TimeoutSeconds = 120
			}
			if h.Steps[i].Title == "" {
				h.Steps[i].Title = h.Steps[i].Key
			}
		}
		cfg.Handlers[name] = h
	}
}

func validate(cfg Config) error {
	// Heartbeats must land well inside the stale window or healthy tasks get swept.
	if cfg.HeartbeatIntervalSeconds*2 > cfg.Watchdog.ThresholdSeconds {
		return fmt.Errorf("heartbeat_interval_seconds (%d) must be at most half of watchdog.threshold_seconds (%d)",
			cfg.HeartbeatIntervalSeconds, cfg.Watchdog.ThresholdSeconds)
	}
	for name, h := range cfg.Handlers {
		if strings.TrimSpace(h.Endpoint) == "" {
			return fmt.Errorf("handlers.%s: endpoint is required", name)
		}
		seen := make(map[string]bool, len(h.Steps))
		for _, step := range h.Steps {
			if step.Key == "" {
				return fmt.Errorf("handlers.%s: step key is required", name)
			}
			if seen[step.Key] {
				return fmt.Errorf("handlers.%s: duplicate step key %q", name, step.Key)
			}
			seen[step.Key] = true
		}
	}
	return nil
}

// RestartRequired lists the keys that differ between two configs but are
// only read at startup.
func RestartRequired(prev, next Config) []string {
	var keys []string
	if prev.BindAddr != next.BindAddr {
		keys = append(keys, "bind_addr")
	}
	if prev.DBPath != next.DBPath {
		keys = append(keys, "db_path")
	}
	if prev.AuthToken != next.AuthToken {
		keys = append(keys, "auth_token")
	}
	if prev.TextWorkers != next.TextWorkers || prev.MediaWorkers != next.MediaWorkers {
		keys = append(keys, "workers")
	}
	if prev.HeartbeatIntervalSeconds != next.HeartbeatIntervalSeconds {
		keys = append(keys, "heartbeat_interval_seconds")
	}
	if !slices.Equal(prev.handlerNames(), next.handlerNames()) {
		keys = append(keys, "handlers")
	}
	if prev.RateLimit != next.RateLimit {
		keys = append(keys, "rate_limit")
	}
	if !slices.Equal(prev.AllowOrigins, next.AllowOrigins) {
		keys = append(keys, "allow_origins")
	}
	if prev.OTel != next.OTel {
		keys = append(keys, "otel")
	}
	return keys
}
