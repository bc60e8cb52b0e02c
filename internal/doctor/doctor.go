package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/basket/go-studio/internal/config"
	"github.com/basket/go-studio/internal/persistence"
	"github.com/basket/go-studio/internal/tasktype"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAuthToken,
		checkDatabase,
		checkPermissions,
		checkHandlerCoverage,
		checkHandlerEndpoints,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing; the daemon writes a starter on first run"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkAuthToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth Token", Status: "SKIP", Message: "Config missing"}
	}
	if strings.TrimSpace(cfg.AuthToken) != "" {
		return CheckResult{Name: "Auth Token", Status: "PASS", Message: "auth_token set in config or STUDIO_AUTH_TOKEN"}
	}
	path := filepath.Join(cfg.HomeDir, "auth.token")
	if b, err := os.ReadFile(path); err == nil && strings.TrimSpace(string(b)) != "" {
		return CheckResult{Name: "Auth Token", Status: "PASS", Message: fmt.Sprintf("Using %s", path)}
	}
	return CheckResult{
		Name:    "Auth Token",
		Status:  "WARN",
		Message: "No auth token yet",
		Detail:  "studiod generates auth.token on first start",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.TaskCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	active := counts[persistence.TaskStatusQueued] + counts[persistence.TaskStatusProcessing]
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s active_tasks=%d", cfg.DBPath, active),
	}
}

func checkPermissions(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkHandlerCoverage warns about task types that would be accepted but
// have no handler bound; their jobs fail with a permanent error.
func checkHandlerCoverage(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Handlers", Status: "SKIP", Message: "Config missing"}
	}
	types, err := tasktype.NewRegistry()
	if err != nil {
		return CheckResult{Name: "Handlers", Status: "FAIL", Message: fmt.Sprintf("Task type registry: %v", err)}
	}
	var missing []string
	for _, t := range types.Types() {
		if _, ok := cfg.Handlers[string(t)]; !ok {
			missing = append(missing, string(t))
		}
	}
	if len(missing) == 0 {
		return CheckResult{Name: "Handlers", Status: "PASS", Message: fmt.Sprintf("All %d task types bound", len(types.Types()))}
	}
	return CheckResult{
		Name:    "Handlers",
		Status:  "WARN",
		Message: fmt.Sprintf("%d of %d task types have no handler", len(missing), len(types.Types())),
		Detail:  strings.Join(missing, ", "),
	}
}

// checkHandlerEndpoints dials every configured worker endpoint.
func checkHandlerEndpoints(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Handlers) == 0 {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "No handlers configured"}
	}

	names := make([]string, 0, len(cfg.Handlers))
	for name := range cfg.Handlers {
		names = append(names, name)
	}
	slices.Sort(names)

	var details []string
	status := "PASS"
	reachable := 0
	for _, name := range names {
		addr, err := dialAddr(cfg.Handlers[name].Endpoint)
		if err != nil {
			details = append(details, fmt.Sprintf("%s: %v", name, err))
			status = "FAIL"
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		start := time.Now()
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
		cancel()
		if err != nil {
			details = append(details, fmt.Sprintf("%s: %s unreachable (%v)", name, addr, err))
			status = "FAIL"
			continue
		}
		conn.Close()
		reachable++
		details = append(details, fmt.Sprintf("%s: %s ok (%dms)", name, addr, time.Since(start).Milliseconds()))
	}

	return CheckResult{
		Name:    "Network",
		Status:  status,
		Message: fmt.Sprintf("%d of %d handler endpoints reachable", reachable, len(names)),
		Detail:  strings.Join(details, "; "),
	}
}

func dialAddr(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("bad endpoint: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("bad endpoint %q: no host", endpoint)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
