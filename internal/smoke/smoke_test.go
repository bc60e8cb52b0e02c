// Package smoke drives a built studiod binary end to end.
package smoke

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const smokeToken = "smoke-token"

func moduleRoot(t *testing.T) string {
	t.Helper()

	cmd := exec.Command("go", "env", "GOMOD")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("go env GOMOD: %v", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		t.Fatalf("go env GOMOD returned %q; expected path to go.mod", gomod)
	}
	return filepath.Dir(gomod)
}

var (
	buildOnce sync.Once
	builtBin  string
	buildErr  error
	buildLog  bytes.Buffer
	buildDir  string
)

// buildStudiod compiles ./cmd/studiod once per test binary.
func buildStudiod(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("smoke tests build the daemon; skipped in -short mode")
	}
	root := moduleRoot(t)
	buildOnce.Do(func() {
		buildDir, buildErr = os.MkdirTemp("", "studiod-smoke-")
		if buildErr != nil {
			return
		}
		builtBin = filepath.Join(buildDir, "studiod")
		cmd := exec.Command("go", "build", "-o", builtBin, "./cmd/studiod")
		cmd.Dir = root
		cmd.Stdout = &buildLog
		cmd.Stderr = &buildLog
		buildErr = cmd.Run()
	})
	if buildErr != nil {
		t.Fatalf("build studiod: %v\n%s", buildErr, buildLog.String())
	}
	return builtBin
}

func TestMain(m *testing.M) {
	code := m.Run()
	if buildDir != "" {
		_ = os.RemoveAll(buildDir)
	}
	os.Exit(code)
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pick free addr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

type daemon struct {
	bin  string
	home string
	addr string
	cmd  *exec.Cmd
	out  *bytes.Buffer
}

func (d *daemon) env() []string {
	return append(os.Environ(),
		"STUDIO_HOME="+d.home,
		"STUDIO_BIND_ADDR="+d.addr,
		"STUDIO_AUTH_TOKEN="+smokeToken,
	)
}

// startDaemon runs studiod against home with configYAML written first (when
// non-empty) and waits for /healthz.
func startDaemon(t *testing.T, configYAML string) *daemon {
	t.Helper()
	d := &daemon{
		bin:  buildStudiod(t),
		home: t.TempDir(),
		addr: pickFreeAddr(t),
		out:  &bytes.Buffer{},
	}
	if configYAML != "" {
		if err := os.WriteFile(filepath.Join(d.home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	d.cmd = exec.Command(d.bin, "-quiet")
	d.cmd.Env = d.env()
	d.cmd.Stdout = d.out
	d.cmd.Stderr = d.out
	if err := d.cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	t.Cleanup(func() { d.stop(t) })

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + d.addr + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return d
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("daemon not healthy in time\noutput=%s", d.out.String())
	return nil
}

// stop interrupts the daemon and returns its exit error.
func (d *daemon) stop(t *testing.T) error {
	t.Helper()
	if d.cmd.ProcessState != nil {
		return nil
	}
	_ = d.cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- d.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(8 * time.Second):
		_ = d.cmd.Process.Kill()
		<-done
		t.Fatalf("daemon did not exit after interrupt\noutput=%s", d.out.String())
		return nil
	}
}

func (d *daemon) api(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, "http://"+d.addr+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+smokeToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestSmoke_BuildsStudiodBinary(t *testing.T) {
	bin := buildStudiod(t)
	fi, err := os.Stat(bin)
	if err != nil {
		t.Fatalf("stat built binary: %v", err)
	}
	if fi.Size() <= 0 {
		t.Fatalf("built binary has unexpected size %d", fi.Size())
	}
}
