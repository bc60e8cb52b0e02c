// Package audit is the append-only operator trail for outcomes that need a
// human: failed compensations and evicted orphans.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-studio/internal/shared"
)

// Actions recorded on the trail.
const (
	ActionCompensationFailed = "escrow.compensation_failed"
	ActionOrphanEvicted      = "task.orphan_evicted"
	ActionWatchdogTimeout    = "task.watchdog_timeout"
	ActionSettlementFailed   = "escrow.settlement_failed"
	ActionAccountCredited    = "account.credited"
	ActionStartupFailed      = "runtime.startup_failed"
)

type Entry struct {
	TaskID string
	Action string
	Code   string
	Detail string
}

type line struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	TaskID    string `json:"task_id"`
	Action    string `json:"action"`
	Code      string `json:"code"`
	Detail    string `json:"detail,omitempty"`
}

// Sink is the table half of the trail. persistence.Store implements it.
type Sink interface {
	RecordAudit(ctx context.Context, traceID, taskID, action, code, detail string) error
}

type Trail struct {
	mu    sync.Mutex
	file  *os.File
	sink  Sink
	now   func() time.Time
	count atomic.Int64
}

// Open appends to <homeDir>/logs/audit.jsonl. sink may be nil.
func Open(homeDir string, sink Sink) (*Trail, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Trail{file: f, sink: sink, now: time.Now}, nil
}

func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// Count returns the entries recorded since startup.
func (t *Trail) Count() int64 {
	return t.count.Load()
}

// Record writes e to the file and the sink. Failures are swallowed: the trail
// must never fail the operation it describes.
func (t *Trail) Record(ctx context.Context, e Entry) {
	if t == nil {
		return
	}
	t.count.Add(1)
	detail := shared.Redact(e.Detail)
	traceID := shared.TraceID(ctx)

	t.mu.Lock()
	if t.file != nil {
		b, err := json.Marshal(line{
			Timestamp: t.now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			TaskID:    e.TaskID,
			Action:    e.Action,
			Code:      e.Code,
			Detail:    detail,
		})
		if err == nil {
			_, _ = t.file.Write(append(b, '\n'))
		}
	}
	t.mu.Unlock()

	if t.sink != nil {
		_ = t.sink.RecordAudit(context.WithoutCancel(ctx), traceID, e.TaskID, e.Action, e.Code, detail)
	}
}
