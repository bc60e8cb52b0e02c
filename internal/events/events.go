// Package events is the task event log: it decides what is persisted, fans
// every event out on the bus, replays the persisted log and mirrors task
// events onto their run.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-studio/internal/bus"
	"github.com/basket/go-studio/internal/otel"
	"github.com/basket/go-studio/internal/persistence"
	"github.com/basket/go-studio/internal/shared"
)

type Family string

const (
	FamilyLifecycle Family = "lifecycle"
	FamilyStream    Family = "stream"
)

// Task event types.
const (
	TypeCreated    = "task.created"
	TypeProcessing = "task.processing"
	TypeProgress   = "task.progress"
	TypeRetrying   = "task.retrying"
	TypeCompleted  = "task.completed"
	TypeFailed     = "task.failed"
	TypeCancelled  = "task.cancelled"
	TypeDismissed  = "task.dismissed"
	TypeStream     = "task.stream"
)

// replayable lists the persisted types a reconnecting client is sent.
// Progress and retry ticks are persisted for audit but never replayed.
var replayable = map[string]bool{
	TypeCreated:    true,
	TypeProcessing: true,
	TypeCompleted:  true,
	TypeFailed:     true,
	TypeCancelled:  true,
	TypeDismissed:  true,
	TypeStream:     true,
}

func Replayable(eventType string) bool {
	return replayable[eventType]
}

const ephemeralPrefix = "ephemeral:"

// Message is what subscribers receive on a project channel.
type Message struct {
	ID        string          `json:"id"`
	EventID   int64           `json:"event_id,omitempty"`
	Persisted bool            `json:"persisted"`
	Family    Family          `json:"family"`
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id"`
	ProjectID string          `json:"project_id"`
	UserID    string          `json:"user_id,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	TaskType  string          `json:"task_type,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	TraceID   string          `json:"trace_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TaskRef carries the identity fields every event about a task repeats.
type TaskRef struct {
	TaskID    string
	ProjectID string
	UserID    string
	RunID     string
	TaskType  string
}

func RefOf(t *persistence.Task) TaskRef {
	return TaskRef{TaskID: t.ID, ProjectID: t.ProjectID, UserID: t.UserID, RunID: t.RunID, TaskType: t.Type}
}

// Store is the slice of persistence the publisher needs.
type Store interface {
	AppendTaskEvent(ctx context.Context, ev persistence.TaskEvent) (int64, error)
	ListTaskEventsAfter(ctx context.Context, projectID string, afterID int64, limit int) ([]persistence.TaskEvent, error)
	AppendRunEvent(ctx context.Context, ev persistence.RunEvent) (persistence.RunEvent, bool, error)
	ListRunEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]persistence.RunEvent, error)
}

type Publisher struct {
	store   Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time

	mu            sync.RWMutex
	persistStream map[string]bool
}

func NewPublisher(store Store, b *bus.Bus, persistStream []string, logger *slog.Logger, metrics *otel.Metrics) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		store:   store,
		bus:     b,
		logger:  logger.With("component", "events"),
		metrics: metrics,
		now:     time.Now,
	}
	p.SetStreamAllowList(persistStream)
	return p
}

// SetStreamAllowList replaces the workflows whose stream events are persisted.
func (p *Publisher) SetStreamAllowList(workflows []string) {
	next := make(map[string]bool, len(workflows))
	for _, w := range workflows {
		next[w] = true
	}
	p.mu.Lock()
	p.persistStream = next
	p.mu.Unlock()
}

func (p *Publisher) persistsStream(workflow string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return workflow != "" && p.persistStream[workflow]
}

// Lifecycle publishes a lifecycle event. Lifecycle events are always persisted.
func (p *Publisher) Lifecycle(ctx context.Context, ref TaskRef, eventType string, payload any) (Message, error) {
	return p.Publish(ctx, ref, FamilyLifecycle, eventType, payload, true)
}

// Stream publishes a stream event, persisting it only when workflow is on the
// allow-list.
func (p *Publisher) Stream(ctx context.Context, ref TaskRef, workflow string, payload any) (Message, error) {
	return p.Publish(ctx, ref, FamilyStream, TypeStream, payload, p.persistsStream(workflow))
}

// Publish optionally appends the event to the store, then always fans it out.
// A failed append still fans out, with an ephemeral id, and returns the error.
func (p *Publisher) Publish(ctx context.Context, ref TaskRef, family Family, eventType string, payload any, persist bool) (Message, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		Family:    family,
		Type:      eventType,
		TaskID:    ref.TaskID,
		ProjectID: ref.ProjectID,
		UserID:    ref.UserID,
		RunID:     ref.RunID,
		TaskType:  ref.TaskType,
		Payload:   raw,
		TraceID:   shared.TraceID(ctx),
		CreatedAt: p.now().UTC(),
	}

	var appendErr error
	if persist {
		id, err := p.store.AppendTaskEvent(ctx, persistence.TaskEvent{
			TaskID:    msg.TaskID,
			ProjectID: msg.ProjectID,
			UserID:    msg.UserID,
			RunID:     msg.RunID,
			TaskType:  msg.TaskType,
			EventType: msg.Type,
			Payload:   msg.Payload,
			TraceID:   msg.TraceID,
			CreatedAt: msg.CreatedAt,
		})
		if err != nil {
			appendErr = fmt.Errorf("append task event: %w", err)
			p.logger.Warn("task event not persisted", "task_id", ref.TaskID, "type", eventType, "error", err)
		} else {
			msg.EventID = id
			msg.Persisted = true
			msg.ID = strconv.FormatInt(id, 10)
		}
	}
	if msg.ID == "" {
		msg.ID = ephemeralPrefix + ulid.Make().String()
	}

	if p.bus != nil {
		p.bus.Publish(bus.ProjectChannel(msg.ProjectID), msg)
	}
	if p.metrics != nil {
		p.metrics.EventsPublished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("family", string(family)),
			otel.AttrPersisted.Bool(msg.Persisted),
		))
	}

	for _, rev := range MirrorToRun(msg) {
		if _, err := p.AppendRun(ctx, rev, msg.Persisted || family == FamilyLifecycle); err != nil {
			p.logger.Warn("run mirror failed", "run_id", rev.RunID, "type", rev.EventType, "error", err)
		}
	}
	return msg, appendErr
}

// AppendRun sequences a run event and fans it out on the run channel. Ephemeral
// run events are fanned out with seq 0. A second terminal event for a run is
// dropped and reported as not appended.
func (p *Publisher) AppendRun(ctx context.Context, ev persistence.RunEvent, persist bool) (bool, error) {
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage(`{}`)
	}
	if persistence.TerminalRunEvent(ev.EventType) {
		persist = true
	}
	if persist {
		stored, appended, err := p.store.AppendRunEvent(ctx, ev)
		if err != nil {
			return false, err
		}
		if !appended {
			return false, nil
		}
		ev = stored
	} else if ev.CreatedAt.IsZero() {
		ev.CreatedAt = p.now().UTC()
	}
	if p.bus != nil {
		p.bus.Publish(bus.RunChannel(ev.RunID), ev)
	}
	return true, nil
}

const (
	replayPageSize = 200
	replayMaxPages = 50
)

// ReplayAfter returns up to limit replayable events with id greater than
// afterID, in persisted order. It scans in pages so long runs of filtered rows
// cost one query per page rather than one per row. The returned cursor is the
// last id scanned; callers resume from it when fewer than limit came back.
func (p *Publisher) ReplayAfter(ctx context.Context, projectID string, afterID int64, limit int) ([]Message, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	out := make([]Message, 0, limit)
	cursor := afterID
	for page := 0; page < replayMaxPages && len(out) < limit; page++ {
		rows, err := p.store.ListTaskEventsAfter(ctx, projectID, cursor, replayPageSize)
		if err != nil {
			return nil, afterID, fmt.Errorf("replay page: %w", err)
		}
		for _, row := range rows {
			cursor = row.EventID
			if !replayable[row.EventType] {
				continue
			}
			out = append(out, fromRow(row))
			if len(out) == limit {
				break
			}
		}
		if len(rows) < replayPageSize {
			break
		}
	}
	return out, cursor, nil
}

// RunEventsAfter pages the persisted run log.
func (p *Publisher) RunEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]persistence.RunEvent, error) {
	return p.store.ListRunEventsAfter(ctx, runID, afterSeq, limit)
}

// ParseID parses a Last-Event-ID value. Ephemeral or malformed ids replay
// nothing and return ok=false.
func ParseID(id string) (int64, bool) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func fromRow(row persistence.TaskEvent) Message {
	family := FamilyLifecycle
	if row.EventType == TypeStream {
		family = FamilyStream
	}
	return Message{
		ID:        strconv.FormatInt(row.EventID, 10),
		EventID:   row.EventID,
		Persisted: true,
		Family:    family,
		Type:      row.EventType,
		TaskID:    row.TaskID,
		ProjectID: row.ProjectID,
		UserID:    row.UserID,
		RunID:     row.RunID,
		TaskType:  row.TaskType,
		Payload:   row.Payload,
		TraceID:   row.TraceID,
		CreatedAt: row.CreatedAt,
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode event payload: %w", err)
		}
		return raw, nil
	}
}
