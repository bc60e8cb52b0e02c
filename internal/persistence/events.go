package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type TaskEvent struct {
	EventID   int64           `json:"event_id"`
	TaskID    string          `json:"task_id"`
	ProjectID string          `json:"project_id"`
	UserID    string          `json:"user_id,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	TaskType  string          `json:"task_type,omitempty"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	TraceID   string          `json:"trace_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppendTaskEvent persists an event and returns its monotonically increasing id.
func (s *Store) AppendTaskEvent(ctx context.Context, ev TaskEvent) (int64, error) {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if ev.TraceID == "" {
		ev.TraceID = "-"
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.Now()
	}
	var id int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task_events (task_id, project_id, user_id, run_id, task_type, event_type, payload, trace_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, ev.TaskID, ev.ProjectID, ev.UserID, ev.RunID, ev.TaskType, ev.EventType, string(payload), ev.TraceID, toMillis(ev.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert task event: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ListTaskEventsAfter returns one page of a project's events with id greater
// than afterID, ascending. Callers filter by type.
func (s *Store) ListTaskEventsAfter(ctx context.Context, projectID string, afterID int64, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, project_id, user_id, run_id, task_type, event_type, payload, trace_id, created_at
		FROM task_events
		WHERE project_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?;
	`, projectID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var (
			event   TaskEvent
			payload string
			created int64
		)
		if err := rows.Scan(
			&event.EventID,
			&event.TaskID,
			&event.ProjectID,
			&event.UserID,
			&event.RunID,
			&event.TaskType,
			&event.EventType,
			&payload,
			&event.TraceID,
			&created,
		); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		event.Payload = json.RawMessage(payload)
		event.CreatedAt = fromMillis(created)
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_events;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count task events: %w", err)
	}
	return n, nil
}
