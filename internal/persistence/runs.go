package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCanceling RunStatus = "CANCELING"
	RunStatusCanceled  RunStatus = "CANCELED"
)

var activeRunStatuses = []RunStatus{RunStatusQueued, RunStatusRunning, RunStatusCanceling}

func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCanceled
}

// Run event types appended to a run's ordered log.
const (
	RunEventStart        = "RUN_START"
	RunEventComplete     = "RUN_COMPLETE"
	RunEventError        = "RUN_ERROR"
	RunEventCanceled     = "RUN_CANCELED"
	RunEventStepStart    = "STEP_START"
	RunEventStepChunk    = "STEP_CHUNK"
	RunEventStepComplete = "STEP_COMPLETE"
	RunEventStepError    = "STEP_ERROR"
)

// TerminalRunEvent reports whether an event type closes a run.
func TerminalRunEvent(eventType string) bool {
	switch eventType {
	case RunEventComplete, RunEventError, RunEventCanceled:
		return true
	}
	return false
}

type Run struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ProjectID    string    `json:"project_id"`
	EpisodeID    string    `json:"episode_id,omitempty"`
	WorkflowType string    `json:"workflow_type"`
	TaskID       string    `json:"task_id"`
	Status       RunStatus `json:"status"`
	LastSeq      int64     `json:"last_seq"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type RunEvent struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	EventType string          `json:"event_type"`
	StepKey   string          `json:"step_key,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	Lane      string          `json:"lane,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Store) CreateRun(ctx context.Context, run Run) (*Run, error) {
	if run.ID == "" || run.TaskID == "" || run.WorkflowType == "" {
		return nil, fmt.Errorf("create run: id, task and workflow type are required")
	}
	now := s.nowMillis()
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (id, user_id, project_id, episode_id, workflow_type, task_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, run.ID, run.UserID, run.ProjectID, run.EpisodeID, run.WorkflowType, run.TaskID, RunStatusQueued, now, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return s.GetRun(ctx, run.ID)
}

func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var (
		run              Run
		status           string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, project_id, episode_id, workflow_type, task_id, status, last_seq,
			error_code, error_message, created_at, updated_at
		FROM runs WHERE id = ?;
	`, runID).Scan(&run.ID, &run.UserID, &run.ProjectID, &run.EpisodeID, &run.WorkflowType, &run.TaskID,
		&status, &run.LastSeq, &run.ErrorCode, &run.ErrorMessage, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.Status = RunStatus(status)
	run.CreatedAt = fromMillis(created)
	run.UpdatedAt = fromMillis(updated)
	return &run, nil
}

// TransitionRun moves an active run to "to". Terminal runs are never reopened.
func (s *Store) TransitionRun(ctx context.Context, runID string, to RunStatus, code, message string) (bool, error) {
	var applied bool
	err := retryOnBusy(ctx, 3, func() error {
		applied = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin run transition: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?;`, runID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("load run status: %w", err)
		}
		if !slices.Contains(activeRunStatuses, RunStatus(current)) || RunStatus(current) == to {
			return nil
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, error_code = ?, error_message = ?, updated_at = ?
			WHERE id = ? AND status = ?;
		`, to, code, message, s.nowMillis(), runID, current)
		if err != nil {
			return fmt.Errorf("transition run: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit run transition: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// AppendRunEvent assigns the next per-run sequence number and stores the event.
// A second terminal event for the same run is dropped and reported as not appended.
func (s *Store) AppendRunEvent(ctx context.Context, ev RunEvent) (RunEvent, bool, error) {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var appended bool
	err := retryOnBusy(ctx, 3, func() error {
		appended = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin run event tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			lastSeq     int64
			terminalSeq sql.NullInt64
		)
		if err := tx.QueryRowContext(ctx, `SELECT last_seq, terminal_seq FROM runs WHERE id = ?;`, ev.RunID).Scan(&lastSeq, &terminalSeq); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("load run seq: %w", err)
		}
		terminal := TerminalRunEvent(ev.EventType)
		if terminal && terminalSeq.Valid {
			return nil
		}

		seq := lastSeq + 1
		now := s.Now()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_events (run_id, seq, event_type, step_key, attempt, lane, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, ev.RunID, seq, ev.EventType, ev.StepKey, ev.Attempt, ev.Lane, string(payload), toMillis(now)); err != nil {
			return fmt.Errorf("insert run event: %w", err)
		}
		update := `UPDATE runs SET last_seq = ?, updated_at = ? WHERE id = ?;`
		args := []any{seq, toMillis(now), ev.RunID}
		if terminal {
			update = `UPDATE runs SET last_seq = ?, terminal_seq = ?, updated_at = ? WHERE id = ?;`
			args = []any{seq, seq, toMillis(now), ev.RunID}
		}
		if _, err := tx.ExecContext(ctx, update, args...); err != nil {
			return fmt.Errorf("advance run seq: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit run event: %w", err)
		}
		ev.Seq = seq
		ev.Payload = payload
		ev.CreatedAt = now
		appended = true
		return nil
	})
	return ev, appended, err
}

// ListRunEventsAfter returns run events with seq greater than afterSeq.
func (s *Store) ListRunEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]RunEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, event_type, step_key, attempt, lane, payload, created_at
		FROM run_events
		WHERE run_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?;
	`, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()
	var out []RunEvent
	for rows.Next() {
		var (
			ev      RunEvent
			payload string
			created int64
		)
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.EventType, &ev.StepKey, &ev.Attempt, &ev.Lane, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		ev.CreatedAt = fromMillis(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}
