package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "QUEUED"
	TaskStatusProcessing TaskStatus = "PROCESSING"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusDismissed  TaskStatus = "DISMISSED"
)

// ActiveStatuses are the statuses in which a task still holds its dedupe key.
var ActiveStatuses = []TaskStatus{TaskStatusQueued, TaskStatusProcessing}

func (s TaskStatus) Active() bool {
	return slices.Contains(ActiveStatuses, s)
}

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusDismissed
}

// allowedTransitions encodes the task state machine. PROCESSING -> PROCESSING
// is legal so that a redelivered job can restart its task.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:     {TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusProcessing: {TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusFailed:     {TaskStatusDismissed},
}

func canTransition(from, to TaskStatus) bool {
	return slices.Contains(allowedTransitions[from], to)
}

type Task struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	ProjectID    string          `json:"project_id"`
	EpisodeID    string          `json:"episode_id,omitempty"`
	Type         string          `json:"type"`
	TargetType   string          `json:"target_type,omitempty"`
	TargetID     string          `json:"target_id,omitempty"`
	Status       TaskStatus      `json:"status"`
	Progress     int             `json:"progress"`
	Attempt      int             `json:"attempt"`
	MaxAttempts  int             `json:"max_attempts"`
	Priority     int             `json:"priority"`
	DedupeKey    string          `json:"dedupe_key,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	BillingInfo  json.RawMessage `json:"billing_info,omitempty"`
	ExternalID   string          `json:"external_id,omitempty"`
	RunID        string          `json:"run_id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	HeartbeatAt  *time.Time      `json:"heartbeat_at,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewTask carries the caller-supplied columns of a task row.
type NewTask struct {
	ID          string
	UserID      string
	ProjectID   string
	EpisodeID   string
	Type        string
	TargetType  string
	TargetID    string
	MaxAttempts int
	Priority    int
	DedupeKey   string
	Payload     json.RawMessage
}

const taskColumns = `id, user_id, project_id, episode_id, type, target_type, target_id, status,
	progress, attempt, max_attempts, priority, dedupe_key, payload, billing_info, external_id,
	run_id, result, error_code, error_message, heartbeat_at, started_at, finished_at, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error) (*Task, error) {
	var (
		t                        Task
		status                   string
		dedupe, billing          sql.NullString
		externalID, result       sql.NullString
		payload                  string
		heartbeat, started, done sql.NullInt64
		created, updated         int64
	)
	if err := scanFn(
		&t.ID, &t.UserID, &t.ProjectID, &t.EpisodeID, &t.Type, &t.TargetType, &t.TargetID, &status,
		&t.Progress, &t.Attempt, &t.MaxAttempts, &t.Priority, &dedupe, &payload, &billing, &externalID,
		&t.RunID, &result, &t.ErrorCode, &t.ErrorMessage, &heartbeat, &started, &done, &created, &updated,
	); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.DedupeKey = dedupe.String
	t.Payload = json.RawMessage(payload)
	if billing.Valid && billing.String != "" {
		t.BillingInfo = json.RawMessage(billing.String)
	}
	t.ExternalID = externalID.String
	if result.Valid && result.String != "" {
		t.Result = json.RawMessage(result.String)
	}
	t.HeartbeatAt = nullTime(heartbeat)
	t.StartedAt = nullTime(started)
	t.FinishedAt = nullTime(done)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// CreateTask inserts a QUEUED task. It returns ErrDedupeConflict when another
// active task already holds the dedupe key.
func (s *Store) CreateTask(ctx context.Context, in NewTask) (*Task, error) {
	if in.ID == "" || in.UserID == "" || in.ProjectID == "" || in.Type == "" {
		return nil, fmt.Errorf("create task: id, user, project and type are required")
	}
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = DefaultMaxAttempts
	}
	payload := in.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	now := s.nowMillis()
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				id, user_id, project_id, episode_id, type, target_type, target_id, status,
				max_attempts, priority, dedupe_key, payload, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, in.ID, in.UserID, in.ProjectID, in.EpisodeID, in.Type, in.TargetType, in.TargetID, TaskStatusQueued,
			in.MaxAttempts, in.Priority, nullableString(in.DedupeKey), string(payload), now, now)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDedupeConflict
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return s.GetTask(ctx, in.ID)
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	task, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// FindActiveByDedupeKey returns the active task holding dedupeKey, or ErrNotFound.
func (s *Store) FindActiveByDedupeKey(ctx context.Context, dedupeKey string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE dedupe_key = ? AND status IN ('QUEUED','PROCESSING')
		LIMIT 1;
	`, dedupeKey)
	task, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find task by dedupe key: %w", err)
	}
	return task, nil
}

// AttachRun records the run created for a workflow task and the payload that
// now carries its run id.
func (s *Store) AttachRun(ctx context.Context, taskID, runID string, payload json.RawMessage) error {
	return s.updateTaskColumns(ctx, taskID, `run_id = ?, payload = ?`, runID, string(payload))
}

func (s *Store) SetBillingInfo(ctx context.Context, taskID string, info json.RawMessage) error {
	return s.updateTaskColumns(ctx, taskID, `billing_info = ?`, string(info))
}

func (s *Store) updateTaskColumns(ctx context.Context, taskID, set string, args ...any) error {
	args = append(args, s.nowMillis(), taskID)
	return retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+set+`, updated_at = ? WHERE id = ?;`, args...)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// taskPatch describes the columns a guarded transition writes alongside status.
type taskPatch struct {
	progress  *int
	attempt   *int
	result    json.RawMessage
	errorCode string
	errorMsg  string
	started   bool
	finished  bool
	// guard is an extra predicate the row must still satisfy at write time.
	guard     string
	guardArgs []any
}

// transitionTaskTx moves a task from one of allowedFrom to "to" only if the
// row still holds the status it was read with. It returns false when the
// guard lost; that is not an error.
func (s *Store) transitionTaskTx(ctx context.Context, taskID string, allowedFrom []TaskStatus, to TaskStatus, patch taskPatch) (bool, error) {
	var applied bool
	err := retryOnBusy(ctx, 3, func() error {
		applied = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("load task status: %w", err)
		}
		from := TaskStatus(current)
		if !slices.Contains(allowedFrom, from) || !canTransition(from, to) {
			return nil
		}

		now := s.nowMillis()
		sets := []string{"status = ?", "updated_at = ?"}
		args := []any{to, now}
		if patch.progress != nil {
			sets = append(sets, "progress = ?")
			args = append(args, *patch.progress)
		}
		if patch.attempt != nil {
			sets = append(sets, "attempt = ?")
			args = append(args, *patch.attempt)
		}
		if patch.result != nil {
			sets = append(sets, "result = ?")
			args = append(args, string(patch.result))
		}
		if patch.errorCode != "" {
			sets = append(sets, "error_code = ?", "error_message = ?")
			args = append(args, patch.errorCode, patch.errorMsg)
		}
		if patch.started {
			sets = append(sets, "started_at = ?", "heartbeat_at = ?")
			args = append(args, now, now)
		}
		if patch.finished {
			sets = append(sets, "finished_at = ?")
			args = append(args, now)
		}
		query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`
		args = append(args, taskID, from)
		if patch.guard != "" {
			query += ` AND ` + patch.guard
			args = append(args, patch.guardArgs...)
		}

		res, err := tx.ExecContext(ctx, query+";", args...)
		if err != nil {
			return fmt.Errorf("transition task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if n != 1 {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// MarkProcessing moves an active task to PROCESSING for the given attempt.
func (s *Store) MarkProcessing(ctx context.Context, taskID string, attempt int) (bool, error) {
	return s.transitionTaskTx(ctx, taskID, ActiveStatuses, TaskStatusProcessing, taskPatch{
		attempt: &attempt,
		started: true,
	})
}

// CompleteTask writes COMPLETED with progress 100 if the task is still active.
func (s *Store) CompleteTask(ctx context.Context, taskID string, result json.RawMessage) (bool, error) {
	full := 100
	if result == nil {
		result = json.RawMessage(`{}`)
	}
	return s.transitionTaskTx(ctx, taskID, ActiveStatuses, TaskStatusCompleted, taskPatch{
		progress: &full,
		result:   result,
		finished: true,
	})
}

// FailTask writes FAILED with a reason code if the task is still active.
func (s *Store) FailTask(ctx context.Context, taskID, code, message string) (bool, error) {
	if code == "" {
		code = ReasonExecutionFailed
	}
	return s.transitionTaskTx(ctx, taskID, ActiveStatuses, TaskStatusFailed, taskPatch{
		errorCode: code,
		errorMsg:  message,
		finished:  true,
	})
}

// FailStaleTask fails a PROCESSING task only if it is still stale relative to
// staleBefore at write time, so a heartbeat that lands first wins.
func (s *Store) FailStaleTask(ctx context.Context, taskID string, staleBefore time.Time, code, message string) (bool, error) {
	return s.transitionTaskTx(ctx, taskID, []TaskStatus{TaskStatusProcessing}, TaskStatusFailed, taskPatch{
		errorCode: code,
		errorMsg:  message,
		finished:  true,
		guard:     `COALESCE(heartbeat_at, started_at, updated_at) < ?`,
		guardArgs: []any{toMillis(staleBefore)},
	})
}

func (s *Store) DismissTask(ctx context.Context, taskID string) (bool, error) {
	return s.transitionTaskTx(ctx, taskID, []TaskStatus{TaskStatusFailed}, TaskStatusDismissed, taskPatch{})
}

// MarkCompensationFailed rewrites the reason on a task that was failed before
// its escrow rollback was attempted, when that rollback then failed.
func (s *Store) MarkCompensationFailed(ctx context.Context, taskID, message string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET error_code = ?, error_message = ?, updated_at = ?
			WHERE id = ? AND status = 'FAILED';
		`, ReasonCompensationFailed, message, s.nowMillis(), taskID)
		if err != nil {
			return fmt.Errorf("mark compensation failed: %w", err)
		}
		return nil
	})
}

// TouchHeartbeat refreshes heartbeat_at while the task remains active.
func (s *Store) TouchHeartbeat(ctx context.Context, taskID string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 3, func() error {
		now := s.nowMillis()
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET heartbeat_at = ?, updated_at = ?
			WHERE id = ? AND status IN ('QUEUED','PROCESSING');
		`, now, now, taskID)
		if err != nil {
			return fmt.Errorf("touch heartbeat: %w", err)
		}
		n, _ := res.RowsAffected()
		ok = n == 1
		return nil
	})
	return ok, err
}

// UpdateProgress writes progress while the task remains active.
func (s *Store) UpdateProgress(ctx context.Context, taskID string, progress int) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET progress = ?, updated_at = ?
			WHERE id = ? AND status IN ('QUEUED','PROCESSING');
		`, progress, s.nowMillis(), taskID)
		if err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		n, _ := res.RowsAffected()
		ok = n == 1
		return nil
	})
	return ok, err
}

// SetExternalID records the provider job handle once.
func (s *Store) SetExternalID(ctx context.Context, taskID, externalID string) error {
	return retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET external_id = ?, updated_at = ?
			WHERE id = ? AND status IN ('QUEUED','PROCESSING') AND (external_id IS NULL OR external_id = '');
		`, externalID, s.nowMillis(), taskID)
		if err != nil {
			return fmt.Errorf("set external id: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		task, err := s.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !task.Status.Active() {
			return ErrTaskNotActive
		}
		if task.ExternalID == externalID {
			return nil
		}
		return ErrExternalIDAlreadySet
	})
}

// ListStaleProcessing returns PROCESSING tasks whose last sign of life is
// older than staleBefore, oldest first.
func (s *Store) ListStaleProcessing(ctx context.Context, staleBefore time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'PROCESSING' AND COALESCE(heartbeat_at, started_at, updated_at) < ?
		ORDER BY COALESCE(heartbeat_at, started_at, updated_at) ASC
		LIMIT ?;
	`, toMillis(staleBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	return collectTasks(rows)
}

type TaskFilter struct {
	ProjectID string
	UserID    string
	Status    TaskStatus
	Limit     int
	Offset    int
}

// ListTasks returns a page of tasks, newest first, plus the total match count.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, int, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	where := []string{"1 = 1"}
	var args []any
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE `+clause+`;`, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE `+clause+`
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?;
	`, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()
	out := make(map[TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[TaskStatus(status)] = n
	}
	return out, rows.Err()
}
