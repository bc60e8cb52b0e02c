package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"
)

type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

const (
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 30 * time.Second

	DefaultJobLease = 30 * time.Second
)

// Job is one queue delivery unit. A task has at most one job; the job id is the task id.
type Job struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id"`
	TaskType       string          `json:"task_type"`
	Partition      string          `json:"partition"`
	Priority       int             `json:"priority"`
	Status         JobStatus       `json:"status"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	Payload        json.RawMessage `json:"payload"`
	AvailableAt    time.Time       `json:"available_at"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

const jobColumns = `id, task_id, task_type, partition, priority, status, attempt, max_attempts, payload,
	available_at, lease_owner, lease_expires_at, last_error, created_at, updated_at`

func scanJob(scanFn func(dest ...any) error) (*Job, error) {
	var (
		j                           Job
		status, payload             string
		available, created, updated int64
		leaseExpires                sql.NullInt64
	)
	if err := scanFn(&j.ID, &j.TaskID, &j.TaskType, &j.Partition, &j.Priority, &status, &j.Attempt, &j.MaxAttempts,
		&payload, &available, &j.LeaseOwner, &leaseExpires, &j.LastError, &created, &updated); err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	j.Payload = json.RawMessage(payload)
	j.AvailableAt = fromMillis(available)
	j.LeaseExpiresAt = nullTime(leaseExpires)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return &j, nil
}

func (s *Store) InsertJob(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = job.TaskID
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	payload := job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	now := s.nowMillis()
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (id, task_id, task_type, partition, priority, status, max_attempts, payload, available_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, job.ID, job.TaskID, job.TaskType, job.Partition, job.Priority, JobStatusWaiting, job.MaxAttempts, string(payload), now, now, now)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, jobID)
	job, err := scanJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ClaimNextJob leases the highest-priority available job in a partition.
// It returns nil when the partition has nothing to run.
func (s *Store) ClaimNextJob(ctx context.Context, partition, owner string, lease time.Duration) (*Job, error) {
	if lease <= 0 {
		lease = DefaultJobLease
	}
	var claimed *Job
	err := retryOnBusy(ctx, 3, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.nowMillis()
		var jobID string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE partition = ? AND status = 'waiting' AND available_at <= ?
			ORDER BY priority DESC, available_at ASC, created_at ASC
			LIMIT 1;
		`, partition, now).Scan(&jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select next job: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'active', attempt = attempt + 1, lease_owner = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND status = 'waiting';
		`, owner, now+lease.Milliseconds(), now, jobID)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, jobID)
		job, err := scanJob(row.Scan)
		if err != nil {
			return fmt.Errorf("reload claimed job: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim: %w", err)
		}
		claimed = job
		return nil
	})
	return claimed, err
}

// RenewJobLease extends the lease if owner still holds it.
func (s *Store) RenewJobLease(ctx context.Context, jobID, owner string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		lease = DefaultJobLease
	}
	now := s.nowMillis()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'active' AND lease_owner = ?;
	`, now+lease.Milliseconds(), now, jobID, owner)
	if err != nil {
		return false, fmt.Errorf("renew job lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID, owner string) error {
	return s.finishJob(ctx, jobID, owner, JobStatusCompleted, "")
}

func (s *Store) FailJob(ctx context.Context, jobID, owner, errMsg string) error {
	return s.finishJob(ctx, jobID, owner, JobStatusFailed, errMsg)
}

func (s *Store) finishJob(ctx context.Context, jobID, owner string, status JobStatus, errMsg string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, last_error = ?, lease_owner = '', lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = 'active' AND lease_owner = ?;
		`, status, errMsg, s.nowMillis(), jobID, owner)
		if err != nil {
			return fmt.Errorf("finish job: %w", err)
		}
		return nil
	})
}

// RetryJob returns an active job to waiting after a backoff delay.
func (s *Store) RetryJob(ctx context.Context, jobID, owner string, delay time.Duration, errMsg string) error {
	return retryOnBusy(ctx, 3, func() error {
		now := s.nowMillis()
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'waiting', available_at = ?, last_error = ?, lease_owner = '', lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = 'active' AND lease_owner = ?;
		`, now+delay.Milliseconds(), errMsg, now, jobID, owner)
		if err != nil {
			return fmt.Errorf("retry job: %w", err)
		}
		return nil
	})
}

// RemoveWaitingJobs deletes jobs for a task that have not been claimed.
func (s *Store) RemoveWaitingJobs(ctx context.Context, taskID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE task_id = ? AND status = 'waiting';`, taskID)
	if err != nil {
		return 0, fmt.Errorf("remove waiting jobs: %w", err)
	}
	return res.RowsAffected()
}

// JobAliveForTask reports whether a task still has a waiting job or an active
// job whose lease has not expired.
func (s *Store) JobAliveForTask(ctx context.Context, taskID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE task_id = ?
		  AND (status = 'waiting' OR (status = 'active' AND lease_expires_at > ?));
	`, taskID, s.nowMillis()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("probe job liveness: %w", err)
	}
	return n > 0, nil
}

// RequeueResult reports a lease sweep. Exhausted lists the tasks whose job
// was failed because its last attempt's lease lapsed.
type RequeueResult struct {
	Requeued  int64
	Exhausted []string
}

// RequeueExpiredJobs returns active jobs with lapsed leases to waiting, or
// fails them when no attempts remain.
func (s *Store) RequeueExpiredJobs(ctx context.Context) (RequeueResult, error) {
	var out RequeueResult
	err := retryOnBusy(ctx, 3, func() error {
		out = RequeueResult{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue expired jobs tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.nowMillis()
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'waiting', available_at = ?, lease_owner = '', lease_expires_at = NULL,
				last_error = 'lease_expired', updated_at = ?
			WHERE status = 'active' AND lease_expires_at <= ? AND attempt < max_attempts;
		`, now, now, now)
		if err != nil {
			return fmt.Errorf("requeue expired jobs: %w", err)
		}
		out.Requeued, _ = res.RowsAffected()

		rows, err := tx.QueryContext(ctx, `
			SELECT task_id FROM jobs WHERE status = 'active' AND lease_expires_at <= ? ORDER BY task_id;
		`, now)
		if err != nil {
			return fmt.Errorf("list exhausted jobs: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan exhausted job: %w", err)
			}
			out.Exhausted = append(out.Exhausted, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'failed', lease_owner = '', lease_expires_at = NULL,
				last_error = 'lease_expired', updated_at = ?
			WHERE status = 'active' AND lease_expires_at <= ?;
		`, now, now); err != nil {
			return fmt.Errorf("fail expired jobs: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit requeue expired jobs: %w", err)
		}
		return nil
	})
	return out, err
}

// QueueDepth counts waiting jobs in a partition.
func (s *Store) QueueDepth(ctx context.Context, partition string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE partition = ? AND status = 'waiting';
	`, partition).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

// RetryDelay is the exponential backoff for the given attempt (1-based), with
// deterministic per-task jitter, capped at 30s.
func RetryDelay(taskID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := retryBaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= retryMaxDelay {
			base = retryMaxDelay
			break
		}
	}
	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(taskID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))
	delay := base + jitter
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
