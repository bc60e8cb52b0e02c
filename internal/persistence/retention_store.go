package persistence

import (
	"context"
	"fmt"
)

// RetentionPolicy sets per-category windows in days. Zero keeps rows forever.
type RetentionPolicy struct {
	TaskEventDays int
	JobDays       int
	AuditLogDays  int
}

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTaskEvents int64 `json:"purged_task_events"`
	PurgedJobs       int64 `json:"purged_jobs"`
	PurgedAuditLogs  int64 `json:"purged_audit_logs"`
}

// RunRetention deletes records older than the configured retention windows.
// Each category uses a separate DELETE with its own cutoff. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, policy RetentionPolicy) (RetentionResult, error) {
	var result RetentionResult
	now := s.Now()

	if policy.TaskEventDays > 0 {
		cutoff := toMillis(now.AddDate(0, 0, -policy.TaskEventDays))
		res, err := s.db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge task_events: %w", err)
		}
		result.PurgedTaskEvents, _ = res.RowsAffected()
	}

	if policy.JobDays > 0 {
		// Only finished jobs; waiting and active jobs are live queue state.
		cutoff := toMillis(now.AddDate(0, 0, -policy.JobDays))
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM jobs WHERE status IN ('completed','failed') AND updated_at < ?;
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge jobs: %w", err)
		}
		result.PurgedJobs, _ = res.RowsAffected()
	}

	if policy.AuditLogDays > 0 {
		cutoff := toMillis(now.AddDate(0, 0, -policy.AuditLogDays))
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}
