package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RotationJobRow is a persisted recurring rotation job: a transit key
// rotation, a database root-credential rotation, or a KV retention
// sweep, each keyed by (job_type, target_name).
type RotationJobRow struct {
	ID              uuid.UUID
	JobType         string
	TargetName      string
	IntervalSeconds int
	NextExecutionAt time.Time
	LockedBy        string
	LockedUntil     *time.Time
	AttemptCount    int
	LastError       *string
	Active          bool
}

const rotationJobColumns = `id, job_type, target_name, interval_seconds, next_execution_at, locked_by, locked_until, attempt_count, last_error, active`

func scanRotationJobRow(row scanner) (RotationJobRow, error) {
	var r RotationJobRow
	err := row.Scan(&r.ID, &r.JobType, &r.TargetName, &r.IntervalSeconds, &r.NextExecutionAt, &r.LockedBy, &r.LockedUntil, &r.AttemptCount, &r.LastError, &r.Active)
	return r, err
}

// UpsertRotationJob creates or reschedules a job for (jobType, targetName).
func (q *Queries) UpsertRotationJob(ctx context.Context, jobType, targetName string, intervalSeconds int, nextExecutionAt time.Time) (RotationJobRow, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO rotation_jobs (id, job_type, target_name, interval_seconds, next_execution_at, locked_by, attempt_count, active)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, '', 0, true)
		ON CONFLICT (job_type, target_name) DO UPDATE
		SET interval_seconds = $3, next_execution_at = $4, active = true
		RETURNING `+rotationJobColumns,
		jobType, targetName, intervalSeconds, nextExecutionAt)
	return scanRotationJobRow(row)
}

// DeactivateRotationJob stops scheduling a job, e.g. when its target is
// deleted.
func (q *Queries) DeactivateRotationJob(ctx context.Context, jobType, targetName string) error {
	_, err := q.db.Exec(ctx, `UPDATE rotation_jobs SET active = false WHERE job_type = $1 AND target_name = $2`, jobType, targetName)
	return err
}

// ListDueRotationJobs returns active jobs whose next_execution_at has
// passed, for the lease manager's sweep.
func (q *Queries) ListDueRotationJobs(ctx context.Context, before time.Time, limit int) ([]RotationJobRow, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+rotationJobColumns+` FROM rotation_jobs
		WHERE active = true AND next_execution_at <= $1
		ORDER BY next_execution_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RotationJobRow
	for rows.Next() {
		r, err := scanRotationJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimRotationJob attempts the same locked_by/locked_until
// compare-and-set as ClaimLeaseForAction, scoped to rotation jobs.
func (q *Queries) ClaimRotationJob(ctx context.Context, id uuid.UUID, owner string, until time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE rotation_jobs SET locked_by = $2, locked_until = $3
		WHERE id = $1 AND active = true
		AND (locked_until IS NULL OR locked_until < now())`,
		id, owner, until)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RescheduleRotationJob advances next_execution_at by the job's
// interval, releases the lock, resets attempt_count, and clears
// last_error on a successful run.
func (q *Queries) RescheduleRotationJob(ctx context.Context, id uuid.UUID, nextExecutionAt time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE rotation_jobs
		SET next_execution_at = $2, locked_by = '', locked_until = NULL, attempt_count = 0, last_error = NULL
		WHERE id = $1`, id, nextExecutionAt)
	return err
}

// RecordRotationFailure increments attempt_count and records the error,
// releasing the lock so a later sweep (or another worker) can retry.
func (q *Queries) RecordRotationFailure(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE rotation_jobs
		SET attempt_count = attempt_count + 1, last_error = $2, locked_by = '', locked_until = NULL
		WHERE id = $1`, id, errMsg)
	return err
}
