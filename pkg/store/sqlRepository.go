package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zoff-tech/go-syncengine/schema"
)

const jobColumns = `id, entity_type, entity_id, target, operation, payload, version, idempotency_key, sequence, state, owner, attempt_count, last_attempt_at, next_attempt_at, last_error, external_ref, claimed_by, claimed_at, created_at, updated_at`

const attemptColumns = `job_id, attempt_number, entity_id, target, sequence, request_snapshot, response_snapshot, error, outcome, recorded_at`

// earlierOpenSQL is true when a job of the same entity and target with a
// lower sequence has not reached a terminal state. %s is the outer alias.
const earlierOpenSQL = `EXISTS (SELECT 1 FROM sync_jobs e WHERE e.entity_id = %[1]s.entity_id AND e.target = %[1]s.target AND e.sequence < %[1]s.sequence AND e.state NOT IN (` + terminalStateSQL + `))`

var (
	findOpenKeySQL = `SELECT id FROM sync_jobs WHERE idempotency_key = $1 AND target = $2 AND state NOT IN (` + terminalStateSQL + `) LIMIT 1`

	// The counter outlives deleted jobs, so a sequence is never handed out twice.
	nextSequenceSQL = `INSERT INTO sync_sequences (entity_id, target, last_sequence) VALUES ($1, $2, 1) ON CONFLICT (entity_id, target) DO UPDATE SET last_sequence = sync_sequences.last_sequence + 1 RETURNING last_sequence`

	insertJobSQL = `INSERT INTO sync_jobs (` + jobColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	dueJobsSQL = `SELECT ` + jobColumns + ` FROM sync_jobs j WHERE j.state IN ('pending', 'failed_retryable') AND j.next_attempt_at <= $1 AND NOT ` +
		fmt.Sprintf(earlierOpenSQL, "j") + ` ORDER BY j.entity_id, j.target, j.sequence LIMIT $2`

	claimSQL = `UPDATE sync_jobs SET state = 'in_flight', claimed_by = $2, claimed_at = $3, last_attempt_at = $3, updated_at = $3 WHERE id = $1 AND state IN ('pending', 'failed_retryable') AND next_attempt_at <= $3 AND NOT ` +
		fmt.Sprintf(earlierOpenSQL, "sync_jobs")

	updateSQL = `UPDATE sync_jobs SET state = $2, attempt_count = $3, next_attempt_at = COALESCE($4, next_attempt_at), last_error = $5, external_ref = CASE WHEN $6 = '' THEN external_ref ELSE $6 END, claimed_by = '', claimed_at = NULL, updated_at = $7 WHERE id = $1 AND state = $8 AND ($9 = '' OR claimed_by = $9)`

	getJobSQL = `SELECT ` + jobColumns + ` FROM sync_jobs WHERE id = $1`

	jobStateSQL = `SELECT state FROM sync_jobs WHERE id = $1`

	listByEntitySQL = `SELECT ` + jobColumns + ` FROM sync_jobs WHERE entity_id = $1 ORDER BY target, sequence`

	countOpenSQL = `SELECT COUNT(*) FROM sync_jobs WHERE state IN ('pending', 'failed_retryable') AND ($1 = '' OR owner = $1)`

	deleteJobSQL = `DELETE FROM sync_jobs WHERE id = $1 AND state = $2`

	listStaleSQL = `SELECT ` + jobColumns + ` FROM sync_jobs WHERE state = 'in_flight' AND claimed_at < $1 ORDER BY claimed_at LIMIT $2`

	insertAttemptSQL = `INSERT INTO sync_attempts (` + attemptColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	historySQL = `SELECT ` + attemptColumns + ` FROM sync_attempts WHERE job_id = $1 ORDER BY attempt_number`
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	system            string
	rebind            func(query string) string
	timeArg           func(t time.Time) any
	isUniqueViolation func(err error) bool
}

// sqlRepository implements Repository over database/sql. Claims are
// conditional UPDATEs, so any number of processes may share the tables.
type sqlRepository struct {
	db      *sql.DB
	dialect dialect
}

func (r *sqlRepository) q(query string) string {
	if r.dialect.rebind == nil {
		return query
	}
	return r.dialect.rebind(query)
}

func (r *sqlRepository) timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return r.dialect.timeArg(t.UTC())
}

func (r *sqlRepository) Enqueue(ctx context.Context, job *schema.SyncJob) (string, error) {
	if err := prepareNewJob(job); err != nil {
		return "", err
	}

	ctx, span := startSpan(ctx, "Enqueue")
	defer span.End()
	startTime := time.Now()

	var err error
	for attempt := 0; attempt < enqueueAttempts; attempt++ {
		err = r.withTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
			var existing string
			switch scanErr := tx.QueryRowContext(ctx, r.q(findOpenKeySQL), job.IdempotencyKey, string(job.Target)).Scan(&existing); {
			case scanErr == nil:
				return &DuplicateKeyError{ExistingJobID: existing, Key: job.IdempotencyKey, Target: job.Target}
			case !errors.Is(scanErr, sql.ErrNoRows):
				return scanErr
			}

			if err := tx.QueryRowContext(ctx, r.q(nextSequenceSQL), job.EntityID, string(job.Target)).Scan(&job.Sequence); err != nil {
				return err
			}

			_, err := tx.ExecContext(ctx, r.q(insertJobSQL), r.jobArgs(job)...)
			return err
		})
		if err == nil {
			addDBStatsToSpan(span, r.dialect.system, "Enqueue", 1, time.Since(startTime))
			return job.ID, nil
		}

		var dup *DuplicateKeyError
		if errors.As(err, &dup) {
			return dup.ExistingJobID, err
		}
		// A concurrent enqueue took the same key; re-read and retry.
		if !r.dialect.isUniqueViolation(err) {
			break
		}
	}

	span.RecordError(err)
	return "", fmt.Errorf("enqueue: %w", err)
}

func (r *sqlRepository) DueJobs(ctx context.Context, now time.Time, limit int) ([]schema.SyncJob, error) {
	ctx, span := startSpan(ctx, "DueJobs")
	defer span.End()
	startTime := time.Now()

	jobs, err := r.queryJobs(ctx, dueJobsSQL, r.timeArg(now), normalizeLimit(limit))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("due jobs: %w", err)
	}

	addDBStatsToSpan(span, r.dialect.system, "DueJobs", len(jobs), time.Since(startTime))
	return jobs, nil
}

func (r *sqlRepository) TryClaim(ctx context.Context, jobID, workerID string, now time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "TryClaim")
	defer span.End()
	startTime := time.Now()

	res, err := r.db.ExecContext(ctx, r.q(claimSQL), jobID, workerID, r.timeArg(now))
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("claim job %s: %w", jobID, err)
	}

	addDBStatsToSpan(span, r.dialect.system, "TryClaim", int(n), time.Since(startTime))
	return n == 1, nil
}

func (r *sqlRepository) Update(ctx context.Context, jobID string, m Mutation) error {
	if err := checkMutation(m); err != nil {
		return err
	}

	ctx, span := startSpan(ctx, "Update")
	defer span.End()
	startTime := time.Now()

	claimedBy := ""
	if m.expected() == schema.StateInFlight {
		claimedBy = m.ClaimedBy
	}

	res, err := r.db.ExecContext(ctx, r.q(updateSQL),
		jobID,
		string(m.State),
		m.AttemptCount,
		r.timeArg(m.NextAttemptAt),
		m.LastError,
		m.ExternalRef,
		r.timeArg(mutationTime(m)),
		string(m.expected()),
		claimedBy,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	addDBStatsToSpan(span, r.dialect.system, "Update", int(n), time.Since(startTime))

	if n == 0 {
		return r.missingOrConflict(ctx, jobID)
	}
	return nil
}

func (r *sqlRepository) Get(ctx context.Context, jobID string) (schema.SyncJob, error) {
	ctx, span := startSpan(ctx, "Get")
	defer span.End()

	job, err := scanJob(r.db.QueryRowContext(ctx, r.q(getJobSQL), jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return schema.SyncJob{}, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return schema.SyncJob{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

func (r *sqlRepository) ListByEntity(ctx context.Context, entityID string) ([]schema.SyncJob, error) {
	ctx, span := startSpan(ctx, "ListByEntity")
	defer span.End()

	jobs, err := r.queryJobs(ctx, listByEntitySQL, entityID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list jobs for %s: %w", entityID, err)
	}
	return jobs, nil
}

func (r *sqlRepository) CountOpen(ctx context.Context, owner string) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, r.q(countOpenSQL), owner).Scan(&count); err != nil {
		return 0, fmt.Errorf("count open jobs: %w", err)
	}
	return count, nil
}

func (r *sqlRepository) Delete(ctx context.Context, jobID string, expect schema.State) error {
	res, err := r.db.ExecContext(ctx, r.q(deleteJobSQL), jobID, string(expect))
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	if n == 0 {
		return r.missingOrConflict(ctx, jobID)
	}
	return nil
}

func (r *sqlRepository) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]schema.SyncJob, error) {
	jobs, err := r.queryJobs(ctx, listStaleSQL, r.timeArg(claimedBefore), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return jobs, nil
}

func (r *sqlRepository) AppendAttempt(ctx context.Context, rec schema.AttemptRecord) error {
	if err := checkAttempt(rec); err != nil {
		return err
	}

	ctx, span := startSpan(ctx, "AppendAttempt")
	defer span.End()

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := r.db.ExecContext(ctx, r.q(insertAttemptSQL),
		rec.JobID,
		rec.AttemptNumber,
		rec.EntityID,
		string(rec.Target),
		rec.Sequence,
		rec.RequestSnapshot,
		rec.ResponseSnapshot,
		rec.Error,
		string(rec.Outcome),
		r.timeArg(ts),
	)
	if err != nil {
		if r.dialect.isUniqueViolation(err) {
			return ErrDuplicateAttempt
		}
		span.RecordError(err)
		return fmt.Errorf("append attempt %s#%d: %w", rec.JobID, rec.AttemptNumber, err)
	}
	return nil
}

func (r *sqlRepository) History(ctx context.Context, jobID string) ([]schema.AttemptRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.q(historySQL), jobID)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", jobID, err)
	}
	defer rows.Close()

	var history []schema.AttemptRecord
	for rows.Next() {
		var (
			rec             schema.AttemptRecord
			target, outcome string
			ts              dbTime
		)
		if err := rows.Scan(
			&rec.JobID,
			&rec.AttemptNumber,
			&rec.EntityID,
			&target,
			&rec.Sequence,
			&rec.RequestSnapshot,
			&rec.ResponseSnapshot,
			&rec.Error,
			&outcome,
			&ts,
		); err != nil {
			return nil, fmt.Errorf("history %s: scan: %w", jobID, err)
		}
		rec.Target = schema.TargetSystem(target)
		rec.Outcome = schema.Outcome(outcome)
		rec.Timestamp = ts.Time
		history = append(history, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history %s: %w", jobID, err)
	}
	return history, nil
}

func (r *sqlRepository) Close() error {
	return r.db.Close()
}

func (r *sqlRepository) missingOrConflict(ctx context.Context, jobID string) error {
	var state string
	err := r.db.QueryRowContext(ctx, r.q(jobStateSQL), jobID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	return ErrStateConflict
}

func (r *sqlRepository) queryJobs(ctx context.Context, query string, args ...any) ([]schema.SyncJob, error) {
	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []schema.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *sqlRepository) jobArgs(job *schema.SyncJob) []any {
	return []any{
		job.ID,
		job.EntityType,
		job.EntityID,
		string(job.Target),
		string(job.Operation),
		job.Payload,
		job.Version,
		job.IdempotencyKey,
		job.Sequence,
		string(job.State),
		job.Owner,
		job.AttemptCount,
		r.timeArg(job.LastAttemptAt),
		r.timeArg(job.NextAttemptAt),
		job.LastError,
		job.ExternalRef,
		job.ClaimedBy,
		r.timeArg(job.ClaimedAt),
		r.timeArg(job.CreatedAt),
		r.timeArg(job.UpdatedAt),
	}
}

func (r *sqlRepository) withTransaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (schema.SyncJob, error) {
	var (
		job                                          schema.SyncJob
		target, operation, state                     string
		lastAttempt, next, claimed, created, updated dbTime
	)
	if err := row.Scan(
		&job.ID,
		&job.EntityType,
		&job.EntityID,
		&target,
		&operation,
		&job.Payload,
		&job.Version,
		&job.IdempotencyKey,
		&job.Sequence,
		&state,
		&job.Owner,
		&job.AttemptCount,
		&lastAttempt,
		&next,
		&job.LastError,
		&job.ExternalRef,
		&job.ClaimedBy,
		&claimed,
		&created,
		&updated,
	); err != nil {
		return schema.SyncJob{}, err
	}
	job.Target = schema.TargetSystem(target)
	job.Operation = schema.Operation(operation)
	job.State = schema.State(state)
	job.LastAttemptAt = lastAttempt.Time
	job.NextAttemptAt = next.Time
	job.ClaimedAt = claimed.Time
	job.CreatedAt = created.Time
	job.UpdatedAt = updated.Time
	return job, nil
}

// dbTime scans timestamps stored natively (postgres) or as unix
// microseconds (sqlite). NULL scans to the zero time.
type dbTime struct {
	time.Time
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
	case time.Time:
		t.Time = v.UTC()
	case int64:
		t.Time = time.UnixMicro(v).UTC()
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("store: cannot scan %T into a timestamp", src)
	}
	return nil
}

func (t *dbTime) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("store: parse timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}
