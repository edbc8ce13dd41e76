package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/zoff-tech/go-syncengine/schema"
)

var (
	spannerTerminal  = []string{string(schema.StateSucceeded), string(schema.StateFailedTerminal)}
	spannerClaimable = []string{string(schema.StatePending), string(schema.StateFailedRetryable)}
	spannerJobCols   = []string{
		"id", "entity_type", "entity_id", "target", "operation", "payload", "version", "idempotency_key",
		"sequence", "state", "owner", "attempt_count", "last_attempt_at", "next_attempt_at", "last_error",
		"external_ref", "claimed_by", "claimed_at", "created_at", "updated_at",
	}
	spannerAttemptCols = []string{
		"job_id", "attempt_number", "entity_id", "target", "sequence", "request_snapshot",
		"response_snapshot", "error", "outcome", "recorded_at",
	}
)

const spannerEarlierOpen = `EXISTS (SELECT 1 FROM sync_jobs e WHERE e.entity_id = %[1]s.entity_id AND e.target = %[1]s.target AND e.sequence < %[1]s.sequence AND e.state NOT IN UNNEST(@terminal))`

// SpannerRepository stores jobs in Cloud Spanner. The tables mirror the
// postgres migration with TIMESTAMP and BYTES columns.
type SpannerRepository struct {
	client *spanner.Client
}

func NewSpannerRepository(client *spanner.Client) *SpannerRepository {
	return &SpannerRepository{client: client}
}

func (s *SpannerRepository) Enqueue(ctx context.Context, job *schema.SyncJob) (string, error) {
	if err := prepareNewJob(job); err != nil {
		return "", err
	}

	ctx, span := startSpan(ctx, "Enqueue")
	defer span.End()
	startTime := time.Now()

	var dup *DuplicateKeyError
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		dup = nil
		iter := txn.Query(ctx, spanner.Statement{
			SQL: `SELECT id FROM sync_jobs WHERE idempotency_key = @key AND target = @target AND state NOT IN UNNEST(@terminal) LIMIT 1`,
			Params: map[string]interface{}{
				"key":      job.IdempotencyKey,
				"target":   string(job.Target),
				"terminal": spannerTerminal,
			},
		})
		var existing string
		err := firstRow(iter, &existing)
		if err == nil {
			dup = &DuplicateKeyError{ExistingJobID: existing, Key: job.IdempotencyKey, Target: job.Target}
			return nil
		}
		if !errors.Is(err, iterator.Done) {
			return err
		}

		iter = txn.Query(ctx, spanner.Statement{
			SQL: `SELECT GREATEST(` +
				`COALESCE((SELECT last_sequence FROM sync_sequences WHERE entity_id = @entity AND target = @target), 0), ` +
				`COALESCE((SELECT MAX(sequence) FROM sync_jobs WHERE entity_id = @entity AND target = @target), 0)) + 1`,
			Params: map[string]interface{}{
				"entity": job.EntityID,
				"target": string(job.Target),
			},
		})
		if err := firstRow(iter, &job.Sequence); err != nil {
			return err
		}

		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Insert("sync_jobs", spannerJobCols, spannerJobValues(job)),
			spanner.InsertOrUpdate("sync_sequences", []string{"entity_id", "target", "last_sequence"},
				[]interface{}{job.EntityID, string(job.Target), job.Sequence}),
		})
	})
	if dup != nil {
		return dup.ExistingJobID, dup
	}
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("enqueue: %w", err)
	}

	addDBStatsToSpan(span, "spanner", "Enqueue", 1, time.Since(startTime))
	return job.ID, nil
}

func (s *SpannerRepository) DueJobs(ctx context.Context, now time.Time, limit int) ([]schema.SyncJob, error) {
	ctx, span := startSpan(ctx, "DueJobs")
	defer span.End()
	startTime := time.Now()

	stmt := spanner.Statement{
		SQL: `SELECT * FROM sync_jobs j WHERE j.state IN UNNEST(@claimable) AND j.next_attempt_at <= @now AND NOT ` +
			fmt.Sprintf(spannerEarlierOpen, "j") + ` ORDER BY j.entity_id, j.target, j.sequence LIMIT @limit`,
		Params: map[string]interface{}{
			"claimable": spannerClaimable,
			"terminal":  spannerTerminal,
			"now":       now.UTC(),
			"limit":     int64(normalizeLimit(limit)),
		},
	}
	jobs, err := s.queryJobs(s.client.Single().Query(ctx, stmt))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("due jobs: %w", err)
	}

	addDBStatsToSpan(span, "spanner", "DueJobs", len(jobs), time.Since(startTime))
	return jobs, nil
}

func (s *SpannerRepository) TryClaim(ctx context.Context, jobID, workerID string, now time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "TryClaim")
	defer span.End()

	var rows int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		var err error
		rows, err = txn.Update(ctx, spanner.Statement{
			SQL: `UPDATE sync_jobs SET state = @inFlight, claimed_by = @worker, claimed_at = @now, last_attempt_at = @now, updated_at = @now
                  WHERE id = @id AND state IN UNNEST(@claimable) AND next_attempt_at <= @now AND NOT ` +
				fmt.Sprintf(spannerEarlierOpen, "sync_jobs"),
			Params: map[string]interface{}{
				"inFlight":  string(schema.StateInFlight),
				"worker":    workerID,
				"now":       now.UTC(),
				"id":        jobID,
				"claimable": spannerClaimable,
				"terminal":  spannerTerminal,
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	return rows == 1, nil
}

func (s *SpannerRepository) Update(ctx context.Context, jobID string, m Mutation) error {
	if err := checkMutation(m); err != nil {
		return err
	}

	ctx, span := startSpan(ctx, "Update")
	defer span.End()

	claimedBy := ""
	if m.expected() == schema.StateInFlight {
		claimedBy = m.ClaimedBy
	}

	var rows int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		var err error
		rows, err = txn.Update(ctx, spanner.Statement{
			SQL: `UPDATE sync_jobs SET state = @state, attempt_count = @attempts, next_attempt_at = COALESCE(@next, next_attempt_at),
                  last_error = @lastError, external_ref = IF(@ref = '', external_ref, @ref), claimed_by = '', claimed_at = NULL, updated_at = @now
                  WHERE id = @id AND state = @expect AND (@claimedBy = '' OR claimed_by = @claimedBy)`,
			Params: map[string]interface{}{
				"state":     string(m.State),
				"attempts":  int64(m.AttemptCount),
				"next":      nullTime(m.NextAttemptAt),
				"lastError": m.LastError,
				"ref":       m.ExternalRef,
				"now":       mutationTime(m),
				"id":        jobID,
				"expect":    string(m.expected()),
				"claimedBy": claimedBy,
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if rows == 0 {
		return s.missingOrConflict(ctx, jobID)
	}
	return nil
}

func (s *SpannerRepository) Get(ctx context.Context, jobID string) (schema.SyncJob, error) {
	row, err := s.client.Single().ReadRow(ctx, "sync_jobs", spanner.Key{jobID}, spannerJobCols)
	if spanner.ErrCode(err) == codes.NotFound {
		return schema.SyncJob{}, ErrNotFound
	}
	if err != nil {
		return schema.SyncJob{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return scanSpannerJob(row)
}

func (s *SpannerRepository) ListByEntity(ctx context.Context, entityID string) ([]schema.SyncJob, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT * FROM sync_jobs WHERE entity_id = @entity ORDER BY target, sequence`,
		Params: map[string]interface{}{"entity": entityID},
	}
	jobs, err := s.queryJobs(s.client.Single().Query(ctx, stmt))
	if err != nil {
		return nil, fmt.Errorf("list jobs for %s: %w", entityID, err)
	}
	return jobs, nil
}

func (s *SpannerRepository) CountOpen(ctx context.Context, owner string) (int, error) {
	stmt := spanner.Statement{
		SQL: `SELECT COUNT(*) FROM sync_jobs WHERE state IN UNNEST(@claimable) AND (@owner = '' OR owner = @owner)`,
		Params: map[string]interface{}{
			"claimable": spannerClaimable,
			"owner":     owner,
		},
	}
	var count int64
	if err := firstRow(s.client.Single().Query(ctx, stmt), &count); err != nil {
		return 0, fmt.Errorf("count open jobs: %w", err)
	}
	return int(count), nil
}

func (s *SpannerRepository) Delete(ctx context.Context, jobID string, expect schema.State) error {
	var rows int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		var err error
		rows, err = txn.Update(ctx, spanner.Statement{
			SQL: `DELETE FROM sync_jobs WHERE id = @id AND state = @state`,
			Params: map[string]interface{}{
				"id":    jobID,
				"state": string(expect),
			},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	if rows == 0 {
		return s.missingOrConflict(ctx, jobID)
	}
	return nil
}

func (s *SpannerRepository) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]schema.SyncJob, error) {
	stmt := spanner.Statement{
		SQL: `SELECT * FROM sync_jobs WHERE state = @inFlight AND claimed_at < @cutoff ORDER BY claimed_at LIMIT @limit`,
		Params: map[string]interface{}{
			"inFlight": string(schema.StateInFlight),
			"cutoff":   claimedBefore.UTC(),
			"limit":    int64(normalizeLimit(limit)),
		},
	}
	jobs, err := s.queryJobs(s.client.Single().Query(ctx, stmt))
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return jobs, nil
}

func (s *SpannerRepository) AppendAttempt(ctx context.Context, rec schema.AttemptRecord) error {
	if err := checkAttempt(rec); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert("sync_attempts", spannerAttemptCols, []interface{}{
			rec.JobID,
			int64(rec.AttemptNumber),
			rec.EntityID,
			string(rec.Target),
			rec.Sequence,
			rec.RequestSnapshot,
			rec.ResponseSnapshot,
			rec.Error,
			string(rec.Outcome),
			rec.Timestamp,
		}),
	})
	if spanner.ErrCode(err) == codes.AlreadyExists {
		return ErrDuplicateAttempt
	}
	if err != nil {
		return fmt.Errorf("append attempt %s#%d: %w", rec.JobID, rec.AttemptNumber, err)
	}
	return nil
}

func (s *SpannerRepository) History(ctx context.Context, jobID string) ([]schema.AttemptRecord, error) {
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL:    `SELECT * FROM sync_attempts WHERE job_id = @id ORDER BY attempt_number`,
		Params: map[string]interface{}{"id": jobID},
	})
	defer iter.Stop()

	var history []schema.AttemptRecord
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", jobID, err)
		}

		var (
			rec             schema.AttemptRecord
			attempt         int64
			target, outcome string
		)
		if err := row.Columns(
			&rec.JobID,
			&attempt,
			&rec.EntityID,
			&target,
			&rec.Sequence,
			&rec.RequestSnapshot,
			&rec.ResponseSnapshot,
			&rec.Error,
			&outcome,
			&rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("history %s: %w", jobID, err)
		}
		rec.AttemptNumber = int(attempt)
		rec.Target = schema.TargetSystem(target)
		rec.Outcome = schema.Outcome(outcome)
		history = append(history, rec)
	}
	return history, nil
}

func (s *SpannerRepository) Close() error {
	s.client.Close()
	return nil
}

func (s *SpannerRepository) missingOrConflict(ctx context.Context, jobID string) error {
	_, err := s.client.Single().ReadRow(ctx, "sync_jobs", spanner.Key{jobID}, []string{"state"})
	if spanner.ErrCode(err) == codes.NotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	return ErrStateConflict
}

func (s *SpannerRepository) queryJobs(iter *spanner.RowIterator) ([]schema.SyncJob, error) {
	defer iter.Stop()

	var jobs []schema.SyncJob
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			return jobs, nil
		}
		if err != nil {
			return nil, err
		}
		job, err := scanSpannerJob(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
}

// firstRow decodes the first row of iter into dest, or returns iterator.Done.
func firstRow(iter *spanner.RowIterator, dest ...interface{}) error {
	defer iter.Stop()
	row, err := iter.Next()
	if err != nil {
		return err
	}
	return row.Columns(dest...)
}

func scanSpannerJob(row *spanner.Row) (schema.SyncJob, error) {
	var (
		job                                   schema.SyncJob
		target, operation, state              string
		attempts                              int64
		lastAttempt, claimedAt, nextAttemptAt spanner.NullTime
	)
	if err := row.Columns(
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
		&attempts,
		&lastAttempt,
		&nextAttemptAt,
		&job.LastError,
		&job.ExternalRef,
		&job.ClaimedBy,
		&claimedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return schema.SyncJob{}, err
	}
	job.Target = schema.TargetSystem(target)
	job.Operation = schema.Operation(operation)
	job.State = schema.State(state)
	job.AttemptCount = int(attempts)
	job.LastAttemptAt = lastAttempt.Time
	job.NextAttemptAt = nextAttemptAt.Time
	job.ClaimedAt = claimedAt.Time
	return job, nil
}

func spannerJobValues(job *schema.SyncJob) []interface{} {
	return []interface{}{
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
		int64(job.AttemptCount),
		nullTime(job.LastAttemptAt),
		nullTime(job.NextAttemptAt),
		job.LastError,
		job.ExternalRef,
		job.ClaimedBy,
		nullTime(job.ClaimedAt),
		job.CreatedAt,
		job.UpdatedAt,
	}
}

func nullTime(t time.Time) spanner.NullTime {
	return spanner.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

var _ Repository = (*SpannerRepository)(nil)
