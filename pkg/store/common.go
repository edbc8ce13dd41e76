package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-syncengine/schema"
)

const (
	tracerName       = "go-syncengine"
	defaultDueLimit  = 100
	maxDueLimit      = 1000
	enqueueAttempts  = 3
	terminalStateSQL = "'succeeded', 'failed_terminal'"
)

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}

func addDBStatsToSpan(span trace.Span, system, statement string, rowsCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("rowsCount", rowsCount),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

// prepareNewJob validates a job handed to Enqueue and fills in the fields the
// store owns. Sequence is assigned later, inside the backend's transaction.
func prepareNewJob(job *schema.SyncJob) error {
	if job == nil {
		return errors.New("store: nil job")
	}
	if strings.TrimSpace(job.EntityType) == "" {
		return errors.New("store: entity type required")
	}
	if strings.TrimSpace(job.EntityID) == "" {
		return errors.New("store: entity id required")
	}
	if strings.TrimSpace(string(job.Target)) == "" {
		return errors.New("store: target system required")
	}
	if !job.Operation.Valid() {
		return errors.New("store: invalid operation " + string(job.Operation))
	}
	if job.IdempotencyKey == "" {
		return errors.New("store: idempotency key required")
	}

	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.State = schema.StatePending
	job.AttemptCount = 0
	job.ClaimedBy = ""
	job.ClaimedAt = time.Time{}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = job.CreatedAt
	}
	return nil
}

func checkMutation(m Mutation) error {
	switch m.State {
	case schema.StateSucceeded, schema.StateFailedRetryable, schema.StateFailedTerminal:
	default:
		return errors.New("store: mutation must move the job to succeeded, failed_retryable or failed_terminal")
	}
	if m.expected().IsTerminal() {
		return ErrStateConflict
	}
	return nil
}

func mutationTime(m Mutation) time.Time {
	if m.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return m.UpdatedAt.UTC()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultDueLimit
	}
	if limit > maxDueLimit {
		return maxDueLimit
	}
	return limit
}

func checkAttempt(rec schema.AttemptRecord) error {
	if rec.JobID == "" {
		return errors.New("store: attempt job id required")
	}
	if rec.AttemptNumber <= 0 {
		return errors.New("store: attempt number must be positive")
	}
	if !rec.Outcome.Valid() {
		return errors.New("store: invalid attempt outcome " + string(rec.Outcome))
	}
	return nil
}
