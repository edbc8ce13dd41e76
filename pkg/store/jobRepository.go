package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zoff-tech/go-syncengine/schema"
)

var (
	// ErrDuplicateIdempotencyKey is matched by DuplicateKeyError via errors.Is.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrNotFound                = errors.New("sync job not found")
	// ErrStateConflict means the job was not in the state a mutation expected.
	ErrStateConflict    = errors.New("sync job state conflict")
	ErrDuplicateAttempt = errors.New("attempt already recorded")
)

// DuplicateKeyError is returned by Enqueue when an open job already carries
// the same idempotency key for the same target.
type DuplicateKeyError struct {
	ExistingJobID string
	Key           string
	Target        schema.TargetSystem
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s: job %s already open for target %s", ErrDuplicateIdempotencyKey, e.ExistingJobID, e.Target)
}

func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateIdempotencyKey
}

// Mutation describes a state transition applied by Update.
type Mutation struct {
	// ExpectState guards the update; defaults to in_flight.
	ExpectState schema.State
	// ClaimedBy, when set together with an in_flight expectation, requires the
	// job to still be held by that worker.
	ClaimedBy     string
	State         schema.State
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
	ExternalRef   string
	UpdatedAt     time.Time
}

func (m Mutation) expected() schema.State {
	if m.ExpectState == "" {
		return schema.StateInFlight
	}
	return m.ExpectState
}

// JobStore defines the database operations for sync jobs.
type JobStore interface {
	// Enqueue persists a pending job, assigning its ID and per-entity sequence.
	Enqueue(ctx context.Context, job *schema.SyncJob) (string, error)
	// DueJobs returns claimable jobs due at now, ordered by entity, target and
	// sequence, with every job that still waits on an earlier sibling left out.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]schema.SyncJob, error)
	// TryClaim atomically moves a due job into in_flight. Only one caller wins.
	TryClaim(ctx context.Context, jobID, workerID string, now time.Time) (bool, error)
	// Update applies a mutation when the job is in the expected state.
	Update(ctx context.Context, jobID string, m Mutation) error
	// Get returns a single job.
	Get(ctx context.Context, jobID string) (schema.SyncJob, error)
	// ListByEntity returns all jobs for an entity ordered by target and sequence.
	ListByEntity(ctx context.Context, entityID string) ([]schema.SyncJob, error)
	// CountOpen counts pending and failed_retryable jobs, optionally per owner.
	CountOpen(ctx context.Context, owner string) (int, error)
	// Delete removes a job that is still in the expected state.
	Delete(ctx context.Context, jobID string, expect schema.State) error
	// ListStale returns in_flight jobs claimed before the cutoff.
	ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]schema.SyncJob, error)
}

// AttemptLog is the append-only audit trail of delivery attempts.
type AttemptLog interface {
	AppendAttempt(ctx context.Context, rec schema.AttemptRecord) error
	History(ctx context.Context, jobID string) ([]schema.AttemptRecord, error)
}

// Repository is a job store together with its attempt log.
type Repository interface {
	JobStore
	AttemptLog
	Close() error
}
