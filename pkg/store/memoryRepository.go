package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zoff-tech/go-syncengine/schema"
)

// MemoryRepository keeps jobs in process memory. It backs tests and
// single-process deployments that accept losing the queue on restart.
type MemoryRepository struct {
	mu       sync.Mutex
	jobs     map[string]*schema.SyncJob
	attempts map[string][]schema.AttemptRecord
	// last sequence handed out per entity and target, kept across deletes
	sequences map[string]int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:      make(map[string]*schema.SyncJob),
		attempts:  make(map[string][]schema.AttemptRecord),
		sequences: make(map[string]int64),
	}
}

func (m *MemoryRepository) Enqueue(ctx context.Context, job *schema.SyncJob) (string, error) {
	if err := prepareNewJob(job); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return "", ErrStateConflict
	}

	for _, existing := range m.jobs {
		if existing.IdempotencyKey == job.IdempotencyKey && existing.Target == job.Target && !existing.State.IsTerminal() {
			return existing.ID, &DuplicateKeyError{ExistingJobID: existing.ID, Key: job.IdempotencyKey, Target: job.Target}
		}
	}
	pair := job.EntityID + "\x00" + string(job.Target)
	m.sequences[pair]++
	job.Sequence = m.sequences[pair]

	stored := cloneJob(*job)
	m.jobs[job.ID] = &stored
	return job.ID, nil
}

func (m *MemoryRepository) DueJobs(ctx context.Context, now time.Time, limit int) ([]schema.SyncJob, error) {
	limit = normalizeLimit(limit)

	m.mu.Lock()
	defer m.mu.Unlock()

	var due []schema.SyncJob
	for _, job := range m.jobs {
		if !job.State.IsClaimable() || job.NextAttemptAt.After(now) || m.waitsOnEarlier(job) {
			continue
		}
		due = append(due, cloneJob(*job))
	}
	sortByEntity(due)
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryRepository) TryClaim(ctx context.Context, jobID, workerID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return false, nil
	}
	if !job.State.IsClaimable() || job.NextAttemptAt.After(now) || m.waitsOnEarlier(job) {
		return false, nil
	}

	now = now.UTC()
	job.State = schema.StateInFlight
	job.ClaimedBy = workerID
	job.ClaimedAt = now
	job.LastAttemptAt = now
	job.UpdatedAt = now
	return true, nil
}

func (m *MemoryRepository) Update(ctx context.Context, jobID string, mut Mutation) error {
	if err := checkMutation(mut); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.State != mut.expected() {
		return ErrStateConflict
	}
	if mut.expected() == schema.StateInFlight && mut.ClaimedBy != "" && job.ClaimedBy != mut.ClaimedBy {
		return ErrStateConflict
	}

	job.State = mut.State
	job.AttemptCount = mut.AttemptCount
	if !mut.NextAttemptAt.IsZero() {
		job.NextAttemptAt = mut.NextAttemptAt.UTC()
	}
	job.LastError = mut.LastError
	if mut.ExternalRef != "" {
		job.ExternalRef = mut.ExternalRef
	}
	job.ClaimedBy = ""
	job.ClaimedAt = time.Time{}
	job.UpdatedAt = mutationTime(mut)
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, jobID string) (schema.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return schema.SyncJob{}, ErrNotFound
	}
	return cloneJob(*job), nil
}

func (m *MemoryRepository) ListByEntity(ctx context.Context, entityID string) ([]schema.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var jobs []schema.SyncJob
	for _, job := range m.jobs {
		if job.EntityID == entityID {
			jobs = append(jobs, cloneJob(*job))
		}
	}
	sortByEntity(jobs)
	return jobs, nil
}

func (m *MemoryRepository) CountOpen(ctx context.Context, owner string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, job := range m.jobs {
		if job.State.IsClaimable() && (owner == "" || job.Owner == owner) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryRepository) Delete(ctx context.Context, jobID string, expect schema.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.State != expect {
		return ErrStateConflict
	}
	delete(m.jobs, jobID)
	return nil
}

func (m *MemoryRepository) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]schema.SyncJob, error) {
	limit = normalizeLimit(limit)

	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []schema.SyncJob
	for _, job := range m.jobs {
		if job.State == schema.StateInFlight && job.ClaimedAt.Before(claimedBefore) {
			stale = append(stale, cloneJob(*job))
		}
	}
	slices.SortFunc(stale, func(a, b schema.SyncJob) int { return a.ClaimedAt.Compare(b.ClaimedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (m *MemoryRepository) AppendAttempt(ctx context.Context, rec schema.AttemptRecord) error {
	if err := checkAttempt(rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.attempts[rec.JobID] {
		if existing.AttemptNumber == rec.AttemptNumber {
			return ErrDuplicateAttempt
		}
	}
	rec.RequestSnapshot = slices.Clone(rec.RequestSnapshot)
	rec.ResponseSnapshot = slices.Clone(rec.ResponseSnapshot)
	m.attempts[rec.JobID] = append(m.attempts[rec.JobID], rec)
	return nil
}

func (m *MemoryRepository) History(ctx context.Context, jobID string) ([]schema.AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := slices.Clone(m.attempts[jobID])
	slices.SortFunc(history, func(a, b schema.AttemptRecord) int { return a.AttemptNumber - b.AttemptNumber })
	return history, nil
}

func (m *MemoryRepository) Close() error {
	return nil
}

// waitsOnEarlier reports whether an earlier job of the same entity and target
// is still open. Callers hold m.mu.
func (m *MemoryRepository) waitsOnEarlier(job *schema.SyncJob) bool {
	for _, other := range m.jobs {
		if other.EntityID == job.EntityID && other.Target == job.Target &&
			other.Sequence < job.Sequence && !other.State.IsTerminal() {
			return true
		}
	}
	return false
}

func sortByEntity(jobs []schema.SyncJob) {
	slices.SortFunc(jobs, func(a, b schema.SyncJob) int {
		if c := strings.Compare(a.EntityID, b.EntityID); c != 0 {
			return c
		}
		if c := strings.Compare(string(a.Target), string(b.Target)); c != 0 {
			return c
		}
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		}
		return 0
	})
}

func cloneJob(job schema.SyncJob) schema.SyncJob {
	job.Payload = slices.Clone(job.Payload)
	return job
}

var _ Repository = (*MemoryRepository)(nil)
