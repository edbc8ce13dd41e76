package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-syncengine/pkg/adapter"
	"github.com/zoff-tech/go-syncengine/pkg/audit"
	"github.com/zoff-tech/go-syncengine/pkg/config"
	"github.com/zoff-tech/go-syncengine/pkg/store"
	"github.com/zoff-tech/go-syncengine/schema"
)

const (
	instrumentationName = "go-syncengine"
	maxRoundsPerPass    = 10
	bookkeepingTimeout  = 10 * time.Second

	reasonNoAdapter    = "no adapter registered for target"
	reasonTimeout      = "adapter timeout"
	reasonClaimExpired = "claim expired"
)

// ReconcileFunc writes the external reference back onto the local record
// after a job succeeded. It is called exactly once per succeeded job.
type ReconcileFunc func(ctx context.Context, entityType, entityID string, target schema.TargetSystem, externalRef string) error

// PassStats summarizes one scheduling pass.
type PassStats struct {
	Released  int
	Due       int
	Claimed   int
	Conflicts int
	Succeeded int
	Retried   int
	Failed    int
}

func (s PassStats) idle() bool {
	return s == PassStats{}
}

type passCounters struct {
	released, due, claimed, conflicts, succeeded, retried, failed atomic.Int64
}

func (c *passCounters) snapshot() PassStats {
	return PassStats{
		Released:  int(c.released.Load()),
		Due:       int(c.due.Load()),
		Claimed:   int(c.claimed.Load()),
		Conflicts: int(c.conflicts.Load()),
		Succeeded: int(c.succeeded.Load()),
		Retried:   int(c.retried.Load()),
		Failed:    int(c.failed.Load()),
	}
}

// Option customizes a SyncProcessor.
type Option func(*SyncProcessor)

func WithReconciler(fn ReconcileFunc) Option {
	return func(p *SyncProcessor) { p.reconcile = fn }
}

func WithClock(now func() time.Time) Option {
	return func(p *SyncProcessor) { p.now = now }
}

func WithBackoff(fn BackoffFunc) Option {
	return func(p *SyncProcessor) { p.backoff = fn }
}

func WithWorkerID(id string) Option {
	return func(p *SyncProcessor) { p.workerID = id }
}

// WithPassObserver registers a callback invoked with the stats of every pass.
// Passes of Run report claims only; outcomes land after the pass returns.
func WithPassObserver(fn func(PassStats)) Option {
	return func(p *SyncProcessor) { p.observe = fn }
}

// SyncProcessor claims due jobs and delivers them through the adapter
// registry, one pass per tick or trigger.
type SyncProcessor struct {
	repo     store.Repository
	adapters *adapter.Registry
	ledger   *audit.Ledger
	tracer   trace.Tracer

	workerID       string
	pollInterval   time.Duration
	batchSize      int
	workers        int
	maxAttempts    int
	lockExpiration time.Duration

	now       func() time.Time
	backoff   BackoffFunc
	reconcile ReconcileFunc
	observe   func(PassStats)
	trigger   chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}

	deliveries metric.Int64Counter
	latency    metric.Float64Histogram
}

// NewSyncProcessor creates a new instance of SyncProcessor.
func NewSyncProcessor(repo store.Repository, adapters *adapter.Registry, cfg *config.Settings, opts ...Option) *SyncProcessor {
	p := &SyncProcessor{
		repo:           repo,
		adapters:       adapters,
		ledger:         audit.NewLedger(repo),
		tracer:         otel.Tracer(instrumentationName),
		workerID:       cfg.WorkerID,
		pollInterval:   cfg.PollInterval,
		batchSize:      cfg.BatchSize,
		workers:        max(cfg.Workers, 1),
		maxAttempts:    max(cfg.MaxAttempts, 1),
		lockExpiration: cfg.LockExpiration,
		now:            func() time.Time { return time.Now().UTC() },
		backoff:        ExponentialBackoff(cfg.Retry.Base, cfg.Retry.Cap),
		trigger:        make(chan struct{}, 1),
		inflight:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.adapters == nil {
		p.adapters = &adapter.Registry{}
	}

	meter := otel.Meter(instrumentationName)
	var err error
	if p.deliveries, err = meter.Int64Counter("syncengine_deliveries_total",
		metric.WithDescription("Delivery attempts by target and outcome")); err != nil {
		log.Printf("Failed to create deliveries counter: %v", err)
	}
	if p.latency, err = meter.Float64Histogram("syncengine_delivery_duration_ms",
		metric.WithDescription("Delivery attempt latency"), metric.WithUnit("ms")); err != nil {
		log.Printf("Failed to create delivery latency histogram: %v", err)
	}
	return p
}

// Trigger requests an immediate pass. It never blocks; triggers that arrive
// while one is already queued are coalesced.
func (p *SyncProcessor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run executes passes on the poll interval and on every Trigger until ctx is
// cancelled. Deliveries run on a pool that outlives the passes, so a slow
// target never holds back claims for other jobs while workers are idle.
// Run waits for the deliveries it started before returning.
func (p *SyncProcessor) Run(ctx context.Context) error {
	if p.pollInterval <= 0 {
		return errors.New("processor: poll interval must be positive")
	}
	log.Printf("Sync processor %s started (poll interval %s, workers %d)", p.workerID, p.pollInterval, p.workers)

	workers := pool.New().WithMaxGoroutines(p.workers)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		p.schedule(ctx, workers)

		select {
		case <-ctx.Done():
			workers.Wait()
			log.Printf("Sync processor %s stopped", p.workerID)
			return nil
		case <-ticker.C:
		case <-p.trigger:
		}
	}
}

// schedule is one pass of Run. It fills the free workers and returns without
// waiting; every finished delivery triggers the next pass, which picks up
// successors the delivery unblocked.
func (p *SyncProcessor) schedule(ctx context.Context, workers *pool.Pool) PassStats {
	ctx, span := p.startPass(ctx)
	defer span.End()

	var counters passCounters
	counters.released.Add(int64(p.releaseStale(ctx)))
	if free := p.workers - p.inFlight(); free > 0 {
		p.dispatch(ctx, workers, &counters, free, p.Trigger)
	}
	return p.endPass(span, counters.snapshot())
}

// RunPass releases expired claims, then claims and delivers due jobs until a
// round makes no progress. Unlike Run it waits for its own deliveries, which
// suits one-shot drains and tests.
func (p *SyncProcessor) RunPass(ctx context.Context) PassStats {
	ctx, span := p.startPass(ctx)
	defer span.End()

	var counters passCounters
	counters.released.Add(int64(p.releaseStale(ctx)))

	for round := 0; round < maxRoundsPerPass && ctx.Err() == nil; round++ {
		finishedBefore := counters.succeeded.Load() + counters.failed.Load()

		workers := pool.New().WithMaxGoroutines(p.workers)
		found := p.dispatch(ctx, workers, &counters, p.batchSize, nil)
		workers.Wait()

		// A finished head unblocks its successor, which becomes due now.
		if !found || counters.succeeded.Load()+counters.failed.Load() == finishedBefore {
			break
		}
	}
	return p.endPass(span, counters.snapshot())
}

// dispatch claims up to limit due jobs that this processor is not already
// delivering and hands them to workers. done, when set, runs after each
// delivery. It reports whether any job was due.
func (p *SyncProcessor) dispatch(ctx context.Context, workers *pool.Pool, counters *passCounters, limit int, done func()) bool {
	jobs, err := p.repo.DueJobs(ctx, p.now(), p.batchSize)
	if err != nil {
		log.Printf("Failed to fetch due jobs: %v", err)
		trace.SpanFromContext(ctx).RecordError(err)
		return false
	}
	if len(jobs) == 0 {
		return false
	}
	counters.due.Add(int64(len(jobs)))

	claimed := 0
	for _, job := range jobs {
		if ctx.Err() != nil || claimed >= limit {
			break
		}
		if !p.track(job.ID) {
			continue
		}
		ok, err := p.repo.TryClaim(ctx, job.ID, p.workerID, p.now())
		if err != nil || !ok {
			p.untrack(job.ID)
			if err != nil {
				log.Printf("Failed to claim job %s: %v", job.ID, err)
			} else {
				counters.conflicts.Add(1)
			}
			continue
		}
		counters.claimed.Add(1)
		claimed++

		job.State = schema.StateInFlight
		job.ClaimedBy = p.workerID
		workers.Go(func() {
			func() {
				defer p.untrack(job.ID)
				p.process(ctx, job, counters)
			}()
			if done != nil {
				done()
			}
		})
	}
	return true
}

// track marks a job as being delivered by this processor. It returns false
// when the job already is.
func (p *SyncProcessor) track(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[jobID]; busy {
		return false
	}
	p.inflight[jobID] = struct{}{}
	return true
}

func (p *SyncProcessor) untrack(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, jobID)
}

func (p *SyncProcessor) tracked(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, busy := p.inflight[jobID]
	return busy
}

func (p *SyncProcessor) inFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func (p *SyncProcessor) startPass(ctx context.Context) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "SyncPass", trace.WithAttributes(
		attribute.String("worker.id", p.workerID),
	))
}

func (p *SyncProcessor) endPass(span trace.Span, stats PassStats) PassStats {
	span.SetAttributes(
		attribute.Int("pass.due", stats.Due),
		attribute.Int("pass.claimed", stats.Claimed),
		attribute.Int("pass.succeeded", stats.Succeeded),
		attribute.Int("pass.retried", stats.Retried),
		attribute.Int("pass.failed", stats.Failed),
		attribute.Int("pass.released", stats.Released),
	)
	if !stats.idle() {
		log.Printf("Sync pass: due=%d claimed=%d conflicts=%d succeeded=%d retried=%d failed=%d released=%d",
			stats.Due, stats.Claimed, stats.Conflicts, stats.Succeeded, stats.Retried, stats.Failed, stats.Released)
	}
	if p.observe != nil {
		p.observe(stats)
	}
	return stats
}

// process delivers one claimed job and records the outcome.
func (p *SyncProcessor) process(ctx context.Context, job schema.SyncJob, counters *passCounters) {
	ctx, span := p.tracer.Start(ctx, "DeliverSyncJob", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.entity_type", job.EntityType),
		attribute.String("job.entity_id", job.EntityID),
		attribute.String("job.target", string(job.Target)),
		attribute.String("job.operation", string(job.Operation)),
		attribute.Int64("job.sequence", job.Sequence),
		attribute.Int("job.attempt_count", job.AttemptCount),
	))
	defer span.End()

	start := time.Now()
	res := p.deliver(ctx, job)
	elapsed := time.Since(start)
	p.recordMetrics(ctx, job.Target, res.Kind, elapsed)

	span.SetAttributes(attribute.String("delivery.outcome", res.Kind.String()))
	if res.Kind != adapter.KindSuccess {
		span.SetStatus(codes.Error, res.Reason)
	}

	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	state, err := p.finish(bookCtx, job, res)
	if err != nil {
		span.RecordError(err)
		return
	}
	switch state {
	case schema.StateSucceeded:
		counters.succeeded.Add(1)
		p.reconcileJob(bookCtx, job, res.ExternalRef)
	case schema.StateFailedRetryable:
		counters.retried.Add(1)
	case schema.StateFailedTerminal:
		counters.failed.Add(1)
	}
}

// deliver runs one adapter attempt bounded by the target's timeout. A
// started attempt is not interrupted by shutdown, only by the timeout.
func (p *SyncProcessor) deliver(ctx context.Context, job schema.SyncJob) adapter.Result {
	a, timeout, ok := p.adapters.Lookup(job.Target)
	if !ok {
		return adapter.Terminal(fmt.Sprintf("%s %s", reasonNoAdapter, job.Target))
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan adapter.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- adapter.Retryable(fmt.Sprintf("adapter panic: %v", r))
			}
		}()
		done <- a.Deliver(ctx, job)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return adapter.Retryable(reasonTimeout)
	}
}

// finish appends the attempt record and moves the job out of in_flight.
// It returns the state the job ended in.
func (p *SyncProcessor) finish(ctx context.Context, job schema.SyncJob, res adapter.Result) (schema.State, error) {
	now := p.now()
	attemptNo := job.AttemptCount + 1

	rec := schema.AttemptRecord{
		JobID:            job.ID,
		AttemptNumber:    attemptNo,
		EntityID:         job.EntityID,
		Target:           job.Target,
		Sequence:         job.Sequence,
		RequestSnapshot:  res.Request,
		ResponseSnapshot: res.Response,
		Error:            res.Reason,
		Outcome:          res.Kind.Outcome(),
		Timestamp:        now,
	}
	// Without its record the attempt must not count. The job stays in_flight
	// until the claim expires and releaseStale audits and retries it.
	if err := p.ledger.Record(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateAttempt) {
			log.Printf("Attempt %d of job %s was already recorded as expired, dropping result", attemptNo, job.ID)
		} else {
			log.Printf("Failed to record attempt %d of job %s, leaving it claimed: %v", attemptNo, job.ID, err)
		}
		return "", err
	}

	mut := store.Mutation{
		ExpectState:  schema.StateInFlight,
		ClaimedBy:    p.workerID,
		AttemptCount: attemptNo,
		UpdatedAt:    now,
	}
	switch res.Kind {
	case adapter.KindSuccess:
		mut.State = schema.StateSucceeded
		mut.ExternalRef = res.ExternalRef
	case adapter.KindRetryable:
		mut.State, mut.NextAttemptAt, mut.LastError = p.retryOrGiveUp(attemptNo, res.Reason, now)
	default:
		mut.State = schema.StateFailedTerminal
		mut.LastError = res.Reason
	}

	if err := p.repo.Update(ctx, job.ID, mut); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			log.Printf("Job %s is no longer held by %s, dropping result", job.ID, p.workerID)
		} else {
			log.Printf("Failed to update job %s: %v", job.ID, err)
		}
		return "", err
	}

	if mut.State != schema.StateSucceeded {
		log.Printf("Delivery of job %s to %s failed (attempt %d, %s): %s", job.ID, job.Target, attemptNo, mut.State, res.Reason)
	}
	return mut.State, nil
}

// retryOrGiveUp schedules the next attempt, or fails the job for good once
// it has used max_attempts.
func (p *SyncProcessor) retryOrGiveUp(attemptNo int, reason string, now time.Time) (schema.State, time.Time, string) {
	if attemptNo >= p.maxAttempts {
		return schema.StateFailedTerminal, time.Time{}, fmt.Sprintf("max attempts reached: %s", reason)
	}
	return schema.StateFailedRetryable, now.Add(p.backoff(attemptNo)), reason
}

func (p *SyncProcessor) reconcileJob(ctx context.Context, job schema.SyncJob, externalRef string) {
	if p.reconcile == nil {
		return
	}
	if err := p.reconcile(ctx, job.EntityType, job.EntityID, job.Target, externalRef); err != nil {
		log.Printf("Failed to reconcile %s %s with %s reference %q: %v", job.EntityType, job.EntityID, job.Target, externalRef, err)
	}
}

// releaseStale returns jobs whose claim outlived the lock expiration to the
// retry path, recording the lost attempt.
func (p *SyncProcessor) releaseStale(ctx context.Context) int {
	if p.lockExpiration <= 0 {
		return 0
	}
	now := p.now()
	stale, err := p.repo.ListStale(ctx, now.Add(-p.lockExpiration), p.batchSize)
	if err != nil {
		log.Printf("Failed to list stale claims: %v", err)
		return 0
	}

	released := 0
	for _, job := range stale {
		if job.ClaimedBy == p.workerID && p.tracked(job.ID) {
			// still being delivered here; the adapter timeout bounds it
			continue
		}
		attemptNo := job.AttemptCount + 1
		err := p.ledger.Record(ctx, schema.AttemptRecord{
			JobID:         job.ID,
			AttemptNumber: attemptNo,
			EntityID:      job.EntityID,
			Target:        job.Target,
			Sequence:      job.Sequence,
			Error:         reasonClaimExpired,
			Outcome:       schema.OutcomeRetryableFailure,
			Timestamp:     now,
		})
		if errors.Is(err, store.ErrDuplicateAttempt) {
			// the holder recorded this attempt and is finishing it
			continue
		}
		if err != nil {
			log.Printf("Failed to record expired claim of job %s: %v", job.ID, err)
			continue
		}

		state, next, reason := p.retryOrGiveUp(attemptNo, reasonClaimExpired, now)
		if state == schema.StateFailedRetryable {
			next = now
		}
		err = p.repo.Update(ctx, job.ID, store.Mutation{
			ExpectState:   schema.StateInFlight,
			ClaimedBy:     job.ClaimedBy,
			State:         state,
			AttemptCount:  attemptNo,
			NextAttemptAt: next,
			LastError:     reason,
			UpdatedAt:     now,
		})
		if err != nil {
			log.Printf("Failed to release expired claim of job %s held by %s: %v", job.ID, job.ClaimedBy, err)
			continue
		}
		log.Printf("Released job %s claimed by %s at %s", job.ID, job.ClaimedBy, job.ClaimedAt.Format(time.RFC3339))
		released++
	}
	return released
}

func (p *SyncProcessor) recordMetrics(ctx context.Context, target schema.TargetSystem, kind adapter.Kind, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("target", string(target)),
		attribute.String("outcome", kind.String()),
	)
	if p.deliveries != nil {
		p.deliveries.Add(ctx, 1, attrs)
	}
	if p.latency != nil {
		p.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}
