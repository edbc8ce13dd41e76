// Package engine is the caller-facing API of the synchronization engine:
// enqueue, status, cancellation and audit export.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-syncengine/pkg/audit"
	"github.com/zoff-tech/go-syncengine/pkg/idempotency"
	"github.com/zoff-tech/go-syncengine/pkg/store"
	"github.com/zoff-tech/go-syncengine/schema"
)

const cancelledReason = "cancelled"

var (
	ErrInvalidRequest  = errors.New("invalid sync request")
	ErrCancelInFlight  = errors.New("job is in flight and cannot be cancelled")
	ErrAlreadyTerminal = errors.New("job already reached a terminal state")
)

// EnqueueRequest describes a local mutation that must reach a target.
type EnqueueRequest struct {
	EntityType string
	EntityID   string
	Target     schema.TargetSystem
	Operation  schema.Operation
	// Payload must be a JSON document; it may be empty for deletes.
	Payload []byte
	// Version is the caller's logical revision of the entity.
	Version int64
	// Owner scopes PendingCount, e.g. the user whose device queued the change.
	Owner string
}

func (r EnqueueRequest) validate() error {
	switch {
	case strings.TrimSpace(r.EntityType) == "":
		return fmt.Errorf("%w: entity type required", ErrInvalidRequest)
	case strings.TrimSpace(r.EntityID) == "":
		return fmt.Errorf("%w: entity id required", ErrInvalidRequest)
	case strings.TrimSpace(string(r.Target)) == "":
		return fmt.Errorf("%w: target system required", ErrInvalidRequest)
	case !r.Operation.Valid():
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, r.Operation)
	case r.Version < 0:
		return fmt.Errorf("%w: version must not be negative", ErrInvalidRequest)
	}
	if len(r.Payload) == 0 {
		if r.Operation != schema.OperationDelete {
			return fmt.Errorf("%w: payload required for %s", ErrInvalidRequest, r.Operation)
		}
		return nil
	}
	if !json.Valid(r.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest)
	}
	return nil
}

// Option customizes an Engine.
type Option func(*Engine)

// WithNotifier registers fn to be called after every accepted job, typically
// the processor's Trigger.
func WithNotifier(fn func()) Option {
	return func(e *Engine) { e.notify = fn }
}

type Engine struct {
	repo   store.Repository
	ledger *audit.Ledger
	tracer trace.Tracer
	notify func()
}

func New(repo store.Repository, opts ...Option) *Engine {
	e := &Engine{
		repo:   repo,
		ledger: audit.NewLedger(repo),
		tracer: otel.Tracer("go-syncengine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue persists a job and returns its id. Delivery happens later; this
// only waits for the store write. When an open job already carries the same
// key for the target, the existing id is returned together with an error
// matching store.ErrDuplicateIdempotencyKey.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	key := idempotency.DeriveKey(req.EntityType, req.EntityID, req.Operation, req.Version)
	ctx, span := e.tracer.Start(ctx, "EnqueueSyncJob", trace.WithAttributes(
		attribute.String("job.entity_type", req.EntityType),
		attribute.String("job.entity_id", req.EntityID),
		attribute.String("job.target", string(req.Target)),
		attribute.String("job.operation", string(req.Operation)),
		attribute.Int64("job.version", req.Version),
	))
	defer span.End()

	job := schema.NewSyncJob(req.EntityType, req.EntityID, req.Target, req.Operation, req.Payload, req.Version, key)
	job.Owner = req.Owner

	id, err := e.repo.Enqueue(ctx, job)
	if err != nil {
		var dup *store.DuplicateKeyError
		if errors.As(err, &dup) {
			return dup.ExistingJobID, err
		}
		span.RecordError(err)
		return "", fmt.Errorf("enqueue %s %s for %s: %w", req.EntityType, req.EntityID, req.Target, err)
	}
	span.SetAttributes(attribute.String("job.id", id))

	if e.notify != nil {
		e.notify()
	}
	return id, nil
}

func (e *Engine) GetJob(ctx context.Context, jobID string) (schema.SyncJob, error) {
	return e.repo.Get(ctx, jobID)
}

// ListJobs returns every job of an entity ordered by target and sequence.
func (e *Engine) ListJobs(ctx context.Context, entityID string) ([]schema.SyncJob, error) {
	return e.repo.ListByEntity(ctx, entityID)
}

// History returns the attempt ledger of a job with unredacted snapshots.
func (e *Engine) History(ctx context.Context, jobID string) ([]schema.AttemptRecord, error) {
	return e.ledger.History(ctx, jobID)
}

// Export writes the audit ledger of a job as JSON.
func (e *Engine) Export(ctx context.Context, jobID string, w io.Writer) error {
	return e.ledger.Export(ctx, jobID, w)
}

// PendingCount counts jobs still waiting for delivery, optionally for one
// owner only.
func (e *Engine) PendingCount(ctx context.Context, owner string) (int, error) {
	return e.repo.CountOpen(ctx, owner)
}

// Cancel deletes a pending job or fails a retrying one with reason
// "cancelled". In-flight and terminal jobs cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	ctx, span := e.tracer.Start(ctx, "CancelSyncJob", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	// A worker may claim the job between the read and the write; the store
	// guard reports that as a conflict and the fresh state decides.
	for i := 0; i < 2; i++ {
		job, err := e.repo.Get(ctx, jobID)
		if err != nil {
			return err
		}

		switch job.State {
		case schema.StatePending:
			err = e.repo.Delete(ctx, jobID, schema.StatePending)
		case schema.StateFailedRetryable:
			err = e.repo.Update(ctx, jobID, store.Mutation{
				ExpectState:  schema.StateFailedRetryable,
				State:        schema.StateFailedTerminal,
				AttemptCount: job.AttemptCount,
				LastError:    cancelledReason,
			})
		case schema.StateInFlight:
			return ErrCancelInFlight
		default:
			return ErrAlreadyTerminal
		}

		if errors.Is(err, store.ErrStateConflict) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("cancel job %s: %w", jobID, err)
		}
		log.Printf("Cancelled job %s (%s %s for %s, was %s)", jobID, job.EntityType, job.EntityID, job.Target, job.State)
		return nil
	}
	return fmt.Errorf("cancel job %s: %w", jobID, store.ErrStateConflict)
}
