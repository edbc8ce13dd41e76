// Package audit is the compliance view of the attempt log: every delivery
// attempt with its request and response snapshots, never redacted.
package audit

import (
	"context"
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"

	"github.com/zoff-tech/go-syncengine/pkg/store"
	"github.com/zoff-tech/go-syncengine/schema"
)

// Source is the part of a repository the ledger reads and appends to.
type Source interface {
	store.AttemptLog
	Get(ctx context.Context, jobID string) (schema.SyncJob, error)
}

type Ledger struct {
	source Source
	now    func() time.Time
}

func NewLedger(source Source) *Ledger {
	return &Ledger{
		source: source,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record appends one attempt. Records are immutable; recording the same
// attempt number twice fails with store.ErrDuplicateAttempt.
func (l *Ledger) Record(ctx context.Context, rec schema.AttemptRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	if err := l.source.AppendAttempt(ctx, rec); err != nil {
		return fmt.Errorf("audit: record attempt %d of job %s: %w", rec.AttemptNumber, rec.JobID, err)
	}
	return nil
}

// History returns the attempts of a job in attempt order. An unknown job is
// reported as store.ErrNotFound.
func (l *Ledger) History(ctx context.Context, jobID string) ([]schema.AttemptRecord, error) {
	if _, err := l.source.Get(ctx, jobID); err != nil {
		return nil, fmt.Errorf("audit: history of job %s: %w", jobID, err)
	}
	records, err := l.source.History(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("audit: history of job %s: %w", jobID, err)
	}
	return records, nil
}

type exportDocument struct {
	ExportedAt time.Time       `json:"exported_at"`
	Job        exportJob       `json:"job"`
	Attempts   []exportAttempt `json:"attempts"`
}

type exportJob struct {
	ID             string              `json:"id"`
	EntityType     string              `json:"entity_type"`
	EntityID       string              `json:"entity_id"`
	Target         schema.TargetSystem `json:"target_system"`
	Operation      schema.Operation    `json:"operation"`
	Version        int64               `json:"version"`
	Sequence       int64               `json:"sequence"`
	IdempotencyKey string              `json:"idempotency_key"`
	State          schema.State        `json:"state"`
	AttemptCount   int                 `json:"attempt_count"`
	LastError      string              `json:"last_error,omitempty"`
	ExternalRef    string              `json:"external_reference,omitempty"`
	Payload        json.RawMessage     `json:"payload,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

type exportAttempt struct {
	AttemptNumber int            `json:"attempt_number"`
	Outcome       schema.Outcome `json:"outcome"`
	Error         string         `json:"error,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Request       any            `json:"request,omitempty"`
	Response      any            `json:"response,omitempty"`
}

// Export writes the job and its full attempt ledger to w as indented JSON.
// Snapshots that are JSON are embedded as-is; anything else is written as a
// string.
func (l *Ledger) Export(ctx context.Context, jobID string, w io.Writer) error {
	job, err := l.source.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("audit: export job %s: %w", jobID, err)
	}
	records, err := l.source.History(ctx, jobID)
	if err != nil {
		return fmt.Errorf("audit: export job %s: %w", jobID, err)
	}

	doc := exportDocument{
		ExportedAt: l.now(),
		Job: exportJob{
			ID:             job.ID,
			EntityType:     job.EntityType,
			EntityID:       job.EntityID,
			Target:         job.Target,
			Operation:      job.Operation,
			Version:        job.Version,
			Sequence:       job.Sequence,
			IdempotencyKey: job.IdempotencyKey,
			State:          job.State,
			AttemptCount:   job.AttemptCount,
			LastError:      job.LastError,
			ExternalRef:    job.ExternalRef,
			CreatedAt:      job.CreatedAt,
			UpdatedAt:      job.UpdatedAt,
		},
		Attempts: make([]exportAttempt, 0, len(records)),
	}
	if json.Valid(job.Payload) {
		doc.Job.Payload = job.Payload
	}
	for _, rec := range records {
		doc.Attempts = append(doc.Attempts, exportAttempt{
			AttemptNumber: rec.AttemptNumber,
			Outcome:       rec.Outcome,
			Error:         rec.Error,
			Timestamp:     rec.Timestamp,
			Request:       snapshot(rec.RequestSnapshot),
			Response:      snapshot(rec.ResponseSnapshot),
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("audit: export job %s: %w", jobID, err)
	}
	return nil
}

func snapshot(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	return string(b)
}
