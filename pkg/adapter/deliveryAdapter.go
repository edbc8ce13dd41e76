// Package adapter delivers sync jobs to external target systems and
// classifies each attempt as success, retryable or terminal.
package adapter

import (
	"context"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/zoff-tech/go-syncengine/schema"
)

const (
	tracerName = "go-syncengine"

	// IdempotencyHeader carries the job's idempotency key on HTTP requests.
	IdempotencyHeader = "Idempotency-Key"

	// maxResponseBytes bounds how much of a response body is read. Bodies
	// up to it are parsed and stored whole.
	maxResponseBytes = 16 << 20
)

// DeliveryAdapter performs one delivery attempt against a target. Deliver
// must not retry internally; the processor owns the retry policy.
type DeliveryAdapter interface {
	Deliver(ctx context.Context, job schema.SyncJob) Result
	// Close cleans up any resources (connections).
	Close() error
}

// Kind classifies a delivery attempt.
type Kind int

const (
	KindSuccess Kind = iota
	KindRetryable
	KindTerminal
)

func (k Kind) String() string {
	return string(k.Outcome())
}

// Outcome maps the kind onto the audit log's outcome values.
func (k Kind) Outcome() schema.Outcome {
	switch k {
	case KindSuccess:
		return schema.OutcomeSuccess
	case KindRetryable:
		return schema.OutcomeRetryableFailure
	default:
		return schema.OutcomeTerminalFailure
	}
}

// Result is the classified outcome of one attempt. Request and Response are
// snapshots stored verbatim in the attempt log.
type Result struct {
	Kind        Kind
	ExternalRef string
	Reason      string
	Request     []byte
	Response    []byte
}

func Success(externalRef string) Result {
	return Result{Kind: KindSuccess, ExternalRef: externalRef}
}

func Retryable(reason string) Result {
	return Result{Kind: KindRetryable, Reason: reason}
}

func Terminal(reason string) Result {
	return Result{Kind: KindTerminal, Reason: reason}
}

// WithSnapshots attaches request and response snapshots. They are stored
// as given.
func (r Result) WithSnapshots(request, response []byte) Result {
	r.Request = request
	r.Response = response
	return r
}

// withTruncatedResponse notes in the reason that the response snapshot holds
// only the first limit bytes of the body.
func (r Result) withTruncatedResponse(limit int64) Result {
	note := fmt.Sprintf("response truncated at %d bytes", limit)
	if r.Reason == "" {
		r.Reason = note
	} else {
		r.Reason += " (" + note + ")"
	}
	return r
}

// readResponse reads at most limit bytes of body and reports whether more
// was left.
func readResponse(body io.Reader, limit int64) ([]byte, bool, error) {
	b, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(b)) > limit {
		return b[:limit], true, nil
	}
	return b, false, nil
}

// Envelope is the message body published to brokers and remote stores.
type Envelope struct {
	IdempotencyKey string           `json:"idempotency_key"`
	EntityType     string           `json:"entity_type"`
	EntityID       string           `json:"entity_id"`
	Operation      schema.Operation `json:"operation"`
	Version        int64            `json:"version"`
	Sequence       int64            `json:"sequence"`
	Payload        json.RawMessage  `json:"payload,omitempty"`
}

func NewEnvelope(job schema.SyncJob) Envelope {
	return Envelope{
		IdempotencyKey: job.IdempotencyKey,
		EntityType:     job.EntityType,
		EntityID:       job.EntityID,
		Operation:      job.Operation,
		Version:        job.Version,
		Sequence:       job.Sequence,
		Payload:        json.RawMessage(job.Payload),
	}
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
