package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-syncengine/pkg/config"
	"github.com/zoff-tech/go-syncengine/schema"
)

// NewPortalAdapter creates the regulatory portal adapter. The portal has no
// idempotency header support, so every attempt first asks whether a
// submission with the job's key already exists.
var NewPortalAdapter Creator = func(ctx context.Context, settings config.TargetSettings) (DeliveryAdapter, error) {
	return &portalAdapter{http: newHTTPAdapter(settings, &http.Client{})}, nil
}

type portalAdapter struct {
	http *httpAdapter
}

func (p *portalAdapter) Deliver(ctx context.Context, job schema.SyncJob) Result {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "DeliverPortal", trace.WithAttributes(
		attribute.String("sync.entity_id", job.EntityID),
		attribute.String("sync.idempotency_key", job.IdempotencyKey),
	))
	defer span.End()

	if p.http.limiter != nil {
		if err := p.http.limiter.Wait(ctx); err != nil {
			return Retryable(fmt.Sprintf("rate limit: %v", err))
		}
	}

	submission := p.http.baseURL + "/submissions/" + url.PathEscape(job.IdempotencyKey)
	existing, found := p.lookup(ctx, submission, job)
	if found {
		span.SetAttributes(attribute.Bool("sync.already_submitted", true))
		return existing
	}
	if existing.Kind != KindSuccess {
		// lookup failed outright
		return existing
	}

	body, err := NewEnvelope(job).Marshal()
	if err != nil {
		return Terminal(fmt.Sprintf("encode submission: %v", err))
	}
	return p.http.do(ctx, http.MethodPost, p.http.baseURL+"/submissions", job, body)
}

// lookup reports found=true with a success result when the portal already
// holds the submission. A 404 yields found=false and a zero Success result;
// anything else is returned as the attempt's failure.
func (p *portalAdapter) lookup(ctx context.Context, target string, job schema.SyncJob) (Result, bool) {
	snapshot := requestSnapshot(http.MethodGet, target, job.IdempotencyKey, nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Terminal(fmt.Sprintf("build request: %v", err)).WithSnapshots(snapshot, nil), false
	}
	p.http.decorate(req, job)

	resp, err := p.http.client.Do(req)
	if err != nil {
		return Retryable(err.Error()).WithSnapshots(snapshot, nil), false
	}
	defer resp.Body.Close()

	body, truncated, err := readResponse(resp.Body, maxResponseBytes)
	if err != nil {
		return Retryable(fmt.Sprintf("read response: %v", err)).WithSnapshots(snapshot, nil), false
	}

	var res Result
	found := false
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Result{Kind: KindSuccess}, false
	case resp.StatusCode == http.StatusOK:
		ref := extractReference(body, p.http.referenceField)
		if ref == "" {
			ref = job.IdempotencyKey
		}
		res, found = Success(ref), true
	default:
		res = classifyHTTP(resp.StatusCode, body, p.http.referenceField)
		if res.Kind == KindSuccess {
			// e.g. 204 on lookup: treat as unknown and retry later
			res = Retryable(statusReason(resp.StatusCode, body))
		}
	}
	res = res.WithSnapshots(snapshot, body)
	if truncated {
		res = res.withTruncatedResponse(maxResponseBytes)
	}
	return res, found
}

func (p *portalAdapter) Close() error {
	return p.http.Close()
}
