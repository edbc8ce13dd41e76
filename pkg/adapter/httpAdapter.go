package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/zoff-tech/go-syncengine/pkg/config"
	"github.com/zoff-tech/go-syncengine/schema"
)

const defaultReferenceField = "reference"

// NewHTTPAdapter creates the ERP adapter: JSON over HTTP, one request per job.
var NewHTTPAdapter Creator = func(ctx context.Context, settings config.TargetSettings) (DeliveryAdapter, error) {
	return newHTTPAdapter(settings, &http.Client{}), nil
}

// httpAdapter maps operations onto REST verbs: create POSTs to the collection
// URL, update PUTs and delete DELETEs the entity's resource.
type httpAdapter struct {
	client         *http.Client
	baseURL        string
	token          string
	referenceField string
	limiter        *rate.Limiter
}

func newHTTPAdapter(settings config.TargetSettings, client *http.Client) *httpAdapter {
	a := &httpAdapter{
		client:         client,
		baseURL:        strings.TrimRight(settings.URL, "/"),
		token:          settings.Token,
		referenceField: settings.ReferenceField,
	}
	if a.referenceField == "" {
		a.referenceField = defaultReferenceField
	}
	if settings.RateLimit > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(settings.RateLimit), 1)
	}
	return a
}

func (a *httpAdapter) Deliver(ctx context.Context, job schema.SyncJob) Result {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "DeliverHTTP", trace.WithAttributes(
		attribute.String("sync.entity_id", job.EntityID),
		attribute.String("sync.operation", string(job.Operation)),
	))
	defer span.End()

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return Retryable(fmt.Sprintf("rate limit: %v", err))
		}
	}

	method, target := http.MethodPost, a.baseURL
	body := job.Payload
	switch job.Operation {
	case schema.OperationUpdate:
		method, target = http.MethodPut, a.baseURL+"/"+url.PathEscape(job.EntityID)
	case schema.OperationDelete:
		method, target = http.MethodDelete, a.baseURL+"/"+url.PathEscape(job.EntityID)
		body = nil
	}

	result := a.do(ctx, method, target, job, body)
	span.SetAttributes(attribute.String("sync.outcome", result.Kind.String()))
	return result
}

func (a *httpAdapter) do(ctx context.Context, method, target string, job schema.SyncJob, body []byte) Result {
	snapshot := requestSnapshot(method, target, job.IdempotencyKey, body)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return Terminal(fmt.Sprintf("build request: %v", err)).WithSnapshots(snapshot, nil)
	}
	a.decorate(req, job)

	resp, err := a.client.Do(req)
	if err != nil {
		return Retryable(err.Error()).WithSnapshots(snapshot, nil)
	}
	defer resp.Body.Close()

	respBody, truncated, err := readResponse(resp.Body, maxResponseBytes)
	if err != nil {
		return Retryable(fmt.Sprintf("read response: %v", err)).WithSnapshots(snapshot, nil)
	}
	res := classifyHTTP(resp.StatusCode, respBody, a.referenceField).WithSnapshots(snapshot, respBody)
	if truncated {
		res = res.withTruncatedResponse(maxResponseBytes)
	}
	return res
}

func (a *httpAdapter) decorate(req *http.Request, job schema.SyncJob) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(IdempotencyHeader, job.IdempotencyKey)
	req.Header.Set("X-Entity-Version", strconv.FormatInt(job.Version, 10))
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))
}

func (a *httpAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// classifyHTTP turns a response into a result. A 409 that names the existing
// record means the target already applied this key.
func classifyHTTP(status int, body []byte, referenceField string) Result {
	switch {
	case status >= 200 && status < 300:
		return Success(extractReference(body, referenceField))
	case status == http.StatusConflict:
		if ref := extractReference(body, referenceField); ref != "" {
			return Success(ref)
		}
		return Terminal(statusReason(status, body))
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return Retryable(statusReason(status, body))
	default:
		return Terminal(statusReason(status, body))
	}
}

func statusReason(status int, body []byte) string {
	reason := fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
	if snippet := strings.TrimSpace(string(body)); snippet != "" {
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		reason += ": " + snippet
	}
	return reason
}

func extractReference(body []byte, field string) string {
	if len(bytes.TrimSpace(body)) == 0 {
		return ""
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	switch v := doc[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// requestSnapshot records what was sent, without credentials.
func requestSnapshot(method, target, key string, body []byte) []byte {
	snap := struct {
		Method         string          `json:"method"`
		URL            string          `json:"url"`
		IdempotencyKey string          `json:"idempotency_key"`
		Body           json.RawMessage `json:"body,omitempty"`
	}{method, target, key, nil}
	if json.Valid(body) {
		snap.Body = body
	}
	out, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	return out
}
