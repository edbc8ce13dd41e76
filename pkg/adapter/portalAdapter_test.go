package adapter

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-syncengine/pkg/config"
	"github.com/zoff-tech/go-syncengine/schema"
)

func newPortal(t *testing.T, handler http.HandlerFunc) DeliveryAdapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	a, err := NewPortalAdapter(context.Background(), config.TargetSettings{Kind: "portal", URL: server.URL})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestPortalAdapter_AlreadySubmitted(t *testing.T) {
	var posts atomic.Int32
	a := newPortal(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		assert.Equal(t, "/submissions/key-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"reference":"REG-9"}`))
	})

	res := a.Deliver(context.Background(), testJob(schema.OperationCreate))
	assert.Equal(t, KindSuccess, res.Kind)
	assert.Equal(t, "REG-9", res.ExternalRef)
	assert.Zero(t, posts.Load())
}

func TestPortalAdapter_LargeLookupKeepsReference(t *testing.T) {
	body, err := json.Marshal(map[string]string{
		"attachments": strings.Repeat("a", 70<<10),
		"reference":   "REG-77",
	})
	require.NoError(t, err)
	a := newPortal(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	})

	res := a.Deliver(context.Background(), testJob(schema.OperationCreate))
	assert.Equal(t, KindSuccess, res.Kind)
	assert.Equal(t, "REG-77", res.ExternalRef)
	assert.Equal(t, body, res.Response)
}

func TestPortalAdapter_SubmitsWhenUnknown(t *testing.T) {
	a := newPortal(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/submissions":
			body, _ := io.ReadAll(r.Body)
			var env Envelope
			assert.NoError(t, json.Unmarshal(body, &env))
			assert.Equal(t, "key-1", env.IdempotencyKey)
			assert.Equal(t, "S-1", env.EntityID)
			assert.JSONEq(t, `{"status":"delivered"}`, string(env.Payload))
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"reference":"REG-10"}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})

	res := a.Deliver(context.Background(), testJob(schema.OperationCreate))
	assert.Equal(t, KindSuccess, res.Kind)
	assert.Equal(t, "REG-10", res.ExternalRef)
}

func TestPortalAdapter_LookupFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Kind
	}{
		{"portal down", http.StatusServiceUnavailable, KindRetryable},
		{"forbidden", http.StatusForbidden, KindTerminal},
		{"no content", http.StatusNoContent, KindRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newPortal(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet {
					t.Errorf("unexpected %s", r.Method)
				}
				w.WriteHeader(tt.status)
			})

			res := a.Deliver(context.Background(), testJob(schema.OperationCreate))
			assert.Equal(t, tt.want, res.Kind)
		})
	}
}
