package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-syncengine/pkg/config"
)

func useSettings(t *testing.T, cfg *config.Settings) {
	t.Helper()
	original := loadSettings
	loadSettings = func(string) (*config.Settings, error) {
		c := *cfg
		return &c, nil
	}
	t.Cleanup(func() { loadSettings = original })
}

func sqliteSettings(t *testing.T) *config.Settings {
	t.Helper()
	cfg := config.Default()
	cfg.Database = config.DbSettings{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "sync.db")}
	cfg.WorkerID = "cli-test"
	return cfg
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()
	assert.Equal(t, "syncengine", cmd.Use)

	for _, name := range []string{"serve", "enqueue", "status", "jobs", "history", "cancel", "pending"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	useSettings(t, sqliteSettings(t))
	_, err := runCLI(t, "pending", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, exitCommandError, exitCode(err))
}

func TestEnqueueServeStatus(t *testing.T) {
	var received atomic.Int32
	erp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"reference":"ERP-4711"}`))
	}))
	defer erp.Close()

	cfg := sqliteSettings(t)
	cfg.Targets = map[string]config.TargetSettings{
		"erp": {Kind: "http", URL: erp.URL, Timeout: 5 * time.Second},
	}
	useSettings(t, cfg)

	enqueueArgs := []string{"enqueue",
		"--entity-type", "shipment", "--entity-id", "S-100", "--target", "erp",
		"--operation", "create", "--version", "1", "--payload", `{"status":"created"}`, "--owner", "user-1"}

	out, err := runCLI(t, enqueueArgs...)
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = runCLI(t, enqueueArgs...)
	require.Error(t, err)
	assert.Equal(t, exitDuplicate, exitCode(err))
	assert.Equal(t, id, strings.TrimSpace(out))

	out, err = runCLI(t, "pending", "--owner", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "1", strings.TrimSpace(out))

	out, err = runCLI(t, "serve", "--once")
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded=1")
	assert.Equal(t, int32(1), received.Load())

	out, err = runCLI(t, "status", id)
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "ERP-4711")

	out, err = runCLI(t, "jobs", "S-100", "--format", "json")
	require.NoError(t, err)
	var jobs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "ERP-4711", jobs[0]["external_reference"])

	out, err = runCLI(t, "history", id)
	require.NoError(t, err)
	assert.Contains(t, out, "success")

	out, err = runCLI(t, "history", id, "--export")
	require.NoError(t, err)
	var ledger struct {
		Job struct {
			ExternalRef string `json:"external_reference"`
		} `json:"job"`
		Attempts []map[string]any `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &ledger))
	assert.Equal(t, "ERP-4711", ledger.Job.ExternalRef)
	require.Len(t, ledger.Attempts, 1)
	assert.Equal(t, "success", ledger.Attempts[0]["outcome"])

	_, err = runCLI(t, "cancel", id)
	assert.ErrorContains(t, err, "terminal")
}

func TestEnqueue_InvalidPayload(t *testing.T) {
	useSettings(t, sqliteSettings(t))
	_, err := runCLI(t, "enqueue",
		"--entity-type", "shipment", "--entity-id", "S-1", "--target", "erp",
		"--operation", "update", "--payload", "not json")
	require.Error(t, err)
	assert.Equal(t, exitCommandError, exitCode(err))
}

func TestCancelPending(t *testing.T) {
	useSettings(t, sqliteSettings(t))
	out, err := runCLI(t, "enqueue",
		"--entity-type", "declaration", "--entity-id", "D-1", "--target", "regulatory_authority",
		"--operation", "create", "--payload", `{}`)
	require.NoError(t, err)
	id := strings.TrimSpace(out)

	out, err = runCLI(t, "cancel", id)
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled "+id)

	out, err = runCLI(t, "pending", "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"pending":0}`, out)
}

func TestServe_StopsWhenContextCancelled(t *testing.T) {
	useSettings(t, sqliteSettings(t))
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
