package audit

import (
	"bytes"
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-syncengine/pkg/store"
	"github.com/zoff-tech/go-syncengine/schema"
)

func seedJob(t *testing.T, repo store.Repository) string {
	t.Helper()
	job := schema.NewSyncJob("declaration", "D-1", schema.TargetRegulatoryAuthority, schema.OperationCreate,
		[]byte(`{"hs_code":"0901"}`), 1, "key-d1")
	id, err := repo.Enqueue(context.Background(), job)
	require.NoError(t, err)
	return id
}

func TestLedger_RecordAndHistory(t *testing.T) {
	repo := store.NewMemoryRepository()
	ledger := NewLedger(repo)
	id := seedJob(t, repo)

	require.NoError(t, ledger.Record(context.Background(), schema.AttemptRecord{
		JobID: id, AttemptNumber: 1, Outcome: schema.OutcomeRetryableFailure, Error: "503",
	}))
	require.NoError(t, ledger.Record(context.Background(), schema.AttemptRecord{
		JobID: id, AttemptNumber: 2, Outcome: schema.OutcomeSuccess,
	}))

	err := ledger.Record(context.Background(), schema.AttemptRecord{JobID: id, AttemptNumber: 2, Outcome: schema.OutcomeSuccess})
	assert.ErrorIs(t, err, store.ErrDuplicateAttempt)

	history, err := ledger.History(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].AttemptNumber)
	assert.False(t, history[0].Timestamp.IsZero(), "timestamp filled in")
	assert.Equal(t, schema.OutcomeSuccess, history[1].Outcome)
}

func TestLedger_HistoryUnknownJob(t *testing.T) {
	ledger := NewLedger(store.NewMemoryRepository())
	_, err := ledger.History(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLedger_ExportKeepsSnapshotsUnredacted(t *testing.T) {
	repo := store.NewMemoryRepository()
	ledger := NewLedger(repo)
	ledger.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	id := seedJob(t, repo)

	require.NoError(t, ledger.Record(context.Background(), schema.AttemptRecord{
		JobID:            id,
		AttemptNumber:    1,
		Outcome:          schema.OutcomeTerminalFailure,
		Error:            "400 Bad Request",
		RequestSnapshot:  []byte(`{"method":"POST","body":{"declarant_tax_id":"123456789"}}`),
		ResponseSnapshot: []byte("invalid declarant"),
	}))

	var buf bytes.Buffer
	require.NoError(t, ledger.Export(context.Background(), id, &buf))

	var doc struct {
		ExportedAt time.Time `json:"exported_at"`
		Job        struct {
			ID      string          `json:"id"`
			Payload json.RawMessage `json:"payload"`
		} `json:"job"`
		Attempts []struct {
			AttemptNumber int             `json:"attempt_number"`
			Outcome       string          `json:"outcome"`
			Request       json.RawMessage `json:"request"`
			Response      string          `json:"response"`
		} `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))

	assert.Equal(t, id, doc.Job.ID)
	assert.JSONEq(t, `{"hs_code":"0901"}`, string(doc.Job.Payload))
	assert.Equal(t, 2026, doc.ExportedAt.Year())
	require.Len(t, doc.Attempts, 1)
	assert.Equal(t, "terminal_failure", doc.Attempts[0].Outcome)
	assert.Contains(t, string(doc.Attempts[0].Request), "123456789")
	assert.Equal(t, "invalid declarant", doc.Attempts[0].Response)
}

func TestLedger_ExportUnknownJob(t *testing.T) {
	ledger := NewLedger(store.NewMemoryRepository())
	var buf bytes.Buffer
	err := ledger.Export(context.Background(), "missing", &buf)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, buf.Len())
}
