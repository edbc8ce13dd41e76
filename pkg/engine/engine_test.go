package engine

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-syncengine/pkg/store"
	"github.com/zoff-tech/go-syncengine/schema"
)

func shipmentDelivered(version int64) EnqueueRequest {
	return EnqueueRequest{
		EntityType: "shipment",
		EntityID:   "S-100",
		Target:     schema.TargetERP,
		Operation:  schema.OperationUpdate,
		Payload:    []byte(`{"status":"delivered"}`),
		Version:    version,
		Owner:      "user-1",
	}
}

func TestEnqueue(t *testing.T) {
	repo := store.NewMemoryRepository()
	notified := 0
	e := New(repo, WithNotifier(func() { notified++ }))

	id, err := e.Enqueue(context.Background(), shipmentDelivered(1))
	require.NoError(t, err)
	assert.Equal(t, 1, notified)

	job, err := e.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatePending, job.State)
	assert.Equal(t, int64(1), job.Sequence)
	assert.Equal(t, "user-1", job.Owner)
	assert.Len(t, job.IdempotencyKey, 64)
}

func TestEnqueue_DuplicateReturnsExistingJob(t *testing.T) {
	repo := store.NewMemoryRepository()
	notified := 0
	e := New(repo, WithNotifier(func() { notified++ }))

	first, err := e.Enqueue(context.Background(), shipmentDelivered(1))
	require.NoError(t, err)

	second, err := e.Enqueue(context.Background(), shipmentDelivered(1))
	assert.ErrorIs(t, err, store.ErrDuplicateIdempotencyKey)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, notified)

	// a new version is a new job
	third, err := e.Enqueue(context.Background(), shipmentDelivered(2))
	require.NoError(t, err)
	assert.NotEqual(t, first, third)

	// the same key for another target is independent
	other := shipmentDelivered(1)
	other.Target = schema.TargetRemoteStore
	_, err = e.Enqueue(context.Background(), other)
	assert.NoError(t, err)
}

func TestEnqueue_DuplicateAllowedAfterTerminal(t *testing.T) {
	repo := store.NewMemoryRepository()
	e := New(repo)

	first, err := e.Enqueue(context.Background(), shipmentDelivered(1))
	require.NoError(t, err)
	claimed, err := repo.TryClaim(context.Background(), first, "w", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, repo.Update(context.Background(), first, store.Mutation{
		ClaimedBy: "w", State: schema.StateSucceeded, AttemptCount: 1, ExternalRef: "ERP-1",
	}))

	second, err := e.Enqueue(context.Background(), shipmentDelivered(1))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestEnqueue_Validation(t *testing.T) {
	e := New(store.NewMemoryRepository())

	tests := []struct {
		name   string
		mutate func(*EnqueueRequest)
	}{
		{"missing entity type", func(r *EnqueueRequest) { r.EntityType = " " }},
		{"missing entity id", func(r *EnqueueRequest) { r.EntityID = "" }},
		{"missing target", func(r *EnqueueRequest) { r.Target = "" }},
		{"unknown operation", func(r *EnqueueRequest) { r.Operation = "upsert" }},
		{"negative version", func(r *EnqueueRequest) { r.Version = -1 }},
		{"missing payload", func(r *EnqueueRequest) { r.Payload = nil }},
		{"payload not json", func(r *EnqueueRequest) { r.Payload = []byte("status=delivered") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := shipmentDelivered(1)
			tt.mutate(&req)
			id, err := e.Enqueue(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, id)
		})
	}

	del := shipmentDelivered(1)
	del.Operation = schema.OperationDelete
	del.Payload = nil
	_, err := e.Enqueue(context.Background(), del)
	assert.NoError(t, err, "deletes need no payload")
}

func TestListJobsAndPendingCount(t *testing.T) {
	e := New(store.NewMemoryRepository())
	for v := int64(1); v <= 3; v++ {
		_, err := e.Enqueue(context.Background(), shipmentDelivered(v))
		require.NoError(t, err)
	}
	other := shipmentDelivered(1)
	other.EntityID = "S-200"
	other.Owner = "user-2"
	_, err := e.Enqueue(context.Background(), other)
	require.NoError(t, err)

	jobs, err := e.ListJobs(context.Background(), "S-100")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for i, job := range jobs {
		assert.Equal(t, int64(i+1), job.Sequence)
	}

	n, err := e.PendingCount(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = e.PendingCount(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	e := New(repo)
	claimAt := time.Now().Add(time.Minute)

	t.Run("pending is deleted", func(t *testing.T) {
		id, err := e.Enqueue(ctx, shipmentDelivered(10))
		require.NoError(t, err)
		require.NoError(t, e.Cancel(ctx, id))
		_, err = e.GetJob(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("retrying becomes terminal", func(t *testing.T) {
		id, err := e.Enqueue(ctx, shipmentDelivered(11))
		require.NoError(t, err)
		ok, err := repo.TryClaim(ctx, id, "w", claimAt)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, repo.Update(ctx, id, store.Mutation{
			ClaimedBy: "w", State: schema.StateFailedRetryable, AttemptCount: 1,
			NextAttemptAt: claimAt.Add(time.Minute), LastError: "503",
		}))

		require.NoError(t, e.Cancel(ctx, id))
		job, err := e.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schema.StateFailedTerminal, job.State)
		assert.Equal(t, "cancelled", job.LastError)
		assert.Equal(t, 1, job.AttemptCount)
	})

	t.Run("in flight is refused", func(t *testing.T) {
		req := shipmentDelivered(12)
		req.EntityID = "S-200"
		id, err := e.Enqueue(ctx, req)
		require.NoError(t, err)
		ok, err := repo.TryClaim(ctx, id, "w", claimAt)
		require.NoError(t, err)
		require.True(t, ok)

		assert.ErrorIs(t, e.Cancel(ctx, id), ErrCancelInFlight)
	})

	t.Run("terminal is refused", func(t *testing.T) {
		req := shipmentDelivered(13)
		req.EntityID = "S-300"
		id, err := e.Enqueue(ctx, req)
		require.NoError(t, err)
		ok, err := repo.TryClaim(ctx, id, "w", claimAt)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, repo.Update(ctx, id, store.Mutation{ClaimedBy: "w", State: schema.StateSucceeded, AttemptCount: 1}))

		assert.ErrorIs(t, e.Cancel(ctx, id), ErrAlreadyTerminal)
	})

	t.Run("unknown job", func(t *testing.T) {
		assert.ErrorIs(t, e.Cancel(ctx, "nope"), store.ErrNotFound)
	})
}

func TestHistoryAndExport(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	e := New(repo)

	id, err := e.Enqueue(ctx, shipmentDelivered(1))
	require.NoError(t, err)
	require.NoError(t, repo.AppendAttempt(ctx, schema.AttemptRecord{
		JobID: id, AttemptNumber: 1, Outcome: schema.OutcomeSuccess,
		RequestSnapshot: []byte(`{"status":"delivered"}`), Timestamp: time.Now(),
	}))

	history, err := e.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)

	var buf bytes.Buffer
	require.NoError(t, e.Export(ctx, id, &buf))
	assert.Contains(t, buf.String(), `"attempt_number": 1`)

	_, err = e.History(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
