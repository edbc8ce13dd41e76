package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/zoff-tech/go-syncengine/schema"
)

const jobsNamespace = "syncdb.sync_jobs"

func TestMongoRepository(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("get decodes job", func(mt *mtest.T) {
		repo := NewMongoRepository(mt.Client, "syncdb", "sync")
		mt.AddMockResponses(mtest.CreateCursorResponse(0, jobsNamespace, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "job-1"},
			{Key: "entity_id", Value: "S-1"},
			{Key: "target", Value: "erp"},
			{Key: "operation", Value: "create"},
			{Key: "sequence", Value: int64(3)},
			{Key: "state", Value: "pending"},
			{Key: "open", Value: true},
		}))

		job, err := repo.Get(context.Background(), "job-1")
		require.NoError(mt, err)
		assert.Equal(mt, "job-1", job.ID)
		assert.Equal(mt, schema.TargetERP, job.Target)
		assert.Equal(mt, int64(3), job.Sequence)
		assert.Equal(mt, schema.StatePending, job.State)
	})

	mt.Run("enqueue takes the sequence from the counter", func(mt *mtest.T) {
		repo := NewMongoRepository(mt.Client, "syncdb", "sync")
		mt.AddMockResponses(
			// no open job with the key
			mtest.CreateCursorResponse(0, jobsNamespace, mtest.FirstBatch),
			// highest stored sequence is 2, but 3 was handed out and deleted
			mtest.CreateCursorResponse(0, jobsNamespace, mtest.FirstBatch, bson.D{
				{Key: "_id", Value: "job-2"},
				{Key: "entity_id", Value: "S-1"},
				{Key: "target", Value: "erp"},
				{Key: "sequence", Value: int64(2)},
			}),
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
				{Key: "entity_id", Value: "S-1"},
				{Key: "target", Value: "erp"},
				{Key: "last_sequence", Value: int64(4)},
			}}),
			mtest.CreateSuccessResponse(),
		)

		job := schema.NewSyncJob("shipment", "S-1", schema.TargetERP, schema.OperationUpdate, []byte(`{}`), 4, "key-4")
		id, err := repo.Enqueue(context.Background(), job)
		require.NoError(mt, err)
		assert.Equal(mt, job.ID, id)
		assert.Equal(mt, int64(4), job.Sequence)
	})

	mt.Run("get missing job", func(mt *mtest.T) {
		repo := NewMongoRepository(mt.Client, "syncdb", "sync")
		mt.AddMockResponses(mtest.CreateCursorResponse(0, jobsNamespace, mtest.FirstBatch))

		_, err := repo.Get(context.Background(), "job-1")
		assert.ErrorIs(mt, err, ErrNotFound)
	})

	mt.Run("update conflict", func(mt *mtest.T) {
		repo := NewMongoRepository(mt.Client, "syncdb", "sync")
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
			mtest.CreateCursorResponse(0, jobsNamespace, mtest.FirstBatch, bson.D{{Key: "n", Value: 1}}),
		)

		err := repo.Update(context.Background(), "job-1", Mutation{ClaimedBy: "w1", State: schema.StateSucceeded})
		assert.ErrorIs(mt, err, ErrStateConflict)
	})

	mt.Run("duplicate attempt", func(mt *mtest.T) {
		repo := NewMongoRepository(mt.Client, "syncdb", "sync")
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "duplicate key error",
		}))

		err := repo.AppendAttempt(context.Background(), schema.AttemptRecord{
			JobID:         "job-1",
			AttemptNumber: 1,
			Outcome:       schema.OutcomeSuccess,
		})
		assert.ErrorIs(mt, err, ErrDuplicateAttempt)
	})
}
