package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/go-syncengine/schema"
)

var claimableStates = bson.A{schema.StatePending, schema.StateFailedRetryable}

// jobDocument adds the open flag the partial unique index on idempotency
// keys is built on.
type jobDocument struct {
	schema.SyncJob `bson:",inline"`
	Open           bool `bson:"open"`
}

type MongoRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

// NewMongoRepository stores jobs in <collection>_jobs and attempts in
// <collection>_attempts.
func NewMongoRepository(client *mongo.Client, database, collection string) *MongoRepository {
	return &MongoRepository{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoRepository) jobs() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection + "_jobs")
}

func (m *MongoRepository) sequences() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection + "_sequences")
}

func (m *MongoRepository) attempts() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection + "_attempts")
}

// EnsureIndexes creates the indexes the ordering and uniqueness rules rely on.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.jobs().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "entity_id", Value: 1}, {Key: "target", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "idempotency_key", Value: 1}, {Key: "target", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"open": true}),
		},
		{
			Keys: bson.D{{Key: "state", Value: 1}, {Key: "next_attempt_at", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create job indexes: %w", err)
	}

	_, err = m.sequences().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "entity_id", Value: 1}, {Key: "target", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create sequence indexes: %w", err)
	}

	_, err = m.attempts().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "job_id", Value: 1}, {Key: "attempt_number", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create attempt indexes: %w", err)
	}
	return nil
}

func (m *MongoRepository) Enqueue(ctx context.Context, job *schema.SyncJob) (string, error) {
	if err := prepareNewJob(job); err != nil {
		return "", err
	}

	ctx, span := startSpan(ctx, "Enqueue")
	defer span.End()
	startTime := time.Now()

	var err error
	for attempt := 0; attempt < enqueueAttempts; attempt++ {
		var existing jobDocument
		err = m.jobs().FindOne(ctx, bson.M{"idempotency_key": job.IdempotencyKey, "target": job.Target, "open": true}).Decode(&existing)
		if err == nil {
			return existing.ID, &DuplicateKeyError{ExistingJobID: existing.ID, Key: job.IdempotencyKey, Target: job.Target}
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			break
		}

		if job.Sequence, err = m.nextSequence(ctx, job.EntityID, job.Target); err != nil {
			span.RecordError(err)
			return "", fmt.Errorf("enqueue: %w", err)
		}

		_, err = m.jobs().InsertOne(ctx, jobDocument{SyncJob: *job, Open: true})
		if err == nil {
			addDBStatsToSpan(span, "mongodb", "Enqueue", 1, time.Since(startTime))
			return job.ID, nil
		}
		// Lost a race for the key; look again.
		if !mongo.IsDuplicateKeyError(err) {
			break
		}
	}

	span.RecordError(err)
	return "", fmt.Errorf("enqueue: %w", err)
}

type sequenceDocument struct {
	LastSequence int64 `bson:"last_sequence"`
}

// nextSequence bumps the per entity and target counter. The counter starts
// from the highest stored sequence, so jobs written before it existed are
// never overtaken, and it is never decremented when a job is deleted.
func (m *MongoRepository) nextSequence(ctx context.Context, entityID string, target schema.TargetSystem) (int64, error) {
	var floor int64
	var last jobDocument
	err := m.jobs().FindOne(ctx, bson.M{"entity_id": entityID, "target": target},
		options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}})).Decode(&last)
	switch {
	case err == nil:
		floor = last.Sequence
	case !errors.Is(err, mongo.ErrNoDocuments):
		return 0, err
	}

	bump := bson.A{bson.M{"$set": bson.M{
		"last_sequence": bson.M{"$add": bson.A{bson.M{"$max": bson.A{"$last_sequence", floor}}, 1}},
	}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	for {
		var seq sequenceDocument
		err = m.sequences().FindOneAndUpdate(ctx, bson.M{"entity_id": entityID, "target": target}, bump, opts).Decode(&seq)
		if err == nil {
			return seq.LastSequence, nil
		}
		// Two first upserts raced; the loser retries as an update.
		if !mongo.IsDuplicateKeyError(err) || ctx.Err() != nil {
			return 0, fmt.Errorf("next sequence: %w", err)
		}
	}
}

func (m *MongoRepository) DueJobs(ctx context.Context, now time.Time, limit int) ([]schema.SyncJob, error) {
	ctx, span := startSpan(ctx, "DueJobs")
	defer span.End()
	startTime := time.Now()

	limit = normalizeLimit(limit)
	filter := bson.M{
		"state":           bson.M{"$in": claimableStates},
		"next_attempt_at": bson.M{"$lte": now},
	}
	opts := options.Find().SetSort(bson.D{{Key: "entity_id", Value: 1}, {Key: "target", Value: 1}, {Key: "sequence", Value: 1}})
	cursor, err := m.jobs().Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var (
		due       []schema.SyncJob
		lastGroup string
	)
	for cursor.Next(ctx) && len(due) < limit {
		var doc jobDocument
		if err := cursor.Decode(&doc); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("due jobs: %w", err)
		}
		// Only the lowest due sequence of a group can be the head.
		group := doc.EntityID + "\x00" + string(doc.Target)
		if group == lastGroup {
			continue
		}
		lastGroup = group

		waits, err := m.waitsOnEarlier(ctx, &doc.SyncJob)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("due jobs: %w", err)
		}
		if !waits {
			due = append(due, doc.SyncJob)
		}
	}
	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("due jobs: %w", err)
	}

	addDBStatsToSpan(span, "mongodb", "DueJobs", len(due), time.Since(startTime))
	return due, nil
}

// TryClaim checks the ordering guard before the conditional update. An
// earlier sibling can only move towards a terminal state, so a passed check
// stays valid.
func (m *MongoRepository) TryClaim(ctx context.Context, jobID, workerID string, now time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "TryClaim")
	defer span.End()

	var doc jobDocument
	err := m.jobs().FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	waits, err := m.waitsOnEarlier(ctx, &doc.SyncJob)
	if err != nil || waits {
		return false, err
	}

	now = now.UTC()
	filter := bson.M{
		"_id":             jobID,
		"state":           bson.M{"$in": claimableStates},
		"next_attempt_at": bson.M{"$lte": now},
	}
	update := bson.M{
		"$set": bson.M{
			"state":           schema.StateInFlight,
			"claimed_by":      workerID,
			"claimed_at":      now,
			"last_attempt_at": now,
			"updated_at":      now,
		},
	}
	res, err := m.jobs().UpdateOne(ctx, filter, update)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	return res.ModifiedCount == 1, nil
}

func (m *MongoRepository) Update(ctx context.Context, jobID string, mut Mutation) error {
	if err := checkMutation(mut); err != nil {
		return err
	}

	ctx, span := startSpan(ctx, "Update")
	defer span.End()

	filter := bson.M{"_id": jobID, "state": mut.expected()}
	if mut.expected() == schema.StateInFlight && mut.ClaimedBy != "" {
		filter["claimed_by"] = mut.ClaimedBy
	}
	set := bson.M{
		"state":         mut.State,
		"open":          !mut.State.IsTerminal(),
		"attempt_count": mut.AttemptCount,
		"last_error":    mut.LastError,
		"claimed_by":    "",
		"claimed_at":    time.Time{},
		"updated_at":    mutationTime(mut),
	}
	if !mut.NextAttemptAt.IsZero() {
		set["next_attempt_at"] = mut.NextAttemptAt.UTC()
	}
	if mut.ExternalRef != "" {
		set["external_ref"] = mut.ExternalRef
	}

	res, err := m.jobs().UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if res.MatchedCount == 0 {
		return m.missingOrConflict(ctx, jobID)
	}
	return nil
}

func (m *MongoRepository) Get(ctx context.Context, jobID string) (schema.SyncJob, error) {
	var doc jobDocument
	err := m.jobs().FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return schema.SyncJob{}, ErrNotFound
	}
	if err != nil {
		return schema.SyncJob{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return doc.SyncJob, nil
}

func (m *MongoRepository) ListByEntity(ctx context.Context, entityID string) ([]schema.SyncJob, error) {
	opts := options.Find().SetSort(bson.D{{Key: "target", Value: 1}, {Key: "sequence", Value: 1}})
	jobs, err := m.findJobs(ctx, bson.M{"entity_id": entityID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs for %s: %w", entityID, err)
	}
	return jobs, nil
}

func (m *MongoRepository) CountOpen(ctx context.Context, owner string) (int, error) {
	filter := bson.M{"state": bson.M{"$in": claimableStates}}
	if owner != "" {
		filter["owner"] = owner
	}
	n, err := m.jobs().CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count open jobs: %w", err)
	}
	return int(n), nil
}

func (m *MongoRepository) Delete(ctx context.Context, jobID string, expect schema.State) error {
	res, err := m.jobs().DeleteOne(ctx, bson.M{"_id": jobID, "state": expect})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	if res.DeletedCount == 0 {
		return m.missingOrConflict(ctx, jobID)
	}
	return nil
}

func (m *MongoRepository) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]schema.SyncJob, error) {
	filter := bson.M{
		"state":      schema.StateInFlight,
		"claimed_at": bson.M{"$lt": claimedBefore},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "claimed_at", Value: 1}}).
		SetLimit(int64(normalizeLimit(limit)))
	jobs, err := m.findJobs(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return jobs, nil
}

func (m *MongoRepository) AppendAttempt(ctx context.Context, rec schema.AttemptRecord) error {
	if err := checkAttempt(rec); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if _, err := m.attempts().InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateAttempt
		}
		return fmt.Errorf("append attempt %s#%d: %w", rec.JobID, rec.AttemptNumber, err)
	}
	return nil
}

func (m *MongoRepository) History(ctx context.Context, jobID string) ([]schema.AttemptRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "attempt_number", Value: 1}})
	cursor, err := m.attempts().Find(ctx, bson.M{"job_id": jobID}, opts)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", jobID, err)
	}
	var history []schema.AttemptRecord
	if err := cursor.All(ctx, &history); err != nil {
		return nil, fmt.Errorf("history %s: %w", jobID, err)
	}
	return history, nil
}

func (m *MongoRepository) Close() error {
	return m.client.Disconnect(context.Background())
}

func (m *MongoRepository) waitsOnEarlier(ctx context.Context, job *schema.SyncJob) (bool, error) {
	n, err := m.jobs().CountDocuments(ctx, bson.M{
		"entity_id": job.EntityID,
		"target":    job.Target,
		"sequence":  bson.M{"$lt": job.Sequence},
		"open":      true,
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *MongoRepository) missingOrConflict(ctx context.Context, jobID string) error {
	n, err := m.jobs().CountDocuments(ctx, bson.M{"_id": jobID}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrStateConflict
}

func (m *MongoRepository) findJobs(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]schema.SyncJob, error) {
	cursor, err := m.jobs().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []schema.SyncJob
	for cursor.Next(ctx) {
		var doc jobDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		jobs = append(jobs, doc.SyncJob)
	}
	return jobs, cursor.Err()
}

var _ Repository = (*MongoRepository)(nil)
