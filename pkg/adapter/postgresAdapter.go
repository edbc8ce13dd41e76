package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-syncengine/pkg/config"
	"github.com/zoff-tech/go-syncengine/schema"
)

const defaultRemoteTable = "sync_mutations"

var sqlOpen = sql.Open

// NewPostgresAdapter writes mutations into a table of a remote postgres
// store. The idempotency key is the table's unique key, so replays return
// the row written by the first attempt.
var NewPostgresAdapter Creator = func(ctx context.Context, settings config.TargetSettings) (DeliveryAdapter, error) {
	db, err := sqlOpen("postgres", settings.DSN)
	if err != nil {
		return nil, fmt.Errorf("open remote store: %w", err)
	}
	table := settings.Table
	if table == "" {
		table = defaultRemoteTable
	}
	return newPostgresAdapter(db, table), nil
}

type postgresAdapter struct {
	db        *sql.DB
	table     string
	upsertSQL string
}

func newPostgresAdapter(db *sql.DB, table string) *postgresAdapter {
	// The no-op DO UPDATE makes RETURNING yield the existing row on replay.
	upsert := fmt.Sprintf(`INSERT INTO %s (idempotency_key, entity_type, entity_id, operation, version, payload, deleted, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (idempotency_key) DO UPDATE SET idempotency_key = EXCLUDED.idempotency_key
RETURNING id`, pq.QuoteIdentifier(table))
	return &postgresAdapter{db: db, table: table, upsertSQL: upsert}
}

func (p *postgresAdapter) Deliver(ctx context.Context, job schema.SyncJob) Result {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "DeliverPostgres", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		semconv.DBSQLTableKey.String(p.table),
		attribute.String("sync.entity_id", job.EntityID),
	))
	defer span.End()

	request, err := NewEnvelope(job).Marshal()
	if err != nil {
		return Terminal(fmt.Sprintf("encode mutation: %v", err))
	}

	// Deletes are kept as tombstone rows.
	deleted := job.Operation == schema.OperationDelete
	var payload any
	if len(job.Payload) > 0 && !deleted {
		payload = string(job.Payload)
	}

	var id int64
	err = p.db.QueryRowContext(ctx, p.upsertSQL,
		job.IdempotencyKey,
		job.EntityType,
		job.EntityID,
		string(job.Operation),
		job.Version,
		payload,
		deleted,
		time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		span.RecordError(err)
		return classifyPostgres(err).WithSnapshots(request, nil)
	}

	ref := strconv.FormatInt(id, 10)
	response, _ := json.Marshal(map[string]string{"table": p.table, "id": ref})
	return Success(ref).WithSnapshots(request, response)
}

// classifyPostgres treats connection, resource and concurrency problems as
// transient and anything the data itself caused as permanent.
func classifyPostgres(err error) Result {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57", "58":
			return Retryable(fmt.Sprintf("remote store %s: %s", pqErr.Code, pqErr.Message))
		default:
			return Terminal(fmt.Sprintf("remote store %s: %s", pqErr.Code, pqErr.Message))
		}
	}
	return Retryable(fmt.Sprintf("remote store: %v", err))
}

func (p *postgresAdapter) Close() error {
	return p.db.Close()
}
