package adapter

import (
	"context"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"

	"github.com/zoff-tech/go-syncengine/pkg/config"
	"github.com/zoff-tech/go-syncengine/schema"
)

// PubSubAdapterCreator defines a function type for creating Pub/Sub adapters.
type PubSubAdapterCreator func(ctx context.Context, settings config.TargetSettings, opts ...option.ClientOption) (DeliveryAdapter, error)

// NewPubSubClient is the default implementation of PubSubAdapterCreator.
var NewPubSubClient PubSubAdapterCreator = func(ctx context.Context, settings config.TargetSettings, opts ...option.ClientOption) (DeliveryAdapter, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Pub/Sub: %w", err)
	}
	return newPubSubAdapter(client, settings.Topic), nil
}

// NewPubSubAdapter publishes jobs to one topic with the entity id as
// ordering key, so a subscriber sees an entity's changes in sequence.
var NewPubSubAdapter Creator = func(ctx context.Context, settings config.TargetSettings) (DeliveryAdapter, error) {
	return NewPubSubClient(ctx, settings)
}

type pubSubAdapter struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

func newPubSubAdapter(client *pubsub.Client, topicID string) *pubSubAdapter {
	topic := client.Topic(topicID)
	topic.EnableMessageOrdering = true
	return &pubSubAdapter{client: client, topic: topic}
}

func (p *pubSubAdapter) Deliver(ctx context.Context, job schema.SyncJob) Result {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "DeliverPubSub",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindTopic,
			semconv.MessagingDestinationKey.String(p.topic.ID()),
		),
	)
	defer span.End()

	body, err := NewEnvelope(job).Marshal()
	if err != nil {
		return Terminal(fmt.Sprintf("encode message: %v", err))
	}

	// Inject the trace context into the message attributes
	attributes := map[string]string{
		"idempotency_key": job.IdempotencyKey,
		"entity_type":     job.EntityType,
		"entity_id":       job.EntityID,
		"operation":       string(job.Operation),
		"sequence":        strconv.FormatInt(job.Sequence, 10),
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))

	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:        body,
		Attributes:  attributes,
		OrderingKey: job.EntityID,
	})
	serverID, err := res.Get(ctx) // wait for server ack
	if err != nil {
		span.RecordError(err)
		// A failed publish pauses the ordering key until resumed.
		p.topic.ResumePublish(job.EntityID)
		return Retryable(err.Error()).WithSnapshots(body, nil)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(body)),
		semconv.MessagingMessageIDKey.String(serverID),
	)
	return Success(serverID).WithSnapshots(body, []byte(serverID))
}

func (p *pubSubAdapter) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
