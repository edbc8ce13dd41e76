package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-syncengine/pkg/config"
	"github.com/zoff-tech/go-syncengine/schema"
)

const defaultPoolSize = 4

// NewRabbitMqAdapter publishes each job to a durable topic exchange with
// routing key <entity_type>.<operation> and the idempotency key as MessageId.
var NewRabbitMqAdapter Creator = func(ctx context.Context, settings config.TargetSettings) (DeliveryAdapter, error) {
	poolSize := settings.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	r := &rabbitMqAdapter{
		url:             settings.URL,
		exchange:        settings.Exchange,
		poolSize:        poolSize,
		channelPool:     make(chan *pooledChannel, poolSize),
		reconnectTicker: time.NewTicker(5 * time.Second), // Retry every 5 seconds
		stopReconnect:   make(chan struct{}),
	}
	if err := r.connectAndInitialize(); err != nil {
		r.reconnectTicker.Stop()
		return nil, err
	}

	// Start connection recovery in a separate goroutine
	go r.recoverConnection()

	return r, nil
}

type rabbitMqAdapter struct {
	url             string
	exchange        string
	poolSize        int
	connection      amqpConnection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
	closeOnce       sync.Once
}

func (r *rabbitMqAdapter) Deliver(ctx context.Context, job schema.SyncJob) Result {
	routingKey := job.EntityType + "." + string(job.Operation)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "DeliverRabbitMQ",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindTopic,
			semconv.MessagingDestinationKey.String(r.exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(routingKey),
			semconv.MessagingMessageIDKey.String(job.IdempotencyKey),
		),
	)
	defer span.End()

	body, err := NewEnvelope(job).Marshal()
	if err != nil {
		return Terminal(fmt.Sprintf("encode message: %v", err))
	}

	// Inject the trace context into the message headers
	traceHeaders := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(traceHeaders))
	headers := amqp.Table{
		"entity_id": job.EntityID,
		"version":   job.Version,
	}
	for k, v := range traceHeaders {
		headers[k] = v
	}

	pc, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return Retryable(err.Error()).WithSnapshots(body, nil)
	}

	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	if err := pc.channel.ExchangeDeclare(r.exchange, "topic", true, false, false, false, nil); err != nil {
		span.RecordError(err)
		pc.channel.Close()
		return Retryable(fmt.Sprintf("failed to declare exchange: %v", err)).WithSnapshots(body, nil)
	}

	err = pc.channel.Publish(r.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.IdempotencyKey,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		span.RecordError(err)
		pc.channel.Close()
		return Retryable(err.Error()).WithSnapshots(body, nil)
	}

	select {
	case confirm, ok := <-pc.confirms:
		if !ok {
			return Retryable("channel closed before confirmation").WithSnapshots(body, nil)
		}
		r.releaseChannel(pc)
		if !confirm.Ack {
			return Retryable("broker rejected message").WithSnapshots(body, nil)
		}
	case <-ctx.Done():
		// A late confirmation would be read by the next publisher.
		pc.channel.Close()
		return Retryable(fmt.Sprintf("waiting for confirmation: %v", ctx.Err())).WithSnapshots(body, nil)
	}

	span.SetAttributes(attribute.Int("messaging.message_payload_size_bytes", len(body)))
	ref := fmt.Sprintf("%s/%s", r.exchange, job.IdempotencyKey)
	return Success(ref).WithSnapshots(body, nil)
}

func (r *rabbitMqAdapter) Close() error {
	var err error
	r.closeOnce.Do(func() {
		// Stop the connection recovery goroutine
		close(r.stopReconnect)
		r.reconnectTicker.Stop()

		r.mu.Lock()
		defer r.mu.Unlock()
		for drained := false; !drained; {
			select {
			case pc := <-r.channelPool:
				pc.channel.Close()
			default:
				drained = true
			}
		}
		if r.connection != nil {
			err = r.connection.Close()
		}
	})
	return err
}
