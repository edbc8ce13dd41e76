package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"

	"github.com/zoff-tech/go-syncengine/pkg/config"
)

const (
	metricInterval  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Init initializes telemetry (tracing and metrics) and returns a shutdown function.
// An exporter is only created for a configured URL; with neither set the
// global no-op providers stay in place.
func Init(cfg config.Observability) (func(), error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name cannot be empty")
	}
	if cfg.TracingURL == "" && cfg.MetricsURL == "" {
		return func() {}, nil
	}

	ctx := context.Background()

	// Create a resource to describe the service
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var shutdowns []func(context.Context) error

	if cfg.TracingURL != "" {
		endpoint, insecure, err := splitEndpoint(cfg.TracingURL)
		if err != nil {
			return nil, fmt.Errorf("invalid tracing URL: %w", err)
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}

		tp := trace.NewTracerProvider(
			trace.WithBatcher(traceExporter),
			trace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	if cfg.MetricsURL != "" {
		endpoint, insecure, err := splitEndpoint(cfg.MetricsURL)
		if err != nil {
			return nil, fmt.Errorf("invalid metrics URL: %w", err)
		}
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
		if insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}

		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
				sdkmetric.WithInterval(metricInterval),
			)),
			sdkmetric.WithView(deliveryDurationView()),
		)
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}

	// Return a shutdown function to clean up resources
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, shutdown := range shutdowns {
			if err := shutdown(ctx); err != nil {
				log.Printf("Error shutting down telemetry provider: %v", err)
			}
		}
	}, nil
}

// deliveryDurationView sizes the latency buckets for remote calls, from a
// fast local upsert up to a slow portal submission.
func deliveryDurationView() sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: "syncengine_delivery_duration_ms"},
		sdkmetric.Stream{
			Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
		},
	)
}

// splitEndpoint turns a collector URL into the host:port the OTLP HTTP
// exporters expect, reporting whether the scheme is plain http.
func splitEndpoint(raw string) (string, bool, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, err
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("missing host in %q", raw)
	}
	return u.Host, u.Scheme != "https", nil
}
