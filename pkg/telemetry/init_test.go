package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/zoff-tech/go-syncengine/pkg/config"
)

func TestInit_Success(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "test-service",
		TracingURL:  "http://localhost:4318", // Mock OTLP endpoint
		MetricsURL:  "http://localhost:4318",
	}

	shutdown, err := Init(cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// Ensure the global providers are set
	assert.NotNil(t, otel.GetTracerProvider())
	assert.NotNil(t, otel.GetMeterProvider())

	shutdown()
}

func TestInit_NoExporters(t *testing.T) {
	cfg := config.Observability{ServiceName: "test-service"}

	shutdown, err := Init(cfg)
	assert.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown()
}

func TestInit_InvalidTracingURL(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "test-service",
		TracingURL:  "localhost", // no scheme, no host
	}

	shutdown, err := Init(cfg)
	assert.Error(t, err)
	assert.Nil(t, shutdown)
}

func TestInit_EmptyServiceName(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "",
		TracingURL:  "http://localhost:4318",
	}

	shutdown, err := Init(cfg)
	assert.Error(t, err)
	assert.Nil(t, shutdown)
}

func TestSplitEndpoint(t *testing.T) {
	endpoint, insecure, err := splitEndpoint("http://collector:4318")
	require.NoError(t, err)
	assert.Equal(t, "collector:4318", endpoint)
	assert.True(t, insecure)

	endpoint, insecure, err = splitEndpoint("https://otel.example.com")
	require.NoError(t, err)
	assert.Equal(t, "otel.example.com", endpoint)
	assert.False(t, insecure)
}
