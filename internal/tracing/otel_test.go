package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/acprunner/internal/common/config"
)

func TestEndpointHost(t *testing.T) {
	assert.Equal(t, "localhost:4318", endpointHost("http://localhost:4318"))
	assert.Equal(t, "otel.example.com", endpointHost("https://otel.example.com"))
	assert.Equal(t, "collector:4318", endpointHost("collector:4318"))
}

func TestInit_NoEndpointIsNoop(t *testing.T) {
	require.NoError(t, Init(context.Background(), config.TracingConfig{}))
	assert.False(t, Enabled())

	_, span := TraceWorkerRun(context.Background(), "w1", "t1", "m")
	TraceWorkerStatus(span, "running")
	TraceWorkerResult(span, "failed", "timed_out", 2, errors.New("deadline"))
	span.End()
	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, Shutdown(context.Background()))
}

func TestInit_WithEndpoint(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, Init(ctx, config.TracingConfig{Endpoint: "http://127.0.0.1:4318", ServiceName: "test"}))
	assert.True(t, Enabled())

	_, span := TraceWorkerPhase(ctx, "initialize")
	assert.True(t, span.SpanContext().IsValid())
	EndPhase(span, nil)

	// Export fails without a collector; shutdown still resets the provider.
	shutdownCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_ = Shutdown(shutdownCtx)
	assert.False(t, Enabled())
}
