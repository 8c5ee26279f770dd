package infrastructure

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"

	"fauxnetd/internal/config"
)

func discardLogger() *slog.Logger {
	var sink discard
	return slog.New(slog.NewJSONHandler(sink, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestOTelInitializationPrometheus(t *testing.T) {
	cfg := OTelConfigFrom(config.TelemetryConfig{
		Environment:    "test",
		TraceExporter:  "none",
		MetricExporter: "prometheus",
		SampleRatio:    1,
	})

	providers, err := InitializeOTel(cfg, discardLogger())
	require.NoError(t, err)
	require.NotNil(t, providers)

	assert.NotNil(t, providers.MeterProvider)
	assert.NotNil(t, providers.Meter)
	assert.NotNil(t, providers.Tracer)
	require.NotNil(t, providers.PrometheusHTTP)

	metrics, err := CreateBusinessMetrics(providers.Meter)
	require.NoError(t, err)
	metrics.OperationExecutionsTotal.Add(context.Background(), 1)

	rec := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "operation_executions_total")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, providers.Shutdown(ctx))
}

func TestOTelInitializationStdoutTracing(t *testing.T) {
	providers, err := InitializeOTel(&OTelConfig{
		ServiceName:    ServiceName,
		ServiceVersion: ServiceVersion,
		Environment:    "test",
		TraceExporter:  "stdout",
		MetricExporter: "none",
		SampleRatio:    1,
	}, discardLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	assert.NotNil(t, providers.TracerProvider)
	assert.Nil(t, providers.MeterProvider)

	ctx, span := otel.Tracer("test").Start(context.Background(), "phase")
	defer span.End()
	assert.Len(t, TraceIDFromContext(ctx), 32)
}

func TestOTelRejectsUnknownExporters(t *testing.T) {
	_, err := InitializeOTel(&OTelConfig{TraceExporter: "jaeger", MetricExporter: "none"}, discardLogger())
	assert.Error(t, err)

	_, err = InitializeOTel(&OTelConfig{TraceExporter: "none", MetricExporter: "statsd"}, discardLogger())
	assert.Error(t, err)
}

func TestCreateBusinessMetricsWithNoopMeter(t *testing.T) {
	metrics, err := CreateBusinessMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	assert.NotNil(t, metrics.HTTPRequestsTotal)
	assert.NotNil(t, metrics.PhaseExecutionDuration)
	assert.NotNil(t, metrics.StreamClients)
	assert.NotNil(t, metrics.SystemErrors)
}

func TestTraceIDFromContextWithoutSpan(t *testing.T) {
	assert.Empty(t, TraceIDFromContext(context.Background()))
}

func TestSpanHelpersIgnoreNonRecordingSpans(t *testing.T) {
	ctx := context.Background()
	AddSpanEvent(ctx, "noop", map[string]interface{}{"phase": 2, "ok": true})
	RecordError(ctx, assert.AnError)
}

func TestSystemMetricsCollect(t *testing.T) {
	collector, err := NewSystemMetricsCollector(noop.NewMeterProvider().Meter("test"), time.Hour, func() int { return 3 })
	require.NoError(t, err)

	stats := collector.GetCurrentStats(context.Background())
	assert.Equal(t, 3, stats.TrackedOperations)
	assert.Greater(t, stats.GoRoutines, int64(0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, collector.Run(ctx))
}
