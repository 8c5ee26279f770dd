package infrastructure

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// SystemMetrics records process and registry gauges on each collection
type SystemMetrics struct {
	goRoutines       metric.Int64Gauge
	memoryUsage      metric.Int64Gauge
	processUptime    metric.Float64Gauge
	trackedOps       metric.Int64Gauge
	trackedOpsSource func() int
}

// SystemStats holds one collection
type SystemStats struct {
	GoRoutines        int64
	MemoryUsage       int64
	ProcessUptime     time.Duration
	TrackedOperations int
	Timestamp         time.Time
}

// NewSystemMetrics creates the gauges. tracked reports how many progress records are held in memory and may be nil.
func NewSystemMetrics(meter metric.Meter, tracked func() int) (*SystemMetrics, error) {
	goRoutines, err := meter.Int64Gauge(
		"system_goroutines",
		metric.WithDescription("Number of active goroutines"),
	)
	if err != nil {
		return nil, err
	}

	memoryUsage, err := meter.Int64Gauge(
		"system_memory_usage_bytes",
		metric.WithDescription("Heap bytes in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	processUptime, err := meter.Float64Gauge(
		"system_process_uptime_seconds",
		metric.WithDescription("Process uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	trackedOps, err := meter.Int64Gauge(
		"operation_records_tracked",
		metric.WithDescription("Progress records held in memory"),
	)
	if err != nil {
		return nil, err
	}

	return &SystemMetrics{
		goRoutines:       goRoutines,
		memoryUsage:      memoryUsage,
		processUptime:    processUptime,
		trackedOps:       trackedOps,
		trackedOpsSource: tracked,
	}, nil
}

// Collect reads runtime statistics and records them
func (sm *SystemMetrics) Collect(ctx context.Context, startTime time.Time) *SystemStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := &SystemStats{
		GoRoutines:    int64(runtime.NumGoroutine()),
		MemoryUsage:   int64(memStats.HeapAlloc),
		ProcessUptime: time.Since(startTime),
		Timestamp:     time.Now(),
	}
	if sm.trackedOpsSource != nil {
		stats.TrackedOperations = sm.trackedOpsSource()
	}

	sm.goRoutines.Record(ctx, stats.GoRoutines)
	sm.memoryUsage.Record(ctx, stats.MemoryUsage)
	sm.processUptime.Record(ctx, stats.ProcessUptime.Seconds())
	sm.trackedOps.Record(ctx, int64(stats.TrackedOperations))

	return stats
}

// SystemMetricsCollector manages periodic system metrics collection
type SystemMetricsCollector struct {
	metrics   *SystemMetrics
	startTime time.Time
	interval  time.Duration
}

// NewSystemMetricsCollector creates a new system metrics collector
func NewSystemMetricsCollector(meter metric.Meter, interval time.Duration, tracked func() int) (*SystemMetricsCollector, error) {
	metrics, err := NewSystemMetrics(meter, tracked)
	if err != nil {
		return nil, fmt.Errorf("failed to create system metrics: %w", err)
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &SystemMetricsCollector{
		metrics:   metrics,
		startTime: time.Now(),
		interval:  interval,
	}, nil
}

// Run collects until ctx is cancelled
func (smc *SystemMetricsCollector) Run(ctx context.Context) error {
	ticker := time.NewTicker(smc.interval)
	defer ticker.Stop()

	smc.metrics.Collect(ctx, smc.startTime)
	for {
		select {
		case <-ticker.C:
			smc.metrics.Collect(ctx, smc.startTime)
		case <-ctx.Done():
			return nil
		}
	}
}

// GetCurrentStats collects immediately
func (smc *SystemMetricsCollector) GetCurrentStats(ctx context.Context) *SystemStats {
	return smc.metrics.Collect(ctx, smc.startTime)
}
