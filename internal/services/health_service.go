package services

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"fauxnetd/internal/operations"
)

// HealthCheck probes one dependency. A nil error means ready.
type HealthCheck func(ctx context.Context) error

// HealthService provides health check functionality
type HealthService struct {
	version   string
	registry  *operations.Registry
	startTime time.Time
	timeout   time.Duration
	logger    *slog.Logger

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Runtime   map[string]interface{}   `json:"runtime,omitempty"`
	Services  map[string]ServiceHealth `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewHealthService creates a health service. Dependency probes are added with AddCheck.
func NewHealthService(version string, registry *operations.Registry, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		registry:  registry,
		startTime: time.Now(),
		timeout:   2 * time.Second,
		logger:    logger.With(slog.String("component", "health_service")),
		checks:    make(map[string]HealthCheck),
	}
}

// AddCheck registers a readiness probe
func (hs *HealthService) AddCheck(name string, check HealthCheck) {
	hs.mu.Lock()
	hs.checks[name] = check
	hs.mu.Unlock()
}

// LivenessCheck returns liveness status
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	rt := map[string]interface{}{
		"uptime":     time.Since(hs.startTime).Seconds(),
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
	}
	if hs.registry != nil {
		rt["operations"] = hs.registry.Count()
	}
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now(),
		Version:   hs.version,
		Runtime:   rt,
	}
}

// ReadinessCheck runs every registered probe
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	hs.mu.RLock()
	names := make([]string, 0, len(hs.checks))
	for name := range hs.checks {
		names = append(names, name)
	}
	hs.mu.RUnlock()
	sort.Strings(names)

	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now(),
		Version:   hs.version,
		Services:  make(map[string]ServiceHealth, len(names)),
	}
	for _, name := range names {
		hs.mu.RLock()
		check := hs.checks[name]
		hs.mu.RUnlock()

		checkCtx, cancel := context.WithTimeout(ctx, hs.timeout)
		err := check(checkCtx)
		cancel()
		if err != nil {
			status.Status = "not_ready"
			status.Services[name] = ServiceHealth{Status: "not_ready", Message: err.Error()}
			hs.logger.WarnContext(ctx, "readiness check failed",
				slog.String("check", name),
				slog.String("error", err.Error()))
			continue
		}
		status.Services[name] = ServiceHealth{Status: "ready"}
	}
	return status
}

// Version returns version information
func (hs *HealthService) Version() map[string]interface{} {
	return map[string]interface{}{
		"version":    hs.version,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"start_time": hs.startTime.Format(time.RFC3339),
	}
}
