package operations

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the sweep once a minute
const DefaultSweepSchedule = "@every 1m"

// Sweeper periodically evicts expired terminal records from the registry and
// purges archived records older than the archive retention.
type Sweeper struct {
	cron             *cron.Cron
	registry         *Registry
	archive          Archive
	archiveRetention time.Duration
	now              func() time.Time
	logger           *slog.Logger
}

// NewSweeper schedules a sweep; archive may be nil
func NewSweeper(registry *Registry, archive Archive, schedule string, archiveRetention time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		cron:             cron.New(),
		registry:         registry,
		archive:          archive,
		archiveRetention: archiveRetention,
		now:              time.Now,
		logger:           logger.With(slog.String("component", "sweeper")),
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.SweepOnce(ctx)
	}); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("sweeper started", slog.Int("entries", len(s.cron.Entries())))
}

// Stop halts the schedule and waits for a running sweep to finish
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// SweepOnce evicts expired records and purges the archive
func (s *Sweeper) SweepOnce(ctx context.Context) (evicted int, purged int64) {
	now := s.now()
	evicted = s.registry.Evict(now)

	if s.archive != nil && s.archiveRetention > 0 {
		n, err := s.archive.PurgeBefore(ctx, now.Add(-s.archiveRetention))
		if err != nil {
			s.logger.Error("archive purge failed", slog.String("error", err.Error()))
		}
		purged = n
	}

	if evicted > 0 || purged > 0 {
		s.logger.Info("sweep completed",
			slog.Int("evicted", evicted),
			slog.Int64("purged", purged))
	}
	return evicted, purged
}
