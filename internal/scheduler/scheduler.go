package scheduler

import (
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/meteo-dashboard/internal/dashboard"
)

// Registry is the part of the session registry the jobs need.
type Registry interface {
	Sweep(maxIdle time.Duration) int
	Each(fn func(*dashboard.Dashboard))
}

// Scheduler runs housekeeping jobs over the session registry.
type Scheduler struct {
	scheduler *gocron.Scheduler
	registry  Registry
	logger    *slog.Logger

	idleTTL         time.Duration
	sweepInterval   time.Duration
	refreshInterval time.Duration
}

// New creates a new Scheduler. A refreshInterval of zero disables the
// periodic history refresh.
func New(registry Registry, idleTTL, sweepInterval, refreshInterval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		scheduler:       gocron.NewScheduler(time.UTC),
		registry:        registry,
		logger:          logger.With("component", "scheduler"),
		idleTTL:         idleTTL,
		sweepInterval:   sweepInterval,
		refreshInterval: refreshInterval,
	}
}

// Start schedules the jobs and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	sweepEvery := s.sweepInterval
	if sweepEvery <= 0 {
		sweepEvery = 5 * time.Minute
	}

	// The first run would sweep a registry that was just created.
	if _, err := s.scheduler.Every(sweepEvery).WaitForSchedule().Do(s.sweep); err != nil {
		return err
	}

	if s.refreshInterval > 0 {
		if _, err := s.scheduler.Every(s.refreshInterval).WaitForSchedule().Do(s.refresh); err != nil {
			return err
		}
	} else {
		s.logger.Info("periodic history refresh disabled")
	}

	s.scheduler.StartAsync()
	return nil
}

func (s *Scheduler) sweep() {
	if n := s.registry.Sweep(s.idleTTL); n > 0 {
		s.logger.Info("evicted idle dashboards", "count", n, "idle_ttl", s.idleTTL)
	}
}

func (s *Scheduler) refresh() {
	n := 0
	s.registry.Each(func(d *dashboard.Dashboard) {
		if d.Refresh() {
			n++
		}
	})
	s.logger.Debug("history refresh scheduled", "dashboards", n)
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
