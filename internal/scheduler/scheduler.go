// Package scheduler drives the orchestrator's fixed-interval maintenance
// work with gocron, the teacher's scheduling library.
//
// It is grounded on the teacher's scheduler.Scheduler (wraps gocron,
// singleton-mode jobs, Start/Stop lifecycle) generalized from "one
// gocron.CronJob per user-defined policy schedule" into "one
// gocron.DurationJob per fixed maintenance interval", since this domain has
// no user-placed schedule — only the liveness sweep the spec names (§4.1).
package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// SweepInterval is the production cadence of the liveness sweep (§4.1).
const SweepInterval = 30 * time.Second

// Scheduler wraps gocron and runs the liveness sweep on a fixed interval.
// The zero value is not usable — create instances with New.
type Scheduler struct {
	cron   gocron.Scheduler
	logger *zap.Logger
}

// New creates a Scheduler and registers the liveness sweep job, ticking
// every interval. sweep is called once per tick; in production this is
// session.Manager.SweepStale and interval is SweepInterval.
func New(interval time.Duration, sweep func(), logger *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: failed to create gocron scheduler: %w", err)
	}

	_, err = cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(sweep),
		gocron.WithName("liveness-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduler: failed to register liveness sweep job: %w", err)
	}

	return &Scheduler{cron: cron, logger: logger.Named("scheduler")}, nil
}

// Start begins running the scheduled jobs. Non-blocking.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop gracefully shuts down the scheduler, waiting for any currently
// running job to finish before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}
