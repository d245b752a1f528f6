// Package scheduler runs the periodic supervision tasks of the service:
// - Timeout sweeps over running jobs
// - Retention of finished jobs in memory
// - Nightly auto-resume of stored datasets
// - Pruning idle submit rate-limit entries
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"

	"quantlab_backend/logger"
	"quantlab_backend/middleware"
	"quantlab_backend/models"
	"quantlab_backend/services/jobs"
)

// Resumer submits resume jobs for every known dataset.
type Resumer interface {
	ResumeAll(ctx context.Context) ([]models.Job, error)
}

type Config struct {
	SweepInterval time.Duration
	Retention     time.Duration
	// AutoResumeAt is a UTC "HH:MM"; empty disables the nightly resume.
	AutoResumeAt string
	LimiterIdle  time.Duration
}

// Scheduler manages scheduled jobs
type Scheduler struct {
	cron    *gocron.Scheduler
	store   *jobs.Store
	resumer Resumer
	limiter *middleware.RateLimiter
	cfg     Config
	log     logger.Logger
	now     func() time.Time
}

// NewScheduler creates a new scheduler instance. resumer and limiter may be nil.
func NewScheduler(store *jobs.Store, resumer Resumer, limiter *middleware.RateLimiter, cfg Config, log logger.Logger) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.LimiterIdle <= 0 {
		cfg.LimiterIdle = 30 * time.Minute
	}
	return &Scheduler{
		cron:    gocron.NewScheduler(time.UTC),
		store:   store,
		resumer: resumer,
		limiter: limiter,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// Start registers every task and starts the scheduler in the background.
func (s *Scheduler) Start() error {
	s.log.Info("Starting scheduler...")

	if _, err := s.cron.Every(s.cfg.SweepInterval).SingletonMode().Do(s.sweepOverdue); err != nil {
		return fmt.Errorf("failed to schedule timeout sweep: %w", err)
	}

	if s.cfg.Retention > 0 {
		if _, err := s.cron.Every(1).Minute().SingletonMode().Do(s.pruneFinished); err != nil {
			return fmt.Errorf("failed to schedule job retention: %w", err)
		}
	}

	if s.cfg.AutoResumeAt != "" && s.resumer != nil {
		_, err := s.cron.Every(1).Day().At(s.cfg.AutoResumeAt).WaitForSchedule().SingletonMode().Do(s.autoResume)
		if err != nil {
			return fmt.Errorf("failed to schedule auto-resume at %s: %w", s.cfg.AutoResumeAt, err)
		}
	}

	if s.limiter != nil {
		if _, err := s.cron.Every(10).Minutes().WaitForSchedule().Do(s.pruneLimiter); err != nil {
			return fmt.Errorf("failed to schedule limiter pruning: %w", err)
		}
	}

	s.cron.StartAsync()
	s.log.Info("Scheduler started successfully", logger.Int("tasks", s.cron.Len()))
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.log.Info("Scheduler stopped")
}
