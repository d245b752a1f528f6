package scheduler

import (
	"context"
	"time"

	"quantlab_backend/logger"
)

// sweepOverdue fails jobs whose deadline passed without the runner noticing,
// e.g. jobs still queued for a worker slot.
func (s *Scheduler) sweepOverdue() {
	expired := s.store.ExpireOverdue(s.now())
	if len(expired) > 0 {
		s.log.Warn("Expired overdue jobs", logger.Strings("job_ids", expired))
	}
}

// pruneFinished drops terminal jobs older than the retention window.
func (s *Scheduler) pruneFinished() {
	if n := s.store.Prune(s.cfg.Retention); n > 0 {
		s.log.Info("Pruned finished jobs", logger.Int("count", n))
	}
}

// autoResume submits a resume for every stored dataset.
func (s *Scheduler) autoResume() {
	s.log.Info("Running nightly dataset resume...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	admitted, err := s.resumer.ResumeAll(ctx)
	if err != nil {
		s.log.Error("Nightly resume failed", logger.Error(err))
		return
	}
	ids := make([]string, len(admitted))
	for i, job := range admitted {
		ids[i] = job.ID
	}
	s.log.Info("Nightly resume submitted", logger.Int("count", len(admitted)), logger.Strings("job_ids", ids))
}

func (s *Scheduler) pruneLimiter() {
	if n := s.limiter.Prune(s.cfg.LimiterIdle); n > 0 {
		s.log.Debug("Pruned idle rate-limit entries", logger.Int("count", n))
	}
}
