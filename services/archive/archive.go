package archive

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"quantlab_backend/logger"
	"quantlab_backend/models"
)

// ErrDisabled is returned by history reads when no archive is configured.
var ErrDisabled = errors.New("job archive is not configured")

// Recorder persists finished job summaries.
type Recorder interface {
	Name() string
	Record(ctx context.Context, run models.JobRun) error
	Recent(ctx context.Context, limit int) ([]models.JobRun, error)
	Ping(ctx context.Context) error
}

// FromJob flattens a terminal job snapshot into an archive row.
func FromJob(job models.Job) models.JobRun {
	run := models.JobRun{
		JobID:       job.ID,
		Kind:        string(job.Kind),
		Name:        job.Name,
		Preset:      job.Preset,
		Status:      string(job.Status()),
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	if msg, ok := job.Err(); ok {
		run.Error = msg
	}
	if result, ok := job.Result(); ok && result != nil {
		if raw, err := json.Marshal(result); err == nil {
			run.Result = string(raw)
		}
	}
	return run
}

// Archiver fans finished jobs out to every recorder in the background.
// Failures are logged and never reach the job.
type Archiver struct {
	recorders []Recorder
	log       logger.Logger
	timeout   time.Duration
	wg        sync.WaitGroup
}

func NewArchiver(log logger.Logger, recorders ...Recorder) *Archiver {
	return &Archiver{recorders: recorders, log: log, timeout: 10 * time.Second}
}

// Enabled reports whether any recorder is configured.
func (a *Archiver) Enabled() bool {
	return a != nil && len(a.recorders) > 0
}

// Finished records job; it is meant to be registered as a store observer.
func (a *Archiver) Finished(job models.Job) {
	if !a.Enabled() {
		return
	}
	run := FromJob(job)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		for _, r := range a.recorders {
			if err := r.Record(ctx, run); err != nil {
				a.log.Warn("Failed to archive job",
					logger.String("archive", r.Name()),
					logger.String("job_id", run.JobID),
					logger.Error(err))
			}
		}
	}()
}

// Recent reads the newest runs from the first recorder.
func (a *Archiver) Recent(ctx context.Context, limit int) ([]models.JobRun, error) {
	if !a.Enabled() {
		return nil, ErrDisabled
	}
	return a.recorders[0].Recent(ctx, limit)
}

// Ping checks every recorder.
func (a *Archiver) Ping(ctx context.Context) error {
	if !a.Enabled() {
		return nil
	}
	var errs []error
	for _, r := range a.recorders {
		if err := r.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until pending writes finish or ctx ends.
func (a *Archiver) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
