package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quantlab_backend/logger"
	"quantlab_backend/models"
)

// Checkpoint is everything a unit of work may do to its job.
type Checkpoint interface {
	ReportProgress(stage string, current, total int, message string)
	// IsCancelled is true once cancellation was requested, the deadline
	// passed, or the job was finished from outside.
	IsCancelled() bool
}

// Work is a unit of background work. ctx carries the job deadline and should
// be passed to outbound calls. Returning ErrCancelled marks the job cancelled.
type Work func(ctx context.Context, cp Checkpoint) (any, error)

// Runner executes admitted jobs on their own goroutines.
type Runner struct {
	store *Store
	log   logger.Logger
	slots chan struct{}

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRunner creates a runner executing at most maxConcurrent jobs at once.
// Jobs beyond that stay pending until a slot frees.
func NewRunner(store *Store, log logger.Logger, maxConcurrent int) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:   store,
		log:     log,
		slots:   make(chan struct{}, maxConcurrent),
		baseCtx: ctx,
		stop:    cancel,
	}
}

// Start runs work for an admitted job and returns immediately.
func (r *Runner) Start(job models.Job, work Work) error {
	rec, err := r.store.handle(job.ID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_, _ = r.store.Fail(job.ID, ErrShuttingDown)
		return ErrShuttingDown
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(job, rec, work)
	return nil
}

func (r *Runner) run(job models.Job, rec *record, work Work) {
	defer r.wg.Done()

	log := r.log.With(logger.String("job_id", job.ID), logger.String("kind", string(job.Kind)))

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if job.TimeoutAt != nil {
		ctx, cancel = context.WithDeadline(r.baseCtx, *job.TimeoutAt)
	} else {
		ctx, cancel = context.WithCancel(r.baseCtx)
	}
	defer cancel()

	select {
	case r.slots <- struct{}{}:
	case <-rec.cancelCh:
		log.Info("Job cancelled while queued")
		r.cancelBeforeStart(job.ID)
		return
	case <-ctx.Done():
		r.failFromContext(job, log)
		return
	case <-rec.done:
		return
	}

	if rec.cancel.Load() {
		<-r.slots
		r.cancelBeforeStart(job.ID)
		return
	}

	cp := &checkpoint{store: r.store, id: job.ID, rec: rec, ctx: ctx, log: log}
	cp.ReportProgress("starting", 0, 0, "")

	type outcome struct {
		result any
		err    error
	}
	results := make(chan outcome, 1)
	// The slot belongs to the work goroutine: an abandoned worker keeps it
	// until it returns, so no more than maxConcurrent workers ever execute.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()
		defer func() {
			if p := recover(); p != nil {
				results <- outcome{err: &panicError{value: p}}
			}
		}()
		res, err := work(ctx, cp)
		results <- outcome{result: res, err: err}
	}()

	select {
	case out := <-results:
		r.settle(ctx, job, out.result, out.err, log)
	case <-ctx.Done():
		// The worker is abandoned. It sees IsCancelled at its next checkpoint.
		r.failFromContext(job, log)
	case <-rec.done:
		log.Warn("Job finished externally while running")
	}
}

// cancelBeforeStart finishes a job whose cancellation arrived before its work
// ran. The job passes through running so the transition stays pending → running
// → cancelled.
func (r *Runner) cancelBeforeStart(id string) {
	_ = r.store.ReportProgress(id, models.NewProgress("cancelled", 0, 0, "Cancelled before start"))
	_, _ = r.store.MarkCancelled(id)
}

func (r *Runner) settle(ctx context.Context, job models.Job, result any, err error, log logger.Logger) {
	switch {
	case err == nil:
		if _, e := r.store.Complete(job.ID, result); e != nil {
			log.Error("Failed to complete job", logger.Error(e))
		}
	case errors.Is(err, ErrCancelled):
		_, _ = r.store.MarkCancelled(job.ID)
	case ctx.Err() != nil:
		r.failFromContext(job, log)
	default:
		log.Warn("Job work failed", logger.Error(err))
		_, _ = r.store.Fail(job.ID, err)
	}
}

func (r *Runner) failFromContext(job models.Job, log logger.Logger) {
	if r.baseCtx.Err() != nil {
		_, _ = r.store.Fail(job.ID, ErrShuttingDown)
		return
	}
	timeout := time.Duration(0)
	if job.TimeoutAt != nil {
		timeout = job.TimeoutAt.Sub(job.CreatedAt)
	}
	log.Warn("Job timed out", logger.Duration("timeout", timeout))
	_, _ = r.store.Fail(job.ID, &TimeoutError{Timeout: timeout})
}

// Shutdown stops accepting work, fails jobs still running and waits for
// their goroutines until ctx expires.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

type checkpoint struct {
	store *Store
	id    string
	rec   *record
	ctx   context.Context
	log   logger.Logger
}

func (c *checkpoint) ReportProgress(stage string, current, total int, message string) {
	if err := c.store.ReportProgress(c.id, models.NewProgress(stage, current, total, message)); err != nil {
		c.log.Warn("Progress report rejected", logger.Error(err))
	}
}

func (c *checkpoint) IsCancelled() bool {
	return c.rec.cancel.Load() || c.ctx.Err() != nil || c.rec.finished()
}
