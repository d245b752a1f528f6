// Package jobs holds the in-memory job registry and the runner that executes
// background work against it.
package jobs

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"quantlab_backend/logger"
	"quantlab_backend/models"
)

// validTransitions lists the statuses reachable from each non-terminal status.
var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.StatusPending: {models.StatusRunning, models.StatusFailed},
	models.StatusRunning: {models.StatusCompleted, models.StatusFailed, models.StatusCancelled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to models.JobStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Observer is notified of admissions, rejections and terminal transitions.
// Callbacks run outside the registry lock.
type Observer interface {
	Admitted(job models.Job)
	Rejected(kind models.JobKind, reason string)
	Finished(job models.Job)
}

// FinishedFunc adapts a function to an Observer that only cares about
// terminal transitions.
type FinishedFunc func(job models.Job)

func (f FinishedFunc) Admitted(models.Job)             {}
func (f FinishedFunc) Rejected(models.JobKind, string) {}
func (f FinishedFunc) Finished(job models.Job)         { f(job) }

type record struct {
	job      models.Job
	cancel   atomic.Bool
	cancelCh chan struct{}
	done     chan struct{}
}

// AdmitRequest describes a job to admit.
type AdmitRequest struct {
	Kind        models.JobKind
	ResourceKey string
	Name        string
	Preset      string
	Timeout     time.Duration
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Kind   models.JobKind
	Status models.JobStatus
}

// Store is the authoritative registry of jobs and resource locks.
type Store struct {
	mu        sync.Mutex
	jobs      map[string]*record
	locks     map[string]string // resourceKey -> holder job id
	observers []Observer

	now   func() time.Time
	newID func() string
	log   logger.Logger
}

type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces uuid generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

func NewStore(log logger.Logger, opts ...Option) *Store {
	s := &Store{
		jobs:  make(map[string]*record),
		locks: make(map[string]string),
		now:   time.Now,
		newID: uuid.NewString,
		log:   log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe registers an observer.
func (s *Store) Observe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Admit registers a pending job, taking the resource lock when a key is given.
// Checking and taking the lock happen atomically.
func (s *Store) Admit(req AdmitRequest) (models.Job, error) {
	s.mu.Lock()
	if req.ResourceKey != "" {
		if holder, held := s.locks[req.ResourceKey]; held {
			obs := append([]Observer(nil), s.observers...)
			s.mu.Unlock()
			for _, o := range obs {
				o.Rejected(req.Kind, "conflict")
			}
			return models.Job{}, &ConflictError{ResourceKey: req.ResourceKey, HolderID: holder}
		}
	}

	now := s.now()
	job := models.Job{
		ID:          s.newID(),
		Kind:        req.Kind,
		ResourceKey: req.ResourceKey,
		Name:        req.Name,
		Preset:      req.Preset,
		State:       models.Pending{},
		CreatedAt:   now,
	}
	if req.Timeout > 0 {
		deadline := now.Add(req.Timeout)
		job.TimeoutAt = &deadline
	}

	rec := &record{job: job, cancelCh: make(chan struct{}), done: make(chan struct{})}
	s.jobs[job.ID] = rec
	if req.ResourceKey != "" {
		s.locks[req.ResourceKey] = job.ID
	}
	obs := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	s.log.Info("Job admitted",
		logger.String("job_id", job.ID),
		logger.String("kind", string(job.Kind)),
		logger.String("resource", job.ResourceKey),
	)
	for _, o := range obs {
		o.Admitted(job)
	}
	return job, nil
}

// Get returns a snapshot of the job.
func (s *Store) Get(id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return models.Job{}, &NotFoundError{ID: id}
	}
	return rec.snapshot(), nil
}

// List returns snapshots matching filter, newest first.
func (s *Store) List(filter ListFilter) []models.Job {
	s.mu.Lock()
	out := make([]models.Job, 0, len(s.jobs))
	for _, rec := range s.jobs {
		if filter.Kind != "" && rec.job.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && rec.job.Status() != filter.Status {
			continue
		}
		out = append(out, rec.snapshot())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Holder returns the id of the job holding resourceKey, if any.
func (s *Store) Holder(resourceKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.locks[resourceKey]
	return id, ok
}

// ReportProgress records a checkpoint. The first report moves a pending job
// to running. Reports with a lower percentage than the stored one, and reports
// for finished jobs, are dropped.
func (s *Store) ReportProgress(id string, p models.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	status := rec.job.Status()
	if status.IsTerminal() {
		return nil
	}
	if status == models.StatusPending {
		started := s.now()
		rec.job.State = models.Running{}
		rec.job.StartedAt = &started
	}
	if prev := rec.job.Progress; prev != nil && p.Percentage < prev.Percentage {
		s.log.Debug("Discarding out-of-order progress",
			logger.String("job_id", id),
			logger.Float64("stored", prev.Percentage),
			logger.Float64("reported", p.Percentage),
		)
		return nil
	}
	rec.job.Progress = &p
	return nil
}

// Complete moves a running job to completed. It reports false when the job
// was already terminal.
func (s *Store) Complete(id string, result any) (bool, error) {
	return s.finish(id, models.Completed{Result: result})
}

// Fail moves a job to failed with cause's message.
func (s *Store) Fail(id string, cause error) (bool, error) {
	return s.finish(id, models.Failed{Message: cause.Error(), Reason: failureReason(cause)})
}

// MarkCancelled moves a job to cancelled once the worker has stopped.
func (s *Store) MarkCancelled(id string) (bool, error) {
	return s.finish(id, models.Cancelled{})
}

func (s *Store) finish(id string, next models.State) (bool, error) {
	s.mu.Lock()
	rec, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false, &NotFoundError{ID: id}
	}
	current := rec.job.Status()
	if current.IsTerminal() {
		s.mu.Unlock()
		return false, nil
	}
	if !CanTransition(current, next.Status()) {
		s.mu.Unlock()
		return false, &InvalidStateError{ID: id, Status: current}
	}

	completed := s.now()
	rec.job.State = next
	rec.job.CompletedAt = &completed
	if key := rec.job.ResourceKey; key != "" && s.locks[key] == id {
		delete(s.locks, key)
	}
	close(rec.done)
	job := rec.snapshot()
	obs := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	fields := []logger.Field{
		logger.String("job_id", id),
		logger.String("kind", string(job.Kind)),
		logger.String("status", string(job.Status())),
	}
	if msg, failed := job.Err(); failed {
		fields = append(fields, logger.String("error", msg))
	}
	s.log.Info("Job finished", fields...)

	for _, o := range obs {
		o.Finished(job)
	}
	return true, nil
}

// RequestCancel flags a pending or running job for cancellation. The job only
// becomes cancelled once its worker observes the flag.
func (s *Store) RequestCancel(id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return models.Job{}, &NotFoundError{ID: id}
	}
	if status := rec.job.Status(); status.IsTerminal() {
		return models.Job{}, &InvalidStateError{ID: id, Status: status}
	}
	if rec.cancel.CompareAndSwap(false, true) {
		close(rec.cancelCh)
		s.log.Info("Cancellation requested", logger.String("job_id", id))
	}
	return rec.snapshot(), nil
}

// ExpireOverdue fails every non-terminal job whose deadline is before now and
// returns the ids it failed.
func (s *Store) ExpireOverdue(now time.Time) []string {
	type overdue struct {
		id      string
		timeout time.Duration
	}
	var candidates []overdue

	s.mu.Lock()
	for id, rec := range s.jobs {
		if rec.job.Status().IsTerminal() || rec.job.TimeoutAt == nil {
			continue
		}
		if now.After(*rec.job.TimeoutAt) {
			candidates = append(candidates, overdue{id: id, timeout: rec.job.TimeoutAt.Sub(rec.job.CreatedAt)})
		}
	}
	s.mu.Unlock()

	var expired []string
	for _, c := range candidates {
		applied, err := s.Fail(c.id, &TimeoutError{Timeout: c.timeout})
		if err == nil && applied {
			expired = append(expired, c.id)
		}
	}
	return expired
}

// Prune drops terminal jobs that finished more than retention ago.
func (s *Store) Prune(retention time.Duration) int {
	cutoff := s.now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.jobs {
		if !rec.job.Status().IsTerminal() || rec.job.CompletedAt == nil {
			continue
		}
		if rec.job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// handle returns the lock-free view the runner uses for one job.
func (s *Store) handle(id string) (*record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return rec, nil
}

// snapshot copies the record. Caller holds the store lock.
func (r *record) snapshot() models.Job {
	job := r.job
	job.CancelRequested = r.cancel.Load()
	if r.job.Progress != nil {
		p := *r.job.Progress
		job.Progress = &p
	}
	return job
}

func (r *record) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
