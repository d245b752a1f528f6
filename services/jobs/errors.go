package jobs

import (
	"errors"
	"fmt"
	"time"

	"quantlab_backend/models"
)

// ErrCancelled is returned by work functions that stopped at a checkpoint
// because cancellation was requested.
var ErrCancelled = errors.New("job cancelled")

// ErrShuttingDown fails jobs still running when the runner is shut down.
var ErrShuttingDown = errors.New("service shutting down")

// ConflictError means the resource is held by another non-terminal job, or
// the submission would clobber existing state.
type ConflictError struct {
	ResourceKey string
	HolderID    string
	Reason      string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("%s is already being processed by job %s", e.ResourceKey, e.HolderID)
}

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s not found", e.ID)
}

// InvalidStateError is returned when an operation does not apply to the job's
// current status, e.g. cancelling a job that already finished.
type InvalidStateError struct {
	ID     string
	Status models.JobStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("job %s is already %s", e.ID, e.Status)
}

type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job exceeded its %s timeout", e.Timeout)
}

// UpstreamFetchError wraps a failure talking to an external data source.
type UpstreamFetchError struct {
	Op  string
	Err error
}

func (e *UpstreamFetchError) Error() string {
	return fmt.Sprintf("upstream fetch %s: %v", e.Op, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error { return e.Err }

// ValidationError rejects a submission before any lock is taken.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("worker panicked: %v", e.value)
}

// failureReason classifies err for the Failed state.
func failureReason(err error) models.FailureReason {
	var timeout *TimeoutError
	var upstream *UpstreamFetchError
	var p *panicError
	switch {
	case errors.As(err, &timeout):
		return models.ReasonTimeout
	case errors.As(err, &upstream):
		return models.ReasonUpstream
	case errors.As(err, &p):
		return models.ReasonPanic
	}
	return models.ReasonError
}
