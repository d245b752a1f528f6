package models

import (
	"encoding/json"
	"math"
	"time"
)

// JobKind identifies what a background job does.
type JobKind string

const (
	KindDatasetCreate     JobKind = "dataset_create"
	KindDatasetResume     JobKind = "dataset_resume"
	KindBacktestRun       JobKind = "backtest_run"
	KindOptimizationRun   JobKind = "optimization_run"
	KindSignalAttribution JobKind = "signal_attribution"
)

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	switch k {
	case KindDatasetCreate, KindDatasetResume, KindBacktestRun, KindOptimizationRun, KindSignalAttribution:
		return true
	}
	return false
}

// JobStatus is the wire form of a job's state.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FailureReason classifies failed jobs for logs and metrics.
type FailureReason string

const (
	ReasonError    FailureReason = "error"
	ReasonTimeout  FailureReason = "timeout"
	ReasonUpstream FailureReason = "upstream"
	ReasonPanic    FailureReason = "panic"
)

// State is the job's lifecycle position. Only Completed carries a result and
// only Failed carries an error message.
type State interface {
	Status() JobStatus
	isState()
}

type Pending struct{}
type Running struct{}
type Cancelled struct{}

type Completed struct {
	Result any
}

type Failed struct {
	Message string
	Reason  FailureReason
}

func (Pending) Status() JobStatus   { return StatusPending }
func (Running) Status() JobStatus   { return StatusRunning }
func (Completed) Status() JobStatus { return StatusCompleted }
func (Failed) Status() JobStatus    { return StatusFailed }
func (Cancelled) Status() JobStatus { return StatusCancelled }

func (Pending) isState()   {}
func (Running) isState()   {}
func (Completed) isState() {}
func (Failed) isState()    {}
func (Cancelled) isState() {}

// Progress is the last checkpoint a worker reported.
type Progress struct {
	Stage      string  `json:"stage"`
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message,omitempty"`
}

// NewProgress derives the percentage from current/total, rounded to one decimal.
func NewProgress(stage string, current, total int, message string) Progress {
	p := Progress{Stage: stage, Current: current, Total: total, Message: message}
	if total > 0 {
		pct := float64(current) / float64(total) * 100
		p.Percentage = math.Round(math.Min(100, math.Max(0, pct))*10) / 10
	}
	return p
}

// Job is an immutable snapshot of a background job.
type Job struct {
	ID              string
	Kind            JobKind
	ResourceKey     string
	Name            string
	Preset          string
	State           State
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	TimeoutAt       *time.Time
	CancelRequested bool
	Progress        *Progress
}

// Status returns the wire status of the job.
func (j Job) Status() JobStatus {
	if j.State == nil {
		return StatusPending
	}
	return j.State.Status()
}

// Result returns the payload of a completed job.
func (j Job) Result() (any, bool) {
	c, ok := j.State.(Completed)
	if !ok {
		return nil, false
	}
	return c.Result, true
}

// Err returns the message of a failed job.
func (j Job) Err() (string, bool) {
	f, ok := j.State.(Failed)
	if !ok {
		return "", false
	}
	return f.Message, true
}

type jobSnapshot struct {
	JobID           string     `json:"jobId"`
	Kind            JobKind    `json:"kind"`
	Status          JobStatus  `json:"status"`
	Name            string     `json:"name,omitempty"`
	Preset          string     `json:"preset,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	TimeoutAt       *time.Time `json:"timeoutAt,omitempty"`
	CancelRequested bool       `json:"cancelRequested"`
	Progress        *Progress  `json:"progress,omitempty"`
	Result          any        `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// MarshalJSON renders the polling snapshot.
func (j Job) MarshalJSON() ([]byte, error) {
	s := jobSnapshot{
		JobID:           j.ID,
		Kind:            j.Kind,
		Status:          j.Status(),
		Name:            j.Name,
		Preset:          j.Preset,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		TimeoutAt:       j.TimeoutAt,
		CancelRequested: j.CancelRequested,
		Progress:        j.Progress,
	}
	if r, ok := j.Result(); ok {
		s.Result = r
	}
	if e, ok := j.Err(); ok {
		s.Error = e
	}
	return json.Marshal(s)
}
