package client

import (
	"context"
	"math"
	"sync"
	"time"

	"quantlab_backend/models"
)

// DefaultClearDelay is how long a finished job stays active before the
// tracker lets go of it.
const DefaultClearDelay = 3 * time.Second

// JobAPI is the subset of API the tracker polls.
type JobAPI interface {
	GetJob(ctx context.Context, group, id string) (Snapshot, error)
	Cancel(ctx context.Context, group, id string) (string, error)
}

// View is the display state derived from one snapshot.
type View struct {
	JobID   string
	Status  models.JobStatus
	Elapsed time.Duration
	// Percentage is clamped to 0..100 and meaningless when Indeterminate.
	Percentage    float64
	Indeterminate bool
	Stage         string
	Message       string
	Error         string
}

// DisplayedPercentage clamps the reported percentage. A running job that has
// not reported progress yet is indeterminate.
func DisplayedPercentage(s Snapshot) (float64, bool) {
	if s.Progress == nil {
		return 0, s.Status == models.StatusRunning
	}
	return math.Min(100, math.Max(0, s.Progress.Percentage)), false
}

// Elapsed measures from startedAt, or createdAt before the job started, to
// now. It stops at completedAt once the job is terminal.
func Elapsed(s Snapshot, now time.Time) time.Duration {
	from := s.CreatedAt
	if s.StartedAt != nil {
		from = *s.StartedAt
	}
	to := now
	if s.Status.IsTerminal() && s.CompletedAt != nil {
		to = *s.CompletedAt
	}
	if to.Before(from) {
		return 0
	}
	return to.Sub(from)
}

// NewView derives the display state of s at now.
func NewView(s Snapshot, now time.Time) View {
	pct, indeterminate := DisplayedPercentage(s)
	v := View{
		JobID:         s.JobID,
		Status:        s.Status,
		Elapsed:       Elapsed(s, now),
		Percentage:    pct,
		Indeterminate: indeterminate,
		Error:         s.Error,
	}
	if s.Progress != nil {
		v.Stage = s.Progress.Stage
		v.Message = s.Progress.Message
	}
	return v
}

// Tracker follows the active job of one group.
type Tracker struct {
	api        JobAPI
	group      string
	clearDelay time.Duration
	now        func() time.Time
	afterFunc  func(time.Duration, func()) *time.Timer

	mu         sync.Mutex
	active     string
	last       *Snapshot
	reacted    map[string]bool
	onTerminal func(Snapshot)
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClearDelay overrides DefaultClearDelay.
func WithClearDelay(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.clearDelay = d }
}

// OnTerminal registers fn to run once per job when it is first seen terminal.
func OnTerminal(fn func(Snapshot)) TrackerOption {
	return func(t *Tracker) { t.onTerminal = fn }
}

func NewTracker(api JobAPI, group string, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		api:        api,
		group:      group,
		clearDelay: DefaultClearDelay,
		now:        time.Now,
		afterFunc:  time.AfterFunc,
		reacted:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track makes id the active job.
func (t *Tracker) Track(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = id
	t.last = nil
}

// Active returns the active job id, or "" when none.
func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Poll fetches the active job once and returns its view. The first terminal
// snapshot of a job triggers the terminal reaction and schedules the clear.
func (t *Tracker) Poll(ctx context.Context) (View, error) {
	id := t.Active()
	if id == "" {
		return View{}, nil
	}
	snap, err := t.api.GetJob(ctx, t.group, id)
	if err != nil {
		return View{}, err
	}

	t.mu.Lock()
	if t.active == id {
		t.last = &snap
	}
	react := snap.Status.IsTerminal() && !t.reacted[id]
	if react {
		t.reacted[id] = true
	}
	onTerminal := t.onTerminal
	t.mu.Unlock()

	if react {
		if onTerminal != nil {
			onTerminal(snap)
		}
		t.scheduleClear(id)
	}
	return NewView(snap, t.now()), nil
}

// View recomputes the display state of the last snapshot without polling,
// so elapsed time keeps moving between polls.
func (t *Tracker) View() (View, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return View{}, false
	}
	return NewView(*t.last, t.now()), true
}

// scheduleClear drops id as the active job after the clear delay, unless a
// newer job became active in the meantime.
func (t *Tracker) scheduleClear(id string) {
	t.afterFunc(t.clearDelay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.active != id {
			return
		}
		t.active = ""
		t.last = nil
	})
}

// Cancel asks the server to cancel the active job. Only a confirmed success
// clears the active pointer; on failure the next poll shows the real state.
func (t *Tracker) Cancel(ctx context.Context) (string, error) {
	id := t.Active()
	if id == "" {
		return "", nil
	}
	msg, err := t.api.Cancel(ctx, t.group, id)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	if t.active == id {
		t.active = ""
		t.last = nil
	}
	t.mu.Unlock()
	return msg, nil
}

// Watch polls every interval until the job is terminal or no longer active,
// calling onView after each poll.
func (t *Tracker) Watch(ctx context.Context, interval time.Duration, onView func(View)) (View, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		v, err := t.Poll(ctx)
		if err != nil {
			return View{}, err
		}
		if onView != nil && v.JobID != "" {
			onView(v)
		}
		if v.JobID == "" || v.Status.IsTerminal() {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-ticker.C:
		}
	}
}
