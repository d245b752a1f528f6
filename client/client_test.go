package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantlab_backend/models"
)

func at(minute int) *time.Time {
	t := time.Date(2024, 5, 1, 9, minute, 0, 0, time.UTC)
	return &t
}

func TestDisplayedPercentage(t *testing.T) {
	tests := []struct {
		name          string
		snap          Snapshot
		want          float64
		indeterminate bool
	}{
		{"pending without progress", Snapshot{Status: models.StatusPending}, 0, false},
		{"running without progress", Snapshot{Status: models.StatusRunning}, 0, true},
		{"running", Snapshot{Status: models.StatusRunning, Progress: &models.Progress{Percentage: 42.5}}, 42.5, false},
		{"over 100", Snapshot{Status: models.StatusRunning, Progress: &models.Progress{Percentage: 130}}, 100, false},
		{"negative", Snapshot{Status: models.StatusRunning, Progress: &models.Progress{Percentage: -3}}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pct, indeterminate := DisplayedPercentage(tt.snap)
			assert.Equal(t, tt.want, pct)
			assert.Equal(t, tt.indeterminate, indeterminate)
		})
	}
}

func TestElapsed(t *testing.T) {
	now := *at(10)

	pending := Snapshot{Status: models.StatusPending, CreatedAt: *at(0)}
	assert.Equal(t, 10*time.Minute, Elapsed(pending, now))

	running := Snapshot{Status: models.StatusRunning, CreatedAt: *at(0), StartedAt: at(4)}
	assert.Equal(t, 6*time.Minute, Elapsed(running, now))

	done := Snapshot{Status: models.StatusCompleted, CreatedAt: *at(0), StartedAt: at(4), CompletedAt: at(7)}
	assert.Equal(t, 3*time.Minute, Elapsed(done, now))
	assert.Equal(t, 3*time.Minute, Elapsed(done, now.Add(time.Hour)), "stops once terminal")
}

type fakeAPI struct {
	mu        sync.Mutex
	snaps     map[string][]Snapshot
	cancelErr error
	cancelled []string
}

func (f *fakeAPI) GetJob(_ context.Context, _ string, id string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.snaps[id]
	snap := queue[0]
	if len(queue) > 1 {
		f.snaps[id] = queue[1:]
	}
	return snap, nil
}

func (f *fakeAPI) Cancel(_ context.Context, _ string, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return "", f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return "Cancellation requested", nil
}

// manualTimers captures scheduled clears so tests decide when they fire.
type manualTimers struct {
	pending []func()
}

func (m *manualTimers) afterFunc(_ time.Duration, fn func()) *time.Timer {
	m.pending = append(m.pending, fn)
	return nil
}

func (m *manualTimers) fireAll() {
	fns := m.pending
	m.pending = nil
	for _, fn := range fns {
		fn()
	}
}

func newTestTracker(api JobAPI, opts ...TrackerOption) (*Tracker, *manualTimers) {
	timers := &manualTimers{}
	tr := NewTracker(api, "dataset", opts...)
	tr.afterFunc = timers.afterFunc
	tr.now = func() time.Time { return *at(10) }
	return tr, timers
}

func TestTracker_TerminalReactionRunsOnce(t *testing.T) {
	api := &fakeAPI{snaps: map[string][]Snapshot{
		"x": {
			{JobID: "x", Status: models.StatusRunning, CreatedAt: *at(0), StartedAt: at(1)},
			{JobID: "x", Status: models.StatusCompleted, CreatedAt: *at(0), StartedAt: at(1), CompletedAt: at(5)},
		},
	}}
	var reactions int
	tr, timers := newTestTracker(api, OnTerminal(func(Snapshot) { reactions++ }))
	tr.Track("x")

	v, err := tr.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, v.Status)
	assert.True(t, v.Indeterminate)
	assert.Equal(t, 9*time.Minute, v.Elapsed)
	assert.Empty(t, timers.pending)

	for i := 0; i < 3; i++ {
		v, err = tr.Poll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, v.Status)
		assert.Equal(t, 4*time.Minute, v.Elapsed)
	}
	assert.Equal(t, 1, reactions)
	require.Len(t, timers.pending, 1)

	timers.fireAll()
	assert.Empty(t, tr.Active())
	_, ok := tr.View()
	assert.False(t, ok)
}

func TestTracker_StaleClearDoesNotClobberNewerJob(t *testing.T) {
	api := &fakeAPI{snaps: map[string][]Snapshot{
		"x": {{JobID: "x", Status: models.StatusFailed, Error: "boom"}},
		"y": {{JobID: "y", Status: models.StatusPending}},
	}}
	tr, timers := newTestTracker(api)

	tr.Track("x")
	v, err := tr.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "boom", v.Error)
	require.Len(t, timers.pending, 1)

	// A new job starts before the delayed clear for x fires.
	tr.Track("y")
	timers.fireAll()
	assert.Equal(t, "y", tr.Active())

	_, err = tr.Poll(context.Background())
	require.NoError(t, err)
	view, ok := tr.View()
	require.True(t, ok)
	assert.Equal(t, "y", view.JobID)
}

func TestTracker_Cancel(t *testing.T) {
	t.Run("confirmed cancel clears the pointer", func(t *testing.T) {
		api := &fakeAPI{}
		tr, _ := newTestTracker(api)
		tr.Track("x")

		msg, err := tr.Cancel(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Cancellation requested", msg)
		assert.Equal(t, []string{"x"}, api.cancelled)
		assert.Empty(t, tr.Active())
	})

	t.Run("failed cancel leaves the pointer", func(t *testing.T) {
		api := &fakeAPI{cancelErr: &APIError{StatusCode: http.StatusBadRequest, Message: "job x is already completed"}}
		tr, _ := newTestTracker(api)
		tr.Track("x")

		_, err := tr.Cancel(context.Background())
		assert.True(t, IsStatus(err, http.StatusBadRequest))
		assert.Equal(t, "x", tr.Active())
	})
}

func TestTracker_Watch(t *testing.T) {
	api := &fakeAPI{snaps: map[string][]Snapshot{
		"x": {
			{JobID: "x", Status: models.StatusPending},
			{JobID: "x", Status: models.StatusRunning, Progress: &models.Progress{Percentage: 50}},
			{JobID: "x", Status: models.StatusCancelled},
		},
	}}
	tr, _ := newTestTracker(api)
	tr.Track("x")

	var seen []models.JobStatus
	final, err := tr.Watch(context.Background(), time.Millisecond, func(v View) { seen = append(seen, v.Status) })
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, final.Status)
	assert.Equal(t, []models.JobStatus{models.StatusPending, models.StatusRunning, models.StatusCancelled}, seen)
}

func TestAPI(t *testing.T) {
	var getCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/dataset":
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "prime.db", body["name"])
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"jobId":"j1","status":"pending","message":"started"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/backtest":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"status":"error","error":"Unprocessable Entity","message":"strategy: unknown","timestamp":"2024-05-01T09:00:00Z","correlationId":"c1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/dataset/jobs/j1":
			if getCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"jobId":"j1","kind":"dataset_create","status":"running","createdAt":"2024-05-01T09:00:00Z","cancelRequested":false,"progress":{"stage":"fetching","current":1,"total":4,"percentage":25}}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/dataset/jobs/j1":
			_, _ = w.Write([]byte(`{"success":true,"message":"Cancellation requested"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"status":"error","error":"Not Found","message":"job nope not found","timestamp":"2024-05-01T09:00:00Z","correlationId":"c2"}`))
		}
	}))
	defer srv.Close()

	api := NewAPI(srv.URL+"/", "tok", time.Second)
	api.retry.InitialDelay = time.Millisecond
	ctx := context.Background()

	sub, err := api.Submit(ctx, "/dataset", map[string]any{"name": "prime.db", "preset": "primeMarket"})
	require.NoError(t, err)
	assert.Equal(t, "j1", sub.JobID)
	assert.Equal(t, models.StatusPending, sub.Status)

	_, err = api.Submit(ctx, "/backtest", map[string]any{"strategy": "x"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "Unprocessable Entity", apiErr.Category)
	assert.Equal(t, "c1", apiErr.CorrelationID)

	snap, err := api.GetJob(ctx, "dataset", "j1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), getCalls.Load(), "503 is retried")
	assert.Equal(t, models.StatusRunning, snap.Status)
	require.NotNil(t, snap.Progress)
	assert.Equal(t, 25.0, snap.Progress.Percentage)

	msg, err := api.Cancel(ctx, "dataset", "j1")
	require.NoError(t, err)
	assert.Equal(t, "Cancellation requested", msg)

	_, err = api.GetJob(ctx, "dataset", "nope")
	assert.True(t, IsStatus(err, http.StatusNotFound))
}
