package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"quantlab_backend/logger"
	"quantlab_backend/middleware"
	"quantlab_backend/models"
	"quantlab_backend/services/jobs"
)

type fakeResumer struct {
	calls int
	jobs  []models.Job
	err   error
}

func (f *fakeResumer) ResumeAll(context.Context) ([]models.Job, error) {
	f.calls++
	return f.jobs, f.err
}

func newClockStore(now *time.Time) *jobs.Store {
	return jobs.NewStore(logger.NewNop(), jobs.WithClock(func() time.Time { return *now }))
}

func TestSweepOverdue(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	store := newClockStore(&now)

	overdue, err := store.Admit(jobs.AdmitRequest{Kind: models.KindDatasetCreate, ResourceKey: "dataset:a.db", Timeout: time.Minute})
	require.NoError(t, err)
	fresh, err := store.Admit(jobs.AdmitRequest{Kind: models.KindBacktestRun, Timeout: time.Hour})
	require.NoError(t, err)

	s := NewScheduler(store, nil, nil, Config{}, logger.NewNop())
	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	s.sweepOverdue()

	job, err := store.Get(overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status())
	msg, _ := job.Err()
	assert.Contains(t, msg, "timeout")
	_, held := store.Holder("dataset:a.db")
	assert.False(t, held)

	job, err = store.Get(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status())
}

func TestPruneFinished(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	store := newClockStore(&now)

	old, err := store.Admit(jobs.AdmitRequest{Kind: models.KindBacktestRun})
	require.NoError(t, err)
	_, err = store.Fail(old.ID, errors.New("upstream closed"))
	require.NoError(t, err)
	running, err := store.Admit(jobs.AdmitRequest{Kind: models.KindBacktestRun})
	require.NoError(t, err)

	now = now.Add(3 * time.Hour)
	s := NewScheduler(store, nil, nil, Config{Retention: 2 * time.Hour}, logger.NewNop())
	s.pruneFinished()

	_, err = store.Get(old.ID)
	var nf *jobs.NotFoundError
	assert.ErrorAs(t, err, &nf)
	_, err = store.Get(running.ID)
	assert.NoError(t, err)
}

func TestAutoResume(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	log := logger.FromZap(zap.New(core))

	t.Run("submitted", func(t *testing.T) {
		r := &fakeResumer{jobs: []models.Job{{ID: "j1"}, {ID: "j2"}}}
		s := NewScheduler(jobs.NewStore(log), r, nil, Config{AutoResumeAt: "02:00"}, log)
		s.autoResume()
		assert.Equal(t, 1, r.calls)
		entries := logs.FilterMessage("Nightly resume submitted").All()
		require.Len(t, entries, 1)
		assert.Equal(t, int64(2), entries[0].ContextMap()["count"])
	})

	t.Run("failure is logged", func(t *testing.T) {
		r := &fakeResumer{err: errors.New("data dir unreadable")}
		s := NewScheduler(jobs.NewStore(log), r, nil, Config{AutoResumeAt: "02:00"}, log)
		s.autoResume()
		assert.Equal(t, 1, logs.FilterMessage("Nightly resume failed").Len())
	})
}

func TestStartRegistersTasks(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		resumer Resumer
		limiter *middleware.RateLimiter
		want    int
	}{
		{"sweep only", Config{SweepInterval: time.Hour}, nil, nil, 1},
		{"with retention", Config{SweepInterval: time.Hour, Retention: time.Hour}, nil, nil, 2},
		{"resume without resumer", Config{SweepInterval: time.Hour, AutoResumeAt: "02:00"}, nil, nil, 1},
		{"everything", Config{SweepInterval: time.Hour, Retention: time.Hour, AutoResumeAt: "02:00"}, &fakeResumer{}, middleware.NewRateLimiter(10), 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(jobs.NewStore(logger.NewNop()), tt.resumer, tt.limiter, tt.cfg, logger.NewNop())
			require.NoError(t, s.Start())
			defer s.Stop()
			assert.Equal(t, tt.want, s.cron.Len())
		})
	}
}

func TestStartRejectsBadResumeTime(t *testing.T) {
	s := NewScheduler(jobs.NewStore(logger.NewNop()), &fakeResumer{}, nil,
		Config{SweepInterval: time.Hour, AutoResumeAt: "25:99"}, logger.NewNop())
	assert.Error(t, s.Start())
}
