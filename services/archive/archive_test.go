package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"quantlab_backend/logger"
	"quantlab_backend/models"
)

type memoryRecorder struct {
	mu   sync.Mutex
	runs []models.JobRun
	err  error
}

func (m *memoryRecorder) Name() string { return "memory" }

func (m *memoryRecorder) Record(_ context.Context, run models.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *memoryRecorder) Recent(_ context.Context, limit int) ([]models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.runs) {
		limit = len(m.runs)
	}
	return append([]models.JobRun(nil), m.runs[:limit]...), nil
}

func (m *memoryRecorder) Ping(context.Context) error { return m.err }

func finishedJob(state models.State) models.Job {
	created := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	started := created.Add(time.Second)
	done := created.Add(time.Minute)
	return models.Job{
		ID:          "job-1",
		Kind:        models.KindDatasetCreate,
		Name:        "prime.db",
		Preset:      "primeMarket",
		State:       state,
		CreatedAt:   created,
		StartedAt:   &started,
		CompletedAt: &done,
	}
}

func TestFromJob(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		run := FromJob(finishedJob(models.Completed{Result: map[string]int{"rowsWritten": 42}}))
		assert.Equal(t, "job-1", run.JobID)
		assert.Equal(t, "dataset_create", run.Kind)
		assert.Equal(t, "completed", run.Status)
		assert.JSONEq(t, `{"rowsWritten":42}`, run.Result)
		assert.Empty(t, run.Error)
		require.NotNil(t, run.CompletedAt)
	})

	t.Run("failed", func(t *testing.T) {
		run := FromJob(finishedJob(models.Failed{Message: "upstream fetch quotes 7203: status 502", Reason: models.ReasonUpstream}))
		assert.Equal(t, "failed", run.Status)
		assert.Equal(t, "upstream fetch quotes 7203: status 502", run.Error)
		assert.Empty(t, run.Result)
	})
}

func TestArchiver_RecordsToEveryRecorder(t *testing.T) {
	a, b := &memoryRecorder{}, &memoryRecorder{}
	arch := NewArchiver(logger.NewNop(), a, b)

	arch.Finished(finishedJob(models.Cancelled{}))
	require.NoError(t, arch.Wait(context.Background()))

	assert.Len(t, a.runs, 1)
	assert.Len(t, b.runs, 1)
	assert.Equal(t, "cancelled", a.runs[0].Status)

	runs, err := arch.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestArchiver_FailuresAreLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	failing := &memoryRecorder{err: errors.New("connection refused")}
	healthy := &memoryRecorder{}
	arch := NewArchiver(logger.FromZap(zap.New(core)), failing, healthy)

	arch.Finished(finishedJob(models.Completed{}))
	require.NoError(t, arch.Wait(context.Background()))

	assert.Len(t, healthy.runs, 1)
	assert.Equal(t, 1, logs.FilterMessage("Failed to archive job").Len())
	assert.Error(t, arch.Ping(context.Background()))
}

func TestArchiver_Disabled(t *testing.T) {
	arch := NewArchiver(logger.NewNop())
	assert.False(t, arch.Enabled())

	arch.Finished(finishedJob(models.Completed{}))
	_, err := arch.Recent(context.Background(), 5)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.NoError(t, arch.Ping(context.Background()))
}
