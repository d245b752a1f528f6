package backtesting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantlab_backend/logger"
	"quantlab_backend/models"
	"quantlab_backend/services/dataset"
	"quantlab_backend/services/jobs"
	"quantlab_backend/services/signals"
)

func newTestService(t *testing.T) (*Service, *jobs.Store) {
	t.Helper()
	store := jobs.NewStore(logger.NewNop())
	runner := jobs.NewRunner(store, logger.NewNop(), 2)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})
	catalog, _ := sampleDataset(t)
	svc := NewService(store, runner, catalog, NewEngine(signals.NewRegistry(), logger.NewNop()),
		ServiceConfig{DefaultTimeout: time.Minute, MaxTimeout: time.Hour}, logger.NewNop())
	return svc, store
}

func waitTerminal(t *testing.T, store *jobs.Store, id string) models.Job {
	t.Helper()
	var job models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = store.Get(id)
		return err == nil && job.Status().IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func TestService_SubmitBacktestValidation(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name  string
		req   BacktestRequest
		field string
	}{
		{"bad dataset name", BacktestRequest{Dataset: "../x.db", Strategy: "rsi"}, "dataset"},
		{"missing dataset", BacktestRequest{Dataset: "other.db", Strategy: "rsi"}, "dataset"},
		{"no strategy", BacktestRequest{Dataset: "sample.db"}, "strategy"},
		{"unknown strategy", BacktestRequest{Dataset: "sample.db", Strategy: "nope"}, "strategy"},
		{"unknown param", BacktestRequest{Dataset: "sample.db", Strategy: "rsi", Params: signals.Params{"x": 1}}, "params"},
		{"half range", BacktestRequest{Dataset: "sample.db", Strategy: "rsi", StartDate: "2024-01-01"}, "startDate"},
		{"inverted range", BacktestRequest{Dataset: "sample.db", Strategy: "rsi", StartDate: "2024-03-01", EndDate: "2024-01-01"}, "startDate"},
		{"zero capital", BacktestRequest{Dataset: "sample.db", Strategy: "rsi", InitialCapital: floatPtr(0)}, "initialCapital"},
		{"commission too high", BacktestRequest{Dataset: "sample.db", Strategy: "rsi", Commission: floatPtr(1)}, "commission"},
		{"risk out of range", BacktestRequest{Dataset: "sample.db", Strategy: "rsi", RiskPerTrade: floatPtr(1.5)}, "riskPerTrade"},
		{"timeout too long", BacktestRequest{Dataset: "sample.db", Strategy: "rsi", TimeoutMinutes: intPtr(61)}, "timeoutMinutes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SubmitBacktest(tt.req)
			var ve *jobs.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestService_BacktestCompletes(t *testing.T) {
	svc, store := newTestService(t)

	job, err := svc.SubmitBacktest(BacktestRequest{
		Dataset:  "sample.db",
		Strategy: "breakout",
		Symbols:  []string{"7203"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.KindBacktestRun, job.Kind)
	assert.Equal(t, "sample.db", job.Name)

	done := waitTerminal(t, store, job.ID)
	require.Equal(t, models.StatusCompleted, done.Status())
	raw, ok := done.Result()
	require.True(t, ok)
	res, ok := raw.(*Result)
	require.True(t, ok)
	assert.Equal(t, "breakout", res.Strategy)
	assert.Equal(t, []string{"7203"}, res.Symbols)
}

func TestService_RunsDoNotLockTheDataset(t *testing.T) {
	svc, store := newTestService(t)
	req := BacktestRequest{Dataset: "sample.db", Strategy: "rsi"}

	first, err := svc.SubmitBacktest(req)
	require.NoError(t, err)
	second, err := svc.SubmitBacktest(req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	waitTerminal(t, store, first.ID)
	waitTerminal(t, store, second.ID)
}

func TestService_OptimizationCompletes(t *testing.T) {
	svc, store := newTestService(t)

	_, err := svc.SubmitOptimization(OptimizationRequest{
		BacktestRequest: BacktestRequest{Dataset: "sample.db", Strategy: "rsi"},
	})
	var ve *jobs.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "grid", ve.Field)

	job, err := svc.SubmitOptimization(OptimizationRequest{
		BacktestRequest: BacktestRequest{Dataset: "sample.db", Strategy: "rsi"},
		Grid:            Grid{"period": {7, 14}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.KindOptimizationRun, job.Kind)

	done := waitTerminal(t, store, job.ID)
	require.Equal(t, models.StatusCompleted, done.Status())
	raw, _ := done.Result()
	res, ok := raw.(*OptimizationResult)
	require.True(t, ok)
	assert.Equal(t, 2, res.Combinations)
}

func TestService_DatasetRemovedBeforeWorkStarts(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.catalog.Remove("sample.db"))

	work := svc.withDataset("sample.db", func(ctx context.Context, cp jobs.Checkpoint, _ *dataset.File) (any, error) {
		return nil, nil
	})
	_, err := work(context.Background(), &stubCheckpoint{})
	assert.ErrorIs(t, err, dataset.ErrNotFound)
	assert.False(t, svc.catalog.Exists("sample.db"), "reading a removed dataset recreated it")
}
