package jobs

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantlab_backend/models"
)

func TestMetrics_ObserveLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := newTestStore()
	s.Observe(m)

	a := admitDataset(t, s, "a.db")
	_, err := s.Admit(AdmitRequest{Kind: models.KindDatasetCreate, ResourceKey: "a.db"})
	require.Error(t, err)
	b := admitDataset(t, s, "b.db")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submitted.WithLabelValues("dataset_create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues("dataset_create", "conflict")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.active.WithLabelValues("dataset_create")))

	require.NoError(t, s.ReportProgress(a.ID, models.NewProgress("fetch", 1, 1, "")))
	_, err = s.Complete(a.ID, nil)
	require.NoError(t, err)
	_, err = s.Fail(b.ID, errors.New("x"))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("dataset_create", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("dataset_create", "failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.active.WithLabelValues("dataset_create")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}
