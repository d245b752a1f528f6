package dataset

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantlab_backend/logger"
	"quantlab_backend/models"
	"quantlab_backend/services/datafetcher"
	"quantlab_backend/services/jobs"
)

type fetchCall struct {
	Symbol   string
	Category models.Category
	Range    models.DateRange
}

// recordingSource wraps SampleSource and records every call.
type recordingSource struct {
	mu     sync.Mutex
	calls  []fetchCall
	failOn string
	inner  datafetcher.SampleSource
}

func (s *recordingSource) record(symbol string, cat models.Category, r models.DateRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fetchCall{symbol, cat, r})
	if symbol == s.failOn {
		return &datafetcher.StatusError{Code: 502}
	}
	return nil
}

func (s *recordingSource) Calls() []fetchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fetchCall(nil), s.calls...)
}

func (s *recordingSource) FetchQuotes(ctx context.Context, symbol string, r models.DateRange) ([]models.Quote, error) {
	if err := s.record(symbol, models.CategoryQuotes, r); err != nil {
		return nil, err
	}
	return s.inner.FetchQuotes(ctx, symbol, r)
}

func (s *recordingSource) FetchStatements(ctx context.Context, symbol string, r models.DateRange) ([]models.Statement, error) {
	if err := s.record(symbol, models.CategoryStatements, r); err != nil {
		return nil, err
	}
	return s.inner.FetchStatements(ctx, symbol, r)
}

func (s *recordingSource) FetchMargin(ctx context.Context, symbol string, r models.DateRange) ([]models.MarginBalance, error) {
	if err := s.record(symbol, models.CategoryMargin, r); err != nil {
		return nil, err
	}
	return s.inner.FetchMargin(ctx, symbol, r)
}

// stubCheckpoint records progress and reports cancellation after a number
// of progress reports.
type stubCheckpoint struct {
	reports     []models.Progress
	cancelAfter int
}

func (c *stubCheckpoint) ReportProgress(stage string, current, total int, message string) {
	c.reports = append(c.reports, models.NewProgress(stage, current, total, message))
}

func (c *stubCheckpoint) IsCancelled() bool {
	return c.cancelAfter > 0 && len(c.reports) >= c.cancelAfter
}

func dr(t *testing.T, start, end string) models.DateRange {
	t.Helper()
	r, err := models.ParseDateRange(start, end)
	require.NoError(t, err)
	return r
}

func testPreset(t *testing.T) models.Preset {
	return models.Preset{
		Name:       "mini",
		Symbols:    []string{"7203", "6758"},
		Range:      dr(t, "2024-01-01", "2024-12-31"),
		Categories: []models.Category{models.CategoryQuotes},
	}
}

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(t.TempDir())
	require.NoError(t, err)
	return c
}

func TestFile_WriteAndCoverage(t *testing.T) {
	c := newTestCatalog(t)
	f, err := Open(c.Path("a.db"))
	require.NoError(t, err)
	defer f.Close()
	ctx := context.Background()

	quotes := []models.Quote{{
		Symbol: "7203", Date: time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC),
		Open: decimal.RequireFromString("2500.5"), High: decimal.RequireFromString("2550"),
		Low: decimal.RequireFromString("2490"), Close: decimal.RequireFromString("2530.25"), Volume: 1200,
	}}
	require.NoError(t, f.WriteQuotes(ctx, "7203", dr(t, "2024-01-01", "2024-01-07"), quotes))
	require.NoError(t, f.WriteMargin(ctx, "7203", dr(t, "2024-01-01", "2024-01-07"), nil))

	cov, err := f.Coverage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.DateRange{dr(t, "2024-01-01", "2024-01-07")}, cov[models.CategoryQuotes]["7203"])
	assert.Equal(t, []models.DateRange{dr(t, "2024-01-01", "2024-01-07")}, cov[models.CategoryMargin]["7203"])

	got, err := f.Quotes(ctx, "7203", nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Close.Equal(decimal.RequireFromString("2530.25")))

	counts, err := f.RowCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.CategoryQuotes])
	assert.Equal(t, int64(0), counts[models.CategoryMargin])
}

func TestFile_Meta(t *testing.T) {
	c := newTestCatalog(t)
	f, err := Open(c.Path("a.db"))
	require.NoError(t, err)
	defer f.Close()
	ctx := context.Background()

	_, ok, err := f.Meta(ctx, MetaPreset)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.SetMeta(ctx, MetaPreset, "primeMarket"))
	require.NoError(t, f.SetMeta(ctx, MetaPreset, "quickTest"))
	v, ok, err := f.Meta(ctx, MetaPreset)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "quickTest", v)
}

func TestOpenReadOnly(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.OpenReadOnly("ghost.db")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, c.Exists("ghost.db"), "a read must not create the file")

	_, err = c.Info(ctx, "ghost.db")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, c.Exists("ghost.db"))

	w, err := Open(c.Path("a.db"))
	require.NoError(t, err)
	require.NoError(t, w.SetMeta(ctx, MetaPreset, "quickTest"))
	require.NoError(t, w.WriteQuotes(ctx, "7203", dr(t, "2024-01-01", "2024-01-07"), nil))

	// Readers work while the writer still has the file open.
	r, err := c.OpenReadOnly("a.db")
	require.NoError(t, err)
	defer r.Close()

	v, ok, err := r.Meta(ctx, MetaPreset)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "quickTest", v)
	cov, err := r.Coverage(ctx)
	require.NoError(t, err)
	assert.Len(t, cov[models.CategoryQuotes]["7203"], 1)

	assert.Error(t, r.SetMeta(ctx, MetaPreset, "other"), "read-only handle accepted a write")
	require.NoError(t, w.Close())

	info, err := c.Info(ctx, "a.db")
	require.NoError(t, err)
	assert.Equal(t, "quickTest", info.Preset)
}

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"prime.db", "prime_2024-v2.db"} {
		assert.NoError(t, ValidateName(ok), ok)
	}
	for _, bad := range []string{"", "prime", "../etc.db", "a b.db", "prime.sqlite"} {
		var ve *jobs.ValidationError
		assert.ErrorAs(t, ValidateName(bad), &ve, bad)
	}
}

func TestPresets(t *testing.T) {
	p := DefaultPresets()
	prime, ok := p.Get("primeMarket")
	require.True(t, ok)
	assert.Equal(t, []string{"7203", "6758", "9984", "8306", "6861"}, prime.Symbols)
	assert.Equal(t, models.AllCategories, prime.Categories)
	assert.Len(t, p.List(), 3)

	_, err := ParsePresets([]byte("presets:\n  - name: bad\n    symbols: [\"1\"]\n    startDate: \"2024-02-01\"\n    endDate: \"2024-01-01\"\n"))
	assert.Error(t, err)
	_, err = ParsePresets([]byte("presets:\n  - name: bad\n    symbols: [\"1\"]\n    startDate: \"2024-01-01\"\n    endDate: \"2024-02-01\"\n    categories: [options]\n"))
	assert.Error(t, err)
}

func TestBuilder_CreateFetchesEverything(t *testing.T) {
	c := newTestCatalog(t)
	src := &recordingSource{}
	b := NewBuilder(c, src, logger.NewNop(), 0)
	cp := &stubCheckpoint{}

	res, err := b.build(context.Background(), cp, ModeCreate, "mini.db", testPreset(t), false)
	require.NoError(t, err)

	assert.Equal(t, 2, res.GapsPlanned)
	assert.Equal(t, 2, res.GapsFilled)
	assert.Equal(t, 2, res.ProcessedStocks)
	assert.Greater(t, res.RowsWritten, 400)
	assert.Len(t, src.Calls(), 2)

	last := cp.reports[len(cp.reports)-1]
	assert.Equal(t, "finalizing", last.Stage)
	assert.Equal(t, 100.0, last.Percentage)
	for i := 1; i < len(cp.reports); i++ {
		assert.GreaterOrEqual(t, cp.reports[i].Percentage, cp.reports[i-1].Percentage)
	}

	info, err := c.Info(context.Background(), "mini.db")
	require.NoError(t, err)
	assert.Equal(t, "mini", info.Preset)
	assert.Equal(t, 2, info.Symbols)
	assert.NotNil(t, info.CreatedAt)
}

func TestBuilder_ResumeFetchesOnlyGaps(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	f, err := Open(c.Path("prime.db"))
	require.NoError(t, err)
	seed := datafetcher.SampleSource{}
	quotes, err := seed.FetchQuotes(ctx, "7203", dr(t, "2020-01-01", "2023-12-31"))
	require.NoError(t, err)
	require.NoError(t, f.WriteQuotes(ctx, "7203", dr(t, "2020-01-01", "2023-12-31"), quotes))
	full, err := seed.FetchQuotes(ctx, "6758", dr(t, "2020-01-01", "2024-12-31"))
	require.NoError(t, err)
	require.NoError(t, f.WriteQuotes(ctx, "6758", dr(t, "2020-01-01", "2024-12-31"), full))
	require.NoError(t, f.Close())

	src := &recordingSource{}
	b := NewBuilder(c, src, logger.NewNop(), 0)
	preset := testPreset(t)
	preset.Range = dr(t, "2020-01-01", "2024-12-31")

	res, err := b.build(ctx, &stubCheckpoint{}, ModeResume, "prime.db", preset, false)
	require.NoError(t, err)

	assert.Equal(t, 1, res.GapsPlanned)
	require.Equal(t, []fetchCall{{"7203", models.CategoryQuotes, dr(t, "2024-01-01", "2024-12-31")}}, src.Calls())

	// nothing left to do afterwards
	src2 := &recordingSource{}
	res, err = NewBuilder(c, src2, logger.NewNop(), 0).build(ctx, &stubCheckpoint{}, ModeResume, "prime.db", preset, false)
	require.NoError(t, err)
	assert.Zero(t, res.GapsPlanned)
	assert.Empty(t, src2.Calls())
}

func TestBuilder_SplitsLongGapsIntoSegments(t *testing.T) {
	c := newTestCatalog(t)
	src := &recordingSource{}
	b := NewBuilder(c, src, logger.NewNop(), 100)
	preset := testPreset(t)
	preset.Symbols = []string{"7203"}

	res, err := b.build(context.Background(), &stubCheckpoint{}, ModeCreate, "seg.db", preset, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.GapsPlanned)
	assert.Len(t, src.Calls(), 4)
}

func TestBuilder_CancelKeepsCommittedBatches(t *testing.T) {
	c := newTestCatalog(t)
	src := &recordingSource{}
	b := NewBuilder(c, src, logger.NewNop(), 0)
	// "preparing" then one "fetching" report, then cancelled
	cp := &stubCheckpoint{cancelAfter: 2}

	_, err := b.build(context.Background(), cp, ModeCreate, "mini.db", testPreset(t), false)
	require.ErrorIs(t, err, jobs.ErrCancelled)
	assert.Len(t, src.Calls(), 1)

	f, err := Open(c.Path("mini.db"))
	require.NoError(t, err)
	defer f.Close()
	cov, err := f.Coverage(context.Background())
	require.NoError(t, err)
	assert.Len(t, cov[models.CategoryQuotes], 1)

	// a resume picks up the remaining symbol only
	src2 := &recordingSource{}
	res, err := NewBuilder(c, src2, logger.NewNop(), 0).build(context.Background(), &stubCheckpoint{}, ModeResume, "mini.db", testPreset(t), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.GapsPlanned)
	assert.Equal(t, "6758", src2.Calls()[0].Symbol)
}

func TestBuilder_UpstreamFailure(t *testing.T) {
	c := newTestCatalog(t)
	src := &recordingSource{failOn: "6758"}
	b := NewBuilder(c, src, logger.NewNop(), 0)

	_, err := b.build(context.Background(), &stubCheckpoint{}, ModeCreate, "mini.db", testPreset(t), false)

	var ue *jobs.UpstreamFetchError
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, ue.Op, "6758")
}

func TestBuilder_CreateRespectsOverwrite(t *testing.T) {
	c := newTestCatalog(t)
	b := NewBuilder(c, &recordingSource{}, logger.NewNop(), 0)
	ctx := context.Background()
	_, err := b.build(ctx, &stubCheckpoint{}, ModeCreate, "mini.db", testPreset(t), false)
	require.NoError(t, err)

	_, err = b.build(ctx, &stubCheckpoint{}, ModeCreate, "mini.db", testPreset(t), false)
	var ce *jobs.ConflictError
	require.ErrorAs(t, err, &ce)

	src := &recordingSource{}
	_, err = NewBuilder(c, src, logger.NewNop(), 0).build(ctx, &stubCheckpoint{}, ModeCreate, "mini.db", testPreset(t), true)
	require.NoError(t, err)
	assert.Len(t, src.Calls(), 2)
}

func TestBuilder_ResumeMissingDataset(t *testing.T) {
	c := newTestCatalog(t)
	b := NewBuilder(c, &recordingSource{}, logger.NewNop(), 0)
	_, err := b.build(context.Background(), &stubCheckpoint{}, ModeResume, "ghost.db", testPreset(t), false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func newTestService(t *testing.T, src datafetcher.Source) (*Service, *jobs.Store) {
	t.Helper()
	store := jobs.NewStore(logger.NewNop())
	runner := jobs.NewRunner(store, logger.NewNop(), 2)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})
	c := newTestCatalog(t)
	presets, err := ParsePresets([]byte(`
presets:
  - name: mini
    symbols: ["7203", "6758"]
    startDate: "2024-01-01"
    endDate: "2024-03-31"
    categories: [quotes, margin]
`))
	require.NoError(t, err)
	svc := NewService(store, runner, c, presets, NewBuilder(c, src, logger.NewNop(), 0),
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

func TestService_SubmitValidation(t *testing.T) {
	svc, _ := newTestService(t, &recordingSource{})
	zero := 0

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"bad name", SubmitRequest{Name: "nope", Preset: "mini"}},
		{"unknown preset", SubmitRequest{Name: "a.db", Preset: "everything"}},
		{"zero timeout", SubmitRequest{Name: "a.db", Preset: "mini", TimeoutMinutes: &zero}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SubmitCreate(tt.req)
			var ve *jobs.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestService_CreateThenResume(t *testing.T) {
	svc, store := newTestService(t, &recordingSource{})

	job, err := svc.SubmitCreate(SubmitRequest{Name: "mini.db", Preset: "mini"})
	require.NoError(t, err)
	assert.Equal(t, models.KindDatasetCreate, job.Kind)

	done := waitTerminal(t, store, job.ID)
	require.Equal(t, models.StatusCompleted, done.Status())
	result, _ := done.Result()
	build := result.(*BuildResult)
	assert.Equal(t, 4, build.GapsPlanned)

	_, err = svc.SubmitCreate(SubmitRequest{Name: "mini.db", Preset: "mini"})
	var ce *jobs.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Error(), "already exists")

	resumed, err := svc.SubmitResume(SubmitRequest{Name: "mini.db", Preset: "mini"})
	require.NoError(t, err)
	done = waitTerminal(t, store, resumed.ID)
	result, _ = done.Result()
	assert.Zero(t, result.(*BuildResult).GapsPlanned)
}

func TestService_ResumeMissingDataset(t *testing.T) {
	svc, _ := newTestService(t, &recordingSource{})
	_, err := svc.SubmitResume(SubmitRequest{Name: "ghost.db", Preset: "mini"})
	var ce *jobs.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Error(), "does not exist")
}

// blockingSource blocks every fetch until released.
type blockingSource struct {
	datafetcher.SampleSource
	release chan struct{}
}

func (s *blockingSource) FetchQuotes(ctx context.Context, symbol string, r models.DateRange) ([]models.Quote, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.SampleSource.FetchQuotes(ctx, symbol, r)
}

func TestService_LockedDatasetConflicts(t *testing.T) {
	src := &blockingSource{release: make(chan struct{})}
	svc, store := newTestService(t, src)

	job, err := svc.SubmitCreate(SubmitRequest{Name: "busy.db", Preset: "mini"})
	require.NoError(t, err)

	_, err = svc.SubmitCreate(SubmitRequest{Name: "busy.db", Preset: "mini", Overwrite: true})
	var ce *jobs.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, job.ID, ce.HolderID)
	assert.Equal(t, fmt.Sprintf("dataset busy.db is already being processed by job %s", job.ID), ce.Error())

	_, err = svc.SubmitResume(SubmitRequest{Name: "busy.db", Preset: "mini"})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, job.ID, ce.HolderID)

	admitted, err := svc.ResumeAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, admitted)

	close(src.release)
	done := waitTerminal(t, store, job.ID)
	assert.Equal(t, models.StatusCompleted, done.Status())

	admitted, err = svc.ResumeAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, admitted, 1)
}

func TestService_UpstreamFailureFailsJob(t *testing.T) {
	svc, store := newTestService(t, &recordingSource{failOn: "7203"})
	job, err := svc.SubmitCreate(SubmitRequest{Name: "bad.db", Preset: "mini"})
	require.NoError(t, err)

	done := waitTerminal(t, store, job.ID)
	require.Equal(t, models.StatusFailed, done.Status())
	msg, _ := done.Err()
	assert.Contains(t, msg, "upstream fetch")
	assert.Equal(t, models.ReasonUpstream, done.State.(models.Failed).Reason)
}
