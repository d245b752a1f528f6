package dataset

import (
	"context"
	"fmt"
	"time"

	"quantlab_backend/logger"
	"quantlab_backend/models"
	"quantlab_backend/services/datafetcher"
	"quantlab_backend/services/jobs"
	"quantlab_backend/services/resume"
)

// Mode selects between building from scratch and filling gaps.
type Mode int

const (
	ModeCreate Mode = iota
	ModeResume
)

// DefaultSegmentDays caps how much one fetch call asks for.
const DefaultSegmentDays = 366

// BuildResult is the payload of a completed dataset job.
type BuildResult struct {
	Name            string   `json:"name"`
	Preset          string   `json:"preset"`
	Path            string   `json:"path"`
	TotalStocks     int      `json:"totalStocks"`
	ProcessedStocks int      `json:"processedStocks"`
	GapsPlanned     int      `json:"gapsPlanned"`
	GapsFilled      int      `json:"gapsFilled"`
	RowsWritten     int      `json:"rowsWritten"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Builder turns a preset into dataset rows by fetching the planned gaps.
type Builder struct {
	catalog     *Catalog
	source      datafetcher.Source
	log         logger.Logger
	segmentDays int
	now         func() time.Time
}

func NewBuilder(catalog *Catalog, source datafetcher.Source, log logger.Logger, segmentDays int) *Builder {
	if segmentDays <= 0 {
		segmentDays = DefaultSegmentDays
	}
	return &Builder{catalog: catalog, source: source, log: log, segmentDays: segmentDays, now: time.Now}
}

// Work returns the job body for building or resuming name from preset.
func (b *Builder) Work(mode Mode, name string, preset models.Preset, overwrite bool) jobs.Work {
	return func(ctx context.Context, cp jobs.Checkpoint) (any, error) {
		return b.build(ctx, cp, mode, name, preset, overwrite)
	}
}

func (b *Builder) build(ctx context.Context, cp jobs.Checkpoint, mode Mode, name string, preset models.Preset, overwrite bool) (*BuildResult, error) {
	log := b.log.With(logger.String("dataset", name), logger.String("preset", preset.Name))
	cp.ReportProgress("preparing", 0, 0, "opening dataset")

	switch mode {
	case ModeCreate:
		if b.catalog.Exists(name) {
			if !overwrite {
				return nil, &jobs.ConflictError{ResourceKey: ResourceKey(name), Reason: fmt.Sprintf("dataset %s already exists, use overwrite to rebuild it", name)}
			}
			if err := b.catalog.Remove(name); err != nil {
				return nil, err
			}
		}
	case ModeResume:
		if !b.catalog.Exists(name) {
			return nil, fmt.Errorf("dataset %s: %w", name, ErrNotFound)
		}
	}

	f, err := Open(b.catalog.Path(name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stamp := b.now().UTC().Format(time.RFC3339)
	if mode == ModeCreate {
		if err := f.SetMeta(ctx, MetaCreatedAt, stamp); err != nil {
			return nil, err
		}
	}
	if err := f.SetMeta(ctx, MetaPreset, preset.Name); err != nil {
		return nil, err
	}
	if err := f.SetMeta(ctx, MetaRange, preset.Range.String()); err != nil {
		return nil, err
	}

	coverage := models.Coverage{}
	if mode == ModeResume {
		if coverage, err = f.Coverage(ctx); err != nil {
			return nil, err
		}
	}
	gaps := resume.Plan(preset, coverage)
	log.Info("Dataset plan ready", logger.Int("gaps", len(gaps)), logger.Int("symbols", len(preset.Symbols)))

	result := &BuildResult{
		Name:        name,
		Preset:      preset.Name,
		Path:        f.Path(),
		TotalStocks: len(preset.Symbols),
		GapsPlanned: len(gaps),
	}
	incomplete := make(map[string]bool)
	for _, g := range gaps {
		incomplete[g.Symbol] = true
	}

	if len(gaps) == 0 {
		cp.ReportProgress("fetching", 0, 0, "dataset already up to date")
	}
	for i, gap := range gaps {
		if cp.IsCancelled() {
			return nil, jobs.ErrCancelled
		}
		rows, empty, err := b.fillGap(ctx, cp, f, gap)
		result.RowsWritten += rows
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if empty {
			result.Warnings = append(result.Warnings, fmt.Sprintf("no %s returned for %s in %s", gap.Category, gap.Symbol, gap.Range))
		}
		result.GapsFilled++
		if !hasLaterGap(gaps[i+1:], gap.Symbol) {
			delete(incomplete, gap.Symbol)
		}
		cp.ReportProgress("fetching", i+1, len(gaps), fmt.Sprintf("%s %s %s", gap.Symbol, gap.Category, gap.Range))
		if cp.IsCancelled() {
			return nil, jobs.ErrCancelled
		}
	}
	result.ProcessedStocks = result.TotalStocks - len(incomplete)

	cp.ReportProgress("finalizing", len(gaps), len(gaps), "")
	if err := f.SetMeta(ctx, MetaUpdatedAt, b.now().UTC().Format(time.RFC3339)); err != nil {
		return nil, err
	}
	log.Info("Dataset build finished", logger.Int("rows", result.RowsWritten), logger.Int("gaps_filled", result.GapsFilled))
	return result, nil
}

// fillGap fetches one gap segment by segment. Each segment is committed with
// its fetch_log row, so an interrupted gap keeps what it already wrote.
func (b *Builder) fillGap(ctx context.Context, cp jobs.Checkpoint, f *File, gap models.Gap) (int, bool, error) {
	rows := 0
	for _, seg := range resume.Split(gap.Range, b.segmentDays) {
		n, err := b.fetchSegment(ctx, f, gap.Symbol, gap.Category, seg)
		if err != nil {
			return rows, false, err
		}
		rows += n
		if cp.IsCancelled() {
			return rows, false, jobs.ErrCancelled
		}
	}
	return rows, rows == 0, nil
}

func (b *Builder) fetchSegment(ctx context.Context, f *File, symbol string, cat models.Category, r models.DateRange) (int, error) {
	op := fmt.Sprintf("%s %s %s", cat, symbol, r)
	upstream := func(err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &jobs.UpstreamFetchError{Op: op, Err: err}
	}

	switch cat {
	case models.CategoryQuotes:
		quotes, err := b.source.FetchQuotes(ctx, symbol, r)
		if err != nil {
			return 0, upstream(err)
		}
		return len(quotes), f.WriteQuotes(ctx, symbol, r, quotes)
	case models.CategoryStatements:
		stmts, err := b.source.FetchStatements(ctx, symbol, r)
		if err != nil {
			return 0, upstream(err)
		}
		return len(stmts), f.WriteStatements(ctx, symbol, r, stmts)
	case models.CategoryMargin:
		balances, err := b.source.FetchMargin(ctx, symbol, r)
		if err != nil {
			return 0, upstream(err)
		}
		return len(balances), f.WriteMargin(ctx, symbol, r, balances)
	}
	return 0, fmt.Errorf("unknown category %q", cat)
}

func hasLaterGap(rest []models.Gap, symbol string) bool {
	for _, g := range rest {
		if g.Symbol == symbol {
			return true
		}
	}
	return false
}
