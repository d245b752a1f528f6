package analytics

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"quantlab_backend/logger"
	"quantlab_backend/models"
	"quantlab_backend/services/dataset"
	"quantlab_backend/services/jobs"
	"quantlab_backend/services/signals"
)

// Event is one signal with the return realised over the horizon after it.
// ForwardReturn is not Valid when the dataset ends before the horizon.
type Event struct {
	Symbol        string              `json:"symbol"`
	Strategy      string              `json:"strategy"`
	Signal        signals.SignalType  `json:"signal"`
	Date          string              `json:"date"`
	Price         decimal.Decimal     `json:"price"`
	ForwardReturn decimal.NullDecimal `json:"forwardReturn"`
}

// StrategyAttribution summarises one strategy's signals.
type StrategyAttribution struct {
	Strategy          string          `json:"strategy"`
	Signals           int             `json:"signals"`
	Buys              int             `json:"buys"`
	Sells             int             `json:"sells"`
	Evaluated         int             `json:"evaluated"`
	Hits              int             `json:"hits"`
	HitRate           decimal.Decimal `json:"hitRate"`
	MeanForwardReturn decimal.Decimal `json:"meanForwardReturn"`
}

// Result is the payload of a completed signal_attribution job.
type Result struct {
	Dataset     string                `json:"dataset"`
	HorizonDays int                   `json:"horizonDays"`
	Symbols     []string              `json:"symbols"`
	Source      string                `json:"source"`
	Strategies  []StrategyAttribution `json:"strategies"`
}

// Config holds one attribution run's settings.
type Config struct {
	Dataset     string
	Strategies  []string
	Symbols     []string
	Range       *models.DateRange
	HorizonDays int
}

// Attributor generates signals over a dataset and attributes forward
// returns, remotely when a client is configured.
type Attributor struct {
	registry *signals.Registry
	remote   *Client
	log      logger.Logger
}

func NewAttributor(registry *signals.Registry, remote *Client, log logger.Logger) *Attributor {
	return &Attributor{registry: registry, remote: remote, log: log}
}

func (a *Attributor) Run(ctx context.Context, cp jobs.Checkpoint, f *dataset.File, cfg Config) (*Result, error) {
	strategies := make([]signals.Strategy, 0, len(cfg.Strategies))
	params := make(map[string]signals.Params, len(cfg.Strategies))
	for _, name := range cfg.Strategies {
		s, p, err := a.registry.Resolve(name, nil)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, s)
		params[name] = p
	}

	symbols := cfg.Symbols
	if len(symbols) == 0 {
		var err error
		if symbols, err = f.Symbols(ctx); err != nil {
			return nil, err
		}
	}
	total := len(symbols) + 1

	var events []Event
	for i, symbol := range symbols {
		if cp.IsCancelled() {
			return nil, jobs.ErrCancelled
		}
		quotes, err := f.Quotes(ctx, symbol, cfg.Range)
		if err != nil {
			return nil, fmt.Errorf("failed to load quotes for %s: %w", symbol, err)
		}
		for _, s := range strategies {
			generated, err := signals.Generate(s, symbol, quotes, params[s.Name()])
			if err != nil {
				return nil, err
			}
			events = append(events, forwardReturns(generated, quotes, cfg.HorizonDays)...)
		}
		cp.ReportProgress("signals", i+1, total, symbol)
	}

	if cp.IsCancelled() {
		return nil, jobs.ErrCancelled
	}
	result := &Result{
		Dataset:     cfg.Dataset,
		HorizonDays: cfg.HorizonDays,
		Symbols:     symbols,
	}
	if a.remote != nil {
		summary, err := a.remote.Attribute(ctx, cfg.HorizonDays, events)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &jobs.UpstreamFetchError{Op: "attribution", Err: err}
		}
		result.Source = "remote"
		result.Strategies = summary
	} else {
		result.Source = "local"
		result.Strategies = Summarize(cfg.Strategies, events)
	}
	cp.ReportProgress("attributing", total, total, fmt.Sprintf("%d events", len(events)))
	a.log.Info("Attribution finished",
		logger.String("dataset", cfg.Dataset),
		logger.String("source", result.Source),
		logger.Int("events", len(events)))
	return result, nil
}

// forwardReturns pairs each signal with the close horizon bars later.
// Sell signals count as hits when the price falls, so their return is
// reported with the sign flipped.
func forwardReturns(generated []signals.Signal, quotes []models.Quote, horizon int) []Event {
	index := make(map[string]int, len(quotes))
	for i, q := range quotes {
		index[q.Date.Format(models.DateLayout)] = i
	}
	out := make([]Event, 0, len(generated))
	for _, sig := range generated {
		date := sig.Date.Format(models.DateLayout)
		ev := Event{Symbol: sig.Symbol, Strategy: sig.Strategy, Signal: sig.Type, Date: date, Price: sig.Price}
		if i, ok := index[date]; ok && i+horizon < len(quotes) && sig.Price.IsPositive() {
			ret := quotes[i+horizon].Close.Sub(sig.Price).Div(sig.Price)
			if sig.Type == signals.SignalSell {
				ret = ret.Neg()
			}
			ev.ForwardReturn = decimal.NewNullDecimal(ret)
		}
		out = append(out, ev)
	}
	return out
}

// Summarize computes per-strategy counts, hit rate and mean forward return,
// in the order strategies were requested.
func Summarize(strategies []string, events []Event) []StrategyAttribution {
	byName := make(map[string]*StrategyAttribution, len(strategies))
	sums := make(map[string]decimal.Decimal, len(strategies))
	for _, name := range strategies {
		byName[name] = &StrategyAttribution{Strategy: name}
	}
	for _, ev := range events {
		s, ok := byName[ev.Strategy]
		if !ok {
			continue
		}
		s.Signals++
		if ev.Signal == signals.SignalBuy {
			s.Buys++
		} else {
			s.Sells++
		}
		if !ev.ForwardReturn.Valid {
			continue
		}
		s.Evaluated++
		if ev.ForwardReturn.Decimal.IsPositive() {
			s.Hits++
		}
		sums[ev.Strategy] = sums[ev.Strategy].Add(ev.ForwardReturn.Decimal)
	}

	out := make([]StrategyAttribution, 0, len(strategies))
	for _, name := range strategies {
		s := byName[name]
		if s.Evaluated > 0 {
			n := decimal.NewFromInt(int64(s.Evaluated))
			s.HitRate = decimal.NewFromInt(int64(s.Hits)).Div(n).Round(4)
			s.MeanForwardReturn = sums[name].Div(n).Round(6)
		}
		out = append(out, *s)
	}
	return out
}

