package backtesting

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"quantlab_backend/logger"
	"quantlab_backend/services/dataset"
	"quantlab_backend/services/jobs"
	"quantlab_backend/services/signals"
)

// MaxCombinations bounds the size of a parameter grid.
const MaxCombinations = 1000

// Grid maps a parameter name to the values to sweep.
type Grid map[string][]float64

// Trial is one grid point's outcome.
type Trial struct {
	Rank         int             `json:"rank"`
	Params       signals.Params  `json:"params"`
	FinalCapital decimal.Decimal `json:"finalCapital"`
	TotalReturn  decimal.Decimal `json:"totalReturn"`
	MaxDrawdown  decimal.Decimal `json:"maxDrawdown"`
	TotalTrades  int             `json:"totalTrades"`
	WinRate      decimal.Decimal `json:"winRate"`
	ProfitFactor decimal.Decimal `json:"profitFactor"`
	Error        string          `json:"error,omitempty"`
}

// OptimizationResult ranks every grid point by total return, best first.
type OptimizationResult struct {
	Dataset      string   `json:"dataset"`
	Strategy     string   `json:"strategy"`
	Symbols      []string `json:"symbols"`
	Combinations int      `json:"combinations"`
	Best         *Trial   `json:"best,omitempty"`
	Trials       []Trial  `json:"trials"`
}

// Expand returns every combination of grid values merged over base, in a
// stable order (keys sorted, last key varying fastest).
func (g Grid) Expand(base signals.Params) []signals.Params {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos := []signals.Params{clone(base)}
	for _, k := range keys {
		var next []signals.Params
		for _, c := range combos {
			for _, v := range g[k] {
				p := clone(c)
				p[k] = v
				next = append(next, p)
			}
		}
		combos = next
	}
	return combos
}

// Size is the number of combinations Expand would produce.
func (g Grid) Size() int {
	n := 1
	for _, values := range g {
		n *= len(values)
		if n > MaxCombinations {
			return n
		}
	}
	return n
}

func clone(p signals.Params) signals.Params {
	out := make(signals.Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ValidateGrid checks that every swept parameter exists for the strategy and
// that the grid is non-empty and bounded.
func ValidateGrid(registry *signals.Registry, strategy string, grid Grid) error {
	s, ok := registry.Get(strategy)
	if !ok {
		return &jobs.ValidationError{Field: "strategy", Message: fmt.Sprintf("unknown strategy %q", strategy)}
	}
	if len(grid) == 0 {
		return &jobs.ValidationError{Field: "grid", Message: "at least one parameter must be swept"}
	}
	defaults := s.Defaults()
	for k, values := range grid {
		if _, known := defaults[k]; !known {
			return &jobs.ValidationError{Field: "grid", Message: fmt.Sprintf("strategy %s has no parameter %q", strategy, k)}
		}
		if len(values) == 0 {
			return &jobs.ValidationError{Field: "grid", Message: fmt.Sprintf("parameter %q has no values", k)}
		}
	}
	if grid.Size() > MaxCombinations {
		return &jobs.ValidationError{Field: "grid", Message: fmt.Sprintf("grid has more than %d combinations", MaxCombinations)}
	}
	return nil
}

// Optimize runs one simulation per grid point over quotes loaded once.
// Combinations whose parameters are rejected by the strategy are kept in the
// result with their error and ranked last.
func (e *Engine) Optimize(ctx context.Context, cp jobs.Checkpoint, f *dataset.File, cfg Config, grid Grid) (*OptimizationResult, error) {
	if err := ValidateGrid(e.registry, cfg.Strategy, grid); err != nil {
		return nil, err
	}
	strategy, base, err := e.registry.Resolve(cfg.Strategy, cfg.Params)
	if err != nil {
		return nil, err
	}
	symbols, err := resolveSymbols(ctx, f, cfg.Symbols)
	if err != nil {
		return nil, err
	}
	combos := grid.Expand(base)
	total := len(symbols) + len(combos)

	quotes, err := loadQuotes(ctx, cp, f, symbols, cfg.Range, "loading", 0, total)
	if err != nil {
		return nil, err
	}

	trials := make([]Trial, 0, len(combos))
	for i, params := range combos {
		if cp.IsCancelled() {
			return nil, jobs.ErrCancelled
		}
		trial := Trial{Params: params}
		res, err := Simulate(strategy, params, quotes, cfg)
		if err != nil {
			trial.Error = err.Error()
		} else {
			trial.FinalCapital = res.FinalCapital
			trial.TotalReturn = res.TotalReturn
			trial.MaxDrawdown = res.MaxDrawdown
			trial.TotalTrades = res.TotalTrades
			trial.WinRate = res.WinRate
			trial.ProfitFactor = res.ProfitFactor
		}
		trials = append(trials, trial)
		cp.ReportProgress("optimizing", len(symbols)+i+1, total, fmt.Sprintf("combination %d of %d", i+1, len(combos)))
	}

	sort.SliceStable(trials, func(i, j int) bool {
		if (trials[i].Error == "") != (trials[j].Error == "") {
			return trials[i].Error == ""
		}
		return trials[i].TotalReturn.GreaterThan(trials[j].TotalReturn)
	})
	for i := range trials {
		trials[i].Rank = i + 1
	}

	result := &OptimizationResult{
		Dataset:      cfg.Dataset,
		Strategy:     strategy.Name(),
		Symbols:      symbols,
		Combinations: len(combos),
		Trials:       trials,
	}
	if len(trials) > 0 && trials[0].Error == "" {
		best := trials[0]
		result.Best = &best
	}
	e.log.Info("Optimization finished",
		logger.String("dataset", cfg.Dataset),
		logger.String("strategy", strategy.Name()),
		logger.Int("combinations", len(combos)))
	return result, nil
}
