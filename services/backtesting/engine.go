package backtesting

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"quantlab_backend/logger"
	"quantlab_backend/models"
	"quantlab_backend/services/dataset"
	"quantlab_backend/services/jobs"
	"quantlab_backend/services/signals"
)

// Config holds one backtest's settings.
type Config struct {
	Dataset        string
	Strategy       string
	Params         signals.Params
	Symbols        []string
	Range          *models.DateRange
	InitialCapital decimal.Decimal
	Commission     decimal.Decimal // Commission rate (e.g., 0.15% = 0.0015)
	RiskPerTrade   decimal.Decimal // Share of cash committed per entry
}

// Position represents an open position
type Position struct {
	Symbol       string
	Quantity     int64
	EntryPrice   decimal.Decimal
	EntryDate    time.Time
	CurrentPrice decimal.Decimal
}

// Trade is one executed order.
type Trade struct {
	Symbol     string             `json:"symbol"`
	Type       signals.SignalType `json:"type"`
	Date       string             `json:"date"`
	Quantity   int64              `json:"quantity"`
	Price      decimal.Decimal    `json:"price"`
	Commission decimal.Decimal    `json:"commission"`
	PnL        decimal.Decimal    `json:"pnl"`
	Reason     string             `json:"reason,omitempty"`
}

type EquityPoint struct {
	Date   string          `json:"date"`
	Equity decimal.Decimal `json:"equity"`
}

// Result is the payload of a completed backtest.
type Result struct {
	Dataset        string          `json:"dataset"`
	Strategy       string          `json:"strategy"`
	Params         signals.Params  `json:"params"`
	Symbols        []string        `json:"symbols"`
	StartDate      string          `json:"startDate,omitempty"`
	EndDate        string          `json:"endDate,omitempty"`
	InitialCapital decimal.Decimal `json:"initialCapital"`
	FinalCapital   decimal.Decimal `json:"finalCapital"`
	TotalReturn    decimal.Decimal `json:"totalReturn"`
	AnnualReturn   decimal.Decimal `json:"annualReturn"`
	MaxDrawdown    decimal.Decimal `json:"maxDrawdown"`
	TotalTrades    int             `json:"totalTrades"`
	WinningTrades  int             `json:"winningTrades"`
	LosingTrades   int             `json:"losingTrades"`
	WinRate        decimal.Decimal `json:"winRate"`
	AvgWin         decimal.Decimal `json:"avgWin"`
	AvgLoss        decimal.Decimal `json:"avgLoss"`
	ProfitFactor   decimal.Decimal `json:"profitFactor"`
	SharpeRatio    decimal.Decimal `json:"sharpeRatio"`
	Trades         []Trade         `json:"trades,omitempty"`
	EquityCurve    []EquityPoint   `json:"equityCurve,omitempty"`
}

// state holds the running account during a simulation.
type state struct {
	cash         decimal.Decimal
	equity       decimal.Decimal
	positions    map[string]*Position
	trades       []Trade
	closedTrades []Trade
	curve        []EquityPoint
	maxEquity    decimal.Decimal
	maxDrawdown  decimal.Decimal
}

// Engine runs strategies over dataset quotes.
type Engine struct {
	registry *signals.Registry
	log      logger.Logger
}

func NewEngine(registry *signals.Registry, log logger.Logger) *Engine {
	return &Engine{registry: registry, log: log}
}

func (e *Engine) Registry() *signals.Registry { return e.registry }

// loadQuotes reads every symbol's quotes, reporting one step per symbol.
// Steps are counted from offset out of total.
func loadQuotes(ctx context.Context, cp jobs.Checkpoint, f *dataset.File, symbols []string, r *models.DateRange, stage string, offset, total int) (map[string][]models.Quote, error) {
	out := make(map[string][]models.Quote, len(symbols))
	for i, symbol := range symbols {
		if cp.IsCancelled() {
			return nil, jobs.ErrCancelled
		}
		quotes, err := f.Quotes(ctx, symbol, r)
		if err != nil {
			return nil, fmt.Errorf("failed to load quotes for %s: %w", symbol, err)
		}
		out[symbol] = quotes
		cp.ReportProgress(stage, offset+i+1, total, symbol)
	}
	return out, nil
}

func resolveSymbols(ctx context.Context, f *dataset.File, requested []string) ([]string, error) {
	if len(requested) > 0 {
		return requested, nil
	}
	symbols, err := f.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("dataset has no quotes")
	}
	return symbols, nil
}

// Backtest loads the dataset's quotes and simulates one strategy over them.
func (e *Engine) Backtest(ctx context.Context, cp jobs.Checkpoint, f *dataset.File, cfg Config) (*Result, error) {
	strategy, params, err := e.registry.Resolve(cfg.Strategy, cfg.Params)
	if err != nil {
		return nil, err
	}
	symbols, err := resolveSymbols(ctx, f, cfg.Symbols)
	if err != nil {
		return nil, err
	}
	total := len(symbols) + 1
	quotes, err := loadQuotes(ctx, cp, f, symbols, cfg.Range, "loading", 0, total)
	if err != nil {
		return nil, err
	}

	if cp.IsCancelled() {
		return nil, jobs.ErrCancelled
	}
	cfg.Symbols = symbols
	result, err := Simulate(strategy, params, quotes, cfg)
	if err != nil {
		return nil, err
	}
	cp.ReportProgress("simulating", total, total, fmt.Sprintf("%d trades", result.TotalTrades))
	e.log.Info("Backtest finished",
		logger.String("dataset", cfg.Dataset),
		logger.String("strategy", strategy.Name()),
		logger.Int("trades", result.TotalTrades),
		logger.String("total_return", result.TotalReturn.StringFixed(4)))
	return result, nil
}

// Simulate replays the strategy's signals day by day across all symbols,
// sharing one cash balance.
func Simulate(strategy signals.Strategy, params signals.Params, quotes map[string][]models.Quote, cfg Config) (*Result, error) {
	if !cfg.InitialCapital.IsPositive() {
		return nil, fmt.Errorf("initial capital must be positive")
	}
	symbols := make([]string, 0, len(quotes))
	for s := range quotes {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	type dayKey struct {
		symbol string
		date   string
	}
	bars := make(map[dayKey]models.Quote)
	decisions := make(map[dayKey]signals.Signal)
	dateSet := make(map[string]time.Time)
	for _, symbol := range symbols {
		generated, err := signals.Generate(strategy, symbol, quotes[symbol], params)
		if err != nil {
			return nil, err
		}
		for _, q := range quotes[symbol] {
			d := q.Date.Format(models.DateLayout)
			bars[dayKey{symbol, d}] = q
			dateSet[d] = q.Date
		}
		for _, sig := range generated {
			decisions[dayKey{symbol, sig.Date.Format(models.DateLayout)}] = sig
		}
	}
	dates := make([]string, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	st := &state{
		cash:      cfg.InitialCapital,
		equity:    cfg.InitialCapital,
		positions: make(map[string]*Position),
		maxEquity: cfg.InitialCapital,
	}

	for _, d := range dates {
		for _, symbol := range symbols {
			bar, ok := bars[dayKey{symbol, d}]
			if !ok {
				continue
			}
			bar.Symbol = symbol
			if pos, exists := st.positions[symbol]; exists {
				pos.CurrentPrice = bar.Close
			}
			sig, ok := decisions[dayKey{symbol, d}]
			if !ok {
				continue
			}
			switch sig.Type {
			case signals.SignalBuy:
				if _, holding := st.positions[symbol]; !holding && st.cash.IsPositive() {
					executeBuy(st, bar, sig.Reason, cfg)
				}
			case signals.SignalSell:
				if _, holding := st.positions[symbol]; holding {
					executeSell(st, bar, sig.Reason, cfg)
				}
			}
		}
		markToMarket(st, d)
	}

	// Close all remaining positions at their last price
	for _, symbol := range symbols {
		if _, holding := st.positions[symbol]; !holding {
			continue
		}
		series := quotes[symbol]
		last := series[len(series)-1]
		last.Symbol = symbol
		executeSell(st, last, "end of backtest", cfg)
	}
	if len(dates) > 0 {
		st.curve = st.curve[:len(st.curve)-1]
		markToMarket(st, dates[len(dates)-1])
	}

	result := &Result{
		Dataset:        cfg.Dataset,
		Strategy:       strategy.Name(),
		Params:         params,
		Symbols:        symbols,
		InitialCapital: cfg.InitialCapital,
		Trades:         st.trades,
		EquityCurve:    st.curve,
	}
	if len(dates) > 0 {
		result.StartDate, result.EndDate = dates[0], dates[len(dates)-1]
	}
	calculateMetrics(result, st, dateSet)
	return result, nil
}

func markToMarket(st *state, date string) {
	total := st.cash
	for _, pos := range st.positions {
		total = total.Add(pos.CurrentPrice.Mul(decimal.NewFromInt(pos.Quantity)))
	}
	st.equity = total
	st.curve = append(st.curve, EquityPoint{Date: date, Equity: total})

	if total.GreaterThan(st.maxEquity) {
		st.maxEquity = total
	}
	if st.maxEquity.IsPositive() {
		drawdown := st.maxEquity.Sub(total).Div(st.maxEquity)
		if drawdown.GreaterThan(st.maxDrawdown) {
			st.maxDrawdown = drawdown
		}
	}
}

func executeBuy(st *state, bar models.Quote, reason string, cfg Config) {
	positionSize := st.cash.Mul(cfg.RiskPerTrade)
	if !bar.Close.IsPositive() {
		return
	}
	quantity := positionSize.Div(bar.Close).IntPart()
	if quantity <= 0 {
		return
	}

	totalCost := bar.Close.Mul(decimal.NewFromInt(quantity))
	commission := totalCost.Mul(cfg.Commission)
	totalAmount := totalCost.Add(commission)
	if totalAmount.GreaterThan(st.cash) {
		return
	}

	st.positions[bar.Symbol] = &Position{
		Symbol:       bar.Symbol,
		Quantity:     quantity,
		EntryPrice:   bar.Close,
		EntryDate:    bar.Date,
		CurrentPrice: bar.Close,
	}
	st.cash = st.cash.Sub(totalAmount)
	st.trades = append(st.trades, Trade{
		Symbol:     bar.Symbol,
		Type:       signals.SignalBuy,
		Date:       bar.Date.Format(models.DateLayout),
		Quantity:   quantity,
		Price:      bar.Close,
		Commission: commission,
		Reason:     reason,
	})
}

func executeSell(st *state, bar models.Quote, reason string, cfg Config) {
	pos, exists := st.positions[bar.Symbol]
	if !exists {
		return
	}

	totalRevenue := bar.Close.Mul(decimal.NewFromInt(pos.Quantity))
	commission := totalRevenue.Mul(cfg.Commission)
	netRevenue := totalRevenue.Sub(commission)
	pnl := netRevenue.Sub(pos.EntryPrice.Mul(decimal.NewFromInt(pos.Quantity)))

	st.cash = st.cash.Add(netRevenue)
	delete(st.positions, bar.Symbol)

	trade := Trade{
		Symbol:     bar.Symbol,
		Type:       signals.SignalSell,
		Date:       bar.Date.Format(models.DateLayout),
		Quantity:   pos.Quantity,
		Price:      bar.Close,
		Commission: commission,
		PnL:        pnl,
		Reason:     reason,
	}
	st.trades = append(st.trades, trade)
	st.closedTrades = append(st.closedTrades, trade)
}

func calculateMetrics(r *Result, st *state, dates map[string]time.Time) {
	r.FinalCapital = st.equity
	totalReturn := st.equity.Sub(r.InitialCapital).Div(r.InitialCapital)
	r.TotalReturn = totalReturn
	r.MaxDrawdown = st.maxDrawdown

	if r.StartDate != "" {
		days := dates[r.EndDate].Sub(dates[r.StartDate]).Hours() / 24
		if years := days / 365.0; years > 0 && totalReturn.GreaterThan(decimal.NewFromInt(-1)) {
			r.AnnualReturn = decimal.NewFromFloat(math.Pow(1+totalReturn.InexactFloat64(), 1/years) - 1).Round(6)
		}
	}

	r.TotalTrades = len(st.closedTrades)
	totalWin := decimal.Zero
	totalLoss := decimal.Zero
	for _, trade := range st.closedTrades {
		if trade.PnL.IsPositive() {
			r.WinningTrades++
			totalWin = totalWin.Add(trade.PnL)
		} else {
			r.LosingTrades++
			totalLoss = totalLoss.Add(trade.PnL.Abs())
		}
	}

	if r.TotalTrades > 0 {
		r.WinRate = decimal.NewFromInt(int64(r.WinningTrades)).Div(decimal.NewFromInt(int64(r.TotalTrades)))
	}
	if r.WinningTrades > 0 {
		r.AvgWin = totalWin.Div(decimal.NewFromInt(int64(r.WinningTrades)))
	}
	if r.LosingTrades > 0 {
		r.AvgLoss = totalLoss.Div(decimal.NewFromInt(int64(r.LosingTrades)))
	}
	if totalLoss.IsPositive() {
		r.ProfitFactor = totalWin.Div(totalLoss)
	}

	// Return over drawdown; there is no risk-free rate to work with.
	r.SharpeRatio = totalReturn.Div(st.maxDrawdown.Add(decimal.NewFromFloat(0.01)))
}
