package signals

import (
	"errors"
	"fmt"

	"quantlab_backend/models"
	"quantlab_backend/services/analysis"
	"quantlab_backend/services/jobs"
)

// Too little history yields no signals rather than an error, so short
// symbols do not fail a whole run.
func tolerate(err error) error {
	if errors.Is(err, analysis.ErrInsufficientData) {
		return nil
	}
	return err
}

func invalidParams(name, msg string) error {
	return &jobs.ValidationError{Field: "params", Message: fmt.Sprintf("%s: %s", name, msg)}
}

// =============================================================================
// SMA CROSSOVER
// =============================================================================

type SMACrossoverStrategy struct{}

func (s *SMACrossoverStrategy) Name() string { return "sma_crossover" }
func (s *SMACrossoverStrategy) Description() string {
	return "Buy when the short SMA crosses above the long SMA, sell on the reverse cross"
}
func (s *SMACrossoverStrategy) Defaults() Params {
	return Params{"short_period": 20, "long_period": 50}
}

func (s *SMACrossoverStrategy) Generate(quotes []models.Quote, p Params) ([]Signal, error) {
	short, long := p.Int("short_period"), p.Int("long_period")
	if short <= 0 || short >= long {
		return nil, invalidParams(s.Name(), "short_period must be positive and below long_period")
	}
	c := closes(quotes)
	smaShort, err := analysis.SMA(c, short)
	if err != nil {
		return nil, tolerate(err)
	}
	smaLong, err := analysis.SMA(c, long)
	if err != nil {
		return nil, tolerate(err)
	}

	var out []Signal
	for i := 1; i < len(quotes); i++ {
		prevShort, ok1 := smaShort.At(i - 1)
		prevLong, ok2 := smaLong.At(i - 1)
		curShort, ok3 := smaShort.At(i)
		curLong, ok4 := smaLong.At(i)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			continue
		}
		switch {
		case prevShort.LessThanOrEqual(prevLong) && curShort.GreaterThan(curLong):
			out = append(out, Signal{Date: quotes[i].Date, Type: SignalBuy, Price: quotes[i].Close, Reason: "bullish SMA crossover"})
		case prevShort.GreaterThanOrEqual(prevLong) && curShort.LessThan(curLong):
			out = append(out, Signal{Date: quotes[i].Date, Type: SignalSell, Price: quotes[i].Close, Reason: "bearish SMA crossover"})
		}
	}
	return out, nil
}

// =============================================================================
// RSI
// =============================================================================

type RSIStrategy struct{}

func (s *RSIStrategy) Name() string { return "rsi" }
func (s *RSIStrategy) Description() string {
	return "Buy when RSI drops into oversold territory, sell when it rises into overbought"
}
func (s *RSIStrategy) Defaults() Params {
	return Params{"period": 14, "oversold": 30, "overbought": 70}
}

func (s *RSIStrategy) Generate(quotes []models.Quote, p Params) ([]Signal, error) {
	period := p.Int("period")
	oversold, overbought := p.Decimal("oversold"), p.Decimal("overbought")
	if period <= 0 || !oversold.LessThan(overbought) {
		return nil, invalidParams(s.Name(), "period must be positive and oversold below overbought")
	}
	rsi, err := analysis.RSI(closes(quotes), period)
	if err != nil {
		return nil, tolerate(err)
	}

	var out []Signal
	for i := 1; i < len(quotes); i++ {
		prev, ok1 := rsi.At(i - 1)
		cur, ok2 := rsi.At(i)
		if !ok1 || !ok2 {
			continue
		}
		switch {
		case prev.GreaterThanOrEqual(oversold) && cur.LessThan(oversold):
			out = append(out, Signal{Date: quotes[i].Date, Type: SignalBuy, Price: quotes[i].Close, Reason: "RSI " + cur.StringFixed(1) + " oversold"})
		case prev.LessThanOrEqual(overbought) && cur.GreaterThan(overbought):
			out = append(out, Signal{Date: quotes[i].Date, Type: SignalSell, Price: quotes[i].Close, Reason: "RSI " + cur.StringFixed(1) + " overbought"})
		}
	}
	return out, nil
}

// =============================================================================
// MACD
// =============================================================================

type MACDStrategy struct{}

func (s *MACDStrategy) Name() string { return "macd" }
func (s *MACDStrategy) Description() string {
	return "Trade MACD signal line crosses (histogram sign changes)"
}
func (s *MACDStrategy) Defaults() Params {
	return Params{"fast_period": 12, "slow_period": 26, "signal_period": 9}
}

func (s *MACDStrategy) Generate(quotes []models.Quote, p Params) ([]Signal, error) {
	fast, slow, sig := p.Int("fast_period"), p.Int("slow_period"), p.Int("signal_period")
	if fast <= 0 || fast >= slow || sig <= 0 {
		return nil, invalidParams(s.Name(), "periods must be positive with fast_period below slow_period")
	}
	macd, err := analysis.MACD(closes(quotes), fast, slow, sig)
	if err != nil {
		return nil, tolerate(err)
	}

	var out []Signal
	for i := 1; i < len(quotes); i++ {
		prev, ok1 := macd.Histogram.At(i - 1)
		cur, ok2 := macd.Histogram.At(i)
		if !ok1 || !ok2 {
			continue
		}
		switch {
		case !prev.IsPositive() && cur.IsPositive():
			out = append(out, Signal{Date: quotes[i].Date, Type: SignalBuy, Price: quotes[i].Close, Reason: "MACD crossed above signal"})
		case !prev.IsNegative() && cur.IsNegative():
			out = append(out, Signal{Date: quotes[i].Date, Type: SignalSell, Price: quotes[i].Close, Reason: "MACD crossed below signal"})
		}
	}
	return out, nil
}

// =============================================================================
// BREAKOUT
// Close above the prior lookback high, exit below the prior lookback low
// =============================================================================

type BreakoutStrategy struct{}

func (s *BreakoutStrategy) Name() string { return "breakout" }
func (s *BreakoutStrategy) Description() string {
	return "Buy closes above the prior lookback high, sell closes below the prior lookback low"
}
func (s *BreakoutStrategy) Defaults() Params {
	return Params{"lookback": 20}
}

func (s *BreakoutStrategy) Generate(quotes []models.Quote, p Params) ([]Signal, error) {
	lookback := p.Int("lookback")
	if lookback <= 0 {
		return nil, invalidParams(s.Name(), "lookback must be positive")
	}
	c := closes(quotes)
	high, err := analysis.Highest(c, lookback)
	if err != nil {
		return nil, tolerate(err)
	}
	low, err := analysis.Lowest(c, lookback)
	if err != nil {
		return nil, tolerate(err)
	}

	var out []Signal
	for i, q := range quotes {
		h, ok1 := high.At(i)
		l, ok2 := low.At(i)
		if !ok1 || !ok2 {
			continue
		}
		switch {
		case q.Close.GreaterThan(h):
			out = append(out, Signal{Date: q.Date, Type: SignalBuy, Price: q.Close, Reason: fmt.Sprintf("close above %d-day high", lookback)})
		case q.Close.LessThan(l):
			out = append(out, Signal{Date: q.Date, Type: SignalSell, Price: q.Close, Reason: fmt.Sprintf("close below %d-day low", lookback)})
		}
	}
	return out, nil
}
