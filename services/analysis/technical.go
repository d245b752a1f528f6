package analysis

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInsufficientData is returned when a series is shorter than the period.
var ErrInsufficientData = errors.New("insufficient data")

// Series is an indicator aligned index-for-index with its input. Entries
// before the indicator has enough history are not Valid.
type Series []decimal.NullDecimal

// At returns the value at i and whether it is defined.
func (s Series) At(i int) (decimal.Decimal, bool) {
	if i < 0 || i >= len(s) || !s[i].Valid {
		return decimal.Zero, false
	}
	return s[i].Decimal, true
}

func checkPeriod(n, period int, name string) error {
	if period <= 0 {
		return fmt.Errorf("%s period must be positive, got %d", name, period)
	}
	if n < period {
		return fmt.Errorf("%s%d needs %d values, have %d: %w", name, period, period, n, ErrInsufficientData)
	}
	return nil
}

// SMA calculates the simple moving average of closes.
func SMA(closes []decimal.Decimal, period int) (Series, error) {
	if err := checkPeriod(len(closes), period, "SMA"); err != nil {
		return nil, err
	}
	out := make(Series, len(closes))
	p := decimal.NewFromInt(int64(period))
	sum := decimal.Zero
	for i, c := range closes {
		sum = sum.Add(c)
		if i >= period {
			sum = sum.Sub(closes[i-period])
		}
		if i >= period-1 {
			out[i] = decimal.NewNullDecimal(sum.Div(p))
		}
	}
	return out, nil
}

// EMA calculates the exponential moving average, seeded with the SMA of the
// first period values.
func EMA(closes []decimal.Decimal, period int) (Series, error) {
	if err := checkPeriod(len(closes), period, "EMA"); err != nil {
		return nil, err
	}
	out := make(Series, len(closes))
	multiplier := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period + 1)))

	seed := decimal.Zero
	for _, c := range closes[:period] {
		seed = seed.Add(c)
	}
	ema := seed.Div(decimal.NewFromInt(int64(period)))
	out[period-1] = decimal.NewNullDecimal(ema)
	for i := period; i < len(closes); i++ {
		ema = closes[i].Sub(ema).Mul(multiplier).Add(ema)
		out[i] = decimal.NewNullDecimal(ema)
	}
	return out, nil
}

// RSI calculates the relative strength index over a rolling window of price
// changes using simple averages of gains and losses.
func RSI(closes []decimal.Decimal, period int) (Series, error) {
	if period <= 0 {
		return nil, fmt.Errorf("RSI period must be positive, got %d", period)
	}
	if err := checkPeriod(len(closes), period+1, "RSI"); err != nil {
		return nil, err
	}
	out := make(Series, len(closes))
	hundred := decimal.NewFromInt(100)
	p := decimal.NewFromInt(int64(period))

	for i := period; i < len(closes); i++ {
		gains, losses := decimal.Zero, decimal.Zero
		for j := i - period + 1; j <= i; j++ {
			change := closes[j].Sub(closes[j-1])
			if change.IsPositive() {
				gains = gains.Add(change)
			} else {
				losses = losses.Add(change.Abs())
			}
		}
		avgGain := gains.Div(p)
		avgLoss := losses.Div(p)
		if avgLoss.IsZero() {
			out[i] = decimal.NewNullDecimal(hundred)
			continue
		}
		rs := avgGain.Div(avgLoss)
		out[i] = decimal.NewNullDecimal(hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs))))
	}
	return out, nil
}

// MACDResult holds the three MACD lines.
type MACDResult struct {
	MACD      Series
	Signal    Series
	Histogram Series
}

// MACD calculates the fast/slow EMA difference, its signal EMA and the
// histogram between them.
func MACD(closes []decimal.Decimal, fast, slow, signal int) (*MACDResult, error) {
	if fast >= slow {
		return nil, fmt.Errorf("MACD fast period %d must be below slow period %d", fast, slow)
	}
	if err := checkPeriod(len(closes), slow+signal-1, "MACD"); err != nil {
		return nil, err
	}
	emaFast, err := EMA(closes, fast)
	if err != nil {
		return nil, err
	}
	emaSlow, err := EMA(closes, slow)
	if err != nil {
		return nil, err
	}

	res := &MACDResult{
		MACD:      make(Series, len(closes)),
		Signal:    make(Series, len(closes)),
		Histogram: make(Series, len(closes)),
	}
	start := slow - 1
	line := make([]decimal.Decimal, 0, len(closes)-start)
	for i := start; i < len(closes); i++ {
		v := emaFast[i].Decimal.Sub(emaSlow[i].Decimal)
		res.MACD[i] = decimal.NewNullDecimal(v)
		line = append(line, v)
	}

	sig, err := EMA(line, signal)
	if err != nil {
		return nil, err
	}
	for k, s := range sig {
		if !s.Valid {
			continue
		}
		i := start + k
		res.Signal[i] = s
		res.Histogram[i] = decimal.NewNullDecimal(res.MACD[i].Decimal.Sub(s.Decimal))
	}
	return res, nil
}

// Highest returns the highest value of the period values before each index,
// excluding the index itself.
func Highest(values []decimal.Decimal, period int) (Series, error) {
	if err := checkPeriod(len(values), period+1, "Highest"); err != nil {
		return nil, err
	}
	out := make(Series, len(values))
	for i := period; i < len(values); i++ {
		hi := values[i-period]
		for _, v := range values[i-period+1 : i] {
			if v.GreaterThan(hi) {
				hi = v
			}
		}
		out[i] = decimal.NewNullDecimal(hi)
	}
	return out, nil
}

// Lowest is the counterpart of Highest.
func Lowest(values []decimal.Decimal, period int) (Series, error) {
	if err := checkPeriod(len(values), period+1, "Lowest"); err != nil {
		return nil, err
	}
	out := make(Series, len(values))
	for i := period; i < len(values); i++ {
		lo := values[i-period]
		for _, v := range values[i-period+1 : i] {
			if v.LessThan(lo) {
				lo = v
			}
		}
		out[i] = decimal.NewNullDecimal(lo)
	}
	return out, nil
}
