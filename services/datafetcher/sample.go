package datafetcher

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/shopspring/decimal"

	"quantlab_backend/models"
)

// SampleSource generates deterministic synthetic data. It stands in for the
// market data API in development and tests.
type SampleSource struct {
	// Delay is slept before each fetch to mimic network latency.
	Delay time.Duration
}

func (s SampleSource) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func seed(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return float64(h.Sum32()%9000 + 1000)
}

// basePrice walks a pseudo-random path so the same symbol and day always
// produce the same bar, whatever range it is fetched in.
func basePrice(symbol string, day time.Time) float64 {
	base := seed(symbol)
	n := day.Unix() / 86400
	drift := float64(n%730) / 730.0 * 0.4
	wave := float64((n*7919)%200-100) / 1000.0
	return base * (1 + drift + wave)
}

func (s SampleSource) FetchQuotes(ctx context.Context, symbol string, r models.DateRange) ([]models.Quote, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	var out []models.Quote
	for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		change := (float64(d.Unix()%100) - 50) / 100.0
		open := basePrice(symbol, d)
		high := open * (1 + float64(d.Unix()%50)/1000.0)
		low := open * (1 - float64(d.Unix()%50)/1000.0)
		closePrice := open * (1 + change*0.01)
		out = append(out, models.Quote{
			Symbol: symbol,
			Date:   d,
			Open:   decimal.NewFromFloat(open).Round(2),
			High:   decimal.NewFromFloat(high).Round(2),
			Low:    decimal.NewFromFloat(low).Round(2),
			Close:  decimal.NewFromFloat(closePrice).Round(2),
			Volume: 1000000 + d.Unix()%5000000,
		})
	}
	return out, nil
}

func (s SampleSource) FetchStatements(ctx context.Context, symbol string, r models.DateRange) ([]models.Statement, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	base := decimal.NewFromFloat(seed(symbol) * 1e6)
	var out []models.Statement
	for y := r.Start.Year(); y <= r.End.Year(); y++ {
		for q, month := range []time.Month{time.March, time.June, time.September, time.December} {
			end := time.Date(y, month+1, 0, 0, 0, 0, 0, time.UTC)
			if !r.Contains(end) {
				continue
			}
			growth := decimal.NewFromFloat(1 + float64(y-2000)*0.03 + float64(q)*0.005)
			revenue := base.Mul(growth).Round(0)
			opInc := revenue.Mul(decimal.NewFromFloat(0.12)).Round(0)
			net := opInc.Mul(decimal.NewFromFloat(0.7)).Round(0)
			out = append(out, models.Statement{
				Symbol:          symbol,
				PeriodEnd:       end,
				FiscalPeriod:    []string{"Q1", "Q2", "Q3", "Q4"}[q],
				Revenue:         revenue,
				OperatingIncome: opInc,
				NetIncome:       net,
				EPS:             net.Div(decimal.NewFromInt(1e6)).Round(2),
				TotalAssets:     revenue.Mul(decimal.NewFromInt(3)),
				Equity:          revenue.Mul(decimal.NewFromFloat(1.4)).Round(0),
			})
		}
	}
	return out, nil
}

func (s SampleSource) FetchMargin(ctx context.Context, symbol string, r models.DateRange) ([]models.MarginBalance, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	var out []models.MarginBalance
	for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
		if d.Weekday() != time.Friday {
			continue
		}
		long := int64(basePrice(symbol, d) * 100)
		out = append(out, models.MarginBalance{
			Symbol:       symbol,
			Date:         d,
			LongBalance:  long,
			ShortBalance: long / (3 + d.Unix()%4),
		})
	}
	return out, nil
}
