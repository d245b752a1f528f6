package signals

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quantlab_backend/models"
	"quantlab_backend/services/jobs"
)

// SignalType represents the type of trading signal
type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
)

// Signal is one strategy decision on one trading day.
type Signal struct {
	Symbol   string          `json:"symbol"`
	Date     time.Time       `json:"date"`
	Type     SignalType      `json:"signal"`
	Price    decimal.Decimal `json:"price"`
	Strategy string          `json:"strategy"`
	Reason   string          `json:"reason,omitempty"`
}

// Params are numeric strategy parameters keyed by name.
type Params map[string]float64

func (p Params) Int(key string) int {
	return int(math.Round(p[key]))
}

func (p Params) Decimal(key string) decimal.Decimal {
	return decimal.NewFromFloat(p[key])
}

// Strategy generates signals from a symbol's quotes, oldest first.
type Strategy interface {
	Name() string
	Description() string
	Defaults() Params
	Generate(quotes []models.Quote, p Params) ([]Signal, error)
}

// StrategyInfo describes a registered strategy for listings.
type StrategyInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Defaults    Params `json:"defaults"`
}

// Registry holds the strategies available to backtests and attribution.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns a registry with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register(&SMACrossoverStrategy{})
	r.Register(&RSIStrategy{})
	r.Register(&MACDStrategy{})
	r.Register(&BreakoutStrategy{})
	return r
}

// Register adds or replaces a strategy.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Names returns the registered strategy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) List() []StrategyInfo {
	var out []StrategyInfo
	for _, name := range r.Names() {
		s, _ := r.Get(name)
		out = append(out, StrategyInfo{Name: name, Description: s.Description(), Defaults: s.Defaults()})
	}
	return out
}

// Resolve looks up a strategy and merges params over its defaults. Unknown
// strategies and parameter names are validation errors.
func (r *Registry) Resolve(name string, params Params) (Strategy, Params, error) {
	s, ok := r.Get(name)
	if !ok {
		return nil, nil, &jobs.ValidationError{Field: "strategy", Message: fmt.Sprintf("unknown strategy %q", name)}
	}
	merged := s.Defaults()
	for k, v := range params {
		if _, known := merged[k]; !known {
			return nil, nil, &jobs.ValidationError{Field: "params", Message: fmt.Sprintf("strategy %s has no parameter %q", name, k)}
		}
		merged[k] = v
	}
	return s, merged, nil
}

// Generate runs a strategy over one symbol's quotes and stamps the results.
func Generate(s Strategy, symbol string, quotes []models.Quote, p Params) ([]Signal, error) {
	signals, err := s.Generate(quotes, p)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", s.Name(), symbol, err)
	}
	for i := range signals {
		signals[i].Symbol = symbol
		signals[i].Strategy = s.Name()
	}
	return signals, nil
}

func closes(quotes []models.Quote) []decimal.Decimal {
	out := make([]decimal.Decimal, len(quotes))
	for i, q := range quotes {
		out[i] = q.Close
	}
	return out
}
