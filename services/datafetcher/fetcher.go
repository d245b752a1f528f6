package datafetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"quantlab_backend/logger"
	"quantlab_backend/models"
)

// Source fetches one category of market data for one symbol and range.
type Source interface {
	FetchQuotes(ctx context.Context, symbol string, r models.DateRange) ([]models.Quote, error)
	FetchStatements(ctx context.Context, symbol string, r models.DateRange) ([]models.Statement, error)
	FetchMargin(ctx context.Context, symbol string, r models.DateRange) ([]models.MarginBalance, error)
}

// HTTPConfig configures the market data API client.
type HTTPConfig struct {
	BaseURL        string
	APIKey         string
	RequestsPerSec float64
	Timeout        time.Duration
	Retry          RetryConfig
}

// HTTPSource reads market data from a JSON API.
type HTTPSource struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      RetryConfig
	log        logger.Logger
}

func NewHTTPSource(cfg HTTPConfig, log logger.Logger) *HTTPSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	burst := int(cfg.RequestsPerSec)
	if burst < 1 {
		burst = 1
	}
	return &HTTPSource{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst),
		retry:      cfg.Retry,
		log:        log,
	}
}

type quoteResponse struct {
	Data []struct {
		Date   string          `json:"date"`
		Open   decimal.Decimal `json:"open"`
		High   decimal.Decimal `json:"high"`
		Low    decimal.Decimal `json:"low"`
		Close  decimal.Decimal `json:"close"`
		Volume int64           `json:"volume"`
	} `json:"data"`
}

type statementResponse struct {
	Data []struct {
		PeriodEnd       string          `json:"periodEnd"`
		FiscalPeriod    string          `json:"fiscalPeriod"`
		Revenue         decimal.Decimal `json:"revenue"`
		OperatingIncome decimal.Decimal `json:"operatingIncome"`
		NetIncome       decimal.Decimal `json:"netIncome"`
		EPS             decimal.Decimal `json:"eps"`
		TotalAssets     decimal.Decimal `json:"totalAssets"`
		Equity          decimal.Decimal `json:"equity"`
	} `json:"data"`
}

type marginResponse struct {
	Data []struct {
		Date         string `json:"date"`
		LongBalance  int64  `json:"longBalance"`
		ShortBalance int64  `json:"shortBalance"`
	} `json:"data"`
}

// FetchQuotes fetches daily bars.
func (s *HTTPSource) FetchQuotes(ctx context.Context, symbol string, r models.DateRange) ([]models.Quote, error) {
	var resp quoteResponse
	if err := s.get(ctx, "/v1/quotes", symbol, r, &resp); err != nil {
		return nil, err
	}
	out := make([]models.Quote, 0, len(resp.Data))
	for _, d := range resp.Data {
		date, err := time.Parse(models.DateLayout, d.Date)
		if err != nil {
			return nil, fmt.Errorf("quote date %q: %w", d.Date, err)
		}
		out = append(out, models.Quote{
			Symbol: symbol, Date: date,
			Open: d.Open, High: d.High, Low: d.Low, Close: d.Close, Volume: d.Volume,
		})
	}
	return out, nil
}

// FetchStatements fetches statements whose period ends inside r.
func (s *HTTPSource) FetchStatements(ctx context.Context, symbol string, r models.DateRange) ([]models.Statement, error) {
	var resp statementResponse
	if err := s.get(ctx, "/v1/statements", symbol, r, &resp); err != nil {
		return nil, err
	}
	out := make([]models.Statement, 0, len(resp.Data))
	for _, d := range resp.Data {
		end, err := time.Parse(models.DateLayout, d.PeriodEnd)
		if err != nil {
			return nil, fmt.Errorf("statement period %q: %w", d.PeriodEnd, err)
		}
		out = append(out, models.Statement{
			Symbol: symbol, PeriodEnd: end, FiscalPeriod: d.FiscalPeriod,
			Revenue: d.Revenue, OperatingIncome: d.OperatingIncome, NetIncome: d.NetIncome,
			EPS: d.EPS, TotalAssets: d.TotalAssets, Equity: d.Equity,
		})
	}
	return out, nil
}

// FetchMargin fetches weekly margin balances.
func (s *HTTPSource) FetchMargin(ctx context.Context, symbol string, r models.DateRange) ([]models.MarginBalance, error) {
	var resp marginResponse
	if err := s.get(ctx, "/v1/margin", symbol, r, &resp); err != nil {
		return nil, err
	}
	out := make([]models.MarginBalance, 0, len(resp.Data))
	for _, d := range resp.Data {
		date, err := time.Parse(models.DateLayout, d.Date)
		if err != nil {
			return nil, fmt.Errorf("margin date %q: %w", d.Date, err)
		}
		out = append(out, models.MarginBalance{Symbol: symbol, Date: date, LongBalance: d.LongBalance, ShortBalance: d.ShortBalance})
	}
	return out, nil
}

func (s *HTTPSource) get(ctx context.Context, path, symbol string, r models.DateRange, out any) error {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("from", r.Start.Format(models.DateLayout))
	q.Set("to", r.End.Format(models.DateLayout))
	endpoint := s.baseURL + path + "?" + q.Encode()

	attempt := 0
	return Retry(ctx, s.retry, func() error {
		attempt++
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		err := s.do(ctx, endpoint, out)
		if err != nil && attempt > 1 {
			s.log.Warn("Market data request failed",
				logger.String("path", path),
				logger.String("symbol", symbol),
				logger.Int("attempt", attempt),
				logger.Error(err),
			)
		}
		return err
	})
}

func (s *HTTPSource) do(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
