package backtesting

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quantlab_backend/logger"
	"quantlab_backend/models"
	"quantlab_backend/services/dataset"
	"quantlab_backend/services/jobs"
	"quantlab_backend/services/signals"
)

var (
	DefaultInitialCapital = decimal.NewFromInt(10_000_000)
	DefaultCommission     = decimal.RequireFromString("0.001")
	DefaultRiskPerTrade   = decimal.RequireFromString("0.1")
)

// BacktestRequest is the body of POST /backtest.
type BacktestRequest struct {
	Dataset        string         `json:"dataset"`
	Strategy       string         `json:"strategy"`
	Params         signals.Params `json:"params"`
	Symbols        []string       `json:"symbols"`
	StartDate      string         `json:"startDate"`
	EndDate        string         `json:"endDate"`
	InitialCapital *float64       `json:"initialCapital"`
	Commission     *float64       `json:"commission"`
	RiskPerTrade   *float64       `json:"riskPerTrade"`
	TimeoutMinutes *int           `json:"timeoutMinutes"`
}

// OptimizationRequest is the body of POST /optimization.
type OptimizationRequest struct {
	BacktestRequest
	Grid Grid `json:"grid"`
}

type ServiceConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// Service admits backtest and optimization jobs. These jobs only read
// datasets, so they take no resource lock.
type Service struct {
	store          *jobs.Store
	runner         *jobs.Runner
	catalog        *dataset.Catalog
	engine         *Engine
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	log            logger.Logger
}

func NewService(store *jobs.Store, runner *jobs.Runner, catalog *dataset.Catalog, engine *Engine, cfg ServiceConfig, log logger.Logger) *Service {
	return &Service{
		store:          store,
		runner:         runner,
		catalog:        catalog,
		engine:         engine,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		log:            log,
	}
}

func (s *Service) Strategies() []signals.StrategyInfo {
	return s.engine.Registry().List()
}

// SubmitBacktest admits a backtest_run job.
func (s *Service) SubmitBacktest(req BacktestRequest) (models.Job, error) {
	cfg, timeout, err := s.validate(req)
	if err != nil {
		return models.Job{}, err
	}
	if _, _, err := s.engine.Registry().Resolve(cfg.Strategy, cfg.Params); err != nil {
		return models.Job{}, err
	}
	work := s.withDataset(cfg.Dataset, func(ctx context.Context, cp jobs.Checkpoint, f *dataset.File) (any, error) {
		return s.engine.Backtest(ctx, cp, f, cfg)
	})
	return s.submit(models.KindBacktestRun, cfg, timeout, work)
}

// SubmitOptimization admits an optimization_run job sweeping req.Grid.
func (s *Service) SubmitOptimization(req OptimizationRequest) (models.Job, error) {
	cfg, timeout, err := s.validate(req.BacktestRequest)
	if err != nil {
		return models.Job{}, err
	}
	if _, _, err := s.engine.Registry().Resolve(cfg.Strategy, cfg.Params); err != nil {
		return models.Job{}, err
	}
	if err := ValidateGrid(s.engine.Registry(), cfg.Strategy, req.Grid); err != nil {
		return models.Job{}, err
	}
	grid := req.Grid
	work := s.withDataset(cfg.Dataset, func(ctx context.Context, cp jobs.Checkpoint, f *dataset.File) (any, error) {
		return s.engine.Optimize(ctx, cp, f, cfg, grid)
	})
	return s.submit(models.KindOptimizationRun, cfg, timeout, work)
}

func (s *Service) submit(kind models.JobKind, cfg Config, timeout time.Duration, work jobs.Work) (models.Job, error) {
	job, err := s.store.Admit(jobs.AdmitRequest{
		Kind:    kind,
		Name:    cfg.Dataset,
		Timeout: timeout,
	})
	if err != nil {
		return models.Job{}, err
	}
	if err := s.runner.Start(job, work); err != nil {
		return models.Job{}, fmt.Errorf("failed to start job: %w", err)
	}
	s.log.Info("Run admitted",
		logger.String("job_id", job.ID),
		logger.String("kind", string(kind)),
		logger.String("strategy", cfg.Strategy))
	return job, nil
}

// withDataset opens the dataset for the duration of the work.
func (s *Service) withDataset(name string, fn func(context.Context, jobs.Checkpoint, *dataset.File) (any, error)) jobs.Work {
	return func(ctx context.Context, cp jobs.Checkpoint) (any, error) {
		f, err := s.catalog.OpenReadOnly(name)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return fn(ctx, cp, f)
	}
}

func (s *Service) validate(req BacktestRequest) (Config, time.Duration, error) {
	if err := dataset.ValidateName(req.Dataset); err != nil {
		return Config{}, 0, &jobs.ValidationError{Field: "dataset", Message: "must match [A-Za-z0-9_-]+.db"}
	}
	if !s.catalog.Exists(req.Dataset) {
		return Config{}, 0, &jobs.ValidationError{Field: "dataset", Message: fmt.Sprintf("dataset %s does not exist", req.Dataset)}
	}
	if req.Strategy == "" {
		return Config{}, 0, &jobs.ValidationError{Field: "strategy", Message: "is required"}
	}

	cfg := Config{
		Dataset:        req.Dataset,
		Strategy:       req.Strategy,
		Params:         req.Params,
		Symbols:        req.Symbols,
		InitialCapital: DefaultInitialCapital,
		Commission:     DefaultCommission,
		RiskPerTrade:   DefaultRiskPerTrade,
	}

	switch {
	case req.StartDate == "" && req.EndDate == "":
	case req.StartDate == "" || req.EndDate == "":
		return Config{}, 0, &jobs.ValidationError{Field: "startDate", Message: "startDate and endDate must be given together"}
	default:
		r, err := models.ParseDateRange(req.StartDate, req.EndDate)
		if err != nil {
			return Config{}, 0, &jobs.ValidationError{Field: "startDate", Message: err.Error()}
		}
		cfg.Range = &r
	}

	if req.InitialCapital != nil {
		if *req.InitialCapital <= 0 {
			return Config{}, 0, &jobs.ValidationError{Field: "initialCapital", Message: "must be positive"}
		}
		cfg.InitialCapital = decimal.NewFromFloat(*req.InitialCapital)
	}
	if req.Commission != nil {
		if *req.Commission < 0 || *req.Commission >= 1 {
			return Config{}, 0, &jobs.ValidationError{Field: "commission", Message: "must be in [0, 1)"}
		}
		cfg.Commission = decimal.NewFromFloat(*req.Commission)
	}
	if req.RiskPerTrade != nil {
		if *req.RiskPerTrade <= 0 || *req.RiskPerTrade > 1 {
			return Config{}, 0, &jobs.ValidationError{Field: "riskPerTrade", Message: "must be in (0, 1]"}
		}
		cfg.RiskPerTrade = decimal.NewFromFloat(*req.RiskPerTrade)
	}

	timeout, err := jobs.ResolveTimeout(req.TimeoutMinutes, s.defaultTimeout, s.maxTimeout)
	if err != nil {
		return Config{}, 0, err
	}
	return cfg, timeout, nil
}
