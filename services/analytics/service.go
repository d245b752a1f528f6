package analytics

import (
	"context"
	"fmt"
	"time"

	"quantlab_backend/logger"
	"quantlab_backend/models"
	"quantlab_backend/services/dataset"
	"quantlab_backend/services/jobs"
	"quantlab_backend/services/signals"
)

const (
	DefaultHorizonDays = 5
	MaxHorizonDays     = 250
)

// AttributionRequest is the body of POST /attribution.
type AttributionRequest struct {
	Dataset        string   `json:"dataset"`
	Strategies     []string `json:"strategies"`
	HorizonDays    int      `json:"horizonDays"`
	Symbols        []string `json:"symbols"`
	StartDate      string   `json:"startDate"`
	EndDate        string   `json:"endDate"`
	TimeoutMinutes *int     `json:"timeoutMinutes"`
}

type ServiceConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// Service admits signal_attribution jobs.
type Service struct {
	store          *jobs.Store
	runner         *jobs.Runner
	catalog        *dataset.Catalog
	registry       *signals.Registry
	attributor     *Attributor
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	log            logger.Logger
}

func NewService(store *jobs.Store, runner *jobs.Runner, catalog *dataset.Catalog, registry *signals.Registry, attributor *Attributor, cfg ServiceConfig, log logger.Logger) *Service {
	return &Service{
		store:          store,
		runner:         runner,
		catalog:        catalog,
		registry:       registry,
		attributor:     attributor,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		log:            log,
	}
}

// SubmitAttribution admits a signal_attribution job.
func (s *Service) SubmitAttribution(req AttributionRequest) (models.Job, error) {
	cfg, err := s.validate(req)
	if err != nil {
		return models.Job{}, err
	}
	timeout, err := jobs.ResolveTimeout(req.TimeoutMinutes, s.defaultTimeout, s.maxTimeout)
	if err != nil {
		return models.Job{}, err
	}

	job, err := s.store.Admit(jobs.AdmitRequest{
		Kind:    models.KindSignalAttribution,
		Name:    cfg.Dataset,
		Timeout: timeout,
	})
	if err != nil {
		return models.Job{}, err
	}
	work := func(ctx context.Context, cp jobs.Checkpoint) (any, error) {
		f, err := s.catalog.OpenReadOnly(cfg.Dataset)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return s.attributor.Run(ctx, cp, f, cfg)
	}
	if err := s.runner.Start(job, work); err != nil {
		return models.Job{}, fmt.Errorf("failed to start job: %w", err)
	}
	s.log.Info("Attribution admitted", logger.String("job_id", job.ID), logger.Strings("strategies", cfg.Strategies))
	return job, nil
}

func (s *Service) validate(req AttributionRequest) (Config, error) {
	if err := dataset.ValidateName(req.Dataset); err != nil {
		return Config{}, &jobs.ValidationError{Field: "dataset", Message: "must match [A-Za-z0-9_-]+.db"}
	}
	if !s.catalog.Exists(req.Dataset) {
		return Config{}, &jobs.ValidationError{Field: "dataset", Message: fmt.Sprintf("dataset %s does not exist", req.Dataset)}
	}
	if len(req.Strategies) == 0 {
		return Config{}, &jobs.ValidationError{Field: "strategies", Message: "at least one strategy is required"}
	}
	seen := make(map[string]bool, len(req.Strategies))
	var strategies []string
	for _, name := range req.Strategies {
		if _, ok := s.registry.Get(name); !ok {
			return Config{}, &jobs.ValidationError{Field: "strategies", Message: fmt.Sprintf("unknown strategy %q", name)}
		}
		if !seen[name] {
			seen[name] = true
			strategies = append(strategies, name)
		}
	}

	horizon := req.HorizonDays
	if horizon == 0 {
		horizon = DefaultHorizonDays
	}
	if horizon < 1 || horizon > MaxHorizonDays {
		return Config{}, &jobs.ValidationError{Field: "horizonDays", Message: fmt.Sprintf("must be between 1 and %d", MaxHorizonDays)}
	}

	cfg := Config{Dataset: req.Dataset, Strategies: strategies, Symbols: req.Symbols, HorizonDays: horizon}
	switch {
	case req.StartDate == "" && req.EndDate == "":
	case req.StartDate == "" || req.EndDate == "":
		return Config{}, &jobs.ValidationError{Field: "startDate", Message: "startDate and endDate must be given together"}
	default:
		r, err := models.ParseDateRange(req.StartDate, req.EndDate)
		if err != nil {
			return Config{}, &jobs.ValidationError{Field: "startDate", Message: err.Error()}
		}
		cfg.Range = &r
	}
	return cfg, nil
}
