package dataset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quantlab_backend/logger"
	"quantlab_backend/models"
	"quantlab_backend/services/jobs"
)

// ResourceKey is the lock key for a dataset file.
func ResourceKey(name string) string {
	return "dataset:" + name
}

// SubmitRequest is a create or resume submission.
type SubmitRequest struct {
	Name           string
	Preset         string
	Overwrite      bool
	TimeoutMinutes *int
}

// Service admits dataset jobs and hands them to the runner.
type Service struct {
	store          *jobs.Store
	runner         *jobs.Runner
	catalog        *Catalog
	presets        *Presets
	builder        *Builder
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	log            logger.Logger
}

type ServiceConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

func NewService(store *jobs.Store, runner *jobs.Runner, catalog *Catalog, presets *Presets, builder *Builder, cfg ServiceConfig, log logger.Logger) *Service {
	return &Service{
		store:          store,
		runner:         runner,
		catalog:        catalog,
		presets:        presets,
		builder:        builder,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		log:            log,
	}
}

func (s *Service) Catalog() *Catalog { return s.catalog }
func (s *Service) Presets() *Presets { return s.presets }

func (s *Service) validate(req SubmitRequest) (models.Preset, time.Duration, error) {
	if err := ValidateName(req.Name); err != nil {
		return models.Preset{}, 0, err
	}
	preset, ok := s.presets.Get(req.Preset)
	if !ok {
		return models.Preset{}, 0, &jobs.ValidationError{Field: "preset", Message: fmt.Sprintf("unknown preset %q", req.Preset)}
	}
	timeout, err := jobs.ResolveTimeout(req.TimeoutMinutes, s.defaultTimeout, s.maxTimeout)
	if err != nil {
		return models.Preset{}, 0, err
	}
	return preset, timeout, nil
}

// SubmitCreate admits a dataset_create job.
func (s *Service) SubmitCreate(req SubmitRequest) (models.Job, error) {
	preset, timeout, err := s.validate(req)
	if err != nil {
		return models.Job{}, err
	}
	if holder, held := s.store.Holder(ResourceKey(req.Name)); held {
		return models.Job{}, s.lockedError(req.Name, holder)
	}
	if s.catalog.Exists(req.Name) && !req.Overwrite {
		return models.Job{}, &jobs.ConflictError{
			ResourceKey: ResourceKey(req.Name),
			Reason:      fmt.Sprintf("dataset %s already exists, use overwrite to rebuild it", req.Name),
		}
	}
	return s.submit(models.KindDatasetCreate, req, preset, timeout, s.builder.Work(ModeCreate, req.Name, preset, req.Overwrite))
}

// SubmitResume admits a dataset_resume job for an existing dataset.
func (s *Service) SubmitResume(req SubmitRequest) (models.Job, error) {
	preset, timeout, err := s.validate(req)
	if err != nil {
		return models.Job{}, err
	}
	if holder, held := s.store.Holder(ResourceKey(req.Name)); held {
		return models.Job{}, s.lockedError(req.Name, holder)
	}
	if !s.catalog.Exists(req.Name) {
		return models.Job{}, &jobs.ConflictError{
			ResourceKey: ResourceKey(req.Name),
			Reason:      fmt.Sprintf("dataset %s does not exist, create it first", req.Name),
		}
	}
	return s.submit(models.KindDatasetResume, req, preset, timeout, s.builder.Work(ModeResume, req.Name, preset, false))
}

func (s *Service) submit(kind models.JobKind, req SubmitRequest, preset models.Preset, timeout time.Duration, work jobs.Work) (models.Job, error) {
	job, err := s.store.Admit(jobs.AdmitRequest{
		Kind:        kind,
		ResourceKey: ResourceKey(req.Name),
		Name:        req.Name,
		Preset:      preset.Name,
		Timeout:     timeout,
	})
	if err != nil {
		var ce *jobs.ConflictError
		if errors.As(err, &ce) {
			return models.Job{}, s.lockedError(req.Name, ce.HolderID)
		}
		return models.Job{}, err
	}
	if err := s.runner.Start(job, work); err != nil {
		return models.Job{}, fmt.Errorf("failed to start job: %w", err)
	}
	return job, nil
}

func (s *Service) lockedError(name, holder string) error {
	return &jobs.ConflictError{
		ResourceKey: ResourceKey(name),
		HolderID:    holder,
		Reason:      fmt.Sprintf("dataset %s is already being processed by job %s", name, holder),
	}
}

// ResumeAll submits a resume for every dataset whose preset is still known.
// Datasets that are busy or have no preset are skipped. It returns the
// admitted jobs.
func (s *Service) ResumeAll(ctx context.Context) ([]models.Job, error) {
	names, err := s.catalog.Names()
	if err != nil {
		return nil, err
	}
	var admitted []models.Job
	for _, name := range names {
		presetName, err := s.storedPreset(ctx, name)
		if err != nil || presetName == "" {
			s.log.Warn("Skipping dataset without preset", logger.String("dataset", name), logger.Error(err))
			continue
		}
		job, err := s.SubmitResume(SubmitRequest{Name: name, Preset: presetName})
		if err != nil {
			var ce *jobs.ConflictError
			if errors.As(err, &ce) {
				s.log.Info("Dataset busy, skipping resume", logger.String("dataset", name), logger.String("holder", ce.HolderID))
				continue
			}
			s.log.Warn("Scheduled resume rejected", logger.String("dataset", name), logger.Error(err))
			continue
		}
		admitted = append(admitted, job)
	}
	return admitted, nil
}

func (s *Service) storedPreset(ctx context.Context, name string) (string, error) {
	f, err := s.catalog.OpenReadOnly(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	preset, _, err := f.Meta(ctx, MetaPreset)
	return preset, err
}
