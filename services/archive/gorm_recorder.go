package archive

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"quantlab_backend/models"
)

// GormRecorder stores runs in the SQL job_runs table.
type GormRecorder struct {
	db *gorm.DB
}

func NewGormRecorder(db *gorm.DB) *GormRecorder {
	return &GormRecorder{db: db}
}

func (r *GormRecorder) Name() string { return "postgres" }

// Record inserts the run, replacing an earlier row for the same job.
func (r *GormRecorder) Record(ctx context.Context, run models.JobRun) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "error", "result", "started_at", "completed_at"}),
		}).
		Create(&run).Error
	if err != nil {
		return fmt.Errorf("failed to insert job run: %w", err)
	}
	return nil
}

func (r *GormRecorder) Recent(ctx context.Context, limit int) ([]models.JobRun, error) {
	var runs []models.JobRun
	err := r.db.WithContext(ctx).
		Order("completed_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load job runs: %w", err)
	}
	return runs, nil
}

func (r *GormRecorder) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
