package models

import (
	"time"

	"gorm.io/gorm"
)

// JobRun is the archived summary of a finished job.
type JobRun struct {
	ID          uint       `gorm:"primaryKey" json:"-" bson:"-"`
	JobID       string     `gorm:"uniqueIndex;size:36;not null" json:"jobId" bson:"job_id"`
	Kind        string     `gorm:"index;size:32" json:"kind" bson:"kind"`
	Name        string     `gorm:"size:255" json:"name,omitempty" bson:"name,omitempty"`
	Preset      string     `gorm:"size:64" json:"preset,omitempty" bson:"preset,omitempty"`
	Status      string     `gorm:"index;size:16" json:"status" bson:"status"`
	Error       string     `gorm:"type:text" json:"error,omitempty" bson:"error,omitempty"`
	Result      string     `gorm:"type:jsonb" json:"result,omitempty" bson:"result,omitempty"` // JSON document
	CreatedAt   time.Time  `json:"createdAt" bson:"created_at"`
	StartedAt   *time.Time `json:"startedAt,omitempty" bson:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
}

func (JobRun) TableName() string {
	return "job_runs"
}

// MigrateArchiveModels creates the archive tables.
func MigrateArchiveModels(db *gorm.DB) error {
	return db.AutoMigrate(&JobRun{})
}
