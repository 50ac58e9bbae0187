package models

import (
	"time"

	"gorm.io/datatypes"
)

// Job is the row behind the SQL queue backend.
type Job struct {
	ID               string         `gorm:"primaryKey;type:text"`
	Name             string         `gorm:"type:text;not null"`
	Payload          datatypes.JSON `gorm:"type:jsonb"`
	Status           string         `gorm:"type:text;not null;default:'queued'"`
	Progress         int            `gorm:"not null;default:0"`
	AttemptsMade     int            `gorm:"not null;default:0"`
	AttemptsAllowed  int            `gorm:"not null;default:1"`
	Result           datatypes.JSON `gorm:"type:jsonb"`
	Error            string         `gorm:"type:text;not null;default:''"`
	RemoveOnComplete bool           `gorm:"not null;default:false"`
	CancelRequested  bool           `gorm:"not null;default:false"`
	DelayUntil       *time.Time
	LeaseUntil       *time.Time
	// EnqueuedAt orders the queue. It moves to the tail on requeue and resume.
	EnqueuedAt time.Time `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
	StartedAt  *time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (Job) TableName() string { return "jobs" }

// MigrationRecord tracks one named migration.
type MigrationRecord struct {
	Name       string `gorm:"primaryKey;type:text"`
	Position   int    `gorm:"not null;default:0"`
	Status     string `gorm:"type:text;not null;default:'pending'"`
	ExecutedAt *time.Time
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (MigrationRecord) TableName() string { return "job_migrations" }
