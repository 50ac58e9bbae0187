package dto

import (
	"encoding/json"
	"time"
)

type JobOptionsDTO struct {
	DelayMs          int64 `json:"delayMs" validate:"gte=0,lte=31536000000"`
	Attempts         int   `json:"attempts" validate:"gte=0,lte=25"`
	RemoveOnComplete bool  `json:"removeOnComplete"`
}

type JobCreateDTO struct {
	Name    string          `json:"name" validate:"required,max=255"`
	Payload json.RawMessage `json:"payload"`
	Options *JobOptionsDTO  `json:"options,omitempty"`
}

type JobResponseDTO struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Status          string          `json:"status"`
	Progress        int             `json:"progress"`
	AttemptsMade    int             `json:"attemptsMade"`
	AttemptsAllowed int             `json:"attemptsAllowed"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	FinishedAt      *time.Time      `json:"finishedAt,omitempty"`
}

type MigrationStatusDTO struct {
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	ExecutedAt *time.Time `json:"executedAt,omitempty"`
}
