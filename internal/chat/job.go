package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is a detached generation request processed by the worker. The worker
// produces into the stream transport only; clients collect the output through
// the resume endpoint.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID string `gorm:"type:varchar(36);index;not null;index:uniq_user_idempo,unique,priority:1"`
	ChatID string `gorm:"type:varchar(36);index;not null"`

	ModelID string `gorm:"type:varchar(64);not null"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_user_idempo,unique,priority:2" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	ResultMessageID *string `gorm:"type:varchar(36);index"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "generation_jobs" }
