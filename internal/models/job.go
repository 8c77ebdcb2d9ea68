package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusRunning    JobStatus = "running"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
	StatusDeadLetter JobStatus = "dead_lettered"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusDeadLetter:
		return true
	}
	return false
}

// Job represents a task persisted in Postgres. The broker only carries its ID.
type Job struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	PayloadVersion  int            `json:"payload_version"`
	Priority        string         `json:"priority"`
	ActorUserID     int64          `json:"actor_user_id"`
	Payload         map[string]any `json:"payload"`
	Status          JobStatus      `json:"status"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"max_attempts"`
	NextRunAt       time.Time      `json:"next_run_at"`
	LastError       *string        `json:"last_error,omitempty"`
	IdempotencyKey  *string        `json:"idempotency_key,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	WorkerID        *string        `json:"worker_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// ContentDocument is the sanitized result of a content ingestion job.
type ContentDocument struct {
	ContentID   string    `json:"content_id"`
	SourceURL   string    `json:"source_url"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	IngestedBy  int64     `json:"ingested_by"`
	LastJobID   string    `json:"last_job_id"`
	ContentHash string    `json:"content_hash"`
	UpdatedAt   time.Time `json:"updated_at"`
}
