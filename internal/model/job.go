package model

import (
	"encoding/json"
	"time"
)

// JobStatus represents the current state of an ingestion job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// jobTransitions is the full set of legal moves. Anything absent is rejected.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether a job may move from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return len(jobTransitions[s]) == 0
}

// JobType records what triggered a job.
type JobType string

const (
	JobTypeScheduled JobType = "scheduled"
	JobTypeManual    JobType = "manual"
	JobTypeWebhook   JobType = "webhook"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeScheduled, JobTypeManual, JobTypeWebhook:
		return true
	}
	return false
}

// JobStats holds per-job record counters.
type JobStats struct {
	ProductsFound      int `json:"products_found"`
	ProductsNew        int `json:"products_new"`
	ProductsUpdated    int `json:"products_updated"`
	ProductsDuplicates int `json:"products_duplicates"`
	ProductsErrors     int `json:"products_errors"`
}

// IngestionJob is one execution attempt against a DataSource.
type IngestionJob struct {
	ID           string     `json:"id"`
	DataSourceID string     `json:"data_source_id"`
	Status       JobStatus  `json:"status"`
	JobType      JobType    `json:"job_type"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Stats        JobStats   `json:"stats"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// JobUpdate carries the fields written alongside a status transition.
// Nil fields are left untouched.
type JobUpdate struct {
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Stats        *JobStats
	ErrorMessage *string
}

// LogLevel is the severity of an ingestion log entry.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IngestionLog is an append-only entry owned by exactly one job.
type IngestionLog struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	Level     LogLevel        `json:"log_level"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
