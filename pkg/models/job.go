package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job. Transitions are enforced by the
// store; see store.TransitionStatus.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusExecuting JobStatus = "executing"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobKind selects which executor runs the job.
type JobKind string

const (
	JobKindTraining   JobKind = "training"
	JobKindPrediction JobKind = "prediction"
	JobKindAnalysis   JobKind = "analysis"
)

// ValidKind reports whether k is a known job kind.
func ValidKind(k JobKind) bool {
	switch k {
	case JobKindTraining, JobKindPrediction, JobKindAnalysis:
		return true
	}
	return false
}

// Job tracks one asynchronous unit of work. The API returns a job id on
// submission; clients poll GET /api/v1/jobs/{id} until status is completed
// or failed. Params and Result are kind-specific payloads owned by the
// executor for that kind; the dispatcher never looks inside them.
type Job struct {
	ID              uuid.UUID       `db:"id"               json:"id"`
	Kind            JobKind         `db:"kind"             json:"kind"`
	Owner           string          `db:"owner"            json:"owner"`
	Params          json.RawMessage `db:"params"           json:"params,omitempty"`
	Status          JobStatus       `db:"status"           json:"status"`
	Progress        int             `db:"progress"         json:"progress"`
	Stage           string          `db:"stage"            json:"stage,omitempty"`
	Result          json.RawMessage `db:"result"           json:"result,omitempty"`
	ErrorMessage    *string         `db:"error_message"    json:"error,omitempty"`
	RetryCount      int             `db:"retry_count"      json:"retry_count"`
	CancelRequested bool            `db:"cancel_requested" json:"-"`
	StartedAt       *time.Time      `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at"     json:"completed_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"       json:"updated_at"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// JobLogEntry is one line of a job's execution log.
type JobLogEntry struct {
	Timestamp time.Time `db:"ts"      json:"timestamp"`
	Level     string    `db:"level"   json:"level"`
	Message   string    `db:"message" json:"message"`
}

// Log levels for job log entries.
const (
	LogLevelInfo    = "INFO"
	LogLevelWarning = "WARNING"
	LogLevelError   = "ERROR"
)
