package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/avolkov/forecastq/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("resource not found")

// ErrInvalidTransition is returned when a status mutation does not match the
// job state machine, or when a compare-and-set loses the race to another
// writer. Callers must treat it as a rejection, never coerce the state.
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
// It is the single shared resource between the API handlers and the
// dispatcher; per-record atomicity on status changes is its core contract.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)

	// ClaimNextPending atomically moves the oldest pending job to executing
	// and returns it. Returns (nil, nil) when no pending job exists. Two
	// concurrent claims can never return the same job.
	ClaimNextPending(ctx context.Context) (*models.Job, error)

	// TransitionStatus applies a checked status transition with a
	// compare-and-set on the current status. A transition outside the state
	// machine, or one whose from-status no longer matches, fails with
	// ErrInvalidTransition.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to models.JobStatus, opts ...TransitionOption) error

	// UpdateProgress records progress/stage for an executing job. Progress
	// never decreases. Returns whether cancellation has been requested so
	// executors can stop cooperatively.
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int, stage string) (cancelRequested bool, err error)

	// RequestCancel flags an executing job for cooperative cancellation.
	RequestCancel(ctx context.Context, id uuid.UUID) error

	AppendJobLog(ctx context.Context, id uuid.UUID, level, message string) error
	ListJobLogs(ctx context.Context, id uuid.UUID, limit int) ([]models.JobLogEntry, error)

	// SweepStaleExecuting fails every executing job whose last update is
	// older than the cutoff and returns the swept jobs.
	SweepStaleExecuting(ctx context.Context, cutoff time.Time) ([]*models.Job, error)

	CountPendingBefore(ctx context.Context, createdAt time.Time) (int, error)
	RecentExecDurations(ctx context.Context, kind models.JobKind, limit int) ([]time.Duration, error)
	StatusCounts(ctx context.Context) (StatusCounts, error)
	QueueAverages(ctx context.Context) (QueueAverages, error)
}

// JobFilter narrows ListJobs results. Zero values mean "any".
type JobFilter struct {
	Status models.JobStatus
	Kind   models.JobKind
	Owner  string
	Limit  int
}

// StatusCounts is the per-status breakdown of all jobs.
type StatusCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Executing int `json:"executing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// QueueAverages holds rolling averages computed from terminal jobs:
// wait is submission to execution start, exec is start to terminal.
type QueueAverages struct {
	AvgWait time.Duration
	AvgExec time.Duration
}

// TransitionParams carries the optional field updates attached to a status
// transition. Store implementations resolve them with ApplyTransitionOptions.
type TransitionParams struct {
	Stage        *string
	Result       json.RawMessage
	ErrorMessage *string
}

type TransitionOption func(*TransitionParams)

// ApplyTransitionOptions folds a list of options into a single params value.
func ApplyTransitionOptions(opts []TransitionOption) TransitionParams {
	var p TransitionParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func WithStage(stage string) TransitionOption {
	return func(p *TransitionParams) {
		p.Stage = &stage
	}
}

func WithResult(result json.RawMessage) TransitionOption {
	return func(p *TransitionParams) {
		p.Result = result
	}
}

func WithErrorMessage(msg string) TransitionOption {
	return func(p *TransitionParams) {
		p.ErrorMessage = &msg
	}
}
