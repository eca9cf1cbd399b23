// Package handler contains the HTTP handlers for the job queue API. Each
// handler depends on a narrow interface so tests can substitute mocks.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/avolkov/forecastq/internal/api/response"
	"github.com/avolkov/forecastq/internal/queue"
	"github.com/avolkov/forecastq/internal/store"
	"github.com/avolkov/forecastq/pkg/models"
)

// JobStore is the store surface the handlers read and mutate.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
	ListJobLogs(ctx context.Context, id uuid.UUID, limit int) ([]models.JobLogEntry, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to models.JobStatus, opts ...store.TransitionOption) error
	RequestCancel(ctx context.Context, id uuid.UUID) error
	AppendJobLog(ctx context.Context, id uuid.UUID, level, message string) error
}

// WaitEstimator computes queue positions, expected waits and aggregates.
type WaitEstimator interface {
	Position(ctx context.Context, job *models.Job) (int, error)
	EstimatedWait(ctx context.Context, job *models.Job) (*time.Duration, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// jobStatusResponse is the status projection returned to polling clients.
type jobStatusResponse struct {
	ID                   uuid.UUID        `json:"id"`
	Kind                 models.JobKind   `json:"kind"`
	Owner                string           `json:"owner"`
	Status               models.JobStatus `json:"status"`
	Progress             int              `json:"progress"`
	Stage                string           `json:"stage,omitempty"`
	Position             int              `json:"position"`
	EstimatedWaitSeconds *float64         `json:"estimated_wait_seconds,omitempty"`
	RetryCount           int              `json:"retry_count"`
	Result               any              `json:"result,omitempty"`
	Error                *string          `json:"error,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

func newJobStatus(job *models.Job, position int, wait *time.Duration) jobStatusResponse {
	resp := jobStatusResponse{
		ID:         job.ID,
		Kind:       job.Kind,
		Owner:      job.Owner,
		Status:     job.Status,
		Progress:   job.Progress,
		Stage:      job.Stage,
		Position:   position,
		RetryCount: job.RetryCount,
		Error:      job.ErrorMessage,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
	if len(job.Result) > 0 {
		resp.Result = json.RawMessage(job.Result)
	}
	if wait != nil {
		secs := wait.Seconds()
		resp.EstimatedWaitSeconds = &secs
	}
	return resp
}

// jobIDParam extracts and parses the jobID route parameter. It writes the
// error response itself and reports success via ok.
func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
