package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/avolkov/forecastq/internal/api/response"
	"github.com/avolkov/forecastq/pkg/models"
)

const defaultOwner = "anonymous"

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// Submission only creates the pending record; the dispatcher picks it up on
// its next poll.
func NewSubmitHandler(s JobStore, est WaitEstimator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Kind   models.JobKind  `json:"kind"`
			Owner  string          `json:"owner"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.Kind == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "kind is required", nil)
			return
		}
		if !models.ValidKind(req.Kind) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"kind must be one of training, prediction, analysis", nil)
			return
		}
		if len(req.Params) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "params is required", nil)
			return
		}

		owner := req.Owner
		if owner == "" {
			owner = defaultOwner
		}

		now := time.Now().UTC()
		job := &models.Job{
			ID:        uuid.New(),
			Kind:      req.Kind,
			Owner:     owner,
			Params:    req.Params,
			Status:    models.JobStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}

		if err := s.CreateJob(r.Context(), job); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		position, err := est.Position(r.Context(), job)
		if err != nil {
			// The job is already queued; degrade to position 0 rather than
			// reporting the whole submission as failed.
			position = 0
		}
		wait, _ := est.EstimatedWait(r.Context(), job)

		resp := struct {
			ID                   uuid.UUID        `json:"id"`
			Kind                 models.JobKind   `json:"kind"`
			Status               models.JobStatus `json:"status"`
			Position             int              `json:"position"`
			EstimatedWaitSeconds *float64         `json:"estimated_wait_seconds,omitempty"`
		}{
			ID:       job.ID,
			Kind:     job.Kind,
			Status:   job.Status,
			Position: position,
		}
		if wait != nil {
			secs := wait.Seconds()
			resp.EstimatedWaitSeconds = &secs
		}

		response.Accepted(w, resp)
	}
}
