package handler

import (
	"errors"
	"net/http"

	"github.com/avolkov/forecastq/internal/api/response"
	"github.com/avolkov/forecastq/internal/cache"
	"github.com/avolkov/forecastq/internal/store"
	"github.com/avolkov/forecastq/pkg/models"
)

// NewCancelHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
// A pending job fails immediately; an executing one is flagged and stops at
// its next progress report.
func NewCancelHandler(s JobStore, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		job, err := s.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		switch job.Status {
		case models.JobStatusPending:
			err = s.TransitionStatus(r.Context(), id,
				models.JobStatusPending, models.JobStatusFailed, store.WithErrorMessage("cancelled"))
			if errors.Is(err, store.ErrInvalidTransition) {
				// The dispatcher claimed it between our read and the
				// compare-and-set; fall back to cooperative cancellation.
				err = s.RequestCancel(r.Context(), id)
			}
		case models.JobStatusExecuting:
			err = s.RequestCancel(r.Context(), id)
		default:
			response.Error(w, http.StatusConflict, "INVALID_STATE",
				"Job is already terminal", map[string]any{"status": job.Status})
			return
		}

		if err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				response.Error(w, http.StatusConflict, "INVALID_STATE",
					"Job state changed concurrently, re-poll and retry", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		_ = s.AppendJobLog(r.Context(), id, models.LogLevelInfo, "cancellation requested by client")
		_ = c.InvalidateJobStatus(r.Context(), id)

		updated, err := s.GetJob(r.Context(), id)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.JSON(w, newJobStatus(updated, 0, nil))
	}
}
