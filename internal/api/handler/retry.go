package handler

import (
	"errors"
	"net/http"

	"github.com/avolkov/forecastq/internal/api/response"
	"github.com/avolkov/forecastq/internal/cache"
	"github.com/avolkov/forecastq/internal/store"
	"github.com/avolkov/forecastq/pkg/models"
)

// NewRetryHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/retry.
// Only a failed job with remaining retry budget can be requeued; anything
// else is rejected without touching the record.
func NewRetryHandler(s JobStore, c cache.Cache, maxRetries int) http.HandlerFunc {
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

		if job.Status != models.JobStatusFailed {
			response.Error(w, http.StatusConflict, "INVALID_STATE",
				"Only failed jobs can be retried", map[string]any{"status": job.Status})
			return
		}
		if job.RetryCount >= maxRetries {
			response.Error(w, http.StatusConflict, "RETRY_EXHAUSTED",
				"Job has exhausted its retry budget", map[string]any{"retry_count": job.RetryCount})
			return
		}

		err = s.TransitionStatus(r.Context(), id, models.JobStatusFailed, models.JobStatusPending)
		if err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				// Lost the race to another retry or a sweep.
				response.Error(w, http.StatusConflict, "INVALID_STATE",
					"Job state changed concurrently, re-poll and retry", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		_ = s.AppendJobLog(r.Context(), id, models.LogLevelInfo, "retry requested by client")
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
