package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/avolkov/forecastq/internal/api/response"
	"github.com/avolkov/forecastq/internal/cache"
	"github.com/avolkov/forecastq/internal/store"
)

// statusCacheTTL bounds how stale a polled status can be. Clients poll at
// high frequency; a short cache keeps the database out of the hot path.
const statusCacheTTL = 2 * time.Second

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewStatusHandler(s JobStore, est WaitEstimator, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		if cached, found, err := c.GetJobStatus(r.Context(), id); err == nil && found {
			response.JSON(w, json.RawMessage(cached))
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

		position, err := est.Position(r.Context(), job)
		if err != nil {
			position = 0
		}
		wait, _ := est.EstimatedWait(r.Context(), job)

		status := newJobStatus(job, position, wait)

		if payload, err := json.Marshal(status); err == nil {
			// Best effort; a cache write failure must not break polling.
			_ = c.SetJobStatus(r.Context(), id, payload, statusCacheTTL)
		}

		response.JSON(w, status)
	}
}
