package handler

import (
	"net/http"
	"strconv"

	"github.com/avolkov/forecastq/internal/api/response"
	"github.com/avolkov/forecastq/internal/store"
	"github.com/avolkov/forecastq/pkg/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// NewListHandler returns an http.HandlerFunc for GET /api/v1/jobs.
// Results are ordered by submission time, oldest first.
func NewListHandler(s JobStore, est WaitEstimator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.JobFilter{
			Owner: r.URL.Query().Get("owner"),
			Limit: defaultListLimit,
		}

		if v := r.URL.Query().Get("status"); v != "" {
			status := models.JobStatus(v)
			switch status {
			case models.JobStatusPending, models.JobStatusExecuting,
				models.JobStatusCompleted, models.JobStatusFailed:
				filter.Status = status
			default:
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"status must be one of pending, executing, completed, failed", nil)
				return
			}
		}

		if v := r.URL.Query().Get("kind"); v != "" {
			kind := models.JobKind(v)
			if !models.ValidKind(kind) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"kind must be one of training, prediction, analysis", nil)
				return
			}
			filter.Kind = kind
		}

		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"limit must be a positive integer", nil)
				return
			}
			if n > maxListLimit {
				n = maxListLimit
			}
			filter.Limit = n
		}

		jobs, err := s.ListJobs(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		statuses := make([]jobStatusResponse, 0, len(jobs))
		for _, job := range jobs {
			position, err := est.Position(r.Context(), job)
			if err != nil {
				position = 0
			}
			statuses = append(statuses, newJobStatus(job, position, nil))
		}

		response.Collection(w, statuses, response.PaginationMeta{
			Page:    1,
			Limit:   filter.Limit,
			Total:   len(statuses),
			HasNext: len(statuses) == filter.Limit,
		})
	}
}
