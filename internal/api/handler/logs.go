package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/avolkov/forecastq/internal/api/response"
	"github.com/avolkov/forecastq/internal/store"
	"github.com/avolkov/forecastq/pkg/models"
)

const defaultLogLimit = 100

// NewLogsHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/logs.
func NewLogsHandler(s JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		limit := defaultLogLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"limit must be a positive integer", nil)
				return
			}
			limit = n
		}

		if _, err := s.GetJob(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		entries, err := s.ListJobLogs(r.Context(), id, limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		if entries == nil {
			entries = []models.JobLogEntry{}
		}

		response.JSON(w, entries)
	}
}
