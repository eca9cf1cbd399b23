package handler

import (
	"net/http"

	"github.com/avolkov/forecastq/internal/api/response"
)

// NewStatsHandler returns an http.HandlerFunc for GET /api/v1/queue/stats.
func NewStatsHandler(est WaitEstimator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := est.Stats(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.JSON(w, stats)
	}
}
