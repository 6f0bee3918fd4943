package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ci-exporter/internal/logging"
	"github.com/ci-exporter/internal/types"
	"github.com/gorilla/mux"
)

// handleGetJob handles GET /api/jobs/{id} - the stored record of one job
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Job id must be a positive integer", nil)
		return
	}

	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		statusCode, code, message := mapStoreError(err)
		if statusCode >= http.StatusInternalServerError {
			logging.FromContext(r.Context()).WithError(err).Error("GetJob failed")
		}
		respondError(w, statusCode, code, message, nil)
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// handleJobCounts handles GET /api/jobs/counts?by=status,name - stored job
// counts grouped by the requested dimensions
func (s *Server) handleJobCounts(w http.ResponseWriter, r *http.Request) {
	var dims []types.Dimension
	seen := map[types.Dimension]bool{}
	if by := r.URL.Query().Get("by"); by != "" {
		for _, d := range strings.Split(by, ",") {
			dim := types.Dimension(strings.TrimSpace(d))
			switch dim {
			case types.DimensionStatus, types.DimensionName, types.DimensionProject:
				if seen[dim] {
					respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Dimension given twice", map[string]interface{}{
						"dimension": string(dim),
					})
					return
				}
				seen[dim] = true
				dims = append(dims, dim)
			default:
				respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Unknown dimension", map[string]interface{}{
					"dimension": string(dim),
					"allowed":   []string{"status", "name", "project"},
				})
				return
			}
		}
	}

	counts, err := s.jobs.CountBy(r.Context(), dims...)
	if err != nil {
		statusCode, code, message := mapStoreError(err)
		respondError(w, statusCode, code, message, nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"by":     dims,
		"counts": counts,
	})
}
