package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByTaskType    map[string]int `json:"by_task_type"`
	ByUpdate      map[string]int `json:"by_update_result"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get execution stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByTaskType:    stats.CountByTaskType,
		ByUpdate:      stats.CountByUpdateResult,
		AvgDurationMS: stats.AvgDurationMS,
	})
}
