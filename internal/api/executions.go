package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/ember/internal/model"
	"github.com/seantiz/ember/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listResponse is the paginated response for GET /v1/executions.
type listResponse struct {
	Executions []*model.ExecutionRecord `json:"executions"`
	Total      int                      `json:"total"`
	Limit      int                      `json:"limit"`
	Offset     int                      `json:"offset"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	if taskType := r.URL.Query().Get("task_type"); taskType != "" {
		recs, err := s.store.ListByTaskType(r.Context(), taskType, limit)
		if err != nil {
			s.logger.Error("list executions by task type", "task_type", taskType, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to list executions")
			return
		}
		if recs == nil {
			recs = []*model.ExecutionRecord{}
		}
		s.writeJSON(w, http.StatusOK, listResponse{Executions: recs, Total: len(recs), Limit: limit})
		return
	}

	recs, total, err := s.store.ListExecutions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if recs == nil {
		recs = []*model.ExecutionRecord{}
	}

	s.writeJSON(w, http.StatusOK, listResponse{
		Executions: recs,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	id := chi.URLParam(r, "id")
	rec, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

// requireStore writes 503 and returns false when no journal is configured.
func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "execution journal disabled")
		return false
	}
	return true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
