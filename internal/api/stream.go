package api

import (
	"net/http"
)

type streamResponse struct {
	Enabled bool   `json:"enabled"`
	State   string `json:"state,omitempty"`
	Pending int    `json:"pending"`
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, _ *http.Request) {
	if s.stream == nil {
		s.writeJSON(w, http.StatusOK, streamResponse{Enabled: false})
		return
	}
	s.writeJSON(w, http.StatusOK, streamResponse{
		Enabled: true,
		State:   s.stream.State().String(),
		Pending: s.stream.Pending(),
	})
}
