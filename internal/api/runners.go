package api

import (
	"net/http"

	"github.com/seantiz/ember/internal/automator"
)

type runnersResponse struct {
	Runners []automator.RunnerStatus `json:"runners"`
}

func (s *Server) handleListRunners(w http.ResponseWriter, _ *http.Request) {
	runners := []automator.RunnerStatus{}
	if s.runners != nil {
		runners = append(runners, s.runners.Runners()...)
	}
	s.writeJSON(w, http.StatusOK, runnersResponse{Runners: runners})
}
