package api

import (
	"net/http"

	"github.com/seantiz/anvil/internal/backend"
)

// healthResponse reports liveness plus the selected launcher, so an
// operator can tell a head node that cannot launch anything at a glance.
type healthResponse struct {
	Status   string `json:"status"`
	Launcher string `json:"launcher,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.registry != nil {
		resp.Launcher, _ = s.registry.SelectedName(backend.Launch)
	}
	s.writeJSON(w, http.StatusOK, resp)
}
