package api

import (
	"fmt"
	"net/http"

	"github.com/seantiz/anvil/internal/backend"
)

// handleListBackends lists every registered candidate, optionally only
// those of ?capability=launch|stat|propagate.
func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.List()

	if q := r.URL.Query().Get("capability"); q != "" {
		var c backend.Capability
		if err := c.UnmarshalText([]byte(q)); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid capability %q", q))
			return
		}
		filtered := make([]backend.Info, 0, len(infos))
		for _, info := range infos {
			if info.Capability == c {
				filtered = append(filtered, info)
			}
		}
		infos = filtered
	}
	s.writeJSON(w, http.StatusOK, infos)
}
