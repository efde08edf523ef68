package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/stat"
	"github.com/seantiz/anvil/internal/store"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	*store.JobStats
	Live int `json:"live"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.writeStatusError(w, err, "get stats")
		return
	}
	live, err := s.jobs.List(r.Context())
	if err != nil {
		s.writeStatusError(w, err, "get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{JobStats: stats, Live: len(live)})
}

func (s *Server) handleProcStats(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "pid must be an integer")
		return
	}

	st, err := stat.Query(s.registry, pid)
	if err != nil {
		s.writeStatusError(w, err, "query process stats")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}
