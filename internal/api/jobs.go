package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sys/unix"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/status"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// spawnJobRequest is the JSON body for POST /v1/jobs.
type spawnJobRequest struct {
	Nodes       []string `json:"nodes"`
	NumProcs    int      `json:"num_procs"`
	Recoverable bool     `json:"recoverable"`
	MaxRestarts *int     `json:"max_restarts"`
	CoLaunched  []string `json:"co_launched"`
	Prefix      string   `json:"prefix"`
}

func (r spawnJobRequest) descriptor() (model.Descriptor, error) {
	d := model.Descriptor{
		Nodes:       r.Nodes,
		NumProcs:    r.NumProcs,
		Recoverable: r.Recoverable,
	}
	if r.MaxRestarts != nil {
		if *r.MaxRestarts < 0 {
			return d, errors.New("max_restarts must not be negative")
		}
		_ = d.Attrs.Set(attr.KeyAppMaxRestarts, false, int32(*r.MaxRestarts), attr.TypeInt32)
	}
	for _, id := range r.CoLaunched {
		if err := model.ValidateID(id); err != nil {
			return d, err
		}
		_ = d.Attrs.Add(attr.KeyCoLaunchedJob, false, id, attr.TypeString)
	}
	if r.Prefix != "" {
		_ = d.Attrs.Set(attr.KeyAppPrefixDir, false, r.Prefix, attr.TypeString)
	}
	return d, nil
}

// jobView is the JSON shape of a job, live or journaled.
type jobView struct {
	ID        string          `json:"id"`
	State     model.JobState  `json:"state"`
	Live      bool            `json:"live"`
	Flags     model.JobFlags  `json:"flags"`
	Nodes     []string        `json:"nodes"`
	Daemons   []*model.Daemon `json:"daemons,omitempty"`
	Procs     []*model.Proc   `json:"procs,omitempty"`
	NumProcs  int             `json:"num_procs"`
	Restarts  int             `json:"restarts"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func viewJob(j *model.Job) jobView {
	v := jobView{
		ID:        j.ID,
		State:     j.State,
		Live:      true,
		Flags:     j.Flags,
		Procs:     j.Procs,
		NumProcs:  j.NumProcs,
		Restarts:  j.Restarts,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	for _, n := range j.Nodes {
		v.Nodes = append(v.Nodes, n.Name)
	}
	for _, d := range j.Daemons {
		v.Daemons = append(v.Daemons, d)
	}
	slices.SortFunc(v.Daemons, func(a, b *model.Daemon) int { return int(a.Vpid) - int(b.Vpid) })
	return v
}

func viewRecord(r *model.JobRecord) jobView {
	return jobView{
		ID:        r.ID,
		State:     r.State,
		Nodes:     r.Nodes,
		NumProcs:  r.NumProcs,
		Restarts:  r.Restarts,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []jobView `json:"jobs"`
	Total  int       `json:"total"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

// jobActionResponse acknowledges an asynchronous job operation.
type jobActionResponse struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

func (s *Server) handleSpawnJob(w http.ResponseWriter, r *http.Request) {
	var req spawnJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	desc, err := req.descriptor()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.jobs.Spawn(r.Context(), desc)
	if err != nil {
		s.writeStatusError(w, err, "spawn job")
		return
	}
	s.writeJob(w, r, id, http.StatusAccepted)
}

func (s *Server) handleRestartJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.jobs.Spawn(r.Context(), model.Descriptor{ID: id, Restart: true}); err != nil {
		s.writeStatusError(w, err, "restart job")
		return
	}
	s.writeJob(w, r, id, http.StatusAccepted)
}

// writeJob answers with the job's current view. A job reclaimed in the
// meantime is answered from the journal.
func (s *Server) writeJob(w http.ResponseWriter, r *http.Request, id string, code int) {
	v, err := s.lookupJob(r.Context(), id)
	if err != nil {
		s.writeStatusError(w, err, "get job")
		return
	}
	s.writeJSON(w, code, v)
}

func (s *Server) lookupJob(ctx context.Context, id string) (jobView, error) {
	job, err := s.jobs.Get(ctx, id)
	if err == nil {
		return viewJob(job), nil
	}
	if !errors.Is(err, status.ErrNotFound) {
		return jobView{}, err
	}
	rec, err := s.store.GetJob(ctx, id)
	if err != nil {
		return jobView{}, err
	}
	return viewRecord(rec), nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	s.writeJob(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	records, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.writeStatusError(w, err, "list jobs")
		return
	}
	live, err := s.jobs.List(r.Context())
	if err != nil {
		s.writeStatusError(w, err, "list jobs")
		return
	}
	byID := make(map[string]*model.Job, len(live))
	for _, j := range live {
		byID[j.ID] = j
	}

	jobs := make([]jobView, 0, len(records))
	for _, rec := range records {
		if j, ok := byID[rec.ID]; ok {
			jobs = append(jobs, viewJob(j))
			continue
		}
		jobs = append(jobs, viewRecord(rec))
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleTerminateJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Terminate(r.Context(), id); err != nil {
		s.writeStatusError(w, err, "terminate job")
		return
	}
	s.writeJSON(w, http.StatusAccepted, jobActionResponse{ID: id, Action: "terminate"})
}

type signalRequest struct {
	Signal string `json:"signal"`
}

func (s *Server) handleSignalJob(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if !s.decode(w, r, &req) {
		return
	}
	sig, err := parseSignal(req.Signal)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.jobs.Signal(r.Context(), id, sig); err != nil {
		s.writeStatusError(w, err, "signal job")
		return
	}
	s.writeJSON(w, http.StatusAccepted, jobActionResponse{ID: id, Action: "signal " + unix.SignalName(sig)})
}

type killRequest struct {
	Ranks []uint32 `json:"ranks"`
}

func (s *Server) handleKillProcs(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Ranks) == 0 {
		s.writeError(w, http.StatusBadRequest, "ranks are required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.jobs.KillProcs(r.Context(), id, req.Ranks); err != nil {
		s.writeStatusError(w, err, "kill procs")
		return
	}
	s.writeJSON(w, http.StatusAccepted, jobActionResponse{ID: id, Action: "kill"})
}

// parseSignal accepts a signal number or a name with or without the SIG
// prefix.
func parseSignal(v string) (syscall.Signal, error) {
	if v == "" {
		return 0, errors.New("signal is required")
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 || unix.SignalName(syscall.Signal(n)) == "" {
			return 0, errors.New("unknown signal " + v)
		}
		return syscall.Signal(n), nil
	}
	name := strings.ToUpper(v)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, errors.New("unknown signal " + v)
	}
	return sig, nil
}
