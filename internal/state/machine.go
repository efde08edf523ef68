// Package state drives jobs through their lifecycle. All job and process
// state is owned by a single progress loop; transitions are requested by
// activating a target state, which queues the state's handler on the loop.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/event"
	"github.com/seantiz/anvil/internal/launch"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/progress"
	"github.com/seantiz/anvil/internal/status"
	"github.com/seantiz/anvil/internal/store"
)

// DefaultReportTimeout bounds how long launched daemons have to report in.
const DefaultReportTimeout = 60 * time.Second

// defaultMaxRestarts caps recoveries of a recoverable job unless the job
// carries KeyAppMaxRestarts.
const defaultMaxRestarts = 3

// JobHandler runs on the loop when a job enters a state.
type JobHandler func(m *Machine, job *model.Job)

// ProcHandler runs on the loop when a process enters a state.
type ProcHandler func(m *Machine, job *model.Job, proc *model.Proc)

// Backends is the part of the backend registry the machine consults.
type Backends interface {
	Selected(capability backend.Capability) (backend.Module, error)
	SelectedName(capability backend.Capability) (string, bool)
}

// FaultSubscriber is implemented by Propagate modules that track jobs from
// spawn time. Subscribe is called on the loop and must not block.
type FaultSubscriber interface {
	Subscribe(job *model.Job) error
}

// Config holds the machine's collaborators.
type Config struct {
	Loop     *progress.Loop
	Bus      *event.Bus
	Backends Backends

	// Store, when set, journals jobs and events.
	Store store.Store

	// ReportTimeout defaults to DefaultReportTimeout.
	ReportTimeout time.Duration

	// Commander, when set, dismisses daemons that report for a job that
	// is ending or already gone.
	Commander launch.Commander

	Logger *slog.Logger
}

// Machine owns jobs and drives their transitions.
type Machine struct {
	loop          *progress.Loop
	bus           *event.Bus
	backends      Backends
	store         store.Store
	journal       *progress.Loop
	commander     launch.Commander
	reportTimeout time.Duration
	logger        *slog.Logger

	handlersMu sync.RWMutex
	jobStates  map[model.JobState]JobHandler
	procStates map[model.ProcState]ProcHandler

	// Owned by the loop.
	jobs   map[string]*model.Job
	timers map[string]*time.Timer
	regs   []event.ID
}

// Compile-time interface satisfaction check.
var _ launch.Activator = (*Machine)(nil)

// New creates a machine with the default handler for every job state and
// for the terminal process states.
func New(cfg Config) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ReportTimeout
	if timeout <= 0 {
		timeout = DefaultReportTimeout
	}

	m := &Machine{
		loop:          cfg.Loop,
		bus:           cfg.Bus,
		backends:      cfg.Backends,
		store:         cfg.Store,
		commander:     cfg.Commander,
		reportTimeout: timeout,
		logger:        logger,
		jobStates:     make(map[model.JobState]JobHandler),
		procStates:    make(map[model.ProcState]ProcHandler),
		jobs:          make(map[string]*model.Job),
		timers:        make(map[string]*time.Timer),
	}
	if m.store != nil {
		m.journal = progress.New("journal", logger)
	}

	for st, h := range defaultJobHandlers {
		m.jobStates[st] = h
	}
	for st, h := range defaultProcHandlers {
		m.procStates[st] = h
	}
	return m
}

// AddJobState registers the handler for a job state. A state has at most
// one handler.
func (m *Machine) AddJobState(state model.JobState, h JobHandler) error {
	if h == nil {
		return fmt.Errorf("add %s handler: %w", state, status.ErrBadParam)
	}
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if _, ok := m.jobStates[state]; ok {
		return fmt.Errorf("add %s handler: %w", state, status.ErrDuplicate)
	}
	m.jobStates[state] = h
	return nil
}

// SetJobStateHandler replaces the handler for a job state. A nil handler
// unregisters the state.
func (m *Machine) SetJobStateHandler(state model.JobState, h JobHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if h == nil {
		delete(m.jobStates, state)
		return
	}
	m.jobStates[state] = h
}

// AddProcState registers the handler for a process state.
func (m *Machine) AddProcState(state model.ProcState, h ProcHandler) error {
	if h == nil {
		return fmt.Errorf("add %s proc handler: %w", state, status.ErrBadParam)
	}
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if _, ok := m.procStates[state]; ok {
		return fmt.Errorf("add %s proc handler: %w", state, status.ErrDuplicate)
	}
	m.procStates[state] = h
	return nil
}

func (m *Machine) jobHandler(state model.JobState) JobHandler {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	return m.jobStates[state]
}

func (m *Machine) procHandler(state model.ProcState) ProcHandler {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	return m.procStates[state]
}

// Start registers the machine's bus handlers and starts the journal. The
// loop must already be running.
func (m *Machine) Start(ctx context.Context) error {
	if m.journal != nil {
		m.journal.Start()
		m.bus.Observe(m.journalEvent)
	}

	for _, reg := range m.registrations() {
		id, err := m.bus.RegisterAndWait(ctx, reg)
		if err != nil {
			return fmt.Errorf("register %s handler: %w", reg.Name, err)
		}
		m.regs = append(m.regs, id)
	}
	return nil
}

// Stop cancels pending timers and drains the journal. The loop itself is
// left running.
func (m *Machine) Stop(ctx context.Context) {
	_ = m.loop.Call(ctx, func() {
		for id, t := range m.timers {
			t.Stop()
			delete(m.timers, id)
		}
	})
	for _, id := range m.regs {
		_ = m.bus.DeregisterAndWait(ctx, id)
	}
	m.regs = nil
	if m.journal != nil {
		m.journal.Stop()
	}
}

// ActivateJobState requests that job enter state. It may be called from any
// goroutine; the transition runs on the loop.
func (m *Machine) ActivateJobState(jobID string, state model.JobState) {
	m.ActivateJobError(jobID, state, nil)
}

// ActivateJobError is ActivateJobState recording cause as the job's error.
func (m *Machine) ActivateJobError(jobID string, state model.JobState, cause error) {
	if !m.loop.Post(func() { m.activate(jobID, state, cause) }) {
		m.logger.Warn("activation dropped, loop stopped", "job_id", jobID, "state", state.String())
	}
}

// ActivateProcState requests that a process enter state.
func (m *Machine) ActivateProcState(name model.ProcName, state model.ProcState) {
	m.loop.Post(func() { m.activateProc(name, state) })
}

func (m *Machine) activate(jobID string, state model.JobState, cause error) {
	job, ok := m.jobs[jobID]
	if !ok {
		m.logger.Debug("activation for unknown job", "job_id", jobID, "state", state.String())
		return
	}

	h := m.jobHandler(state)
	if h == nil {
		m.logger.Warn("no handler registered for job state", "job_id", jobID, "state", state.String())
		return
	}

	from := job.State
	if !model.ValidTransition(from, state) && !(from == model.JobInit && state == model.JobInit) {
		m.logger.Debug("transition ignored",
			"job_id", jobID,
			"from", from.String(),
			"to", state.String(),
		)
		return
	}

	job.SetError(cause)
	job.State = state
	job.UpdatedAt = time.Now().UTC()
	activationsTotal.WithLabelValues(state.String()).Inc()

	m.logger.Debug("job state activated", "job_id", jobID, "from", from.String(), "to", state.String())
	m.persistState(job)
	h(m, job)
}

func (m *Machine) activateProc(name model.ProcName, state model.ProcState) {
	job, ok := m.jobs[name.Job]
	if !ok {
		m.logger.Debug("proc activation for unknown job", "proc", name.String(), "state", state.String())
		return
	}
	proc := findProc(job, name.Rank)
	if proc == nil {
		m.logger.Warn("proc activation for unknown rank", "proc", name.String(), "state", state.String())
		return
	}
	h := m.procHandler(state)
	if h == nil {
		m.logger.Warn("no handler registered for proc state", "proc", name.String(), "state", state.String())
		return
	}
	proc.State = state
	h(m, job, proc)
}

func findProc(job *model.Job, rank uint32) *model.Proc {
	for _, p := range job.Procs {
		if p.Name.Rank == rank {
			return p
		}
	}
	return nil
}

// Spawn submits a job. A restart of a known job resumes at JobMapped; a
// fresh job starts at JobInit. Spawn returns once the job is registered;
// launch continues on the loop.
func (m *Machine) Spawn(ctx context.Context, desc model.Descriptor) (string, error) {
	if err := desc.Validate(); err != nil {
		return "", fmt.Errorf("spawn: %w", err)
	}

	var rec *model.JobRecord
	if desc.Restart && m.store != nil {
		r, err := m.store.GetJob(ctx, desc.ID)
		if err == nil {
			rec = r
		}
	}

	var (
		id       string
		spawnErr error
	)
	err := m.loop.Call(ctx, func() {
		if desc.Restart {
			id, spawnErr = m.restart(desc, rec)
			return
		}
		id, spawnErr = m.spawn(desc)
	})
	if err != nil {
		return "", err
	}
	return id, spawnErr
}

func (m *Machine) spawn(desc model.Descriptor) (string, error) {
	if _, ok := m.jobs[desc.ID]; ok && desc.ID != "" {
		return "", fmt.Errorf("spawn job %s: %w", desc.ID, status.ErrDuplicate)
	}

	job := model.NewJob(desc)
	m.jobs[job.ID] = job
	jobsActive.Inc()
	m.saveJob(job)
	m.subscribe(job)

	m.logger.Info("job submitted", "job_id", job.ID, "nodes", len(job.Nodes), "num_procs", job.NumProcs)
	m.loop.Post(func() { m.activate(job.ID, model.JobInit, nil) })
	return job.ID, nil
}

func (m *Machine) restart(desc model.Descriptor, rec *model.JobRecord) (string, error) {
	if live, ok := m.jobs[desc.ID]; ok {
		return "", fmt.Errorf("restart job %s in state %s: %w", desc.ID, live.State, status.ErrBadParam)
	}
	if rec == nil {
		return "", fmt.Errorf("restart job %s: %w", desc.ID, status.ErrNotFound)
	}

	nodes := desc.Nodes
	if len(nodes) == 0 {
		nodes = rec.Nodes
	}
	numProcs := desc.NumProcs
	if numProcs == 0 {
		numProcs = rec.NumProcs
	}
	job := model.NewJob(model.Descriptor{
		ID:          rec.ID,
		Nodes:       nodes,
		NumProcs:    numProcs,
		Recoverable: desc.Recoverable,
		Attrs:       desc.Attrs,
	})
	job.CreatedAt = rec.CreatedAt
	job.Restarts = rec.Restarts + 1
	job.Flags |= model.JobFlagRestart
	job.State = model.JobTerminated
	m.initJobAttrs(job)

	m.jobs[job.ID] = job
	jobsActive.Inc()
	m.saveJob(job)
	m.bus.Broker().Reopen(job.ID)
	m.subscribe(job)

	m.logger.Info("job restarted", "job_id", job.ID, "restarts", job.Restarts)
	m.loop.Post(func() { m.activate(job.ID, model.JobMapped, nil) })
	return job.ID, nil
}

func (m *Machine) subscribe(job *model.Job) {
	mod, err := m.backends.Selected(backend.Propagate)
	if err != nil {
		return
	}
	sub, ok := mod.(FaultSubscriber)
	if !ok {
		return
	}
	if err := sub.Subscribe(job); err != nil {
		m.logger.Warn("fault propagation subscribe failed", "job_id", job.ID, "error", err)
	}
}

// launcher returns the selected launch backend.
func (m *Machine) launcher() (launch.Backend, error) {
	mod, err := m.backends.Selected(backend.Launch)
	if err != nil {
		return nil, err
	}
	lb, ok := mod.(launch.Backend)
	if !ok {
		return nil, fmt.Errorf("launch module %T: %w", mod, status.ErrNotSupported)
	}
	return lb, nil
}

// Terminate starts an orderly shutdown of a job's daemons.
func (m *Machine) Terminate(ctx context.Context, jobID string) error {
	var opErr error
	err := m.loop.Call(ctx, func() {
		job, ok := m.jobs[jobID]
		if !ok {
			opErr = fmt.Errorf("terminate job %s: %w", jobID, status.ErrNotFound)
			return
		}
		if _, err := m.launcher(); err != nil {
			opErr = fmt.Errorf("terminate job %s: %w", jobID, err)
			return
		}
		if job.State == model.JobTerminating || job.State.IsTerminal() {
			return
		}
		m.loop.Post(func() { m.activate(jobID, model.JobTerminating, nil) })
	})
	if err != nil {
		return err
	}
	return opErr
}

// Signal forwards sig to every daemon of a job.
func (m *Machine) Signal(ctx context.Context, jobID string, sig syscall.Signal) error {
	return m.withLauncher(ctx, "signal", jobID, func(lb launch.Backend, job *model.Job) error {
		return lb.Signal(job, sig)
	})
}

// KillProcs asks the daemons hosting the given ranks to kill them.
func (m *Machine) KillProcs(ctx context.Context, jobID string, ranks []uint32) error {
	return m.withLauncher(ctx, "kill procs of", jobID, func(lb launch.Backend, job *model.Job) error {
		procs := make([]model.ProcName, 0, len(ranks))
		for _, r := range ranks {
			if findProc(job, r) == nil {
				return fmt.Errorf("rank %d: %w", r, status.ErrNotFound)
			}
			procs = append(procs, model.ProcName{Job: jobID, Rank: r})
		}
		return lb.TerminateProcs(job, procs)
	})
}

func (m *Machine) withLauncher(ctx context.Context, verb, jobID string, fn func(launch.Backend, *model.Job) error) error {
	var opErr error
	err := m.loop.Call(ctx, func() {
		job, ok := m.jobs[jobID]
		if !ok {
			opErr = fmt.Errorf("%s job %s: %w", verb, jobID, status.ErrNotFound)
			return
		}
		lb, err := m.launcher()
		if err != nil {
			opErr = fmt.Errorf("%s job %s: %w", verb, jobID, err)
			return
		}
		if err := fn(lb, job); err != nil {
			opErr = fmt.Errorf("%s job %s: %w", verb, jobID, err)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// Get returns a snapshot of a live job.
func (m *Machine) Get(ctx context.Context, jobID string) (*model.Job, error) {
	var snap *model.Job
	err := m.loop.Call(ctx, func() {
		if job, ok := m.jobs[jobID]; ok {
			snap = job.Snapshot()
		}
	})
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("job %s: %w", jobID, status.ErrNotFound)
	}
	return snap, nil
}

// List returns snapshots of every live job, oldest first.
func (m *Machine) List(ctx context.Context) ([]*model.Job, error) {
	var jobs []*model.Job
	err := m.loop.Call(ctx, func() {
		for _, job := range m.jobs {
			jobs = append(jobs, job.Snapshot())
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// jobInfo returns the identity attributes every job notification carries.
func jobInfo(job *model.Job) attr.Collection {
	info := attr.Collection{}
	_ = info.Set(attr.KeyJobID, false, job.ID, attr.TypeString)
	if job.Error != "" {
		_ = info.Set(attr.KeyJobErrorCause, false, job.Error, attr.TypeString)
	}
	return info
}
