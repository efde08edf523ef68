package state

import (
	"fmt"
	"time"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/pending"
	"github.com/seantiz/anvil/internal/status"
)

var defaultJobHandlers = map[model.JobState]JobHandler{
	model.JobInit:             (*Machine).onInit,
	model.JobMapped:           (*Machine).onMapped,
	model.JobDaemonsLaunching: (*Machine).onDaemonsLaunching,
	model.JobDaemonsLaunched:  (*Machine).onDaemonsLaunched,
	model.JobDaemonsReported:  (*Machine).onDaemonsReported,
	model.JobRunning:          (*Machine).onRunning,
	model.JobTerminating:      (*Machine).onTerminating,
	model.JobTerminated:       (*Machine).onTerminated,
	model.JobFailedToStart:    (*Machine).onFailedToStart,
}

var defaultProcHandlers = map[model.ProcState]ProcHandler{
	model.ProcRunning:    func(*Machine, *model.Job, *model.Proc) {},
	model.ProcTerminated: (*Machine).onProcDone,
	model.ProcAborted:    (*Machine).onProcAborted,
}

// next queues a follow-on transition behind whatever is already posted.
func (m *Machine) next(job *model.Job, state model.JobState, cause error) {
	id := job.ID
	m.loop.Post(func() { m.activate(id, state, cause) })
}

func (m *Machine) initJobAttrs(job *model.Job) {
	_ = job.Attrs.Set(attr.KeyJobID, false, job.ID, attr.TypeString)
	_ = job.Attrs.Set(attr.KeyJobNumProcs, false, uint32(job.NumProcs), attr.TypeUint32)
	_ = job.Attrs.Set(attr.KeyJobLaunchTime, false, time.Now().UTC(), attr.TypeTime)
	_ = job.Attrs.Set(attr.KeyJobRestarts, false, int32(job.Restarts), attr.TypeInt32)
}

func (m *Machine) onInit(job *model.Job) {
	m.initJobAttrs(job)
	m.next(job, model.JobMapped, nil)
}

// onMapped places a daemon on every node that lacks a live one and lays
// out the application processes round-robin across the nodes.
func (m *Machine) onMapped(job *model.Job) {
	start := uint32(0)
	for _, n := range job.Nodes {
		d, ok := job.Daemons[n.Name]
		if ok && !d.State.IsTerminal() {
			continue
		}
		vpid := job.NextVpid()
		if start == 0 {
			start = vpid
		}
		job.Daemons[n.Name] = &model.Daemon{Vpid: vpid, Node: n.Name, State: model.ProcInit}
		n.DaemonLaunched = false
	}
	if start != 0 {
		_ = job.Attrs.Set(attr.KeyJobDaemonVpidStart, false, start, attr.TypeUint32)
	}

	if len(job.Procs) == 0 {
		for i := range job.NumProcs {
			node := job.Nodes[i%len(job.Nodes)].Name
			job.Procs = append(job.Procs, &model.Proc{
				Name:  model.ProcName{Job: job.ID, Rank: uint32(i)},
				State: model.ProcInit,
				Node:  node,
			})
		}
	} else {
		for _, p := range job.Procs {
			if p.State.IsTerminal() {
				p.State = model.ProcInit
			}
		}
	}

	m.next(job, model.JobDaemonsLaunching, nil)
}

func (m *Machine) onDaemonsLaunching(job *model.Job) {
	lb, err := m.launcher()
	if err != nil {
		m.next(job, model.JobFailedToStart, fmt.Errorf("no launch backend: %w", err))
		return
	}
	if name, ok := m.backends.SelectedName(backend.Launch); ok {
		_ = job.Attrs.Set(attr.KeyJobLauncher, false, name, attr.TypeString)
	}
	for _, d := range job.Daemons {
		if d.State == model.ProcInit {
			d.State = model.ProcLaunched
		}
	}
	// Spawn works on the live job: it only reads the node list and daemon
	// table before returning and never mutates them.
	if err := lb.Spawn(job); err != nil {
		m.next(job, model.JobFailedToStart, err)
	}
}

func (m *Machine) onDaemonsLaunched(job *model.Job) {
	m.armTimer(job.ID, m.reportTimeout, func() {
		m.activate(job.ID, model.JobFailedToStart,
			fmt.Errorf("daemons failed to report within %s: %w", m.reportTimeout, status.ErrUnreachable))
	})
}

func (m *Machine) onDaemonsReported(job *model.Job) {
	m.cancelTimer(job.ID)
	m.next(job, model.JobRunning, nil)
}

func (m *Machine) onRunning(job *model.Job) {
	for _, p := range job.Procs {
		if p.State == model.ProcInit || p.State == model.ProcLaunched {
			p.State = model.ProcRunning
		}
	}
	m.logger.Info("job running", "job_id", job.ID, "daemons", len(job.Daemons), "num_procs", len(job.Procs))
}

func (m *Machine) onTerminating(job *model.Job) {
	m.cancelTimer(job.ID)
	if job.LiveDaemons() == 0 {
		m.next(job, model.JobTerminated, nil)
		return
	}
	lb, err := m.launcher()
	if err != nil {
		m.next(job, model.JobTerminated, nil)
		return
	}
	if err := lb.TerminateDaemons(job); err != nil {
		m.logger.Warn("terminate daemons failed", "job_id", job.ID, "error", err)
	}
	m.armTimer(job.ID, m.reportTimeout, func() {
		m.logger.Warn("daemons did not exit in time", "job_id", job.ID, "live", job.LiveDaemons())
		m.activate(job.ID, model.JobTerminated, nil)
	})
}

func (m *Machine) onTerminated(job *model.Job) {
	m.cancelTimer(job.ID)
	m.reclaim(job)
}

func (m *Machine) onFailedToStart(job *model.Job) {
	m.cancelTimer(job.ID)
	job.SetError(status.ErrFailedToStart)
	if job.LiveDaemons() > 0 {
		if lb, err := m.launcher(); err == nil {
			if err := lb.TerminateDaemons(job); err != nil {
				m.logger.Debug("cleanup after failed start", "job_id", job.ID, "error", err)
			}
		}
	}
	m.logger.Error("job failed to start", "job_id", job.ID, "error", job.Error)
	m.reclaim(job)
}

// reclaim announces the end of a job and drops it from the live table.
func (m *Machine) reclaim(job *model.Job) {
	id := job.ID
	info := jobInfo(job)
	broker := m.bus.Broker()
	m.bus.Notify(status.JobTerminated, model.ProcName{Job: id, Rank: model.HNPVpid}, info, func(pending.Result) {
		broker.Close(id)
	})

	m.saveJob(job)
	delete(m.jobs, id)
	jobsActive.Dec()
	m.logger.Info("job reclaimed", "job_id", id, "state", job.State.String(), "error", job.Error)
}

func (m *Machine) onProcDone(job *model.Job, _ *model.Proc) {
	if job.State != model.JobRunning {
		return
	}
	for _, p := range job.Procs {
		if !p.State.IsTerminal() {
			return
		}
	}
	m.next(job, model.JobTerminating, nil)
}

func (m *Machine) onProcAborted(job *model.Job, proc *model.Proc) {
	if job.State == model.JobTerminating || job.State.IsTerminal() {
		return
	}
	m.next(job, model.JobTerminating,
		fmt.Errorf("process %s aborted with code %d", proc.Name, proc.ExitCode))
}

func (m *Machine) armTimer(jobID string, d time.Duration, fn func()) {
	m.cancelTimer(jobID)
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.loop.Post(func() {
			// A timer that was cancelled or re-armed after firing is stale.
			if m.timers[jobID] != t {
				return
			}
			delete(m.timers, jobID)
			fn()
		})
	})
	m.timers[jobID] = t
}

func (m *Machine) cancelTimer(jobID string) {
	if t, ok := m.timers[jobID]; ok {
		t.Stop()
		delete(m.timers, jobID)
	}
}

// maxRestarts reads the per-job restart budget.
func maxRestarts(job *model.Job) int {
	if v, ok, err := job.Attrs.GetInt32(attr.KeyAppMaxRestarts); ok && err == nil {
		return int(v)
	}
	return defaultMaxRestarts
}
