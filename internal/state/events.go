package state

import (
	"fmt"
	"time"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/event"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/status"
)

func (m *Machine) registrations() []event.Registration {
	return []event.Registration{
		{
			Name:    "state.daemon_reported",
			Codes:   []status.Code{status.DaemonReported},
			Handler: m.handleDaemonReported,
		},
		{
			Name:    "state.daemon_lost",
			Codes:   []status.Code{status.DaemonFailed, status.LostConnection},
			Handler: m.handleDaemonLost,
		},
		{
			Name:    "state.proc_terminated",
			Codes:   []status.Code{status.ProcTerminated},
			Handler: m.handleProcTerminated,
		},
		{
			Name:    "state.proc_aborted",
			Codes:   []status.Code{status.ProcAborted},
			Handler: m.handleProcAborted,
		},
	}
}

// eventJob resolves the job an event concerns, from its info or its
// source.
func (m *Machine) eventJob(ev *event.Event) *model.Job {
	id, ok, _ := ev.Info.GetString(attr.KeyJobID)
	if !ok {
		id = ev.Source.Job
	}
	return m.jobs[id]
}

// eventDaemon resolves the daemon an event came from: by node name when
// the event carries one, else by the source vpid.
func eventDaemon(job *model.Job, ev *event.Event) (*model.Node, *model.Daemon) {
	if name, ok, _ := ev.Info.GetString(attr.KeyProcNode); ok {
		return job.Node(name), job.Daemons[name]
	}
	vpid := ev.Source.Rank
	if v, ok, _ := ev.Info.GetUint32(attr.KeyDaemonVpid); ok {
		vpid = v
	}
	d := job.DaemonByVpid(vpid)
	if d == nil {
		return nil, nil
	}
	return job.Node(d.Node), d
}

func (m *Machine) handleDaemonReported(d *event.Delivery, proceed event.ProceedFunc) {
	defer proceed(nil)

	job := m.eventJob(d.Event)
	if job == nil || job.State.IsTerminal() {
		m.dismiss(d.Event, "job gone")
		return
	}
	node, daemon := eventDaemon(job, d.Event)
	if node == nil || daemon == nil {
		m.logger.Warn("report from unknown daemon", "job_id", job.ID, "source", d.Event.Source.String())
		m.dismiss(d.Event, "unknown daemon")
		return
	}

	now := time.Now().UTC()
	node.DaemonLaunched = true
	daemon.State = model.ProcRunning
	daemon.ReportedAt = &now
	m.logger.Debug("daemon reported", "job_id", job.ID, "node", node.Name, "vpid", daemon.Vpid)

	// The job waits for this daemon's exit like any other.
	if job.State == model.JobTerminating {
		m.dismiss(d.Event, "job terminating")
		return
	}

	if job.AllDaemonsReported() &&
		(job.State == model.JobDaemonsLaunching || job.State == model.JobDaemonsLaunched) {
		m.next(job, model.JobDaemonsReported, nil)
	}
}

// dismiss orders a daemon that reported for a job it no longer belongs to
// to exit.
func (m *Machine) dismiss(ev *event.Event, reason string) {
	jobID, ok, _ := ev.Info.GetString(attr.KeyJobID)
	if !ok {
		jobID = ev.Source.Job
	}
	node, _, _ := ev.Info.GetString(attr.KeyProcNode)
	if m.commander == nil || node == "" {
		m.logger.Debug("late daemon report ignored", "job_id", jobID, "node", node, "reason", reason)
		return
	}
	m.logger.Info("dismissing late daemon", "job_id", jobID, "node", node, "reason", reason)
	if err := m.commander.ExitDaemons(jobID, []string{node}); err != nil {
		m.logger.Warn("dismiss late daemon failed", "job_id", jobID, "node", node, "error", err)
	}
}

func (m *Machine) handleDaemonLost(d *event.Delivery, proceed event.ProceedFunc) {
	defer proceed(nil)

	job := m.eventJob(d.Event)
	if job == nil {
		return
	}
	node, daemon := eventDaemon(job, d.Event)
	detail, _, _ := d.Event.Info.GetString(attr.KeyEventDetail)

	// A launcher exit following a dropped connection reports the same loss.
	if daemon != nil && daemon.State.IsTerminal() && job.State == model.JobRunning {
		m.logger.Debug("duplicate daemon loss ignored", "job_id", job.ID, "node", daemon.Node, "code", d.Event.Code.String())
		return
	}

	if daemon != nil {
		if d.Event.Code == status.DaemonFailed {
			daemon.State = model.ProcFailedToStart
		} else {
			daemon.State = model.ProcLostConnection
		}
	}
	if node != nil {
		node.DaemonLaunched = false
	}
	m.logger.Warn("daemon lost",
		"job_id", job.ID,
		"code", d.Event.Code.String(),
		"node", nodeName(node),
		"state", job.State.String(),
		"detail", detail,
	)

	switch {
	case job.State == model.JobTerminating:
		if job.LiveDaemons() == 0 {
			m.next(job, model.JobTerminated, nil)
		}
	case job.State.IsTerminal():
	case job.State < model.JobRunning:
		m.next(job, model.JobFailedToStart, lostCause(d.Event, node, detail))
	case node == nil || job.LiveDaemons() == 0:
		m.next(job, model.JobTerminating, fmt.Errorf("all daemons lost: %w", status.ErrUnreachable))
	case job.Flags.Has(model.JobFlagRecoverable) && job.Restarts < maxRestarts(job):
		job.Restarts++
		job.Flags |= model.JobFlagRestart
		_ = job.Attrs.Set(attr.KeyJobRestarts, false, int32(job.Restarts), attr.TypeInt32)
		m.logger.Info("relaunching lost daemon", "job_id", job.ID, "node", node.Name, "restarts", job.Restarts)
		for _, p := range job.Procs {
			if p.Node == node.Name && !p.State.IsTerminal() {
				p.State = model.ProcLostConnection
			}
		}
		m.next(job, model.JobMapped, nil)
	default:
		m.next(job, model.JobTerminating, lostCause(d.Event, node, detail))
	}
}

func lostCause(ev *event.Event, node *model.Node, detail string) error {
	sentinel := status.ErrLostConnection
	if ev.Code == status.DaemonFailed {
		sentinel = status.ErrFailedToStart
	}
	msg := "daemon on " + nodeName(node)
	if detail != "" {
		msg += ": " + detail
	}
	return fmt.Errorf("%s: %w", msg, sentinel)
}

func nodeName(n *model.Node) string {
	if n == nil {
		return "unknown node"
	}
	return n.Name
}

// handleProcTerminated covers both an expected daemon exit, reported with
// the daemon's vpid and no rank, and an application process completing.
func (m *Machine) handleProcTerminated(d *event.Delivery, proceed event.ProceedFunc) {
	defer proceed(nil)

	job := m.eventJob(d.Event)
	if job == nil {
		return
	}

	if proc, ok, _ := d.Event.Info.GetProc(attr.KeyEventAffectedProc); ok {
		p := findProc(job, proc.Rank)
		if p == nil {
			return
		}
		if code, ok, _ := d.Event.Info.GetInt32(attr.KeyProcExitCode); ok {
			p.ExitCode = code
		}
		m.activateProc(proc, model.ProcTerminated)
		return
	}

	node, daemon := eventDaemon(job, d.Event)
	if daemon == nil {
		return
	}
	daemon.State = model.ProcTerminated
	if node != nil {
		node.DaemonLaunched = false
	}
	if job.State == model.JobTerminating && job.LiveDaemons() == 0 {
		m.next(job, model.JobTerminated, nil)
	}
}

func (m *Machine) handleProcAborted(d *event.Delivery, proceed event.ProceedFunc) {
	defer proceed(nil)

	job := m.eventJob(d.Event)
	if job == nil {
		return
	}
	proc, ok, _ := d.Event.Info.GetProc(attr.KeyEventAffectedProc)
	if !ok {
		m.logger.Warn("abort without affected process", "job_id", job.ID, "source", d.Event.Source.String())
		return
	}
	p := findProc(job, proc.Rank)
	if p == nil {
		return
	}
	if code, ok, _ := d.Event.Info.GetInt32(attr.KeyProcExitCode); ok {
		p.ExitCode = code
	}
	m.activateProc(proc, model.ProcAborted)
}
