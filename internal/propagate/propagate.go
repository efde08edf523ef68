// Package propagate implements fault propagation: it tracks each job and its
// co-launched jobs from spawn until all of them have terminated, and
// forwards every fault it sees to a Broadcaster.
package propagate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/event"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/pending"
	"github.com/seantiz/anvil/internal/status"
)

// Name is the registry name of the error-propagation module.
const Name = "prperror"

// DefaultPriority is the module's selection priority.
const DefaultPriority = 50

const broadcastTimeout = 5 * time.Second

// Registrar is the part of the event bus the module uses.
type Registrar interface {
	Register(reg event.Registration, cb func(err error, id event.ID))
	Deregister(id event.ID, cb func(err error))
}

// Module tracks jobs for fault propagation.
type Module struct {
	bus         Registrar
	broadcaster Broadcaster
	logger      *slog.Logger

	mu    sync.Mutex
	cells map[string]*pending.Cell
	regs  map[event.ID]string // registration -> subscribing job
}

// Compile-time interface satisfaction check.
var _ backend.Module = (*Module)(nil)

// New creates the module. A nil broadcaster discards faults.
func New(bus Registrar, b Broadcaster, logger *slog.Logger) *Module {
	return &Module{
		bus:         bus,
		broadcaster: b,
		logger:      logger,
		cells:       make(map[string]*pending.Cell),
		regs:        make(map[event.ID]string),
	}
}

// Descriptor registers the module as a Propagate candidate. It always
// accepts.
func Descriptor(m *Module) backend.Descriptor {
	return backend.Descriptor{
		Name:       Name,
		Capability: backend.Propagate,
		Priority:   DefaultPriority,
		Query: func(priority int) (backend.Module, int, error) {
			return m, priority, nil
		},
	}
}

func (m *Module) Init() error { return nil }

// Finalize drops every registration. Cells still active are left for their
// waiters to time out.
func (m *Module) Finalize() error {
	m.mu.Lock()
	regs := m.regs
	m.regs = make(map[event.ID]string)
	m.mu.Unlock()

	for id := range regs {
		m.bus.Deregister(id, nil)
	}
	return nil
}

// Subscribe starts tracking job and every job named by its KeyCoLaunchedJob
// attributes. The job's cell completes once each of them has terminated.
// It must be called on the progress loop, before the job's first
// notification is posted.
func (m *Module) Subscribe(job *model.Job) error {
	ids := []string{job.ID}
	for a := job.Attrs.FetchNext(nil, attr.KeyCoLaunchedJob); a != nil; a = job.Attrs.FetchNext(a, attr.KeyCoLaunchedJob) {
		id, ok := a.Value.(string)
		if !ok || id == "" {
			return fmt.Errorf("co-launched job of %s: %w", job.ID, status.ErrBadParam)
		}
		ids = append(ids, id)
	}

	cell := pending.New(len(ids))
	m.mu.Lock()
	m.cells[job.ID] = cell
	for rid, owner := range m.regs {
		if owner == job.ID {
			delete(m.regs, rid)
			m.bus.Deregister(rid, nil)
		}
	}
	m.mu.Unlock()

	owner := job.ID
	for _, id := range ids {
		var match, info attr.Collection
		_ = match.Set(attr.KeyJobID, false, id, attr.TypeString)
		_ = info.Set(attr.KeyEventReturnObject, true, cell, attr.TypePointer)

		m.bus.Register(event.Registration{
			Name:    "propagate." + id,
			Codes:   []status.Code{status.JobTerminated, status.ProcAborted},
			Match:   match,
			Info:    info,
			Handler: m.handle,
		}, func(err error, rid event.ID) {
			if err != nil {
				m.logger.Error("fault registration failed", "job_id", owner, "error", err)
				return
			}
			m.mu.Lock()
			m.regs[rid] = owner
			m.mu.Unlock()
		})
	}

	m.logger.Debug("fault propagation subscribed", "job_id", job.ID, "tracked", len(ids))
	return nil
}

func (m *Module) handle(d *event.Delivery, proceed event.ProceedFunc) {
	defer proceed(nil)

	ev := d.Event
	f := Fault{Code: ev.Code, Time: ev.Time}
	f.JobID, _, _ = ev.Info.GetString(attr.KeyJobID)
	if p, ok, _ := ev.Info.GetProc(attr.KeyEventAffectedProc); ok {
		f.Proc = &p
	}
	f.ExitCode, _, _ = ev.Info.GetInt32(attr.KeyProcExitCode)
	if detail, ok, _ := ev.Info.GetString(attr.KeyEventDetail); ok {
		f.Detail = detail
	} else if cause, ok, _ := ev.Info.GetString(attr.KeyJobErrorCause); ok {
		f.Detail = cause
	}

	if f.JobID == "" || (ev.Code == status.ProcAborted && f.Proc == nil) {
		m.logger.Error("protocol violation: fault without identity",
			"event_id", ev.ID,
			"code", ev.Code.String(),
			"source", ev.Source.String(),
		)
		return
	}

	if _, remote := ev.Info.Lookup(attr.KeyEventRemoteOrigin); !remote {
		m.broadcast(f)
	}

	if ev.Code != status.JobTerminated {
		return
	}

	ptr, ok, _ := d.Info.GetPointer(attr.KeyEventReturnObject)
	cell, _ := ptr.(*pending.Cell)
	if !ok || cell == nil {
		m.logger.Error("fault registration without cell", "job_id", f.JobID)
		return
	}

	var cause error
	if f.Detail != "" {
		cause = fmt.Errorf("job %s: %s", f.JobID, f.Detail)
	}
	var info attr.Collection
	_ = info.Add(attr.KeyJobID, false, f.JobID, attr.TypeString)
	if cell.Release(pending.Result{Status: cause, Info: info}) {
		m.logger.Debug("fault propagation complete", "job_id", f.JobID)
	}

	m.mu.Lock()
	delete(m.regs, d.Registration)
	m.mu.Unlock()
	m.bus.Deregister(d.Registration, nil)
}

func (m *Module) broadcast(f Fault) {
	faultBroadcastsTotal.WithLabelValues(f.Code.String()).Inc()
	if m.broadcaster == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
		defer cancel()
		if err := m.broadcaster.Broadcast(ctx, f); err != nil {
			m.logger.Warn("fault broadcast failed", "job_id", f.JobID, "code", f.Code.String(), "error", err)
		}
	}()
}

// Cell returns the completion cell of a subscribed job.
func (m *Module) Cell(jobID string) (*pending.Cell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cell, ok := m.cells[jobID]
	if !ok {
		return nil, fmt.Errorf("propagation for job %s: %w", jobID, status.ErrNotFound)
	}
	return cell, nil
}

// Wait blocks until jobID and its co-launched jobs have terminated, and
// returns their joined error causes.
func (m *Module) Wait(ctx context.Context, jobID string) (pending.Result, error) {
	cell, err := m.Cell(jobID)
	if err != nil {
		return pending.Result{}, err
	}
	return cell.WaitContext(ctx)
}

// Forget drops the completion cell of a finished job.
func (m *Module) Forget(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cell, ok := m.cells[jobID]
	if !ok {
		return nil
	}
	if err := cell.Close(); err != nil {
		return fmt.Errorf("forget job %s: %w", jobID, err)
	}
	delete(m.cells, jobID)
	return nil
}
