package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/status"
)

// BuildFunc turns the daemon command line into launcher requests for the
// given new-daemon nodes. argv still contains VpidPlaceholder; start is the
// first vpid of the batch.
type BuildFunc func(job *model.Job, nodes []*model.Node, argv []string, start uint32) ([]Request, error)

// Base holds the behaviour every launch backend shares: the spawn contract,
// launcher tracking, and terminate/signal through the daemon channel.
// Concrete backends embed it and supply a BuildFunc.
type Base struct {
	name  string
	env   Env
	build BuildFunc

	// Guard, when set, is disabled for the duration of each launcher start.
	Guard SignalGuard

	// Concurrency bounds parallel launcher starts. Zero means unbounded.
	Concurrency int

	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]map[int]Handle
	// launching counts in-flight launcher starts per job. While it is
	// non-zero, exits of launchers not yet tracked leave a tombstone.
	launching map[string]int
	exited    map[string]map[int]bool
}

// NewBase creates the shared part of a backend called name.
func NewBase(name string, env Env, build BuildFunc) *Base {
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	initBackendMetrics(name)
	return &Base{
		name:    name,
		env:     env,
		build:   build,
		logger:  logger.With("backend", name),
		handles:   make(map[string]map[int]Handle),
		launching: make(map[string]int),
		exited:    make(map[string]map[int]bool),
	}
}

// Name returns the backend name.
func (b *Base) Name() string { return b.name }

// Init is a no-op.
func (b *Base) Init() error { return nil }

// Finalize terminates any launcher still running.
func (b *Base) Finalize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for jobID, hs := range b.handles {
		for _, h := range hs {
			if err := h.Signal(syscall.SIGTERM); err != nil {
				errs = append(errs, err)
			}
		}
		delete(b.handles, jobID)
	}
	return errors.Join(errs...)
}

// Spawn launches daemons on every node of job that lacks one. With no such
// node it activates JobDaemonsReported directly. Launchers run in the
// background; the outcome is reported as JobDaemonsLaunched or
// JobFailedToStart.
func (b *Base) Spawn(job *model.Job) error {
	nodes := NewDaemonNodes(job)
	if len(nodes) == 0 {
		b.logger.Debug("no new daemons required", "job_id", job.ID)
		b.env.Activator.ActivateJobState(job.ID, model.JobDaemonsReported)
		return nil
	}

	argv, err := DaemonArgs(b.env.Daemon, job)
	if err != nil {
		return fmt.Errorf("build daemon command: %w", err)
	}

	start := VpidStart(job, nodes)
	reqs, err := b.build(job, nodes, argv, start)
	if err != nil {
		return fmt.Errorf("build %s launch: %w", b.name, err)
	}

	jobID := job.ID
	for i := range reqs {
		reqs[i].Backend = b.name
		reqs[i].JobID = jobID
		reqs[i].OnExit = b.onExit(jobID, reqs[i].Nodes)
	}

	daemonsRequested.Add(float64(len(nodes)))
	b.logger.Info("launching daemons",
		"job_id", jobID,
		"nodes", len(nodes),
		"vpid_start", start,
		"launchers", len(reqs),
	)

	go func() {
		if err := b.launchAll(jobID, reqs); err != nil {
			launchRequestsTotal.WithLabelValues(b.name, "failure").Inc()
			b.logger.Error("daemon launch failed", "job_id", jobID, "error", err)
			b.env.Activator.ActivateJobError(jobID, model.JobFailedToStart, err)
			return
		}
		launchRequestsTotal.WithLabelValues(b.name, "success").Inc()
		b.env.Activator.ActivateJobState(jobID, model.JobDaemonsLaunched)
	}()
	return nil
}

func (b *Base) launchAll(jobID string, reqs []Request) error {
	if len(reqs) == 1 {
		return b.launchOne(jobID, reqs[0])
	}

	var g errgroup.Group
	if b.Concurrency > 0 {
		g.SetLimit(b.Concurrency)
	}
	for _, req := range reqs {
		g.Go(func() error {
			return b.launchOne(jobID, req)
		})
	}
	return g.Wait()
}

func (b *Base) launchOne(jobID string, req Request) error {
	b.mu.Lock()
	b.launching[jobID]++
	b.mu.Unlock()

	var h Handle
	err := Guarded(b.Guard, func() error {
		var err error
		h, err = b.env.Mechanism.Launch(context.Background(), req)
		return err
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.track(jobID, h)
	}
	b.launching[jobID]--
	if b.launching[jobID] == 0 {
		delete(b.launching, jobID)
		delete(b.exited, jobID)
	}
	if err != nil {
		return fmt.Errorf("launch on %v: %w", req.Nodes, err)
	}
	return nil
}

// track records a started launcher unless it already exited during its
// start. Callers hold b.mu.
func (b *Base) track(jobID string, h Handle) {
	if b.exited[jobID][h.Pid()] {
		delete(b.exited[jobID], h.Pid())
		return
	}
	if b.handles[jobID] == nil {
		b.handles[jobID] = make(map[int]Handle)
	}
	b.handles[jobID][h.Pid()] = h
}

// onExit reports an abnormal launcher exit as DaemonFailed. For a single
// node launcher the failed node is named.
func (b *Base) onExit(jobID string, nodes []string) func(pid, code int) {
	return func(pid, code int) {
		b.forget(jobID, pid)
		if code == 0 {
			return
		}

		b.logger.Warn("launcher exited abnormally", "job_id", jobID, "exit_code", code, "nodes", nodes)

		info := attr.Collection{}
		_ = info.Set(attr.KeyJobID, false, jobID, attr.TypeString)
		_ = info.Set(attr.KeyProcExitCode, false, int32(code), attr.TypeInt32)
		_ = info.Set(attr.KeyEventDetail, false,
			fmt.Sprintf("%s launcher exited with code %d", b.name, code), attr.TypeString)
		if len(nodes) == 1 {
			_ = info.Set(attr.KeyProcNode, false, nodes[0], attr.TypeString)
		}

		if b.env.Notifier != nil {
			b.env.Notifier.Notify(status.DaemonFailed,
				attr.ProcName{Job: jobID, Rank: model.HNPVpid}, info, nil)
		}
	}
}

func (b *Base) forget(jobID string, pid int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handles[jobID][pid]; !ok && b.launching[jobID] > 0 {
		if b.exited[jobID] == nil {
			b.exited[jobID] = make(map[int]bool)
		}
		b.exited[jobID][pid] = true
		return
	}
	delete(b.handles[jobID], pid)
	if len(b.handles[jobID]) == 0 {
		delete(b.handles, jobID)
	}
}

// Launchers reports how many launchers of job are still running.
func (b *Base) Launchers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handles[jobID])
}

// TerminateDaemons orders every daemon of job to exit. If the daemon channel
// fails the launchers' process groups are sent SIGTERM.
func (b *Base) TerminateDaemons(job *model.Job) error {
	err := b.env.Commander.ExitDaemons(job.ID, nil)
	if err == nil {
		return nil
	}
	b.logger.Warn("exit command failed, signalling launchers", "job_id", job.ID, "error", err)

	b.mu.Lock()
	hs := make([]Handle, 0, len(b.handles[job.ID]))
	for _, h := range b.handles[job.ID] {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	if len(hs) == 0 {
		return fmt.Errorf("terminate daemons of %s: %w", job.ID, err)
	}
	var errs []error
	for _, h := range hs {
		if serr := h.Signal(syscall.SIGTERM); serr != nil {
			errs = append(errs, serr)
		}
	}
	return errors.Join(errs...)
}

// TerminateProcs asks the daemons hosting procs to kill them.
func (b *Base) TerminateProcs(job *model.Job, procs []model.ProcName) error {
	if err := b.env.Commander.KillProcs(job.ID, procs); err != nil {
		return fmt.Errorf("kill procs of %s: %w", job.ID, err)
	}
	return nil
}

// Signal forwards sig to every daemon of job.
func (b *Base) Signal(job *model.Job, sig syscall.Signal) error {
	if err := b.env.Commander.SignalDaemons(job.ID, nil, sig); err != nil {
		return fmt.Errorf("signal daemons of %s: %w", job.ID, err)
	}
	return nil
}
