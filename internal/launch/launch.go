// Package launch defines how per-node daemons are started on a job's nodes
// and the support shared by the concrete resource-manager backends.
//
// A launch backend turns the nodes of a job that still lack a daemon into
// one or more external launcher invocations (srun, blaunch, ssh). Backends
// never block the state machine's progress loop: Spawn computes everything
// it needs from the job synchronously and runs the launcher in the
// background, reporting the outcome by activating job states.
package launch

import (
	"log/slog"
	"os"
	"syscall"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/pending"
	"github.com/seantiz/anvil/internal/status"
)

// Backend is the Launch capability.
//
// Spawn, TerminateDaemons, TerminateProcs and Signal are called on the
// progress loop with the live job and must not block.
type Backend interface {
	backend.Module
	Spawn(job *model.Job) error
	TerminateDaemons(job *model.Job) error
	TerminateProcs(job *model.Job, procs []model.ProcName) error
	Signal(job *model.Job, sig syscall.Signal) error
}

// Activator moves jobs between states. Calls may come from any goroutine.
type Activator interface {
	ActivateJobState(jobID string, state model.JobState)
	ActivateJobError(jobID string, state model.JobState, cause error)
}

// Commander sends commands to running daemons, addressed by node name. A
// nil node list addresses every daemon of the job.
type Commander interface {
	ExitDaemons(jobID string, nodes []string) error
	SignalDaemons(jobID string, nodes []string, sig syscall.Signal) error
	KillProcs(jobID string, procs []model.ProcName) error
}

// Notifier posts status notifications to the event bus.
type Notifier interface {
	Notify(code status.Code, source attr.ProcName, info attr.Collection, done func(pending.Result))
}

// DaemonConfig describes the daemon command line every backend builds.
type DaemonConfig struct {
	// Command is the daemon executable and its fixed arguments.
	Command []string

	// Prefix, when set, is the install prefix of the daemon on remote nodes.
	// It is passed ahead of every other argument.
	Prefix string

	// HNPURI is the address daemons dial back to.
	HNPURI string

	// Args are appended after the generated arguments.
	Args []string
}

// Env carries the collaborators backends need. It is handed to backend
// constructors when descriptors are built.
type Env struct {
	Activator Activator
	Commander Commander
	Notifier  Notifier
	Mechanism Mechanism
	Guard     SignalGuard
	Daemon    DaemonConfig
	Logger    *slog.Logger

	// Environment overrides the process environment for resource-manager
	// detection and tunable parsing. Nil means os.Environ.
	Environment map[string]string
}

// LookupEnv reads key from the effective environment.
func (e Env) LookupEnv(key string) (string, bool) {
	if e.Environment == nil {
		return os.LookupEnv(key)
	}
	v, ok := e.Environment[key]
	return v, ok
}
