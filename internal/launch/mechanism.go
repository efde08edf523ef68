package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/seantiz/anvil/internal/status"
)

// Request is one external launcher invocation.
type Request struct {
	Backend string
	JobID   string
	Nodes   []string
	Argv    []string

	// Env holds KEY=VALUE pairs added to the launcher's environment.
	Env []string

	// OnExit is called once, from a watcher goroutine, with the launcher's
	// pid and exit code. Signalled launchers report 128+signal.
	OnExit func(pid, code int)
}

// Handle refers to a started launcher.
type Handle interface {
	Pid() int
	Signal(sig syscall.Signal) error
}

// Mechanism starts launcher processes.
type Mechanism interface {
	Launch(ctx context.Context, req Request) (Handle, error)
}

// ExecMechanism runs launchers as local child processes, each in its own
// process group, and reaps them through a ChildWatcher.
type ExecMechanism struct {
	Watcher *ChildWatcher
	Logger  *slog.Logger
	Stdout  io.Writer
	Stderr  io.Writer
}

// Compile-time interface satisfaction check.
var _ Mechanism = (*ExecMechanism)(nil)

// Launch starts req.Argv. It returns once the process is running.
func (m *ExecMechanism) Launch(ctx context.Context, req Request) (Handle, error) {
	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("launch with empty argv: %w", status.ErrBadParam)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Launchers outlive the request, so no CommandContext here.
	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.Stdout = m.Stdout
	cmd.Stderr = m.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w: %w", req.Argv[0], status.ErrFailedToStart, err)
	}

	pid := cmd.Process.Pid
	if m.Logger != nil {
		m.Logger.Debug("launcher started",
			"backend", req.Backend,
			"job_id", req.JobID,
			"pid", pid,
			"argv", req.Argv,
		)
	}

	m.Watcher.Watch(pid, func(code int) {
		cmd.Process.Release()
		if req.OnExit != nil {
			req.OnExit(pid, code)
		}
	})

	return execHandle{pid: pid}, nil
}

type execHandle struct {
	pid int
}

func (h execHandle) Pid() int { return h.pid }

// Signal delivers sig to the launcher's whole process group. A group that
// is already gone is not an error.
func (h execHandle) Signal(sig syscall.Signal) error {
	if err := unix.Kill(-h.pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal process group %d: %w", h.pid, err)
	}
	return nil
}
