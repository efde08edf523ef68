package launch

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// SignalGuard suspends child-exit handling around calls that tamper with
// SIGCHLD disposition.
type SignalGuard interface {
	Disable()
	Enable()
}

// Guarded runs fn with g disabled. g is re-enabled on every return path,
// including a panic in fn.
func Guarded(g SignalGuard, fn func() error) error {
	if g == nil {
		return fn()
	}
	g.Disable()
	defer g.Enable()
	return fn()
}

// ChildWatcher reaps tracked child processes on SIGCHLD and reports their
// exit codes. Only registered pids are waited for, so children started and
// waited elsewhere in the process are left alone.
type ChildWatcher struct {
	logger *slog.Logger

	mu       sync.Mutex
	children map[int]func(code int)
	// disabled counts outstanding Disable calls.
	disabled int

	sigs      chan os.Signal
	stop      chan struct{}
	done      chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// Compile-time interface satisfaction check.
var _ SignalGuard = (*ChildWatcher)(nil)

// NewChildWatcher creates a watcher. Call Start before launching children.
func NewChildWatcher(logger *slog.Logger) *ChildWatcher {
	return &ChildWatcher{
		logger:   logger,
		children: make(map[int]func(int)),
		sigs:     make(chan os.Signal, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start subscribes to SIGCHLD.
func (w *ChildWatcher) Start() {
	w.startOnce.Do(func() {
		w.started.Store(true)
		signal.Notify(w.sigs, unix.SIGCHLD)
		go w.run()
	})
}

// Stop unsubscribes from SIGCHLD. Tracked children are no longer reaped.
func (w *ChildWatcher) Stop() {
	w.stopOnce.Do(func() {
		signal.Stop(w.sigs)
		close(w.stop)
	})
	if w.started.Load() {
		<-w.done
	}
}

func (w *ChildWatcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-w.sigs:
			w.sweep()
		}
	}
}

// Watch tracks pid and calls fn once when it exits.
func (w *ChildWatcher) Watch(pid int, fn func(code int)) {
	w.mu.Lock()
	w.children[pid] = fn
	w.mu.Unlock()

	// The child may have exited before it was tracked.
	w.sweep()
}

// Len reports how many children are tracked.
func (w *ChildWatcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.children)
}

// Disable stops reaping until the matching Enable. Calls nest.
func (w *ChildWatcher) Disable() {
	w.mu.Lock()
	w.disabled++
	w.mu.Unlock()
}

// Enable undoes one Disable. When the last one is undone reaping resumes and
// any exit missed while disabled is collected.
func (w *ChildWatcher) Enable() {
	w.mu.Lock()
	if w.disabled > 0 {
		w.disabled--
	}
	resume := w.disabled == 0
	w.mu.Unlock()
	if resume {
		w.sweep()
	}
}

type exited struct {
	pid  int
	code int
	fn   func(int)
}

func (w *ChildWatcher) sweep() {
	w.mu.Lock()
	if w.disabled > 0 {
		w.mu.Unlock()
		return
	}
	var reaped []exited
	for pid, fn := range w.children {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			// ECHILD: someone else reaped it and the code is lost.
			w.logger.Warn("child already reaped", "pid", pid, "error", err)
			reaped = append(reaped, exited{pid: pid, code: -1, fn: fn})
		case wpid == pid:
			reaped = append(reaped, exited{pid: pid, code: exitCode(ws), fn: fn})
		}
	}
	for _, e := range reaped {
		delete(w.children, e.pid)
	}
	w.mu.Unlock()

	for _, e := range reaped {
		w.logger.Debug("child exited", "pid", e.pid, "exit_code", e.code)
		e.fn(e.code)
	}
}

func exitCode(ws unix.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	default:
		return -1
	}
}
