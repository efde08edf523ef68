// Package launchtest provides recording fakes of the launch collaborators
// for tests.
package launchtest

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/launch"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/pending"
	"github.com/seantiz/anvil/internal/status"
)

// Activation is one recorded state activation.
type Activation struct {
	JobID string
	State model.JobState
	Cause error
}

// Activator records activations on a buffered channel.
type Activator struct {
	C chan Activation
}

// NewActivator creates an Activator.
func NewActivator() *Activator {
	return &Activator{C: make(chan Activation, 64)}
}

func (a *Activator) ActivateJobState(jobID string, state model.JobState) {
	a.C <- Activation{JobID: jobID, State: state}
}

func (a *Activator) ActivateJobError(jobID string, state model.JobState, cause error) {
	a.C <- Activation{JobID: jobID, State: state, Cause: cause}
}

// Next waits for the next activation.
func (a *Activator) Next(timeout time.Duration) (Activation, error) {
	select {
	case act := <-a.C:
		return act, nil
	case <-time.After(timeout):
		return Activation{}, fmt.Errorf("no activation within %s", timeout)
	}
}

// Handle is a fake launcher handle.
type Handle struct {
	PID int

	mu      sync.Mutex
	signals []syscall.Signal
}

func (h *Handle) Pid() int { return h.PID }

func (h *Handle) Signal(sig syscall.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, sig)
	return nil
}

// Signals returns the signals delivered so far.
func (h *Handle) Signals() []syscall.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]syscall.Signal(nil), h.signals...)
}

// Mechanism records launch requests. Err, when set, fails every launch.
// Hook, when set, runs inside each launch. ExitDuringLaunch reports a clean
// launcher exit before Launch returns, like a child reaped on its first sweep.
type Mechanism struct {
	Err              error
	Hook             func(req launch.Request)
	ExitDuringLaunch bool

	mu       sync.Mutex
	requests []launch.Request
	handles  []*Handle
	nextPid  int
}

// Compile-time interface satisfaction check.
var _ launch.Mechanism = (*Mechanism)(nil)

func (m *Mechanism) Launch(_ context.Context, req launch.Request) (launch.Handle, error) {
	if m.Hook != nil {
		m.Hook(req)
	}
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if m.Err != nil {
		m.mu.Unlock()
		return nil, m.Err
	}
	m.nextPid++
	h := &Handle{PID: 1000 + m.nextPid}
	m.handles = append(m.handles, h)
	m.mu.Unlock()

	if m.ExitDuringLaunch && req.OnExit != nil {
		req.OnExit(h.PID, 0)
	}
	return h, nil
}

// Requests returns the requests seen so far.
func (m *Mechanism) Requests() []launch.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]launch.Request(nil), m.requests...)
}

// Handles returns the handles issued so far.
func (m *Mechanism) Handles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Handle(nil), m.handles...)
}

// Exit simulates the exit of every launcher issued so far.
func (m *Mechanism) Exit(code int) {
	m.mu.Lock()
	reqs := append([]launch.Request(nil), m.requests...)
	handles := append([]*Handle(nil), m.handles...)
	m.mu.Unlock()
	for i, h := range handles {
		if i < len(reqs) && reqs[i].OnExit != nil {
			reqs[i].OnExit(h.PID, code)
		}
	}
}

// Command is one recorded daemon command.
type Command struct {
	Kind   string
	JobID  string
	Nodes  []string
	Signal syscall.Signal
	Procs  []model.ProcName
}

// Commander records daemon commands. Err, when set, fails every command.
type Commander struct {
	Err error

	mu       sync.Mutex
	commands []Command
}

// Compile-time interface satisfaction check.
var _ launch.Commander = (*Commander)(nil)

func (c *Commander) record(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)
	return c.Err
}

func (c *Commander) ExitDaemons(jobID string, nodes []string) error {
	return c.record(Command{Kind: "exit", JobID: jobID, Nodes: nodes})
}

func (c *Commander) SignalDaemons(jobID string, nodes []string, sig syscall.Signal) error {
	return c.record(Command{Kind: "signal", JobID: jobID, Nodes: nodes, Signal: sig})
}

func (c *Commander) KillProcs(jobID string, procs []model.ProcName) error {
	return c.record(Command{Kind: "kill", JobID: jobID, Procs: procs})
}

// Commands returns the commands seen so far.
func (c *Commander) Commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Command(nil), c.commands...)
}

// Notification is one recorded bus notification.
type Notification struct {
	Code   status.Code
	Source attr.ProcName
	Info   attr.Collection
}

// Notifier records notifications on a buffered channel.
type Notifier struct {
	C chan Notification
}

// NewNotifier creates a Notifier.
func NewNotifier() *Notifier {
	return &Notifier{C: make(chan Notification, 64)}
}

func (n *Notifier) Notify(code status.Code, source attr.ProcName, info attr.Collection, done func(pending.Result)) {
	n.C <- Notification{Code: code, Source: source, Info: info}
	if done != nil {
		done(pending.Result{})
	}
}

// Guard counts Disable and Enable calls.
type Guard struct {
	mu       sync.Mutex
	disabled int
	enabled  int
}

func (g *Guard) Disable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disabled++
}

func (g *Guard) Enable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled++
}

// Counts returns how often Disable and Enable were called.
func (g *Guard) Counts() (disabled, enabled int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disabled, g.enabled
}

// Env returns an Env wired to fresh fakes, with an empty environment.
func Env() (launch.Env, *Activator, *Mechanism, *Commander, *Notifier) {
	act := NewActivator()
	mech := &Mechanism{}
	cmd := &Commander{}
	n := NewNotifier()
	return launch.Env{
		Activator:   act,
		Commander:   cmd,
		Notifier:    n,
		Mechanism:   mech,
		Daemon:      launch.DaemonConfig{Command: []string{"anvil", "daemon"}, HNPURI: "tcp://head:7070"},
		Environment: map[string]string{},
	}, act, mech, cmd, n
}
