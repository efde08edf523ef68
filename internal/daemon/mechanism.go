package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/seantiz/anvil/internal/launch"
	"github.com/seantiz/anvil/internal/status"
)

// Fault selects how an in-process daemon misbehaves.
type Fault int

const (
	// FaultNone reports in and obeys the head node.
	FaultNone Fault = iota
	// FaultExit exits with code 1 without reporting.
	FaultExit
	// FaultSilent never reports and never exits until signalled.
	FaultSilent
	// FaultDrop reports, then drops its connection after DropAfter.
	FaultDrop
)

// Mechanism is a launch.Mechanism that runs daemons as goroutines of the
// current process. It reads the daemon flags the launch backends generate
// and starts one daemon per requested node.
type Mechanism struct {
	// Faults picks a node's behaviour. Nil means FaultNone everywhere.
	Faults    func(node string) Fault
	DropAfter time.Duration
	Heartbeat time.Duration
	Logger    *slog.Logger

	nextPid atomic.Int64
}

// Compile-time interface satisfaction check.
var _ launch.Mechanism = (*Mechanism)(nil)

type launched struct {
	pid    int
	cancel context.CancelFunc
}

func (l *launched) Pid() int { return l.pid }

func (l *launched) Signal(syscall.Signal) error {
	l.cancel()
	return nil
}

// Launch starts the daemons of req and returns immediately.
func (m *Mechanism) Launch(_ context.Context, req launch.Request) (launch.Handle, error) {
	flags := parseFlags(req.Argv)
	if flags["job"] == "" || flags["hnp"] == "" {
		return nil, fmt.Errorf("daemon argv %q lacks job or hnp: %w", req.Argv, status.ErrBadParam)
	}
	vpid, err := strconv.ParseUint(flags["vpid"], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("daemon vpid %q: %w", flags["vpid"], status.ErrBadParam)
	}
	nodes := req.Nodes
	if n := flags["node"]; n != "" {
		nodes = []string{n}
	}
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &launched{pid: int(100000 + m.nextPid.Add(1)), cancel: cancel}

	var (
		wg     sync.WaitGroup
		failed atomic.Bool
	)
	for i, node := range nodes {
		cfg := Config{
			HNP:       flags["hnp"],
			Job:       flags["job"],
			Vpid:      uint32(vpid) + uint32(i),
			Node:      node,
			Heartbeat: m.Heartbeat,
			Logger:    logger,
		}
		wg.Go(func() {
			if !m.run(ctx, cfg) {
				failed.Store(true)
			}
		})
	}

	go func() {
		wg.Wait()
		cancel()
		code := 0
		if failed.Load() {
			code = 1
		}
		if req.OnExit != nil {
			req.OnExit(h.pid, code)
		}
	}()
	return h, nil
}

// run reports whether the daemon ended cleanly.
func (m *Mechanism) run(ctx context.Context, cfg Config) bool {
	fault := FaultNone
	if m.Faults != nil {
		fault = m.Faults(cfg.Node)
	}
	switch fault {
	case FaultExit:
		cfg.Logger.Info("daemon exiting without report", "node", cfg.Node)
		return false
	case FaultSilent:
		<-ctx.Done()
		return true
	case FaultDrop:
		after := m.DropAfter
		if after <= 0 {
			after = 100 * time.Millisecond
		}
		dctx, cancel := context.WithTimeout(ctx, after)
		defer cancel()
		_ = Run(dctx, cfg)
		// The launcher itself survives the dropped connection.
		return true
	}

	if err := Run(ctx, cfg); err != nil && ctx.Err() == nil {
		cfg.Logger.Warn("daemon failed", "node", cfg.Node, "error", err)
		return false
	}
	return true
}

// parseFlags collects --key=value arguments.
func parseFlags(argv []string) map[string]string {
	out := make(map[string]string)
	for _, a := range argv {
		k, v, ok := strings.Cut(strings.TrimPrefix(a, "--"), "=")
		if ok && strings.HasPrefix(a, "--") {
			out[k] = v
		}
	}
	return out
}
