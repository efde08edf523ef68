// Package headnode assembles the head node process: the progress loop, the
// event bus, the backend registry and the components selected from it, the
// state machine, the daemon channel and the administrative HTTP surface.
package headnode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/anvil/internal/api"
	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/event"
	"github.com/seantiz/anvil/internal/launch"
	"github.com/seantiz/anvil/internal/launch/lsf"
	"github.com/seantiz/anvil/internal/launch/slurm"
	"github.com/seantiz/anvil/internal/launch/ssh"
	"github.com/seantiz/anvil/internal/oob"
	"github.com/seantiz/anvil/internal/progress"
	"github.com/seantiz/anvil/internal/propagate"
	"github.com/seantiz/anvil/internal/stat"
	"github.com/seantiz/anvil/internal/state"
	"github.com/seantiz/anvil/internal/status"
	"github.com/seantiz/anvil/internal/store"
)

const stopTimeout = 10 * time.Second

// LaunchDescriptor builds a launch backend candidate from the shared
// environment.
type LaunchDescriptor func(launch.Env) (backend.Descriptor, error)

// DefaultLaunchers are the resource-manager backends, in registration
// order.
var DefaultLaunchers = []LaunchDescriptor{slurm.Descriptor, lsf.Descriptor, ssh.Descriptor}

// Options override the pieces tests and the test server replace.
type Options struct {
	// Mechanism starts launchers. Nil runs them as child processes reaped
	// by a ChildWatcher.
	Mechanism launch.Mechanism

	// Launchers defaults to DefaultLaunchers.
	Launchers []LaunchDescriptor

	// Environment overrides the process environment for backend detection
	// and tunables.
	Environment map[string]string

	// ProcMount is the procfs mount for the stat backend.
	ProcMount string

	Logger *slog.Logger
}

// HeadNode is a configured, not yet running head node.
type HeadNode struct {
	cfg    config.Config
	logger *slog.Logger

	loop      *progress.Loop
	bus       *event.Bus
	registry  *backend.Registry
	store     *store.SQLiteStore
	machine   *state.Machine
	propagate *propagate.Module
	redis     *propagate.RedisBroadcaster
	client    *redis.Client
	oob       *oob.Server
	watcher   *launch.ChildWatcher
	api       *api.Server
	hnpURI    string
}

// New opens the journal and the daemon listener and registers every backend
// candidate. Nothing runs until Run.
func New(cfg config.Config, opts Options) (*HeadNode, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &HeadNode{cfg: cfg, logger: logger}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	h.store = db

	l, err := oob.Listen(cfg.OOBNetwork, cfg.OOBAddr)
	if err != nil {
		db.Close()
		return nil, err
	}
	h.hnpURI = cfg.OOBAdvertise
	if h.hnpURI == "" {
		if h.hnpURI, err = oob.AdvertiseURI(l); err != nil {
			l.Close()
			db.Close()
			return nil, err
		}
	}

	h.loop = progress.New("state", logger)
	h.bus = event.NewBus(h.loop, logger)
	h.registry = backend.NewRegistry(logger)
	h.oob = oob.NewServer(l, h.bus, cfg.HeartbeatTimeout, logger)
	h.machine = state.New(state.Config{
		Loop:          h.loop,
		Bus:           h.bus,
		Backends:      h.registry,
		Store:         db,
		ReportTimeout: cfg.ReportTimeout,
		Commander:     h.oob,
		Logger:        logger,
	})

	var broadcaster propagate.Broadcaster = propagate.NewMemoryBroadcaster()
	if cfg.RedisAddr != "" {
		h.client = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		h.redis = propagate.NewRedisBroadcaster(h.client, cfg.RedisChannel, logger)
		broadcaster = h.redis
	}
	h.propagate = propagate.New(h.bus, broadcaster, logger)

	mech := opts.Mechanism
	var guard launch.SignalGuard
	if mech == nil {
		h.watcher = launch.NewChildWatcher(logger)
		mech = &launch.ExecMechanism{Watcher: h.watcher, Logger: logger}
		guard = h.watcher
	}
	env := launch.Env{
		Activator: h.machine,
		Commander: h.oob,
		Notifier:  h.bus,
		Mechanism: mech,
		Guard:     guard,
		Daemon: launch.DaemonConfig{
			Command: cfg.DaemonCmd,
			Prefix:  cfg.Prefix,
			HNPURI:  h.hnpURI,
			Args:    cfg.DaemonArgs,
		},
		Logger:      logger,
		Environment: opts.Environment,
	}

	launchers := opts.Launchers
	if launchers == nil {
		launchers = DefaultLaunchers
	}
	descs := []backend.Descriptor{propagate.Descriptor(h.propagate), stat.ProcfsDescriptor(opts.ProcMount)}
	for _, build := range launchers {
		d, err := build(env)
		if err != nil {
			h.close()
			return nil, err
		}
		descs = append(descs, d)
	}
	for _, d := range descs {
		if err := h.registry.Register(d); err != nil {
			h.close()
			return nil, fmt.Errorf("register %s backend %s: %w", d.Capability, d.Name, err)
		}
	}

	h.api = api.NewServer(cfg.ListenAddr, api.Deps{
		Jobs:     h.machine,
		Store:    db,
		Registry: h.registry,
		Waiter:   h.propagate,
		Streams:  h.bus.Broker(),
		Logger:   logger,
	})
	return h, nil
}

// HNPURI is the address daemons report to.
func (h *HeadNode) HNPURI() string { return h.hnpURI }

// API returns the HTTP server.
func (h *HeadNode) API() *api.Server { return h.api }

// Machine exposes the state machine.
func (h *HeadNode) Machine() *state.Machine { return h.machine }

// Run starts every component, serves HTTP on the configured address and
// blocks until ctx is cancelled or a component fails.
func (h *HeadNode) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", h.cfg.ListenAddr)
	if err != nil {
		h.close()
		return fmt.Errorf("listen %s: %w", h.cfg.ListenAddr, err)
	}
	return h.Serve(ctx, l)
}

// Serve is Run on an existing HTTP listener.
func (h *HeadNode) Serve(ctx context.Context, l net.Listener) error {
	defer h.close()

	if h.watcher != nil {
		h.watcher.Start()
	}
	h.loop.Start()
	if err := h.machine.Start(ctx); err != nil {
		l.Close()
		return fmt.Errorf("start state machine: %w", err)
	}
	if err := h.selectBackends(); err != nil {
		l.Close()
		h.shutdown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.oob.Serve(gctx) })
	g.Go(func() error { return h.api.Serve(gctx, l) })
	if h.redis != nil {
		g.Go(func() error {
			if err := h.redis.Listen(gctx, h.bus); err != nil {
				// Without redis the head node still runs; faults stay local.
				h.logger.Error("remote fault listener stopped", "error", err)
			}
			return nil
		})
	}

	h.logger.Info("head node running",
		"listen_addr", l.Addr().String(),
		"hnp_uri", h.hnpURI,
		"launcher", h.launcherName(),
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	h.shutdown()
	return err
}

func (h *HeadNode) shutdown() {
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	h.machine.Stop(stopCtx)
	if ferr := h.registry.Finalize(); ferr != nil {
		h.logger.Warn("backend finalize failed", "error", ferr)
	}
	h.loop.Stop()
	h.logger.Info("head node stopped")
}

// selectBackends picks one module per capability. A missing backend is not
// fatal: without a launcher every job fails to start with a NotSupported
// cause. A backend that wins selection but fails Init is.
func (h *HeadNode) selectBackends() error {
	for _, c := range []backend.Capability{backend.Propagate, backend.Stat, backend.Launch} {
		_, err := h.registry.Select(c)
		switch {
		case err == nil:
		case errors.Is(err, status.ErrNotFound):
			h.logger.Warn("no backend selected", "capability", c.String(), "error", err)
		default:
			return fmt.Errorf("select backends: %w", err)
		}
	}
	return nil
}

func (h *HeadNode) launcherName() string {
	name, ok := h.registry.SelectedName(backend.Launch)
	if !ok {
		return "none"
	}
	return name
}

func (h *HeadNode) close() {
	_ = h.oob.Close()
	if h.watcher != nil {
		h.watcher.Stop()
	}
	if h.client != nil {
		_ = h.client.Close()
	}
	if err := h.store.Close(); err != nil {
		h.logger.Warn("close journal", "error", err)
	}
}
