// Package ssh launches one daemon per node over a remote shell agent. It is
// the fallback when no resource manager is detected.
package ssh

import (
	"fmt"

	"github.com/caarlos0/env/v10"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/launch"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/status"
)

// Name is the backend's registry name.
const Name = "ssh"

// Config holds the backend's tunables.
type Config struct {
	// Agent is the remote shell command and its options.
	Agent       []string `env:"ANVIL_SSH_AGENT" envSeparator:" " envDefault:"ssh"`
	Priority    int      `env:"ANVIL_SSH_PRIORITY" envDefault:"10"`
	Concurrency int      `env:"ANVIL_SSH_CONCURRENCY" envDefault:"16"`
}

// Backend starts one agent process per new daemon.
type Backend struct {
	*launch.Base
	cfg Config
}

// Compile-time interface satisfaction check.
var _ launch.Backend = (*Backend)(nil)

// New creates an ssh backend.
func New(cfg Config, e launch.Env) *Backend {
	b := &Backend{cfg: cfg}
	b.Base = launch.NewBase(Name, e, b.build)
	b.Base.Concurrency = cfg.Concurrency
	return b
}

// Descriptor parses the tunables and describes the backend to the registry.
// The query always accepts.
func Descriptor(e launch.Env) (backend.Descriptor, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: e.Environment}); err != nil {
		return backend.Descriptor{}, fmt.Errorf("parse ssh config: %w", err)
	}
	return backend.Descriptor{
		Name:       Name,
		Capability: backend.Launch,
		Priority:   cfg.Priority,
		Params:     cfg,
		Query: func(priority int) (backend.Module, int, error) {
			return New(cfg, e), priority, nil
		},
	}, nil
}

// Init rejects an empty agent.
func (b *Backend) Init() error {
	if len(b.cfg.Agent) == 0 || b.cfg.Agent[0] == "" {
		return fmt.Errorf("ssh agent not configured: %w", status.ErrBadParam)
	}
	return nil
}

// build gives every node its own vpid. Nodes whose daemon already has a vpid
// keep it; the rest are numbered from start in allocation order.
func (b *Backend) build(job *model.Job, nodes []*model.Node, argv []string, start uint32) ([]launch.Request, error) {
	reqs := make([]launch.Request, 0, len(nodes))
	next := start
	for _, n := range nodes {
		vpid := next
		if d, ok := job.Daemons[n.Name]; ok {
			vpid = d.Vpid
		}
		next = max(next, vpid) + 1

		args := make([]string, 0, len(b.cfg.Agent)+1+len(argv)+1)
		args = append(args, b.cfg.Agent...)
		args = append(args, n.Name)
		args = append(args, launch.SubstituteVpid(argv, vpid)...)
		args = append(args, "--node="+n.Name)

		reqs = append(reqs, launch.Request{Nodes: []string{n.Name}, Argv: args})
	}
	return reqs, nil
}
