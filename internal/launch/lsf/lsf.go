// Package lsf launches daemons inside an LSF allocation with blaunch.
package lsf

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v10"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/launch"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/status"
)

// Name is the backend's registry name.
const Name = "lsf"

// Config holds the backend's tunables.
type Config struct {
	Args     []string `env:"ANVIL_LSF_ARGS" envSeparator:" "`
	Priority int      `env:"ANVIL_LSF_PRIORITY" envDefault:"75"`
}

// Backend starts one blaunch per batch of new daemons.
type Backend struct {
	*launch.Base
	cfg Config
}

// Compile-time interface satisfaction check.
var _ launch.Backend = (*Backend)(nil)

// New creates an LSF backend. blaunch resets the SIGCHLD disposition, so
// the environment's guard is held across every launcher start.
func New(cfg Config, e launch.Env) *Backend {
	b := &Backend{cfg: cfg}
	b.Base = launch.NewBase(Name, e, b.build)
	b.Base.Guard = e.Guard
	return b
}

// Descriptor parses the tunables and describes the backend to the registry.
// The query declines outside an LSF allocation.
func Descriptor(e launch.Env) (backend.Descriptor, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: e.Environment}); err != nil {
		return backend.Descriptor{}, fmt.Errorf("parse lsf config: %w", err)
	}
	return backend.Descriptor{
		Name:       Name,
		Capability: backend.Launch,
		Priority:   cfg.Priority,
		Params:     cfg,
		Query: func(priority int) (backend.Module, int, error) {
			if _, ok := e.LookupEnv("LSB_JOBID"); !ok {
				return nil, 0, fmt.Errorf("LSB_JOBID not set: %w", status.ErrDeclined)
			}
			return New(cfg, e), priority, nil
		},
	}, nil
}

func (b *Backend) build(_ *model.Job, nodes []*model.Node, argv []string, start uint32) ([]launch.Request, error) {
	names := launch.NodeNames(nodes)

	args := []string{"blaunch"}
	args = append(args, b.cfg.Args...)
	args = append(args, "-z", strings.Join(names, " "))
	args = append(args, launch.SubstituteVpid(argv, start)...)

	return []launch.Request{{Nodes: names, Argv: args}}, nil
}
