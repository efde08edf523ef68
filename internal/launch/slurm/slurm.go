// Package slurm launches daemons inside a SLURM allocation with srun.
package slurm

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
const Name = "slurm"

// Config holds the backend's tunables.
type Config struct {
	// Args are extra srun arguments, placed before the node selection.
	Args     []string `env:"ANVIL_SLURM_ARGS" envSeparator:" "`
	Priority int      `env:"ANVIL_SLURM_PRIORITY" envDefault:"75"`
}

// Backend starts one srun per batch of new daemons.
type Backend struct {
	*launch.Base
	cfg Config
}

// Compile-time interface satisfaction check.
var _ launch.Backend = (*Backend)(nil)

// New creates a SLURM backend.
func New(cfg Config, e launch.Env) *Backend {
	b := &Backend{cfg: cfg}
	b.Base = launch.NewBase(Name, e, b.build)
	return b
}

// Descriptor parses the tunables and describes the backend to the registry.
// The query declines outside a SLURM allocation.
func Descriptor(e launch.Env) (backend.Descriptor, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: e.Environment}); err != nil {
		return backend.Descriptor{}, fmt.Errorf("parse slurm config: %w", err)
	}
	return backend.Descriptor{
		Name:       Name,
		Capability: backend.Launch,
		Priority:   cfg.Priority,
		Params:     cfg,
		Query: func(priority int) (backend.Module, int, error) {
			if _, ok := e.LookupEnv("SLURM_JOBID"); !ok {
				return nil, 0, fmt.Errorf("SLURM_JOBID not set: %w", status.ErrDeclined)
			}
			return New(cfg, e), priority, nil
		},
	}, nil
}

// build assembles the srun command line. srun starts every daemon with the
// same arguments, so all of them receive the batch's starting vpid.
func (b *Backend) build(_ *model.Job, nodes []*model.Node, argv []string, start uint32) ([]launch.Request, error) {
	names := launch.NodeNames(nodes)

	args := []string{"srun", "--ntasks-per-node=1", "--kill-on-bad-exit"}
	args = append(args, b.cfg.Args...)

	// The job may hold only part of the allocation, so always pin the nodes.
	args = append(args,
		fmt.Sprintf("--nodes=%d", len(nodes)),
		"--nodelist="+strings.Join(names, ","),
	)
	args = append(args, fmt.Sprintf("--ntasks=%d", len(nodes)))
	args = append(args, launch.SubstituteVpid(argv, start)...)

	return []launch.Request{{
		Nodes: names,
		Argv:  args,
		// srun would otherwise bind each daemon to a single core.
		Env: []string{"SLURM_CPU_BIND=none"},
	}}, nil
}
