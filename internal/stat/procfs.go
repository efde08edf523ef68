package stat

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/prometheus/procfs"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/status"
)

// ProcfsName is the registry name of the /proc backend.
const ProcfsName = "procfs"

// Procfs reads process and node statistics from a proc filesystem.
type Procfs struct {
	fs procfs.FS
}

// Compile-time interface satisfaction check.
var _ Backend = (*Procfs)(nil)

// ProcfsDescriptor registers the procfs backend for the filesystem mounted
// at mount. The candidate declines when the mount point is unusable.
func ProcfsDescriptor(mount string) backend.Descriptor {
	if mount == "" {
		mount = procfs.DefaultMountPoint
	}
	return backend.Descriptor{
		Name:       ProcfsName,
		Capability: backend.Stat,
		Priority:   50,
		Params:     map[string]string{"mount": mount},
		Query: func(priority int) (backend.Module, int, error) {
			pfs, err := procfs.NewFS(mount)
			if err != nil {
				return nil, 0, fmt.Errorf("open %s: %v: %w", mount, err, status.ErrDeclined)
			}
			return &Procfs{fs: pfs}, priority, nil
		},
	}
}

func (p *Procfs) Init() error     { return nil }
func (p *Procfs) Finalize() error { return nil }

// Query implements Backend.
func (p *Procfs) Query(pid int) (*Stats, error) {
	proc, err := p.fs.Proc(pid)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("process %d: %w", pid, status.ErrNotFound)
		}
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	ps, err := proc.Stat()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("process %d: %w", pid, status.ErrNotFound)
		}
		return nil, fmt.Errorf("read process %d stat: %w", pid, err)
	}

	s := &Stats{
		Proc: ProcStats{
			Pid:        ps.PID,
			Command:    ps.Comm,
			State:      ps.State,
			Threads:    ps.NumThreads,
			RSSBytes:   ps.ResidentMemory(),
			VSizeBytes: ps.VirtualMemory(),
			CPUSeconds: ps.CPUTime(),
		},
		SampledAt: time.Now().UTC(),
	}

	mem, err := p.fs.Meminfo()
	if err != nil {
		return nil, fmt.Errorf("read meminfo: %w", err)
	}
	s.Node.MemTotalKB = deref(mem.MemTotal)
	s.Node.MemFreeKB = deref(mem.MemFree)
	s.Node.MemAvailableKB = deref(mem.MemAvailable)

	load, err := p.fs.LoadAvg()
	if err != nil {
		return nil, fmt.Errorf("read loadavg: %w", err)
	}
	s.Node.Load1, s.Node.Load5, s.Node.Load15 = load.Load1, load.Load5, load.Load15
	return s, nil
}

func deref(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}
