// Package stat reports resource usage of processes and their node through
// whichever Stat backend the registry selected.
package stat

import (
	"fmt"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/status"
)

// ProcStats describes one process.
type ProcStats struct {
	Pid        int     `json:"pid"`
	Command    string  `json:"command"`
	State      string  `json:"state"`
	Threads    int     `json:"threads"`
	RSSBytes   int     `json:"rss_bytes"`
	VSizeBytes uint    `json:"vsize_bytes"`
	CPUSeconds float64 `json:"cpu_seconds"`
}

// NodeStats describes the host the process runs on. Memory is in kB.
type NodeStats struct {
	MemTotalKB     uint64  `json:"mem_total_kb"`
	MemFreeKB      uint64  `json:"mem_free_kb"`
	MemAvailableKB uint64  `json:"mem_available_kb"`
	Load1          float64 `json:"load1"`
	Load5          float64 `json:"load5"`
	Load15         float64 `json:"load15"`
}

// Stats is one sample.
type Stats struct {
	Proc      ProcStats `json:"proc"`
	Node      NodeStats `json:"node"`
	SampledAt time.Time `json:"sampled_at"`
}

// Backend is a Stat capability module.
type Backend interface {
	backend.Module
	Query(pid int) (*Stats, error)
}

// Selector is the part of the backend registry Query needs.
type Selector interface {
	Selected(capability backend.Capability) (backend.Module, error)
}

// Query samples pid through the selected Stat backend. It fails with
// status.ErrNotSupported when none is selected.
func Query(reg Selector, pid int) (*Stats, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("query pid %d: %w", pid, status.ErrBadParam)
	}
	mod, err := reg.Selected(backend.Stat)
	if err != nil {
		return nil, fmt.Errorf("query pid %d: %w", pid, err)
	}
	b, ok := mod.(Backend)
	if !ok {
		return nil, fmt.Errorf("stat module %T: %w", mod, status.ErrNotSupported)
	}
	return b.Query(pid)
}
