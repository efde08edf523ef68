package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/status"
)

// ProcName identifies one process by job and rank.
type ProcName = attr.ProcName

// HNPVpid is the vpid of the head node process. Daemons start at 1.
const HNPVpid uint32 = 0

// JobFlags qualify a job's lifecycle.
type JobFlags uint8

const (
	// JobFlagRestart marks a job relaunched after losing daemons.
	JobFlagRestart JobFlags = 1 << iota

	// JobFlagRecoverable lets a running job relaunch lost daemons instead
	// of terminating.
	JobFlagRecoverable

	// JobFlagDebuggerDaemons marks a job of tool daemons co-launched with an
	// application job.
	JobFlagDebuggerDaemons
)

var jobFlagNames = []struct {
	flag JobFlags
	name string
}{
	{JobFlagRestart, "restart"},
	{JobFlagRecoverable, "recoverable"},
	{JobFlagDebuggerDaemons, "debugger_daemons"},
}

// Has reports whether all of want are set.
func (f JobFlags) Has(want JobFlags) bool {
	return f&want == want
}

// MarshalJSON renders the flags as a list of names.
func (f JobFlags) MarshalJSON() ([]byte, error) {
	names := []string{}
	for _, fn := range jobFlagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return json.Marshal(names)
}

// UnmarshalJSON parses the name list MarshalJSON writes.
func (f *JobFlags) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var out JobFlags
	for _, name := range names {
		found := false
		for _, fn := range jobFlagNames {
			if fn.name == name {
				out |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown job flag %q", name)
		}
	}
	*f = out
	return nil
}

// Node is one host in a job's allocation.
type Node struct {
	Name           string          `json:"name"`
	DaemonLaunched bool            `json:"daemon_launched"`
	Attrs          attr.Collection `json:"-"`
}

// Daemon is the per-node helper process hosting a job's processes.
type Daemon struct {
	Vpid       uint32     `json:"vpid"`
	Node       string     `json:"node"`
	State      ProcState  `json:"state"`
	ReportedAt *time.Time `json:"reported_at,omitempty"`
}

// Proc is one application process of a job.
type Proc struct {
	Name     ProcName        `json:"name"`
	State    ProcState       `json:"state"`
	Node     string          `json:"node"`
	ExitCode int32           `json:"exit_code"`
	Attrs    attr.Collection `json:"-"`
}

// Job is one parallel application's execution. It is owned by the state
// machine's progress loop; other goroutines see it through Snapshot.
type Job struct {
	ID        string             `json:"id"`
	State     JobState           `json:"state"`
	Flags     JobFlags           `json:"flags"`
	Nodes     []*Node            `json:"nodes"`
	Daemons   map[string]*Daemon `json:"daemons"`
	Procs     []*Proc            `json:"procs"`
	NumProcs  int                `json:"num_procs"`
	Restarts  int                `json:"restarts"`
	Error     string             `json:"error,omitempty"`
	Attrs     attr.Collection    `json:"-"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// NewJob builds a job in JobInit from a validated descriptor.
func NewJob(d Descriptor) *Job {
	now := time.Now().UTC()
	j := &Job{
		ID:        d.ID,
		State:     JobInit,
		Daemons:   make(map[string]*Daemon),
		NumProcs:  d.NumProcs,
		Attrs:     d.Attrs.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if j.ID == "" {
		j.ID = NewID()
	}
	if d.Recoverable {
		j.Flags |= JobFlagRecoverable
	}
	for _, name := range d.Nodes {
		j.Nodes = append(j.Nodes, &Node{Name: name})
	}
	return j
}

// Node returns the node called name.
func (j *Job) Node(name string) *Node {
	for _, n := range j.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// NextVpid returns the first vpid not used by any daemon of the job.
func (j *Job) NextVpid() uint32 {
	next := HNPVpid + 1
	for _, d := range j.Daemons {
		if d.Vpid >= next {
			next = d.Vpid + 1
		}
	}
	return next
}

// DaemonByVpid looks a daemon up by vpid.
func (j *Job) DaemonByVpid(vpid uint32) *Daemon {
	for _, d := range j.Daemons {
		if d.Vpid == vpid {
			return d
		}
	}
	return nil
}

// AllDaemonsReported reports whether every node's daemon has reported in.
func (j *Job) AllDaemonsReported() bool {
	for _, n := range j.Nodes {
		if !n.DaemonLaunched {
			return false
		}
	}
	return true
}

// LiveDaemons counts daemons that have not failed or disconnected.
func (j *Job) LiveDaemons() int {
	live := 0
	for _, d := range j.Daemons {
		if !d.State.IsTerminal() {
			live++
		}
	}
	return live
}

// SetError records cause as the job's error, both as an attribute and in
// the reported Error field. The first cause is kept.
func (j *Job) SetError(cause error) {
	if cause == nil || j.Error != "" {
		return
	}
	j.Error = cause.Error()
	// The key is only ever stored as a string, so Set cannot fail here.
	_ = j.Attrs.Set(attr.KeyJobErrorCause, false, j.Error, attr.TypeString)
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (j *Job) Snapshot() *Job {
	c := *j
	c.Attrs = j.Attrs.Clone()
	c.Nodes = make([]*Node, len(j.Nodes))
	for i, n := range j.Nodes {
		nc := *n
		nc.Attrs = n.Attrs.Clone()
		c.Nodes[i] = &nc
	}
	c.Daemons = make(map[string]*Daemon, len(j.Daemons))
	for k, d := range j.Daemons {
		dc := *d
		if d.ReportedAt != nil {
			t := *d.ReportedAt
			dc.ReportedAt = &t
		}
		c.Daemons[k] = &dc
	}
	c.Procs = make([]*Proc, len(j.Procs))
	for i, p := range j.Procs {
		pc := *p
		pc.Attrs = p.Attrs.Clone()
		c.Procs[i] = &pc
	}
	return &c
}

// Record returns the persisted view of the job.
func (j *Job) Record() *JobRecord {
	names := make([]string, len(j.Nodes))
	for i, n := range j.Nodes {
		names[i] = n.Name
	}
	return &JobRecord{
		ID:        j.ID,
		State:     j.State,
		Nodes:     names,
		NumProcs:  j.NumProcs,
		Restarts:  j.Restarts,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

// Descriptor is a spawn request.
type Descriptor struct {
	// ID names the job to restart. It is assigned for fresh jobs.
	ID          string          `json:"id,omitempty"`
	Nodes       []string        `json:"nodes"`
	NumProcs    int             `json:"num_procs"`
	Restart     bool            `json:"restart,omitempty"`
	Recoverable bool            `json:"recoverable,omitempty"`
	Attrs       attr.Collection `json:"-"`
}

// Validate rejects malformed spawn requests.
func (d Descriptor) Validate() error {
	if d.Restart {
		if d.ID == "" {
			return fmt.Errorf("restart without job id: %w", status.ErrBadParam)
		}
		return nil
	}
	if len(d.Nodes) == 0 {
		return fmt.Errorf("job has no nodes: %w", status.ErrBadParam)
	}
	if d.NumProcs < 0 {
		return fmt.Errorf("negative process count %d: %w", d.NumProcs, status.ErrBadParam)
	}
	seen := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n == "" {
			return fmt.Errorf("empty node name: %w", status.ErrBadParam)
		}
		if seen[n] {
			return fmt.Errorf("node %q listed twice: %w", n, status.ErrBadParam)
		}
		seen[n] = true
	}
	return nil
}

// JobRecord is a job as persisted by the store.
type JobRecord struct {
	ID        string    `json:"id"`
	State     JobState  `json:"state"`
	Nodes     []string  `json:"nodes"`
	NumProcs  int       `json:"num_procs"`
	Restarts  int       `json:"restarts"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventRecord is one journaled notification concerning a job.
type EventRecord struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Code      string    `json:"code"`
	Source    string    `json:"source"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
