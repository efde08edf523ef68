package model

import "fmt"

// JobState is the lifecycle position of a job.
type JobState int

const (
	JobInit JobState = iota
	JobMapped
	JobDaemonsLaunching
	JobDaemonsLaunched
	JobDaemonsReported
	JobRunning
	JobTerminating
	JobTerminated
	JobFailedToStart
)

var jobStateNames = [...]string{
	JobInit:             "init",
	JobMapped:           "mapped",
	JobDaemonsLaunching: "daemons_launching",
	JobDaemonsLaunched:  "daemons_launched",
	JobDaemonsReported:  "daemons_reported",
	JobRunning:          "running",
	JobTerminating:      "terminating",
	JobTerminated:       "terminated",
	JobFailedToStart:    "failed_to_start",
}

// JobStates returns every job state in lifecycle order.
func JobStates() []JobState {
	out := make([]JobState, len(jobStateNames))
	for i := range jobStateNames {
		out[i] = JobState(i)
	}
	return out
}

func (s JobState) String() string {
	if s >= 0 && int(s) < len(jobStateNames) {
		return jobStateNames[s]
	}
	return fmt.Sprintf("job_state(%d)", int(s))
}

// ParseJobState is the inverse of JobState.String.
func ParseJobState(v string) (JobState, error) {
	for i, name := range jobStateNames {
		if name == v {
			return JobState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown job state %q", v)
}

// MarshalText implements encoding.TextMarshaler.
func (s JobState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *JobState) UnmarshalText(b []byte) error {
	parsed, err := ParseJobState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether no further transitions are expected, short of
// a restart.
func (s JobState) IsTerminal() bool {
	return s == JobTerminated || s == JobFailedToStart
}

// validTransitions maps each job state to the states it may move to.
var validTransitions = map[JobState]map[JobState]bool{
	JobInit: {
		JobMapped:        true,
		JobFailedToStart: true,
		JobTerminating:   true,
	},
	JobMapped: {
		JobDaemonsLaunching: true,
		JobFailedToStart:    true,
		JobTerminating:      true,
	},
	JobDaemonsLaunching: {
		JobDaemonsLaunched: true,
		JobDaemonsReported: true,
		JobFailedToStart:   true,
		JobTerminating:     true,
	},
	JobDaemonsLaunched: {
		JobDaemonsReported: true,
		JobFailedToStart:   true,
		JobTerminating:     true,
	},
	JobDaemonsReported: {
		JobRunning:       true,
		JobMapped:        true,
		JobFailedToStart: true,
		JobTerminating:   true,
	},
	JobRunning: {
		JobMapped:      true,
		JobTerminating: true,
	},
	JobTerminating: {
		JobTerminated: true,
	},
	JobTerminated: {
		JobMapped: true,
	},
	JobFailedToStart: {
		JobMapped: true,
	},
}

// ValidTransition reports whether a job may move from one state to another.
func ValidTransition(from, to JobState) bool {
	return validTransitions[from][to]
}

// ProcState is the lifecycle position of a process or daemon.
type ProcState int

const (
	ProcInit ProcState = iota
	ProcLaunched
	ProcRunning
	ProcTerminated
	ProcAborted
	ProcFailedToStart
	ProcLostConnection
)

var procStateNames = [...]string{
	ProcInit:           "init",
	ProcLaunched:       "launched",
	ProcRunning:        "running",
	ProcTerminated:     "terminated",
	ProcAborted:        "aborted",
	ProcFailedToStart:  "failed_to_start",
	ProcLostConnection: "lost_connection",
}

func (s ProcState) String() string {
	if s >= 0 && int(s) < len(procStateNames) {
		return procStateNames[s]
	}
	return fmt.Sprintf("proc_state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s ProcState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ProcState) UnmarshalText(b []byte) error {
	for i, name := range procStateNames {
		if name == string(b) {
			*s = ProcState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown proc state %q", b)
}

// IsTerminal reports whether the process or daemon is gone.
func (s ProcState) IsTerminal() bool {
	return s >= ProcTerminated
}
