// Package status defines the error taxonomy shared by every anvil component
// and the status codes carried by events on the notification bus.
package status

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown job, key, backend or registration.
	ErrNotFound = errors.New("not found")

	// ErrNotSupported is returned when no backend is selected for a capability.
	ErrNotSupported = errors.New("not supported")

	// ErrTypeMismatch is returned when an attribute key is reused with a different type.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrFailedToStart is returned when an external launch mechanism rejects or errors.
	ErrFailedToStart = errors.New("failed to start")

	// ErrOutOfResources is returned when a fixed-capacity table is full.
	ErrOutOfResources = errors.New("out of resources")

	// ErrBadParam is returned for malformed caller input.
	ErrBadParam = errors.New("bad parameter")

	// ErrUnreachable is returned when no daemon of a job can be contacted.
	ErrUnreachable = errors.New("unreachable")

	// ErrLostConnection is returned when a previously live daemon disconnects.
	ErrLostConnection = errors.New("lost connection")

	// ErrDeclined is returned by a backend query whose environment is absent.
	ErrDeclined = errors.New("declined")

	// ErrDuplicate is a BadParam raised when something is registered twice.
	ErrDuplicate = fmt.Errorf("duplicate: %w", ErrBadParam)

	// ErrActionComplete is passed to a proceed continuation by an event
	// handler that ends the handler chain.
	ErrActionComplete = errors.New("event action complete")
)

// Code identifies the condition an event reports.
type Code int

const (
	Success Code = iota
	JobTerminated
	ProcAborted
	ProcTerminated
	DaemonReported
	DaemonFailed
	LostConnection
	FailedToStart
)

var codeNames = map[Code]string{
	Success:        "success",
	JobTerminated:  "job_terminated",
	ProcAborted:    "proc_aborted",
	ProcTerminated: "proc_terminated",
	DaemonReported: "daemon_reported",
	DaemonFailed:   "daemon_failed",
	LostConnection: "lost_connection",
	FailedToStart:  "failed_to_start",
}

// Codes returns every defined code in numeric order.
func Codes() []Code {
	return []Code{Success, JobTerminated, ProcAborted, ProcTerminated, DaemonReported, DaemonFailed, LostConnection, FailedToStart}
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// ParseCode is the inverse of Code.String.
func ParseCode(s string) (Code, error) {
	for c, name := range codeNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("parse status code %q: %w", s, ErrBadParam)
}

// MarshalText implements encoding.TextMarshaler.
func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Code) UnmarshalText(b []byte) error {
	parsed, err := ParseCode(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
