package backend

import (
	"fmt"

	"github.com/seantiz/anvil/internal/status"
)

// Capability is an extension point where interchangeable implementations
// compete for selection.
type Capability int

const (
	Launch Capability = iota
	Stat
	Propagate
)

func (c Capability) String() string {
	switch c {
	case Launch:
		return "launch"
	case Stat:
		return "stat"
	case Propagate:
		return "propagate"
	default:
		return fmt.Sprintf("capability(%d)", int(c))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Capability) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Capability) UnmarshalText(b []byte) error {
	for _, cand := range []Capability{Launch, Stat, Propagate} {
		if cand.String() == string(b) {
			*c = cand
			return nil
		}
	}
	return fmt.Errorf("capability %q: %w", b, status.ErrBadParam)
}

// Module is the live instance of a selected backend. Capability-specific
// interfaces (launch.Backend, stat.Backend) embed it.
type Module interface {
	// Init is called once, right after the module wins selection.
	Init() error

	// Finalize is called once at registry teardown.
	Finalize() error
}

// QueryFunc asks a candidate whether it applies to the current environment.
// It receives the descriptor's default priority and returns the module to
// use with its effective priority, or an error (usually status.ErrDeclined)
// to decline.
type QueryFunc func(priority int) (Module, int, error)

// Descriptor registers one candidate implementation of a capability.
type Descriptor struct {
	Name       string
	Capability Capability
	Priority   int
	Query      QueryFunc

	// Params holds the backend's parsed tunables, if any. It is reported by
	// List and otherwise opaque to the registry.
	Params any
}

// Info describes a registered candidate for the admin API.
type Info struct {
	Name       string     `json:"name"`
	Capability Capability `json:"capability"`
	Priority   int        `json:"priority"`
	Selected   bool       `json:"selected"`
	Params     any        `json:"params,omitempty"`
}
