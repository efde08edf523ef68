package event

import (
	"time"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/status"
)

// ID identifies a registration.
type ID string

// Event is one notification. It is shared read-only by every handler in the
// chain.
type Event struct {
	ID     string
	Code   status.Code
	Source attr.ProcName
	Info   attr.Collection
	Time   time.Time
}

// Delivery is what one handler receives.
type Delivery struct {
	Event        *Event
	Registration ID
	Name         string

	// Info holds the attributes attached at registration time, such as a
	// pointer to a pending.Cell.
	Info attr.Collection

	// Results holds the attributes returned by earlier handlers.
	Results attr.Collection
}

// ProceedFunc advances the handler chain. A nil error moves to the next
// handler, status.ErrActionComplete ends the chain, and any other error is
// recorded before moving on. It must be called exactly once per delivery,
// from any goroutine.
type ProceedFunc func(err error, results ...attr.Attribute)

// Handler receives a delivery. It must not block the loop: long work is
// moved off the loop and proceed called when it finishes.
type Handler func(d *Delivery, proceed ProceedFunc)

// Registration describes a handler to add to the bus. Empty Codes registers
// a default handler that sees every code. Match restricts delivery to events
// whose info contains every Match attribute.
type Registration struct {
	Name       string
	Codes      []status.Code
	Match      attr.Collection
	Info       attr.Collection
	Handler    Handler
	SingleShot bool
}

// Record is the serialisable summary of an event for journals and streams.
type Record struct {
	ID     string        `json:"id"`
	Code   status.Code   `json:"code"`
	Source attr.ProcName `json:"source"`
	JobID  string        `json:"job_id,omitempty"`
	Detail string        `json:"detail,omitempty"`
	Time   time.Time     `json:"time"`
}

// Record summarises the event.
func (e *Event) Record() Record {
	rec := Record{
		ID:     e.ID,
		Code:   e.Code,
		Source: e.Source,
		Time:   e.Time,
	}
	if id, ok, _ := e.Info.GetString(attr.KeyJobID); ok {
		rec.JobID = id
	} else if e.Source.Job != "" {
		rec.JobID = e.Source.Job
	}
	if d, ok, _ := e.Info.GetString(attr.KeyEventDetail); ok {
		rec.Detail = d
	} else if cause, ok, _ := e.Info.GetString(attr.KeyJobErrorCause); ok {
		rec.Detail = cause
	}
	return rec
}
