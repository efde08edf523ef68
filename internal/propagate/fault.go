package propagate

import (
	"context"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/status"
)

// Fault is the portable description of a failure broadcast to peers.
type Fault struct {
	Code     status.Code    `json:"code"`
	JobID    string         `json:"job_id"`
	Proc     *attr.ProcName `json:"proc,omitempty"`
	ExitCode int32          `json:"exit_code,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	Origin   string         `json:"origin,omitempty"`
	Time     time.Time      `json:"time"`
}

// Info rebuilds the notification attributes for a fault received from a
// peer. It carries KeyEventRemoteOrigin so the fault is not rebroadcast.
func (f Fault) Info() attr.Collection {
	var info attr.Collection
	_ = info.Set(attr.KeyJobID, false, f.JobID, attr.TypeString)
	if f.Proc != nil {
		_ = info.Set(attr.KeyEventAffectedProc, false, *f.Proc, attr.TypeProc)
		_ = info.Set(attr.KeyProcExitCode, false, f.ExitCode, attr.TypeInt32)
	}
	if f.Detail != "" {
		_ = info.Set(attr.KeyEventDetail, false, f.Detail, attr.TypeString)
	}
	origin := f.Origin
	if origin == "" {
		origin = "remote"
	}
	_ = info.Set(attr.KeyEventRemoteOrigin, false, origin, attr.TypeString)
	return info
}

// Source returns the process the fault is reported against.
func (f Fault) Source() attr.ProcName {
	if f.Proc != nil {
		return *f.Proc
	}
	return attr.ProcName{Job: f.JobID}
}

// Broadcaster forwards faults to whatever is watching beyond this process.
type Broadcaster interface {
	Broadcast(ctx context.Context, f Fault) error
}

// faultBufferSize is the channel buffer of a MemoryBroadcaster subscriber.
const faultBufferSize = 32

// MemoryBroadcaster fans faults out to in-process subscribers. A subscriber
// that falls behind loses faults rather than stalling the broadcaster.
type MemoryBroadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Fault
	nextID int
}

// NewMemoryBroadcaster creates a broadcaster with no subscribers.
func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{subs: make(map[int]chan Fault)}
}

// Broadcast implements Broadcaster.
func (b *MemoryBroadcaster) Broadcast(_ context.Context, f Fault) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- f:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of faults and a function that unsubscribes.
func (b *MemoryBroadcaster) Subscribe() (<-chan Fault, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Fault, faultBufferSize)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}
