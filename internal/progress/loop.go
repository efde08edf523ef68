// Package progress provides the single-threaded loop that owns all job,
// process and event-registration state. Work is posted as closures and run
// to completion one at a time, in posting order.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Loop is an unbounded FIFO of closures drained by one goroutine. Post is
// safe from any goroutine, including from inside a running closure.
type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	started atomic.Bool
	done    chan struct{}
	name    string
	logger  *slog.Logger
}

// New creates a loop. It does nothing until Start is called.
func New(name string, logger *slog.Logger) *Loop {
	l := &Loop{
		done:   make(chan struct{}),
		name:   name,
		logger: logger,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Start launches the loop goroutine. Calling it twice is a no-op.
func (l *Loop) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	go l.run()
}

// Stop refuses further work, runs whatever is already queued and waits for
// the loop goroutine to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.cond.Broadcast()
	l.mu.Unlock()

	if l.started.Load() {
		<-l.done
	}
}

// Post queues fn. It reports false if the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Call posts fn and waits for it to run. It must not be called from inside a
// closure running on this loop.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return fmt.Errorf("%s loop: stopped", l.name)
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s loop: %w", l.name, ctx.Err())
	}
}

// Sync waits until everything posted before the call has run.
func (l *Loop) Sync(ctx context.Context) error {
	return l.Call(ctx, func() {})
}

// Len returns the number of queued closures.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.invoke(fn)
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("progress handler panicked", "loop", l.name, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
