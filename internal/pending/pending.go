// Package pending bridges asynchronous completions to blocked callers.
//
// A Cell starts active with a count of expected completions. Each Release
// decrements the count; the release that reaches zero marks the cell
// inactive and wakes every waiter. The cell's mutex guards only its own
// fields.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/status"
)

// Result is what an asynchronous operation reports on completion.
type Result struct {
	Status error
	Info   attr.Collection
}

// Cell is a lock/wait cell awaiting a fixed number of releases.
type Cell struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active bool
	count  int
	result Result
}

// New creates an active cell that completes after count releases. A count
// below one is treated as one.
func New(count int) *Cell {
	if count < 1 {
		count = 1
	}
	c := &Cell{active: true, count: count}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Release records one completion. Status errors are joined and info
// attributes appended across releases. It reports true for the release that
// completes the cell; releases after completion are ignored.
func (c *Cell) Release(r Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return false
	}

	if r.Status != nil {
		c.result.Status = errors.Join(c.result.Status, r.Status)
	}
	for _, a := range r.Info.All() {
		if err := c.result.Info.Append(a); err != nil {
			c.result.Status = errors.Join(c.result.Status, err)
		}
	}

	c.count--
	if c.count > 0 {
		return false
	}
	c.active = false
	c.cond.Broadcast()
	return true
}

// Wait blocks until the cell completes and returns the accumulated result.
func (c *Cell) Wait() Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.active {
		c.cond.Wait()
	}
	return c.result
}

// WaitContext is Wait bounded by ctx.
func (c *Cell) WaitContext(ctx context.Context) (Result, error) {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.cond.Broadcast()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.active {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("wait for completion: %w", err)
		}
		c.cond.Wait()
	}
	return c.result, nil
}

// Active reports whether completions are still outstanding.
func (c *Cell) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Remaining returns the number of outstanding releases.
func (c *Cell) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return 0
	}
	return c.count
}

// Close validates that the cell may be discarded. Discarding a cell that is
// still active would strand its waiters.
func (c *Cell) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return fmt.Errorf("close pending cell with %d outstanding: %w", c.count, status.ErrBadParam)
	}
	return nil
}
