// Package fence provides fence cycles: completion handles for batches of
// host GPU work.
//
// A Cycle wraps a single unsignalled-to-signalled transition of a backend
// fence. Object lifetimes can be attached to a cycle and are released when
// it signals, and cycles can be chained so that waiting on the newest cycle
// transitively waits on superseded work.
package fence

import (
	"sync"
	"sync/atomic"

	"github.com/gogpu/emubuf/backend"
)

// Cycle tracks one reset -> signal transition of a backend fence.
//
// All waits on the underlying fence must go through the same Cycle; the
// fence state changing externally is not supported.
type Cycle struct {
	signalled atomic.Bool
	fence     backend.Fence

	mu      sync.Mutex
	chained []*Cycle
	deps    []any
}

// NewCycle creates a cycle over an unsignalled fence.
func NewCycle(f backend.Fence) *Cycle {
	return &Cycle{fence: f}
}

// Signalled reports whether the cycle has been observed as signalled.
func (c *Cycle) Signalled() bool {
	return c.signalled.Load()
}

// markSignalled flips the cycle to signalled once and releases attachments.
func (c *Cycle) markSignalled() {
	if c.signalled.Swap(true) {
		return
	}
	c.mu.Lock()
	c.deps = nil
	c.chained = nil
	c.mu.Unlock()
}

// Cancel signals the cycle regardless of the underlying fence state.
func (c *Cycle) Cancel() {
	c.markSignalled()
}

// Wait blocks until the cycle and everything chained behind it signal.
func (c *Cycle) Wait() {
	if c.signalled.Load() {
		return
	}

	c.mu.Lock()
	chained := c.chained
	c.mu.Unlock()
	for _, prev := range chained {
		prev.Wait()
	}

	c.fence.Wait()
	c.markSignalled()
}

// Poll reports whether the cycle has signalled, without blocking.
func (c *Cycle) Poll() bool {
	if c.signalled.Load() {
		return true
	}

	c.mu.Lock()
	chained := c.chained
	c.mu.Unlock()
	for _, prev := range chained {
		if !prev.Poll() {
			return false
		}
	}

	if !c.fence.Poll() {
		return false
	}
	c.markSignalled()
	return true
}

// ChainCycle makes this cycle supersede prev: waiting on this cycle then
// transitively waits on prev. Chaining a signalled cycle is a no-op.
func (c *Cycle) ChainCycle(prev *Cycle) {
	if prev == nil || prev == c || prev.Signalled() {
		return
	}
	if c.signalled.Load() {
		// A signalled cycle cannot delay anything; the caller must wait on
		// prev directly. Attaching here would silently drop the dependency.
		prev.Wait()
		return
	}
	c.mu.Lock()
	c.chained = append(c.chained, prev)
	c.mu.Unlock()
}

// AttachObject ties an object's lifetime to the cycle: the reference is
// held until the cycle signals. Attaching to a signalled cycle is a no-op.
func (c *Cycle) AttachObject(dep any) {
	if c.signalled.Load() {
		return
	}
	c.mu.Lock()
	if !c.signalled.Load() {
		c.deps = append(c.deps, dep)
	}
	c.mu.Unlock()
}

// AttachObjects attaches several objects at once.
func (c *Cycle) AttachObjects(deps ...any) {
	for _, dep := range deps {
		c.AttachObject(dep)
	}
}
