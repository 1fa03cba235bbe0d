// Package irq implements a PLIC-style interrupt controller: per-interrupt
// pending bit, per-context priority threshold, per-context enable mask,
// atomic claim/complete.
package irq

import (
	"fmt"
	"sync"

	"github.com/crosshost/vmm/internal/vmerr"
)

// ID identifies a single interrupt source (an IRQ line number).
type ID uint32

// Context is a claim target — typically one per vCPU privilege level, the
// way a RISC-V PLIC exposes one (hart, mode) context per claim/complete
// register pair.
type Context uint32

type source struct {
	priority uint32
	pending  bool
	claimed  bool
}

// Controller is safe for concurrent use: Raise is called from device
// callbacks (possibly from an I/O pool goroutine), Claim/Complete from a
// vCPU thread.
type Controller struct {
	mu sync.Mutex

	sources map[ID]*source

	threshold map[Context]uint32
	enabled   map[Context]map[ID]bool
}

// New returns an empty Controller.
func New() *Controller {
	return &Controller{
		sources:   make(map[ID]*source),
		threshold: make(map[Context]uint32),
		enabled:   make(map[Context]map[ID]bool),
	}
}

// Configure registers id with the given fixed priority (higher wins ties
// broken by ID). Safe to call at any time; it does not clear pending state.
func (c *Controller) Configure(id ID, priority uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sources[id]
	if !ok {
		s = &source{}
		c.sources[id] = s
	}
	s.priority = priority
}

// SetThreshold sets ctx's priority threshold: only interrupts with priority
// at or above the threshold are eligible for claim.
func (c *Controller) SetThreshold(ctx Context, threshold uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threshold[ctx] = threshold
}

// SetEnabled enables or disables delivery of id to ctx.
func (c *Controller) SetEnabled(ctx Context, id ID, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.enabled[ctx]
	if !ok {
		m = make(map[ID]bool)
		c.enabled[ctx] = m
	}
	m[id] = enabled
}

// Raise sets id pending if some context has it enabled and its priority
// clears that context's threshold.
func (c *Controller) Raise(id ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sources[id]
	if !ok {
		return
	}
	for ctx, m := range c.enabled {
		if !m[id] {
			continue
		}
		if s.priority >= c.threshold[ctx] {
			s.pending = true
			return
		}
	}
}

// Claim returns the highest-priority pending, enabled interrupt for ctx and
// atomically clears its pending bit (it remains "claimed" until Complete).
// Ties are broken by the lowest ID. Returns ok=false if nothing is
// claimable.
func (c *Controller) Claim(ctx Context) (id ID, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best ID
	var bestPriority uint32
	found := false

	m := c.enabled[ctx]
	threshold := c.threshold[ctx]
	for candidate, s := range c.sources {
		if !m[candidate] || !s.pending || s.claimed {
			continue
		}
		if s.priority < threshold {
			continue
		}
		if !found || s.priority > bestPriority || (s.priority == bestPriority && candidate < best) {
			best, bestPriority, found = candidate, s.priority, true
		}
	}
	if !found {
		return 0, false
	}
	s := c.sources[best]
	s.pending = false
	s.claimed = true
	return best, true
}

// Complete acknowledges id, permitting it to be raised (and claimed)
// again. A claimed interrupt that is never completed is never
// re-delivered.
func (c *Controller) Complete(id ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sources[id]
	if !ok {
		return fmt.Errorf("%w: complete of unconfigured interrupt %d", vmerr.ErrDevice, id)
	}
	s.claimed = false
	return nil
}

// Pending reports whether id currently has its pending bit set.
func (c *Controller) Pending(id ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sources[id]
	return ok && s.pending
}

// AnyPending reports whether ctx has at least one claimable interrupt,
// the check a vCPU loop head performs each iteration.
func (c *Controller) AnyPending(ctx Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.enabled[ctx]
	threshold := c.threshold[ctx]
	for id, s := range c.sources {
		if m[id] && s.pending && !s.claimed && s.priority >= threshold {
			return true
		}
	}
	return false
}
