// Package vcpu implements the per-vCPU runtime: a loop that checks
// lifecycle requests and pending interrupts at its head,
// hands the current PC to the hybrid executor, and routes guest faults.
// Each VCPU's register state is owned exclusively by the goroutine running
// its loop; cross-vCPU effects arrive as messages drained at the loop head,
// never mid-block.
package vcpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crosshost/vmm/internal/eventbus"
	"github.com/crosshost/vmm/internal/gaddr"
	"github.com/crosshost/vmm/internal/hybrid"
	"github.com/crosshost/vmm/internal/interp"
	"github.com/crosshost/vmm/internal/ir"
	"github.com/crosshost/vmm/internal/irq"
	"github.com/crosshost/vmm/internal/tlb"
	"github.com/crosshost/vmm/internal/vmerr"
)

// State is a vCPU lifecycle state.
type State byte

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateStopped
	StateFaulted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// interruptCauseBit distinguishes an interrupt cause from an exception
// cause in the Cause register, the way RISC-V's mcause top bit does.
const interruptCauseBit = uint64(1) << 63

// Options carries the optional collaborators a VCPU can be wired to.
type Options struct {
	IRQ        *irq.Controller
	IRQContext irq.Context
	Bus        *eventbus.Bus
	Log        *slog.Logger
	Services   interp.Services
	// TrapVector is where guest exceptions and interrupts transfer control.
	// Zero leaves faults undeliverable: a guest fault then stops the vCPU
	// with a recorded cause.
	TrapVector uint64
}

// VCPU is one guest hardware thread.
type VCPU struct {
	ID int

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	pauseReq bool
	stopReq  bool
	cause    error
	barriers []chan<- struct{}

	// Guest architectural state, owned by the Run goroutine while running.
	gpr        [interp.NumContextSlots]uint64
	fpr        [interp.NumContextSlots]uint64
	pc         uint64
	userMode   bool
	intrOn     bool
	trapVector uint64
	epc        uint64
	trapCause  uint64

	exec     *hybrid.Executor
	mem      interp.Memory
	services interp.Services
	intc     *irq.Controller
	irqCtx   irq.Context
	bus      *eventbus.Bus
	log      *slog.Logger
}

// New returns a VCPU in StateCreated, positioned at entryPC.
func New(id int, exec *hybrid.Executor, mem interp.Memory, entryPC uint64, opts Options) *VCPU {
	v := &VCPU{
		ID:         id,
		state:      StateCreated,
		pc:         entryPC,
		exec:       exec,
		mem:        mem,
		services:   opts.Services,
		intc:       opts.IRQ,
		irqCtx:     opts.IRQContext,
		bus:        opts.Bus,
		log:        opts.Log,
		trapVector: opts.TrapVector,
		intrOn:     opts.IRQ != nil,
	}
	if v.log == nil {
		v.log = slog.Default()
	}
	v.cond = sync.NewCond(&v.mu)
	return v
}

// State returns the current lifecycle state.
func (v *VCPU) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// FaultCause returns the error that moved the vCPU to StateFaulted, if any.
func (v *VCPU) FaultCause() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cause
}

// PC returns the current guest program counter. Meaningful to external
// callers only while the vCPU is not running.
func (v *VCPU) PC() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pc
}

// SetReg seeds a guest general-purpose register before Run.
func (v *VCPU) SetReg(i int, val uint64) { v.gpr[i%interp.NumContextSlots] = val }

// Reg reads a guest general-purpose register. Meaningful to external
// callers only while the vCPU is parked or stopped.
func (v *VCPU) Reg(i int) uint64 { return v.gpr[i%interp.NumContextSlots] }

// Run executes the vCPU loop until stopped or faulted. It is called once,
// on its own goroutine.
func (v *VCPU) Run() error {
	v.mu.Lock()
	if v.state != StateCreated {
		v.mu.Unlock()
		return fmt.Errorf("%w: run on vCPU %d in state %s", vmerr.ErrLifecycle, v.ID, v.state)
	}
	v.state = StateRunning
	v.mu.Unlock()

	env := &interp.Env{GPR: &v.gpr, FPR: &v.fpr, Mem: v.mem, Services: v.services}

	for {
		if !v.loopHead() {
			return nil
		}
		v.deliverInterrupt()

		next, err := v.exec.Step(env, v.currentPC())
		if err != nil {
			if v.routeFault(err) {
				continue
			}
			return err
		}
		v.mu.Lock()
		v.pc = next
		v.mu.Unlock()
	}
}

func (v *VCPU) currentPC() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pc
}

// loopHead is the only suspension point: it drains
// cross-vCPU barriers, honors pause by parking on the condition variable,
// and honors stop by exiting. Returns false once the vCPU is stopped.
func (v *VCPU) loopHead() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for {
		v.ackBarriersLocked()
		if v.stopReq {
			v.state = StateStopped
			v.cond.Broadcast()
			return false
		}
		if v.pauseReq {
			v.state = StatePaused
			v.cond.Broadcast()
			v.cond.Wait()
			continue
		}
		v.state = StateRunning
		return true
	}
}

func (v *VCPU) ackBarriersLocked() {
	for _, ack := range v.barriers {
		ack <- struct{}{}
	}
	v.barriers = v.barriers[:0]
}

// deliverInterrupt claims the highest-priority pending interrupt, if any,
// and vectors the guest into its trap handler. A claimed interrupt stays
// claimed until the guest's handler completes it through the controller.
func (v *VCPU) deliverInterrupt() {
	if v.intc == nil || !v.intrOn || v.trapVector == 0 {
		return
	}
	id, ok := v.intc.Claim(v.irqCtx)
	if !ok {
		return
	}
	v.mu.Lock()
	v.epc = v.pc
	v.trapCause = interruptCauseBit | uint64(id)
	v.pc = v.trapVector
	v.mu.Unlock()
}

// EPC returns the PC saved by the most recent trap delivery.
func (v *VCPU) EPC() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.epc
}

// TrapCause returns the cause recorded by the most recent trap delivery;
// the top bit distinguishes interrupts from exceptions.
func (v *VCPU) TrapCause() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.trapCause
}

// routeFault delivers a guest fault to the guest's trap vector when one is
// installed; otherwise the vCPU records the cause and stops as faulted.
// Non-fault errors (infrastructure failures) always fault the vCPU:
// errors that prevent guest progress are never swallowed.
func (v *VCPU) routeFault(err error) bool {
	var fault *interp.Fault
	if errors.As(err, &fault) {
		if v.bus != nil && fault.Kind == ir.FaultMemoryFault {
			v.bus.Publish(eventbus.Event{Kind: eventbus.PageFaultRaised, PC: v.currentPC(), Detail: err})
		}
		if v.trapVector != 0 {
			v.mu.Lock()
			v.epc = v.pc
			v.trapCause = uint64(fault.Kind)
			v.pc = v.trapVector
			v.mu.Unlock()
			return true
		}
	}
	v.log.Error("vCPU faulted", "vcpu", v.ID, "pc", v.currentPC(), "err", err)
	v.mu.Lock()
	v.state = StateFaulted
	v.cause = err
	v.cond.Broadcast()
	v.mu.Unlock()
	return false
}

// Pause requests suspension at the next loop head. It is a request, not a
// synchronous wait; callers observe the transition via State.
func (v *VCPU) Pause() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch v.state {
	case StateRunning, StateCreated, StatePaused:
		v.pauseReq = true
		return nil
	default:
		return fmt.Errorf("%w: pause on vCPU %d in state %s", vmerr.ErrLifecycle, v.ID, v.state)
	}
}

// Resume wakes a paused vCPU.
func (v *VCPU) Resume() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.pauseReq && v.state != StatePaused {
		return fmt.Errorf("%w: resume on vCPU %d in state %s", vmerr.ErrLifecycle, v.ID, v.state)
	}
	v.pauseReq = false
	v.cond.Broadcast()
	return nil
}

// Stop requests exit at the next loop head; it also wakes a paused vCPU
// so the stop is observed promptly. Stop completes within one block's
// execution time.
func (v *VCPU) Stop() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch v.state {
	case StateStopped, StateFaulted:
		return fmt.Errorf("%w: stop on vCPU %d in state %s", vmerr.ErrLifecycle, v.ID, v.state)
	}
	v.stopReq = true
	v.pauseReq = false
	v.cond.Broadcast()
	return nil
}

// postBarrier enqueues a quiesce acknowledgement for a running vCPU,
// reporting false when the vCPU is parked, stopped, or not yet started — a
// vCPU with no block in flight counts as already quiesced.
func (v *VCPU) postBarrier(ack chan<- struct{}) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateRunning {
		return false
	}
	v.barriers = append(v.barriers, ack)
	return true
}

// BroadcastShootdown applies a TLB invalidation for [lo, hi) under asid and
// then waits until every running vCPU has passed a block boundary. On
// return, no vCPU can still be
// executing a block begun before the invalidation.
func BroadcastShootdown(t *tlb.TLB, vcpus []*VCPU, asid tlb.ASID, lo, hi gaddr.GuestAddr) {
	t.InvalidateRange(asid, lo, hi)
	ack := make(chan struct{}, len(vcpus))
	pending := 0
	for _, v := range vcpus {
		if v.postBarrier(ack) {
			pending++
		}
	}
	for i := 0; i < pending; i++ {
		<-ack
	}
}
