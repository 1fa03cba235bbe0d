// Package backend defines the contract a host-ISA encoder implements and
// the register-allocation helper every encoder shares. The package itself
// is architecture-neutral; concrete encoders live under
// internal/backend/isa/{amd64,arm64,riscv64}.
package backend

import (
	"fmt"

	"github.com/crosshost/vmm/internal/ir"
	"github.com/crosshost/vmm/internal/vmerr"
)

// Encoder lowers one ir.Block into host machine code. The emitted code is
// called with the calling convention (guest GPR array, runtime context,
// guest FP array) -> next PC, identical for JIT and AOT code so the hybrid
// executor can invoke either uniformly.
type Encoder interface {
	// Encode emits host machine code for block. ErrCompile (wrapped) is
	// returned for any operation the encoder does not yet cover; failures
	// are reported per block, never as panics.
	Encode(block *ir.Block) ([]byte, error)

	// Name identifies the target ISA, e.g. "amd64", "arm64", "riscv64".
	Name() string
}

// ErrUnsupportedOp wraps vmerr.ErrCompile for an opcode the encoder has no
// lowering for yet.
func ErrUnsupportedOp(isa string, op ir.Opcode) error {
	return fmt.Errorf("%w: %s encoder has no lowering for %s", vmerr.ErrCompile, isa, op)
}

// RegAlloc is a linear-scan allocator assigning each ir.Reg referenced by
// a block to one of a fixed set of host general-purpose registers,
// spilling to a per-block stack frame once the set is exhausted. A virtual
// name resolves to either a physical register or a frame slot; the flat IR
// needs no SSA value-definition bookkeeping on top of that.
type RegAlloc struct {
	numGPR    int
	reserved  int // low reserved registers (frame/context pointers) never allocated
	assign    map[ir.Reg]int
	spillSlot map[ir.Reg]int32
	nextSlot  int32
	used      int
}

// NewRegAlloc returns a RegAlloc over numGPR general-purpose registers, the
// first reserved of which are never handed out (kept for the calling
// convention's fixed pointers).
func NewRegAlloc(numGPR, reserved int) *RegAlloc {
	return &RegAlloc{
		numGPR:    numGPR,
		reserved:  reserved,
		assign:    make(map[ir.Reg]int),
		spillSlot: make(map[ir.Reg]int32),
	}
}

// Assign returns the host register index for reg, allocating one (or a
// stack slot once the register file is exhausted) on first reference.
func (r *RegAlloc) Assign(reg ir.Reg) (hostReg int, spilled bool, slot int32) {
	if hostReg, ok := r.assign[reg]; ok {
		return hostReg, false, 0
	}
	if slot, ok := r.spillSlot[reg]; ok {
		return 0, true, slot
	}
	avail := r.numGPR - r.reserved
	if r.used < avail {
		hr := r.reserved + r.used
		r.used++
		r.assign[reg] = hr
		return hr, false, 0
	}
	slot = r.nextSlot
	r.nextSlot += 8
	r.spillSlot[reg] = slot
	return 0, true, slot
}

// FrameSize returns the stack frame size in bytes needed for every spilled
// register assigned so far.
func (r *RegAlloc) FrameSize() int32 { return r.nextSlot }
