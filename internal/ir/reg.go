package ir

import "fmt"

// Reg names a virtual register in a block's per-block register file. It is
// not the guest register file: each decoder maintains its own mapping from
// guest registers to Reg IDs (see the decode package's regFile).
type Reg uint32

// RegInvalid marks the absence of a register operand (e.g. a destination-less
// store, or a source slot unused by a given opcode).
const RegInvalid Reg = 0xffffffff

// FirstVirtualReg is the boundary decoders use to separate two register
// namespaces sharing the Reg type: IDs below it name a guest context slot
// (an index into the vCPU's guest register file), IDs at or above it name a
// block-local virtual register allocated during decode. An OpMovReg whose
// Src[0] is a context slot is therefore a load from guest state, not a
// register-to-register move; encoders special-case it accordingly: the
// first read of a guest register produces a move-from-context.
const FirstVirtualReg Reg = 1 << 16

// IsContextSlot reports whether r names a guest context slot rather than a
// block-local virtual register.
func (r Reg) IsContextSlot() bool { return r.Valid() && r < FirstVirtualReg }

// Valid reports whether r names a real register.
func (r Reg) Valid() bool { return r != RegInvalid }

// String implements fmt.Stringer.
func (r Reg) String() string {
	if !r.Valid() {
		return "<invalid>"
	}
	return fmt.Sprintf("v%d", uint32(r))
}
