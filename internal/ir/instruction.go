package ir

// maxSrc is the widest operand arity any Opcode uses (OpAtomicRMW's CAS
// variant reads addr, expected, and new).
const maxSrc = 3

// Instruction is a single flat three-address operation. Every field's
// meaning depends on Opcode; see opcode.go for the per-opcode contract.
type Instruction struct {
	Opcode Opcode

	// Dst is the destination register, or RegInvalid for instructions with
	// no result (OpStore, OpArchTLBFlush without a destination, ...).
	Dst Reg
	// Src holds up to maxSrc source registers; unused slots are RegInvalid.
	Src [maxSrc]Reg

	// Type is the width/kind of Dst (or, for OpStore, of the stored value).
	Type Type

	// Imm is a sign-extended immediate operand, meaning depends on Opcode
	// (shift amount already lives in Src when it is a register; Imm is used
	// when the shift/CSR-index/etc. is a compile-time constant).
	Imm int64

	// Cond is read by OpICmp.
	Cond IntegerCmpCond

	// Signed distinguishes signed/unsigned variants for opcodes whose
	// sign-ness is not implied by a dedicated opcode (currently unused by
	// OpIAdd/OpISub, reserved for encoder-level peepholes).
	Signed bool

	// Memory-operation metadata, read by OpLoad/OpStore/OpAtomicRMW.
	Size     uint8 // access width in bytes: 1, 2, 4, 8, or 16 for vector ops.
	Align    uint8 // required alignment in bytes; 1 means unaligned-permitted.
	Volatile bool
	Order    MemOrder

	// AtomicOp is read by OpAtomicRMW.
	AtomicOp AtomicOp
	// CASNew is the replacement value for AtomicOp == AtomicCAS.
	CASNew Reg

	// ServiceName is read by OpArchCPUID and OpVendorOpaque to route the
	// operation to a named runtime service rather than interpreting it
	// in-line.
	ServiceName string
}

// IsFault reports whether this instruction is itself a fault-raising
// operation outside of the terminator (currently unused; reserved for
// decoders that want to emit a recoverable in-block fault probe before the
// terminator, e.g. an explicit alignment check).
func (i *Instruction) IsFault() bool { return false }
