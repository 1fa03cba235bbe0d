package ir

// Opcode identifies the operation performed by an Instruction. Since Go has
// no union/variant type, every Instruction shares one flattened struct and
// the meaning of its operand fields depends on Opcode; see Instruction's
// field comments for which fields a given Opcode reads.
type Opcode uint32

const (
	opcodeInvalid Opcode = iota

	// OpMovImm: `dst = imm`. Loads a sign-extended immediate into dst.
	OpMovImm
	// OpMovReg: `dst = src0`. Plain register-to-register copy.
	OpMovReg

	// OpIAdd: `dst = src0 + src1`.
	OpIAdd
	// OpISub: `dst = src0 - src1`.
	OpISub
	// OpIMul: `dst = low(src0 * src1)`, truncated to the destination width.
	OpIMul
	// OpIMulHiS: `dst = high(signed(src0) * signed(src1))`.
	OpIMulHiS
	// OpIMulHiU: `dst = high(unsigned(src0) * unsigned(src1))`.
	OpIMulHiU
	// OpIMulHiSU: `dst = high(signed(src0) * unsigned(src1))`.
	OpIMulHiSU
	// OpIDivS: signed divide. A zero divisor does not trap the host: it
	// yields -1, and the minimum value divided by -1 yields the minimum
	// value (no overflow trap).
	OpIDivS
	// OpIDivU: unsigned divide. A zero divisor yields all-ones, not a trap.
	OpIDivU
	// OpIRemS: signed remainder. A zero divisor yields the dividend.
	OpIRemS
	// OpIRemU: unsigned remainder. A zero divisor yields the dividend.
	OpIRemU

	// OpAnd: `dst = src0 & src1`.
	OpAnd
	// OpOr: `dst = src0 | src1`.
	OpOr
	// OpXor: `dst = src0 ^ src1`.
	OpXor
	// OpNot: `dst = ^src0`.
	OpNot

	// OpShl: `dst = src0 << src1`, logical shift left.
	OpShl
	// OpShrU: `dst = src0 >> src1`, logical (unsigned) shift right.
	OpShrU
	// OpShrS: `dst = src0 >> src1`, arithmetic (sign-extending) shift right.
	OpShrS

	// OpICmp: `dst = src0 <cond> src1`, dst has TypeBool1. Cond is read from
	// Instruction.Cond.
	OpICmp

	// OpLoad: `dst = *addr`, width/order/alignment/volatility from the
	// Instruction's Size/Order/Align/Volatile fields. addr is a guest
	// virtual address read from Src[0].
	OpLoad
	// OpStore: `*addr = src1`, addr in Src[0], value in Src[1].
	OpStore

	// OpAtomicRMW: `dst = *addr; *addr = dst <AtomicOp> src1`, per the
	// ordering in Instruction.Order. addr in Src[0], operand in Src[1].
	OpAtomicRMW

	// OpFMov: `dst = src0`, floating-point register move (no conversion).
	OpFMov
	// OpFIntToFloat: reinterprets or converts an integer bit pattern to a
	// float of the destination Type.
	OpFIntToFloat
	// OpFFloatToInt: converts a float to the integer bit pattern of the
	// destination Type.
	OpFFloatToInt

	// OpVSAddS: vector lanes, signed saturating add. Overflow clamps to the
	// lane type's signed min/max.
	OpVSAddS
	// OpVSAddU: vector lanes, unsigned saturating add. Overflow clamps to
	// zero/max.
	OpVSAddU
	// OpVSSubS: vector lanes, signed saturating subtract.
	OpVSSubS
	// OpVSSubU: vector lanes, unsigned saturating subtract.
	OpVSSubU
	// OpVMul: vector lanes, truncated multiply (no saturation).
	OpVMul

	// OpArchCPUID: architecture identification query (x86 CPUID-like,
	// RISC-V misa-like). Routed to the runtime service named in
	// Instruction.ServiceName; result in dst.
	OpArchCPUID
	// OpArchTLBFlush: flush the soft-TLB. Addr (if set) narrows the flush to
	// a single page; otherwise flushes the current address space.
	OpArchTLBFlush
	// OpArchCSRRead: reads a control/status register (CSR on RISC-V, MSR on
	// x86-64) named by Instruction.Imm into dst.
	OpArchCSRRead
	// OpArchCSRWrite: writes Src[0] to the CSR/MSR named by Instruction.Imm.
	OpArchCSRWrite

	// OpVendorOpaque: an opaque vendor-specific operation (matrix/tensor/NPU
	// extensions) dispatched by Instruction.ServiceName. The IR does not
	// interpret its semantics; it is a pass-through to a runtime service.
	OpVendorOpaque
)

// AtomicOp names the read-modify-write performed by OpAtomicRMW.
type AtomicOp byte

const (
	AtomicAdd AtomicOp = iota
	AtomicSub
	AtomicAnd
	AtomicOr
	AtomicXor
	AtomicXchg
	// AtomicCAS additionally reads the expected value from Src[1] and the
	// new value from a third operand carried in Instruction.CASNew.
	AtomicCAS
)

// String implements fmt.Stringer.
func (o Opcode) String() string {
	switch o {
	case OpMovImm:
		return "mov_imm"
	case OpMovReg:
		return "mov_reg"
	case OpIAdd:
		return "iadd"
	case OpISub:
		return "isub"
	case OpIMul:
		return "imul"
	case OpIMulHiS:
		return "imul_hi_s"
	case OpIMulHiU:
		return "imul_hi_u"
	case OpIMulHiSU:
		return "imul_hi_su"
	case OpIDivS:
		return "idiv_s"
	case OpIDivU:
		return "idiv_u"
	case OpIRemS:
		return "irem_s"
	case OpIRemU:
		return "irem_u"
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	case OpXor:
		return "xor"
	case OpNot:
		return "not"
	case OpShl:
		return "shl"
	case OpShrU:
		return "shr_u"
	case OpShrS:
		return "shr_s"
	case OpICmp:
		return "icmp"
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	case OpAtomicRMW:
		return "atomic_rmw"
	case OpFMov:
		return "fmov"
	case OpFIntToFloat:
		return "fcvt_from_int"
	case OpFFloatToInt:
		return "fcvt_to_int"
	case OpVSAddS:
		return "vsadd_s"
	case OpVSAddU:
		return "vsadd_u"
	case OpVSSubS:
		return "vssub_s"
	case OpVSSubU:
		return "vssub_u"
	case OpVMul:
		return "vmul"
	case OpArchCPUID:
		return "arch_cpuid"
	case OpArchTLBFlush:
		return "arch_tlb_flush"
	case OpArchCSRRead:
		return "arch_csr_read"
	case OpArchCSRWrite:
		return "arch_csr_write"
	case OpVendorOpaque:
		return "vendor_opaque"
	default:
		return "invalid"
	}
}
