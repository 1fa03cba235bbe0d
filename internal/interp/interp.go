// Package interp executes ir.Blocks directly, one operation at a time. It
// is the lowest execution tier and the semantic reference the JIT and AOT
// tiers are held to: whatever this package computes for a block is, by
// definition, what compiled code for the same block must compute.
package interp

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/crosshost/vmm/internal/ir"
	"github.com/crosshost/vmm/internal/vmerr"
)

// NumContextSlots sizes the guest register file an executing block sees. 32
// covers every supported guest ISA (x86-64 uses 16, ARM64 and RISC-V 64 use
// 31 plus a zero register).
const NumContextSlots = 32

// Memory is the narrowed load/store surface a block executes against,
// implemented by the soft-MMU in the running VM and by flat byte slices in
// tests.
type Memory interface {
	Read(va uint64, size uint8) (uint64, error)
	Write(va uint64, size uint8, val uint64) error
}

// Services routes the architecture-special operations (CPUID-like
// queries, CSR/MSR access, TLB maintenance, vendor-opaque ops) to the
// runtime rather than interpreting them in-line.
type Services interface {
	CPUID(name string, arg uint64) (uint64, error)
	CSRRead(index int64) (uint64, error)
	CSRWrite(index int64, value uint64) error
	TLBFlush(va uint64)
	Vendor(name string, args []uint64) (uint64, error)
}

// Env is the runtime context a block executes in: the guest register
// files from the compiled-code calling convention, plus the memory and
// service surfaces. GPR and FPR are owned by the calling vCPU's thread;
// Execute never retains them past its return.
type Env struct {
	GPR      *[NumContextSlots]uint64
	FPR      *[NumContextSlots]uint64
	Mem      Memory
	Services Services
}

// Fault is a guest exception raised during execution: a fault terminator, a
// memory operation that failed translation, or an architecture-special op
// with no service behind it. The vCPU runtime delivers it as a guest
// exception at the block boundary.
type Fault struct {
	Kind    ir.FaultKind
	PC      uint64
	Payload uint64
}

// Error implements error.
func (f *Fault) Error() string {
	return fmt.Sprintf("guest fault %s at pc 0x%x (payload 0x%x)", f.Kind, f.PC, f.Payload)
}

// Unwrap maps the fault onto the error taxonomy so errors.Is works against
// the vmerr sentinels.
func (f *Fault) Unwrap() error {
	switch f.Kind {
	case ir.FaultIllegalInstruction:
		return vmerr.ErrDecode
	case ir.FaultFetchFault:
		return vmerr.ErrFetchFault
	case ir.FaultMemoryFault:
		return vmerr.ErrMemoryFault
	case ir.FaultDeviceError:
		return vmerr.ErrDevice
	default:
		return vmerr.ErrDecode
	}
}

// frame is the per-execution virtual register file. Register IDs below
// ir.FirstVirtualReg address the guest context directly.
type frame struct {
	env  *Env
	virt []uint64
}

func (fr *frame) get(r ir.Reg) uint64 {
	if !r.Valid() {
		return 0
	}
	if r.IsContextSlot() {
		return fr.env.GPR[uint32(r)%NumContextSlots]
	}
	return fr.virt[uint32(r-ir.FirstVirtualReg)]
}

func (fr *frame) set(r ir.Reg, v uint64) {
	if !r.Valid() {
		return
	}
	if r.IsContextSlot() {
		fr.env.GPR[uint32(r)%NumContextSlots] = v
		return
	}
	fr.virt[uint32(r-ir.FirstVirtualReg)] = v
}

// operand reads source slot i, falling back to the instruction's immediate
// when the slot is unused — the decoders' convention for reg-imm forms.
func (fr *frame) operand(in *ir.Instruction, i int) uint64 {
	if in.Src[i].Valid() {
		return fr.get(in.Src[i])
	}
	return uint64(in.Imm)
}

// Execute runs block against env and returns the next guest PC. A fault
// terminator, a failed memory access, or an unroutable architecture-special
// op returns a *Fault; env is left reflecting every operation executed
// before the fault, matching the decoders' commit-before-terminator rule.
func Execute(block *ir.Block, env *Env) (uint64, error) {
	fr := frame{env: env}
	if n := block.RegCount(); n > uint32(ir.FirstVirtualReg) {
		fr.virt = make([]uint64, n-uint32(ir.FirstVirtualReg))
	}

	ops := block.Ops()
	for i := range ops {
		if err := fr.step(&ops[i], block.StartPC()); err != nil {
			return 0, err
		}
	}
	return fr.terminate(block)
}

func (fr *frame) step(in *ir.Instruction, pc uint64) error {
	w := width(in.Type)

	switch in.Opcode {
	case ir.OpMovImm:
		fr.set(in.Dst, trunc(uint64(in.Imm), w))

	case ir.OpMovReg:
		fr.set(in.Dst, fr.get(in.Src[0]))

	case ir.OpIAdd:
		fr.set(in.Dst, trunc(fr.get(in.Src[0])+fr.operand(in, 1), w))
	case ir.OpISub:
		fr.set(in.Dst, trunc(fr.get(in.Src[0])-fr.operand(in, 1), w))
	case ir.OpIMul:
		fr.set(in.Dst, trunc(fr.get(in.Src[0])*fr.operand(in, 1), w))

	case ir.OpIMulHiS, ir.OpIMulHiU, ir.OpIMulHiSU:
		fr.set(in.Dst, mulHi(in.Opcode, fr.get(in.Src[0]), fr.operand(in, 1), w))

	case ir.OpIDivS:
		fr.set(in.Dst, divS(fr.get(in.Src[0]), fr.operand(in, 1), w))
	case ir.OpIDivU:
		fr.set(in.Dst, divU(fr.get(in.Src[0]), fr.operand(in, 1), w))
	case ir.OpIRemS:
		fr.set(in.Dst, remS(fr.get(in.Src[0]), fr.operand(in, 1), w))
	case ir.OpIRemU:
		fr.set(in.Dst, remU(fr.get(in.Src[0]), fr.operand(in, 1), w))

	case ir.OpAnd:
		fr.set(in.Dst, fr.get(in.Src[0])&fr.operand(in, 1))
	case ir.OpOr:
		fr.set(in.Dst, fr.get(in.Src[0])|fr.operand(in, 1))
	case ir.OpXor:
		fr.set(in.Dst, fr.get(in.Src[0])^fr.operand(in, 1))
	case ir.OpNot:
		fr.set(in.Dst, trunc(^fr.get(in.Src[0]), w))

	case ir.OpShl:
		fr.set(in.Dst, trunc(fr.get(in.Src[0])<<(fr.operand(in, 1)&uint64(w-1)), w))
	case ir.OpShrU:
		fr.set(in.Dst, trunc(fr.get(in.Src[0]), w)>>(fr.operand(in, 1)&uint64(w-1)))
	case ir.OpShrS:
		amt := fr.operand(in, 1) & uint64(w-1)
		fr.set(in.Dst, trunc(uint64(signExt(fr.get(in.Src[0]), w)>>amt), w))

	case ir.OpICmp:
		fr.set(in.Dst, cmp(in.Cond, fr.get(in.Src[0]), fr.operand(in, 1), w))

	case ir.OpLoad:
		v, err := fr.env.Mem.Read(fr.get(in.Src[0]), in.Size)
		if err != nil {
			return &Fault{Kind: ir.FaultMemoryFault, PC: pc, Payload: fr.get(in.Src[0])}
		}
		fr.set(in.Dst, v)

	case ir.OpStore:
		addr := fr.get(in.Src[0])
		if err := fr.env.Mem.Write(addr, in.Size, trunc(fr.get(in.Src[1]), int(in.Size)*8)); err != nil {
			return &Fault{Kind: ir.FaultMemoryFault, PC: pc, Payload: addr}
		}

	case ir.OpAtomicRMW:
		return fr.atomicRMW(in, pc)

	case ir.OpFMov:
		fr.set(in.Dst, fr.get(in.Src[0]))

	case ir.OpFIntToFloat:
		v := signExt(fr.get(in.Src[0]), 64)
		if in.Type == ir.TypeF32 {
			fr.set(in.Dst, uint64(math.Float32bits(float32(v))))
		} else {
			fr.set(in.Dst, math.Float64bits(float64(v)))
		}

	case ir.OpFFloatToInt:
		raw := fr.get(in.Src[0])
		var f float64
		if in.Type == ir.TypeF32 {
			f = float64(math.Float32frombits(uint32(raw)))
		} else {
			f = math.Float64frombits(raw)
		}
		fr.set(in.Dst, uint64(int64(f)))

	case ir.OpVSAddS, ir.OpVSAddU, ir.OpVSSubS, ir.OpVSSubU, ir.OpVMul:
		fr.set(in.Dst, laneOp(in.Opcode, fr.get(in.Src[0]), fr.operand(in, 1), laneBytes(in)))

	case ir.OpArchCPUID:
		if fr.env.Services == nil {
			return &Fault{Kind: ir.FaultIllegalInstruction, PC: pc}
		}
		v, err := fr.env.Services.CPUID(in.ServiceName, fr.operand(in, 0))
		if err != nil {
			return &Fault{Kind: ir.FaultIllegalInstruction, PC: pc}
		}
		fr.set(in.Dst, v)

	case ir.OpArchTLBFlush:
		if fr.env.Services != nil {
			fr.env.Services.TLBFlush(fr.operand(in, 0))
		}

	case ir.OpArchCSRRead:
		if fr.env.Services == nil {
			return &Fault{Kind: ir.FaultIllegalInstruction, PC: pc}
		}
		v, err := fr.env.Services.CSRRead(in.Imm)
		if err != nil {
			return &Fault{Kind: ir.FaultIllegalInstruction, PC: pc}
		}
		fr.set(in.Dst, v)

	case ir.OpArchCSRWrite:
		if fr.env.Services == nil {
			return &Fault{Kind: ir.FaultIllegalInstruction, PC: pc}
		}
		if err := fr.env.Services.CSRWrite(in.Imm, fr.get(in.Src[0])); err != nil {
			return &Fault{Kind: ir.FaultIllegalInstruction, PC: pc}
		}

	case ir.OpVendorOpaque:
		if fr.env.Services == nil {
			return &Fault{Kind: ir.FaultIllegalInstruction, PC: pc}
		}
		var args []uint64
		for _, s := range in.Src {
			if s.Valid() {
				args = append(args, fr.get(s))
			}
		}
		v, err := fr.env.Services.Vendor(in.ServiceName, args)
		if err != nil {
			return &Fault{Kind: ir.FaultIllegalInstruction, PC: pc}
		}
		fr.set(in.Dst, v)

	default:
		return &Fault{Kind: ir.FaultIllegalInstruction, PC: pc}
	}
	return nil
}

func (fr *frame) atomicRMW(in *ir.Instruction, pc uint64) error {
	addr := fr.get(in.Src[0])
	old, err := fr.env.Mem.Read(addr, in.Size)
	if err != nil {
		return &Fault{Kind: ir.FaultMemoryFault, PC: pc, Payload: addr}
	}
	arg := fr.get(in.Src[1])
	var next uint64
	write := true
	switch in.AtomicOp {
	case ir.AtomicAdd:
		next = old + arg
	case ir.AtomicSub:
		next = old - arg
	case ir.AtomicAnd:
		next = old & arg
	case ir.AtomicOr:
		next = old | arg
	case ir.AtomicXor:
		next = old ^ arg
	case ir.AtomicXchg:
		next = arg
	case ir.AtomicCAS:
		if old == arg {
			next = fr.get(in.CASNew)
		} else {
			write = false
		}
	}
	if write {
		if err := fr.env.Mem.Write(addr, in.Size, trunc(next, int(in.Size)*8)); err != nil {
			return &Fault{Kind: ir.FaultMemoryFault, PC: pc, Payload: addr}
		}
	}
	fr.set(in.Dst, old)
	return nil
}

func (fr *frame) terminate(block *ir.Block) (uint64, error) {
	t := block.Terminator()
	switch t.Kind {
	case ir.TermReturn:
		return fr.get(t.PCReg), nil
	case ir.TermJump:
		return t.TargetPC, nil
	case ir.TermCondJump:
		if fr.get(t.Cond) != 0 {
			return t.TargetPC, nil
		}
		return t.ElsePC, nil
	case ir.TermCall:
		// ElsePC doubles as the return address a call stores in its link
		// register; the target is where execution resumes.
		fr.set(t.LinkReg, t.ElsePC)
		return t.TargetPC, nil
	case ir.TermFault:
		return 0, &Fault{Kind: t.FaultKind, PC: block.StartPC(), Payload: t.FaultPayload}
	default:
		return 0, &Fault{Kind: ir.FaultIllegalInstruction, PC: block.StartPC()}
	}
}

func width(t ir.Type) int {
	if b := t.Bits(); b >= 8 && b <= 64 {
		return b
	}
	return 64
}

func trunc(v uint64, w int) uint64 {
	if w >= 64 {
		return v
	}
	return v & (1<<uint(w) - 1)
}

func signExt(v uint64, w int) int64 {
	if w >= 64 {
		return int64(v)
	}
	shift := uint(64 - w)
	return int64(v<<shift) >> shift
}

// divS implements the architectural signed-divide boundary semantics: a
// zero divisor yields -1 without trapping, and dividing the minimum value
// by -1 yields the minimum value.
func divS(a, b uint64, w int) uint64 {
	sa, sb := signExt(a, w), signExt(b, w)
	if sb == 0 {
		return trunc(^uint64(0), w)
	}
	min := int64(-1) << uint(w-1)
	if sa == min && sb == -1 {
		return trunc(uint64(min), w)
	}
	return trunc(uint64(sa/sb), w)
}

// divU: a zero divisor yields all-ones in the operation width.
func divU(a, b uint64, w int) uint64 {
	ua, ub := trunc(a, w), trunc(b, w)
	if ub == 0 {
		return trunc(^uint64(0), w)
	}
	return ua / ub
}

// remS: a zero divisor yields the dividend; min rem -1 yields zero.
func remS(a, b uint64, w int) uint64 {
	sa, sb := signExt(a, w), signExt(b, w)
	if sb == 0 {
		return trunc(uint64(sa), w)
	}
	min := int64(-1) << uint(w-1)
	if sa == min && sb == -1 {
		return 0
	}
	return trunc(uint64(sa%sb), w)
}

func remU(a, b uint64, w int) uint64 {
	ua, ub := trunc(a, w), trunc(b, w)
	if ub == 0 {
		return ua
	}
	return ua % ub
}

func mulHi(op ir.Opcode, a, b uint64, w int) uint64 {
	if w < 64 {
		switch op {
		case ir.OpIMulHiS:
			return trunc(uint64((signExt(a, w)*signExt(b, w))>>uint(w)), w)
		case ir.OpIMulHiU:
			return trunc((trunc(a, w)*trunc(b, w))>>uint(w), w)
		default: // signed * unsigned
			return trunc(uint64((signExt(a, w)*int64(trunc(b, w)))>>uint(w)), w)
		}
	}
	hi, _ := bits.Mul64(a, b)
	switch op {
	case ir.OpIMulHiU:
		return hi
	case ir.OpIMulHiS:
		if int64(a) < 0 {
			hi -= b
		}
		if int64(b) < 0 {
			hi -= a
		}
		return hi
	default: // OpIMulHiSU
		if int64(a) < 0 {
			hi -= b
		}
		return hi
	}
}

func cmp(cond ir.IntegerCmpCond, a, b uint64, w int) uint64 {
	var r bool
	if cond.Signed() {
		sa, sb := signExt(a, w), signExt(b, w)
		switch cond {
		case ir.CondSignedLessThan:
			r = sa < sb
		case ir.CondSignedLessThanOrEqual:
			r = sa <= sb
		case ir.CondSignedGreaterThan:
			r = sa > sb
		case ir.CondSignedGreaterThanOrEqual:
			r = sa >= sb
		}
	} else {
		ua, ub := trunc(a, w), trunc(b, w)
		switch cond {
		case ir.CondEqual:
			r = ua == ub
		case ir.CondNotEqual:
			r = ua != ub
		case ir.CondUnsignedLessThan:
			r = ua < ub
		case ir.CondUnsignedLessThanOrEqual:
			r = ua <= ub
		case ir.CondUnsignedGreaterThan:
			r = ua > ub
		case ir.CondUnsignedGreaterThanOrEqual:
			r = ua >= ub
		}
	}
	if r {
		return 1
	}
	return 0
}

// laneBytes defaults the vector ops' lane width to 8 when a decoder left
// Size unset.
func laneBytes(in *ir.Instruction) int {
	if in.Size == 1 || in.Size == 2 || in.Size == 4 || in.Size == 8 {
		return int(in.Size)
	}
	return 8
}

// laneOp applies a saturating (or truncating, for OpVMul) operation to
// each lane of the packed 64-bit values a and b. Signed saturation clamps
// to the lane's min/max, unsigned saturation clamps to zero/max.
func laneOp(op ir.Opcode, a, b uint64, lane int) uint64 {
	laneBits := lane * 8
	var out uint64
	for off := 0; off < 64; off += laneBits {
		la := trunc(a>>uint(off), laneBits)
		lb := trunc(b>>uint(off), laneBits)
		var lr uint64
		switch op {
		case ir.OpVSAddS:
			lr = satAddS(la, lb, laneBits)
		case ir.OpVSSubS:
			lr = satSubS(la, lb, laneBits)
		case ir.OpVSAddU:
			lr = satAddU(la, lb, laneBits)
		case ir.OpVSSubU:
			if lb > la {
				lr = 0
			} else {
				lr = la - lb
			}
		case ir.OpVMul:
			lr = trunc(la*lb, laneBits)
		}
		out |= lr << uint(off)
	}
	return out
}

func satAddS(la, lb uint64, w int) uint64 {
	if w < 64 {
		return clampS(signExt(la, w)+signExt(lb, w), w)
	}
	sa, sb := int64(la), int64(lb)
	s := sa + sb
	if sa >= 0 && sb >= 0 && s < 0 {
		return uint64(math.MaxInt64)
	}
	if sa < 0 && sb < 0 && s >= 0 {
		return uint64(uint64(1) << 63)
	}
	return uint64(s)
}

func satSubS(la, lb uint64, w int) uint64 {
	if w < 64 {
		return clampS(signExt(la, w)-signExt(lb, w), w)
	}
	sa, sb := int64(la), int64(lb)
	s := sa - sb
	if sa >= 0 && sb < 0 && s < 0 {
		return uint64(math.MaxInt64)
	}
	if sa < 0 && sb >= 0 && s >= 0 {
		return uint64(uint64(1) << 63)
	}
	return uint64(s)
}

func satAddU(la, lb uint64, w int) uint64 {
	if w < 64 {
		return satU(la+lb, w)
	}
	s := la + lb
	if s < la {
		return ^uint64(0)
	}
	return s
}

// clampS saturates v into the signed range of a lane narrower than 64 bits.
func clampS(v int64, w int) uint64 {
	max := int64(1)<<uint(w-1) - 1
	min := -max - 1
	if v > max {
		v = max
	}
	if v < min {
		v = min
	}
	return trunc(uint64(v), w)
}

func satU(v uint64, w int) uint64 {
	max := uint64(1)<<uint(w) - 1
	if v > max {
		return max
	}
	return v
}
