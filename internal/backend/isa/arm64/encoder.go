// Package arm64 implements backend.Encoder for the AArch64 host target.
// Fields are composed with shift+mask onto the named bit positions from the
// Arm ARM, mirroring the decoder's approach in internal/decode/arm64.go, so
// an encoding and its matching decode case read the same way.
package arm64

import (
	"encoding/binary"

	"github.com/crosshost/vmm/internal/backend"
	"github.com/crosshost/vmm/internal/ir"
)

// Encoder lowers a flat ir.Block to AArch64 machine code implementing the
// shared compiled-code calling convention: func(guestGPR *int64, ctx
// *runtimeContext, guestFP *float64) uint64, returning the next guest PC in
// X0. AAPCS64 passes those three pointers in X0, X1, X2, so the register
// allocator's pool starts at X3.
type Encoder struct{}

func (Encoder) Name() string { return "arm64" }

const (
	xzr         = 31
	regGuestGPR = 0 // X0
	poolBase    = 3
	poolSize    = 13 // X3..X15
)

func encReg(logical int) byte { return byte(poolBase + logical) }

// Encode implements backend.Encoder.
func (e Encoder) Encode(block *ir.Block) ([]byte, error) {
	ra := backend.NewRegAlloc(poolBase+poolSize, poolBase)
	var words []uint32

	loc := func(r ir.Reg) (byte, bool, int32) {
		hr, spilled, slot := ra.Assign(r)
		return encReg(hr - poolBase), spilled, slot
	}

	const scratch0, scratch1 byte = 16, 17 // X16/X17 (IP0/IP1): caller-saved intra-procedure scratch

	loadOperand := func(dstEnc byte, r ir.Reg) {
		if r.IsContextSlot() {
			emitLDRImm(&words, dstEnc, regGuestGPR, int32(uint32(r))*8)
			return
		}
		hr, spilled, slot := loc(r)
		if spilled {
			emitLDRImm(&words, dstEnc, 29, slot) // frame pointer X29-relative
			return
		}
		if hr != dstEnc {
			emitMovReg(&words, dstEnc, hr)
		}
	}

	storeResult := func(r ir.Reg, srcEnc byte) {
		if r.IsContextSlot() {
			emitSTRImm(&words, regGuestGPR, int32(uint32(r))*8, srcEnc)
			return
		}
		hr, spilled, slot := loc(r)
		if spilled {
			emitSTRImm(&words, 29, slot, srcEnc)
			return
		}
		if hr != srcEnc {
			emitMovReg(&words, hr, srcEnc)
		}
	}

	for _, in := range block.Ops() {
		switch in.Opcode {
		case ir.OpMovImm:
			dst, spilled, slot := loc(in.Dst)
			target := dst
			if spilled {
				target = scratch0
			}
			emitMovImm64(&words, target, uint64(in.Imm))
			if spilled {
				emitSTRImm(&words, 29, slot, target)
			}

		case ir.OpMovReg:
			loadOperand(scratch0, in.Src[0])
			storeResult(in.Dst, scratch0)

		case ir.OpIAdd, ir.OpISub:
			loadOperand(scratch0, in.Src[0])
			if in.Src[1].Valid() {
				loadOperand(scratch1, in.Src[1])
			} else {
				emitMovImm64(&words, scratch1, uint64(in.Imm))
			}
			emitAddSub(&words, in.Opcode == ir.OpISub, false, scratch0, scratch0, scratch1)
			storeResult(in.Dst, scratch0)

		case ir.OpAnd, ir.OpOr, ir.OpXor:
			loadOperand(scratch0, in.Src[0])
			if in.Src[1].Valid() {
				loadOperand(scratch1, in.Src[1])
			} else {
				emitMovImm64(&words, scratch1, uint64(in.Imm))
			}
			emitLogical(&words, logicalOpc(in.Opcode), scratch0, scratch0, scratch1)
			storeResult(in.Dst, scratch0)

		case ir.OpICmp:
			loadOperand(scratch0, in.Src[0])
			if in.Src[1].Valid() {
				loadOperand(scratch1, in.Src[1])
			} else {
				emitMovImm64(&words, scratch1, uint64(in.Imm))
			}
			emitAddSub(&words, true, true, xzr, scratch0, scratch1) // SUBS XZR, a, b
			emitCSet(&words, scratch0, armCond(in.Cond))
			storeResult(in.Dst, scratch0)

		case ir.OpLoad:
			loadOperand(scratch0, in.Src[0])
			emitLDRImm(&words, scratch1, scratch0, 0)
			storeResult(in.Dst, scratch1)

		case ir.OpStore:
			loadOperand(scratch0, in.Src[0])
			loadOperand(scratch1, in.Src[1])
			emitSTRImm(&words, scratch0, 0, scratch1)

		default:
			return nil, backend.ErrUnsupportedOp(e.Name(), in.Opcode)
		}
	}

	term := block.Terminator()
	switch term.Kind {
	case ir.TermReturn:
		loadOperand(0, term.PCReg)
	case ir.TermJump, ir.TermCall:
		emitMovImm64(&words, 0, term.TargetPC)
	case ir.TermCondJump:
		loadOperand(scratch1, term.Cond)
		emitMovImm64(&words, 0, term.TargetPC)
		emitMovImm64(&words, scratch0, term.ElsePC)
		emitTestAndSelect(&words, 0, 0, scratch0, scratch1)
	case ir.TermFault:
		emitMovImm64(&words, 0, term.FaultPayload)
	}
	words = append(words, 0xD65F03C0) // RET X30

	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf, nil
}

func logicalOpc(op ir.Opcode) uint32 {
	switch op {
	case ir.OpAnd:
		return 0
	case ir.OpOr:
		return 1
	case ir.OpXor:
		return 2
	default:
		return 0
	}
}

// armCond maps an IR comparison condition to the AArch64 4-bit condition
// code used by CSET/CSEL (Arm ARM condition field encoding).
func armCond(c ir.IntegerCmpCond) uint32 {
	switch c {
	case ir.CondEqual:
		return 0b0000
	case ir.CondNotEqual:
		return 0b0001
	case ir.CondUnsignedLessThan:
		return 0b0011
	case ir.CondUnsignedGreaterThanOrEqual:
		return 0b0010
	case ir.CondUnsignedGreaterThan:
		return 0b1000
	case ir.CondUnsignedLessThanOrEqual:
		return 0b1001
	case ir.CondSignedLessThan:
		return 0b1011
	case ir.CondSignedGreaterThanOrEqual:
		return 0b1010
	case ir.CondSignedGreaterThan:
		return 0b1100
	case ir.CondSignedLessThanOrEqual:
		return 0b1101
	default:
		return 0b0000
	}
}

// emitMovImm64 loads an arbitrary 64-bit value with a MOVZ followed by up to
// three MOVK instructions.
func emitMovImm64(words *[]uint32, rd byte, imm uint64) {
	*words = append(*words, moveWide(2, 0, uint32(imm)&0xffff, rd)) // MOVZ
	for hw := 1; hw < 4; hw++ {
		chunk := uint32(imm>>(hw*16)) & 0xffff
		if chunk != 0 {
			*words = append(*words, moveWide(3, uint32(hw), chunk, rd)) // MOVK
		}
	}
}

// moveWide composes sf(31)=1 opc(30:29) 100101(28:23) hw(22:21) imm16(20:5) Rd(4:0).
func moveWide(opc uint32, hw uint32, imm16 uint32, rd byte) uint32 {
	return 1<<31 | opc<<29 | 0x25<<23 | hw<<21 | imm16<<5 | uint32(rd)
}

func emitMovReg(words *[]uint32, rd, rm byte) {
	*words = append(*words, emitAddSubWord(false, false, rd, xzr, rm))
}

// emitAddSub composes `sf(31)=1 op(30) S(29) 01011(28:24) shift(23:22)=00 0(21) Rm(20:16) imm6(15:10)=0 Rn(9:5) Rd(4:0)`.
func emitAddSub(words *[]uint32, sub, setFlags bool, rd, rn, rm byte) {
	*words = append(*words, addSubWord(sub, setFlags, rd, rn, rm))
}

func emitAddSubWord(sub, setFlags bool, rd, rn, rm byte) uint32 {
	return addSubWord(sub, setFlags, rd, rn, rm)
}

func addSubWord(sub, setFlags bool, rd, rn, rm byte) uint32 {
	var op, s uint32
	if sub {
		op = 1
	}
	if setFlags {
		s = 1
	}
	return 1<<31 | op<<30 | s<<29 | 0x0b<<24 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd)
}

// emitLogical composes `sf(31)=1 opc(30:29) 01010(28:24) shift(23:22)=00 N(21)=0 Rm(20:16) imm6(15:10)=0 Rn(9:5) Rd(4:0)`.
func emitLogical(words *[]uint32, opc uint32, rd, rn, rm byte) {
	*words = append(*words, 1<<31|opc<<29|0x0a<<24|uint32(rm)<<16|uint32(rn)<<5|uint32(rd))
}

// emitCSet composes CSET Rd, cond as the CSINC alias: CSINC Rd, XZR, XZR, invert(cond).
func emitCSet(words *[]uint32, rd byte, cond uint32) {
	invCond := cond ^ 1
	*words = append(*words, condSelectWord(1, xzr, invCond, xzr, rd))
}

// emitTestAndSelect picks target (already in rd) when condReg != 0, else
// moves elseVal into rd, via TST + CSEL.
func emitTestAndSelect(words *[]uint32, rd, target, elseVal, condReg byte) {
	// ANDS XZR, condReg, condReg (sets NE when condReg != 0).
	*words = append(*words, 1<<31|0x3<<29|0x0a<<24|uint32(condReg)<<16|uint32(condReg)<<5|xzr)
	*words = append(*words, condSelectWord(0, elseVal, 0b0001, target, rd))
}

// condSelectWord composes the conditional-select family: sf(31)=1 op(30)
// S(29)=0 11010100(28:21) Rm(20:16) cond(15:12) op2(11:10) Rn(9:5) Rd(4:0).
// op2=01 selects CSINC, op2=00 selects CSEL.
func condSelectWord(op2 uint32, rm byte, cond uint32, rn, rd byte) uint32 {
	return 1<<31 | 0xd4<<21 | uint32(rm)<<16 | cond<<12 | op2<<10 | uint32(rn)<<5 | uint32(rd)
}

// emitLDRImm composes LDR Rt, [Rn, #imm] (unsigned immediate, 64-bit):
// size(31:30)=11 111(29:27) V(26)=0 01(25:24) opc(23:22)=01 imm12(21:10) Rn(9:5) Rt(4:0).
func emitLDRImm(words *[]uint32, rt, rn byte, imm int32) {
	*words = append(*words, ldStWord(1, rt, rn, imm))
}

// emitSTRImm composes STR Rt, [Rn, #imm]: same family with opc(23:22)=00.
func emitSTRImm(words *[]uint32, rn byte, imm int32, rt byte) {
	*words = append(*words, ldStWord(0, rt, rn, imm))
}

func ldStWord(opc uint32, rt, rn byte, imm int32) uint32 {
	imm12 := uint32(imm/8) & 0xfff
	return 0x3<<30 | 0x7<<27 | 0x1<<24 | opc<<22 | imm12<<10 | uint32(rn)<<5 | uint32(rt)
}
