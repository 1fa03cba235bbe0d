// Package riscv64 implements backend.Encoder for the RV64I host target.
// Instruction words are composed field-by-field the same way
// internal/decode/riscv64.go decomposes them, so the two sides of the
// encode/decode boundary read as mirror images of each other.
package riscv64

import (
	"encoding/binary"

	"github.com/crosshost/vmm/internal/backend"
	"github.com/crosshost/vmm/internal/ir"
)

// Encoder lowers a flat ir.Block to RV64I machine code implementing the
// shared compiled-code calling convention: func(guestGPR *int64, ctx
// *runtimeContext, guestFP *float64) uint64, returning the next guest PC in
// a0. The LP64 ABI passes those three pointers in a0, a1, a2, so the
// register allocator's pool starts past them.
type Encoder struct{}

func (Encoder) Name() string { return "riscv64" }

const regGuestGPR = 10 // x10 (a0)

// pool lists the general-purpose registers RegAlloc hands out once the
// three argument registers (a0-a2, x10-x12) are reserved: the remaining
// argument registers (a3-a7) and the saved registers s2-s11, leaving the
// temporaries x5-x7/x28-x31 free as this encoder's own scratch space.
var pool = [...]byte{13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27}

const (
	scratch0 = 30 // t5
	scratch1 = 31 // t6
	xZero    = 0
)

func encReg(logical int) byte { return pool[logical] }

// Encode implements backend.Encoder.
func (e Encoder) Encode(block *ir.Block) ([]byte, error) {
	ra := backend.NewRegAlloc(len(pool), 0)
	var words []uint32

	loc := func(r ir.Reg) (byte, bool, int32) {
		hr, spilled, slot := ra.Assign(r)
		return encReg(hr), spilled, slot
	}

	loadOperand := func(dstEnc byte, r ir.Reg) {
		if r.IsContextSlot() {
			emitLoad(&words, dstEnc, regGuestGPR, int32(uint32(r))*8)
			return
		}
		hr, spilled, slot := loc(r)
		if spilled {
			emitLoad(&words, dstEnc, 8 /* s0/fp */, slot)
			return
		}
		if hr != dstEnc {
			emitADDI(&words, dstEnc, hr, 0)
		}
	}

	storeResult := func(r ir.Reg, srcEnc byte) {
		if r.IsContextSlot() {
			emitStore(&words, regGuestGPR, int32(uint32(r))*8, srcEnc)
			return
		}
		hr, spilled, slot := loc(r)
		if spilled {
			emitStore(&words, 8, slot, srcEnc)
			return
		}
		if hr != srcEnc {
			emitADDI(&words, hr, srcEnc, 0)
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
			emitLoadImm(&words, target, in.Imm)
			if spilled {
				emitStore(&words, 8, slot, target)
			}

		case ir.OpMovReg:
			loadOperand(scratch0, in.Src[0])
			storeResult(in.Dst, scratch0)

		case ir.OpIAdd, ir.OpISub, ir.OpAnd, ir.OpOr, ir.OpXor:
			loadOperand(scratch0, in.Src[0])
			if in.Src[1].Valid() {
				loadOperand(scratch1, in.Src[1])
			} else {
				emitLoadImm(&words, scratch1, in.Imm)
			}
			emitRType(&words, rTypeFunct3(in.Opcode), rTypeFunct7(in.Opcode), scratch0, scratch0, scratch1)
			storeResult(in.Dst, scratch0)

		case ir.OpICmp:
			loadOperand(scratch0, in.Src[0])
			if in.Src[1].Valid() {
				loadOperand(scratch1, in.Src[1])
			} else {
				emitLoadImm(&words, scratch1, in.Imm)
			}
			emitCompare(&words, scratch0, scratch0, scratch1, in.Cond)
			storeResult(in.Dst, scratch0)

		case ir.OpLoad:
			loadOperand(scratch0, in.Src[0])
			emitLoad(&words, scratch1, scratch0, 0)
			storeResult(in.Dst, scratch1)

		case ir.OpStore:
			loadOperand(scratch0, in.Src[0])
			loadOperand(scratch1, in.Src[1])
			emitStore(&words, scratch0, 0, scratch1)

		default:
			return nil, backend.ErrUnsupportedOp(e.Name(), in.Opcode)
		}
	}

	term := block.Terminator()
	switch term.Kind {
	case ir.TermReturn:
		loadOperand(10, term.PCReg) // a0
	case ir.TermJump, ir.TermCall:
		emitLoadImm(&words, 10, int64(term.TargetPC))
	case ir.TermCondJump:
		loadOperand(scratch1, term.Cond)
		emitLoadImm(&words, 10, int64(term.TargetPC))
		emitLoadImm(&words, scratch0, int64(term.ElsePC))
		emitSelect(&words, 10, 10, scratch0, scratch1)
	case ir.TermFault:
		emitLoadImm(&words, 10, int64(term.FaultPayload))
	}
	words = append(words, jalrWord(0, 0, 1, 0)) // JALR x0, x1, 0 (RET)

	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf, nil
}

func rTypeFunct3(op ir.Opcode) uint32 {
	switch op {
	case ir.OpIAdd, ir.OpISub:
		return 0
	case ir.OpXor:
		return 4
	case ir.OpOr:
		return 6
	case ir.OpAnd:
		return 7
	default:
		return 0
	}
}

func rTypeFunct7(op ir.Opcode) uint32 {
	if op == ir.OpISub {
		return 0x20
	}
	return 0
}

// emitCompare produces a 0/1 boolean in rd using SLT/SLTU and, where the IR
// condition is the complement of a directly-encodable one, an XORI by 1.
func emitCompare(words *[]uint32, rd, a, b byte, cond ir.IntegerCmpCond) {
	switch cond {
	case ir.CondEqual:
		emitRType(words, 4 /* XOR */, 0, rd, a, b)
		emitIType(words, 0x13, 3 /* SLTIU */, rd, rd, 1)
	case ir.CondNotEqual:
		emitRType(words, 4, 0, rd, a, b)
		emitRType(words, 3 /* SLTU */, 0, rd, xZero, rd)
	case ir.CondSignedLessThan:
		emitRType(words, 2, 0, rd, a, b)
	case ir.CondSignedGreaterThanOrEqual:
		emitRType(words, 2, 0, rd, a, b)
		emitIType(words, 0x13, 4, rd, rd, 1) // XORI rd, rd, 1
	case ir.CondSignedGreaterThan:
		emitRType(words, 2, 0, rd, b, a)
	case ir.CondSignedLessThanOrEqual:
		emitRType(words, 2, 0, rd, b, a)
		emitIType(words, 0x13, 4, rd, rd, 1)
	case ir.CondUnsignedLessThan:
		emitRType(words, 3, 0, rd, a, b)
	case ir.CondUnsignedGreaterThanOrEqual:
		emitRType(words, 3, 0, rd, a, b)
		emitIType(words, 0x13, 4, rd, rd, 1)
	case ir.CondUnsignedGreaterThan:
		emitRType(words, 3, 0, rd, b, a)
	case ir.CondUnsignedLessThanOrEqual:
		emitRType(words, 3, 0, rd, b, a)
		emitIType(words, 0x13, 4, rd, rd, 1)
	}
}

// emitSelect picks target (already in rd) when condReg != 0, else elseVal,
// via the mask-and-blend idiom RV64I uses in place of a conditional move:
// mask := 0 - cond (all-ones when cond==1, else zero).
func emitSelect(words *[]uint32, rd, target, elseVal, condReg byte) {
	emitRType(words, 0, 0x20, scratch1, xZero, condReg) // SUB scratch1, x0, condReg
	emitRType(words, 7, 0, target, target, scratch1)    // AND target, target, mask
	emitIType(words, 0x13, 4, scratch1, scratch1, -1)   // XORI mask, mask, -1
	emitRType(words, 7, 0, elseVal, elseVal, scratch1)  // AND elseVal, elseVal, ~mask
	emitRType(words, 6, 0, rd, target, elseVal)         // OR rd, target, elseVal
}

// emitLoadImm materializes an arbitrary 64-bit constant with LUI/ADDI,
// recursing on the high bits the way RISC-V toolchains expand the "li"
// pseudo-instruction.
func emitLoadImm(words *[]uint32, rd byte, imm int64) {
	if imm >= -2048 && imm < 2048 {
		emitIType(words, 0x13, 0, rd, xZero, int32(imm)) // ADDI rd, x0, imm
		return
	}
	lo := imm & 0xfff
	if lo&0x800 != 0 {
		lo -= 0x1000
	}
	hi := imm - lo
	if hi>>12 >= -(1<<19) && hi>>12 < (1<<19) {
		emitUType(words, 0x37, rd, uint32(hi>>12)&0xfffff) // LUI rd, hi>>12
		if lo != 0 {
			emitIType(words, 0x13, 0, rd, rd, int32(lo)) // ADDI rd, rd, lo
		}
		return
	}
	emitLoadImm(words, rd, hi>>12)
	emitIType(words, 0x13, 1, rd, rd, 12) // SLLI rd, rd, 12
	if lo != 0 {
		emitIType(words, 0x13, 0, rd, rd, int32(lo))
	}
}

func emitADDI(words *[]uint32, rd, rs1 byte, imm int32) { emitIType(words, 0x13, 0, rd, rs1, imm) }

func emitLoad(words *[]uint32, rd, rs1 byte, imm int32) {
	emitIType(words, 0x03, 3 /* LD */, rd, rs1, imm)
}

func emitStore(words *[]uint32, rs1 byte, imm int32, rs2 byte) {
	*words = append(*words, storeWord(rs1, rs2, imm))
}

func emitRType(words *[]uint32, funct3, funct7 uint32, rd, rs1, rs2 byte) {
	*words = append(*words, 0x33|uint32(rd)<<7|funct3<<12|uint32(rs1)<<15|uint32(rs2)<<20|funct7<<25)
}

func emitIType(words *[]uint32, opcode byte, funct3 uint32, rd, rs1 byte, imm int32) {
	*words = append(*words, uint32(opcode)|uint32(rd)<<7|funct3<<12|uint32(rs1)<<15|(uint32(imm)&0xfff)<<20)
}

func emitUType(words *[]uint32, opcode byte, rd byte, imm20 uint32) {
	*words = append(*words, uint32(opcode)|uint32(rd)<<7|imm20<<12)
}

func storeWord(rs1, rs2 byte, imm int32) uint32 {
	u := uint32(imm)
	low := u & 0x1f
	high := (u >> 5) & 0x7f
	return 0x23 | low<<7 | 3<<12 | uint32(rs1)<<15 | uint32(rs2)<<20 | high<<25
}

func jalrWord(rd, funct3, rs1 byte, imm int32) uint32 {
	return 0x67 | uint32(rd)<<7 | uint32(funct3)<<12 | uint32(rs1)<<15 | (uint32(imm)&0xfff)<<20
}
