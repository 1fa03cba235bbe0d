// Package amd64 implements backend.Encoder for the x86-64 host target.
package amd64

import (
	"encoding/binary"

	"github.com/crosshost/vmm/internal/backend"
	"github.com/crosshost/vmm/internal/ir"
)

// Encoder lowers a flat ir.Block to x86-64 machine code implementing the
// shared compiled-code calling convention: func(guestGPR *int64, ctx
// *runtimeContext, guestFP *float64) uint64, returning the next guest PC in
// RAX. System V passes those three pointers in RDI, RSI, RDX, so those three
// registers are reserved and never handed to RegAlloc's general pool.
type Encoder struct{}

func (Encoder) Name() string { return "amd64" }

// gprOrder lists host GPR encodings in allocation order: RDI/RSI/RDX carry
// the calling-convention pointers (reserved), the rest form the pool
// RegAlloc hands out. RAX/RCX are excluded because they are the
// per-instruction scratch registers; RSP/RBP are excluded as the stack
// pointer and the base register for spill slots.
var gprOrder = [...]byte{7, 6, 2, 3, 8, 9, 10, 11, 12, 13, 14, 15}

const (
	regGuestGPR = 0 // logical reg 0 -> RDI
	regCtx      = 1 // logical reg 1 -> RSI
	regGuestFP  = 2 // logical reg 2 -> RDX
)

func encReg(logical int) byte { return gprOrder[logical] }

// Encode implements backend.Encoder.
func (e Encoder) Encode(block *ir.Block) ([]byte, error) {
	ra := backend.NewRegAlloc(len(gprOrder), 3)
	var buf []byte

	loc := func(r ir.Reg) (byte, bool, int32) {
		if r.IsContextSlot() {
			return 0, false, 0
		}
		hr, spilled, slot := ra.Assign(r)
		return encReg(hr), spilled, slot
	}

	loadOperand := func(dstEnc byte, r ir.Reg, typ ir.Type) {
		if r.IsContextSlot() {
			// Guest register read: load guestGPR[r] into dstEnc.
			emitLoadMemDisp(&buf, dstEnc, encReg(regGuestGPR), int32(uint32(r))*8)
			return
		}
		hr, spilled, slot := loc(r)
		if spilled {
			emitLoadMemDisp(&buf, dstEnc, rbpEnc, -slot-8)
			return
		}
		if hr != dstEnc {
			emitMovRegReg(&buf, dstEnc, hr)
		}
	}

	storeResult := func(r ir.Reg, srcEnc byte) {
		if r.IsContextSlot() {
			// Guest register write-back: store into guestGPR[r].
			emitStoreMemDisp(&buf, encReg(regGuestGPR), int32(uint32(r))*8, srcEnc)
			return
		}
		hr, spilled, slot := loc(r)
		if spilled {
			emitStoreMemDisp(&buf, rbpEnc, -slot-8, srcEnc)
			return
		}
		if hr != srcEnc {
			emitMovRegReg(&buf, hr, srcEnc)
		}
	}

	const scratch0, scratch1 = byte(0), byte(1) // RAX, RCX: scratch, never handed out by RegAlloc

	for _, in := range block.Ops() {
		switch in.Opcode {
		case ir.OpMovImm:
			dst, spilled, slot := loc(in.Dst)
			if spilled {
				emitMovImm64(&buf, scratch0, in.Imm)
				emitStoreMemDisp(&buf, rbpEnc, -slot-8, scratch0)
			} else {
				emitMovImm64(&buf, dst, in.Imm)
			}

		case ir.OpMovReg:
			loadOperand(scratch0, in.Src[0], in.Type)
			storeResult(in.Dst, scratch0)

		case ir.OpIAdd, ir.OpISub, ir.OpAnd, ir.OpOr, ir.OpXor:
			loadOperand(scratch0, in.Src[0], in.Type)
			if in.Src[1].Valid() {
				loadOperand(scratch1, in.Src[1], in.Type)
				emitAluRegReg(&buf, aluOpcode(in.Opcode), scratch0, scratch1)
			} else {
				emitAluImm(&buf, aluDigit(in.Opcode), scratch0, in.Imm)
			}
			storeResult(in.Dst, scratch0)

		case ir.OpICmp:
			loadOperand(scratch0, in.Src[0], in.Type)
			if in.Src[1].Valid() {
				loadOperand(scratch1, in.Src[1], in.Type)
			} else {
				emitMovImm64(&buf, scratch1, in.Imm)
			}
			emitCmpSetcc(&buf, scratch0, scratch1, in.Cond)
			storeResult(in.Dst, scratch0)

		case ir.OpLoad:
			loadOperand(scratch0, in.Src[0], ir.TypeI64)
			emitLoadMemDisp(&buf, scratch1, scratch0, 0)
			storeResult(in.Dst, scratch1)

		case ir.OpStore:
			loadOperand(scratch0, in.Src[0], ir.TypeI64)
			loadOperand(scratch1, in.Src[1], in.Type)
			emitStoreMemDisp(&buf, scratch0, 0, scratch1)

		default:
			return nil, backend.ErrUnsupportedOp(e.Name(), in.Opcode)
		}
	}

	term := block.Terminator()
	switch term.Kind {
	case ir.TermReturn:
		loadOperand(retEnc, term.PCReg, ir.TypeI64)
	case ir.TermJump, ir.TermCall:
		emitMovImm64(&buf, retEnc, int64(term.TargetPC))
	case ir.TermCondJump:
		loadOperand(scratch1, term.Cond, ir.TypeBool1)
		emitMovImm64(&buf, retEnc, int64(term.TargetPC))
		emitMovImm64(&buf, scratch0, int64(term.ElsePC))
		emitCmovCondSelect(&buf, retEnc, scratch0, scratch1)
	case ir.TermFault:
		// Fault delivery is a vCPU runtime concern; the
		// encoded block returns the faulting PC so the caller can consult
		// ctx for FaultKind/FaultPayload rather than encoding them in RAX.
		emitMovImm64(&buf, retEnc, int64(term.FaultPayload))
	}
	buf = append(buf, 0xC3) // RET

	return buf, nil
}

const (
	retEnc = 0 // RAX
	rbpEnc = 5 // RBP, this function's own frame pointer for spill slots
)

func aluOpcode(op ir.Opcode) byte {
	switch op {
	case ir.OpIAdd:
		return 0x01 // ADD r/m, r
	case ir.OpISub:
		return 0x29 // SUB r/m, r
	case ir.OpAnd:
		return 0x21 // AND r/m, r
	case ir.OpOr:
		return 0x09 // OR r/m, r
	case ir.OpXor:
		return 0x31 // XOR r/m, r
	default:
		return 0x01
	}
}

func rex(w bool, r, x, b byte) byte {
	v := byte(0x40)
	if w {
		v |= 0x08
	}
	v |= (r & 1) << 2
	v |= (x & 1) << 1
	v |= b & 1
	return v
}

func modrmReg(mod, reg, rm byte) byte { return mod<<6 | (reg&7)<<3 | rm&7 }

func emitMovImm64(buf *[]byte, dst byte, imm int64) {
	*buf = append(*buf, rex(true, 0, 0, dst>>3))
	*buf = append(*buf, 0xB8+dst&7)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(imm))
	*buf = append(*buf, b[:]...)
}

func emitMovRegReg(buf *[]byte, dst, src byte) {
	*buf = append(*buf, rex(true, src>>3, 0, dst>>3), 0x89, modrmReg(3, src, dst))
}

func emitAluRegReg(buf *[]byte, opcode, dst, src byte) {
	*buf = append(*buf, rex(true, src>>3, 0, dst>>3), opcode, modrmReg(3, src, dst))
}

// aluDigit is the group-1 /digit selecting the operation of an 0x81
// reg, imm32 instruction.
func aluDigit(op ir.Opcode) byte {
	switch op {
	case ir.OpIAdd:
		return 0
	case ir.OpOr:
		return 1
	case ir.OpAnd:
		return 4
	case ir.OpISub:
		return 5
	case ir.OpXor:
		return 6
	default:
		return 0
	}
}

func emitAluImm(buf *[]byte, digit byte, dst byte, imm int64) {
	*buf = append(*buf, rex(true, 0, 0, dst>>3), 0x81, modrmReg(3, digit, dst))
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(int32(imm)))
	*buf = append(*buf, b[:]...)
}

// emitLoadMemDisp emits `mov dst, [base+disp32]`.
func emitLoadMemDisp(buf *[]byte, dst, base byte, disp int32) {
	*buf = append(*buf, rex(true, dst>>3, 0, base>>3), 0x8B, modrmReg(2, dst, base))
	if base&7 == 4 { // RSP/R12 need a SIB byte
		*buf = append(*buf, 0x24)
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(disp))
	*buf = append(*buf, b[:]...)
}

// emitStoreMemDisp emits `mov [base+disp32], src`.
func emitStoreMemDisp(buf *[]byte, base byte, disp int32, src byte) {
	*buf = append(*buf, rex(true, src>>3, 0, base>>3), 0x89, modrmReg(2, src, base))
	if base&7 == 4 {
		*buf = append(*buf, 0x24)
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(disp))
	*buf = append(*buf, b[:]...)
}

// emitCmpSetcc emits `cmp a, b` then `setcc al` then zero-extends into a,
// leaving a 0/1 result matching ir.TypeBool1.
func emitCmpSetcc(buf *[]byte, a, b byte, cond ir.IntegerCmpCond) {
	*buf = append(*buf, rex(true, b>>3, 0, a>>3), 0x39, modrmReg(3, b, a))
	setcc := setccOpcode(cond)
	*buf = append(*buf, 0x0F, setcc, modrmReg(3, 0, a))
	*buf = append(*buf, rex(false, 0, 0, a>>3), 0x0F, 0xB6, modrmReg(3, a, a))
}

func setccOpcode(cond ir.IntegerCmpCond) byte {
	switch cond {
	case ir.CondEqual:
		return 0x94
	case ir.CondNotEqual:
		return 0x95
	case ir.CondSignedLessThan:
		return 0x9C
	case ir.CondSignedGreaterThanOrEqual:
		return 0x9D
	case ir.CondSignedGreaterThan:
		return 0x9F
	case ir.CondSignedLessThanOrEqual:
		return 0x9E
	case ir.CondUnsignedLessThan:
		return 0x92
	case ir.CondUnsignedGreaterThanOrEqual:
		return 0x93
	case ir.CondUnsignedGreaterThan:
		return 0x97
	case ir.CondUnsignedLessThanOrEqual:
		return 0x96
	default:
		return 0x94
	}
}

// emitCmovCondSelect emits `test condReg, condReg` then `cmovz dst, elseVal`,
// picking elseVal into dst when condReg (a 0/1 value) is zero.
func emitCmovCondSelect(buf *[]byte, dst, elseVal, condReg byte) {
	*buf = append(*buf, rex(false, condReg>>3, 0, condReg>>3), 0x85, modrmReg(3, condReg, condReg))
	*buf = append(*buf, rex(true, dst>>3, 0, elseVal>>3), 0x0F, 0x44, modrmReg(3, dst, elseVal))
}
