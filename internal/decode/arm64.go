package decode

import (
	"github.com/crosshost/vmm/internal/ir"
)

// ARM64 decodes a core subset of the fixed-width AArch64 instruction
// encoding: MOVZ/MOVN (wide immediate move), ADD/SUB (shifted register),
// SUBS to XZR (CMP), unconditional B, RET, and LDR/STR (unsigned immediate
// offset, 64-bit). Every word that does not match a handled encoding
// decodes to fault(illegal-instruction). Fields are extracted with
// shift+mask on the named bit positions from the Arm ARM rather than
// compared against precomputed whole-word constants, so each case documents
// exactly which bits it inspects.
type ARM64 struct{}

// Name implements Decoder.
func (ARM64) Name() string { return "arm64" }

const xzr = 31

// DecodeBlock implements Decoder.
func (d ARM64) DecodeBlock(f Fetcher, startPC uint64) (*ir.Block, error) {
	b := ir.NewBuilder(startPC)
	rf := newRegFile(b)
	pc := startPC

	for {
		var word [4]byte
		if err := f.FetchInstructionBytes(pc, word[:]); err != nil {
			return wrapFetchErr(b, rf, pc, err)
		}
		insn := le32(word[:])

		rd := int(insn & 0x1f)
		rn := int((insn >> 5) & 0x1f)
		rm := int((insn >> 16) & 0x1f)
		typ := regType(insn)

		switch {
		// Move wide immediate: sf(31) opc(30:29) 100101(28:23) hw(22:21) imm16(20:5) Rd(4:0).
		case (insn>>23)&0x3f == 0x25 && (insn>>21)&0x3 == 0 && (opcMoveWide(insn) == 0 || opcMoveWide(insn) == 2):
			opc := opcMoveWide(insn)
			imm16 := int64((insn >> 5) & 0xffff)
			val := imm16
			if opc == 0 { // MOVN
				val = ^imm16
			}
			dst := rf.Alloc()
			_ = b.Push(ir.Instruction{Opcode: ir.OpMovImm, Dst: dst, Type: typ, Imm: val})
			rf.Write(rd, dst, typ)
			pc += 4
			if cont := stepOrCut(b, rf, &pc); !cont {
				return b.Finalize()
			}

		// Add/subtract (shifted register): sf(31) op(30) S(29) 01011(28:24) shift(23:22) 0(21) Rm(20:16) imm6(15:10) Rn(9:5) Rd(4:0).
		case (insn>>24)&0x1f == 0x0b && (insn>>21)&1 == 0:
			op := (insn >> 30) & 1
			sBit := (insn >> 29) & 1
			a := rf.Read(rn, typ)
			bb := rf.Read(rm, typ)
			out := rf.Alloc()
			opcode := ir.OpIAdd
			if op == 1 {
				opcode = ir.OpISub
			}
			if sBit == 1 && rd == xzr { // SUBS/ADDS to xzr: flag-setting compare, discard the arithmetic result
				cmp := rf.Alloc()
				cond := ir.CondNotEqual
				if op == 1 {
					cond = ir.CondEqual
				}
				_ = b.Push(ir.Instruction{Opcode: ir.OpICmp, Dst: cmp, Src: [3]ir.Reg{a, bb, ir.RegInvalid}, Type: ir.TypeBool1, Cond: cond})
			} else {
				_ = b.Push(ir.Instruction{Opcode: opcode, Dst: out, Src: [3]ir.Reg{a, bb, ir.RegInvalid}, Type: typ})
				rf.Write(rd, out, typ)
			}
			pc += 4
			if cont := stepOrCut(b, rf, &pc); !cont {
				return b.Finalize()
			}

		// Unconditional branch (immediate): op(31)=0 00101(30:26) imm26(25:0).
		case (insn>>26)&0x3f == 0x05 && (insn>>31) == 0:
			imm26 := int64(insn & 0x3ffffff)
			if imm26&(1<<25) != 0 {
				imm26 |= ^int64(0x3ffffff)
			}
			target := uint64(int64(pc) + imm26*4)
			rf.commit()
			b.SetTerminator(ir.Terminator{Kind: ir.TermJump, TargetPC: target})
			return b.Finalize()

		// RET {Xn}: 1101011 0 0 10 11111 0000 00 Rn 00000; the common case is X30.
		case insn>>10 == 0x3597c0 && rd == 0:
			pcReg := rf.Read(rn, ir.TypeI64)
			rf.commit()
			b.SetTerminator(ir.Terminator{Kind: ir.TermReturn, PCReg: pcReg})
			return b.Finalize()

		// LDR/STR (unsigned immediate, 64-bit): size(31:30)=11, 111(29:27), V(26)=0, 01(25:24), opc(23:22), imm12(21:10) Rn(9:5) Rt(4:0).
		case (insn>>30)&0x3 == 0x3 && (insn>>27)&0x7 == 0x7 && (insn>>24)&0x7 == 0x1:
			opc := (insn >> 22) & 0x3
			imm12 := int64((insn>>10)&0xfff) * 8
			base := rf.Read(rn, ir.TypeI64)
			addr := rf.Alloc()
			_ = b.Push(ir.Instruction{Opcode: ir.OpIAdd, Dst: addr, Src: [3]ir.Reg{base, ir.RegInvalid, ir.RegInvalid}, Type: ir.TypeI64, Imm: imm12})
			switch opc {
			case 1: // LDR
				dst := rf.Alloc()
				_ = b.Push(ir.Instruction{Opcode: ir.OpLoad, Dst: dst, Src: [3]ir.Reg{addr, ir.RegInvalid, ir.RegInvalid}, Type: ir.TypeI64, Size: 8})
				rf.Write(rd, dst, ir.TypeI64)
			case 0: // STR
				val := rf.Read(rd, ir.TypeI64)
				_ = b.Push(ir.Instruction{Opcode: ir.OpStore, Src: [3]ir.Reg{addr, val, ir.RegInvalid}, Type: ir.TypeI64, Size: 8})
			default:
				return illegalInstruction(b, rf, pc)
			}
			pc += 4
			if cont := stepOrCut(b, rf, &pc); !cont {
				return b.Finalize()
			}

		default:
			return illegalInstruction(b, rf, pc)
		}
	}
}

// opcMoveWide extracts the 2-bit opc field (bits 30:29) selecting among
// MOVN(0), unallocated(1), MOVZ(2), MOVK(3).
func opcMoveWide(insn uint32) uint32 { return (insn >> 29) & 0x3 }

func regType(insn uint32) ir.Type {
	if insn&0x80000000 != 0 {
		return ir.TypeI64
	}
	return ir.TypeI32
}

// stepOrCut reports whether decoding should continue for another
// instruction, cutting the block with a synthesized jump once the op
// budget is exhausted or the next instruction would cross a page.
func stepOrCut(b *ir.Builder, rf *regFile, pc *uint64) bool {
	if b.Remaining() <= 0 || crossesPage(*pc, 4) {
		rf.commit()
		b.SetTerminator(SynthJump(*pc))
		return false
	}
	return true
}
