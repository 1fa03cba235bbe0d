package decode

import "github.com/crosshost/vmm/internal/ir"

// RISCV64 decodes a core subset of the RV64IM instruction set: ADDI and the
// other OP-IMM forms except SLTI/SLTIU, the R-type ALU ops except SLT/SLTU
// (those four decode as illegal instructions) including the M-extension
// multiply/divide group, LUI, JAL, JALR (used as RET when rd==x0, rs1==x1,
// imm==0), BEQ/BNE, LD, SD. Anything else decodes to
// fault(illegal-instruction). Divide and remainder lower to the IR ops
// whose zero-divisor semantics already match RISC-V's: no trap, all-ones /
// -1 quotient, dividend remainder.
type RISCV64 struct{}

// Name implements Decoder.
func (RISCV64) Name() string { return "riscv64" }

// writeGPR records rd's new value, discarding writes to x0, which is
// architecturally hard-wired to zero.
func writeGPR(rf *regFile, rd int, r ir.Reg, typ ir.Type) {
	if rd == 0 {
		return
	}
	rf.Write(rd, r, typ)
}

// DecodeBlock implements Decoder.
func (d RISCV64) DecodeBlock(f Fetcher, startPC uint64) (*ir.Block, error) {
	b := ir.NewBuilder(startPC)
	rf := newRegFile(b)
	pc := startPC

	for {
		var word [4]byte
		if err := f.FetchInstructionBytes(pc, word[:]); err != nil {
			return wrapFetchErr(b, rf, pc, err)
		}
		insn := le32(word[:])
		opcode := insn & 0x7f
		rd := int((insn >> 7) & 0x1f)
		funct3 := (insn >> 12) & 7
		rs1 := int((insn >> 15) & 0x1f)
		rs2 := int((insn >> 20) & 0x1f)
		funct7 := insn >> 25

		switch opcode {
		case 0x13: // OP-IMM: ADDI and friends (funct3 selects)
			imm := signExtend(insn>>20, 12)
			a := rf.Read(rs1, ir.TypeI64)
			out := rf.Alloc()
			op, ok := immALUOp(funct3, funct7)
			if !ok {
				return illegalInstruction(b, rf, pc)
			}
			_ = b.Push(ir.Instruction{Opcode: op, Dst: out, Src: [3]ir.Reg{a, ir.RegInvalid, ir.RegInvalid}, Type: ir.TypeI64, Imm: imm})
			writeGPR(rf, rd, out, ir.TypeI64)
			pc += 4
			if cont := stepOrCut(b, rf, &pc); !cont {
				return b.Finalize()
			}

		case 0x33: // OP: R-type ALU, including the M-extension group under funct7==1
			a := rf.Read(rs1, ir.TypeI64)
			bb := rf.Read(rs2, ir.TypeI64)
			out := rf.Alloc()
			op, ok := regALUOp(funct3, funct7)
			if !ok {
				return illegalInstruction(b, rf, pc)
			}
			_ = b.Push(ir.Instruction{Opcode: op, Dst: out, Src: [3]ir.Reg{a, bb, ir.RegInvalid}, Type: ir.TypeI64})
			writeGPR(rf, rd, out, ir.TypeI64)
			pc += 4
			if cont := stepOrCut(b, rf, &pc); !cont {
				return b.Finalize()
			}

		case 0x37: // LUI
			imm := int64(int32(insn & 0xfffff000))
			out := rf.Alloc()
			_ = b.Push(ir.Instruction{Opcode: ir.OpMovImm, Dst: out, Type: ir.TypeI64, Imm: imm})
			writeGPR(rf, rd, out, ir.TypeI64)
			pc += 4
			if cont := stepOrCut(b, rf, &pc); !cont {
				return b.Finalize()
			}

		case 0x63: // BRANCH: BEQ/BNE (others fault: unimplemented)
			if funct3 != 0 && funct3 != 1 {
				return illegalInstruction(b, rf, pc)
			}
			a := rf.Read(rs1, ir.TypeI64)
			bb := rf.Read(rs2, ir.TypeI64)
			cond := ir.CondEqual
			if funct3 == 1 {
				cond = ir.CondNotEqual
			}
			cmp := rf.Alloc()
			_ = b.Push(ir.Instruction{Opcode: ir.OpICmp, Dst: cmp, Src: [3]ir.Reg{a, bb, ir.RegInvalid}, Type: ir.TypeBool1, Cond: cond})
			imm := branchImm(insn)
			target := uint64(int64(pc) + imm)
			rf.commit()
			b.SetTerminator(ir.Terminator{Kind: ir.TermCondJump, Cond: cmp, TargetPC: target, ElsePC: pc + 4})
			return b.Finalize()

		case 0x6f: // JAL
			imm := jalImm(insn)
			target := uint64(int64(pc) + imm)
			if rd != 0 {
				link := rf.Alloc()
				_ = b.Push(ir.Instruction{Opcode: ir.OpMovImm, Dst: link, Type: ir.TypeI64, Imm: int64(pc + 4)})
				writeGPR(rf, rd, link, ir.TypeI64)
			}
			rf.commit()
			b.SetTerminator(ir.Terminator{Kind: ir.TermJump, TargetPC: target})
			return b.Finalize()

		case 0x67: // JALR, including the RET pseudo-instruction (rd=x0,rs1=x1,imm=0)
			if rd == 0 && rs1 == 1 && insn>>20 == 0 {
				pcReg := rf.Read(1, ir.TypeI64)
				rf.commit()
				b.SetTerminator(ir.Terminator{Kind: ir.TermReturn, PCReg: pcReg})
				return b.Finalize()
			}
			base := rf.Read(rs1, ir.TypeI64)
			imm := signExtend(insn>>20, 12)
			target := rf.Alloc()
			_ = b.Push(ir.Instruction{Opcode: ir.OpIAdd, Dst: target, Src: [3]ir.Reg{base, ir.RegInvalid, ir.RegInvalid}, Type: ir.TypeI64, Imm: imm})
			if rd != 0 {
				link := rf.Alloc()
				_ = b.Push(ir.Instruction{Opcode: ir.OpMovImm, Dst: link, Type: ir.TypeI64, Imm: int64(pc + 4)})
				writeGPR(rf, rd, link, ir.TypeI64)
			}
			rf.commit()
			b.SetTerminator(ir.Terminator{Kind: ir.TermReturn, PCReg: target})
			return b.Finalize()

		case 0x03: // LOAD: LD (funct3==3)
			if funct3 != 3 {
				return illegalInstruction(b, rf, pc)
			}
			imm := signExtend(insn>>20, 12)
			base := rf.Read(rs1, ir.TypeI64)
			addr := rf.Alloc()
			_ = b.Push(ir.Instruction{Opcode: ir.OpIAdd, Dst: addr, Src: [3]ir.Reg{base, ir.RegInvalid, ir.RegInvalid}, Type: ir.TypeI64, Imm: imm})
			dst := rf.Alloc()
			_ = b.Push(ir.Instruction{Opcode: ir.OpLoad, Dst: dst, Src: [3]ir.Reg{addr, ir.RegInvalid, ir.RegInvalid}, Type: ir.TypeI64, Size: 8})
			writeGPR(rf, rd, dst, ir.TypeI64)
			pc += 4
			if cont := stepOrCut(b, rf, &pc); !cont {
				return b.Finalize()
			}

		case 0x23: // STORE: SD (funct3==3)
			if funct3 != 3 {
				return illegalInstruction(b, rf, pc)
			}
			imm := storeImm(insn)
			base := rf.Read(rs1, ir.TypeI64)
			val := rf.Read(rs2, ir.TypeI64)
			addr := rf.Alloc()
			_ = b.Push(ir.Instruction{Opcode: ir.OpIAdd, Dst: addr, Src: [3]ir.Reg{base, ir.RegInvalid, ir.RegInvalid}, Type: ir.TypeI64, Imm: imm})
			_ = b.Push(ir.Instruction{Opcode: ir.OpStore, Src: [3]ir.Reg{addr, val, ir.RegInvalid}, Type: ir.TypeI64, Size: 8})
			pc += 4
			if cont := stepOrCut(b, rf, &pc); !cont {
				return b.Finalize()
			}

		default:
			return illegalInstruction(b, rf, pc)
		}
	}
}

func immALUOp(funct3, funct7 uint32) (ir.Opcode, bool) {
	switch funct3 {
	case 0:
		return ir.OpIAdd, true // ADDI
	case 4:
		return ir.OpXor, true // XORI
	case 6:
		return ir.OpOr, true // ORI
	case 7:
		return ir.OpAnd, true // ANDI
	case 1:
		return ir.OpShl, true // SLLI
	case 5:
		if funct7&0x20 != 0 {
			return ir.OpShrS, true // SRAI
		}
		return ir.OpShrU, true // SRLI
	default:
		return 0, false
	}
}

func regALUOp(funct3, funct7 uint32) (ir.Opcode, bool) {
	if funct7 == 1 { // M extension: MUL/DIV group
		switch funct3 {
		case 0:
			return ir.OpIMul, true // MUL
		case 1:
			return ir.OpIMulHiS, true // MULH
		case 2:
			return ir.OpIMulHiSU, true // MULHSU
		case 3:
			return ir.OpIMulHiU, true // MULHU
		case 4:
			return ir.OpIDivS, true // DIV
		case 5:
			return ir.OpIDivU, true // DIVU
		case 6:
			return ir.OpIRemS, true // REM
		case 7:
			return ir.OpIRemU, true // REMU
		}
	}
	switch funct3 {
	case 0:
		if funct7&0x20 != 0 {
			return ir.OpISub, true // SUB
		}
		return ir.OpIAdd, true // ADD
	case 4:
		return ir.OpXor, true
	case 6:
		return ir.OpOr, true
	case 7:
		return ir.OpAnd, true
	case 1:
		return ir.OpShl, true
	case 5:
		if funct7&0x20 != 0 {
			return ir.OpShrS, true
		}
		return ir.OpShrU, true
	default:
		return 0, false
	}
}

func signExtend(v uint32, bits uint) int64 {
	shift := 32 - bits
	return int64(int32(v<<shift)) >> shift
}

func branchImm(insn uint32) int64 {
	imm := ((insn >> 8) & 0xf) << 1
	imm |= ((insn >> 25) & 0x3f) << 5
	imm |= ((insn >> 7) & 1) << 11
	imm |= (insn >> 31) << 12
	return signExtend(imm, 13)
}

func jalImm(insn uint32) int64 {
	imm := ((insn >> 21) & 0x3ff) << 1
	imm |= ((insn >> 20) & 1) << 11
	imm |= ((insn >> 12) & 0xff) << 12
	imm |= (insn >> 31) << 20
	return signExtend(imm, 21)
}

func storeImm(insn uint32) int64 {
	imm := (insn >> 7) & 0x1f
	imm |= (insn >> 25) << 5
	return signExtend(imm, 12)
}
