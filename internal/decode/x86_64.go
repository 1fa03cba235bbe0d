package decode

import (
	"github.com/crosshost/vmm/internal/ir"
)

// X86_64 decodes a useful core subset of the x86-64 instruction set:
// REX-prefixed register/register ALU ops (ADD/SUB/AND/OR/XOR/CMP), the
// group-1 imm8 forms (83 /digit), MOV r, imm (B8+r), JMP (rel8/rel32),
// JE/JNE rel8 fused with the preceding CMP, CALL rel32, and RET. Anything
// else decodes to a fault(illegal-instruction) terminator — a real decoder
// grows this switch incrementally the way production JITs add opcodes on
// demand, never fabricating semantics for coverage it has not implemented.
type X86_64 struct{}

// Name implements Decoder.
func (X86_64) Name() string { return "x86_64" }

// Guest register IDs follow the x86-64 ModRM/REX numbering, 0 (RAX)
// through 15 (R15).
const (
	regRAX = 0
	regRSP = 4
)

type rex struct {
	w, r, x, b bool
	present    bool
}

func decodeREX(b byte) rex {
	if b&0xf0 != 0x40 {
		return rex{}
	}
	return rex{present: true, w: b&8 != 0, r: b&4 != 0, x: b&2 != 0, b: b&1 != 0}
}

// pendingCmp remembers the operands of the last CMP so a following Jcc can
// materialize the comparison with the branch's own condition. x86
// condition codes outlive
// the instruction that set them, but within a straight-line block only the
// CMP-then-Jcc pairing matters for the opcodes decoded here.
type pendingCmp struct {
	a, b  ir.Reg
	imm   int64
	hasIm bool
	typ   ir.Type
	valid bool
}

// DecodeBlock implements Decoder.
func (d X86_64) DecodeBlock(f Fetcher, startPC uint64) (*ir.Block, error) {
	b := ir.NewBuilder(startPC)
	rf := newRegFile(b)
	pc := startPC
	var cmp pendingCmp

	for {
		var window [16]byte
		if err := f.FetchInstructionBytes(pc, window[:1]); err != nil {
			return wrapFetchErr(b, rf, pc, err)
		}

		r := rex{}
		idx := 0
		if window[0]&0xf0 == 0x40 {
			r = decodeREX(window[0])
			idx = 1
			if err := f.FetchInstructionBytes(pc+1, window[1:2]); err != nil {
				return wrapFetchErr(b, rf, pc, err)
			}
		}
		opcode := window[idx]
		typ := ir.TypeI32
		if r.w {
			typ = ir.TypeI64
		}

		switch {
		case opcode == 0xC3: // RET: pop the return address off the guest stack
			rsp := rf.Read(regRSP, ir.TypeI64)
			pcReg := rf.Alloc()
			_ = b.Push(ir.Instruction{Opcode: ir.OpLoad, Dst: pcReg, Src: [3]ir.Reg{rsp, ir.RegInvalid, ir.RegInvalid}, Type: ir.TypeI64, Size: 8})
			newRSP := rf.Alloc()
			_ = b.Push(ir.Instruction{Opcode: ir.OpIAdd, Dst: newRSP, Src: [3]ir.Reg{rsp, ir.RegInvalid, ir.RegInvalid}, Type: ir.TypeI64, Imm: 8})
			rf.Write(regRSP, newRSP, ir.TypeI64)
			rf.commit()
			b.SetTerminator(ir.Terminator{Kind: ir.TermReturn, PCReg: pcReg})
			return b.Finalize()

		case opcode == 0xE8: // CALL rel32: push the return address, jump
			var rel [4]byte
			if err := f.FetchInstructionBytes(pc+uint64(idx)+1, rel[:]); err != nil {
				return wrapFetchErr(b, rf, pc, err)
			}
			instrLen := idx + 5
			retAddr := pc + uint64(instrLen)
			target := retAddr + uint64(int64(int32(le32(rel[:]))))
			rsp := rf.Read(regRSP, ir.TypeI64)
			newRSP := rf.Alloc()
			_ = b.Push(ir.Instruction{Opcode: ir.OpISub, Dst: newRSP, Src: [3]ir.Reg{rsp, ir.RegInvalid, ir.RegInvalid}, Type: ir.TypeI64, Imm: 8})
			ret := rf.Alloc()
			_ = b.Push(ir.Instruction{Opcode: ir.OpMovImm, Dst: ret, Type: ir.TypeI64, Imm: int64(retAddr)})
			_ = b.Push(ir.Instruction{Opcode: ir.OpStore, Src: [3]ir.Reg{newRSP, ret, ir.RegInvalid}, Type: ir.TypeI64, Size: 8})
			rf.Write(regRSP, newRSP, ir.TypeI64)
			rf.commit()
			b.SetTerminator(ir.Terminator{Kind: ir.TermJump, TargetPC: target})
			return b.Finalize()

		case opcode == 0xE9: // JMP rel32
			var rel [4]byte
			if err := f.FetchInstructionBytes(pc+uint64(idx)+1, rel[:]); err != nil {
				return wrapFetchErr(b, rf, pc, err)
			}
			instrLen := idx + 5
			target := pc + uint64(instrLen) + uint64(int64(int32(le32(rel[:]))))
			rf.commit()
			b.SetTerminator(ir.Terminator{Kind: ir.TermJump, TargetPC: target})
			return b.Finalize()

		case opcode == 0xEB: // JMP rel8
			var rel [1]byte
			if err := f.FetchInstructionBytes(pc+uint64(idx)+1, rel[:]); err != nil {
				return wrapFetchErr(b, rf, pc, err)
			}
			instrLen := idx + 2
			target := pc + uint64(instrLen) + uint64(int64(int8(rel[0])))
			rf.commit()
			b.SetTerminator(ir.Terminator{Kind: ir.TermJump, TargetPC: target})
			return b.Finalize()

		case opcode == 0x74 || opcode == 0x75: // JE/JNE rel8, fused with the preceding CMP
			if !cmp.valid {
				return illegalInstruction(b, rf, pc)
			}
			var rel [1]byte
			if err := f.FetchInstructionBytes(pc+uint64(idx)+1, rel[:]); err != nil {
				return wrapFetchErr(b, rf, pc, err)
			}
			instrLen := idx + 2
			fallthru := pc + uint64(instrLen)
			target := fallthru + uint64(int64(int8(rel[0])))
			cond := ir.CondEqual
			if opcode == 0x75 {
				cond = ir.CondNotEqual
			}
			out := rf.Alloc()
			in := ir.Instruction{Opcode: ir.OpICmp, Dst: out, Src: [3]ir.Reg{cmp.a, cmp.b, ir.RegInvalid}, Type: ir.TypeBool1, Cond: cond}
			if cmp.hasIm {
				in.Imm = cmp.imm
			}
			_ = b.Push(in)
			rf.commit()
			b.SetTerminator(ir.Terminator{Kind: ir.TermCondJump, Cond: out, TargetPC: target, ElsePC: fallthru})
			return b.Finalize()

		case opcode >= 0xB8 && opcode <= 0xBF: // MOV r, imm (imm64 under REX.W, imm32 zero-extended otherwise)
			reg := int(opcode-0xB8) | boolBit(r.b, 3)
			var imm int64
			var immLen int
			if r.w {
				var raw [8]byte
				if err := f.FetchInstructionBytes(pc+uint64(idx)+1, raw[:]); err != nil {
					return wrapFetchErr(b, rf, pc, err)
				}
				imm = int64(le64(raw[:]))
				immLen = 8
			} else {
				var raw [4]byte
				if err := f.FetchInstructionBytes(pc+uint64(idx)+1, raw[:]); err != nil {
					return wrapFetchErr(b, rf, pc, err)
				}
				imm = int64(le32(raw[:]))
				immLen = 4
			}
			dst := rf.Alloc()
			_ = b.Push(ir.Instruction{Opcode: ir.OpMovImm, Dst: dst, Type: typ, Imm: imm})
			rf.Write(reg, dst, typ)
			pc += uint64(idx + 1 + immLen)
			if !stepOrCutX86(b, rf, pc) {
				return b.Finalize()
			}

		case opcode == 0x01 || opcode == 0x29 || opcode == 0x31 || opcode == 0x09 || opcode == 0x21: // ADD/SUB/XOR/OR/AND r/m, r (register form)
			var modrm [1]byte
			if err := f.FetchInstructionBytes(pc+uint64(idx)+1, modrm[:]); err != nil {
				return wrapFetchErr(b, rf, pc, err)
			}
			if modrm[0]>>6 != 3 {
				return illegalInstruction(b, rf, pc)
			}
			srcReg := int((modrm[0]>>3)&7) | boolBit(r.r, 3)
			dstReg := int(modrm[0]&7) | boolBit(r.b, 3)
			src := rf.Read(srcReg, typ)
			dst := rf.Read(dstReg, typ)
			out := rf.Alloc()
			_ = b.Push(ir.Instruction{Opcode: aluOp(opcode), Dst: out, Src: [3]ir.Reg{dst, src, ir.RegInvalid}, Type: typ})
			rf.Write(dstReg, out, typ)
			cmp.valid = false
			pc += uint64(idx + 2)
			if !stepOrCutX86(b, rf, pc) {
				return b.Finalize()
			}

		case opcode == 0x39: // CMP r/m, r (register form): remember operands for the next Jcc
			var modrm [1]byte
			if err := f.FetchInstructionBytes(pc+uint64(idx)+1, modrm[:]); err != nil {
				return wrapFetchErr(b, rf, pc, err)
			}
			if modrm[0]>>6 != 3 {
				return illegalInstruction(b, rf, pc)
			}
			srcReg := int((modrm[0]>>3)&7) | boolBit(r.r, 3)
			dstReg := int(modrm[0]&7) | boolBit(r.b, 3)
			cmp = pendingCmp{a: rf.Read(dstReg, typ), b: rf.Read(srcReg, typ), typ: typ, valid: true}
			pc += uint64(idx + 2)
			if !stepOrCutX86(b, rf, pc) {
				return b.Finalize()
			}

		case opcode == 0x83: // group-1 r/m, imm8 (register form): ADD/OR/AND/SUB/XOR/CMP
			var rest [2]byte
			if err := f.FetchInstructionBytes(pc+uint64(idx)+1, rest[:]); err != nil {
				return wrapFetchErr(b, rf, pc, err)
			}
			modrm := rest[0]
			if modrm>>6 != 3 {
				return illegalInstruction(b, rf, pc)
			}
			digit := (modrm >> 3) & 7
			dstReg := int(modrm&7) | boolBit(r.b, 3)
			imm := int64(int8(rest[1]))
			dst := rf.Read(dstReg, typ)
			if digit == 7 { // CMP
				cmp = pendingCmp{a: dst, b: ir.RegInvalid, imm: imm, hasIm: true, typ: typ, valid: true}
			} else {
				op, ok := group1Op(digit)
				if !ok {
					return illegalInstruction(b, rf, pc)
				}
				out := rf.Alloc()
				_ = b.Push(ir.Instruction{Opcode: op, Dst: out, Src: [3]ir.Reg{dst, ir.RegInvalid, ir.RegInvalid}, Type: typ, Imm: imm})
				rf.Write(dstReg, out, typ)
				cmp.valid = false
			}
			pc += uint64(idx + 3)
			if !stepOrCutX86(b, rf, pc) {
				return b.Finalize()
			}

		default:
			return illegalInstruction(b, rf, pc)
		}
	}
}

func aluOp(opcode byte) ir.Opcode {
	switch opcode {
	case 0x01:
		return ir.OpIAdd
	case 0x29:
		return ir.OpISub
	case 0x31:
		return ir.OpXor
	case 0x09:
		return ir.OpOr
	case 0x21:
		return ir.OpAnd
	default:
		return ir.OpIAdd
	}
}

// group1Op maps the ModRM digit of an 83 /digit instruction to its IR op.
func group1Op(digit byte) (ir.Opcode, bool) {
	switch digit {
	case 0:
		return ir.OpIAdd, true
	case 1:
		return ir.OpOr, true
	case 4:
		return ir.OpAnd, true
	case 5:
		return ir.OpISub, true
	case 6:
		return ir.OpXor, true
	default:
		return 0, false
	}
}

func boolBit(b bool, shift int) int {
	if b {
		return 1 << shift
	}
	return 0
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	return uint64(le32(b[:4])) | uint64(le32(b[4:]))<<32
}

// stepOrCutX86 is stepOrCut for the variable-length decoder: the page-cross
// probe uses a one-byte lookahead since the next instruction's length is
// unknown until its prefix bytes are read.
func stepOrCutX86(b *ir.Builder, rf *regFile, pc uint64) bool {
	if b.Remaining() <= 0 || crossesPage(pc, 1) {
		rf.commit()
		b.SetTerminator(SynthJump(pc))
		return false
	}
	return true
}

// SynthJump is decode's wrapper over ir.SynthesizedJump, kept local so every
// decoder's budget/page-crossing cutoff reads the same way.
func SynthJump(nextPC uint64) ir.Terminator { return ir.SynthesizedJump(nextPC) }
