package riscv64

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosshost/vmm/internal/ir"
)

func TestEncode_MovImmThenReturn(t *testing.T) {
	b := ir.NewBuilder(0x1000)
	dst := ir.Reg(1 << 16)
	_ = b.Push(ir.Instruction{Opcode: ir.OpMovImm, Dst: dst, Type: ir.TypeI64, Imm: 0x42})
	b.SetTerminator(ir.Terminator{Kind: ir.TermReturn, PCReg: dst})
	blk, err := b.Finalize()
	require.NoError(t, err)

	code, err := Encoder{}.Encode(blk)
	require.NoError(t, err)
	require.True(t, len(code) >= 8)
	require.Equal(t, uint32(0x00008067), lastWord(code), "every encoded block ends in JALR x0, x1, 0 (RET)")
}

func TestEncode_LargeImmediateSpansMultipleWords(t *testing.T) {
	b := ir.NewBuilder(0x1000)
	dst := ir.Reg(1 << 16)
	_ = b.Push(ir.Instruction{Opcode: ir.OpMovImm, Dst: dst, Type: ir.TypeI64, Imm: 0x123456789})
	b.SetTerminator(ir.Terminator{Kind: ir.TermReturn, PCReg: dst})
	blk, err := b.Finalize()
	require.NoError(t, err)

	code, err := Encoder{}.Encode(blk)
	require.NoError(t, err)
	require.True(t, len(code) > 8, "a >32-bit immediate needs more than one LUI/ADDI pair")
}

func TestEncode_UnsupportedOpcode(t *testing.T) {
	b := ir.NewBuilder(0x3000)
	_ = b.Push(ir.Instruction{Opcode: ir.OpVendorOpaque})
	b.SetTerminator(ir.Terminator{Kind: ir.TermJump, TargetPC: 0x3004})
	blk, err := b.Finalize()
	require.NoError(t, err)

	_, err = Encoder{}.Encode(blk)
	require.Error(t, err)
}

func TestEncode_ICmpProducesBoolean(t *testing.T) {
	b := ir.NewBuilder(0x4000)
	a := ir.Reg(1 << 16)
	bb := ir.Reg(1<<16 + 1)
	cmp := ir.Reg(1<<16 + 2)
	_ = b.Push(ir.Instruction{Opcode: ir.OpMovImm, Dst: a, Type: ir.TypeI64, Imm: 1})
	_ = b.Push(ir.Instruction{Opcode: ir.OpMovImm, Dst: bb, Type: ir.TypeI64, Imm: 2})
	_ = b.Push(ir.Instruction{Opcode: ir.OpICmp, Dst: cmp, Src: [3]ir.Reg{a, bb, ir.RegInvalid}, Type: ir.TypeBool1, Cond: ir.CondSignedLessThan})
	b.SetTerminator(ir.Terminator{Kind: ir.TermReturn, PCReg: cmp})
	blk, err := b.Finalize()
	require.NoError(t, err)

	code, err := Encoder{}.Encode(blk)
	require.NoError(t, err)
	require.NotEmpty(t, code)
}

func lastWord(code []byte) uint32 {
	n := len(code)
	return uint32(code[n-4]) | uint32(code[n-3])<<8 | uint32(code[n-2])<<16 | uint32(code[n-1])<<24
}
