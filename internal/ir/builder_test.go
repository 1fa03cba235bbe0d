package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilder_FinalizeWithoutTerminatorFails(t *testing.T) {
	b := NewBuilder(0x1000)
	require.NoError(t, b.Push(Instruction{Opcode: OpMovImm, Dst: 0, Imm: 10}))
	_, err := b.Finalize()
	require.ErrorIs(t, err, ErrNoTerminator)
}

func TestBuilder_SimpleBlock(t *testing.T) {
	// mov v0, 10; mov v1, 20; add v2, v0, v1; return v2 (as PC)
	b := NewBuilder(0x1000)
	require.NoError(t, b.Push(Instruction{Opcode: OpMovImm, Dst: 0, Type: TypeI64, Imm: 10}))
	require.NoError(t, b.Push(Instruction{Opcode: OpMovImm, Dst: 1, Type: TypeI64, Imm: 20}))
	require.NoError(t, b.Push(Instruction{Opcode: OpIAdd, Dst: 2, Src: [maxSrc]Reg{0, 1, RegInvalid}, Type: TypeI64}))
	b.SetTerminator(Terminator{Kind: TermReturn, PCReg: 2})

	blk, err := b.Finalize()
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), blk.StartPC())
	require.Len(t, blk.Ops(), 3)
	require.Equal(t, TermReturn, blk.Terminator().Kind)
	require.EqualValues(t, 3, blk.RegCount())
}

func TestBuilder_BudgetExceeded(t *testing.T) {
	b := NewBuilder(0)
	b.SetBudget(2)
	require.NoError(t, b.Push(Instruction{Opcode: OpMovImm, Dst: 0}))
	require.NoError(t, b.Push(Instruction{Opcode: OpMovImm, Dst: 1}))
	err := b.Push(Instruction{Opcode: OpMovImm, Dst: 2})
	require.ErrorIs(t, err, ErrBudgetExceeded)

	b.SetTerminator(SynthesizedJump(0x10))
	blk, err := b.Finalize()
	require.NoError(t, err)
	require.Equal(t, TermJump, blk.Terminator().Kind)
	require.EqualValues(t, 0x10, blk.Terminator().TargetPC)
}

func TestBuilder_Reset(t *testing.T) {
	b := NewBuilder(0x1000)
	require.NoError(t, b.Push(Instruction{Opcode: OpMovImm, Dst: 0}))
	b.SetTerminator(Terminator{Kind: TermReturn})
	_, err := b.Finalize()
	require.NoError(t, err)

	b.Reset(0x2000)
	require.Equal(t, DefaultOpBudget, b.Remaining())
	_, err = b.Finalize()
	require.ErrorIs(t, err, ErrNoTerminator)
}
