package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const optV = FirstVirtualReg

func TestPassConstantFold(t *testing.T) {
	b := NewBuilder(0)
	require.NoError(t, b.Push(Instruction{Opcode: OpMovImm, Dst: optV, Imm: 10}))
	require.NoError(t, b.Push(Instruction{Opcode: OpMovImm, Dst: optV + 1, Imm: 20}))
	require.NoError(t, b.Push(Instruction{Opcode: OpIAdd, Dst: optV + 2, Src: [maxSrc]Reg{optV, optV + 1, RegInvalid}}))
	b.SetTerminator(Terminator{Kind: TermReturn, PCReg: optV + 2})

	b.Optimize(OptLevel1)

	require.Equal(t, OpMovImm, b.ops[2].Opcode)
	require.EqualValues(t, 30, b.ops[2].Imm)
}

func TestPassDeadCodeElimination(t *testing.T) {
	b := NewBuilder(0)
	require.NoError(t, b.Push(Instruction{Opcode: OpMovImm, Dst: optV, Imm: 1})) // unused
	require.NoError(t, b.Push(Instruction{Opcode: OpMovImm, Dst: optV + 1, Imm: 2}))
	b.SetTerminator(Terminator{Kind: TermReturn, PCReg: optV + 1})

	b.Optimize(OptLevel2)

	require.Len(t, b.ops, 1)
	require.Equal(t, optV+1, b.ops[0].Dst)
}

func TestPassDeadCodeElimination_KeepsContextCommits(t *testing.T) {
	b := NewBuilder(0)
	require.NoError(t, b.Push(Instruction{Opcode: OpMovImm, Dst: optV, Imm: 7}))
	// A move to a context slot commits guest state; nothing in the block
	// reads it, but it must survive.
	require.NoError(t, b.Push(Instruction{Opcode: OpMovReg, Dst: Reg(5), Src: [maxSrc]Reg{optV, RegInvalid, RegInvalid}}))
	b.SetTerminator(Terminator{Kind: TermJump, TargetPC: 4})

	b.Optimize(OptLevel2)

	require.Len(t, b.ops, 2)
}

func TestPassDeadCodeElimination_KeepsSideEffects(t *testing.T) {
	b := NewBuilder(0)
	require.NoError(t, b.Push(Instruction{Opcode: OpMovImm, Dst: optV, Imm: 0x1000}))
	require.NoError(t, b.Push(Instruction{Opcode: OpMovImm, Dst: optV + 1, Imm: 42}))
	require.NoError(t, b.Push(Instruction{Opcode: OpStore, Src: [maxSrc]Reg{optV, optV + 1, RegInvalid}, Size: 8}))
	b.SetTerminator(Terminator{Kind: TermReturn, PCReg: RegInvalid})

	b.Optimize(OptLevel2)

	require.Len(t, b.ops, 3) // store and its operand producers all survive
}

func TestPassRedundantMoveElimination(t *testing.T) {
	b := NewBuilder(0)
	require.NoError(t, b.Push(Instruction{Opcode: OpMovImm, Dst: optV, Imm: 7}))
	require.NoError(t, b.Push(Instruction{Opcode: OpMovReg, Dst: optV + 1, Src: [maxSrc]Reg{optV, RegInvalid, RegInvalid}}))
	b.SetTerminator(Terminator{Kind: TermReturn, PCReg: optV + 1})

	b.Optimize(OptLevel3)

	require.Equal(t, optV, b.term.PCReg)
}
