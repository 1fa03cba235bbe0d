package decode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosshost/vmm/internal/ir"
)

func TestX86_64_MovImmThenRet(t *testing.T) {
	// REX.W + B8 (MOV RAX, imm64) ; C3 (RET)
	code := []byte{0x48, 0xB8, 0x2A, 0, 0, 0, 0, 0, 0, 0, 0xC3}
	f := &byteFetcher{base: 0x1000, code: code}

	blk, err := X86_64{}.DecodeBlock(f, 0x1000)
	require.NoError(t, err)
	require.Equal(t, ir.TermReturn, blk.Terminator().Kind)
	require.True(t, blk.Len() >= 2, "expects a mov_imm plus the ret's stack pop")

	require.Equal(t, ir.OpMovImm, blk.Ops()[0].Opcode)
	require.Equal(t, int64(42), blk.Ops()[0].Imm)
}

func TestX86_64_UnconditionalJump(t *testing.T) {
	// E9 rel32: jump forward by 0x10 past this 5-byte instruction.
	code := []byte{0xE9, 0x10, 0x00, 0x00, 0x00}
	f := &byteFetcher{base: 0x2000, code: code}

	blk, err := X86_64{}.DecodeBlock(f, 0x2000)
	require.NoError(t, err)
	require.Equal(t, ir.TermJump, blk.Terminator().Kind)
	require.Equal(t, uint64(0x2000+5+0x10), blk.Terminator().TargetPC)
}

func TestX86_64_IllegalOpcodeFaults(t *testing.T) {
	code := []byte{0x0F, 0x0B} // UD2, unhandled by this decoder's subset
	f := &byteFetcher{base: 0x3000, code: code}

	blk, err := X86_64{}.DecodeBlock(f, 0x3000)
	require.NoError(t, err)
	require.Equal(t, ir.TermFault, blk.Terminator().Kind)
	require.Equal(t, ir.FaultIllegalInstruction, blk.Terminator().FaultKind)
}

func TestX86_64_FetchFaultPropagates(t *testing.T) {
	f := &byteFetcher{base: 0x4000, code: []byte{}}

	blk, err := X86_64{}.DecodeBlock(f, 0x4000)
	require.NoError(t, err)
	require.Equal(t, ir.TermFault, blk.Terminator().Kind)
	require.Equal(t, ir.FaultFetchFault, blk.Terminator().FaultKind)
}

func TestX86_64_Group1ImmAndCmpJccFusion(t *testing.T) {
	// ADD EAX, 5 ; CMP EAX, 5 ; JE +2
	code := []byte{0x83, 0xC0, 0x05, 0x83, 0xF8, 0x05, 0x74, 0x02}
	f := &byteFetcher{base: 0x1000, code: code}

	blk, err := X86_64{}.DecodeBlock(f, 0x1000)
	require.NoError(t, err)
	require.Equal(t, ir.TermCondJump, blk.Terminator().Kind)
	require.Equal(t, uint64(0x1000+8+2), blk.Terminator().TargetPC)
	require.Equal(t, uint64(0x1000+8), blk.Terminator().ElsePC)

	var cmps int
	for _, op := range blk.Ops() {
		if op.Opcode == ir.OpICmp {
			cmps++
			require.Equal(t, ir.CondEqual, op.Cond)
			require.Equal(t, int64(5), op.Imm)
		}
	}
	require.Equal(t, 1, cmps, "the CMP materializes once, at the fused Jcc")
}

func TestX86_64_CommitsDirtyRegistersOnExit(t *testing.T) {
	// MOV EBX, 20 ; JMP +0 — EBX's final value must reach its context slot.
	code := []byte{0xBB, 0x14, 0x00, 0x00, 0x00, 0xEB, 0x00}
	f := &byteFetcher{base: 0x1000, code: code}

	blk, err := X86_64{}.DecodeBlock(f, 0x1000)
	require.NoError(t, err)
	committed := false
	for _, op := range blk.Ops() {
		if op.Opcode == ir.OpMovReg && op.Dst == ir.Reg(3) { // RBX's context slot
			committed = true
		}
	}
	require.True(t, committed, "dirty RBX must be committed before the terminator")
}
