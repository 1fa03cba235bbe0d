package decode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosshost/vmm/internal/ir"
)

func riscvWord(opcode, rd, funct3, rs1, rs2, funct7 uint32) uint32 {
	return opcode | rd<<7 | funct3<<12 | rs1<<15 | rs2<<20 | funct7<<25
}

func TestRISCV64_AddiThenJalrRet(t *testing.T) {
	// ADDI x5, x0, 7
	addi := riscvWord(0x13, 5, 0, 0, 0, 0) | (7 << 20)
	// JALR x0, x1, 0  (RET pseudo-instruction)
	ret := riscvWord(0x67, 0, 0, 1, 0, 0)
	f := &byteFetcher{base: 0x1000, code: encodeWords(addi, ret)}

	blk, err := RISCV64{}.DecodeBlock(f, 0x1000)
	require.NoError(t, err)
	require.Equal(t, ir.TermReturn, blk.Terminator().Kind)
	var add *ir.Instruction
	for i := range blk.Ops() {
		if blk.Ops()[i].Opcode == ir.OpIAdd {
			add = &blk.Ops()[i]
			break
		}
	}
	require.NotNil(t, add, "ADDI lowers to an iadd after the x0 context read")
	require.Equal(t, int64(7), add.Imm)
}

func TestRISCV64_BranchEqual(t *testing.T) {
	beq := riscvWord(0x63, 0, 0, 1, 2, 0) // BEQ x1, x2, +0
	f := &byteFetcher{base: 0x2000, code: encodeWords(beq)}

	blk, err := RISCV64{}.DecodeBlock(f, 0x2000)
	require.NoError(t, err)
	require.Equal(t, ir.TermCondJump, blk.Terminator().Kind)
	require.Equal(t, uint64(0x2004), blk.Terminator().ElsePC)
}

func TestRISCV64_IllegalOpcodeFaults(t *testing.T) {
	f := &byteFetcher{base: 0x3000, code: encodeWords(0x7f)} // opcode bits all-ones reserved, unhandled
	blk, err := RISCV64{}.DecodeBlock(f, 0x3000)
	require.NoError(t, err)
	require.Equal(t, ir.TermFault, blk.Terminator().Kind)
	require.Equal(t, ir.FaultIllegalInstruction, blk.Terminator().FaultKind)
}

func TestRISCV64_MulDivGroup(t *testing.T) {
	cases := []struct {
		funct3 uint32
		want   ir.Opcode
	}{
		{0, ir.OpIMul},
		{1, ir.OpIMulHiS},
		{2, ir.OpIMulHiSU},
		{3, ir.OpIMulHiU},
		{4, ir.OpIDivS},
		{5, ir.OpIDivU},
		{6, ir.OpIRemS},
		{7, ir.OpIRemU},
	}
	for _, tc := range cases {
		t.Run(tc.want.String(), func(t *testing.T) {
			insn := riscvWord(0x33, 10, tc.funct3, 11, 12, 1)
			ret := riscvWord(0x67, 0, 0, 1, 0, 0)
			f := &byteFetcher{base: 0x1000, code: encodeWords(insn, ret)}

			blk, err := RISCV64{}.DecodeBlock(f, 0x1000)
			require.NoError(t, err)
			found := false
			for _, op := range blk.Ops() {
				if op.Opcode == tc.want {
					found = true
				}
			}
			require.True(t, found, "expected %s in decoded block", tc.want)
		})
	}
}

func TestRISCV64_X0WritesDiscarded(t *testing.T) {
	// ADDI x0, x0, 7 must not commit anything to context slot 0.
	addi := riscvWord(0x13, 0, 0, 0, 0, 0) | (7 << 20)
	ret := riscvWord(0x67, 0, 0, 1, 0, 0)
	f := &byteFetcher{base: 0x1000, code: encodeWords(addi, ret)}

	blk, err := RISCV64{}.DecodeBlock(f, 0x1000)
	require.NoError(t, err)
	for _, op := range blk.Ops() {
		if op.Opcode == ir.OpMovReg && op.Dst.IsContextSlot() {
			require.NotEqual(t, ir.Reg(0), op.Dst, "write-back to x0 must be discarded")
		}
	}
}
