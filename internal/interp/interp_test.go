package interp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosshost/vmm/internal/ir"
	"github.com/crosshost/vmm/internal/vmerr"
)

// flatMemory is a Memory over a plain byte slice, little-endian, with no
// translation — enough to execute loads and stores in isolation.
type flatMemory struct {
	base uint64
	data []byte
}

func (m *flatMemory) Read(va uint64, size uint8) (uint64, error) {
	if va < m.base || va+uint64(size) > m.base+uint64(len(m.data)) {
		return 0, vmerr.ErrMemoryFault
	}
	off := va - m.base
	var v uint64
	for i := int(size) - 1; i >= 0; i-- {
		v = v<<8 | uint64(m.data[off+uint64(i)])
	}
	return v, nil
}

func (m *flatMemory) Write(va uint64, size uint8, val uint64) error {
	if va < m.base || va+uint64(size) > m.base+uint64(len(m.data)) {
		return vmerr.ErrMemoryFault
	}
	off := va - m.base
	for i := 0; i < int(size); i++ {
		m.data[off+uint64(i)] = byte(val)
		val >>= 8
	}
	return nil
}

func newEnv() *Env {
	return &Env{GPR: new([NumContextSlots]uint64), FPR: new([NumContextSlots]uint64), Mem: &flatMemory{}}
}

func buildBlock(t *testing.T, startPC uint64, ops []ir.Instruction, term ir.Terminator) *ir.Block {
	t.Helper()
	b := ir.NewBuilder(startPC)
	for _, op := range ops {
		require.NoError(t, b.Push(op))
	}
	b.SetTerminator(term)
	blk, err := b.Finalize()
	require.NoError(t, err)
	return blk
}

const v0 = ir.FirstVirtualReg

func TestExecute_ArithmeticAndCommit(t *testing.T) {
	// v0 = 10; v1 = 20; v2 = v0 + v1; ctx[1] = v2; jump.
	blk := buildBlock(t, 0x1000, []ir.Instruction{
		{Opcode: ir.OpMovImm, Dst: v0, Type: ir.TypeI64, Imm: 10},
		{Opcode: ir.OpMovImm, Dst: v0 + 1, Type: ir.TypeI64, Imm: 20},
		{Opcode: ir.OpIAdd, Dst: v0 + 2, Src: [3]ir.Reg{v0, v0 + 1, ir.RegInvalid}, Type: ir.TypeI64},
		{Opcode: ir.OpMovReg, Dst: ir.Reg(1), Src: [3]ir.Reg{v0 + 2, ir.RegInvalid, ir.RegInvalid}, Type: ir.TypeI64},
	}, ir.Terminator{Kind: ir.TermJump, TargetPC: 0x2000})

	env := newEnv()
	next, err := Execute(blk, env)
	require.NoError(t, err)
	require.Equal(t, uint64(0x2000), next)
	require.Equal(t, uint64(30), env.GPR[1])
}

func TestExecute_DivideByZeroSemantics(t *testing.T) {
	cases := []struct {
		name string
		op   ir.Opcode
		a, b uint64
		want uint64
	}{
		{"unsigned div by zero is all-ones", ir.OpIDivU, 10, 0, ^uint64(0)},
		{"signed div by zero is minus one", ir.OpIDivS, 10, 0, ^uint64(0)},
		{"signed rem by zero is the dividend", ir.OpIRemS, 10, 0, 10},
		{"unsigned rem by zero is the dividend", ir.OpIRemU, 10, 0, 10},
		{"min div minus-one is min", ir.OpIDivS, 1 << 63, ^uint64(0), 1 << 63},
		{"min rem minus-one is zero", ir.OpIRemS, 1 << 63, ^uint64(0), 0},
		{"plain signed divide", ir.OpIDivS, uint64(^uint64(0) - 19), 5, uint64(^uint64(0) - 3)}, // -20 / 5 == -4
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blk := buildBlock(t, 0x1000, []ir.Instruction{
				{Opcode: tc.op, Dst: ir.Reg(0), Src: [3]ir.Reg{ir.Reg(1), ir.Reg(2), ir.RegInvalid}, Type: ir.TypeI64},
			}, ir.Terminator{Kind: ir.TermJump, TargetPC: 0x1004})

			env := newEnv()
			env.GPR[1], env.GPR[2] = tc.a, tc.b
			_, err := Execute(blk, env)
			require.NoError(t, err)
			require.Equal(t, tc.want, env.GPR[0])
		})
	}
}

func TestExecute_32BitWidthTruncates(t *testing.T) {
	// A 32-bit add of 0xFFFF_FFFF + 1 wraps to zero in the destination.
	blk := buildBlock(t, 0x1000, []ir.Instruction{
		{Opcode: ir.OpIAdd, Dst: ir.Reg(0), Src: [3]ir.Reg{ir.Reg(1), ir.RegInvalid, ir.RegInvalid}, Type: ir.TypeI32, Imm: 1},
	}, ir.Terminator{Kind: ir.TermJump, TargetPC: 0x1004})

	env := newEnv()
	env.GPR[1] = 0xFFFF_FFFF
	_, err := Execute(blk, env)
	require.NoError(t, err)
	require.Equal(t, uint64(0), env.GPR[0])
}

func TestExecute_LoadStore(t *testing.T) {
	mem := &flatMemory{base: 0x8000, data: make([]byte, 64)}
	blk := buildBlock(t, 0x1000, []ir.Instruction{
		{Opcode: ir.OpMovImm, Dst: v0, Type: ir.TypeI64, Imm: 0x8000},
		{Opcode: ir.OpMovImm, Dst: v0 + 1, Type: ir.TypeI64, Imm: 0x1122334455},
		{Opcode: ir.OpStore, Src: [3]ir.Reg{v0, v0 + 1, ir.RegInvalid}, Type: ir.TypeI64, Size: 8},
		{Opcode: ir.OpLoad, Dst: ir.Reg(0), Src: [3]ir.Reg{v0, ir.RegInvalid, ir.RegInvalid}, Type: ir.TypeI64, Size: 8},
	}, ir.Terminator{Kind: ir.TermJump, TargetPC: 0x1010})

	env := newEnv()
	env.Mem = mem
	_, err := Execute(blk, env)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1122334455), env.GPR[0])
}

func TestExecute_MemoryFaultSurfacesAsGuestFault(t *testing.T) {
	blk := buildBlock(t, 0x1000, []ir.Instruction{
		{Opcode: ir.OpMovImm, Dst: v0, Type: ir.TypeI64, Imm: 0xdead_0000},
		{Opcode: ir.OpLoad, Dst: ir.Reg(0), Src: [3]ir.Reg{v0, ir.RegInvalid, ir.RegInvalid}, Type: ir.TypeI64, Size: 8},
	}, ir.Terminator{Kind: ir.TermJump, TargetPC: 0x1008})

	env := newEnv()
	_, err := Execute(blk, env)
	var fault *Fault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, ir.FaultMemoryFault, fault.Kind)
	require.Equal(t, uint64(0xdead_0000), fault.Payload)
	require.ErrorIs(t, err, vmerr.ErrMemoryFault)
}

func TestExecute_FaultTerminator(t *testing.T) {
	blk := buildBlock(t, 0x1000, nil,
		ir.Terminator{Kind: ir.TermFault, FaultKind: ir.FaultIllegalInstruction, FaultPayload: 0x1000})

	_, err := Execute(blk, newEnv())
	var fault *Fault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, ir.FaultIllegalInstruction, fault.Kind)
	require.ErrorIs(t, err, vmerr.ErrDecode)
}

func TestExecute_CondJump(t *testing.T) {
	mk := func(a, b uint64) (uint64, error) {
		blk := buildBlock(t, 0x1000, []ir.Instruction{
			{Opcode: ir.OpICmp, Dst: v0, Src: [3]ir.Reg{ir.Reg(1), ir.Reg(2), ir.RegInvalid}, Type: ir.TypeBool1, Cond: ir.CondEqual},
		}, ir.Terminator{Kind: ir.TermCondJump, Cond: v0, TargetPC: 0x2000, ElsePC: 0x3000})
		env := newEnv()
		env.GPR[1], env.GPR[2] = a, b
		return Execute(blk, env)
	}

	next, err := mk(7, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(0x2000), next)

	next, err = mk(7, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(0x3000), next)
}

func TestExecute_SaturatingLanes(t *testing.T) {
	// Two 32-bit lanes, signed saturating add: the low lane overflows and
	// clamps to max, the high lane adds normally.
	a := uint64(0x7FFF_FFFF) | uint64(5)<<32
	b := uint64(1) | uint64(6)<<32
	blk := buildBlock(t, 0x1000, []ir.Instruction{
		{Opcode: ir.OpVSAddS, Dst: ir.Reg(0), Src: [3]ir.Reg{ir.Reg(1), ir.Reg(2), ir.RegInvalid}, Type: ir.TypeV128, Size: 4},
	}, ir.Terminator{Kind: ir.TermJump, TargetPC: 0x1004})

	env := newEnv()
	env.GPR[1], env.GPR[2] = a, b
	_, err := Execute(blk, env)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7FFF_FFFF)|uint64(11)<<32, env.GPR[0])
}

func TestExecute_AtomicCAS(t *testing.T) {
	mem := &flatMemory{base: 0x8000, data: make([]byte, 8)}
	require.NoError(t, mem.Write(0x8000, 8, 41))

	blk := buildBlock(t, 0x1000, []ir.Instruction{
		{Opcode: ir.OpMovImm, Dst: v0, Type: ir.TypeI64, Imm: 0x8000},
		{Opcode: ir.OpMovImm, Dst: v0 + 1, Type: ir.TypeI64, Imm: 41}, // expected
		{Opcode: ir.OpMovImm, Dst: v0 + 2, Type: ir.TypeI64, Imm: 42}, // replacement
		{Opcode: ir.OpAtomicRMW, Dst: ir.Reg(0), Src: [3]ir.Reg{v0, v0 + 1, ir.RegInvalid}, CASNew: v0 + 2, AtomicOp: ir.AtomicCAS, Type: ir.TypeI64, Size: 8, Order: ir.OrderSeqCst},
	}, ir.Terminator{Kind: ir.TermJump, TargetPC: 0x1010})

	env := newEnv()
	env.Mem = mem
	_, err := Execute(blk, env)
	require.NoError(t, err)
	require.Equal(t, uint64(41), env.GPR[0], "CAS returns the old value")
	got, err := mem.Read(0x8000, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(42), got)
}
