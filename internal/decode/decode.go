// Package decode implements the guest-ISA decoders: one per supported
// guest architecture, each consuming bytes from the soft-MMU at a starting
// PC and emitting an ir.Block. PowerPC and the vendor tensor/NPU
// extensions are documented, unimplemented extension points (see
// powerpc.go); no guest_arch value selects them.
package decode

import (
	"fmt"
	"sort"

	"github.com/crosshost/vmm/internal/ir"
	"github.com/crosshost/vmm/internal/vmerr"
)

// Fetcher supplies instruction bytes for decoding. Implemented by
// *mmu.SoftMMU in the running VM; decoders only depend on this narrow
// interface so they can be unit-tested against a byte slice directly.
type Fetcher interface {
	FetchInstructionBytes(pc uint64, dst []byte) error
}

// Decoder turns guest machine code into a single ir.Block starting at pc.
type Decoder interface {
	// DecodeBlock decodes straight-line guest instructions starting at pc
	// until a natural terminator, a page crossing, or the operation budget,
	// whichever comes first.
	DecodeBlock(f Fetcher, pc uint64) (*ir.Block, error)

	// Name identifies the guest ISA, e.g. "x86_64", "arm64", "riscv64".
	Name() string
}

// pageSize matches mmu.PageSize4K; decoders stop a block rather than fetch
// across a page boundary.
const pageSize = 4096

func crossesPage(pc uint64, instrLen int) bool {
	return pc/pageSize != (pc+uint64(instrLen)-1)/pageSize
}

// regFile is the private guest-register-to-IR-register mapping each
// decoder maintains: the first read of a guest register produces an IR
// move-from-context, and the last write of each dirty register is
// committed back to its context slot by commit on block exit.
type regFile struct {
	b        *ir.Builder
	mapped   map[int]ir.Reg
	lastType map[int]ir.Type
	dirty    map[int]bool
	next     ir.Reg
}

func newRegFile(b *ir.Builder) *regFile {
	return &regFile{b: b, mapped: make(map[int]ir.Reg), lastType: make(map[int]ir.Type), dirty: make(map[int]bool), next: firstVirtualReg}
}

func (rf *regFile) alloc() ir.Reg {
	r := rf.next
	rf.next++
	return r
}

// Read returns the IR register currently holding guestReg, materializing a
// move-from-context on first reference.
func (rf *regFile) Read(guestReg int, typ ir.Type) ir.Reg {
	if r, ok := rf.mapped[guestReg]; ok {
		return r
	}
	r := rf.alloc()
	_ = rf.b.Push(ir.Instruction{Opcode: ir.OpMovReg, Dst: r, Src: [3]ir.Reg{ctxReg(guestReg), ir.RegInvalid, ir.RegInvalid}, Type: typ})
	rf.mapped[guestReg] = r
	rf.lastType[guestReg] = typ
	return r
}

// Write records that guestReg's new value now lives in r.
func (rf *regFile) Write(guestReg int, r ir.Reg, typ ir.Type) {
	rf.mapped[guestReg] = r
	rf.lastType[guestReg] = typ
	rf.dirty[guestReg] = true
}

// commit emits one move-to-context per dirty guest register, realizing the
// last-write-wins rule: only the final value of each
// written guest register reaches vCPU state, and it does so on block exit.
// Decoders call commit immediately before setting any terminator, including
// fault terminators, so the side effects of the committed instructions are
// observable even when the block ends in an exception.
func (rf *regFile) commit() {
	if len(rf.dirty) == 0 {
		return
	}
	regs := make([]int, 0, len(rf.dirty))
	for g := range rf.dirty {
		regs = append(regs, g)
	}
	sort.Ints(regs)
	rf.b.EnsureRoom(len(regs))
	for _, g := range regs {
		_ = rf.b.Push(ir.Instruction{
			Opcode: ir.OpMovReg,
			Dst:    ctxReg(g),
			Src:    [3]ir.Reg{rf.mapped[g], ir.RegInvalid, ir.RegInvalid},
			Type:   rf.lastType[g],
		})
	}
}

// Alloc returns a fresh scratch IR register not bound to any guest register.
func (rf *regFile) Alloc() ir.Reg { return rf.alloc() }

// ctxReg is a placeholder source identifying "guest register N's context
// slot" to OpMovReg's Src[0] until the decoder has a real prior definition;
// the vCPU runtime recognizes register IDs below firstVirtualReg as
// context slots rather than block-local virtual registers. Context slots
// are a separate namespace from block-local regs.
const firstVirtualReg = 1 << 16

func ctxReg(guestReg int) ir.Reg { return ir.Reg(guestReg) }

func illegalInstruction(b *ir.Builder, rf *regFile, pc uint64) (*ir.Block, error) {
	rf.commit()
	b.SetTerminator(ir.Terminator{Kind: ir.TermFault, FaultKind: ir.FaultIllegalInstruction, FaultPayload: pc})
	return b.Finalize()
}

func fetchFault(b *ir.Builder, rf *regFile, pc uint64) (*ir.Block, error) {
	rf.commit()
	b.SetTerminator(ir.Terminator{Kind: ir.TermFault, FaultKind: ir.FaultFetchFault, FaultPayload: pc})
	return b.Finalize()
}

// wrapFetchErr converts a Fetcher error into a fetch-fault terminated
// block rather than propagating a Go error: a fetch that faults is a guest
// exception, not a host failure.
func wrapFetchErr(b *ir.Builder, rf *regFile, pc uint64, err error) (*ir.Block, error) {
	if err == nil {
		return nil, nil
	}
	_ = fmt.Errorf("%w: %v", vmerr.ErrFetchFault, err)
	return fetchFault(b, rf, pc)
}
