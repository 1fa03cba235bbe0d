package ir

// DefaultOpBudget bounds block length: a block that reaches this many
// operations without hitting a natural terminator is force-terminated with
// a synthesized unconditional jump to the next PC.
const DefaultOpBudget = 256

// Block is an immutable, maximal straight-line sequence of operations
// decoded from one guest ISA, starting at StartPC and ending in exactly one
// Terminator. Blocks are produced by a Builder and never mutated afterward;
// this lets the translation cache and any concurrent readers share them
// without locking.
type Block struct {
	startPC uint64
	ops     []Instruction
	term    Terminator
	// regCount is the number of virtual registers referenced, used by
	// encoders to size a register file / spill area.
	regCount uint32
}

// StartPC returns the guest address this block begins translating at.
func (b *Block) StartPC() uint64 { return b.startPC }

// Ops returns the block's operations in decode order. The returned slice
// must not be mutated by callers.
func (b *Block) Ops() []Instruction { return b.ops }

// Len returns the number of operations in the block.
func (b *Block) Len() int { return len(b.ops) }

// Terminator returns the block's single terminator.
func (b *Block) Terminator() Terminator { return b.term }

// RegCount returns one past the highest Reg ID referenced by the block.
func (b *Block) RegCount() uint32 { return b.regCount }
