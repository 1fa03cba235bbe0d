package ir

// OptimizationLevel selects which pass chain Optimize runs, matching the
// `optimization_level` configuration knob (0-3). The
// translation cache fingerprint includes this level, so code compiled at
// one level is never returned for a query at another.
type OptimizationLevel uint8

const (
	OptLevel0 OptimizationLevel = iota
	OptLevel1
	OptLevel2
	OptLevel3
)

// optimizationPass operates on and mutates the in-progress block held by a
// Builder before Finalize is called.
type optimizationPass func(*Builder)

// passChains maps each optimization level to the passes run by Optimize, in
// order. Higher levels are a strict superset of lower ones so recompiling at
// a higher level is always at least as thorough.
var passChains = map[OptimizationLevel][]optimizationPass{
	OptLevel0: nil,
	OptLevel1: {passConstantFold},
	OptLevel2: {passConstantFold, passDeadCodeElimination},
	OptLevel3: {passConstantFold, passDeadCodeElimination, passRedundantMoveElimination},
}

// Optimize runs the pass chain for level against the builder's
// not-yet-finalized operation list. It must be called before Finalize.
func (b *Builder) Optimize(level OptimizationLevel) {
	for _, pass := range passChains[level] {
		pass(b)
	}
}

// OptimizeBlock runs level's pass chain over an already-finalized block and
// returns a fresh immutable block; the input is left untouched. Callers
// fingerprint the unoptimized block (a re-decode reproduces that form) and
// hand the optimized one to the encoder.
func OptimizeBlock(b *Block, level OptimizationLevel) (*Block, error) {
	nb := NewBuilder(b.startPC)
	nb.SetBudget(len(b.ops))
	for i := range b.ops {
		if err := nb.Push(b.ops[i]); err != nil {
			return nil, err
		}
	}
	nb.SetTerminator(b.term)
	nb.Optimize(level)
	return nb.Finalize()
}

// passConstantFold folds OpIAdd/OpISub/OpAnd/OpOr/OpXor over two OpMovImm
// producers into a single OpMovImm. Because the IR has no definition-use
// chains across blocks, this pass only looks within the same block.
func passConstantFold(b *Builder) {
	imm := make(map[Reg]int64, len(b.ops))
	for i := range b.ops {
		in := &b.ops[i]
		switch in.Opcode {
		case OpMovImm:
			imm[in.Dst] = in.Imm
			continue
		case OpIAdd, OpISub, OpAnd, OpOr, OpXor:
			x, xok := imm[in.Src[0]]
			y, yok := imm[in.Src[1]]
			if !xok || !yok {
				continue
			}
			var folded int64
			switch in.Opcode {
			case OpIAdd:
				folded = x + y
			case OpISub:
				folded = x - y
			case OpAnd:
				folded = x & y
			case OpOr:
				folded = x | y
			case OpXor:
				folded = x ^ y
			}
			in.Opcode = OpMovImm
			in.Src = [maxSrc]Reg{RegInvalid, RegInvalid, RegInvalid}
			in.Imm = folded
			imm[in.Dst] = folded
		}
		delete(imm, in.Dst)
	}
}

// passDeadCodeElimination drops instructions whose destination register is
// never read again within the block and is not observed by the terminator.
// Side-effecting opcodes (stores, atomics, vendor ops, arch-service calls)
// are never eliminated even when their destination is unused.
func passDeadCodeElimination(b *Builder) {
	used := make(map[Reg]bool, len(b.ops))
	mark := func(r Reg) {
		if r.Valid() {
			used[r] = true
		}
	}
	mark(b.term.PCReg)
	mark(b.term.Cond)
	mark(b.term.LinkReg)

	live := make([]bool, len(b.ops))
	for i := len(b.ops) - 1; i >= 0; i-- {
		in := &b.ops[i]
		// A context-slot destination commits guest register state on block
		// exit; it is observable even though nothing in the block reads it.
		if hasSideEffect(in.Opcode) || (in.Dst.Valid() && (used[in.Dst] || in.Dst.IsContextSlot())) {
			live[i] = true
			for _, s := range in.Src {
				mark(s)
			}
			mark(in.CASNew)
		}
	}
	kept := b.ops[:0]
	for i, in := range b.ops {
		if live[i] {
			kept = append(kept, in)
		}
	}
	b.ops = kept
}

func hasSideEffect(op Opcode) bool {
	switch op {
	// OpLoad is conservatively side-effecting: a load can fault, and a load
	// that resolves to an MMIO range has device-visible effects the IR
	// cannot see at this point.
	case OpStore, OpLoad, OpAtomicRMW, OpArchTLBFlush, OpArchCSRWrite, OpVendorOpaque, OpArchCPUID:
		return true
	default:
		return false
	}
}

// passRedundantMoveElimination rewrites `b = mov_reg a` followed immediately
// by uses of b into uses of a, then lets dead-code elimination (already run
// earlier in the OptLevel3 chain) drop the now-unused move on the next pass
// invocation. Only chains within the same block are collapsed, matching the
// IR's no-internal-control-flow invariant.
func passRedundantMoveElimination(b *Builder) {
	alias := make(map[Reg]Reg)
	resolve := func(r Reg) Reg {
		for {
			if a, ok := alias[r]; ok {
				r = a
				continue
			}
			return r
		}
	}
	for i := range b.ops {
		in := &b.ops[i]
		for j, s := range in.Src {
			in.Src[j] = resolve(s)
		}
		if in.CASNew.Valid() {
			in.CASNew = resolve(in.CASNew)
		}
		if in.Opcode == OpMovReg {
			alias[in.Dst] = resolve(in.Src[0])
		}
	}
	b.term.PCReg = resolve(b.term.PCReg)
	b.term.Cond = resolve(b.term.Cond)
	b.term.LinkReg = resolve(b.term.LinkReg)
}
