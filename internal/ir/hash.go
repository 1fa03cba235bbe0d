package ir

import "hash/fnv"

// Hash returns a stable 64-bit hash of the block's operation sequence and
// terminator. Two decodes of the same guest bytes produce equal hashes; a
// re-decode of mutated guest memory produces a different one, which is what
// makes the translation cache's fingerprint miss on self-modified code at
// block boundaries.
func (b *Block) Hash() uint64 {
	h := fnv.New64a()
	var buf [8]byte

	w64 := func(v uint64) {
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		_, _ = h.Write(buf[:])
	}

	w64(b.startPC)
	for i := range b.ops {
		in := &b.ops[i]
		w64(uint64(in.Opcode)<<32 | uint64(in.Dst))
		for _, s := range in.Src {
			w64(uint64(s))
		}
		w64(uint64(in.Imm))
		w64(uint64(in.Type)<<56 | uint64(in.Cond)<<48 | uint64(in.Size)<<40 |
			uint64(in.Align)<<32 | uint64(in.Order)<<24 | uint64(in.AtomicOp)<<16 |
			uint64(in.CASNew))
		if in.Volatile {
			w64(1)
		}
		if in.ServiceName != "" {
			_, _ = h.Write([]byte(in.ServiceName))
		}
	}

	t := &b.term
	w64(uint64(t.Kind)<<56 | uint64(t.FaultKind)<<48 | uint64(t.PCReg))
	w64(t.TargetPC)
	w64(t.ElsePC)
	w64(uint64(t.Cond)<<32 | uint64(t.LinkReg))
	w64(t.FaultPayload)
	return h.Sum64()
}
