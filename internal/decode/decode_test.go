package decode

import (
	"encoding/binary"

	"github.com/crosshost/vmm/internal/vmerr"
)

// byteFetcher is a Fetcher backed directly by an in-memory guest-code image,
// letting decoder tests run without any mmu/tlb/device wiring.
type byteFetcher struct {
	base uint64
	code []byte
}

func (f *byteFetcher) FetchInstructionBytes(pc uint64, dst []byte) error {
	if pc < f.base || pc+uint64(len(dst)) > f.base+uint64(len(f.code)) {
		return vmerr.ErrFetchFault
	}
	off := pc - f.base
	copy(dst, f.code[off:off+uint64(len(dst))])
	return nil
}

func le32bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
