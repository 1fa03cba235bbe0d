package mmu

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosshost/vmm/internal/gaddr"
	"github.com/crosshost/vmm/internal/tlb"
)

type fakeHandler struct {
	regs [16]byte
}

func (f *fakeHandler) ReadMMIO(offset uint64, size uint8) (uint64, error) {
	var v uint64
	for i := uint8(0); i < size; i++ {
		v |= uint64(f.regs[offset+uint64(i)]) << (8 * i)
	}
	return v, nil
}

func (f *fakeHandler) WriteMMIO(offset uint64, size uint8, value uint64) error {
	for i := uint8(0); i < size; i++ {
		f.regs[offset+uint64(i)] = byte(value)
		value >>= 8
	}
	return nil
}

type fakeBus struct {
	base    gaddr.GuestPhysAddr
	size    uint64
	handler *fakeHandler
}

func (b *fakeBus) Lookup(addr gaddr.GuestPhysAddr) (MMIOHandler, uint64, bool) {
	if uint64(addr) < uint64(b.base) || uint64(addr) >= uint64(b.base)+b.size {
		return nil, 0, false
	}
	return b.handler, uint64(addr) - uint64(b.base), true
}

func newTestMMU(t *testing.T, bus Bus) (*SoftMMU, *PhysMemory, gaddr.GuestPhysAddr) {
	t.Helper()
	mem := NewPhysMemory(1 << 22)
	walker := NewWalker(mem)
	tl := tlb.New(4, tlb.Immediate{})
	m := New(mem, walker, tl, bus)

	root := buildIdentityWalk(t, mem, gaddr.GuestAddr(0x10_0000), 0x20_0000, gaddr.PermPresent|gaddr.PermRead|gaddr.PermWrite|gaddr.PermExecute)
	return m, mem, root
}

func TestSoftMMU_ReadWriteSized(t *testing.T) {
	m, _, root := newTestMMU(t, nil)
	va := gaddr.GuestAddr(0x10_0010)

	require.NoError(t, m.WriteSized(1, root, va, 4, 0xdeadbeef, false))
	v, err := m.ReadSized(1, root, va, 4, false)
	require.NoError(t, err)
	require.Equal(t, uint64(0xdeadbeef), v)
}

func TestSoftMMU_TranslateCachesInTLB(t *testing.T) {
	m, _, root := newTestMMU(t, nil)
	va := gaddr.GuestAddr(0x10_0020)

	_, _, err := m.Translate(1, root, va, gaddr.AccessRead, false)
	require.NoError(t, err)

	// Second translate should hit the TLB fast path (no walker error either
	// way, but stats confirm the cache populated).
	_, _, err = m.Translate(1, root, va, gaddr.AccessRead, false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), m.tlb.Stats().Hits)
}

func TestSoftMMU_MMIORouting(t *testing.T) {
	h := &fakeHandler{}
	bus := &fakeBus{base: 0x20_0000, size: 4096, handler: h}
	m, _, root := newTestMMU(t, bus)
	va := gaddr.GuestAddr(0x10_0000)

	require.NoError(t, m.WriteSized(1, root, va, 4, 0x1234, false))
	require.Equal(t, byte(0x34), h.regs[0])

	v, err := m.ReadSized(1, root, va, 4, false)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1234), v)
}

func TestSoftMMU_BulkCrossesPageBoundary(t *testing.T) {
	mem := NewPhysMemory(1 << 22)
	walker := NewWalker(mem)
	tl := tlb.New(4, tlb.Immediate{})
	m := New(mem, walker, tl, nil)

	perm := gaddr.PermPresent | gaddr.PermRead | gaddr.PermWrite
	root := buildIdentityWalk(t, mem, gaddr.GuestAddr(0x10_0000), 0x30_0000, perm)
	buildSecondIdentityLeaf(t, mem, root, gaddr.GuestAddr(0x10_1000), 0x31_0000, perm)

	va := gaddr.GuestAddr(0x10_0ff0)
	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, m.WriteBytes(1, root, va, payload, false))

	readBack := make([]byte, 32)
	require.NoError(t, m.ReadBytes(1, root, va, readBack, false))
	require.Equal(t, payload, readBack)
}

func TestSoftMMU_UnalignedFaultPolicy(t *testing.T) {
	m, _, root := newTestMMU(t, nil)
	m.SetUnalignedPolicy(UnalignedFault)

	_, err := m.ReadSized(1, root, gaddr.GuestAddr(0x10_0001), 4, false)
	require.Error(t, err)
}

func TestSoftMMU_PermissionViolation(t *testing.T) {
	mem := NewPhysMemory(1 << 20)
	walker := NewWalker(mem)
	tl := tlb.New(2, tlb.Immediate{})
	m := New(mem, walker, tl, nil)

	va := gaddr.GuestAddr(0x10_0000)
	root := buildIdentityWalk(t, mem, va, 0x9_0000, gaddr.PermPresent|gaddr.PermRead)

	err := m.WriteSized(1, root, va, 4, 1, false)
	require.Error(t, err)
}

// buildSecondIdentityLeaf adds a second leaf mapping to an existing table
// tree built by buildIdentityWalk, sharing intermediate levels where va2's
// index path coincides with the already-built tree and only installing new
// intermediate tables where it diverges. For the adjacent-page test case
// used here, only the final-level leaf entry differs.
func buildSecondIdentityLeaf(t *testing.T, mem *PhysMemory, root gaddr.GuestPhysAddr, va2 gaddr.GuestAddr, frame gaddr.GuestPhysAddr, perm gaddr.Perm) {
	t.Helper()
	const tableStride = 512 * 8
	tableBase := root
	for level := 0; level < pageTableLevels-1; level++ {
		shift := uint(12 + (pageTableLevels-1-level)*indexBitsPerLevel)
		index := (uint64(va2) >> shift) & ((1 << indexBitsPerLevel) - 1)
		nextTable := gaddr.GuestPhysAddr(uint64(tableBase) + tableStride*uint64(level+1))
		entryAddr := gaddr.GuestPhysAddr(uint64(tableBase) + index*8)
		require.NoError(t, mem.WritePTE(entryAddr, nextTable, gaddr.PermPresent, 0))
		tableBase = nextTable
	}
	leafIndex := (uint64(va2) >> 12) & ((1 << indexBitsPerLevel) - 1)
	leafEntryAddr := gaddr.GuestPhysAddr(uint64(tableBase) + leafIndex*8)
	require.NoError(t, mem.WritePTE(leafEntryAddr, frame, perm, 1))
}
