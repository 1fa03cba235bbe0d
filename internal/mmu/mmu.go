package mmu

import (
	"fmt"

	"github.com/crosshost/vmm/internal/gaddr"
	"github.com/crosshost/vmm/internal/tlb"
	"github.com/crosshost/vmm/internal/vmerr"
)

// MMIOHandler is implemented by a device registered on a Bus. offset is
// relative to the handler's registered base.
type MMIOHandler interface {
	ReadMMIO(offset uint64, size uint8) (uint64, error)
	WriteMMIO(offset uint64, size uint8, value uint64) error
}

// Bus routes a guest physical address to a registered device handler: an
// ordered map of (base, size) -> handler, consulted on every access.
type Bus interface {
	Lookup(addr gaddr.GuestPhysAddr) (handler MMIOHandler, offset uint64, ok bool)
}

// UnalignedPolicy selects how the MMU handles an access whose size
// crosses a natural alignment boundary. The default permits it, splitting
// internally where needed.
type UnalignedPolicy byte

const (
	// UnalignedSplit performs the access as two (or more) sub-accesses when
	// it straddles a page boundary, and as a single unaligned host access
	// otherwise. This is the default.
	UnalignedSplit UnalignedPolicy = iota
	// UnalignedFault rejects any access whose address is not naturally
	// aligned to its size, for targets that model strict-alignment guests.
	UnalignedFault
)

// SoftMMU composes a page-table Walker, a soft-TLB, physical memory, and
// an MMIO Bus into the guest-visible load/store/fetch surface. One SoftMMU
// instance is shared read-mostly across vCPUs; per-address-space state
// (root table, ASID, privilege mode) is passed by the caller on every
// operation since vCPU state is owned exclusively by its own thread.
type SoftMMU struct {
	mem    *PhysMemory
	walker *Walker
	tlb    *tlb.TLB
	bus    Bus
	policy UnalignedPolicy
}

// New returns a SoftMMU over mem, using walker for walk-cache misses, tl as
// the walk/translation cache, and bus for MMIO routing. bus may be nil if no
// devices are registered yet.
func New(mem *PhysMemory, walker *Walker, tl *tlb.TLB, bus Bus) *SoftMMU {
	return &SoftMMU{mem: mem, walker: walker, tlb: tl, bus: bus, policy: UnalignedSplit}
}

// SetUnalignedPolicy configures the per-target unaligned-access behavior.
func (m *SoftMMU) SetUnalignedPolicy(p UnalignedPolicy) { m.policy = p }

// Translate resolves va to a physical frame, consulting the TLB first and
// falling back to a page-table walk on miss. A successful walk is inserted
// back into the TLB so subsequent accesses hit the fast path.
func (m *SoftMMU) Translate(asid tlb.ASID, rootTable gaddr.GuestPhysAddr, va gaddr.GuestAddr, access gaddr.AccessType, userMode bool) (gaddr.GuestPhysAddr, gaddr.Perm, error) {
	pageOff := uint64(va) & (PageSize4K - 1)
	if pfn, perm, _, ok := m.tlb.LookupFast(asid, va); ok {
		if !perm.Allows(access, userMode) {
			return 0, 0, fmt.Errorf("%w: permission violation at 0x%x", vmerr.ErrMemoryFault, va)
		}
		m.tlb.NotifyAccess(va)
		return gaddr.GuestPhysAddr(pfn + pageOff), perm, nil
	}

	res, err := m.walker.Walk(rootTable, va, access, userMode)
	if err != nil {
		return 0, 0, err
	}
	switch res.Status {
	case WalkNotPresent:
		return 0, 0, fmt.Errorf("%w: page not present at 0x%x", vmerr.ErrMemoryFault, va)
	case WalkAccessViolation:
		return 0, 0, fmt.Errorf("%w: permission violation at 0x%x", vmerr.ErrMemoryFault, va)
	}

	frameBase := gaddr.GuestPhysAddr(uint64(res.Frame) &^ (PageSize4K - 1))
	pageBits := uint8(12)
	for res.PageSize > (1 << pageBits) {
		pageBits++
	}
	m.tlb.Insert(asid, va&^gaddr.GuestAddr(PageSize4K-1), uint64(frameBase), res.Perm, pageBits)
	return res.Frame, res.Perm, nil
}

func (m *SoftMMU) route(pa gaddr.GuestPhysAddr) (MMIOHandler, uint64, bool) {
	if m.bus == nil {
		return nil, 0, false
	}
	return m.bus.Lookup(pa)
}

// ReadSized performs a naturally-sized (1/2/4/8 byte) guest read, routing to
// the device bus when the translated physical address falls in an MMIO
// range.
func (m *SoftMMU) ReadSized(asid tlb.ASID, rootTable gaddr.GuestPhysAddr, va gaddr.GuestAddr, size uint8, userMode bool) (uint64, error) {
	if m.policy == UnalignedFault && uint64(va)%uint64(size) != 0 {
		return 0, fmt.Errorf("%w: unaligned access of size %d at 0x%x", vmerr.ErrMemoryFault, size, va)
	}
	if crossesPage(va, size) {
		return m.readSplit(asid, rootTable, va, size, userMode)
	}
	pa, _, err := m.Translate(asid, rootTable, va, gaddr.AccessRead, userMode)
	if err != nil {
		return 0, err
	}
	if h, off, ok := m.route(pa); ok {
		return h.ReadMMIO(off, size)
	}
	return m.mem.ReadUint(pa, size)
}

// WriteSized is the write counterpart of ReadSized.
func (m *SoftMMU) WriteSized(asid tlb.ASID, rootTable gaddr.GuestPhysAddr, va gaddr.GuestAddr, size uint8, val uint64, userMode bool) error {
	if m.policy == UnalignedFault && uint64(va)%uint64(size) != 0 {
		return fmt.Errorf("%w: unaligned access of size %d at 0x%x", vmerr.ErrMemoryFault, size, va)
	}
	if crossesPage(va, size) {
		return m.writeSplit(asid, rootTable, va, size, val, userMode)
	}
	pa, _, err := m.Translate(asid, rootTable, va, gaddr.AccessWrite, userMode)
	if err != nil {
		return err
	}
	if h, off, ok := m.route(pa); ok {
		return h.WriteMMIO(off, size, val)
	}
	return m.mem.WriteUint(pa, size, val)
}

func crossesPage(va gaddr.GuestAddr, size uint8) bool {
	start := uint64(va) & (PageSize4K - 1)
	return start+uint64(size) > PageSize4K
}

// readSplit realizes an access that straddles a page boundary as two
// sub-reads, each through its own translation: one translation per page,
// the bulk-access rule applied to an oversized scalar access.
func (m *SoftMMU) readSplit(asid tlb.ASID, rootTable gaddr.GuestPhysAddr, va gaddr.GuestAddr, size uint8, userMode bool) (uint64, error) {
	buf := make([]byte, size)
	if err := m.ReadBytes(asid, rootTable, va, buf, userMode); err != nil {
		return 0, err
	}
	var v uint64
	for i := int(size) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

func (m *SoftMMU) writeSplit(asid tlb.ASID, rootTable gaddr.GuestPhysAddr, va gaddr.GuestAddr, size uint8, val uint64, userMode bool) error {
	buf := make([]byte, size)
	for i := 0; i < int(size); i++ {
		buf[i] = byte(val)
		val >>= 8
	}
	return m.WriteBytes(asid, rootTable, va, buf, userMode)
}

// ReadBytes copies len(dst) bytes starting at va into dst, translating once
// per page crossed.
func (m *SoftMMU) ReadBytes(asid tlb.ASID, rootTable gaddr.GuestPhysAddr, va gaddr.GuestAddr, dst []byte, userMode bool) error {
	return m.walkPages(asid, rootTable, va, uint64(len(dst)), gaddr.AccessRead, userMode, func(pa gaddr.GuestPhysAddr, off, n uint64) error {
		if h, hoff, ok := m.route(pa); ok {
			for i := uint64(0); i < n; i++ {
				v, err := h.ReadMMIO(hoff+i, 1)
				if err != nil {
					return err
				}
				dst[off+i] = byte(v)
			}
			return nil
		}
		return m.mem.Read(pa, dst[off:off+n])
	})
}

// WriteBytes is the write counterpart of ReadBytes.
func (m *SoftMMU) WriteBytes(asid tlb.ASID, rootTable gaddr.GuestPhysAddr, va gaddr.GuestAddr, src []byte, userMode bool) error {
	return m.walkPages(asid, rootTable, va, uint64(len(src)), gaddr.AccessWrite, userMode, func(pa gaddr.GuestPhysAddr, off, n uint64) error {
		if h, hoff, ok := m.route(pa); ok {
			for i := uint64(0); i < n; i++ {
				if err := h.WriteMMIO(hoff+i, 1, uint64(src[off+i])); err != nil {
					return err
				}
			}
			return nil
		}
		return m.mem.Write(pa, src[off:off+n])
	})
}

// FetchBytes reads n instruction bytes for decoding, using AccessExecute so
// no-execute pages correctly fault.
func (m *SoftMMU) FetchBytes(asid tlb.ASID, rootTable gaddr.GuestPhysAddr, va gaddr.GuestAddr, dst []byte) error {
	return m.walkPages(asid, rootTable, va, uint64(len(dst)), gaddr.AccessExecute, false, func(pa gaddr.GuestPhysAddr, off, n uint64) error {
		return m.mem.Read(pa, dst[off:off+n])
	})
}

// walkPages splits a [va, va+n) range into per-page segments, translating
// each independently, and invokes fn with the physical address and the
// [off, off+segLen) slice bounds of the caller's buffer that segment fills.
func (m *SoftMMU) walkPages(asid tlb.ASID, rootTable gaddr.GuestPhysAddr, va gaddr.GuestAddr, n uint64, access gaddr.AccessType, userMode bool, fn func(pa gaddr.GuestPhysAddr, off, segLen uint64) error) error {
	var off uint64
	for off < n {
		cur := va + gaddr.GuestAddr(off)
		pageOff := uint64(cur) & (PageSize4K - 1)
		segLen := PageSize4K - pageOff
		if remaining := n - off; segLen > remaining {
			segLen = remaining
		}
		pa, _, err := m.Translate(asid, rootTable, cur, access, userMode)
		if err != nil {
			return err
		}
		if err := fn(pa, off, segLen); err != nil {
			return err
		}
		off += segLen
	}
	return nil
}
