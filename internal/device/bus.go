// Package device implements the MMIO bus and the minimal device set:
// serial/console, timer (CLINT-style), block
// (virtio-block), network (virtio-net). Bus implements mmu.Bus directly
// (mmu has no dependency on device, so the import runs one way only).
package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/crosshost/vmm/internal/gaddr"
	"github.com/crosshost/vmm/internal/mmu"
	"github.com/crosshost/vmm/internal/vmerr"
)

// Handler is an alias for the mmu-visible handler contract: synchronous
// read/write of widths 1/2/4/8.
type Handler = mmu.MMIOHandler

type registration struct {
	base    gaddr.GuestPhysAddr
	size    uint64
	handler Handler
}

// Bus is an ordered map of (base, size) -> handler. The bus is read-only
// after VM start: Register is expected to be called only during
// construction, so Lookup takes no lock on its hot path.
type Bus struct {
	mu   sync.Mutex // guards regs during Register only
	regs []registration
}

// New returns an empty Bus.
func New() *Bus { return &Bus{} }

// Register adds a device handler covering [base, base+size). Overlapping
// ranges are rejected.
func (b *Bus) Register(base gaddr.GuestPhysAddr, size uint64, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.regs {
		if uint64(base) < uint64(r.base)+r.size && uint64(r.base) < uint64(base)+size {
			return fmt.Errorf("%w: MMIO range 0x%x+%d overlaps existing registration at 0x%x+%d", vmerr.ErrDevice, base, size, r.base, r.size)
		}
	}
	b.regs = append(b.regs, registration{base: base, size: size, handler: h})
	sort.Slice(b.regs, func(i, j int) bool { return b.regs[i].base < b.regs[j].base })
	return nil
}

// Lookup finds the handler owning addr, returning the offset relative to
// its base. Binary search over the sorted, non-overlapping registration
// list.
func (b *Bus) Lookup(addr gaddr.GuestPhysAddr) (handler mmu.MMIOHandler, offset uint64, ok bool) {
	regs := b.regs
	i := sort.Search(len(regs), func(i int) bool { return regs[i].base+gaddr.GuestPhysAddr(regs[i].size) > addr })
	if i >= len(regs) || addr < regs[i].base {
		return nil, 0, false
	}
	return regs[i].handler, uint64(addr - regs[i].base), true
}
