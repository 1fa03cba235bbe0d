package mmu

import "github.com/crosshost/vmm/internal/gaddr"

// PageSize4K is the smallest leaf size a walk can resolve to.
const PageSize4K = 1 << 12

// pageTableLevels is the 4-level walk depth (L0 root .. L3 leaf) that every
// Walker uses. The depth is a constant: a Walker has no level configuration,
// so 3- or 5-level tables are not walked.
const pageTableLevels = 4

// indexBitsPerLevel is 9 bits per level, i.e. 512-entry tables and 4 KiB
// leaves, matching the x86-64/ARM64/RISC-V64 Sv39-style convention named in
// the access type and privilege mode.
const indexBitsPerLevel = 9

// PTE is a single page-table entry as read from guest physical memory by a
// Walker.
type PTE struct {
	Frame    gaddr.GuestPhysAddr
	Perm     gaddr.Perm
	PageSize uint64 // leaf page size in bytes; 0 for a non-leaf (pointer) entry.
}

// Leaf reports whether this entry terminates the walk (either because it is
// the final level, or because it is a large-page entry at an intermediate
// level).
func (e PTE) Leaf() bool { return e.PageSize != 0 }

// WalkStatus is the outcome of a page-table walk.
type WalkStatus byte

const (
	// WalkSuccess: translation completed; Frame/PageSize/Perm are valid.
	WalkSuccess WalkStatus = iota
	// WalkNotPresent: a present bit was clear at some level.
	WalkNotPresent
	// WalkAccessViolation: the leaf permission set did not allow the
	// requested (access, userMode) combination.
	WalkAccessViolation
)

// WalkResult is the output of Walker.Walk.
type WalkResult struct {
	Status   WalkStatus
	Frame    gaddr.GuestPhysAddr
	Perm     gaddr.Perm
	PageSize uint64
}

// PhysReader reads page-table entries from guest physical memory. A Walker
// only needs read access; MMU composes a PhysReader with write access for
// the guest-visible load/store path.
type PhysReader interface {
	ReadPTE(addr gaddr.GuestPhysAddr) (PTE, error)
}

// Walker performs the multi-level page-table walk. It holds no mutable state of its own beyond the PhysReader;
// concurrent walks from different vCPUs are safe as long as the PhysReader
// is safe for concurrent reads, which PhysMemory guarantees.
type Walker struct {
	mem PhysReader
}

// NewWalker returns a Walker reading page tables through mem.
func NewWalker(mem PhysReader) *Walker {
	return &Walker{mem: mem}
}

// Walk translates va for the given access type and privilege mode, starting
// from rootTable (the table base physical address recorded in vCPU state).
//
// The walk extracts a 9-bit index per level from va, reads the PTE at that
// index, and stops at WalkNotPresent the moment a present bit is clear —
// importantly, it never dereferences the frame of a not-present entry, per
// a root table whose present bit is clear.
func (w *Walker) Walk(rootTable gaddr.GuestPhysAddr, va gaddr.GuestAddr, access gaddr.AccessType, userMode bool) (WalkResult, error) {
	tableBase := rootTable
	for level := 0; level < pageTableLevels; level++ {
		shift := uint(12 + (pageTableLevels-1-level)*indexBitsPerLevel)
		index := (uint64(va) >> shift) & ((1 << indexBitsPerLevel) - 1)
		entryAddr := gaddr.GuestPhysAddr(uint64(tableBase) + index*8)

		pte, err := w.mem.ReadPTE(entryAddr)
		if err != nil {
			return WalkResult{}, err
		}
		if !pte.Perm.Has(gaddr.PermPresent) {
			return WalkResult{Status: WalkNotPresent}, nil
		}
		if pte.Leaf() {
			if !pte.Perm.Allows(access, userMode) {
				return WalkResult{Status: WalkAccessViolation, Perm: pte.Perm}, nil
			}
			offset := uint64(va) & (pte.PageSize - 1)
			return WalkResult{
				Status:   WalkSuccess,
				Frame:    gaddr.GuestPhysAddr(uint64(pte.Frame) + offset),
				Perm:     pte.Perm,
				PageSize: pte.PageSize,
			}, nil
		}
		tableBase = pte.Frame
	}
	// Walked past the deepest level without hitting a leaf: treat it as
	// not-present rather than dereferencing an unresolved frame.
	return WalkResult{Status: WalkNotPresent}, nil
}
