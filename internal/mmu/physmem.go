package mmu

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/crosshost/vmm/internal/gaddr"
	"github.com/crosshost/vmm/internal/vmerr"
)

// PhysMemory is the flat backing store for guest physical memory. Guest
// writes and page-table reads both go through it; it performs no
// virtualization of its own (that is the Walker's job) beyond bounds
// checking.
//
// Reads and writes take the mutex for their duration: guest memory ordering
// beyond mutual exclusion (acquire/release/seq_cst) is the caller's
// responsibility, since only the caller (the interpreter or JIT'd code)
// knows the MemOrder annotation on the operation being realized.
type PhysMemory struct {
	mu   sync.RWMutex
	buf  []byte
	size uint64
}

// NewPhysMemory allocates size bytes of zeroed guest physical memory.
func NewPhysMemory(size uint64) *PhysMemory {
	return &PhysMemory{buf: make([]byte, size), size: size}
}

// Size returns the configured memory_size.
func (m *PhysMemory) Size() uint64 { return m.size }

func (m *PhysMemory) bounds(addr gaddr.GuestPhysAddr, n uint64) error {
	if uint64(addr)+n > m.size || uint64(addr)+n < uint64(addr) {
		return fmt.Errorf("%w: physical address 0x%x+%d out of range (size %d)", vmerr.ErrMemoryFault, addr, n, m.size)
	}
	return nil
}

// ReadPTE implements PhysReader by decoding an 8-byte raw PTE in the layout
// below. This raw layout is internal to this implementation;
// nothing outside PhysMemory/Walker interprets it.
// Raw 8-byte PTE layout (internal to PhysMemory/Walker, never guest-visible):
// bits [0:8) full Perm bitset, bits [8:10) leaf size class, bits [10:64)
// frame number (frame physical address, always 4 KiB aligned, shifted right
// by 12 before storage so it fits alongside perm/class in one word).
const (
	pteLeafClassShift = 8
	pteFrameShift     = 10
)

func (m *PhysMemory) ReadPTE(addr gaddr.GuestPhysAddr) (PTE, error) {
	if err := m.bounds(addr, 8); err != nil {
		return PTE{}, err
	}
	m.mu.RLock()
	raw := binary.LittleEndian.Uint64(m.buf[addr:])
	m.mu.RUnlock()

	perm := gaddr.Perm(raw & 0xff)
	frame := (raw >> pteFrameShift) << 12
	pageSize := uint64(0)
	if perm.Has(gaddr.PermPresent) {
		switch (raw >> pteLeafClassShift) & 0x3 {
		case 0:
			pageSize = 0 // non-leaf
		case 1:
			pageSize = PageSize4K
		case 2:
			pageSize = PageSize4K << indexBitsPerLevel // 2 MiB large page
		case 3:
			pageSize = PageSize4K << (2 * indexBitsPerLevel) // 1 GiB huge page
		}
	}
	return PTE{Frame: gaddr.GuestPhysAddr(frame), Perm: perm, PageSize: pageSize}, nil
}

// WritePTE installs a page-table entry at addr; used by the embedder (boot
// code or a paging test) to build the guest's page tables. leafClass is
// 0 for a non-leaf pointer entry, 1/2/3 for a 4 KiB/2 MiB/1 GiB leaf.
// frame must be aligned to PageSize4K.
func (m *PhysMemory) WritePTE(addr gaddr.GuestPhysAddr, frame gaddr.GuestPhysAddr, perm gaddr.Perm, leafClass uint8) error {
	if err := m.bounds(addr, 8); err != nil {
		return err
	}
	raw := uint64(perm) | uint64(leafClass&0x3)<<pteLeafClassShift | (uint64(frame) >> 12 << pteFrameShift)
	m.mu.Lock()
	binary.LittleEndian.PutUint64(m.buf[addr:], raw)
	m.mu.Unlock()
	return nil
}

// Read copies n bytes starting at addr into dst, which must have len(dst)
// == n.
func (m *PhysMemory) Read(addr gaddr.GuestPhysAddr, dst []byte) error {
	if err := m.bounds(addr, uint64(len(dst))); err != nil {
		return err
	}
	m.mu.RLock()
	copy(dst, m.buf[addr:uint64(addr)+uint64(len(dst))])
	m.mu.RUnlock()
	return nil
}

// Write copies src into guest physical memory starting at addr.
func (m *PhysMemory) Write(addr gaddr.GuestPhysAddr, src []byte) error {
	if err := m.bounds(addr, uint64(len(src))); err != nil {
		return err
	}
	m.mu.Lock()
	copy(m.buf[addr:uint64(addr)+uint64(len(src))], src)
	m.mu.Unlock()
	return nil
}

// ReadUint reads a little-endian unsigned integer of size bytes (1/2/4/8).
func (m *PhysMemory) ReadUint(addr gaddr.GuestPhysAddr, size uint8) (uint64, error) {
	if err := m.bounds(addr, uint64(size)); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch size {
	case 1:
		return uint64(m.buf[addr]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(m.buf[addr:])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(m.buf[addr:])), nil
	case 8:
		return binary.LittleEndian.Uint64(m.buf[addr:]), nil
	default:
		return 0, fmt.Errorf("%w: unsupported memory access size %d", vmerr.ErrDevice, size)
	}
}

// WriteUint writes a little-endian unsigned integer of size bytes.
func (m *PhysMemory) WriteUint(addr gaddr.GuestPhysAddr, size uint8, val uint64) error {
	if err := m.bounds(addr, uint64(size)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch size {
	case 1:
		m.buf[addr] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(m.buf[addr:], uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(m.buf[addr:], uint32(val))
	case 8:
		binary.LittleEndian.PutUint64(m.buf[addr:], val)
	default:
		return fmt.Errorf("%w: unsupported memory access size %d", vmerr.ErrDevice, size)
	}
	return nil
}
