package device

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/crosshost/vmm/internal/gaddr"
	"github.com/crosshost/vmm/internal/irq"
	"github.com/crosshost/vmm/internal/vmerr"
)

// GuestMemory is the minimal guest-physical read/write surface a virtio
// device needs to walk descriptor chains; mmu.PhysMemory satisfies this
// structurally, and both packages stay import-free of each other.
type GuestMemory interface {
	Read(addr gaddr.GuestPhysAddr, dst []byte) error
	Write(addr gaddr.GuestPhysAddr, src []byte) error
}

// virtio-mmio (legacy, version 1) register offsets, the minimal subset
// virtio-block semantics require.
const (
	VirtioRegMagic          = 0x00
	VirtioRegVersion        = 0x04
	VirtioRegDeviceID       = 0x08
	VirtioRegVendorID       = 0x0c
	VirtioRegHostFeatures   = 0x10
	VirtioRegGuestFeatures  = 0x20
	VirtioRegQueueSel       = 0x30
	VirtioRegQueueNumMax    = 0x34
	VirtioRegQueueNum       = 0x38
	VirtioRegQueueAlign     = 0x3c
	VirtioRegQueuePFN       = 0x40
	VirtioRegQueueNotify    = 0x50
	VirtioRegInterruptState = 0x60
	VirtioRegInterruptACK   = 0x64
	VirtioRegStatus         = 0x70

	virtioMagicValue = 0x74726976 // "virt" little-endian
	virtioVersion    = 1

	deviceIDBlock = 2
	deviceIDNet   = 1
)

const virtioPageSize = 4096

// descriptor, vring layout per virtio 0.9.5 (legacy) conventions.
const (
	descSize     = 16
	descFlagNext = 1
	vringAlign   = 4096
)

type vring struct {
	queueNum  uint32
	pfn       uint32
	lastAvail uint16
}

func (v *vring) baseAddr() gaddr.GuestPhysAddr {
	return gaddr.GuestPhysAddr(uint64(v.pfn) * virtioPageSize)
}

func (v *vring) descTableAddr() gaddr.GuestPhysAddr { return v.baseAddr() }
func (v *vring) availAddr() gaddr.GuestPhysAddr {
	return v.baseAddr() + gaddr.GuestPhysAddr(uint64(v.queueNum)*descSize)
}
func (v *vring) usedAddr() gaddr.GuestPhysAddr {
	availBytes := 4 + uint64(v.queueNum)*2 + 2 // flags+idx, ring, used_event
	raw := uint64(v.availAddr()) + availBytes
	return gaddr.GuestPhysAddr((raw + vringAlign - 1) &^ (vringAlign - 1))
}

// Ring accessors. A guest-memory failure here means the guest programmed a
// descriptor ring that points outside backing memory; it surfaces as a bus
// fault on the notify write rather than being walked as zeroes.

func readRingU16(mem GuestMemory, addr gaddr.GuestPhysAddr) (uint16, error) {
	buf := make([]byte, 2)
	if err := mem.Read(addr, buf); err != nil {
		return 0, fmt.Errorf("%w: descriptor ring read at 0x%x: %v", vmerr.ErrDevice, addr, err)
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func readRingU32(mem GuestMemory, addr gaddr.GuestPhysAddr) (uint32, error) {
	buf := make([]byte, 4)
	if err := mem.Read(addr, buf); err != nil {
		return 0, fmt.Errorf("%w: descriptor ring read at 0x%x: %v", vmerr.ErrDevice, addr, err)
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func readRingU64(mem GuestMemory, addr gaddr.GuestPhysAddr) (uint64, error) {
	buf := make([]byte, 8)
	if err := mem.Read(addr, buf); err != nil {
		return 0, fmt.Errorf("%w: descriptor ring read at 0x%x: %v", vmerr.ErrDevice, addr, err)
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func writeRingU16(mem GuestMemory, addr gaddr.GuestPhysAddr, v uint16) error {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	if err := mem.Write(addr, buf); err != nil {
		return fmt.Errorf("%w: descriptor ring write at 0x%x: %v", vmerr.ErrDevice, addr, err)
	}
	return nil
}

func writeRingU32(mem GuestMemory, addr gaddr.GuestPhysAddr, v uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	if err := mem.Write(addr, buf); err != nil {
		return fmt.Errorf("%w: descriptor ring write at 0x%x: %v", vmerr.ErrDevice, addr, err)
	}
	return nil
}

// BlockBackend supplies the storage behind a Block device: fixed-size
// sectors, synchronous read/write.
type BlockBackend interface {
	ReadSector(sector uint64, dst []byte) error
	WriteSector(sector uint64, src []byte) error
	SectorCount() uint64
}

// MemBackend is a BlockBackend over an in-memory byte slice, useful for
// tests and ephemeral disks.
type MemBackend struct {
	mu   sync.Mutex
	data []byte
}

const sectorSize = 512

// NewMemBackend returns a zeroed MemBackend of the given sector count.
func NewMemBackend(sectors uint64) *MemBackend {
	return &MemBackend{data: make([]byte, sectors*sectorSize)}
}

func (m *MemBackend) SectorCount() uint64 { return uint64(len(m.data)) / sectorSize }

func (m *MemBackend) ReadSector(sector uint64, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := sector * sectorSize
	if off+uint64(len(dst)) > uint64(len(m.data)) {
		return fmt.Errorf("%w: block read past end of backend at sector %d", vmerr.ErrDevice, sector)
	}
	copy(dst, m.data[off:])
	return nil
}

func (m *MemBackend) WriteSector(sector uint64, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := sector * sectorSize
	if off+uint64(len(src)) > uint64(len(m.data)) {
		return fmt.Errorf("%w: block write past end of backend at sector %d", vmerr.ErrDevice, sector)
	}
	copy(m.data[off:], src)
	return nil
}

// virtio-blk request header layout: type(4) reserved(4) sector(8).
const (
	blkReqTypeIn  = 0 // read
	blkReqTypeOut = 1 // write

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2
)

// Block is a minimal virtio-block device: one queue, processed
// synchronously on QueueNotify.
type Block struct {
	mu      sync.Mutex
	mem     GuestMemory
	backend BlockBackend
	ctrl    *irq.Controller
	irqID   irq.ID

	status        uint32
	queueSel      uint32
	ring          vring
	interruptFlag uint32
}

// NewBlock returns a Block device backed by backend, walking descriptor
// chains through mem, and raising irqID on ctrl after processing a batch.
func NewBlock(mem GuestMemory, backend BlockBackend, ctrl *irq.Controller, irqID irq.ID) *Block {
	b := &Block{mem: mem, backend: backend, ctrl: ctrl, irqID: irqID}
	b.ring.queueNum = 128
	return b
}

func (b *Block) ReadMMIO(offset uint64, size uint8) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch offset {
	case VirtioRegMagic:
		return virtioMagicValue, nil
	case VirtioRegVersion:
		return virtioVersion, nil
	case VirtioRegDeviceID:
		return deviceIDBlock, nil
	case VirtioRegVendorID:
		return 0, nil
	case VirtioRegHostFeatures:
		return 0, nil
	case VirtioRegQueueNumMax:
		return uint64(b.ring.queueNum), nil
	case VirtioRegQueuePFN:
		return uint64(b.ring.pfn), nil
	case VirtioRegInterruptState:
		return uint64(b.interruptFlag), nil
	case VirtioRegStatus:
		return uint64(b.status), nil
	default:
		return 0, fmt.Errorf("%w: virtio-block has no readable register at offset 0x%x", vmerr.ErrDevice, offset)
	}
}

func (b *Block) WriteMMIO(offset uint64, size uint8, value uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch offset {
	case VirtioRegGuestFeatures:
		return nil
	case VirtioRegQueueSel:
		b.queueSel = uint32(value)
		return nil
	case VirtioRegQueueNum:
		b.ring.queueNum = uint32(value)
		return nil
	case VirtioRegQueueAlign:
		return nil
	case VirtioRegQueuePFN:
		b.ring.pfn = uint32(value)
		return nil
	case VirtioRegQueueNotify:
		return b.processQueue()
	case VirtioRegInterruptACK:
		b.interruptFlag &^= uint32(value)
		return nil
	case VirtioRegStatus:
		b.status = uint32(value)
		return nil
	default:
		return fmt.Errorf("%w: virtio-block has no writable register at offset 0x%x", vmerr.ErrDevice, offset)
	}
}

// processQueue walks every available descriptor chain since lastAvail,
// performs the requested sector read/write, writes a status byte to the
// chain's final descriptor, and posts a used-ring entry. A ring that cannot
// be walked (entries outside backing memory, a zero queue size) is a guest
// programming error and faults the notify access.
func (b *Block) processQueue() error {
	if b.ring.pfn == 0 {
		return nil
	}
	if b.ring.queueNum == 0 {
		return fmt.Errorf("%w: virtio-block notify with queue size zero", vmerr.ErrDevice)
	}
	availIdx, err := readRingU16(b.mem, b.ring.availAddr()+2)
	if err != nil {
		return err
	}
	for b.ring.lastAvail != availIdx {
		ringSlot := b.ring.lastAvail % uint16(b.ring.queueNum)
		head, err := readRingU16(b.mem, b.ring.availAddr()+4+gaddr.GuestPhysAddr(ringSlot)*2)
		if err != nil {
			return err
		}
		status, err := b.processChain(head)
		if err != nil {
			return err
		}
		if err := b.postUsed(head, status); err != nil {
			return err
		}
		b.ring.lastAvail++
	}
	if b.ctrl != nil {
		b.interruptFlag |= 1
		b.ctrl.Raise(b.irqID)
	}
	return nil
}

// processChain returns the in-band virtio status byte for one request.
// Backend failures and unreadable data segments stay in-band (the guest
// sees blkStatusIOErr); an unwalkable descriptor table or an unwritable
// status segment is returned as an error instead, since there is no
// in-band channel left to report through.
func (b *Block) processChain(head uint16) (byte, error) {
	type segment struct {
		addr  gaddr.GuestPhysAddr
		len   uint32
		flags uint16
	}
	var segs []segment
	idx := head
	for {
		entryAddr := b.ring.descTableAddr() + gaddr.GuestPhysAddr(idx)*descSize
		addr, err := readRingU64(b.mem, entryAddr)
		if err != nil {
			return 0, err
		}
		length, err := readRingU32(b.mem, entryAddr+8)
		if err != nil {
			return 0, err
		}
		flags, err := readRingU16(b.mem, entryAddr+12)
		if err != nil {
			return 0, err
		}
		next, err := readRingU16(b.mem, entryAddr+14)
		if err != nil {
			return 0, err
		}
		segs = append(segs, segment{gaddr.GuestPhysAddr(addr), length, flags})
		if flags&descFlagNext == 0 {
			break
		}
		idx = next
	}
	if len(segs) < 2 {
		return blkStatusUnsupp, nil
	}

	header := make([]byte, 16)
	if err := b.mem.Read(segs[0].addr, header); err != nil {
		return b.finishChain(segs[len(segs)-1].addr, blkStatusIOErr)
	}
	reqType := binary.LittleEndian.Uint32(header[0:4])
	sector := binary.LittleEndian.Uint64(header[8:16])

	dataSegs := segs[1 : len(segs)-1]
	statusSeg := segs[len(segs)-1]

	var status byte
	switch reqType {
	case blkReqTypeIn:
		status = blkStatusOK
		cur := sector
		for _, s := range dataSegs {
			buf := make([]byte, s.len)
			if err := b.backend.ReadSector(cur, buf); err != nil {
				status = blkStatusIOErr
				break
			}
			if err := b.mem.Write(s.addr, buf); err != nil {
				status = blkStatusIOErr
				break
			}
			cur += uint64(s.len) / sectorSize
		}
	case blkReqTypeOut:
		status = blkStatusOK
		cur := sector
		for _, s := range dataSegs {
			buf := make([]byte, s.len)
			if err := b.mem.Read(s.addr, buf); err != nil {
				status = blkStatusIOErr
				break
			}
			if err := b.backend.WriteSector(cur, buf); err != nil {
				status = blkStatusIOErr
				break
			}
			cur += uint64(s.len) / sectorSize
		}
	default:
		status = blkStatusUnsupp
	}

	return b.finishChain(statusSeg.addr, status)
}

// finishChain writes the in-band status byte into the chain's final
// descriptor.
func (b *Block) finishChain(statusAddr gaddr.GuestPhysAddr, status byte) (byte, error) {
	if err := b.mem.Write(statusAddr, []byte{status}); err != nil {
		return status, fmt.Errorf("%w: status descriptor write at 0x%x: %v", vmerr.ErrDevice, statusAddr, err)
	}
	return status, nil
}

func (b *Block) postUsed(head uint16, _ byte) error {
	usedIdx, err := readRingU16(b.mem, b.ring.usedAddr()+2)
	if err != nil {
		return err
	}
	slot := usedIdx % uint16(b.ring.queueNum)
	entryAddr := b.ring.usedAddr() + 4 + gaddr.GuestPhysAddr(slot)*8
	if err := writeRingU32(b.mem, entryAddr, uint32(head)); err != nil {
		return err
	}
	if err := writeRingU32(b.mem, entryAddr+4, 0); err != nil {
		return err
	}
	return writeRingU16(b.mem, b.ring.usedAddr()+2, usedIdx+1)
}
