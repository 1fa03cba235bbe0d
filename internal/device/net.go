package device

import (
	"fmt"
	"sync"

	"github.com/crosshost/vmm/internal/gaddr"
	"github.com/crosshost/vmm/internal/irq"
	"github.com/crosshost/vmm/internal/vmerr"
)

// NetSink receives frames transmitted by the guest (e.g. a host tap device,
// or a test double collecting frames).
type NetSink interface {
	SendFrame(frame []byte) error
}

// Net is a minimal single-queue virtio-net transmit path: the guest's TX
// descriptor chains are walked and each frame (after the virtio-net header)
// is handed to a NetSink. Receive is modeled by InjectFrame appending to an
// internal queue a future notify-driven RX path would drain; wiring a full
// RX virtqueue mirrors Block's processQueue and is left for the same
// descriptor-chain machinery rather than duplicated here.
type Net struct {
	mu    sync.Mutex
	mem   GuestMemory
	sink  NetSink
	ctrl  *irq.Controller
	irqID irq.ID

	status   uint32
	queueSel uint32
	txRing   vring
	rxQueued [][]byte

	interruptFlag uint32
}

const virtioNetHeaderLen = 12 // virtio-net legacy header, no merge/rss extensions

// NewNet returns a Net device forwarding transmitted frames to sink.
func NewNet(mem GuestMemory, sink NetSink, ctrl *irq.Controller, irqID irq.ID) *Net {
	n := &Net{mem: mem, sink: sink, ctrl: ctrl, irqID: irqID}
	n.txRing.queueNum = 128
	return n
}

// InjectFrame queues a host-originated frame for later guest-side RX
// handling (the RX virtqueue drain is an embedder-driven extension point).
func (n *Net) InjectFrame(frame []byte) {
	n.mu.Lock()
	n.rxQueued = append(n.rxQueued, frame)
	n.mu.Unlock()
}

func (n *Net) ReadMMIO(offset uint64, size uint8) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch offset {
	case VirtioRegMagic:
		return virtioMagicValue, nil
	case VirtioRegVersion:
		return virtioVersion, nil
	case VirtioRegDeviceID:
		return deviceIDNet, nil
	case VirtioRegVendorID:
		return 0, nil
	case VirtioRegHostFeatures:
		return 0, nil
	case VirtioRegQueueNumMax:
		return uint64(n.txRing.queueNum), nil
	case VirtioRegQueuePFN:
		return uint64(n.txRing.pfn), nil
	case VirtioRegInterruptState:
		return uint64(n.interruptFlag), nil
	case VirtioRegStatus:
		return uint64(n.status), nil
	default:
		return 0, fmt.Errorf("%w: virtio-net has no readable register at offset 0x%x", vmerr.ErrDevice, offset)
	}
}

func (n *Net) WriteMMIO(offset uint64, size uint8, value uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch offset {
	case VirtioRegGuestFeatures, VirtioRegQueueAlign:
		return nil
	case VirtioRegQueueSel:
		n.queueSel = uint32(value)
		return nil
	case VirtioRegQueueNum:
		n.txRing.queueNum = uint32(value)
		return nil
	case VirtioRegQueuePFN:
		n.txRing.pfn = uint32(value)
		return nil
	case VirtioRegQueueNotify:
		return n.processTX()
	case VirtioRegInterruptACK:
		n.interruptFlag &^= uint32(value)
		return nil
	case VirtioRegStatus:
		n.status = uint32(value)
		return nil
	default:
		return fmt.Errorf("%w: virtio-net has no writable register at offset 0x%x", vmerr.ErrDevice, offset)
	}
}

// processTX drains the TX ring. As with Block, a ring the device cannot
// walk faults the notify access instead of transmitting frames fabricated
// from zeroed reads.
func (n *Net) processTX() error {
	if n.txRing.pfn == 0 {
		return nil
	}
	if n.txRing.queueNum == 0 {
		return fmt.Errorf("%w: virtio-net notify with queue size zero", vmerr.ErrDevice)
	}
	availIdx, err := readRingU16(n.mem, n.txRing.availAddr()+2)
	if err != nil {
		return err
	}
	for n.txRing.lastAvail != availIdx {
		slot := n.txRing.lastAvail % uint16(n.txRing.queueNum)
		head, err := readRingU16(n.mem, n.txRing.availAddr()+4+gaddr.GuestPhysAddr(slot)*2)
		if err != nil {
			return err
		}
		if err := n.sendChain(head); err != nil {
			return err
		}
		if err := n.postUsed(head); err != nil {
			return err
		}
		n.txRing.lastAvail++
	}
	if n.ctrl != nil {
		n.interruptFlag |= 1
		n.ctrl.Raise(n.irqID)
	}
	return nil
}

func (n *Net) sendChain(head uint16) error {
	var frame []byte
	idx := head
	first := true
	for {
		entryAddr := n.txRing.descTableAddr() + gaddr.GuestPhysAddr(idx)*descSize
		addr, err := readRingU64(n.mem, entryAddr)
		if err != nil {
			return err
		}
		length, err := readRingU32(n.mem, entryAddr+8)
		if err != nil {
			return err
		}
		flags, err := readRingU16(n.mem, entryAddr+12)
		if err != nil {
			return err
		}
		next, err := readRingU16(n.mem, entryAddr+14)
		if err != nil {
			return err
		}

		buf := make([]byte, length)
		if err := n.mem.Read(gaddr.GuestPhysAddr(addr), buf); err != nil {
			return fmt.Errorf("%w: TX buffer read at 0x%x: %v", vmerr.ErrDevice, addr, err)
		}
		if first && len(buf) >= virtioNetHeaderLen {
			buf = buf[virtioNetHeaderLen:]
		}
		first = false
		frame = append(frame, buf...)

		if flags&descFlagNext == 0 {
			break
		}
		idx = next
	}
	if n.sink != nil {
		// A sink failure is a dropped frame, the lossy medium's normal
		// behavior; it is not a guest bus fault.
		_ = n.sink.SendFrame(frame)
	}
	return nil
}

func (n *Net) postUsed(head uint16) error {
	usedIdx, err := readRingU16(n.mem, n.txRing.usedAddr()+2)
	if err != nil {
		return err
	}
	slot := usedIdx % uint16(n.txRing.queueNum)
	entryAddr := n.txRing.usedAddr() + 4 + gaddr.GuestPhysAddr(slot)*8
	if err := writeRingU32(n.mem, entryAddr, uint32(head)); err != nil {
		return err
	}
	if err := writeRingU32(n.mem, entryAddr+4, 0); err != nil {
		return err
	}
	return writeRingU16(n.mem, n.txRing.usedAddr()+2, usedIdx+1)
}
