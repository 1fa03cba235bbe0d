package device

import (
	"fmt"
	"io"
	"sync"

	"github.com/crosshost/vmm/internal/vmerr"
)

// Serial registers offsets, a minimal 16550-adjacent byte-stream console:
// THR/RBR share offset 0 (write transmits, read receives), LSR at offset 5
// reports data-ready/transmit-empty.
const (
	SerialRegData   = 0x0
	SerialRegStatus = 0x5

	serialLSRDataReady    = 1 << 0
	serialLSRTxHoldEmpty  = 1 << 5
	serialLSRTxShiftEmpty = 1 << 6
)

// Serial is a byte-stream console device: writes to SerialRegData go to Out,
// reads from SerialRegData drain an internal ring fed by Inject.
type Serial struct {
	mu  sync.Mutex
	out io.Writer
	rx  []byte
}

// NewSerial returns a Serial device writing guest output to out.
func NewSerial(out io.Writer) *Serial {
	return &Serial{out: out}
}

// Inject appends host-side input bytes for the guest to read back.
func (s *Serial) Inject(b []byte) {
	s.mu.Lock()
	s.rx = append(s.rx, b...)
	s.mu.Unlock()
}

func (s *Serial) ReadMMIO(offset uint64, size uint8) (uint64, error) {
	if size != 1 {
		return 0, fmt.Errorf("%w: serial console only supports byte-wide access, got size %d", vmerr.ErrDevice, size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch offset {
	case SerialRegData:
		if len(s.rx) == 0 {
			return 0, nil
		}
		b := s.rx[0]
		s.rx = s.rx[1:]
		return uint64(b), nil
	case SerialRegStatus:
		status := uint64(serialLSRTxHoldEmpty | serialLSRTxShiftEmpty)
		if len(s.rx) > 0 {
			status |= serialLSRDataReady
		}
		return status, nil
	default:
		return 0, fmt.Errorf("%w: serial console has no register at offset %d", vmerr.ErrDevice, offset)
	}
}

func (s *Serial) WriteMMIO(offset uint64, size uint8, value uint64) error {
	if size != 1 {
		return fmt.Errorf("%w: serial console only supports byte-wide access, got size %d", vmerr.ErrDevice, size)
	}
	if offset != SerialRegData {
		return fmt.Errorf("%w: serial console register at offset %d is read-only", vmerr.ErrDevice, offset)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		_, err := s.out.Write([]byte{byte(value)})
		return err
	}
	return nil
}
