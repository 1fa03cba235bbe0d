package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/crosshost/vmm/internal/irq"
	"github.com/crosshost/vmm/internal/vmerr"
)

// CLINT-style per-hart timer register offsets: mtime is a free-running
// 64-bit counter (one instance, shared), mtimecmp is per-hart; a pending
// timer interrupt is signalled when mtime >= mtimecmp.
const (
	TimerRegMtime    = 0x0
	TimerRegMtimeCmp = 0x8
)

// Timer implements one hart's view of a CLINT: a shared mtime counter
// (advanced externally by Tick, e.g. from a host ticker) plus its own
// mtimecmp register. When mtime crosses mtimecmp it raises irqID on ctrl.
type Timer struct {
	mtime    *atomic.Uint64
	mtimecmp atomic.Uint64

	mu     sync.Mutex
	ctrl   *irq.Controller
	irqID  irq.ID
	raised bool
}

// NewTimer returns a Timer sharing the given counter (pass the same
// *atomic.Uint64 across all harts so mtime stays globally consistent) and
// raising irqID on ctrl when expired.
func NewTimer(mtime *atomic.Uint64, ctrl *irq.Controller, irqID irq.ID) *Timer {
	t := &Timer{mtime: mtime, ctrl: ctrl, irqID: irqID}
	t.mtimecmp.Store(^uint64(0))
	return t
}

// Tick advances the shared mtime counter by delta. It does not evaluate
// expiry itself: callers call CheckExpiry on each Timer sharing the counter
// after calling Tick once per shared counter.
func (t *Timer) Tick(delta uint64) { t.mtime.Add(delta) }

// CheckExpiry raises the configured interrupt if mtime has reached
// mtimecmp and it has not already been raised since the last mtimecmp
// write (matching CLINT level-triggered-until-rearmed semantics).
func (t *Timer) CheckExpiry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.raised {
		return
	}
	if t.mtime.Load() >= t.mtimecmp.Load() {
		t.raised = true
		if t.ctrl != nil {
			t.ctrl.Raise(t.irqID)
		}
	}
}

func (t *Timer) ReadMMIO(offset uint64, size uint8) (uint64, error) {
	if size != 8 {
		return 0, fmt.Errorf("%w: CLINT timer registers are 8 bytes wide, got size %d", vmerr.ErrDevice, size)
	}
	switch offset {
	case TimerRegMtime:
		return t.mtime.Load(), nil
	case TimerRegMtimeCmp:
		return t.mtimecmp.Load(), nil
	default:
		return 0, fmt.Errorf("%w: CLINT timer has no register at offset %d", vmerr.ErrDevice, offset)
	}
}

func (t *Timer) WriteMMIO(offset uint64, size uint8, value uint64) error {
	if size != 8 {
		return fmt.Errorf("%w: CLINT timer registers are 8 bytes wide, got size %d", vmerr.ErrDevice, size)
	}
	switch offset {
	case TimerRegMtime:
		t.mtime.Store(value)
		return nil
	case TimerRegMtimeCmp:
		t.mtimecmp.Store(value)
		t.mu.Lock()
		t.raised = false
		t.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("%w: CLINT timer has no register at offset %d", vmerr.ErrDevice, offset)
	}
}
