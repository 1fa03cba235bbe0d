package device

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosshost/vmm/internal/irq"
)

func TestTimer_RaisesOnExpiry(t *testing.T) {
	var mtime atomic.Uint64
	ctrl := irq.New()
	ctrl.Configure(5, 1)
	ctrl.SetEnabled(0, 5, true)
	ctrl.SetThreshold(0, 0)

	timer := NewTimer(&mtime, ctrl, 5)
	require.NoError(t, timer.WriteMMIO(TimerRegMtimeCmp, 8, 100))

	timer.Tick(50)
	timer.CheckExpiry()
	require.False(t, ctrl.Pending(5))

	timer.Tick(60)
	timer.CheckExpiry()
	require.True(t, ctrl.Pending(5))
}

func TestTimer_RearmOnMtimeCmpWrite(t *testing.T) {
	var mtime atomic.Uint64
	ctrl := irq.New()
	ctrl.Configure(1, 1)
	ctrl.SetEnabled(0, 1, true)
	ctrl.SetThreshold(0, 0)

	timer := NewTimer(&mtime, ctrl, 1)
	require.NoError(t, timer.WriteMMIO(TimerRegMtimeCmp, 8, 10))
	timer.Tick(20)
	timer.CheckExpiry()
	require.True(t, ctrl.Pending(1))

	ctrl.Claim(0)
	require.NoError(t, ctrl.Complete(1))
	require.NoError(t, timer.WriteMMIO(TimerRegMtimeCmp, 8, 1000))
	timer.CheckExpiry()
	require.False(t, ctrl.Pending(1), "rearming mtimecmp clears the raised latch")
}

func TestTimer_ReadRegisters(t *testing.T) {
	var mtime atomic.Uint64
	timer := NewTimer(&mtime, nil, 0)
	mtime.Store(42)

	v, err := timer.ReadMMIO(TimerRegMtime, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)
}
