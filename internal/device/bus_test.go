package device

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosshost/vmm/internal/gaddr"
)

func TestBus_RegisterAndLookup(t *testing.T) {
	bus := New()
	s := NewSerial(&bytes.Buffer{})
	require.NoError(t, bus.Register(0x1000, 0x100, s))

	h, off, ok := bus.Lookup(0x1005)
	require.True(t, ok)
	require.Equal(t, uint64(5), off)
	require.Same(t, s, h)
}

func TestBus_LookupMiss(t *testing.T) {
	bus := New()
	_, _, ok := bus.Lookup(0x9999)
	require.False(t, ok)
}

func TestBus_RejectsOverlap(t *testing.T) {
	bus := New()
	s1 := NewSerial(&bytes.Buffer{})
	s2 := NewSerial(&bytes.Buffer{})
	require.NoError(t, bus.Register(0x1000, 0x100, s1))

	err := bus.Register(0x1050, 0x100, s2)
	require.Error(t, err)
}

func TestBus_MultipleRegions(t *testing.T) {
	bus := New()
	s1 := NewSerial(&bytes.Buffer{})
	s2 := NewSerial(&bytes.Buffer{})
	require.NoError(t, bus.Register(0x2000, 0x100, s2))
	require.NoError(t, bus.Register(0x1000, 0x100, s1))

	h, _, ok := bus.Lookup(0x2010)
	require.True(t, ok)
	require.Same(t, s2, h)

	_, _, ok = bus.Lookup(gaddr.GuestPhysAddr(0x1100))
	require.False(t, ok, "address just past a region's end is not owned by it")
}
