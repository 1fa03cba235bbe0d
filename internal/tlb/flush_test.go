package tlb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosshost/vmm/internal/gaddr"
)

func TestImmediate_EvictsOnInvalidate(t *testing.T) {
	tl := New(2, Immediate{})
	va := gaddr.GuestAddr(0x1000)
	tl.Insert(1, va, 1, gaddr.PermPresent, 12)

	Immediate{}.OnInvalidate(tl, 1, va)

	_, _, _, ok := tl.LookupFast(1, va)
	require.False(t, ok)
}

func TestBatched_DeferredUntilBarrier(t *testing.T) {
	tl := New(2, Immediate{})
	b := &Batched{}
	va := gaddr.GuestAddr(0x2000)
	tl.Insert(1, va, 1, gaddr.PermPresent, 12)

	b.OnInvalidate(tl, 1, va)
	_, _, _, ok := tl.LookupFast(1, va)
	require.True(t, ok, "batched strategy defers eviction")

	b.OnBarrier(tl)
	_, _, _, ok = tl.LookupFast(1, va)
	require.False(t, ok)
}

func TestIntelligent_HotPagesSurviveInvalidate(t *testing.T) {
	tl := New(2, Immediate{})
	s := NewIntelligent(2)
	va := gaddr.GuestAddr(0x3000)
	tl.Insert(1, va, 1, gaddr.PermPresent, 12)

	s.OnAccess(tl, va)
	s.OnAccess(tl, va)
	s.OnInvalidate(tl, 1, va)

	_, _, _, ok := tl.LookupFast(1, va)
	require.True(t, ok, "a page at or above the hot threshold is left cached")
}

func TestIntelligent_ColdPageEvictedImmediately(t *testing.T) {
	tl := New(2, Immediate{})
	s := NewIntelligent(5)
	va := gaddr.GuestAddr(0x4000)
	tl.Insert(1, va, 1, gaddr.PermPresent, 12)

	s.OnAccess(tl, va)
	s.OnInvalidate(tl, 1, va)

	_, _, _, ok := tl.LookupFast(1, va)
	require.False(t, ok)
}

func TestIntelligent_EvictHot(t *testing.T) {
	tl := New(2, Immediate{})
	s := NewIntelligent(1)
	va := gaddr.GuestAddr(0x5000)
	tl.Insert(1, va, 1, gaddr.PermPresent, 12)

	s.OnAccess(tl, va)
	s.EvictHot(tl, 1)

	_, _, _, ok := tl.LookupFast(1, va)
	require.False(t, ok)
}

func TestPredictive_PreEvictsFollowingPage(t *testing.T) {
	tl := New(2, Immediate{})
	p := NewPredictive(4)
	va1 := gaddr.GuestAddr(0x6000)
	va2 := gaddr.GuestAddr(0x7000)
	tl.Insert(1, va1, 1, gaddr.PermPresent, 12)
	tl.Insert(1, va2, 2, gaddr.PermPresent, 12)

	p.OnAccess(tl, va1)
	p.OnAccess(tl, va2)

	p.OnInvalidate(tl, 1, va1)

	_, _, _, ok := tl.LookupFast(1, va1)
	require.False(t, ok)
	_, _, _, ok = tl.LookupFast(1, va2)
	require.False(t, ok, "page historically following the invalidated one is pre-evicted")
}

func TestAdaptive_PicksImmediateWhenThrashing(t *testing.T) {
	tl := New(2, Immediate{})
	a := NewAdaptive(50, 90)

	for i := 0; i < 10; i++ {
		tl.LookupFast(1, gaddr.GuestAddr(uint64(i)<<12)) // all misses
	}

	require.IsType(t, Immediate{}, a.pick(tl))
}

func TestAdaptive_PicksIntelligentWhenStable(t *testing.T) {
	tl := New(2, Immediate{})
	va := gaddr.GuestAddr(0x8000)
	tl.Insert(1, va, 1, gaddr.PermPresent, 12)
	for i := 0; i < 20; i++ {
		tl.LookupFast(1, va) // all hits
	}

	a := NewAdaptive(10, 50)
	require.Same(t, a.intelligent, a.pick(tl))
}
